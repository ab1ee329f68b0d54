// Package bulletin 负责把解出的 XML 载荷分类，并从汇集公报中拆出单份报文子树。
//
// 分类只看根元素的本地名与命名空间 URI 前缀，不看根以下的内容。
// 抽取直接在保留注释/空白的解析树上进行（不做语义重建），
// 保证子树序列化后与原文逐字一致且可独立解析。
package bulletin

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/John-Robertt/WMOX/internal/wmo"
)

const (
	// CollectNamespacePrefix 是汇集文档（collect）命名空间的 URI 前缀。
	CollectNamespacePrefix = "http://def.wmo.int/collect/"
	// ReportNamespacePrefix 是单份报文（IWXXM）命名空间的 URI 前缀。
	ReportNamespacePrefix = "http://icao.int/iwxxm/"

	collectionLocalName = "MeteorologicalBulletin"
	carrierLocalName    = "meteorologicalInformation"
)

// Kind 是文档分类结果。三值封闭枚举：调用方必须穷举 switch，禁止静默落空。
type Kind int

const (
	// KindUnrecognized 根元素既不是汇集文档也不是报文。
	KindUnrecognized Kind = iota
	// KindReport 根元素本身就是一份独立报文。
	KindReport
	// KindCollection 根元素是汇集公报（内含 0..N 份报文）。
	KindCollection
)

func (k Kind) String() string {
	switch k {
	case KindReport:
		return "report"
	case KindCollection:
		return "collection"
	case KindUnrecognized:
		return "unrecognized"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Report 是从公报中抽出的一份报文子树。
// Seq 是它在汇集文档中的 1 起始序号；独立报文恒为 1。
type Report struct {
	Element *etree.Element
	Seq     int
}

// Parse 解析 XML 字节为保留注释/空白/CDATA 的文档树。
func Parse(b []byte) (*etree.Document, error) {
	doc := etree.NewDocument()
	doc.ReadSettings.PreserveCData = true
	if err := doc.ReadFromBytes(b); err != nil {
		return nil, fmt.Errorf("XML 解析失败：%w", err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("XML 解析失败：没有根元素")
	}
	return doc, nil
}

// Classify 按根元素的本地名与命名空间 URI 前缀对文档分类。
// 对任何解析成功的文档都恰好返回三个值之一，不会失败。
func Classify(doc *etree.Document) Kind {
	root := doc.Root()
	if root == nil {
		return KindUnrecognized
	}
	ns := root.NamespaceURI()
	if root.Tag == collectionLocalName && strings.HasPrefix(ns, CollectNamespacePrefix) {
		return KindCollection
	}
	if strings.HasPrefix(ns, ReportNamespacePrefix) {
		return KindReport
	}
	return KindUnrecognized
}

// Decompose 按文档顺序抽出其中的报文。
//
// - 独立报文：整个根作为唯一一份（Seq=1）
// - 汇集文档：遍历根的直接子元素，collect 命名空间下名为
//   meteorologicalInformation 的承载元素各贡献其第一个报文命名空间子元素；
//   一个承载元素最多贡献一份，即使后面还有其他子元素
// - 无法识别：返回 nil，由调用方决定是报错还是跳过
//
// 抽出的元素会补齐根上的 xmlns 声明（collect 命名空间除外），保证独立有效。
func Decompose(doc *etree.Document) []Report {
	switch Classify(doc) {
	case KindReport:
		return []Report{{Element: doc.Root(), Seq: 1}}
	case KindCollection:
		root := doc.Root()
		var out []Report
		for _, carrier := range root.ChildElements() {
			if carrier.Tag != carrierLocalName {
				continue
			}
			if !strings.HasPrefix(carrier.NamespaceURI(), CollectNamespacePrefix) {
				continue
			}
			for _, el := range carrier.ChildElements() {
				if !strings.HasPrefix(el.NamespaceURI(), ReportNamespacePrefix) {
					continue
				}
				copyNamespaceDecls(root, el)
				out = append(out, Report{Element: el, Seq: len(out) + 1})
				break // 每个承载元素最多一份报文
			}
		}
		return out
	case KindUnrecognized:
		return nil
	}
	return nil
}

const xmlHeader = `<?xml version="1.0" encoding="utf-8"?>` + "\n"

// Serialize 把报文子树序列化为带 XML 声明的独立文档字节。
// 子树以 Copy 落入新文档，原解析树不受影响。
func Serialize(r Report) ([]byte, error) {
	doc := etree.NewDocument()
	doc.SetRoot(r.Element.Copy())
	b, err := doc.WriteToBytes()
	if err != nil {
		return nil, err
	}
	return append([]byte(xmlHeader), b...), nil
}

// copyNamespaceDecls 把 from 上的 xmlns 声明补到 to 上：
// - collect 命名空间刻意丢弃（抽取后不再引用）
// - to 上已有同名声明不覆盖
func copyNamespaceDecls(from, to *etree.Element) {
	for _, a := range from.Attr {
		if !isNamespaceDecl(a) {
			continue
		}
		if strings.HasPrefix(a.Value, CollectNamespacePrefix) {
			continue
		}
		if to.SelectAttr(a.FullKey()) != nil {
			continue
		}
		to.CreateAttr(a.FullKey(), a.Value)
	}
}

func isNamespaceDecl(a etree.Attr) bool {
	return a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns")
}

// SplitHeadingBody 在报文载荷中定位第一个 CRCRLF：之前是不透明的
// WMO heading（逐字节透传），之后是 XML body。
//
// 找不到分隔符时的启发式兜底：整体像 XML 就当作纯 body；
// 否则整体当作 heading（对畸形输入的尽力而为，不保证语义正确）。
func SplitHeadingBody(msg []byte) (heading, body []byte) {
	if i := bytes.Index(msg, []byte(wmo.CRCRLF)); i >= 0 {
		return msg[:i], msg[i+len(wmo.CRCRLF):]
	}
	if LooksLikeXML(msg) {
		return nil, msg
	}
	return msg, nil
}

// LooksLikeXML 判断字节内容是否像一份 XML 文档：
// 跳过前导空白后以 XML 声明开头，或以 '<' 开头且近处能找到 '>'。
func LooksLikeXML(b []byte) bool {
	s := bytes.TrimLeft(b, " \t\r\n\v\f")
	if len(s) == 0 {
		return false
	}
	if bytes.HasPrefix(s, []byte("<?xml")) {
		return true
	}
	if s[0] != '<' {
		return false
	}
	limit := 200
	if len(s) < limit {
		limit = len(s)
	}
	return bytes.IndexByte(s[:limit], '>') >= 0
}
