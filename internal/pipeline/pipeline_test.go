package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/John-Robertt/WMOX/internal/bulletin"
	"github.com/John-Robertt/WMOX/internal/config"
	"github.com/John-Robertt/WMOX/internal/domain"
	"github.com/John-Robertt/WMOX/internal/wmo"
)

const collectionXML = `<?xml version="1.0" encoding="UTF-8"?>
<collect:MeteorologicalBulletin xmlns:collect="http://def.wmo.int/collect/2014" xmlns:iwxxm="http://icao.int/iwxxm/3.0" xmlns:gml="http://www.opengis.net/gml/3.2">
  <collect:bulletinIdentifier>A_LTAA01ZZZZ010000_C_ZZZZ.xml</collect:bulletinIdentifier>
  <collect:meteorologicalInformation>
    <iwxxm:SIGMET gml:id="sigmet-1"/>
  </collect:meteorologicalInformation>
  <collect:meteorologicalInformation>
    <iwxxm:SIGMET gml:id="sigmet-2"/>
  </collect:meteorologicalInformation>
  <collect:meteorologicalInformation>
    <iwxxm:SIGMET gml:id="sigmet-3"/>
  </collect:meteorologicalInformation>
</collect:MeteorologicalBulletin>
`

const standaloneXML = `<?xml version="1.0" encoding="UTF-8"?>
<iwxxm:TAF xmlns:iwxxm="http://icao.int/iwxxm/2023-1"   xmlns:gml="http://www.opengis.net/gml/3.2" gml:id="taf-1">
  <iwxxm:issueTime>2026-01-01T00:00:00Z</iwxxm:issueTime>
</iwxxm:TAF>
`

func newTestPipeline(t *testing.T) (p *Pipeline, in, out string) {
	t.Helper()
	in = t.TempDir()
	out = t.TempDir()
	p, err := New(config.EffectiveConfig{
		Input:  in,
		Output: out,
		Poll:   10 * time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New 失败：%v", err)
	}
	return p, in, out
}

func writeInput(t *testing.T, in, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(in, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("写入输入文件失败：%v", err)
	}
	return path
}

func mustScan(t *testing.T, p *Pipeline) domain.ScanReport {
	t.Helper()
	rr, err := p.ScanOnce()
	if err != nil {
		t.Fatalf("ScanOnce 失败：%v", err)
	}
	return rr
}

func TestScanOnce_CollectionSplit(t *testing.T) {
	p, in, out := newTestPipeline(t)
	src := writeInput(t, in, "bulletin.xml", []byte(collectionXML))

	rr := mustScan(t, p)
	if rr.Summary.Processed != 1 || rr.Summary.Failed != 0 {
		t.Fatalf("摘要不符合预期：%+v", rr.Summary)
	}
	if len(rr.Items) != 1 {
		t.Fatalf("期望 1 个条目，实际 %d", len(rr.Items))
	}
	want := []string{"bulletin_001.xml", "bulletin_002.xml", "bulletin_003.xml"}
	it := rr.Items[0]
	if len(it.Artifacts) != 3 {
		t.Fatalf("期望 3 个产物，实际 %v", it.Artifacts)
	}
	for i, name := range want {
		if it.Artifacts[i] != name {
			t.Fatalf("产物命名不符合预期：%v", it.Artifacts)
		}
		b, err := os.ReadFile(filepath.Join(out, name))
		if err != nil {
			t.Fatalf("读取产物失败：%v", err)
		}
		doc, err := bulletin.Parse(b)
		if err != nil {
			t.Fatalf("产物应可独立解析：%v", err)
		}
		if bulletin.Classify(doc) != bulletin.KindReport {
			t.Fatalf("产物 %q 应是独立报文", name)
		}
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("拆分成功后原文件应被删除：Stat err=%v", err)
	}
}

func TestScanOnce_StandalonePassthrough(t *testing.T) {
	p, in, out := newTestPipeline(t)
	src := writeInput(t, in, "taf.xml", []byte(standaloneXML))

	rr := mustScan(t, p)
	if rr.Summary.Processed != 1 {
		t.Fatalf("摘要不符合预期：%+v", rr.Summary)
	}
	// 独立报文原样移动：不重新序列化，字节逐一保持（含属性间多余空格）。
	b, err := os.ReadFile(filepath.Join(out, "taf.xml"))
	if err != nil {
		t.Fatalf("读取产物失败：%v", err)
	}
	if !bytes.Equal(b, []byte(standaloneXML)) {
		t.Fatalf("passthrough 应逐字节一致")
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("移动后原文件不应残留：Stat err=%v", err)
	}
}

func TestScanOnce_SingleReportCollectionKeepsName(t *testing.T) {
	const xml = `<collect:MeteorologicalBulletin xmlns:collect="http://def.wmo.int/collect/2014" xmlns:iwxxm="http://icao.int/iwxxm/3.0">
  <collect:meteorologicalInformation><iwxxm:SIGMET/></collect:meteorologicalInformation>
</collect:MeteorologicalBulletin>`
	p, in, out := newTestPipeline(t)
	writeInput(t, in, "one.xml", []byte(xml))

	rr := mustScan(t, p)
	if got := rr.Items[0].Artifacts; len(got) != 1 || got[0] != "one.xml" {
		t.Fatalf("单报文产物应沿用原文件名，实际 %v", got)
	}
	if _, err := os.Stat(filepath.Join(out, "one.xml")); err != nil {
		t.Fatalf("产物不存在：%v", err)
	}
}

func TestScanOnce_WMOMultiFrame(t *testing.T) {
	heading1 := []byte("LTAA01 ZZZZ 010000")
	heading2 := []byte("LTAA02 ZZZZ 010000")

	var buf bytes.Buffer
	w := wmo.NewWriter(&buf, wmo.FormatWMO01)
	if err := w.WriteHeaderBody(heading1, []byte(collectionXML)); err != nil {
		t.Fatalf("封装失败：%v", err)
	}
	if err := w.WriteHeaderBody(heading2, []byte(standaloneXML)); err != nil {
		t.Fatalf("封装失败：%v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close 失败：%v", err)
	}

	p, in, out := newTestPipeline(t)
	src := writeInput(t, in, "gts.bin", buf.Bytes())

	rr := mustScan(t, p)
	if rr.Summary.Processed != 1 || rr.Summary.Artifacts != 4 {
		t.Fatalf("摘要不符合预期：%+v", rr.Summary)
	}
	// 帧 1（汇集，3 份）→ _001.._003；帧 2（独立，1 份）→ (2-1)*1000+1。
	want := []string{"gts_001.bin", "gts_002.bin", "gts_003.bin", "gts_1001.bin"}
	it := rr.Items[0]
	if len(it.Artifacts) != len(want) {
		t.Fatalf("期望 %d 个产物，实际 %v", len(want), it.Artifacts)
	}
	for i, name := range want {
		if it.Artifacts[i] != name {
			t.Fatalf("产物命名不符合预期：%v", it.Artifacts)
		}
	}

	// 每个产物都是合法的 WMO01 封装文件：heading 逐字节保留来源帧。
	for i, name := range want {
		r, err := wmo.Open(filepath.Join(out, name), true)
		if err != nil {
			t.Fatalf("打开产物失败：%v", err)
		}
		msgs, err := r.ReadAll()
		r.Close()
		if err != nil || len(msgs) != 1 {
			t.Fatalf("产物 %q 应恰好含 1 条报文：%v %d", name, err, len(msgs))
		}
		heading, body := bulletin.SplitHeadingBody(msgs[0])
		wantHeading := heading1
		if i == 3 {
			wantHeading = heading2
		}
		if !bytes.Equal(heading, wantHeading) {
			t.Fatalf("产物 %q 的 heading 不一致：%q", name, heading)
		}
		doc, err := bulletin.Parse(body)
		if err != nil {
			t.Fatalf("产物 body 应可独立解析：%v", err)
		}
		if bulletin.Classify(doc) != bulletin.KindReport {
			t.Fatalf("产物 %q 的 body 应是独立报文", name)
		}
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("拆分成功后原文件应被删除：Stat err=%v", err)
	}
}

func TestScanOnce_WMOSingleReportKeepsName(t *testing.T) {
	var buf bytes.Buffer
	w := wmo.NewWriter(&buf, wmo.FormatWMO01)
	if err := w.WriteHeaderBody([]byte("LTAA01 ZZZZ 010000"), []byte(standaloneXML)); err != nil {
		t.Fatalf("封装失败：%v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close 失败：%v", err)
	}

	p, in, out := newTestPipeline(t)
	writeInput(t, in, "single.bin", buf.Bytes())

	rr := mustScan(t, p)
	if got := rr.Items[0].Artifacts; len(got) != 1 || got[0] != "single.bin" {
		t.Fatalf("单报文产物应沿用原文件名，实际 %v", got)
	}
	if _, err := os.Stat(filepath.Join(out, "single.bin")); err != nil {
		t.Fatalf("产物不存在：%v", err)
	}
}

func TestScanOnce_MalformedPreambleRetried(t *testing.T) {
	// 第一帧合法，第二帧 preamble 损坏：容器级失败，文件原地保留、下一轮重试。
	stream := wmo.Encode(wmo.FormatWMO01, []byte("h\r\r\n<x/>"))
	stream = append(stream, "ABCDEFGH01\r\r\njunk"...)

	p, in, out := newTestPipeline(t)
	src := writeInput(t, in, "broken.bin", stream)

	rr := mustScan(t, p)
	it := rr.Items[0]
	if it.Status != domain.StatusFailed || it.ErrorCode != domain.ErrCodeMalformedPreamble {
		t.Fatalf("期望 malformed_preamble 失败，实际 %+v", it)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("失败文件应原地保留：%v", err)
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 0 {
		t.Fatalf("失败前不应有产物落盘：%v", entries)
	}

	// 未记入 processed：同一文件下一轮再次出现。
	rr2 := mustScan(t, p)
	if len(rr2.Items) != 1 || rr2.Items[0].Status != domain.StatusFailed {
		t.Fatalf("失败文件应被重试，实际 %+v", rr2.Items)
	}
}

func TestScanOnce_TruncatedPayload(t *testing.T) {
	p, in, _ := newTestPipeline(t)
	src := writeInput(t, in, "short.bin", []byte("0000002001\r\r\nshort"))

	rr := mustScan(t, p)
	it := rr.Items[0]
	if it.Status != domain.StatusFailed || it.ErrorCode != domain.ErrCodeUnexpectedEOF {
		t.Fatalf("期望 unexpected_eof 失败，实际 %+v", it)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("失败文件应原地保留：%v", err)
	}
}

func TestScanOnce_NonXMLFrameSkipped(t *testing.T) {
	// 帧 body 不是 XML：帧级警告跳过，容器本身处理成功（无产物，原文件删除）。
	var buf bytes.Buffer
	w := wmo.NewWriter(&buf, wmo.FormatWMO01)
	if err := w.WriteHeaderBody([]byte("LTAA01 ZZZZ 010000"), []byte("SOME TAC TEXT")); err != nil {
		t.Fatalf("封装失败：%v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close 失败：%v", err)
	}

	p, in, out := newTestPipeline(t)
	src := writeInput(t, in, "tac.bin", buf.Bytes())

	rr := mustScan(t, p)
	it := rr.Items[0]
	if it.Status != domain.StatusProcessed || len(it.Artifacts) != 0 {
		t.Fatalf("期望 0 产物的成功处理，实际 %+v", it)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("处理完的文件应被删除：Stat err=%v", err)
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 0 {
		t.Fatalf("不应有产物：%v", entries)
	}
}

func TestScanOnce_UnrecognizedSkipDedupAndMtime(t *testing.T) {
	p, in, _ := newTestPipeline(t)
	path := writeInput(t, in, "notes.txt", []byte("plain text, not a bulletin"))

	rr := mustScan(t, p)
	if len(rr.Items) != 1 || rr.Items[0].Status != domain.StatusSkipped || rr.Items[0].ErrorCode != domain.ErrCodeUnrecognized {
		t.Fatalf("期望 unrecognized 跳过，实际 %+v", rr.Items)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("跳过的文件应原地保留：%v", err)
	}

	// 已标记 (name, mtime)：第二轮不再出现。
	rr2 := mustScan(t, p)
	if len(rr2.Items) != 0 {
		t.Fatalf("已处理文件不应重复出现：%+v", rr2.Items)
	}

	// mtime 变化视为新文件：第三轮重新处理。
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes 失败：%v", err)
	}
	rr3 := mustScan(t, p)
	if len(rr3.Items) != 1 {
		t.Fatalf("mtime 变化应触发重新处理，实际 %+v", rr3.Items)
	}
}

func TestScanOnce_DotFileIgnored(t *testing.T) {
	p, in, _ := newTestPipeline(t)
	writeInput(t, in, ".hidden.xml", []byte(standaloneXML))

	rr := mustScan(t, p)
	if len(rr.Items) != 0 {
		t.Fatalf("点文件应被忽略，实际 %+v", rr.Items)
	}
	if _, err := os.Stat(filepath.Join(in, ".hidden.xml")); err != nil {
		t.Fatalf("点文件应原地保留：%v", err)
	}
}

func TestScanOnce_UnparseableXMLRetried(t *testing.T) {
	p, in, _ := newTestPipeline(t)
	src := writeInput(t, in, "bad.xml", []byte("<a><b></a>"))

	rr := mustScan(t, p)
	it := rr.Items[0]
	if it.Status != domain.StatusFailed || it.ErrorCode != domain.ErrCodeParseFailed {
		t.Fatalf("期望 parse_failed 失败，实际 %+v", it)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("失败文件应原地保留：%v", err)
	}
	rr2 := mustScan(t, p)
	if len(rr2.Items) != 1 {
		t.Fatalf("失败文件应被重试，实际 %+v", rr2.Items)
	}
}

func TestScanOnce_PartialCommitFailureThenRecovery(t *testing.T) {
	p, in, out := newTestPipeline(t)
	src := writeInput(t, in, "bulletin.xml", []byte(collectionXML))

	// 用一个同名目录挡住第二个产物的 rename：制造提交中途失败。
	blocker := filepath.Join(out, "bulletin_002.xml")
	if err := os.Mkdir(blocker, 0o755); err != nil {
		t.Fatalf("Mkdir 失败：%v", err)
	}

	rr := mustScan(t, p)
	it := rr.Items[0]
	if it.Status != domain.StatusFailed || it.ErrorCode != domain.ErrCodeWriteFailed {
		t.Fatalf("期望 write_failed 失败，实际 %+v", it)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("失败文件应原地保留：%v", err)
	}
	// 输入目录不得残留提交用的临时文件。
	entries, err := os.ReadDir(in)
	if err != nil {
		t.Fatalf("ReadDir 失败：%v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".bulletin") {
			t.Fatalf("临时文件未清理：%q", e.Name())
		}
	}

	// 障碍移除后下一轮重试成功；已提交的产物被幂等覆盖。
	if err := os.Remove(blocker); err != nil {
		t.Fatalf("移除障碍失败：%v", err)
	}
	rr2 := mustScan(t, p)
	if rr2.Summary.Processed != 1 || rr2.Summary.Artifacts != 3 {
		t.Fatalf("重试应成功：%+v", rr2.Summary)
	}
	for _, name := range []string{"bulletin_001.xml", "bulletin_002.xml", "bulletin_003.xml"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Fatalf("产物 %q 不存在：%v", name, err)
		}
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("重试成功后原文件应被删除：Stat err=%v", err)
	}
}

func TestWatch_CompletesScanBeforeStopping(t *testing.T) {
	p, in, out := newTestPipeline(t)
	writeInput(t, in, "taf.xml", []byte(standaloneXML))

	// ctx 先取消：Watch 仍要完整跑完第一轮扫描再退出。
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		p.Watch(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Watch 未在取消后退出")
	}

	if _, err := os.Stat(filepath.Join(out, "taf.xml")); err != nil {
		t.Fatalf("取消前的一轮扫描应完整执行：%v", err)
	}
}

func TestIsWMOEncapsulated(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"0000002501\r\r\nrest", true},
		{"0000002500\r\r\nrest", false}, // 格式标识不是 01
		{"000000A501\r\r\nrest", false}, // 长度位不是数字
		{"0000002501\r\nrest", false},   // 分隔符不完整
		{"0000002501", false},           // 不足 13 字节
		{"<?xml version", false},
	}
	for _, c := range cases {
		if got := isWMOEncapsulated([]byte(c.in)); got != c.want {
			t.Fatalf("isWMOEncapsulated(%q)：期望 %v，实际 %v", c.in, c.want, got)
		}
	}
}

func TestSuffixName(t *testing.T) {
	cases := []struct {
		name string
		seq  int
		want string
	}{
		{"bulletin.xml", 7, "bulletin_007.xml"},
		{"bulletin.xml", 123, "bulletin_123.xml"},
		{"gts.bin", 1001, "gts_1001.bin"},
		{"noext", 1, "noext_001"},
		{"a.b.xml", 2, "a.b_002.xml"},
	}
	for _, c := range cases {
		if got := suffixName(c.name, c.seq); got != c.want {
			t.Fatalf("suffixName(%q, %d)：期望 %q，实际 %q", c.name, c.seq, c.want, got)
		}
	}
}
