// Package pipeline 实现对输入目录的扫描与公报拆分：
// 识别每个候选文件的容器格式（WMO 封装 / 纯 XML），拆出单份报文，
// 原子地提交到输出目录，并保证失败文件可以在后续扫描中重试。
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/John-Robertt/WMOX/internal/bulletin"
	"github.com/John-Robertt/WMOX/internal/config"
	"github.com/John-Robertt/WMOX/internal/domain"
	"github.com/John-Robertt/WMOX/internal/infra/fsx"
	"github.com/John-Robertt/WMOX/internal/wmo"
)

// fileKey 是“已处理”判定的键：(文件名, 修改时间)。
// 同名文件内容更新（mtime 变化）会被视为新文件重新处理。
type fileKey struct {
	name    string
	modUnix int64 // UnixNano
}

// Pipeline 单线程地串行处理输入目录中的公报文件。
//
// 约束：
// - processed 集合只被扫描线程触碰，进程存活期间有效，重启即清空
// - 单个文件的失败不影响本轮其他文件；失败文件不记入 processed，下一轮重试
type Pipeline struct {
	in   string
	out  string
	poll time.Duration
	log  zerolog.Logger

	processed map[fileKey]struct{}
}

// New 创建 Pipeline 并确保输出目录存在。
// 输入目录的存在性由 config 阶段把关（启动期错误必须先于扫描循环暴露）。
func New(eff config.EffectiveConfig, log zerolog.Logger) (*Pipeline, error) {
	if err := os.MkdirAll(eff.Output, 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败：%w", err)
	}
	return &Pipeline{
		in:        eff.Input,
		out:       eff.Output,
		poll:      eff.Poll,
		log:       log,
		processed: make(map[fileKey]struct{}),
	}, nil
}

// Watch 周期性扫描，直到 ctx 取消。
// 取消只在两轮扫描之间生效：进行中的一轮必须完整跑完
// （单个文件有自己的失败边界），保证停机时不会留下半处理状态。
func (p *Pipeline) Watch(ctx context.Context) {
	for {
		rr, err := p.ScanOnce()
		if err != nil {
			// 扫描级错误（例如目录短暂不可读）：记日志，下一轮重试。
			p.log.Error().Err(err).Msg("扫描失败")
		} else if len(rr.Items) > 0 {
			p.logSummary(rr)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.poll):
		}
	}
}

// ScanOnce 扫描一轮输入目录，处理所有未见过的候选文件。
// 返回的 error 只代表扫描级失败（目录不可列出）；单个文件的失败收敛在 report 里。
func (p *Pipeline) ScanOnce() (domain.ScanReport, error) {
	rr := domain.ScanReport{
		Input:     p.in,
		Output:    p.out,
		StartedAt: time.Now().UTC(),
	}

	entries, err := os.ReadDir(p.in)
	if err != nil {
		return domain.ScanReport{}, fmt.Errorf("列出输入目录失败：%w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		// 点文件是提交中的临时产物（或隐藏文件），一律忽略。
		if strings.HasPrefix(name, ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// 扫描瞬间文件已消失：当作本轮不存在。
			continue
		}
		key := fileKey{name: name, modUnix: info.ModTime().UnixNano()}
		if _, ok := p.processed[key]; ok {
			continue
		}

		item := p.processFile(name)
		rr.Items = append(rr.Items, item)
		if item.Status != domain.StatusFailed {
			// 失败文件不记入：保持 untouched + unmarked，下一轮重试。
			p.processed[key] = struct{}{}
		}
	}

	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	return rr, nil
}

// processFile 走完单个文件的状态机：识别 → 解码/解析 → 拆分 → 原子提交 → 清理。
// 提交成功之前任何失败都不得留下副作用（临时文件由 fsx 负责清理）。
func (p *Pipeline) processFile(name string) domain.FileItem {
	it := domain.FileItem{
		Name:      name,
		Status:    domain.StatusProcessed,
		Artifacts: []string{},
	}
	src := filepath.Join(p.in, name)
	flog := p.log.With().Str("file", name).Logger()

	head, err := readHead(src, 1024)
	if err != nil {
		return failItem(it, flog, domain.ErrCodeIOFailed, fmt.Sprintf("读取文件头失败：%v", err))
	}

	switch {
	case isWMOEncapsulated(head):
		return p.processWMOFile(src, it, flog)
	case bulletin.LooksLikeXML(head):
		return p.processPlainXMLFile(src, it, flog)
	default:
		it.Status = domain.StatusSkipped
		it.ErrorCode = domain.ErrCodeUnrecognized
		it.ErrorMsg = "既不是 WMO 封装也不像 XML"
		flog.Warn().Msg("无法识别的文件格式，跳过")
		return it
	}
}

// processWMOFile 解码 WMO 封装文件：逐帧拆 heading/body，解析并拆分 body，
// 每份报文按 WMO01 重新封装（保留来源帧的 heading）后提交。
func (p *Pipeline) processWMOFile(src string, it domain.FileItem, flog zerolog.Logger) domain.FileItem {
	// 输入文件允许缺少零尾：宽松模式解码。
	r, err := wmo.Open(src, false)
	if err != nil {
		return failItem(it, flog, domain.ErrCodeIOFailed, fmt.Sprintf("打开文件失败：%v", err))
	}
	defer r.Close()

	type extracted struct {
		heading  []byte
		body     []byte
		frameIdx int
		seq      int
	}
	var reports []extracted

	frame := 0
	for {
		msg, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// 解码错误对整个容器是致命的：文件原地保留，下一轮重试。
			code := domain.ErrCodeIOFailed
			if wmo.IsPreambleError(err) {
				code = domain.ErrCodeMalformedPreamble
			} else if errors.Is(err, wmo.ErrUnexpectedEOF) {
				code = domain.ErrCodeUnexpectedEOF
			}
			return failItem(it, flog, code, err.Error())
		}
		frame++

		heading, body := bulletin.SplitHeadingBody(msg)
		if !bulletin.LooksLikeXML(body) {
			flog.Warn().Int("frame", frame).Msg("帧 body 不是 XML，跳过该帧")
			continue
		}
		doc, err := bulletin.Parse(body)
		if err != nil {
			flog.Warn().Int("frame", frame).Err(err).Msg("帧 body 解析失败，跳过该帧")
			continue
		}

		switch kind := bulletin.Classify(doc); kind {
		case bulletin.KindReport, bulletin.KindCollection:
			parts := bulletin.Decompose(doc)
			flog.Info().Int("frame", frame).Stringer("kind", kind).Int("reports", len(parts)).Msg("帧已拆分")
			for _, rep := range parts {
				b, err := bulletin.Serialize(rep)
				if err != nil {
					return failItem(it, flog, domain.ErrCodeParseFailed, fmt.Sprintf("序列化报文失败：%v", err))
				}
				reports = append(reports, extracted{
					heading:  heading,
					body:     b,
					frameIdx: frame,
					seq:      rep.Seq,
				})
			}
		case bulletin.KindUnrecognized:
			flog.Warn().Int("frame", frame).Msg("帧 body 既不是汇集公报也不是报文，跳过该帧")
		}
	}

	if len(reports) == 0 {
		flog.Warn().Msg("文件中没有可抽取的报文")
	}

	name := filepath.Base(src)
	arts := make([]domain.OutputArtifact, 0, len(reports))
	for _, rep := range reports {
		outName := name
		if len(reports) > 1 {
			// 帧序号 ×1000 + 帧内报文序号：保持唯一且保序。
			// 这隐含每帧最多 999 份报文的上限（文档化约束，不做断言）。
			outName = suffixName(name, (rep.frameIdx-1)*1000+rep.seq)
		}
		arts = append(arts, domain.OutputArtifact{
			Name:    outName,
			Data:    rep.body,
			Wrap:    true,
			Heading: rep.heading,
		})
	}

	return p.commitAndRemove(src, it, flog, arts)
}

// processPlainXMLFile 处理未封装的 XML 文件。
//
// - 汇集公报：每份报文一个纯 XML 产物，原文件在提交后删除
// - 独立报文：原文件原样 rename 到输出目录（不重新序列化，字节保持一致）
// - 无法识别：警告并跳过，文件原地保留
func (p *Pipeline) processPlainXMLFile(src string, it domain.FileItem, flog zerolog.Logger) domain.FileItem {
	data, err := os.ReadFile(src)
	if err != nil {
		return failItem(it, flog, domain.ErrCodeIOFailed, fmt.Sprintf("读取文件失败：%v", err))
	}
	doc, err := bulletin.Parse(data)
	if err != nil {
		return failItem(it, flog, domain.ErrCodeParseFailed, err.Error())
	}

	name := filepath.Base(src)
	switch kind := bulletin.Classify(doc); kind {
	case bulletin.KindReport:
		dst := filepath.Join(p.out, name)
		if err := fsx.Rename(src, dst); err != nil {
			return failItem(it, flog, domain.ErrCodeWriteFailed, fmt.Sprintf("移动独立报文失败：%v", err))
		}
		it.Artifacts = append(it.Artifacts, name)
		flog.Info().Msg("独立报文，已原样移动到输出目录")
		return it

	case bulletin.KindCollection:
		parts := bulletin.Decompose(doc)
		flog.Info().Int("reports", len(parts)).Msg("汇集公报已拆分")
		if len(parts) == 0 {
			flog.Warn().Msg("汇集公报中没有报文")
		}

		arts := make([]domain.OutputArtifact, 0, len(parts))
		for _, rep := range parts {
			b, err := bulletin.Serialize(rep)
			if err != nil {
				return failItem(it, flog, domain.ErrCodeParseFailed, fmt.Sprintf("序列化报文失败：%v", err))
			}
			outName := name
			if len(parts) > 1 {
				outName = suffixName(name, rep.Seq)
			}
			arts = append(arts, domain.OutputArtifact{Name: outName, Data: b})
		}
		return p.commitAndRemove(src, it, flog, arts)

	case bulletin.KindUnrecognized:
		it.Status = domain.StatusSkipped
		it.ErrorCode = domain.ErrCodeUnrecognized
		it.ErrorMsg = "根元素既不是汇集公报也不是报文"
		flog.Warn().Msg("无法识别的 XML 文档，跳过")
		return it
	}
	return it
}

// commitAndRemove 依次原子提交所有产物，全部成功后删除原文件。
// 中途失败：原文件保留且不记入 processed；已提交的产物在重试时会被覆盖。
func (p *Pipeline) commitAndRemove(src string, it domain.FileItem, flog zerolog.Logger, arts []domain.OutputArtifact) domain.FileItem {
	for _, a := range arts {
		data := a.Data
		if a.Wrap {
			b, err := wrapWMO01(a.Heading, a.Data)
			if err != nil {
				return failItem(it, flog, domain.ErrCodeWriteFailed, fmt.Sprintf("重新封装失败：%v", err))
			}
			data = b
		}
		dst := filepath.Join(p.out, a.Name)
		if err := fsx.CommitFileVia(p.in, dst, data); err != nil {
			return failItem(it, flog, domain.ErrCodeWriteFailed, fmt.Sprintf("提交产物 %q 失败：%v", a.Name, err))
		}
		it.Artifacts = append(it.Artifacts, a.Name)
		flog.Info().Str("artifact", a.Name).Msg("产物已提交")
	}

	if err := os.Remove(src); err != nil {
		return failItem(it, flog, domain.ErrCodeIOFailed, fmt.Sprintf("删除原文件失败：%v", err))
	}
	return it
}

// wrapWMO01 把一份报文按 WMO01 重新封装为完整文件字节（含零尾）。
func wrapWMO01(heading, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := wmo.NewWriter(&buf, wmo.FormatWMO01)
	if err := w.WriteHeaderBody(heading, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Pipeline) logSummary(rr domain.ScanReport) {
	p.log.Info().
		Int("processed", rr.Summary.Processed).
		Int("skipped", rr.Summary.Skipped).
		Int("failed", rr.Summary.Failed).
		Int("artifacts", rr.Summary.Artifacts).
		Msg("本轮扫描完成")
}

func failItem(it domain.FileItem, flog zerolog.Logger, code, msg string) domain.FileItem {
	it.Status = domain.StatusFailed
	it.ErrorCode = code
	it.ErrorMsg = msg
	flog.Error().Str("error_code", code).Msg(msg)
	return it
}

// isWMOEncapsulated 检查 13 字节签名：8 位数字长度 + 格式标识 "01" + CRCRLF。
func isWMOEncapsulated(head []byte) bool {
	if len(head) < 13 {
		return false
	}
	for _, c := range head[:10] {
		if c < '0' || c > '9' {
			return false
		}
	}
	if head[8] != '0' || head[9] != '1' {
		return false
	}
	return string(head[10:13]) == wmo.CRCRLF
}

// suffixName 在扩展名前插入零填充序号：bulletin.xml + 7 → bulletin_007.xml。
// 序号超过 3 位时自然变宽（WMO 多帧场景的 (帧-1)*1000+序号 编码）。
func suffixName(name string, seq int) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%03d%s", stem, seq, ext)
}

// readHead 读取文件前 n 个字节（文件更短时返回实际长度）。
func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	m, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return buf[:m], nil
}
