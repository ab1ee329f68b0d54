package domain

import (
	"sort"
	"time"
)

const (
	StatusProcessed = "processed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

const (
	ErrCodeMalformedPreamble = "malformed_preamble"
	ErrCodeUnexpectedEOF     = "unexpected_eof"
	ErrCodeParseFailed       = "parse_failed"
	ErrCodeUnrecognized      = "unrecognized"
	ErrCodeWriteFailed       = "write_failed"
	ErrCodeIOFailed          = "io_failed"
)

// ScanReport 是一轮扫描的对外稳定输出（stdout JSON / 摘要行）。
type ScanReport struct {
	Input  string `json:"input"`
	Output string `json:"output"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary ScanSummary `json:"summary"`
	Items   []FileItem  `json:"items"`
}

type ScanSummary struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Artifacts int `json:"artifacts"`
}

// FileItem 是单个输入文件的处理结果。
// Artifacts 按提交顺序列出产物文件名（passthrough 时就是原文件名）。
type FileItem struct {
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	ErrorCode string   `json:"error_code"`
	ErrorMsg  string   `json:"error_msg"`
	Artifacts []string `json:"artifacts"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) items 按文件名稳定排序，保证输出确定
// 3) summary 由 items 计算得出
func (r *ScanReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Items, func(i, j int) bool {
		return r.Items[i].Name < r.Items[j].Name
	})

	var s ScanSummary
	for _, it := range r.Items {
		switch it.Status {
		case StatusProcessed:
			s.Processed++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
		s.Artifacts += len(it.Artifacts)
	}
	r.Summary = s
}
