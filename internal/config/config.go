package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeInputMissing 表示 CLI 与配置文件都没有给出输入目录。
	ErrCodeInputMissing = "input_missing"
	// ErrCodeInputNotFound 表示输入目录不存在。
	ErrCodeInputNotFound = "input_not_found"
	// ErrCodeInputNotDir 表示输入路径存在但不是目录。
	ErrCodeInputNotDir = "input_not_dir"
	// ErrCodeOutputMissing 表示 CLI 与配置文件都没有给出输出目录。
	ErrCodeOutputMissing = "output_missing"
	// ErrCodePollInvalid 表示轮询间隔不是正数。
	ErrCodePollInvalid = "poll_invalid"
)

const (
	// DefaultPollInterval 是 watch 模式下两轮扫描的默认间隔。
	DefaultPollInterval = time.Second
	// DefaultFileName 是缺省配置文件名（在 cwd 下查找，可选）。
	DefaultFileName = "wmox.toml"
)

// CLIArgs 保留 CLI 暴露的入口参数，并记录“是否显式指定”。
// 这能保证覆盖优先级可实现：例如 --watch=false 必须能覆盖配置里的 watch=true。
type CLIArgs struct {
	Input    string
	InputSet bool

	Output    string
	OutputSet bool

	Watch    bool
	WatchSet bool

	PollSeconds float64
	PollSet     bool

	// ConfigPath 是 --config 显式指定的配置文件；为空时尝试 <cwd>/wmox.toml（可选）。
	ConfigPath string
}

// FileConfig 对应 wmox.toml 的解析结构。
type FileConfig struct {
	Input        string   `toml:"input"`
	Output       string   `toml:"output"`
	Watch        *bool    `toml:"watch"`
	PollInterval *float64 `toml:"poll_interval"`
}

// EffectiveConfig 是合并并规范化后的最终配置（实现层直接消费，不再做二次默认判断）。
type EffectiveConfig struct {
	Input  string // clean + absolute，启动时已验证存在且是目录
	Output string // clean + absolute，不存在时由 pipeline 创建
	Watch  bool
	Poll   time.Duration
}

// Error 是配置/启动阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeInputMissing:
		return fmt.Sprintf("%s：必须通过 --input 或配置文件指定输入目录", e.Code)
	case ErrCodeInputNotFound:
		return fmt.Sprintf("%s：输入目录不存在：%q", e.Code, e.Path)
	case ErrCodeInputNotDir:
		return fmt.Sprintf("%s：输入路径不是目录：%q", e.Code, e.Path)
	case ErrCodeOutputMissing:
		return fmt.Sprintf("%s：必须通过 --output 或配置文件指定输出目录", e.Code)
	case ErrCodePollInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return fmt.Sprintf("%s：poll-interval 必须是正数", e.Code)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 读取可选配置文件并与 CLI 参数合并为最终配置。
//
// 发现规则：
// 1) --config 指定了路径：该文件必须存在且可解析
// 2) 未指定：尝试 <cwd>/wmox.toml，不存在不算错误
//
// 覆盖优先级（固定）：CLI > 配置文件 > 默认值。
// 输入目录的存在性在这里一并验证：启动期错误必须在进入扫描循环前暴露。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	var fc FileConfig
	if p := strings.TrimSpace(cli.ConfigPath); p != "" {
		cfgPath := absCleanFrom(cwdAbs, p)
		exists, err := readFileConfig(cfgPath, &fc)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: os.ErrNotExist}
		}
	} else {
		cfgPath := filepath.Join(cwdAbs, DefaultFileName)
		if _, err := readFileConfig(cfgPath, &fc); err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
	}

	// input：CLI > config；必填。
	input := strings.TrimSpace(fc.Input)
	if cli.InputSet {
		input = strings.TrimSpace(cli.Input)
	}
	if input == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeInputMissing}
	}
	inputAbs := absCleanFrom(cwdAbs, input)

	fi, err := os.Stat(inputAbs)
	if err != nil {
		if os.IsNotExist(err) {
			return EffectiveConfig{}, &Error{Code: ErrCodeInputNotFound, Path: inputAbs, Err: err}
		}
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: inputAbs, Err: err}
	}
	if !fi.IsDir() {
		return EffectiveConfig{}, &Error{Code: ErrCodeInputNotDir, Path: inputAbs}
	}

	// output：CLI > config；必填。目录不存在不在这里报错（pipeline 按需创建）。
	output := strings.TrimSpace(fc.Output)
	if cli.OutputSet {
		output = strings.TrimSpace(cli.Output)
	}
	if output == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeOutputMissing}
	}
	outputAbs := absCleanFrom(cwdAbs, output)

	// watch：CLI > config > 默认 false。
	watch := false
	if cli.WatchSet {
		watch = cli.Watch
	} else if fc.Watch != nil {
		watch = *fc.Watch
	}

	// poll：CLI > config > 默认 1s；必须为正数。
	pollSeconds := DefaultPollInterval.Seconds()
	if cli.PollSet {
		pollSeconds = cli.PollSeconds
	} else if fc.PollInterval != nil {
		pollSeconds = *fc.PollInterval
	}
	if pollSeconds <= 0 {
		return EffectiveConfig{}, &Error{Code: ErrCodePollInvalid, Err: fmt.Errorf("poll-interval 必须 > 0，实际是 %v", pollSeconds)}
	}

	return EffectiveConfig{
		Input:  inputAbs,
		Output: outputAbs,
		Watch:  watch,
		Poll:   time.Duration(pollSeconds * float64(time.Second)),
	}, nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 TOML 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string, fc *FileConfig) (exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := toml.Unmarshal(b, fc); err != nil {
		return true, err
	}
	return true, nil
}
