// wmox 把 WMO 汇集公报文件拆分为单份报文文件。
//
// 支持两类输入：
// - WMO 封装文件（WMO01）：逐帧抽取报文，产物保留原 heading 并重新封装
// - 纯 XML 文件：汇集公报拆成多个纯 XML 报文；独立报文原样搬到输出目录
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/John-Robertt/WMOX/internal/config"
	"github.com/John-Robertt/WMOX/internal/domain"
	"github.com/John-Robertt/WMOX/internal/pipeline"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("wmox", pflag.ContinueOnError)
	fs.SortFlags = false
	input := fs.StringP("input", "i", "", "输入目录（必填）")
	output := fs.StringP("output", "o", "", "输出目录（必填；不存在时自动创建）")
	watch := fs.BoolP("watch", "w", false, "持续监视输入目录（默认只扫描一轮后退出）")
	poll := fs.Float64("poll-interval", config.DefaultPollInterval.Seconds(), "watch 模式下两轮扫描的间隔秒数")
	cfgPath := fs.String("config", "", "配置文件路径（TOML；默认尝试 ./"+config.DefaultFileName+"）")
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printUsage(fs)
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}

	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		Input:       *input,
		InputSet:    fs.Changed("input"),
		Output:      *output,
		OutputSet:   fs.Changed("output"),
		Watch:       *watch,
		WatchSet:    fs.Changed("watch"),
		PollSeconds: *poll,
		PollSet:     fs.Changed("poll-interval"),
		ConfigPath:  *cfgPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "启动失败：%v\n", err)
		return 1
	}

	log := newLogger()
	p, err := pipeline.New(eff, log)
	if err != nil {
		log.Error().Err(err).Msg("初始化失败")
		return 1
	}

	if eff.Watch {
		// 中断信号只是取消 ctx：进行中的一轮扫描总会完整跑完。
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info().
			Str("input", eff.Input).
			Str("output", eff.Output).
			Dur("poll", eff.Poll).
			Msg("进入 watch 模式（Ctrl+C 停止）")
		p.Watch(ctx)
		log.Info().Msg("已停止")
		return 0
	}

	rr, err := p.ScanOnce()
	if err != nil {
		log.Error().Err(err).Msg("扫描失败")
		return 1
	}
	emitReport(rr)
	// 单个文件的失败不算运行失败：文件原地保留，留待下次运行重试。
	return 0
}

func newLogger() zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).With().Timestamp().Str("app", "wmox").Logger()
}

func emitReport(rr domain.ScanReport) {
	if isTTY(os.Stdout) {
		fmt.Fprintf(os.Stdout, "完成：processed=%d skipped=%d failed=%d artifacts=%d\n",
			rr.Summary.Processed, rr.Summary.Skipped, rr.Summary.Failed, rr.Summary.Artifacts,
		)
		for _, it := range rr.Items {
			if it.Status != domain.StatusFailed {
				continue
			}
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", it.Name, it.ErrorCode, it.ErrorMsg)
		}
		return
	}

	// stdout 非 TTY：stdout 只输出一个 ScanReport JSON（日志/摘要走 stderr）。
	_ = json.NewEncoder(os.Stdout).Encode(rr)
	fmt.Fprintf(os.Stderr, "完成：processed=%d skipped=%d failed=%d artifacts=%d\n",
		rr.Summary.Processed, rr.Summary.Skipped, rr.Summary.Failed, rr.Summary.Artifacts,
	)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func printUsage(fs *pflag.FlagSet) {
	fmt.Fprint(os.Stdout, `用法：
  wmox --input <dir> --output <dir> [--watch] [--poll-interval <秒>]

把 WMO 汇集公报文件拆分为单份报文文件：
  - WMO 封装文件逐帧抽取，产物保留原 heading 并重新封装
  - 纯 XML 汇集公报拆成多个报文文件；独立报文原样移动

参数：
`)
	fmt.Fprint(os.Stdout, fs.FlagUsages())
}
