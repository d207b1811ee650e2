package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ZephyrDeng/kvmexit-analyzer-mcp/analyzer"
)

const version = "0.2.0"

// 命令行参数
var (
	traceReports []string
	hugepage     bool
	kvmmmu       bool
	verbose      bool
	histogram    bool
	mmio         bool
	outputFormat string
	jobs         int

	colorMode string
	debug     bool
)

var rootCmd = &cobra.Command{
	Use:   "kvmexit",
	Short: "Per-exit-reason latency statistics from a trace-cmd kvm report",
	Long: "Reads a report generated by `trace-cmd record -e kvm [-e kvmmmu]` + `trace-cmd report`\n" +
		"and prints the time spent in the host between kvm_exit and kvm_entry, per exit reason.",
	Version:       version,
	Args:          cobra.NoArgs,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := applyColorMode(colorMode); err != nil {
			return err
		}
		// serve 始终在 stderr 上记录日志，其余命令仅在 --debug 时记录
		if !debug && cmd != serveCmd {
			log.SetOutput(io.Discard)
		}
		return nil
	},
	RunE: runReport,
}

func applyColorMode(mode string) error {
	switch mode {
	case "auto":
		color.NoColor = !term.IsTerminal(int(os.Stderr.Fd()))
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	default:
		return fmt.Errorf("invalid --color value %q (auto|on|off)", mode)
	}
	return nil
}

func parseOptions() analyzer.Options {
	opts := analyzer.Options{SubEvents: kvmmmu, PageShift: analyzer.DefaultPageShift}
	if hugepage {
		opts.PageShift += analyzer.HugePageShift
	}
	return opts
}

// parseReports 解析一个或多个 trace，多个时并发解析后按参数顺序合并。
func parseReports(ctx context.Context, paths []string) (*analyzer.Aggregate, error) {
	if len(paths) == 1 {
		return analyzer.ParseFile(paths[0], parseOptions())
	}
	return analyzer.ParseFiles(ctx, paths, parseOptions(), jobs)
}

func runReport(cmd *cobra.Command, args []string) error {
	agg, err := parseReports(cmd.Context(), traceReports)
	if err != nil {
		return err
	}
	out, err := analyzer.AnalyzeExitLatencies(agg, analyzer.ReportOptions{
		Verbose:   verbose,
		Histogram: histogram,
		MMIO:      mmio,
		SubEvents: kvmmmu,
		Format:    outputFormat,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), out)
	return err
}

var (
	compareThreshold float64
	compareTop       int
)

var compareCmd = &cobra.Command{
	Use:   "compare BASE CURRENT",
	Short: "Report exit reasons whose mean latency grew between two traces",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := analyzer.ParseFile(args[0], parseOptions())
		if err != nil {
			return err
		}
		current, err := analyzer.ParseFile(args[1], parseOptions())
		if err != nil {
			return err
		}
		out, err := analyzer.DetectLatencyRegressions(base, current, compareThreshold, compareTop, outputFormat)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), out)
		return err
	},
}

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export TRACE...",
	Short: "Write the exit latencies as a pprof profile",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agg, err := parseReports(cmd.Context(), args)
		if err != nil {
			return err
		}
		if err := analyzer.SaveLatencyProfile(agg, exportOutput); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d exits)\n", exportOutput, agg.Exits)
		return nil
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringArrayVar(&traceReports, "ftrace-report", nil, "ftrace report generated by `trace-cmd record -e kvm` or `trace-cmd record -e kvm -e kvmmmu` (repeatable)")
	f.BoolVar(&hugepage, "hugepage", false, "the report was generated with hugepages turned on")
	f.BoolVar(&kvmmmu, "kvmmmu", false, "the report has kvmmmu events traced")
	f.BoolVar(&verbose, "verbose", false, "print all EPT_VIOLATION latencies in chronological order")
	f.BoolVar(&histogram, "histogram", false, "print the EPT_VIOLATION latency histogram")
	f.BoolVar(&mmio, "mmio", false, "print mmio exit latencies")
	f.IntVar(&jobs, "jobs", 0, "parallel parses when several reports are given (0 = GOMAXPROCS)")
	_ = rootCmd.MarkFlagRequired("ftrace-report")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&outputFormat, "format", "text", "output format (text|markdown|json|flamegraph-json)")
	pf.StringVar(&colorMode, "color", "auto", "colorize diagnostics (auto|on|off)")
	pf.BoolVar(&debug, "debug", false, "log progress to stderr")

	compareCmd.Flags().Float64Var(&compareThreshold, "threshold", 0.1, "minimum mean latency growth (0.1 = 10%)")
	compareCmd.Flags().IntVar(&compareTop, "top", 10, "maximum number of exit reasons to list")
	compareCmd.Flags().BoolVar(&hugepage, "hugepage", false, "the reports were generated with hugepages turned on")
	compareCmd.Flags().BoolVar(&kvmmmu, "kvmmmu", false, "the reports have kvmmmu events traced")

	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "kvm-latency.pb.gz", "profile output path")
	exportCmd.Flags().BoolVar(&hugepage, "hugepage", false, "the reports were generated with hugepages turned on")
	exportCmd.Flags().BoolVar(&kvmmmu, "kvmmmu", false, "the reports have kvmmmu events traced")
	exportCmd.Flags().IntVar(&jobs, "jobs", 0, "parallel parses (0 = GOMAXPROCS)")

	rootCmd.AddCommand(serveCmd, compareCmd, exportCmd)
}

var errorColor = color.New(color.FgRed, color.Bold)

func main() {
	if err := rootCmd.Execute(); err != nil {
		errorColor.Fprint(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
