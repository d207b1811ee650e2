package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/pprof/profile"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ZephyrDeng/kvmexit-analyzer-mcp/analyzer"
)

// requiredString 读取必需的字符串参数。
func requiredString(args map[string]interface{}, name string) (string, error) {
	v, ok := args[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing or invalid required argument: %s (string)", name)
	}
	return v, nil
}

func optionalString(args map[string]interface{}, name, def string) string {
	if v, ok := args[name].(string); ok && v != "" {
		return v
	}
	return def
}

func optionalBool(args map[string]interface{}, name string) bool {
	v, _ := args[name].(bool)
	return v
}

// MCP SDK 使用 float64 表示数字
func optionalNumber(args map[string]interface{}, name string, def float64) float64 {
	if v, ok := args[name].(float64); ok {
		return v
	}
	return def
}

// parseOptionsFromArgs 将 hugepage / kvmmmu 参数转换为解析选项。
func parseOptionsFromArgs(args map[string]interface{}) analyzer.Options {
	opts := analyzer.Options{
		SubEvents: optionalBool(args, "kvmmmu"),
		PageShift: analyzer.DefaultPageShift,
	}
	if optionalBool(args, "hugepage") {
		opts.PageShift += analyzer.HugePageShift
	}
	return opts
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}

// handleAnalyzeKVMTrace 处理分析 trace-cmd 报告的请求。
// 这是 MCP 工具 "analyze_kvm_trace" 的处理器函数。
func handleAnalyzeKVMTrace(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	// --- 1. 获取并验证参数 ---
	traceURI, err := requiredString(args, "trace_uri")
	if err != nil {
		return nil, err
	}
	opts := parseOptionsFromArgs(args)
	reportOpts := analyzer.ReportOptions{
		Verbose:   optionalBool(args, "verbose"),
		Histogram: optionalBool(args, "histogram"),
		MMIO:      optionalBool(args, "mmio"),
		SubEvents: opts.SubEvents,
		Format:    optionalString(args, "output_format", "text"),
	}

	log.Printf("Handling analyze_kvm_trace: URI=%s, SubEvents=%t, PageShift=%d, Format=%s",
		traceURI, opts.SubEvents, opts.PageShift, reportOpts.Format)

	// --- 2. 获取 trace 文件（本地或下载）并解析 ---
	agg, err := parseTraceURI(traceURI, opts)
	if err != nil {
		return nil, err
	}

	// --- 3. 渲染报告 ---
	result, err := analyzer.AnalyzeExitLatencies(agg, reportOpts)
	if err != nil {
		log.Printf("Report error: %v", err)
		return nil, err
	}

	log.Printf("Analysis successful. Result length: %d", len(result))
	return textResult(result), nil
}

// handleCompareKVMTraces 比较两个 trace 的平均退出延迟。
func handleCompareKVMTraces(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	baseURI, err := requiredString(args, "base_trace_uri")
	if err != nil {
		return nil, err
	}
	currentURI, err := requiredString(args, "current_trace_uri")
	if err != nil {
		return nil, err
	}
	threshold := optionalNumber(args, "threshold", 0.1)
	topN := int(optionalNumber(args, "top_n", 10))
	format := optionalString(args, "output_format", "text")
	opts := parseOptionsFromArgs(args)

	log.Printf("Handling compare_kvm_traces: Base=%s, Current=%s, Threshold=%.2f, TopN=%d", baseURI, currentURI, threshold, topN)

	base, err := parseTraceURI(baseURI, opts)
	if err != nil {
		return nil, fmt.Errorf("baseline trace: %w", err)
	}
	current, err := parseTraceURI(currentURI, opts)
	if err != nil {
		return nil, fmt.Errorf("current trace: %w", err)
	}

	result, err := analyzer.DetectLatencyRegressions(base, current, threshold, topN, format)
	if err != nil {
		return nil, err
	}
	return textResult(result), nil
}

// defaultProfilePath 在临时目录中生成唯一的 profile 文件名。
func defaultProfilePath() string {
	return filepath.Join(os.TempDir(), "kvm-latency-"+uuid.NewString()+".pb.gz")
}

// exportProfile 解析 trace 并把 latency profile 写入 outputPath。
func exportProfile(traceURI, outputPath string, opts analyzer.Options) error {
	agg, err := parseTraceURI(traceURI, opts)
	if err != nil {
		return err
	}
	return analyzer.SaveLatencyProfile(agg, outputPath)
}

// handleExportLatencyProfile 将 trace 导出为 pprof 格式的 latency profile。
func handleExportLatencyProfile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	traceURI, err := requiredString(args, "trace_uri")
	if err != nil {
		return nil, err
	}
	outputPath := optionalString(args, "output_path", "")
	if outputPath == "" {
		outputPath = defaultProfilePath()
		log.Printf("No output_path provided, using: %s", outputPath)
	} else if !filepath.IsAbs(outputPath) {
		if abs, err := filepath.Abs(outputPath); err == nil {
			outputPath = abs
		}
	}

	if err := exportProfile(traceURI, outputPath, parseOptionsFromArgs(args)); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("Latency profile 已保存到: %s\n可以使用 'go tool pprof %s' 查看。", outputPath, outputPath)), nil
}

// handleAnalyzeLatencyProfile 分析之前导出的 latency profile。
func handleAnalyzeLatencyProfile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	profileURI, err := requiredString(args, "profile_uri")
	if err != nil {
		return nil, err
	}
	topN := int(optionalNumber(args, "top_n", 5))
	if topN <= 0 {
		topN = 5 // 确保 topN 是正数
	}
	format := optionalString(args, "output_format", "text")

	log.Printf("Handling analyze_latency_profile: URI=%s, TopN=%d, Format=%s", profileURI, topN, format)

	filePath, cleanup, err := getTraceAsFile(profileURI)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile file: %w", err)
	}
	defer cleanup()

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile file '%s': %w", filePath, err)
	}
	defer file.Close()

	prof, err := profile.Parse(file)
	if err != nil {
		log.Printf("Error parsing profile file '%s': %v", filePath, err)
		return nil, fmt.Errorf("failed to parse profile file '%s': %w", filePath, err)
	}

	result, err := analyzer.AnalyzeLatencyProfile(prof, topN, format)
	if err != nil {
		return nil, err
	}
	return textResult(result), nil
}

// handleGenerateFlamegraph 导出 latency profile 并使用 'go tool pprof' 生成 SVG 火焰图。
func handleGenerateFlamegraph(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	// --- 1. 获取并验证参数 ---
	traceURI, err := requiredString(args, "trace_uri")
	if err != nil {
		return nil, err
	}
	outputSvgPath, err := requiredString(args, "output_svg_path")
	if err != nil {
		return nil, err
	}

	log.Printf("Handling generate_latency_flamegraph: URI=%s, Output=%s", traceURI, outputSvgPath)

	// 如果不是绝对路径，则假定它是相对于当前工作目录的
	if !filepath.IsAbs(outputSvgPath) {
		cwd, err := os.Getwd()
		if err != nil {
			log.Printf("无法获取当前工作目录: %v", err)
		} else {
			outputSvgPath = filepath.Join(cwd, outputSvgPath)
		}
	}

	// --- 2. 导出 profile 到临时文件 ---
	profilePath := defaultProfilePath()
	if err := exportProfile(traceURI, profilePath, parseOptionsFromArgs(args)); err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(profilePath); err != nil && !os.IsNotExist(err) {
			log.Printf("Warning: failed to remove temporary profile '%s': %v", profilePath, err)
		}
	}()

	// --- 3. 检查 Graphviz (dot) 是否安装 ---
	if _, err := exec.LookPath("dot"); err != nil {
		errMsg := "Graphviz (dot 命令) 未找到或不在 PATH 中。生成 SVG 火焰图需要 Graphviz。\n" +
			"请先安装 Graphviz。常见安装方式：\n" +
			"- macOS (Homebrew): brew install graphviz\n" +
			"- Debian/Ubuntu: sudo apt-get update && sudo apt-get install graphviz\n" +
			"- CentOS/Fedora: sudo yum install graphviz 或 sudo dnf install graphviz"
		log.Println(errMsg)
		return nil, fmt.Errorf("%s", errMsg)
	}

	// --- 4. 执行命令 ---
	// 使用 latency 作为样本值，而不是 exits 计数
	cmdArgs := []string{"tool", "pprof", "-sample_index=latency", "-svg", "-output", outputSvgPath, profilePath}
	log.Printf("Executing command: go %s", strings.Join(cmdArgs, " "))

	cmd := exec.CommandContext(ctx, "go", cmdArgs...)
	cmdOutput, err := cmd.CombinedOutput()
	if err != nil {
		log.Printf("Error executing 'go tool pprof': %v\nOutput:\n%s", err, string(cmdOutput))
		return nil, fmt.Errorf("failed to generate flamegraph: %w. Output: %s", err, string(cmdOutput))
	}

	log.Printf("Successfully generated flamegraph: %s", outputSvgPath)

	// --- 5. 读取 SVG 文件内容并返回 ---
	textContent := mcp.TextContent{
		Type: "text",
		Text: fmt.Sprintf("火焰图已成功生成并保存到: %s", outputSvgPath),
	}
	svgBytes, readErr := os.ReadFile(outputSvgPath)
	if readErr != nil {
		log.Printf("成功生成 SVG 文件 '%s' 但读取失败: %v", outputSvgPath, readErr)
		return &mcp.CallToolResult{Content: []mcp.Content{textContent}}, nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			textContent,
			mcp.TextContent{Type: "text", Text: string(svgBytes)},
		},
	}, nil
}
