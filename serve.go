package main

import (
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the analyzer as MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		setupSignalHandler()

		log.Println("Starting KVMExitAnalyzer MCP server via stdio...")
		return server.ServeStdio(newMCPServer())
	},
}

// traceFlags 是解析相关的公共参数。
func traceFlags() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithBoolean("hugepage",
			mcp.Description("trace 是否在开启 hugepage 的情况下采集 (guest page number 改为按 2 MiB 计算)。"),
			mcp.DefaultBool(false),
		),
		mcp.WithBoolean("kvmmmu",
			mcp.Description("trace 是否包含 kvmmmu 事件 (启用 page fault 子事件解码)。"),
			mcp.DefaultBool(false),
		),
	}
}

func newMCPServer() *server.MCPServer {
	// 1. 初始化 MCP 服务器
	mcpServer := server.NewMCPServer(
		"KVMExitAnalyzer",
		version,
		server.WithLogging(),  // 启用日志记录
		server.WithRecovery(), // 启用 panic 恢复
	)

	traceURI := mcp.WithString("trace_uri",
		mcp.Description("由 `trace-cmd record -e kvm [-e kvmmmu]` + `trace-cmd report` 生成的报告 URI (支持 'file://', 'http://', 'https://' 或本地路径，可以是 gzip/zstd 压缩文件)。"),
		mcp.Required(),
	)

	// 2. 定义 analyze_kvm_trace 工具及其参数
	analyzeOpts := []mcp.ToolOption{
		mcp.WithDescription("统计 kvm_exit 到 kvm_entry 之间在 host 中花费的时间，按退出原因汇总 (总和、次数、均值、最大、最小、标准差)。"),
		traceURI,
		mcp.WithBoolean("verbose", mcp.Description("按 EPT_VIOLATION 错误码输出按时间顺序的全部延迟。"), mcp.DefaultBool(false)),
		mcp.WithBoolean("histogram", mcp.Description("输出 EPT_VIOLATION 延迟直方图 (5us 桶)。"), mcp.DefaultBool(false)),
		mcp.WithBoolean("mmio", mcp.Description("输出按 mmio 地址汇总的延迟。"), mcp.DefaultBool(false)),
		mcp.WithString("output_format",
			mcp.Description("分析结果的输出格式。"),
			mcp.DefaultString("text"),
			mcp.Enum("text", "markdown", "json", "flamegraph-json"),
		),
	}
	analyzeTool := mcp.NewTool("analyze_kvm_trace", append(analyzeOpts, traceFlags()...)...)

	// 3. 定义 compare_kvm_traces 工具
	compareOpts := []mcp.ToolOption{
		mcp.WithDescription("比较两个 trace 的平均退出延迟，列出增长超过阈值的退出原因。"),
		mcp.WithString("base_trace_uri", mcp.Description("基线 trace 的 URI。"), mcp.Required()),
		mcp.WithString("current_trace_uri", mcp.Description("当前 trace 的 URI。"), mcp.Required()),
		mcp.WithNumber("threshold", mcp.Description("增长阈值 (0.1 表示 10%)。"), mcp.DefaultNumber(0.1)),
		mcp.WithNumber("top_n", mcp.Description("返回结果的数量上限。"), mcp.DefaultNumber(10)),
		mcp.WithString("output_format", mcp.DefaultString("text"), mcp.Enum("text", "json")),
	}
	compareTool := mcp.NewTool("compare_kvm_traces", append(compareOpts, traceFlags()...)...)

	// 4. 定义 export_latency_profile 工具
	exportOpts := []mcp.ToolOption{
		mcp.WithDescription("将 trace 的退出延迟导出为 pprof 格式 (.pb.gz)，可用 'go tool pprof' 查看。"),
		traceURI,
		mcp.WithString("output_path", mcp.Description("输出路径。如果省略，写入系统临时目录。")),
	}
	exportTool := mcp.NewTool("export_latency_profile", append(exportOpts, traceFlags()...)...)

	// 5. 定义 analyze_latency_profile 工具
	profileTool := mcp.NewTool("analyze_latency_profile",
		mcp.WithDescription("分析由 export_latency_profile 导出的 profile，按总延迟列出 Top N。"),
		mcp.WithString("profile_uri", mcp.Description("profile 文件的 URI。"), mcp.Required()),
		mcp.WithNumber("top_n", mcp.Description("返回结果的数量上限。"), mcp.DefaultNumber(5.0)),
		mcp.WithString("output_format", mcp.DefaultString("text"), mcp.Enum("text", "markdown", "json")),
	)

	// 6. 定义 generate_latency_flamegraph 工具
	flamegraphOpts := []mcp.ToolOption{
		mcp.WithDescription("导出 latency profile 并使用 'go tool pprof' 生成火焰图 (SVG 格式)。"),
		traceURI,
		mcp.WithString("output_svg_path",
			mcp.Description("生成的 SVG 文件的保存路径 (必须是绝对路径或相对于工作区的路径)。"),
			mcp.Required(),
		),
	}
	flamegraphTool := mcp.NewTool("generate_latency_flamegraph", append(flamegraphOpts, traceFlags()...)...)

	// 7. 定义 open_interactive_pprof / disconnect_pprof_session 工具 (仅限 macOS)
	openOpts := []mcp.ToolOption{
		mcp.WithDescription("【仅限 macOS】导出 latency profile 并在后台启动 'go tool pprof' 交互式 Web UI。成功启动后会返回进程 PID。"),
		traceURI,
		mcp.WithString("http_address", mcp.Description("pprof Web UI 的监听地址和端口 (例如 ':8081')。如果省略，默认为 ':8081'。")),
	}
	openInteractiveTool := mcp.NewTool("open_interactive_pprof", append(openOpts, traceFlags()...)...)
	disconnectTool := mcp.NewTool("disconnect_pprof_session",
		mcp.WithDescription("终止由 'open_interactive_pprof' 启动的后台 pprof 进程，并删除导出的 profile。"),
		mcp.WithNumber("pid", mcp.Description("要终止的 pprof 进程的 PID。"), mcp.Required()),
	)

	// 8. 将所有工具及其处理器函数添加到服务器
	mcpServer.AddTool(analyzeTool, handleAnalyzeKVMTrace)
	mcpServer.AddTool(compareTool, handleCompareKVMTraces)
	mcpServer.AddTool(exportTool, handleExportLatencyProfile)
	mcpServer.AddTool(profileTool, handleAnalyzeLatencyProfile)
	mcpServer.AddTool(flamegraphTool, handleGenerateFlamegraph)
	mcpServer.AddTool(openInteractiveTool, handleOpenInteractivePprof)
	mcpServer.AddTool(disconnectTool, handleDisconnectPprofSession)

	return mcpServer
}
