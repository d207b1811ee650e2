package analyzer

// --- JSON 输出结构体定义 ---

// ErrorResult 用于在 JSON 格式中返回错误信息
type ErrorResult struct {
	Error string `json:"error"`
	Line  int    `json:"line,omitempty"` // 出错行号，0 则不输出
}

// CodeLatencies 代表一个 EPT_VIOLATION 错误码下的延迟序列 (JSON)
type CodeLatencies struct {
	Code      string  `json:"code"`      // 十六进制字符串，例如 "0x184"
	Latencies []int64 `json:"latencies"` // 按时间顺序
}

// MMIOLatencies 代表一个 mmio 地址下的延迟序列 (JSON)
type MMIOLatencies struct {
	Address   string  `json:"address"`
	Count     int     `json:"count"`
	Latencies []int64 `json:"latencies"` // 按时间顺序
}

// PageFaults 代表一个 guest page 的 fault 历史 (JSON)
type PageFaults struct {
	GFN    uint64     `json:"gfn"`
	Faults []GFNFault `json:"faults"` // 按时间顺序
}

// TraceAnalysisResult 代表一次 trace 分析的整体结果 (JSON)
type TraceAnalysisResult struct {
	Exits      int             `json:"exits"`
	Categories []CategoryStats `json:"categories"`          // EPT_VIOLATION 总在第一位
	Histogram  []HistogramBin  `json:"histogram,omitempty"` // 仅 EPT_VIOLATION
	FaultCodes []CodeLatencies `json:"faultCodes,omitempty"`
	MMIO       []MMIOLatencies `json:"mmio,omitempty"`
	Pages      []PageFaults    `json:"pages,omitempty"`
	// PageSummary 仅在启用子事件解码时输出
	PageSummary *PageFaultSummary `json:"pageSummary,omitempty"`
}

// CategoryDelta 代表两次 trace 之间某个类别的变化 (JSON)
type CategoryDelta struct {
	Category      string  `json:"category"`
	BaseMeanUs    float64 `json:"baseMeanUs"`
	CurrentMeanUs float64 `json:"currentMeanUs"`
	GrowthUs      float64 `json:"growthUs"`
	GrowthPercent float64 `json:"growthPercent"`
	BaseCount     int     `json:"baseCount"`
	CurrentCount  int     `json:"currentCount"`
}

// FlameGraphNode 代表火焰图中的一个节点 (JSON)
// 用于生成层级化的 JSON 数据，适合 d3-flame-graph 等库使用
type FlameGraphNode struct {
	Name     string            `json:"name"`               // 类别、错误码或 mmio 地址
	Value    int64             `json:"value"`              // 该节点及其子节点的总延迟 (us)
	Children []*FlameGraphNode `json:"children,omitempty"` // 子节点列表
}
