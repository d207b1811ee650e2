package analyzer

import (
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"strings"
)

// ReportOptions 选择需要输出的报告段落。
type ReportOptions struct {
	Verbose   bool // 按错误码输出 EPT_VIOLATION 延迟
	Histogram bool
	MMIO      bool
	SubEvents bool   // 输出 guest page 报告
	Format    string // text, markdown, json, flamegraph-json
}

const ruler = "--------------------------------------------------------------------------------------------------------\n"

// AnalyzeExitLatencies 将聚合结果渲染为指定格式的报告。
func AnalyzeExitLatencies(agg *Aggregate, opts ReportOptions) (string, error) {
	format := opts.Format
	if format == "" {
		format = "text"
	}
	log.Printf("Rendering exit latency report (Format: %s, Exits: %d)", format, agg.Exits)

	var b strings.Builder
	switch format {
	case "text", "markdown": // 两者使用相同的文本布局
		if format == "markdown" {
			b.WriteString("```text\n") // 使用文本块以获得更好的对齐效果
		}
		writeTextReport(&b, agg, opts)
		if format == "markdown" {
			b.WriteString("```\n")
		}
	case "json":
		jsonBytes, err := json.MarshalIndent(BuildResult(agg, opts), "", "  ")
		if err != nil {
			log.Printf("Error marshaling exit latency analysis to JSON: %v", err)
			errorResult := ErrorResult{Error: fmt.Sprintf("Failed to marshal result to JSON: %v", err)}
			errJsonBytes, _ := json.Marshal(errorResult)
			return string(errJsonBytes), nil
		}
		return string(jsonBytes), nil
	case "flamegraph-json":
		jsonBytes, err := json.Marshal(BuildFlameGraphTree(agg))
		if err != nil {
			return "", fmt.Errorf("failed to marshal flame graph tree: %w", err)
		}
		return string(jsonBytes), nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", format)
	}
	return b.String(), nil
}

// BuildResult 汇总所有选中的段落，供 JSON 输出使用。
func BuildResult(agg *Aggregate, opts ReportOptions) TraceAnalysisResult {
	res := TraceAnalysisResult{Exits: agg.Exits}
	for _, c := range agg.Categories() {
		res.Categories = append(res.Categories, agg.Stats(c))
	}
	if opts.Histogram {
		res.Histogram = agg.Histogram()
	}
	if opts.Verbose {
		for _, code := range sortedKeys(agg.FaultCodeLatencies) {
			res.FaultCodes = append(res.FaultCodes, CodeLatencies{
				Code:      FormatHex(code),
				Latencies: agg.FaultCodeLatencies[code],
			})
		}
	}
	if opts.MMIO {
		for _, addr := range sortedKeys(agg.MMIOLatencies) {
			lats := agg.MMIOLatencies[addr]
			res.MMIO = append(res.MMIO, MMIOLatencies{Address: FormatHex(addr), Count: len(lats), Latencies: lats})
		}
	}
	if opts.SubEvents {
		for _, gfn := range agg.GFNOrder {
			res.Pages = append(res.Pages, PageFaults{GFN: gfn, Faults: agg.GFNFaults[gfn]})
		}
		summary := agg.SummarizePageFaults()
		res.PageSummary = &summary
	}
	return res
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func writeTextReport(b *strings.Builder, agg *Aggregate, opts ReportOptions) {
	fmt.Fprintf(b, "KVM Exit Latency Analysis (%d exits)\n", agg.Exits)
	b.WriteString(ruler)
	fmt.Fprintf(b, "%-24s %12s %8s %10s %10s %10s %10s %10s %10s\n",
		"Exit Reason", "Total (us)", "Counts", "Mean (us)", "Max (us)", "Min (us)", "Std", "P50", "P99")
	b.WriteString(ruler)
	for _, c := range agg.Categories() {
		st := agg.Stats(c)
		fmt.Fprintf(b, "%-24s %12d %8d %10.2f %10d %10d %10.2f %10.2f %10.2f\n",
			st.Category, st.TotalUs, st.Count, st.MeanUs, st.MaxUs, st.MinUs, st.StdDevUs, st.P50Us, st.P99Us)
	}

	if opts.Histogram {
		b.WriteString("\nEPT_VIOLATION Latency Histogram\n")
		b.WriteString("Range | Count\n")
		for _, bin := range agg.Histogram() {
			fmt.Fprintf(b, "[%d, %d) us: %d\n", bin.LowUs, bin.HighUs, bin.Count)
		}
	}

	if opts.Verbose {
		b.WriteString("\nEPT_VIOLATION Code | Handling Latencies (us, chronological order)\n")
		for _, code := range sortedKeys(agg.FaultCodeLatencies) {
			fmt.Fprintf(b, "%s %s\n", FormatHex(code), formatLatencyList(agg.FaultCodeLatencies[code]))
		}
	}

	if opts.MMIO {
		b.WriteString("\nMMIO Address (hex) | Counts | Latencies (us, chronological order)\n")
		for _, addr := range sortedKeys(agg.MMIOLatencies) {
			lats := agg.MMIOLatencies[addr]
			fmt.Fprintf(b, "%s %d %s\n", FormatHex(addr), len(lats), formatLatencyList(lats))
		}
	}

	if opts.SubEvents {
		writePageReport(b, agg)
	}
}

func writePageReport(b *strings.Builder, agg *Aggregate) {
	b.WriteString("\nGuest Page Number | Time Ordered List of (gpa, error code, error string, latency in us)\n")
	for _, gfn := range agg.GFNOrder {
		faults := agg.GFNFaults[gfn]
		parts := make([]string, len(faults))
		for i, f := range faults {
			parts[i] = fmt.Sprintf("(%s, %s, %s, %d)", formatRawAddress(f.RawAddress), FormatHex(f.ErrorCode), f.ErrorString, f.LatencyUs)
		}
		fmt.Fprintf(b, "%d: [ %s ]\n", gfn, strings.Join(parts, ", "))
	}

	s := agg.SummarizePageFaults()
	fmt.Fprintf(b, "# of pages that have at least one write fault: %d\n", s.PagesWithWrite)
	for _, p := range s.RepeatedReads() {
		fmt.Fprintf(b, "%d %d\n", p.GFN, p.Reads)
	}
	fmt.Fprintf(b, "number of pages with read faults before the 1st write fault: %d\n", len(s.ReadBeforeWrite))
	fmt.Fprintf(b, "number of read faults: %d\n", s.ReadFaults)
	fmt.Fprintf(b, "number of write faults: %d\n", s.WriteFaults)
}
