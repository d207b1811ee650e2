package analyzer

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/pprof/profile"
)

// frameStat 保存某个叶子帧 (退出原因或错误码) 的聚合值。
type frameStat struct {
	Name    string
	Exits   int64
	Latency int64
}

// ProfileFrameStat 代表 latency profile 中的单个叶子帧 (JSON)
type ProfileFrameStat struct {
	Name       string  `json:"name"`
	Exits      int64   `json:"exits"`
	LatencyUs  int64   `json:"latencyUs"`
	Percentage float64 `json:"percentage"` // 占总延迟的百分比
}

// ProfileAnalysisResult 代表 latency profile 分析的整体结果 (JSON)
type ProfileAnalysisResult struct {
	TotalExits     int64              `json:"totalExits"`
	TotalLatencyUs int64              `json:"totalLatencyUs"`
	TopN           int                `json:"topN"`
	Frames         []ProfileFrameStat `json:"frames"`
}

// AnalyzeLatencyProfile 分析由 SaveLatencyProfile 导出的 profile，
// 按叶子帧的总延迟列出 Top N。
func AnalyzeLatencyProfile(p *profile.Profile, topN int, format string) (string, error) {
	log.Printf("Analyzing latency profile (Top %d, Format: %s)", topN, format)

	// --- 1. 确定样本值索引 ---
	exitsIndex, latencyIndex := -1, -1
	for i, st := range p.SampleType {
		switch {
		case st.Type == "exits" && st.Unit == "count":
			exitsIndex = i
		case st.Type == "latency" && st.Unit == "microseconds":
			latencyIndex = i
		}
	}
	if exitsIndex == -1 || latencyIndex == -1 {
		return "", fmt.Errorf("profile 不是 exit latency profile (需要 exits/count 与 latency/microseconds 样本类型)")
	}

	// --- 2. 按叶子帧聚合 ---
	byFrame := make(map[string]*frameStat)
	var totalExits, totalLatency int64
	for _, s := range p.Sample {
		if len(s.Location) == 0 || len(s.Value) <= max(exitsIndex, latencyIndex) {
			continue
		}
		name := "unknown"
		if lines := s.Location[0].Line; len(lines) > 0 && lines[0].Function != nil {
			name = lines[0].Function.Name
		}
		st, ok := byFrame[name]
		if !ok {
			st = &frameStat{Name: name}
			byFrame[name] = st
		}
		st.Exits += s.Value[exitsIndex]
		st.Latency += s.Value[latencyIndex]
		totalExits += s.Value[exitsIndex]
		totalLatency += s.Value[latencyIndex]
	}

	// --- 3. 按总延迟降序排序 ---
	stats := make([]frameStat, 0, len(byFrame))
	for _, st := range byFrame {
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Latency != stats[j].Latency {
			return stats[i].Latency > stats[j].Latency
		}
		return stats[i].Name < stats[j].Name
	})
	limit := min(topN, len(stats))
	if limit < 0 {
		limit = 0
	}

	percentOf := func(v int64) float64 {
		if totalLatency == 0 {
			return 0
		}
		return float64(v) / float64(totalLatency) * 100
	}

	// --- 4. 格式化输出 ---
	var b strings.Builder
	switch format {
	case "text", "markdown":
		if format == "markdown" {
			b.WriteString("```text\n")
		}
		fmt.Fprintf(&b, "Exit Latency Profile (Top %d by Total Latency)\n", topN)
		fmt.Fprintf(&b, "Total Exits: %d, Total Latency: %s\n", totalExits, FormatLatency(totalLatency))
		b.WriteString("--------------------------------------------------\n")
		fmt.Fprintf(&b, "%-15s %-10s %-10s %s\n", "Latency", "%", "Exits", "Frame")
		b.WriteString("--------------------------------------------------\n")
		for _, st := range stats[:limit] {
			fmt.Fprintf(&b, "%-15s %-10.2f %-10d %s\n", FormatLatency(st.Latency), percentOf(st.Latency), st.Exits, st.Name)
		}
		if format == "markdown" {
			b.WriteString("```\n")
		}
	case "json":
		result := ProfileAnalysisResult{
			TotalExits:     totalExits,
			TotalLatencyUs: totalLatency,
			TopN:           limit,
			Frames:         make([]ProfileFrameStat, 0, limit),
		}
		for _, st := range stats[:limit] {
			result.Frames = append(result.Frames, ProfileFrameStat{
				Name:       st.Name,
				Exits:      st.Exits,
				LatencyUs:  st.Latency,
				Percentage: percentOf(st.Latency),
			})
		}
		jsonBytes, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			errorResult := ErrorResult{Error: fmt.Sprintf("Failed to marshal result to JSON: %v", err)}
			errJsonBytes, _ := json.Marshal(errorResult)
			return string(errJsonBytes), nil
		}
		return string(jsonBytes), nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", format)
	}
	return b.String(), nil
}
