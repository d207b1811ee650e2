package analyzer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CompareLatencies compares the mean latency of every exit reason between a
// baseline and a current trace and returns the categories whose mean grew by
// at least threshold (0.1 = 10%).
func CompareLatencies(base, current *Aggregate, threshold float64, limit int) []CategoryDelta {
	if threshold <= 0 {
		threshold = 0.1 // Default threshold: 10% growth
	}
	if limit <= 0 {
		limit = 10
	}

	deltas := make([]CategoryDelta, 0)
	for _, c := range current.Categories() {
		cur := current.Stats(c)
		if cur.Count == 0 {
			continue
		}
		old := base.Stats(c)

		growth := cur.MeanUs - old.MeanUs
		growthPct := 0.0
		if old.Count > 0 && old.MeanUs != 0 {
			growthPct = growth / old.MeanUs * 100
		} else if old.Count == 0 {
			growthPct = 100.0 // New exit reason
		}

		if growthPct >= threshold*100 {
			deltas = append(deltas, CategoryDelta{
				Category:      c,
				BaseMeanUs:    old.MeanUs,
				CurrentMeanUs: cur.MeanUs,
				GrowthUs:      growth,
				GrowthPercent: growthPct,
				BaseCount:     old.Count,
				CurrentCount:  cur.Count,
			})
		}
	}

	// Largest absolute growth first; ties keep category order
	sort.SliceStable(deltas, func(i, j int) bool {
		return deltas[i].GrowthUs > deltas[j].GrowthUs
	})
	if len(deltas) > limit {
		deltas = deltas[:limit]
	}
	return deltas
}

// DetectLatencyRegressions renders CompareLatencies as text or json.
func DetectLatencyRegressions(base, current *Aggregate, threshold float64, limit int, format string) (string, error) {
	if threshold <= 0 {
		threshold = 0.1
	}
	deltas := CompareLatencies(base, current, threshold, limit)

	if format == "json" {
		jsonBytes, err := json.MarshalIndent(deltas, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal regressions: %w", err)
		}
		return string(jsonBytes), nil
	}
	if format != "" && format != "text" && format != "markdown" {
		return "", fmt.Errorf("unsupported output format: %s", format)
	}

	var b strings.Builder
	b.WriteString("Exit Latency Regression Report\n")
	b.WriteString("==============================\n\n")
	fmt.Fprintf(&b, "Baseline: %d exits, current: %d exits\n\n", base.Exits, current.Exits)

	if len(deltas) == 0 {
		b.WriteString("No significant latency growth detected.\n")
		return b.String(), nil
	}

	fmt.Fprintf(&b, "Found %d exit reasons with significant mean latency growth (threshold: %.1f%%)\n\n",
		len(deltas), threshold*100)
	b.WriteString("--------------------------------------------------\n")
	fmt.Fprintf(&b, "%-24s %-12s %-12s %-12s %s\n", "Exit Reason", "Old Mean", "New Mean", "Growth", "Growth %")
	b.WriteString("--------------------------------------------------\n")
	for _, d := range deltas {
		fmt.Fprintf(&b, "%-24s %-12.2f %-12.2f %-12.2f %.2f%% (Exits: %d → %d)\n",
			d.Category, d.BaseMeanUs, d.CurrentMeanUs, d.GrowthUs, d.GrowthPercent, d.BaseCount, d.CurrentCount)
	}
	return b.String(), nil
}
