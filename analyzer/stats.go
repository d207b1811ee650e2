package analyzer

import (
	"math"
	"slices"

	"github.com/influxdata/tdigest"
)

// HistogramBinUs is the width of an EPT_VIOLATION latency histogram bin.
const HistogramBinUs int64 = 5

// CategoryStats summarises one exit-reason category.
type CategoryStats struct {
	Category string  `json:"category"`
	TotalUs  int64   `json:"totalUs"`
	Count    int     `json:"count"`
	MeanUs   float64 `json:"meanUs"`
	MaxUs    int64   `json:"maxUs"`
	MinUs    int64   `json:"minUs"`
	StdDevUs float64 `json:"stdDevUs"` // population std
	P50Us    float64 `json:"p50Us"`
	P99Us    float64 `json:"p99Us"`
}

// Stats computes the statistics of a category. An absent category yields a
// zero row.
func (a *Aggregate) Stats(category string) CategoryStats {
	st := CategoryStats{Category: category}
	lats := a.Latencies[category]
	if len(lats) == 0 {
		return st
	}
	st.Count = a.Counts[category]
	st.MaxUs = a.MaxLatency[category]
	st.MinUs = a.MinLatency[category]

	td := tdigest.NewWithCompression(100)
	for _, v := range lats {
		st.TotalUs += v
		td.Add(float64(v), 1)
	}
	n := float64(len(lats))
	st.MeanUs = float64(st.TotalUs) / n
	var sq float64
	for _, v := range lats {
		d := float64(v) - st.MeanUs
		sq += d * d
	}
	st.StdDevUs = math.Sqrt(sq / n)
	st.P50Us = td.Quantile(0.5)
	st.P99Us = td.Quantile(0.99)
	return st
}

// floorDiv rounds toward negative infinity so negative latencies land in
// [-5, 0) rather than [0, 5).
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// HistogramBin is one [LowUs, HighUs) bucket.
type HistogramBin struct {
	LowUs  int64 `json:"lowUs"`
	HighUs int64 `json:"highUs"`
	Count  int   `json:"count"`
}

// Histogram buckets the EPT_VIOLATION latencies into 5us bins, ascending.
// Empty bins are omitted.
func (a *Aggregate) Histogram() []HistogramBin {
	counts := make(map[int64]int)
	for _, v := range a.Latencies[ReasonEPTViolation] {
		counts[floorDiv(v, HistogramBinUs)]++
	}
	keys := make([]int64, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	bins := make([]HistogramBin, 0, len(keys))
	for _, k := range keys {
		bins = append(bins, HistogramBin{
			LowUs:  k * HistogramBinUs,
			HighUs: (k + 1) * HistogramBinUs,
			Count:  counts[k],
		})
	}
	return bins
}

// PageReadBeforeWrite is a page with read faults before its first write fault.
type PageReadBeforeWrite struct {
	GFN   uint64 `json:"gfn"`
	Reads int    `json:"reads"`
}

// PageFaultSummary is the derived analysis over the GFN buckets.
type PageFaultSummary struct {
	PagesWithWrite int `json:"pagesWithWrite"`
	// ReadBeforeWrite lists, in first-seen order, every page with at least one
	// read fault strictly before its first write fault.
	ReadBeforeWrite []PageReadBeforeWrite `json:"readBeforeWrite"`
	ReadFaults      int                   `json:"readFaults"`
	WriteFaults     int                   `json:"writeFaults"`
}

// RepeatedReads returns the pages with more than one read before the first write.
func (s PageFaultSummary) RepeatedReads() []PageReadBeforeWrite {
	var out []PageReadBeforeWrite
	for _, p := range s.ReadBeforeWrite {
		if p.Reads > 1 {
			out = append(out, p)
		}
	}
	return out
}

// SummarizePageFaults derives the write / read-before-write counts.
func (a *Aggregate) SummarizePageFaults() PageFaultSummary {
	var s PageFaultSummary
	for _, gfn := range a.GFNOrder {
		faults := a.GFNFaults[gfn]
		reads := 0
		written := false
		for _, f := range faults {
			if IsWriteFault(f.ErrorString) {
				s.WriteFaults++
				if !written {
					written = true
					s.PagesWithWrite++
				}
				continue
			}
			s.ReadFaults++
			if !written {
				reads++
			}
		}
		if reads > 0 {
			s.ReadBeforeWrite = append(s.ReadBeforeWrite, PageReadBeforeWrite{GFN: gfn, Reads: reads})
		}
	}
	return s
}
