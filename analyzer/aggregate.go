package analyzer

import (
	"fmt"
	"slices"
)

// Exit reasons with sub-classification.
const (
	ReasonEPTViolation = "EPT_VIOLATION"
	ReasonEPTMMIO      = "EPT_VIOLATION-mmio"
	ReasonEPTMisconfig = "EPT_MISCONFIG"
)

// MMIOThreshold: EPT violations whose guest-physical address is above this
// value are treated as mmio accesses.
const MMIOThreshold uint64 = 0xd0000000

// GFNFault is one EPT violation recorded against a guest page.
type GFNFault struct {
	RawAddress  string `json:"gpa"`
	ErrorCode   uint64 `json:"errorCode"`
	ErrorString string `json:"errorString"`
	LatencyUs   int64  `json:"latencyUs"`
}

// Interval is a finalized exit→entry pair.
type Interval struct {
	Reason    string
	ElapsedUs int64
	ExitLine  int
	ExitText  string
	Exit      ExitRecord
	// Lines 是 exit 与 entry 之间的原始行 (按文件顺序)。
	Lines   []string
	LineNos []int
}

// Aggregate 保存一次解析的全部统计状态。
// 所有序列均按 trace 中的时间顺序追加。
type Aggregate struct {
	Latencies          map[string][]int64
	Counts             map[string]int
	MaxLatency         map[string]int64
	MinLatency         map[string]int64
	FaultCodeLatencies map[uint64][]int64
	GFNFaults          map[uint64][]GFNFault
	// GFNOrder 记录各 guest page 首次出现的顺序。
	GFNOrder      []uint64
	MMIOLatencies map[uint64][]int64
	// Exits 是已分类的 kvm_exit 记录数。
	Exits int
}

// NewAggregate returns an empty Aggregate.
func NewAggregate() *Aggregate {
	return &Aggregate{
		Latencies:          make(map[string][]int64),
		Counts:             make(map[string]int),
		MaxLatency:         make(map[string]int64),
		MinLatency:         make(map[string]int64),
		FaultCodeLatencies: make(map[uint64][]int64),
		GFNFaults:          make(map[uint64][]GFNFault),
		MMIOLatencies:      make(map[uint64][]int64),
	}
}

// record updates the generic per-category aggregates.
func (a *Aggregate) record(category string, lat int64) {
	a.Latencies[category] = append(a.Latencies[category], lat)
	a.Counts[category]++
	if cur, ok := a.MaxLatency[category]; !ok || lat > cur {
		a.MaxLatency[category] = lat
	}
	if cur, ok := a.MinLatency[category]; !ok || lat < cur {
		a.MinLatency[category] = lat
	}
	a.Exits++
}

func (a *Aggregate) addGFN(gfn uint64, f GFNFault) {
	if _, ok := a.GFNFaults[gfn]; !ok {
		a.GFNOrder = append(a.GFNOrder, gfn)
	}
	a.GFNFaults[gfn] = append(a.GFNFaults[gfn], f)
}

// classify routes a finalized interval into the aggregates.
func (a *Aggregate) classify(iv Interval, opts Options) error {
	category := iv.Reason
	lat := iv.ElapsedUs

	switch iv.Reason {
	case ReasonEPTViolation:
		if len(iv.Lines) == 0 {
			return &RecordError{Line: iv.ExitLine, Text: iv.ExitText, Kind: MissingSubEvent}
		}
		first, err := DecodeSubEvent(splitFields(iv.Lines[0]), iv.LineNos[0], iv.Lines[0], opts.SubEvents)
		if err != nil {
			return err
		}
		code, err := exitErrorCode(iv.Exit, iv.ExitLine, iv.ExitText)
		if err != nil {
			return err
		}
		if !first.IsPageFault() || first.Address > MMIOThreshold {
			// mmio 访问也可能触发 EPT_VIOLATION 而不是 EPT_MISCONFIG
			category = ReasonEPTMMIO
			a.MMIOLatencies[first.Address] = append(a.MMIOLatencies[first.Address], lat)
		}
		a.FaultCodeLatencies[code] = append(a.FaultCodeLatencies[code], lat)
		if opts.SubEvents {
			a.addGFN(first.Address>>opts.pageShift(), GFNFault{
				RawAddress:  first.RawAddress,
				ErrorCode:   first.ErrorCode,
				ErrorString: first.ErrorString,
				LatencyUs:   lat,
			})
		}
	case ReasonEPTMisconfig:
		if len(iv.Lines) == 0 {
			return &RecordError{Line: iv.ExitLine, Text: iv.ExitText, Kind: MissingSubEvent}
		}
		first, err := DecodeSubEvent(splitFields(iv.Lines[0]), iv.LineNos[0], iv.Lines[0], false)
		if err != nil {
			return err
		}
		a.MMIOLatencies[first.Address] = append(a.MMIOLatencies[first.Address], lat)
	}

	a.record(category, lat)
	return nil
}

// Categories returns EPT_VIOLATION first, then all other categories in
// lexicographic order. EPT_VIOLATION is always present.
func (a *Aggregate) Categories() []string {
	cats := make([]string, 0, len(a.Latencies)+1)
	cats = append(cats, ReasonEPTViolation)
	rest := make([]string, 0, len(a.Latencies))
	for c := range a.Latencies {
		if c != ReasonEPTViolation {
			rest = append(rest, c)
		}
	}
	slices.Sort(rest)
	return append(cats, rest...)
}

// Check verifies the count, max and min invariants of every category.
func (a *Aggregate) Check() error {
	total := 0
	for c, lats := range a.Latencies {
		if a.Counts[c] != len(lats) {
			return fmt.Errorf("category %s: count %d != %d samples", c, a.Counts[c], len(lats))
		}
		total += len(lats)
		if len(lats) == 0 {
			continue
		}
		if mx := slices.Max(lats); a.MaxLatency[c] != mx {
			return fmt.Errorf("category %s: max %d != %d", c, a.MaxLatency[c], mx)
		}
		if mn := slices.Min(lats); a.MinLatency[c] != mn {
			return fmt.Errorf("category %s: min %d != %d", c, a.MinLatency[c], mn)
		}
	}
	if len(a.Counts) != len(a.Latencies) {
		return fmt.Errorf("%d count entries for %d categories", len(a.Counts), len(a.Latencies))
	}
	if total != a.Exits {
		return fmt.Errorf("%d samples for %d exits", total, a.Exits)
	}
	return nil
}

// Merge concatenates the shards into a new Aggregate, in argument order.
// Samples from different shards are not interleaved chronologically.
func Merge(shards ...*Aggregate) *Aggregate {
	out := NewAggregate()
	for _, s := range shards {
		if s == nil {
			continue
		}
		for c, lats := range s.Latencies {
			out.Latencies[c] = append(out.Latencies[c], lats...)
			out.Counts[c] += s.Counts[c]
			if mx, ok := out.MaxLatency[c]; !ok || s.MaxLatency[c] > mx {
				out.MaxLatency[c] = s.MaxLatency[c]
			}
			if mn, ok := out.MinLatency[c]; !ok || s.MinLatency[c] < mn {
				out.MinLatency[c] = s.MinLatency[c]
			}
		}
		for code, lats := range s.FaultCodeLatencies {
			out.FaultCodeLatencies[code] = append(out.FaultCodeLatencies[code], lats...)
		}
		for addr, lats := range s.MMIOLatencies {
			out.MMIOLatencies[addr] = append(out.MMIOLatencies[addr], lats...)
		}
		for _, gfn := range s.GFNOrder {
			for _, f := range s.GFNFaults[gfn] {
				out.addGFN(gfn, f)
			}
		}
		out.Exits += s.Exits
	}
	return out
}
