package analyzer

import (
	"fmt"
	"io"
	"log"
	"os"

	"fortio.org/safecast"
	"github.com/google/pprof/profile"
)

const profileRoot = "kvm_exit"

// profileBuilder interns one function + location per frame name.
type profileBuilder struct {
	p    *profile.Profile
	locs map[string]*profile.Location
}

func (pb *profileBuilder) location(name string) *profile.Location {
	if loc, ok := pb.locs[name]; ok {
		return loc
	}
	id := uint64(len(pb.p.Function) + 1)
	fn := &profile.Function{ID: id, Name: name, SystemName: name}
	loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
	pb.p.Function = append(pb.p.Function, fn)
	pb.p.Location = append(pb.p.Location, loc)
	pb.locs[name] = loc
	return loc
}

// stack takes frames leaf first, as pprof expects.
func (pb *profileBuilder) stack(frames ...string) []*profile.Location {
	locs := make([]*profile.Location, len(frames))
	for i, f := range frames {
		locs[i] = pb.location(f)
	}
	return locs
}

// BuildLatencyProfile exports the aggregate as a pprof profile with two
// sample types, exits/count and latency/microseconds. EPT violations are
// split by error code under a shared frame; other reasons are leaves under
// the kvm_exit root.
func BuildLatencyProfile(agg *Aggregate) (*profile.Profile, error) {
	pb := &profileBuilder{
		p: &profile.Profile{
			SampleType: []*profile.ValueType{
				{Type: "exits", Unit: "count"},
				{Type: "latency", Unit: "microseconds"},
			},
			PeriodType: &profile.ValueType{Type: "exits", Unit: "count"},
			Period:     1,
		},
		locs: make(map[string]*profile.Location),
	}

	for _, code := range sortedKeys(agg.FaultCodeLatencies) {
		lats := agg.FaultCodeLatencies[code]
		label, err := safecast.Conv[int64](code)
		if err != nil {
			return nil, fmt.Errorf("error code %s does not fit a profile label: %w", FormatHex(code), err)
		}
		pb.p.Sample = append(pb.p.Sample, &profile.Sample{
			Location: pb.stack("error_code "+FormatHex(code), eptFamilyNode, profileRoot),
			Value:    []int64{int64(len(lats)), sum(lats)},
			NumLabel: map[string][]int64{"error_code": {label}},
		})
	}

	for _, c := range agg.Categories() {
		if c == ReasonEPTViolation || c == ReasonEPTMMIO {
			continue
		}
		lats := agg.Latencies[c]
		pb.p.Sample = append(pb.p.Sample, &profile.Sample{
			Location: pb.stack(c, profileRoot),
			Value:    []int64{int64(len(lats)), sum(lats)},
			Label:    map[string][]string{"reason": {c}},
			NumLabel: map[string][]int64{
				"max_latency": {agg.MaxLatency[c]},
				"min_latency": {agg.MinLatency[c]},
			},
			NumUnit: map[string][]string{
				"max_latency": {"microseconds"},
				"min_latency": {"microseconds"},
			},
		})
	}

	if err := pb.p.CheckValid(); err != nil {
		return nil, fmt.Errorf("invalid latency profile: %w", err)
	}
	return pb.p, nil
}

func sum(lats []int64) int64 {
	var total int64
	for _, v := range lats {
		total += v
	}
	return total
}

// WriteLatencyProfile writes the gzip-compressed profile to w.
func WriteLatencyProfile(agg *Aggregate, w io.Writer) error {
	p, err := BuildLatencyProfile(agg)
	if err != nil {
		return err
	}
	return p.Write(w)
}

// SaveLatencyProfile writes the profile to path.
func SaveLatencyProfile(agg *Aggregate, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create profile file '%s': %w", path, err)
	}
	if err := WriteLatencyProfile(agg, f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write profile file '%s': %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close profile file '%s': %w", path, err)
	}
	log.Printf("Wrote latency profile with %d samples to %s", agg.Exits, path)
	return nil
}
