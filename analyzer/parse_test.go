package analyzer_test

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/ZephyrDeng/kvmexit-analyzer-mcp/analyzer"
)

// --- trace 行构造辅助函数 ---

func exitLine(ts, reason, code string) string {
	return fmt.Sprintf("qemu-system-x86-1234 [003] %s: kvm_exit: reason %s rip 0xffffffff81063d1a info 184 %s", ts, reason, code)
}

func faultLine(ts, addr, code, errStr string) string {
	return fmt.Sprintf("qemu-system-x86-1234 [003] %s: kvm_page_fault: address %s error_code %s %s", ts, addr, code, errStr)
}

func mmioLine(ts, addr string) string {
	return fmt.Sprintf("qemu-system-x86-1234 [003] %s: kvm_mmio: gpa %s len 4 write", ts, addr)
}

func entryLine(ts string) string {
	return fmt.Sprintf("qemu-system-x86-1234 [003] %s: kvm_entry: vcpu 0", ts)
}

func trace(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func mustParse(t *testing.T, input string, opts analyzer.Options) *analyzer.Aggregate {
	t.Helper()
	agg, err := analyzer.ParseReader(strings.NewReader(input), opts)
	if err != nil {
		t.Fatalf("ParseReader() error = %v", err)
	}
	if err := agg.Check(); err != nil {
		t.Fatalf("aggregate invariants violated: %v", err)
	}
	return agg
}

func TestParseScenarios(t *testing.T) {
	t.Run("EPTViolation", func(t *testing.T) {
		agg := mustParse(t, trace(
			exitLine("100.000010", "EPT_VIOLATION", "4"),
			faultLine("100.000011", "1000", "4", "R"),
			entryLine("100.000050"),
		), analyzer.Options{})

		if got := agg.Latencies["EPT_VIOLATION"]; !reflect.DeepEqual(got, []int64{40}) {
			t.Errorf("EPT_VIOLATION latencies = %v, want [40]", got)
		}
		if got := agg.FaultCodeLatencies[0x4]; !reflect.DeepEqual(got, []int64{40}) {
			t.Errorf("fault code 0x4 = %v, want [40]", got)
		}
		if len(agg.MMIOLatencies) != 0 {
			t.Errorf("expected no mmio buckets, got %v", agg.MMIOLatencies)
		}
		if len(agg.GFNFaults) != 0 {
			t.Errorf("expected no gfn buckets without sub-event decoding, got %v", agg.GFNFaults)
		}
	})

	t.Run("EPTViolationAboveMMIOThreshold", func(t *testing.T) {
		agg := mustParse(t, trace(
			exitLine("100.000010", "EPT_VIOLATION", "4"),
			faultLine("100.000011", "e0000000", "4", "R"),
			entryLine("100.000050"),
		), analyzer.Options{})

		if _, ok := agg.Latencies["EPT_VIOLATION"]; ok {
			t.Errorf("expected no plain EPT_VIOLATION samples")
		}
		if got := agg.Latencies["EPT_VIOLATION-mmio"]; !reflect.DeepEqual(got, []int64{40}) {
			t.Errorf("EPT_VIOLATION-mmio latencies = %v, want [40]", got)
		}
		if got := agg.MMIOLatencies[0xe0000000]; !reflect.DeepEqual(got, []int64{40}) {
			t.Errorf("mmio 0xe0000000 = %v, want [40]", got)
		}
		if got := agg.FaultCodeLatencies[0x4]; !reflect.DeepEqual(got, []int64{40}) {
			t.Errorf("fault code 0x4 = %v, want [40]", got)
		}
	})

	t.Run("EPTViolationWithoutPageFault", func(t *testing.T) {
		agg := mustParse(t, trace(
			exitLine("100.000010", "EPT_VIOLATION", "184"),
			mmioLine("100.000011", "0xfee000b0"),
			entryLine("100.000020"),
		), analyzer.Options{})

		if got := agg.Counts["EPT_VIOLATION-mmio"]; got != 1 {
			t.Errorf("EPT_VIOLATION-mmio count = %d, want 1", got)
		}
		if got := agg.MMIOLatencies[0xfee000b0]; !reflect.DeepEqual(got, []int64{10}) {
			t.Errorf("mmio 0xfee000b0 = %v, want [10]", got)
		}
		if got := agg.FaultCodeLatencies[0x184]; !reflect.DeepEqual(got, []int64{10}) {
			t.Errorf("fault code 0x184 = %v, want [10]", got)
		}
	})

	t.Run("EPTMisconfig", func(t *testing.T) {
		agg := mustParse(t, trace(
			exitLine("200.000100", "EPT_MISCONFIG", "0"),
			mmioLine("200.000101", "0x2000"),
			entryLine("200.000112"),
		), analyzer.Options{})

		if got := agg.MMIOLatencies[0x2000]; !reflect.DeepEqual(got, []int64{12}) {
			t.Errorf("mmio 0x2000 = %v, want [12]", got)
		}
		if len(agg.FaultCodeLatencies) != 0 {
			t.Errorf("expected no fault-code buckets, got %v", agg.FaultCodeLatencies)
		}
	})

	t.Run("SubEventsWriteFault", func(t *testing.T) {
		agg := mustParse(t, trace(
			exitLine("100.000010", "EPT_VIOLATION", "6"),
			faultLine("100.000011", "1000", "6", "R|W"),
			entryLine("100.000050"),
		), analyzer.Options{SubEvents: true})

		faults := agg.GFNFaults[1]
		want := []analyzer.GFNFault{{RawAddress: "1000", ErrorCode: 0x6, ErrorString: "R|W", LatencyUs: 40}}
		if !reflect.DeepEqual(faults, want) {
			t.Errorf("gfn 1 faults = %+v, want %+v", faults, want)
		}
		s := agg.SummarizePageFaults()
		if s.PagesWithWrite != 1 {
			t.Errorf("PagesWithWrite = %d, want 1", s.PagesWithWrite)
		}
		if len(s.ReadBeforeWrite) != 0 {
			t.Errorf("ReadBeforeWrite = %v, want empty", s.ReadBeforeWrite)
		}
	})

	t.Run("TruncatedTrace", func(t *testing.T) {
		agg, err := analyzer.ParseReader(strings.NewReader(trace(
			exitLine("100.000010", "HLT", "0"),
			entryLine("100.000020"),
			exitLine("100.000030", "HLT", "0"),
			"qemu-system-x86-1234 [003] 100.000031: kvm_fpu: unload",
		)), analyzer.Options{})
		if !errors.Is(err, analyzer.ErrTruncatedTrace) {
			t.Fatalf("expected ErrTruncatedTrace, got %v", err)
		}
		if agg != nil {
			t.Errorf("expected no aggregate on failure")
		}
		var recErr *analyzer.RecordError
		if !errors.As(err, &recErr) || recErr.Line != 3 {
			t.Errorf("expected RecordError at line 3, got %v", err)
		}
	})
}

func TestParseInvariants(t *testing.T) {
	input := trace(
		"# tracer: nop",
		"CPU 0 is empty",
		exitLine("10.999990", "HLT", "0"),
		entryLine("11.000015"),
		exitLine("11.000020", "EPT_VIOLATION", "184"),
		faultLine("11.000021", "7f000", "184", "W"),
		entryLine("11.000029"),
		exitLine("11.000040", "EXTERNAL_INTERRUPT", "0"),
		entryLine("11.000041"),
		exitLine("11.000050", "HLT", "0"),
		"qemu-system-x86-1234 [003] 11.000051: kvm_apic_accept_irq: apicid 0 vec 236",
		entryLine("11.000300"),
		exitLine("11.000310", "EPT_VIOLATION", "184"),
		faultLine("11.000311", "7f008", "184", "R"),
		entryLine("11.000313"),
	)
	agg := mustParse(t, input, analyzer.Options{SubEvents: true})

	if agg.Exits != 5 {
		t.Errorf("Exits = %d, want 5", agg.Exits)
	}
	total := 0
	for _, n := range agg.Counts {
		total += n
	}
	if total != 5 {
		t.Errorf("sum of counts = %d, want 5", total)
	}
	if got := agg.Latencies["HLT"]; !reflect.DeepEqual(got, []int64{25, 250}) {
		t.Errorf("HLT latencies = %v, want [25 250] (second boundary crossing)", got)
	}
	if agg.MaxLatency["HLT"] != 250 || agg.MinLatency["HLT"] != 25 {
		t.Errorf("HLT max/min = %d/%d, want 250/25", agg.MaxLatency["HLT"], agg.MinLatency["HLT"])
	}
	if got := agg.FaultCodeLatencies[0x184]; !reflect.DeepEqual(got, []int64{9, 3}) {
		t.Errorf("fault code 0x184 = %v, want [9 3] in chronological order", got)
	}
	// 0x7f000 和 0x7f008 属于同一个 4 KiB 页
	if got := len(agg.GFNFaults[0x7f]); got != 2 {
		t.Errorf("gfn 0x7f has %d faults, want 2", got)
	}

	t.Run("HugePageShift", func(t *testing.T) {
		agg := mustParse(t, input, analyzer.Options{SubEvents: true, PageShift: analyzer.DefaultPageShift + analyzer.HugePageShift})
		if _, ok := agg.GFNFaults[0]; !ok {
			t.Errorf("expected both faults in 2 MiB page 0, got %v", agg.GFNOrder)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		again := mustParse(t, input, analyzer.Options{SubEvents: true})
		if !reflect.DeepEqual(agg, again) {
			t.Errorf("parsing the same input twice produced different aggregates")
		}
	})
}

func TestParseNegativeElapsed(t *testing.T) {
	agg := mustParse(t, trace(
		exitLine("100.000050", "HLT", "0"),
		entryLine("100.000010"),
	), analyzer.Options{})

	if got := agg.Latencies["HLT"]; !reflect.DeepEqual(got, []int64{-40}) {
		t.Errorf("HLT latencies = %v, want [-40] passed through", got)
	}
	if agg.MaxLatency["HLT"] != -40 || agg.MinLatency["HLT"] != -40 {
		t.Errorf("max/min = %d/%d, want -40/-40", agg.MaxLatency["HLT"], agg.MinLatency["HLT"])
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantLine int
		wantKind analyzer.DecodeErrorKind
	}{
		{
			name:     "bad exit timestamp",
			input:    trace("qemu-1234 [003] 100x000010: kvm_exit: reason HLT rip 0x0 info 0 0", entryLine("100.000020")),
			wantLine: 1,
			wantKind: analyzer.BadTimestamp,
		},
		{
			name:     "exit without reason",
			input:    trace("qemu-1234 [003] 100.000010: kvm_exit:", entryLine("100.000020")),
			wantLine: 1,
			wantKind: analyzer.MissingColumn,
		},
		{
			name: "bad entry timestamp",
			input: trace(
				exitLine("100.000010", "HLT", "0"),
				"qemu-1234 [003] 100.00002a: kvm_entry: vcpu 0",
			),
			wantLine: 2,
			wantKind: analyzer.BadTimestamp,
		},
		{
			name: "short intervening line",
			input: trace(
				exitLine("100.000010", "HLT", "0"),
				"garbage",
				entryLine("100.000020"),
			),
			wantLine: 2,
			wantKind: analyzer.MissingColumn,
		},
		{
			name: "non-hex error code",
			input: trace(
				exitLine("100.000010", "EPT_VIOLATION", "zz"),
				faultLine("100.000011", "1000", "4", "R"),
				entryLine("100.000020"),
			),
			wantLine: 1,
			wantKind: analyzer.BadHex,
		},
		{
			name: "non-hex fault address",
			input: trace(
				exitLine("100.000010", "EPT_VIOLATION", "4"),
				faultLine("100.000011", "nothex", "4", "R"),
				entryLine("100.000020"),
			),
			wantLine: 2,
			wantKind: analyzer.BadHex,
		},
		{
			name: "ept violation without sub-event",
			input: trace(
				exitLine("100.000010", "EPT_VIOLATION", "4"),
				entryLine("100.000020"),
			),
			wantLine: 1,
			wantKind: analyzer.MissingSubEvent,
		},
		{
			name: "ept misconfig without sub-event",
			input: trace(
				exitLine("100.000010", "EPT_MISCONFIG", "0"),
				entryLine("100.000020"),
			),
			wantLine: 1,
			wantKind: analyzer.MissingSubEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, err := analyzer.ParseReader(strings.NewReader(tt.input), analyzer.Options{})
			if !errors.Is(err, analyzer.ErrMalformedRecord) {
				t.Fatalf("expected ErrMalformedRecord, got %v", err)
			}
			if errors.Is(err, analyzer.ErrTruncatedTrace) {
				t.Errorf("malformed record must not match ErrTruncatedTrace")
			}
			if agg != nil {
				t.Errorf("expected no aggregate on failure")
			}
			var recErr *analyzer.RecordError
			if !errors.As(err, &recErr) {
				t.Fatalf("expected *RecordError, got %T", err)
			}
			if recErr.Line != tt.wantLine || recErr.Kind != tt.wantKind {
				t.Errorf("got line %d kind %s, want line %d kind %s", recErr.Line, recErr.Kind, tt.wantLine, tt.wantKind)
			}
			if !strings.Contains(err.Error(), fmt.Sprintf("line %d", tt.wantLine)) {
				t.Errorf("error %q does not name the line", err.Error())
			}
		})
	}
}

func TestParseSubEventsRequireErrorString(t *testing.T) {
	input := trace(
		exitLine("100.000010", "EPT_VIOLATION", "4"),
		"qemu-1234 [003] 100.000011: kvm_page_fault: address 1000 error_code 4",
		entryLine("100.000020"),
	)
	// 未启用子事件解码时只需要地址列
	mustParse(t, input, analyzer.Options{})

	_, err := analyzer.ParseReader(strings.NewReader(input), analyzer.Options{SubEvents: true})
	if !errors.Is(err, analyzer.ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord with sub-events enabled, got %v", err)
	}
}

func TestPairerFeed(t *testing.T) {
	p := analyzer.NewPairer(analyzer.Options{})
	lines := []string{
		exitLine("5.000001", "MSR_WRITE", "0"),
		entryLine("5.000004"),
	}
	for i, l := range lines {
		if err := p.Feed(i+1, l); err != nil {
			t.Fatalf("Feed(%d) error = %v", i+1, err)
		}
	}
	agg, err := p.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if got := agg.Latencies["MSR_WRITE"]; !reflect.DeepEqual(got, []int64{3}) {
		t.Errorf("MSR_WRITE latencies = %v, want [3]", got)
	}
}
