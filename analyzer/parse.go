package analyzer

import (
	"fmt"
	"io"
	"log"
	"strings"
)

// DefaultPageShift is the 4 KiB page exponent. Huge pages add HugePageShift.
const (
	DefaultPageShift uint = 12
	HugePageShift    uint = 9
)

// Options controls the classification step.
type Options struct {
	// SubEvents enables decoding of kvmmmu page-fault sub-events into GFN buckets.
	SubEvents bool
	// PageShift is the page-size exponent used to derive guest page numbers.
	// Zero means DefaultPageShift.
	PageShift uint
}

func (o Options) pageShift() uint {
	if o.PageShift == 0 {
		return DefaultPageShift
	}
	return o.PageShift
}

// LineSource yields trace lines in file order. *LineReader implements it.
type LineSource interface {
	Next() bool
	Text() string
	Err() error
}

type pairState int

const (
	awaitingExit pairState = iota
	awaitingEntry
)

// Pairer is the exit/entry state machine. Lines are fed one at a time with
// Feed; Finish must be called once input is exhausted.
type Pairer struct {
	opts  Options
	agg   *Aggregate
	state pairState
	open  Interval
}

// NewPairer returns a Pairer accumulating into a fresh Aggregate.
func NewPairer(opts Options) *Pairer {
	return &Pairer{opts: opts, agg: NewAggregate()}
}

func splitFields(line string) []string {
	return strings.Fields(line)
}

// Feed advances the state machine by one line.
func (p *Pairer) Feed(lineNo int, line string) error {
	fields := splitFields(line)

	switch p.state {
	case awaitingExit:
		if eventOf(fields) != exitMarker {
			return nil
		}
		exit, err := DecodeExit(fields, lineNo, line)
		if err != nil {
			return err
		}
		p.open = Interval{
			Reason:   exit.Reason,
			ExitLine: lineNo,
			ExitText: line,
			Exit:     exit,
		}
		p.state = awaitingEntry
		return nil

	case awaitingEntry:
		if len(fields) <= colEvent {
			return &RecordError{Line: lineNo, Text: line, Kind: MissingColumn}
		}
		// 中间行同样必须带有合法的时间戳
		ts, err := decodeTimestamp(fields, lineNo, line)
		if err != nil {
			return err
		}
		if fields[colEvent] != entryMarker {
			p.open.Lines = append(p.open.Lines, line)
			p.open.LineNos = append(p.open.LineNos, lineNo)
			return nil
		}
		p.open.ElapsedUs = ts.Sub(p.open.Exit.Time)
		iv := p.open
		p.open = Interval{}
		p.state = awaitingExit
		return p.agg.classify(iv, p.opts)
	}
	return fmt.Errorf("pairer in unknown state %d", p.state)
}

// Finish reports a truncated trace if an exit is still waiting for its entry
// and otherwise hands over the aggregate.
func (p *Pairer) Finish() (*Aggregate, error) {
	if p.state == awaitingEntry {
		return nil, &RecordError{Line: p.open.ExitLine, Text: p.open.ExitText, Kind: UnmatchedExit}
	}
	agg := p.agg
	p.agg = NewAggregate()
	return agg, nil
}

// Parse runs a single forward pass over lines. The first error aborts the
// parse and no aggregate is returned.
func Parse(lines LineSource, opts Options) (*Aggregate, error) {
	p := NewPairer(opts)
	lineNo := 0
	for lines.Next() {
		lineNo++
		if err := p.Feed(lineNo, lines.Text()); err != nil {
			return nil, err
		}
	}
	if err := lines.Err(); err != nil {
		return nil, fmt.Errorf("reading trace: %w", err)
	}
	agg, err := p.Finish()
	if err != nil {
		return nil, err
	}
	log.Printf("Parsed %d lines, %d exits in %d categories", lineNo, agg.Exits, len(agg.Latencies))
	return agg, nil
}

// ParseReader parses a trace from r, decompressing it if needed.
func ParseReader(r io.Reader, opts Options) (*Aggregate, error) {
	lr, err := NewLineReader(r)
	if err != nil {
		return nil, err
	}
	defer lr.Close()
	return Parse(lr, opts)
}

// ParseFile opens and parses the trace at path.
func ParseFile(path string, opts Options) (*Aggregate, error) {
	lr, err := OpenTrace(path)
	if err != nil {
		return nil, err
	}
	defer lr.Close()
	agg, err := Parse(lr, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return agg, nil
}
