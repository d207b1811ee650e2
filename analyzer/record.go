package analyzer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// 事件名称 token (第 3 列)
const (
	exitMarker      = "kvm_exit:"
	entryMarker     = "kvm_entry:"
	pageFaultMarker = "kvm_page_fault:"
)

// 固定的列位置 (按空白切分，从 0 开始)
const (
	colTimestamp = 2
	colEvent     = 3
	colReason    = 5
	colAddress   = 5
	colErrorCode = 7
	colErrorStr  = 8
)

var (
	// ErrMalformedRecord 表示某一行缺少必需的列，或某列无法解码为整数 / 十六进制值。
	ErrMalformedRecord = errors.New("malformed trace record")
	// ErrTruncatedTrace 表示输入在 kvm_exit 之后、匹配的 kvm_entry 之前结束。
	ErrTruncatedTrace = errors.New("truncated trace")
)

// DecodeErrorKind 区分具体的解码失败原因。
type DecodeErrorKind int

const (
	MissingColumn DecodeErrorKind = iota
	BadTimestamp
	BadHex
	MissingSubEvent
	UnmatchedExit
)

func (k DecodeErrorKind) String() string {
	switch k {
	case MissingColumn:
		return "missing column"
	case BadTimestamp:
		return "bad timestamp"
	case BadHex:
		return "bad hex field"
	case MissingSubEvent:
		return "missing sub-event line"
	case UnmatchedExit:
		return "exit without matching entry"
	default:
		return "unknown"
	}
}

// RecordError 携带出错行的行号和原始内容。
type RecordError struct {
	Line int    // 1-based 行号
	Text string // 原始行内容
	Kind DecodeErrorKind
	Err  error // 底层错误 (例如 strconv 错误)，可以为 nil
}

func (e *RecordError) Error() string {
	var b strings.Builder
	if e.Kind == UnmatchedExit {
		b.WriteString(ErrTruncatedTrace.Error())
	} else {
		b.WriteString(ErrMalformedRecord.Error())
	}
	fmt.Fprintf(&b, " at line %d (%s)", e.Line, e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	fmt.Fprintf(&b, ": %q", strings.TrimSpace(e.Text))
	return b.String()
}

// Is lets errors.Is match the sentinel for the error class.
func (e *RecordError) Is(target error) bool {
	if e.Kind == UnmatchedExit {
		return target == ErrTruncatedTrace
	}
	return target == ErrMalformedRecord
}

func (e *RecordError) Unwrap() error { return e.Err }

// Timestamp is a trace timestamp split into whole seconds and microseconds.
type Timestamp struct {
	Seconds      int64
	Microseconds int64
}

// Sub returns t - u in microseconds. No wraparound handling: an entry that
// precedes its exit yields a negative value.
func (t Timestamp) Sub(u Timestamp) int64 {
	return (t.Seconds-u.Seconds)*1_000_000 + (t.Microseconds - u.Microseconds)
}

// ExitRecord 是解码后的 kvm_exit 行。
type ExitRecord struct {
	Time   Timestamp
	Reason string
	// Fields 保留整行 token，EPT_VIOLATION 的错误码在分类时才解码。
	Fields []string
}

// EntryRecord 是解码后的 kvm_entry 行。
type EntryRecord struct {
	Time Timestamp
}

// SubEventRecord 是 exit 与 entry 之间的子事件行 (例如 kvm_page_fault)。
type SubEventRecord struct {
	Event       string
	RawAddress  string
	Address     uint64
	ErrorCode   uint64
	ErrorString string
}

// IsPageFault reports whether the line is a kvm_page_fault sub-event.
func (s SubEventRecord) IsPageFault() bool {
	return s.Event == pageFaultMarker
}

func eventOf(fields []string) string {
	if len(fields) <= colEvent {
		return ""
	}
	return fields[colEvent]
}

func parseTimestamp(tok string) (Timestamp, error) {
	tok = strings.TrimSuffix(tok, ":")
	secStr, usStr, ok := strings.Cut(tok, ".")
	if !ok {
		return Timestamp{}, fmt.Errorf("timestamp %q is not seconds.microseconds", tok)
	}
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return Timestamp{}, err
	}
	us, err := strconv.ParseInt(usStr, 10, 64)
	if err != nil {
		return Timestamp{}, err
	}
	return Timestamp{Seconds: sec, Microseconds: us}, nil
}

// parseHex accepts an optional 0x prefix.
func parseHex(tok string) (uint64, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(tok, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

func decodeTimestamp(fields []string, lineNo int, text string) (Timestamp, error) {
	if len(fields) <= colTimestamp {
		return Timestamp{}, &RecordError{Line: lineNo, Text: text, Kind: MissingColumn}
	}
	ts, err := parseTimestamp(fields[colTimestamp])
	if err != nil {
		return Timestamp{}, &RecordError{Line: lineNo, Text: text, Kind: BadTimestamp, Err: err}
	}
	return ts, nil
}

// DecodeExit decodes a kvm_exit line. fields must already be known to carry
// the exit marker.
func DecodeExit(fields []string, lineNo int, text string) (ExitRecord, error) {
	ts, err := decodeTimestamp(fields, lineNo, text)
	if err != nil {
		return ExitRecord{}, err
	}
	if len(fields) <= colReason {
		return ExitRecord{}, &RecordError{Line: lineNo, Text: text, Kind: MissingColumn}
	}
	return ExitRecord{Time: ts, Reason: fields[colReason], Fields: fields}, nil
}

// DecodeEntry decodes a kvm_entry line.
func DecodeEntry(fields []string, lineNo int, text string) (EntryRecord, error) {
	ts, err := decodeTimestamp(fields, lineNo, text)
	if err != nil {
		return EntryRecord{}, err
	}
	return EntryRecord{Time: ts}, nil
}

// DecodeSubEvent decodes the address column of an intervening line and, when
// full is set, the error code and error string columns as well.
func DecodeSubEvent(fields []string, lineNo int, text string, full bool) (SubEventRecord, error) {
	need := colAddress
	if full {
		need = colErrorStr
	}
	if len(fields) <= need {
		return SubEventRecord{}, &RecordError{Line: lineNo, Text: text, Kind: MissingColumn}
	}
	rec := SubEventRecord{Event: fields[colEvent], RawAddress: fields[colAddress]}
	addr, err := parseHex(fields[colAddress])
	if err != nil {
		return SubEventRecord{}, &RecordError{Line: lineNo, Text: text, Kind: BadHex, Err: err}
	}
	rec.Address = addr
	if !full {
		return rec, nil
	}
	code, err := parseHex(fields[colErrorCode])
	if err != nil {
		return SubEventRecord{}, &RecordError{Line: lineNo, Text: text, Kind: BadHex, Err: err}
	}
	rec.ErrorCode = code
	rec.ErrorString = fields[colErrorStr]
	return rec, nil
}

// exitErrorCode decodes the trailing hex token of an EPT_VIOLATION exit line.
func exitErrorCode(exit ExitRecord, lineNo int, text string) (uint64, error) {
	last := exit.Fields[len(exit.Fields)-1]
	code, err := parseHex(last)
	if err != nil {
		return 0, &RecordError{Line: lineNo, Text: text, Kind: BadHex, Err: err}
	}
	return code, nil
}

// IsWriteFault reports whether a pipe-delimited error string carries the W flag.
func IsWriteFault(errorString string) bool {
	for _, flag := range strings.Split(errorString, "|") {
		if flag == "W" {
			return true
		}
	}
	return false
}
