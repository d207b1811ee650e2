package analyzer_test

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/ZephyrDeng/kvmexit-analyzer-mcp/analyzer"
)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func zstdBytes(t *testing.T, s string) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll([]byte(s), nil)
}

func readAll(t *testing.T, lr *analyzer.LineReader) []string {
	t.Helper()
	var lines []string
	for lr.Next() {
		lines = append(lines, lr.Text())
		if lr.LineNumber() != len(lines) {
			t.Errorf("LineNumber() = %d, want %d", lr.LineNumber(), len(lines))
		}
	}
	if err := lr.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	return lines
}

func TestLineReader(t *testing.T) {
	input := trace(
		exitLine("1.000000", "HLT", "0"),
		entryLine("1.000003"),
	)
	want := []string{exitLine("1.000000", "HLT", "0"), entryLine("1.000003")}

	tests := []struct {
		name string
		data []byte
	}{
		{"Plain", []byte(input)},
		{"Gzip", gzipBytes(t, input)},
		{"Zstd", zstdBytes(t, input)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lr, err := analyzer.NewLineReader(bytes.NewReader(tt.data))
			if err != nil {
				t.Fatalf("NewLineReader() error = %v", err)
			}
			defer lr.Close()
			if got := readAll(t, lr); !reflect.DeepEqual(got, want) {
				t.Errorf("lines = %q, want %q", got, want)
			}
		})
	}

	t.Run("Empty", func(t *testing.T) {
		lr, err := analyzer.NewLineReader(strings.NewReader(""))
		if err != nil {
			t.Fatalf("NewLineReader() error = %v", err)
		}
		if lr.Next() {
			t.Error("Next() = true on empty input")
		}
		if err := lr.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
	})

	t.Run("CorruptGzip", func(t *testing.T) {
		if _, err := analyzer.NewLineReader(bytes.NewReader([]byte{0x1f, 0x8b, 0x00})); err == nil {
			t.Error("expected error for truncated gzip header")
		}
	})
}

func TestParseCompressedFile(t *testing.T) {
	input := trace(
		exitLine("2.000000", "EPT_VIOLATION", "184"),
		faultLine("2.000001", "1000", "184", "R"),
		entryLine("2.000009"),
	)
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.txt.zst")
	if err := os.WriteFile(path, zstdBytes(t, input), 0o644); err != nil {
		t.Fatal(err)
	}

	agg, err := analyzer.ParseFile(path, analyzer.Options{})
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if got := agg.Latencies["EPT_VIOLATION"]; !reflect.DeepEqual(got, []int64{9}) {
		t.Errorf("EPT_VIOLATION latencies = %v, want [9]", got)
	}
}

func TestOpenTraceMissingFile(t *testing.T) {
	_, err := analyzer.OpenTrace(filepath.Join(t.TempDir(), "missing.txt"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("OpenTrace() error = %v, want fs.ErrNotExist", err)
	}
}
