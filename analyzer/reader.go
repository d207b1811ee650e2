package analyzer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const maxLineSize = 1 << 20

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// LineReader yields the lines of a trace report in file order.
// Compressed input (gzip or zstd) is detected from its magic bytes.
type LineReader struct {
	sc      *bufio.Scanner
	closers []io.Closer
	n       int
}

// NewLineReader wraps r. The caller still owns r; Close releases only the
// decompressor.
func NewLineReader(r io.Reader) (*LineReader, error) {
	lr := &LineReader{}
	src, err := lr.decompress(r)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	lr.sc = sc
	return lr, nil
}

// OpenTrace opens the file at path. Close closes the file.
func OpenTrace(path string) (*LineReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace '%s': %w", path, err)
	}
	lr, err := NewLineReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read trace '%s': %w", path, err)
	}
	lr.closers = append(lr.closers, f)
	return lr, nil
}

func (lr *LineReader) decompress(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip trace: %w", err)
		}
		lr.closers = append(lr.closers, zr)
		return zr, nil
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd trace: %w", err)
		}
		lr.closers = append(lr.closers, dec.IOReadCloser())
		return dec, nil
	}
	return br, nil
}

// Next advances to the next line.
func (lr *LineReader) Next() bool {
	if lr.sc.Scan() {
		lr.n++
		return true
	}
	return false
}

// Text returns the current line without its newline.
func (lr *LineReader) Text() string { return lr.sc.Text() }

// LineNumber returns the 1-based number of the current line.
func (lr *LineReader) LineNumber() int { return lr.n }

func (lr *LineReader) Err() error { return lr.sc.Err() }

// Close releases decompressors and, for OpenTrace, the file.
func (lr *LineReader) Close() error {
	var errs []error
	for i := len(lr.closers) - 1; i >= 0; i-- {
		if err := lr.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	lr.closers = nil
	return errors.Join(errs...)
}
