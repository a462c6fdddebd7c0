// Package dump persists captured responses. A raw dump is the response byte
// stream exactly as it came off the socket, so it can be replayed through
// the same frame decoder. A base64 dump holds one encoded frame per line.
package dump

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/danmuck/capturectl/internal/protocol/frame"
	"github.com/danmuck/capturectl/internal/protocol/response"
)

// maxLine bounds one base64 line; it covers the default frame payload limit.
const maxLine = 96 << 20

// Stats counts what a writer has persisted.
type Stats struct {
	Frames int
	Bytes  int64
}

// Writer appends raw frames. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	closer io.Closer
	stats  Stats
}

func NewWriter(w io.Writer) *Writer {
	out := &Writer{bw: bufio.NewWriterSize(w, 256*1024)}
	if c, ok := w.(io.Closer); ok {
		out.closer = c
	}
	return out
}

// Create truncates or creates path and returns a Writer that owns the file.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("dump create (%s): %w", path, err)
	}
	return NewWriter(f), nil
}

// Handle writes the response's original wire bytes.
func (w *Writer) Handle(d response.DataResponse) error {
	raw := d.Encode()
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.bw.Write(raw)
	w.stats.Bytes += int64(n)
	if err != nil {
		return fmt.Errorf("dump write: %w", err)
	}
	w.stats.Frames++
	return nil
}

func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bw.Flush()
}

// Close flushes and closes the underlying writer when it is a Closer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.bw.Flush()
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
		w.closer = nil
	}
	return err
}

// Base64Writer writes one base64 frame per line.
type Base64Writer struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	closer io.Closer
	stats  Stats
}

func NewBase64Writer(w io.Writer) *Base64Writer {
	out := &Base64Writer{bw: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		out.closer = c
	}
	return out
}

func CreateBase64(path string) (*Base64Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("dump create (%s): %w", path, err)
	}
	return NewBase64Writer(f), nil
}

func (w *Base64Writer) Handle(d response.DataResponse) error {
	line := d.ToBase64()
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.bw.WriteString(line); err != nil {
		return fmt.Errorf("dump write: %w", err)
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("dump write: %w", err)
	}
	w.stats.Frames++
	w.stats.Bytes += int64(len(line) + 1)
	return nil
}

func (w *Base64Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Base64Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.bw.Flush()
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
		w.closer = nil
	}
	return err
}

// Reader replays a raw dump. Next returns io.EOF once the stream ends on a
// frame boundary and frame.ErrTruncatedFrame if it ends mid-frame.
type Reader struct {
	br     *bufio.Reader
	limits frame.Limits
}

func NewReader(r io.Reader, limits frame.Limits) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 256*1024), limits: limits}
}

func (r *Reader) Next() (response.DataResponse, error) {
	d, err := response.Read(r.br, r.limits, nil)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return response.DataResponse{}, io.EOF
		}
		return response.DataResponse{}, err
	}
	return d, nil
}

// Base64Reader replays a base64 dump. Blank lines are skipped.
type Base64Reader struct {
	sc     *bufio.Scanner
	limits frame.Limits
	line   int
}

func NewBase64Reader(r io.Reader, limits frame.Limits) *Base64Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Base64Reader{sc: sc, limits: limits}
}

func (r *Base64Reader) Next() (response.DataResponse, error) {
	for r.sc.Scan() {
		r.line++
		text := strings.TrimSpace(r.sc.Text())
		if text == "" {
			continue
		}
		d, err := response.FromBase64(text, r.limits)
		if err != nil {
			return response.DataResponse{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		return d, nil
	}
	if err := r.sc.Err(); err != nil {
		return response.DataResponse{}, err
	}
	return response.DataResponse{}, io.EOF
}

// Source is implemented by Reader and Base64Reader.
type Source interface {
	Next() (response.DataResponse, error)
}

// Walk calls fn for every response in src until it is exhausted.
func Walk(src Source, fn func(response.DataResponse) error) error {
	for {
		d, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
}
