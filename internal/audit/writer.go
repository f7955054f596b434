package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

func newWriter(cfg Config) (Writer, error) {
	switch cfg.Sink {
	case "stdout":
		return NewStreamWriter(os.Stdout), nil
	case "file":
		return openLogFile(cfg.FilePath)
	}
	return nil, fmt.Errorf("unsupported audit sink %q", cfg.Sink)
}

// StreamWriter encodes events as JSON lines.
type StreamWriter struct {
	mu     sync.Mutex
	out    *bufio.Writer
	enc    *json.Encoder
	closer io.Closer
}

// NewStreamWriter writes to w. Close closes w when it is a file other than
// the standard streams.
func NewStreamWriter(w io.Writer) *StreamWriter {
	out := bufio.NewWriter(w)
	sw := &StreamWriter{out: out, enc: json.NewEncoder(out)}
	if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
		sw.closer = c
	}
	return sw
}

func (w *StreamWriter) Write(event *Event) error {
	if event == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(event)
}

func (w *StreamWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Flush()
}

// Close flushes and releases the underlying file.
func (w *StreamWriter) Close(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.out.Flush()
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
		w.closer = nil
	}
	return err
}

func openLogFile(path string) (*StreamWriter, error) {
	if path == "" {
		return nil, errors.New("audit file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return NewStreamWriter(f), nil
}
