package capture

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"

	"example.com/xy2gate/internal/xy2"
)

// Writer emits the capture text format. Metadata must be written before the
// first sample.
type Writer struct {
	w       *bufio.Writer
	started bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteMeta writes the metadata keys in sorted order for deterministic output.
func (w *Writer) WriteMeta(meta Meta) error {
	if w.started {
		return fmt.Errorf("metadata after first sample")
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(w.w, "# %s: %s\n", k, meta[k]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) WriteSample(ev xy2.SampleEvent) error {
	w.started = true
	_, err := fmt.Fprintf(w.w, "%d,%d,%d\n", ev.Start, ev.End, ev.Lines)
	return err
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}

// WriteFile saves a complete capture document to path.
func WriteFile(path string, meta Meta, events []xy2.SampleEvent) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := NewWriter(f)
	if err := w.WriteMeta(meta); err != nil {
		f.Close()
		return err
	}
	for _, ev := range events {
		if err := w.WriteSample(ev); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
