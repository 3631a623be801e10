// Package capture reads and writes sampled line-state captures and drives the
// XY2-100 decoder over them.
//
// The capture format is line oriented. Leading comment lines of the form
// "# key: value" carry metadata; every following line is one sample event:
//
//	# label: bench-a
//	# tick-ns: 500
//	start,end,value
//
// where start and end are int64 ticks and value is the parallel line word
// (decimal, or 0x/0b prefixed).
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"example.com/xy2gate/internal/common"
	"example.com/xy2gate/internal/xy2"
)

var (
	ErrOutOfOrder = errors.New("sample events out of order")
	ErrBadSample  = errors.New("malformed sample line")
)

// Meta holds the key/value metadata found in capture comment lines.
type Meta map[string]string

// Reader streams sample events from a capture document.
type Reader struct {
	sc        *bufio.Scanner
	meta      Meta
	line      int
	prevStart int64
	sawData   bool
	metrics   *common.Metrics
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Reader{sc: sc, meta: Meta{}}
}

// SetMetrics attaches a metrics recorder; every sample line counts one sample
// and its encoded byte length.
func (r *Reader) SetMetrics(m *common.Metrics) {
	r.metrics = m
}

// Meta returns the metadata seen so far. Metadata lines conventionally lead
// the file, so after the first Next call the map is complete.
func (r *Reader) Meta() Meta {
	return r.meta
}

// Next returns the next sample event. It returns io.EOF at end of input.
func (r *Reader) Next() (xy2.SampleEvent, error) {
	for r.sc.Scan() {
		r.line++
		raw := r.sc.Text()
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			r.parseMetaLine(line)
			continue
		}
		ev, err := r.parseSampleLine(line)
		if err != nil {
			return xy2.SampleEvent{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		if r.metrics != nil {
			r.metrics.AddSample()
			r.metrics.AddBytes(int64(len(raw)) + 1)
		}
		return ev, nil
	}
	if err := r.sc.Err(); err != nil {
		return xy2.SampleEvent{}, err
	}
	return xy2.SampleEvent{}, io.EOF
}

func (r *Reader) parseMetaLine(line string) {
	if r.sawData {
		return
	}
	body := strings.TrimSpace(strings.TrimPrefix(line, "#"))
	key, value, ok := strings.Cut(body, ":")
	if !ok {
		return
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key != "" {
		r.meta[key] = value
	}
}

func (r *Reader) parseSampleLine(line string) (xy2.SampleEvent, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return xy2.SampleEvent{}, fmt.Errorf("%w: %d fields", ErrBadSample, len(fields))
	}
	start, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return xy2.SampleEvent{}, fmt.Errorf("%w: start: %v", ErrBadSample, err)
	}
	end, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return xy2.SampleEvent{}, fmt.Errorf("%w: end: %v", ErrBadSample, err)
	}
	value, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 0, 32)
	if err != nil {
		return xy2.SampleEvent{}, fmt.Errorf("%w: value: %v", ErrBadSample, err)
	}
	if end < start {
		return xy2.SampleEvent{}, fmt.Errorf("%w: end %d before start %d", ErrBadSample, end, start)
	}
	if r.sawData && start < r.prevStart {
		return xy2.SampleEvent{}, fmt.Errorf("%w: start %d after %d", ErrOutOfOrder, start, r.prevStart)
	}
	r.sawData = true
	r.prevStart = start
	return xy2.SampleEvent{
		Kind:  xy2.EventData,
		Start: start,
		End:   end,
		Lines: uint32(value),
	}, nil
}
