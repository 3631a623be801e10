package capture

import (
	"errors"
	"io"
	"strings"
	"testing"

	"example.com/xy2gate/internal/common"
	"example.com/xy2gate/internal/xy2"
)

func TestReaderParsesMetaAndSamples(t *testing.T) {
	doc := strings.Join([]string{
		"# label: bench-a",
		"# tick-ns: 500",
		"# free-form comment without a separator",
		"",
		"0,500,9",
		"500,1000,0x0B",
		"",
	}, "\n")

	r := NewReader(strings.NewReader(doc))
	var events []xy2.SampleEvent
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Start != 0 || events[0].End != 500 || events[0].Lines != 9 {
		t.Fatalf("event 0 = %+v", events[0])
	}
	if events[1].Lines != 0x0B {
		t.Fatalf("event 1 lines = %d, want 11", events[1].Lines)
	}
	meta := r.Meta()
	if meta["label"] != "bench-a" || meta["tick-ns"] != "500" {
		t.Fatalf("meta = %v", meta)
	}
	if len(meta) != 2 {
		t.Fatalf("meta has %d keys, want 2: %v", len(meta), meta)
	}
}

func TestReaderMetricsAccounting(t *testing.T) {
	rows := []string{"0,500,9", "500,1000,0x0B"}
	doc := "# label: bench-a\n" + strings.Join(rows, "\n") + "\n"

	m := common.NewMetrics()
	r := NewReader(strings.NewReader(doc))
	r.SetMetrics(m)
	for {
		if _, err := r.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			t.Fatalf("Next: %v", err)
		}
	}

	s := m.Snapshot()
	if s.Samples != int64(len(rows)) {
		t.Fatalf("samples = %d, want %d", s.Samples, len(rows))
	}
	// Data rows only, each with its newline; comment lines are not counted.
	var want int64
	for _, row := range rows {
		want += int64(len(row)) + 1
	}
	if s.Bytes != want {
		t.Fatalf("bytes = %d, want %d", s.Bytes, want)
	}
}

func TestReaderRejectsMalformedLines(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{name: "field count", doc: "0,500\n", want: ErrBadSample},
		{name: "bad value", doc: "0,500,zz\n", want: ErrBadSample},
		{name: "end before start", doc: "500,0,1\n", want: ErrBadSample},
		{name: "out of order", doc: "500,600,1\n100,200,1\n", want: ErrOutOfOrder},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReader(strings.NewReader(tc.doc))
			var err error
			for err == nil {
				_, err = r.Next()
			}
			if errors.Is(err, io.EOF) {
				t.Fatalf("reader accepted %q", tc.doc)
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDecodeReaderEndToEnd(t *testing.T) {
	cfg := xy2.DefaultConfig()
	var b strings.Builder
	w := NewWriter(&b)
	if err := w.WriteMeta(Meta{"label": "roundtrip"}); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	for _, ev := range frameEvents(cfg, map[xy2.Channel]uint32{
		xy2.ChannelX: xy2.EncodeWord16(0x0102),
		xy2.ChannelY: xy2.EncodeWord18(0x30201),
	}) {
		if err := w.WriteSample(ev); err != nil {
			t.Fatalf("WriteSample: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	sess, err := DecodeReader(strings.NewReader(b.String()), cfg, nil)
	if err != nil {
		t.Fatalf("DecodeReader: %v", err)
	}
	if sess.Samples != 21 {
		t.Fatalf("samples = %d, want 21", sess.Samples)
	}
	if sess.Meta["label"] != "roundtrip" {
		t.Fatalf("meta = %v", sess.Meta)
	}
	if len(sess.Frames) != 2 {
		t.Fatalf("got %d frames, want 2 (Z idle)", len(sess.Frames))
	}
	if sess.Frames[0].Position != 0x0102 || sess.Frames[1].Position != 0x30201 {
		t.Fatalf("positions = 0x%X, 0x%X", sess.Frames[0].Position, sess.Frames[1].Position)
	}

	sums := sess.Summaries(cfg)
	if len(sums) != 3 {
		t.Fatalf("got %d summaries, want 3", len(sums))
	}
	if sums[0].Valid16 != 1 || sums[1].Valid18 != 1 || sums[2].Frames != 0 {
		t.Fatalf("summaries = %+v", sums)
	}
}

// frameEvents serializes one SYNC cycle: an idle sample then 20 data samples.
func frameEvents(cfg xy2.Config, words map[xy2.Channel]uint32) []xy2.SampleEvent {
	const tick = 100
	var evs []xy2.SampleEvent
	add := func(lines uint32) {
		start := int64(len(evs)) * tick
		evs = append(evs, xy2.SampleEvent{
			Kind:  xy2.EventData,
			Start: start,
			End:   start + tick,
			Lines: lines,
		})
	}
	add(0)
	for j := 0; j < xy2.FrameBits; j++ {
		var lines uint32 = 1 << cfg.SyncBit
		for _, ch := range cfg.Channels {
			if words[ch.ID]>>(xy2.FrameBits-1-j)&1 == 1 {
				lines |= 1 << ch.Bit
			}
		}
		add(lines)
	}
	return evs
}
