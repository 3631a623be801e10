package xy2

import (
	"reflect"
	"testing"
)

const tick = 10

// eventStream builds sample events with contiguous tick windows.
type eventStream struct {
	next int64
	evs  []SampleEvent
}

func (s *eventStream) add(lines uint32) {
	s.evs = append(s.evs, SampleEvent{
		Kind:  EventData,
		Start: s.next,
		End:   s.next + tick,
		Lines: lines,
	})
	s.next += tick
}

// addFrame appends an idle sample followed by the 20 samples of one frame,
// data words serialized MSB first with SYNC held high.
func (s *eventStream) addFrame(cfg Config, words map[Channel]uint32) {
	s.add(0)
	for j := 0; j < FrameBits; j++ {
		var lines uint32 = 1 << cfg.SyncBit
		for _, ch := range cfg.Channels {
			if words[ch.ID]>>(FrameBits-1-j)&1 == 1 {
				lines |= 1 << ch.Bit
			}
		}
		s.add(lines)
	}
}

func feedAll(t *testing.T, cfg Config, evs []SampleEvent) []Frame {
	t.Helper()
	s, err := NewSynchronizer(cfg)
	if err != nil {
		t.Fatalf("NewSynchronizer: %v", err)
	}
	var out []Frame
	for _, ev := range evs {
		out = append(out, s.Feed(ev)...)
	}
	return out
}

func singleChannelConfig() Config {
	return Config{Channels: []ChannelConfig{{ID: ChannelX, Bit: 0}}, SyncBit: 1}
}

func TestNewSynchronizerValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no channels", cfg: Config{SyncBit: 3}},
		{name: "too many channels", cfg: Config{
			Channels: []ChannelConfig{{ID: "A", Bit: 0}, {ID: "B", Bit: 1}, {ID: "C", Bit: 2}, {ID: "D", Bit: 4}},
			SyncBit:  3,
		}},
		{name: "data bit collides with sync", cfg: Config{
			Channels: []ChannelConfig{{ID: ChannelX, Bit: 3}},
			SyncBit:  3,
		}},
		{name: "duplicate channel", cfg: Config{
			Channels: []ChannelConfig{{ID: ChannelX, Bit: 0}, {ID: ChannelX, Bit: 1}},
			SyncBit:  3,
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewSynchronizer(tc.cfg); err == nil {
				t.Fatalf("config accepted: %+v", tc.cfg)
			}
		})
	}
}

func TestSingleChannelFrame(t *testing.T) {
	cfg := singleChannelConfig()
	var s eventStream
	s.addFrame(cfg, map[Channel]uint32{ChannelX: EncodeWord16(0x0014)})
	frames := feedAll(t, cfg, s.evs)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.Kind != Frame16 || f.Position != 0x0014 || !f.ParityOK {
		t.Fatalf("frame = %+v", f)
	}
	// One channel gets the full window: first frame sample through last.
	if f.Start != tick || f.End != 21*tick {
		t.Fatalf("window = [%d, %d], want [%d, %d]", f.Start, f.End, tick, 21*tick)
	}
}

func TestFirstSampleOnlyEstablishesBaseline(t *testing.T) {
	cfg := singleChannelConfig()
	// Capture begins with SYNC already high: no edge, so the high samples
	// must not open a frame.
	var s eventStream
	for i := 0; i < FrameBits+1; i++ {
		s.add(1 << cfg.SyncBit)
	}
	if frames := feedAll(t, cfg, s.evs); len(frames) != 0 {
		t.Fatalf("mid-high capture start produced %d frames", len(frames))
	}
}

func TestPartialFrameNeverEmitted(t *testing.T) {
	cfg := singleChannelConfig()
	var s eventStream
	s.addFrame(cfg, map[Channel]uint32{ChannelX: EncodeWord16(0x1234)})
	// Drop the last sample so only 19 bits arrive before end of stream.
	if frames := feedAll(t, cfg, s.evs[:len(s.evs)-1]); len(frames) != 0 {
		t.Fatalf("under-length frame emitted %d frames", len(frames))
	}
}

func TestExtraIdleSamplesAreNoops(t *testing.T) {
	cfg := singleChannelConfig()
	word := map[Channel]uint32{ChannelX: EncodeWord18(0x15555)}

	var plain eventStream
	plain.addFrame(cfg, word)

	var padded eventStream
	for i := 0; i < 7; i++ {
		padded.add(0)
	}
	padded.addFrame(cfg, word)

	got := feedAll(t, cfg, padded.evs)
	want := feedAll(t, cfg, plain.evs)
	if len(got) != 1 || len(want) != 1 {
		t.Fatalf("got %d / %d frames, want 1 each", len(got), len(want))
	}
	if got[0].Kind != want[0].Kind || got[0].Position != want[0].Position || got[0].ParityOK != want[0].ParityOK {
		t.Fatalf("idle padding changed decode: %+v vs %+v", got[0], want[0])
	}
}

func TestMarkerEventsIgnored(t *testing.T) {
	cfg := singleChannelConfig()
	var s eventStream
	s.addFrame(cfg, map[Channel]uint32{ChannelX: EncodeWord16(0x00FF)})

	evs := make([]SampleEvent, 0, len(s.evs)+2)
	evs = append(evs, s.evs[:5]...)
	evs = append(evs, SampleEvent{Kind: EventMarker, Start: s.evs[5].Start, End: s.evs[5].Start})
	evs = append(evs, s.evs[5:]...)

	frames := feedAll(t, cfg, evs)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Position != 0x00FF || !frames[0].ParityOK {
		t.Fatalf("frame = %+v", frames[0])
	}
}

func TestMultiChannelTimestampPartition(t *testing.T) {
	words := map[Channel]uint32{
		ChannelX: EncodeWord16(0x0102),
		ChannelY: EncodeWord16(0x0304),
		ChannelZ: EncodeWord18(0x3FFFF),
	}
	tests := []struct {
		name  string
		width int64 // sample width; the frame spans 20*width ticks
	}{
		{name: "even split", width: 3},
		{name: "remainder absorbed by last slot", width: 10},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			frames := feedAll(t, cfg, frameEventsWidth(cfg, words, tc.width))
			if len(frames) != 3 {
				t.Fatalf("got %d frames, want 3", len(frames))
			}
			order := []Channel{ChannelX, ChannelY, ChannelZ}
			for i, f := range frames {
				if f.Channel != order[i] {
					t.Fatalf("frame %d channel = %s, want %s", i, f.Channel, order[i])
				}
			}
			t0 := tc.width
			t3 := 21 * tc.width
			span := t3 - t0
			slot := span / 3
			x, y, z := frames[0], frames[1], frames[2]
			if x.Start != t0 {
				t.Fatalf("X.Start = %d, want %d", x.Start, t0)
			}
			if z.End != t3 {
				t.Fatalf("Z.End = %d, want %d", z.End, t3)
			}
			if x.End != y.Start || y.End != z.Start {
				t.Fatalf("slots not contiguous: %+v %+v %+v", x, y, z)
			}
			if x.End-x.Start != slot || y.End-y.Start != slot {
				t.Fatalf("leading slots = %d, %d, want %d", x.End-x.Start, y.End-y.Start, slot)
			}
			// The last slot takes slot plus whatever integer division left over.
			if z.End-z.Start != span-2*slot {
				t.Fatalf("Z slot = %d, want %d", z.End-z.Start, span-2*slot)
			}
		})
	}
}

// frameEventsWidth serializes one SYNC cycle with an arbitrary per-sample
// width: an idle sample then 20 data samples, words MSB first.
func frameEventsWidth(cfg Config, words map[Channel]uint32, width int64) []SampleEvent {
	var evs []SampleEvent
	next := int64(0)
	add := func(lines uint32) {
		evs = append(evs, SampleEvent{Kind: EventData, Start: next, End: next + width, Lines: lines})
		next += width
	}
	add(0)
	for j := 0; j < FrameBits; j++ {
		lines := uint32(1) << cfg.SyncBit
		for _, ch := range cfg.Channels {
			if words[ch.ID]>>(FrameBits-1-j)&1 == 1 {
				lines |= 1 << ch.Bit
			}
		}
		add(lines)
	}
	return evs
}

func TestIdleChannelSuppressed(t *testing.T) {
	cfg := DefaultConfig()
	var s eventStream
	s.addFrame(cfg, map[Channel]uint32{
		ChannelX: EncodeWord16(0x0014),
		ChannelY: EncodeWord18(0x00001),
		// Z stays all-zero: unconnected line.
	})
	frames := feedAll(t, cfg, s.evs)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	got := []Channel{frames[0].Channel, frames[1].Channel}
	if !reflect.DeepEqual(got, []Channel{ChannelX, ChannelY}) {
		t.Fatalf("channels = %v", got)
	}
}

func TestBackToBackFrames(t *testing.T) {
	cfg := singleChannelConfig()
	var s eventStream
	s.addFrame(cfg, map[Channel]uint32{ChannelX: EncodeWord16(0x0001)})
	s.addFrame(cfg, map[Channel]uint32{ChannelX: EncodeWord16(0x0002)})
	frames := feedAll(t, cfg, s.evs)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Position != 0x0001 || frames[1].Position != 0x0002 {
		t.Fatalf("positions = 0x%04X, 0x%04X", frames[0].Position, frames[1].Position)
	}
	if frames[1].Start < frames[0].End {
		t.Fatalf("second frame window overlaps first: %+v %+v", frames[0], frames[1])
	}
}

func TestSyncHeldHighStartsNoNewFrame(t *testing.T) {
	cfg := singleChannelConfig()
	var s eventStream
	s.addFrame(cfg, map[Channel]uint32{ChannelX: EncodeWord16(0x0042)})
	// SYNC stays high after the frame completes: without a new rising edge
	// nothing further decodes.
	for i := 0; i < FrameBits; i++ {
		s.add(1 << cfg.SyncBit)
	}
	frames := feedAll(t, cfg, s.evs)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
}
