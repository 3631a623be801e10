package xy2

type syncState uint8

const (
	// stateUninitialized lasts for exactly one event: the first sample only
	// establishes the SYNC baseline, so a capture that starts mid-high does
	// not fabricate a rising edge.
	stateUninitialized syncState = iota
	stateIdle
	stateCollecting
)

// accumulator holds the bits collected for one channel inside the current
// frame window. Fixed capacity; n is the fill count.
type accumulator struct {
	bits [FrameBits]bool
	n    int
}

func (a *accumulator) push(b bool) {
	a.bits[a.n] = b
	a.n++
}

func (a *accumulator) reset() {
	a.n = 0
}

// word folds the buffer into a wire word, first bit pushed ending up at bit 19.
func (a *accumulator) word() uint32 {
	var w uint32
	for i := 0; i < a.n; i++ {
		w <<= 1
		if a.bits[i] {
			w |= 1
		}
	}
	return w
}

// Synchronizer delimits 20-bit frame windows on the shared SYNC line and
// accumulates each configured channel's bits in lock-step. It is a
// single-goroutine state machine; drive independent instances from
// independent goroutines if separate streams are decoded concurrently.
type Synchronizer struct {
	cfg        Config
	state      syncState
	prevSync   bool
	accs       [maxChannels]accumulator
	frameStart int64
}

// NewSynchronizer validates cfg and returns a synchronizer in its initial
// state. Restarting a stream means constructing a fresh instance.
func NewSynchronizer(cfg Config) (*Synchronizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Synchronizer{cfg: cfg}, nil
}

// Feed consumes one sample event and returns the frames completed by it, in
// configured channel order. Most events return nil; a frame-completing event
// returns up to one frame per active channel. Events that are not data
// samples are ignored with no state change.
func (s *Synchronizer) Feed(ev SampleEvent) []Frame {
	if ev.Kind != EventData {
		return nil
	}
	sync := ev.Bit(s.cfg.SyncBit)
	if s.state == stateUninitialized {
		s.prevSync = sync
		s.state = stateIdle
		return nil
	}

	var out []Frame
	switch s.state {
	case stateIdle:
		if sync && !s.prevSync {
			// Rising edge. The triggering sample already carries each
			// channel's first bit.
			for i, ch := range s.cfg.Channels {
				s.accs[i].reset()
				s.accs[i].push(ev.Bit(ch.Bit))
			}
			s.frameStart = ev.Start
			s.state = stateCollecting
		}
	case stateCollecting:
		for i, ch := range s.cfg.Channels {
			s.accs[i].push(ev.Bit(ch.Bit))
		}
		// All accumulators fill in lock-step; checking the first suffices.
		if s.accs[0].n == FrameBits {
			out = s.finish(ev.End)
		}
	}

	// Updated unconditionally so edge detection stays correct across frame
	// boundaries.
	s.prevSync = sync
	return out
}

// finish decodes every channel's accumulated word and resets to idle. The
// frame window is split into equal contiguous per-channel slots so records
// never share an instant; the last slot absorbs the division remainder and
// ends exactly at the frame end.
func (s *Synchronizer) finish(frameEnd int64) []Frame {
	n := len(s.cfg.Channels)
	slot := (frameEnd - s.frameStart) / int64(n)
	out := make([]Frame, 0, n)
	for i, ch := range s.cfg.Channels {
		start := s.frameStart + int64(i)*slot
		end := start + slot
		if i == n-1 {
			end = frameEnd
		}
		if f, ok := DecodeWord(s.accs[i].word(), ch.ID, start, end); ok {
			out = append(out, f)
		}
		s.accs[i].reset()
	}
	s.state = stateIdle
	return out
}
