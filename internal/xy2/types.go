package xy2

import (
	"errors"
	"fmt"
)

// Channel identifies one scanner axis carried on its own serial data line.
type Channel string

const (
	ChannelX Channel = "X"
	ChannelY Channel = "Y"
	ChannelZ Channel = "Z"
)

// EventKind distinguishes data samples from other capture events. Anything
// that is not EventData leaves the synchronizer untouched.
type EventKind uint8

const (
	EventData EventKind = iota
	EventMarker
)

// SampleEvent is one simultaneous observation of every configured line.
// Start and End are opaque ticks; the capture source chooses the unit.
type SampleEvent struct {
	Kind  EventKind
	Start int64
	End   int64
	Lines uint32
}

// Bit reports the sampled state of line n.
func (e SampleEvent) Bit(n uint) bool {
	return e.Lines>>n&1 == 1
}

// ChannelConfig binds a logical channel to the line bit carrying its data.
type ChannelConfig struct {
	ID  Channel
	Bit uint
}

// Config enumerates the active channels, in transmit order, and the line bit
// carrying the shared SYNC signal.
type Config struct {
	Channels []ChannelConfig
	SyncBit  uint
}

const maxChannels = 3

var (
	ErrNoChannels      = errors.New("no channels configured")
	ErrTooManyChannels = fmt.Errorf("more than %d channels configured", maxChannels)
)

// Validate checks channel count and bit assignments. Every data bit and the
// SYNC bit must be distinct.
func (c Config) Validate() error {
	if len(c.Channels) == 0 {
		return ErrNoChannels
	}
	if len(c.Channels) > maxChannels {
		return fmt.Errorf("%w (%d)", ErrTooManyChannels, len(c.Channels))
	}
	usedBits := map[uint]bool{c.SyncBit: true}
	usedIDs := map[Channel]bool{}
	for _, ch := range c.Channels {
		if ch.ID == "" {
			return errors.New("channel with empty id")
		}
		if usedIDs[ch.ID] {
			return fmt.Errorf("channel %s configured twice", ch.ID)
		}
		if usedBits[ch.Bit] {
			return fmt.Errorf("channel %s: line bit %d already assigned", ch.ID, ch.Bit)
		}
		usedIDs[ch.ID] = true
		usedBits[ch.Bit] = true
	}
	return nil
}

// DefaultConfig returns the conventional wiring: D0=X, D1=Y, D2=Z, D3=SYNC.
func DefaultConfig() Config {
	return Config{
		Channels: []ChannelConfig{
			{ID: ChannelX, Bit: 0},
			{ID: ChannelY, Bit: 1},
			{ID: ChannelZ, Bit: 2},
		},
		SyncBit: 3,
	}
}

// FrameKind tags the wire format a decoded frame was classified as.
type FrameKind uint8

const (
	Frame16 FrameKind = iota
	Frame18
	FrameInvalid
)

func (k FrameKind) String() string {
	switch k {
	case Frame16:
		return "16-bit"
	case Frame18:
		return "18-bit"
	default:
		return "invalid"
	}
}

// MarshalText renders the kind as its display label, so JSON exports carry
// "16-bit" instead of an enum ordinal.
func (k FrameKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *FrameKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "16-bit":
		*k = Frame16
	case "18-bit":
		*k = Frame18
	case "invalid":
		*k = FrameInvalid
	default:
		return fmt.Errorf("unknown frame kind %q", text)
	}
	return nil
}

// Frame is one decoded 20-bit word for one channel.
//
// For Frame16 Header holds the three header bits (always 0b001) and Position
// the 16-bit value. For Frame18 Header is the single mode bit (always 1) and
// Position the 18-bit value. For FrameInvalid Header carries the raw bits
// 19..17 that matched neither pattern; Position and ParityOK are meaningless.
type Frame struct {
	Kind     FrameKind `json:"kind"`
	Channel  Channel   `json:"channel"`
	Header   uint8     `json:"header"`
	Position uint32    `json:"position"`
	ParityOK bool      `json:"parityOk"`
	Start    int64     `json:"start"`
	End      int64     `json:"end"`
}

// String renders the frame the way the capture UI presented it.
func (f Frame) String() string {
	switch f.Kind {
	case Frame16:
		return fmt.Sprintf("%s | Header: 0b%03b | Pos: 0x%04X (16-bit) | Parity: %s",
			f.Channel, f.Header, f.Position, parityLabel(f.ParityOK))
	case Frame18:
		return fmt.Sprintf("%s | Header: 0b%01b | Pos: 0x%05X (18-bit) | Parity: %s",
			f.Channel, f.Header, f.Position, parityLabel(f.ParityOK))
	default:
		return fmt.Sprintf("invalid frame header for %s: 0b%03b", f.Channel, f.Header)
	}
}

func parityLabel(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAIL"
}
