package capture

import (
	"errors"
	"io"
	"os"

	"example.com/xy2gate/internal/common"
	"example.com/xy2gate/internal/xy2"
)

// Session is the result of decoding one capture end to end.
type Session struct {
	Capture string      `json:"capture,omitempty"`
	Meta    Meta        `json:"meta,omitempty"`
	Samples int64       `json:"samples"`
	Frames  []xy2.Frame `json:"frames"`
}

// ChannelSummary aggregates one channel's decode outcome.
type ChannelSummary struct {
	Channel        xy2.Channel `json:"channel"`
	Frames         int         `json:"frames"`
	Valid16        int         `json:"valid16"`
	Valid18        int         `json:"valid18"`
	Invalid        int         `json:"invalid"`
	ParityFailures int         `json:"parityFailures"`
	MinPosition    uint32      `json:"minPosition"`
	MaxPosition    uint32      `json:"maxPosition"`
}

// Summaries tallies the session per configured channel, in channel order.
func (s *Session) Summaries(cfg xy2.Config) []ChannelSummary {
	out := make([]ChannelSummary, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		sum := ChannelSummary{Channel: ch.ID}
		first := true
		for _, f := range s.Frames {
			if f.Channel != ch.ID {
				continue
			}
			sum.Frames++
			switch f.Kind {
			case xy2.Frame16:
				sum.Valid16++
			case xy2.Frame18:
				sum.Valid18++
			default:
				sum.Invalid++
				continue
			}
			if !f.ParityOK {
				sum.ParityFailures++
			}
			if first || f.Position < sum.MinPosition {
				sum.MinPosition = f.Position
			}
			if first || f.Position > sum.MaxPosition {
				sum.MaxPosition = f.Position
			}
			first = false
		}
		out = append(out, sum)
	}
	return out
}

// ChannelFrames returns the session's frames for one channel, in order.
func (s *Session) ChannelFrames(ch xy2.Channel) []xy2.Frame {
	var out []xy2.Frame
	for _, f := range s.Frames {
		if f.Channel == ch {
			out = append(out, f)
		}
	}
	return out
}

// Decode runs the full capture at path through a fresh synchronizer.
// metrics may be nil.
func Decode(path string, cfg xy2.Config, metrics *common.Metrics) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if metrics != nil {
		if info, err := f.Stat(); err == nil {
			metrics.SetTotalBytes(info.Size())
		}
	}
	sess, err := DecodeReader(f, cfg, metrics)
	if err != nil {
		return nil, err
	}
	sess.Capture = path
	return sess, nil
}

// DecodeReader decodes a capture document from r.
func DecodeReader(r io.Reader, cfg xy2.Config, metrics *common.Metrics) (*Session, error) {
	sync, err := xy2.NewSynchronizer(cfg)
	if err != nil {
		return nil, err
	}
	rd := NewReader(r)
	rd.SetMetrics(metrics)
	sess := &Session{}
	for {
		ev, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		sess.Samples++
		frames := sync.Feed(ev)
		if len(frames) > 0 {
			if metrics != nil {
				metrics.AddFrames(len(frames))
			}
			sess.Frames = append(sess.Frames, frames...)
		}
	}
	sess.Meta = rd.Meta()
	return sess, nil
}
