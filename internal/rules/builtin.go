package rules

import (
	"fmt"
	"strconv"
	"time"

	"example.com/xy2gate/internal/xy2"
)

func (e *Engine) RegisterBuiltins() {
	e.Register("CheckFrameCount", CheckFrameCount)
	e.Register("CheckParityRate", CheckParityRate)
	e.Register("CheckInvalidHeaders", CheckInvalidHeaders)
	e.Register("CheckChannelActivity", CheckChannelActivity)
	e.Register("CheckPositionSlew", CheckPositionSlew)
	e.Register("CheckSyncCadence", CheckSyncCadence)
}

// DefaultRulePack is the built-in gate used when no rule pack file is given.
func DefaultRulePack() RulePack {
	return RulePack{
		RulePackId: "xy2-default",
		Version:    "1",
		Rules: []Rule{
			{RuleId: "XY2-SES-001", Name: "Frames decoded", Scope: "session", Severity: ERROR,
				CheckFunc: "CheckFrameCount", Refs: []string{"XY2-100 frame format"},
				Params: map[string]any{"minFrames": 1}},
			{RuleId: "XY2-CH-010", Name: "Parity clean", Scope: "channel", Severity: ERROR,
				CheckFunc: "CheckParityRate", Refs: []string{"XY2-100 parity"},
				Params: map[string]any{"maxFailureRate": 0.0}},
			{RuleId: "XY2-CH-011", Name: "Headers recognized", Scope: "channel", Severity: ERROR,
				CheckFunc: "CheckInvalidHeaders", Refs: []string{"XY2-100 frame format"},
				Params: map[string]any{"maxInvalid": 0}},
			{RuleId: "XY2-CH-012", Name: "Channels active", Scope: "channel", Severity: WARN,
				CheckFunc: "CheckChannelActivity", Refs: []string{"XY2-100 wiring"}},
			{RuleId: "XY2-CH-013", Name: "Position slew bounded", Scope: "channel", Severity: WARN,
				CheckFunc: "CheckPositionSlew", Refs: []string{"scanner dynamics"},
				Params: map[string]any{"maxStep": 0}},
			{RuleId: "XY2-SES-002", Name: "SYNC cadence stable", Scope: "session", Severity: WARN,
				CheckFunc: "CheckSyncCadence", Refs: []string{"XY2-100 timing"},
				Params: map[string]any{"maxJitterPct": 25.0}},
		},
	}
}

func baseDiag(ctx *Context, rule Rule, sev Severity, msg string) Diagnostic {
	return Diagnostic{
		Ts:       time.Now(),
		Capture:  ctx.CapturePath,
		RuleId:   rule.RuleId,
		Severity: sev,
		Message:  msg,
		Refs:     rule.Refs,
	}
}

func int64Ptr(v int64) *int64 { return &v }

func floatParam(rule Rule, key string, def float64) float64 {
	v, ok := rule.Params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return def
}

func intParam(rule Rule, key string, def int) int {
	return int(floatParam(rule, key, float64(def)))
}

// CheckFrameCount verifies the capture decoded to a minimum number of frames.
func CheckFrameCount(ctx *Context, rule Rule) ([]Diagnostic, error) {
	if err := ctx.EnsureSession(); err != nil {
		return nil, err
	}
	min := intParam(rule, "minFrames", 1)
	n := len(ctx.Session.Frames)
	if n < min {
		return []Diagnostic{baseDiag(ctx, rule, rule.Severity,
			fmt.Sprintf("decoded %d frames, need at least %d", n, min))}, nil
	}
	return []Diagnostic{baseDiag(ctx, rule, INFO,
		fmt.Sprintf("decoded %d frames from %d samples", n, ctx.Session.Samples))}, nil
}

// CheckParityRate flags channels whose parity failure rate exceeds the
// configured threshold (default: any failure).
func CheckParityRate(ctx *Context, rule Rule) ([]Diagnostic, error) {
	if err := ctx.EnsureSession(); err != nil {
		return nil, err
	}
	maxRate := floatParam(rule, "maxFailureRate", 0)
	var out []Diagnostic
	for _, sum := range ctx.Session.Summaries(ctx.Config) {
		valid := sum.Valid16 + sum.Valid18
		if valid == 0 || sum.ParityFailures == 0 {
			continue
		}
		rate := float64(sum.ParityFailures) / float64(valid)
		if rate <= maxRate {
			continue
		}
		d := baseDiag(ctx, rule, rule.Severity,
			fmt.Sprintf("channel %s: %d of %d frames failed parity (rate %.3f)",
				sum.Channel, sum.ParityFailures, valid, rate))
		d.Channel = string(sum.Channel)
		for i, f := range ctx.Session.Frames {
			if f.Channel == sum.Channel && f.Kind != xy2.FrameInvalid && !f.ParityOK {
				d.FrameIndex = i
				d.TimestampTicks = int64Ptr(f.Start)
				break
			}
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		out = append(out, baseDiag(ctx, rule, INFO, "parity clean on all channels"))
	}
	return out, nil
}

// CheckInvalidHeaders flags channels that produced frames with unrecognized
// header bits.
func CheckInvalidHeaders(ctx *Context, rule Rule) ([]Diagnostic, error) {
	if err := ctx.EnsureSession(); err != nil {
		return nil, err
	}
	maxInvalid := intParam(rule, "maxInvalid", 0)
	var out []Diagnostic
	for _, sum := range ctx.Session.Summaries(ctx.Config) {
		if sum.Invalid <= maxInvalid {
			continue
		}
		d := baseDiag(ctx, rule, rule.Severity,
			fmt.Sprintf("channel %s: %d frames with invalid header bits", sum.Channel, sum.Invalid))
		d.Channel = string(sum.Channel)
		for i, f := range ctx.Session.Frames {
			if f.Channel == sum.Channel && f.Kind == xy2.FrameInvalid {
				d.FrameIndex = i
				d.TimestampTicks = int64Ptr(f.Start)
				break
			}
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		out = append(out, baseDiag(ctx, rule, INFO, "all frame headers recognized"))
	}
	return out, nil
}

// CheckChannelActivity reports configured channels that never produced a
// frame. A silent channel usually means an unconnected or idle line.
func CheckChannelActivity(ctx *Context, rule Rule) ([]Diagnostic, error) {
	if err := ctx.EnsureSession(); err != nil {
		return nil, err
	}
	var out []Diagnostic
	for _, sum := range ctx.Session.Summaries(ctx.Config) {
		if sum.Frames > 0 {
			continue
		}
		d := baseDiag(ctx, rule, rule.Severity,
			fmt.Sprintf("channel %s produced no frames; line may be unconnected or idle", sum.Channel))
		d.Channel = string(sum.Channel)
		out = append(out, d)
	}
	if len(out) == 0 {
		out = append(out, baseDiag(ctx, rule, INFO, "all configured channels active"))
	}
	return out, nil
}

// CheckPositionSlew flags position jumps between consecutive frames of the
// same wire format that exceed maxStep. A zero maxStep disables the check.
func CheckPositionSlew(ctx *Context, rule Rule) ([]Diagnostic, error) {
	if err := ctx.EnsureSession(); err != nil {
		return nil, err
	}
	maxStep := intParam(rule, "maxStep", 0)
	if maxStep <= 0 {
		return []Diagnostic{baseDiag(ctx, rule, INFO, "no slew limit configured")}, nil
	}
	var out []Diagnostic
	for _, chCfg := range ctx.Config.Channels {
		frames := ctx.Session.ChannelFrames(chCfg.ID)
		violations := 0
		var first *xy2.Frame
		var prev *xy2.Frame
		for i := range frames {
			f := &frames[i]
			if f.Kind == xy2.FrameInvalid {
				continue
			}
			if prev != nil && prev.Kind == f.Kind {
				delta := int64(f.Position) - int64(prev.Position)
				if delta < 0 {
					delta = -delta
				}
				if delta > int64(maxStep) {
					violations++
					if first == nil {
						first = f
					}
				}
			}
			prev = f
		}
		if violations == 0 {
			continue
		}
		d := baseDiag(ctx, rule, rule.Severity,
			fmt.Sprintf("channel %s: %d position steps above %d", chCfg.ID, violations, maxStep))
		d.Channel = string(chCfg.ID)
		d.TimestampTicks = int64Ptr(first.Start)
		out = append(out, d)
	}
	if len(out) == 0 {
		out = append(out, baseDiag(ctx, rule, INFO,
			fmt.Sprintf("position slew within %d on all channels", maxStep)))
	}
	return out, nil
}

// CheckSyncCadence measures the spread of SYNC-to-SYNC frame periods on the
// first configured channel.
func CheckSyncCadence(ctx *Context, rule Rule) ([]Diagnostic, error) {
	if err := ctx.EnsureSession(); err != nil {
		return nil, err
	}
	maxJitter := floatParam(rule, "maxJitterPct", 10)
	if len(ctx.Config.Channels) == 0 {
		return nil, fmt.Errorf("no channels configured")
	}
	frames := ctx.Session.ChannelFrames(ctx.Config.Channels[0].ID)
	if len(frames) < 3 {
		return []Diagnostic{baseDiag(ctx, rule, INFO,
			fmt.Sprintf("only %d frames on %s; cadence not evaluated", len(frames), ctx.Config.Channels[0].ID))}, nil
	}
	var minD, maxD, sum int64
	for i := 1; i < len(frames); i++ {
		d := frames[i].Start - frames[i-1].Start
		if i == 1 || d < minD {
			minD = d
		}
		if i == 1 || d > maxD {
			maxD = d
		}
		sum += d
	}
	avg := float64(sum) / float64(len(frames)-1)
	if avg <= 0 {
		return []Diagnostic{baseDiag(ctx, rule, rule.Severity, "frame periods collapsed to zero")}, nil
	}
	jitter := float64(maxD-minD) / avg * 100
	if jitter > maxJitter {
		return []Diagnostic{baseDiag(ctx, rule, rule.Severity,
			fmt.Sprintf("frame period jitter %.1f%% exceeds %.1f%% (min %d, max %d ticks)",
				jitter, maxJitter, minD, maxD))}, nil
	}
	return []Diagnostic{baseDiag(ctx, rule, INFO,
		fmt.Sprintf("frame period jitter %.1f%% within %.1f%%", jitter, maxJitter))}, nil
}
