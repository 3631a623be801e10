package rules

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"example.com/xy2gate/internal/capture"
	"example.com/xy2gate/internal/common"
	"example.com/xy2gate/internal/xy2"
)

type Severity string

const (
	ERROR Severity = "ERROR"
	WARN  Severity = "WARN"
	INFO  Severity = "INFO"
)

type Rule struct {
	RuleId    string         `json:"ruleId"`
	Name      string         `json:"name,omitempty"`
	Scope     string         `json:"scope"` // channel|session
	Severity  Severity       `json:"severity"`
	CheckFunc string         `json:"checkFunction,omitempty"`
	Refs      []string       `json:"refs"`
	Params    map[string]any `json:"params,omitempty"`
	Message   string         `json:"message"`
}

type RulePack struct {
	RulePackId string `json:"rulePackId"`
	Version    string `json:"version"`
	Rules      []Rule `json:"rules"`
}

type Diagnostic struct {
	Ts             time.Time `json:"ts"`
	Capture        string    `json:"capture"`
	Channel        string    `json:"channel,omitempty"`
	FrameIndex     int       `json:"frameIndex,omitempty"`
	RuleId         string    `json:"ruleId"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	Refs           []string  `json:"refs"`
	TimestampTicks *int64    `json:"timestamp_ticks"`
}

// GateResult is one row of the acceptance gate matrix.
type GateResult struct {
	RuleId   string   `json:"ruleId"`
	Name     string   `json:"name,omitempty"`
	Severity Severity `json:"severity"`
	Pass     bool     `json:"pass"`
	Findings int      `json:"findings"`
}

type AcceptanceReport struct {
	Summary struct {
		Total    int  `json:"total"`
		Errors   int  `json:"errors"`
		Warnings int  `json:"warnings"`
		Pass     bool `json:"pass"`
	} `json:"summary"`
	GateMatrix []GateResult `json:"gateMatrix"`
	Findings   []Diagnostic `json:"findings,omitempty"`
}

// Context carries the capture under evaluation and its decode result. The
// session is decoded lazily so a pre-decoded session can be injected.
type Context struct {
	CapturePath string
	MappingPath string
	Config      xy2.Config
	Session     *capture.Session
	Metrics     *common.Metrics
}

// EnsureSession decodes the capture if no session is attached yet. The line
// mapping comes from MappingPath when set, otherwise the default wiring.
func (ctx *Context) EnsureSession() error {
	if ctx == nil {
		return errors.New("nil context")
	}
	if ctx.Session != nil {
		return nil
	}
	if ctx.CapturePath == "" {
		return errors.New("no capture configured")
	}
	if len(ctx.Config.Channels) == 0 {
		if ctx.MappingPath != "" {
			cfg, err := capture.LoadMapping(ctx.MappingPath)
			if err != nil {
				return err
			}
			ctx.Config = cfg
		} else {
			ctx.Config = xy2.DefaultConfig()
		}
	}
	sess, err := capture.Decode(ctx.CapturePath, ctx.Config, ctx.Metrics)
	if err != nil {
		return err
	}
	ctx.Session = sess
	return nil
}

// CheckFunc evaluates one rule against the context. A check may report
// several findings, typically one per channel.
type CheckFunc func(ctx *Context, rule Rule) ([]Diagnostic, error)

type Engine struct {
	rulePack               RulePack
	registry               map[string]CheckFunc
	diagnostics            []Diagnostic
	includeTimestampFields bool
}

func NewEngine(rp RulePack) *Engine {
	return &Engine{
		rulePack:               rp,
		registry:               make(map[string]CheckFunc),
		includeTimestampFields: true,
	}
}

func (e *Engine) Register(name string, f CheckFunc) {
	e.registry[name] = f
}

func (e *Engine) Eval(ctx *Context) ([]Diagnostic, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	if err := ctx.EnsureSession(); err != nil {
		return nil, err
	}
	var diags []Diagnostic
	for _, r := range e.rulePack.Rules {
		if r.CheckFunc == "" {
			continue
		}
		fn, ok := e.registry[r.CheckFunc]
		if !ok {
			diags = append(diags, Diagnostic{
				Ts: time.Now(), Capture: ctx.CapturePath, RuleId: r.RuleId, Severity: WARN,
				Message: "no function for rule", Refs: r.Refs,
			})
			continue
		}
		found, err := fn(ctx, r)
		if err != nil {
			diags = append(diags, Diagnostic{
				Ts: time.Now(), Capture: ctx.CapturePath, RuleId: r.RuleId, Severity: ERROR,
				Message: "check failed (" + err.Error() + ")", Refs: r.Refs,
			})
			continue
		}
		diags = append(diags, found...)
	}
	e.diagnostics = diags
	return diags, nil
}

func (e *Engine) WriteDiagnosticsNDJSON(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()
	for _, d := range e.diagnostics {
		var b []byte
		if e.includeTimestampFields {
			b, _ = json.Marshal(d)
		} else {
			b, _ = json.Marshal(d.toNoTimestamp())
		}
		w.Write(b)
		w.WriteString("\n")
	}
	return nil
}

type diagnosticNoTimestamp struct {
	Ts         time.Time `json:"ts"`
	Capture    string    `json:"capture"`
	Channel    string    `json:"channel,omitempty"`
	FrameIndex int       `json:"frameIndex,omitempty"`
	RuleId     string    `json:"ruleId"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Refs       []string  `json:"refs"`
}

func (d Diagnostic) toNoTimestamp() diagnosticNoTimestamp {
	return diagnosticNoTimestamp{
		Ts:         d.Ts,
		Capture:    d.Capture,
		Channel:    d.Channel,
		FrameIndex: d.FrameIndex,
		RuleId:     d.RuleId,
		Severity:   d.Severity,
		Message:    d.Message,
		Refs:       d.Refs,
	}
}

func (e *Engine) SetConfigValue(key string, value any) {
	if e == nil {
		return
	}
	switch key {
	case "diag.include_timestamps":
		switch v := value.(type) {
		case bool:
			e.includeTimestampFields = v
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				e.includeTimestampFields = b
			}
		default:
			if s, ok := value.(fmt.Stringer); ok {
				if b, err := strconv.ParseBool(s.String()); err == nil {
					e.includeTimestampFields = b
				}
			}
		}
	}
}

func (e *Engine) MakeAcceptance() AcceptanceReport {
	var rep AcceptanceReport
	var errs, warns int
	// Rows are keyed by rule index, not id, so a pack carrying a duplicate
	// id still gets one distinct row per rule.
	rep.GateMatrix = make([]GateResult, len(e.rulePack.Rules))
	rowsByID := make(map[string][]*GateResult, len(e.rulePack.Rules))
	for i, r := range e.rulePack.Rules {
		rep.GateMatrix[i] = GateResult{RuleId: r.RuleId, Name: r.Name, Severity: r.Severity, Pass: true}
		rowsByID[r.RuleId] = append(rowsByID[r.RuleId], &rep.GateMatrix[i])
	}
	for _, d := range e.diagnostics {
		switch d.Severity {
		case ERROR:
			errs++
		case WARN:
			warns++
		case INFO:
			continue
		}
		for _, row := range rowsByID[d.RuleId] {
			row.Findings++
			if d.Severity == ERROR {
				row.Pass = false
			}
		}
	}
	rep.Summary.Total = len(e.diagnostics)
	rep.Summary.Errors = errs
	rep.Summary.Warnings = warns
	rep.Summary.Pass = errs == 0
	rep.Findings = e.diagnostics
	return rep
}

func LoadRulePack(path string) (RulePack, error) {
	var rp RulePack
	b, err := os.ReadFile(path)
	if err != nil {
		return rp, err
	}
	if err := json.Unmarshal(b, &rp); err != nil {
		return rp, err
	}
	seen := make(map[string]struct{}, len(rp.Rules))
	for _, r := range rp.Rules {
		if _, dup := seen[r.RuleId]; dup {
			return rp, fmt.Errorf("duplicate rule id %s", r.RuleId)
		}
		seen[r.RuleId] = struct{}{}
	}
	return rp, nil
}
