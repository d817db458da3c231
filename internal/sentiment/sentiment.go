// Package sentiment is the complaint sentiment agent: it turns a window of
// complaints for one country into a severity assessment by asking a chat
// model through the agent runtime.
package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/agent"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/registry"
)

const (
	// ModelName is the model resource the agent asks for analysis.
	ModelName = "sentimentAnalysisModel"

	// UnknownSeverity is reported when the model omits a severity.
	UnknownSeverity = "Unknown"

	inputVar = "input"
)

// Input is the InputEvent payload: the complaints of one country window.
type Input struct {
	Country     string   `json:"country"`
	WindowStart int64    `json:"windowStart"`
	WindowEnd   int64    `json:"windowEnd"`
	Complaints  []string `json:"complaints"`
}

// Result is the agent's output for one window.
type Result struct {
	Country     string   `json:"country"`
	WindowStart int64    `json:"windowStart"`
	WindowEnd   int64    `json:"windowEnd"`
	Severity    string   `json:"severity"`
	Themes      []string `json:"themes"`
	Summary     string   `json:"summary"`
}

// Analysis is the model's assessment before the window is attached.
type Analysis struct {
	Severity string
	Themes   []string
	Summary  string
}

// Scratch holds the window between the input and the model response.
type Scratch struct {
	Country     string
	WindowStart int64
	WindowEnd   int64
	set         bool
}

// Runtime is the agent runtime specialized to the sentiment scratch.
type Runtime = agent.Runtime[Scratch]

// ParseInput decodes an InputEvent payload. Unknown fields are ignored.
func ParseInput(payload []byte) (Input, error) {
	var in Input
	if err := json.Unmarshal(payload, &in); err != nil {
		return Input{}, fmt.Errorf("decoding input: %w", err)
	}
	if in.Complaints == nil {
		return Input{}, errors.New("decoding input: complaints is required")
	}
	if len(in.Complaints) == 0 {
		return Input{}, errors.New("decoding input: complaints is empty")
	}
	return in, nil
}

// NumberComplaints renders complaints as a 1-based numbered list in input
// order, one per line.
func NumberComplaints(complaints []string) string {
	var sb strings.Builder
	for i, c := range complaints {
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString(". ")
		sb.WriteString(c)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ParseResponse reads the model reply. Every field is optional: severity
// defaults to "Unknown", themes to empty and summary to the raw reply.
// Content that is not a JSON object is an error.
func ParseResponse(content string) (Analysis, error) {
	body := stripFence(content)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return Analysis{}, fmt.Errorf("decoding model response: %w", err)
	}
	if fields == nil {
		return Analysis{}, errors.New("decoding model response: not an object")
	}

	a := Analysis{Severity: UnknownSeverity, Themes: []string{}, Summary: content}
	if v, ok := fields["severity"]; ok && !isNull(v) {
		a.Severity = text(v)
	}
	if v, ok := fields["summary"]; ok && !isNull(v) {
		a.Summary = text(v)
	}
	if v, ok := fields["themes"]; ok {
		var items []json.RawMessage
		if json.Unmarshal(v, &items) == nil {
			for _, item := range items {
				a.Themes = append(a.Themes, text(item))
			}
		}
	}
	return a, nil
}

// stripFence removes a surrounding markdown code fence some models add.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") || !strings.HasSuffix(t, "```") || len(t) < 6 {
		return s
	}
	t = strings.TrimSuffix(strings.TrimPrefix(t, "```"), "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 && !strings.ContainsAny(t[:nl], "{[") {
		t = t[nl+1:]
	}
	return t
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// text returns a JSON string's value, or the raw JSON of any other value.
func text(v json.RawMessage) string {
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s
	}
	return string(bytes.TrimSpace(v))
}

// Agent wires the sentiment actions into a runtime.
type Agent struct {
	prompt registry.Template
	model  string
}

// NewAgent resolves the sentiment model resource and its prompt.
func NewAgent(reg *registry.Registry) (*Agent, error) {
	res, err := reg.Resolve(ModelName)
	if err != nil {
		return nil, err
	}
	if len(res.Prompt.Messages) == 0 {
		return nil, fmt.Errorf("model %s has no prompt", ModelName)
	}
	return &Agent{prompt: res.Prompt, model: ModelName}, nil
}

// Register adds the input and chat response actions to rt.
func (a *Agent) Register(rt *Runtime) error {
	if err := rt.Register(agent.EventInput, a.processInput); err != nil {
		return err
	}
	return rt.Register(agent.EventChatResponse, a.processChatResponse)
}

func (a *Agent) processInput(ctx context.Context, ec *agent.ExecutionContext[Scratch], ev agent.Event) error {
	in, err := ParseInput(ev.(agent.InputEvent).Payload)
	if err != nil {
		return agent.Validation(err)
	}
	ec.Scratch = Scratch{Country: in.Country, WindowStart: in.WindowStart, WindowEnd: in.WindowEnd, set: true}

	msgs, err := registry.Render(ctx, a.prompt, map[string]any{inputVar: NumberComplaints(in.Complaints)})
	if err != nil {
		return err
	}
	ec.Emit(agent.ChatRequestEvent{Model: a.model, Messages: msgs})
	return nil
}

func (a *Agent) processChatResponse(_ context.Context, ec *agent.ExecutionContext[Scratch], ev agent.Event) error {
	analysis, err := ParseResponse(ev.(agent.ChatResponseEvent).Content())
	if err != nil {
		return agent.Validation(err)
	}
	if !ec.Scratch.set {
		return fmt.Errorf("%w: window missing from scratch", agent.ErrInvariant)
	}
	ec.Emit(agent.OutputEvent{Result: Result{
		Country:     ec.Scratch.Country,
		WindowStart: ec.Scratch.WindowStart,
		WindowEnd:   ec.Scratch.WindowEnd,
		Severity:    analysis.Severity,
		Themes:      analysis.Themes,
		Summary:     analysis.Summary,
	}})
	return nil
}

// Analyze invokes rt with in and returns the typed result.
func Analyze(ctx context.Context, rt *Runtime, in Input) (Result, agent.Outcome, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return Result{}, agent.Outcome{}, fmt.Errorf("encoding input: %w", err)
	}
	out, err := rt.Invoke(ctx, payload)
	if err != nil {
		return Result{}, out, err
	}
	res, ok := out.Output.(Result)
	if !ok {
		return Result{}, out, fmt.Errorf("%w: unexpected output %T", agent.ErrInvariant, out.Output)
	}
	return res, out, nil
}
