package agent

import "fmt"

// State is the lifecycle position of an execution context.
type State int

const (
	StateCreated State = iota
	StateAwaitingModelResponse
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingModelResponse:
		return "awaiting_model_response"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further events are accepted.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// acceptedIn lists the states in which each built-in event may be handled.
// Event types not listed are accepted in any non-terminal state.
var acceptedIn = map[EventType]map[State]struct{}{
	EventInput:        {StateCreated: {}},
	EventChatRequest:  {StateCreated: {}},
	EventChatResponse: {StateAwaitingModelResponse: {}},
	EventOutput:       {StateCreated: {}, StateAwaitingModelResponse: {}},
}

func accepts(s State, t EventType) bool {
	if s.Terminal() {
		return false
	}
	allowed, ok := acceptedIn[t]
	if !ok {
		return true
	}
	_, ok = allowed[s]
	return ok
}
