package agent

import (
	"encoding/json"

	"github.com/cloudwego/eino/schema"
)

// EventType names an event kind. Actions are registered per type.
type EventType string

const (
	EventInput        EventType = "input"
	EventChatRequest  EventType = "chat_request"
	EventChatResponse EventType = "chat_response"
	EventOutput       EventType = "output"
)

// Event is a message delivered to an execution context's mailbox.
type Event interface {
	Type() EventType
}

// InputEvent starts an execution. Payload is the invoker's raw JSON.
type InputEvent struct {
	Payload json.RawMessage
}

func (InputEvent) Type() EventType { return EventInput }

// ChatRequestEvent asks the runtime to call the named model resource.
type ChatRequestEvent struct {
	Model    string
	Messages []*schema.Message
}

func (ChatRequestEvent) Type() EventType { return EventChatRequest }

// ChatResponseEvent carries the model's reply back to the execution.
type ChatResponseEvent struct {
	Model   string
	Message *schema.Message
}

func (ChatResponseEvent) Type() EventType { return EventChatResponse }

// Content returns the reply text, or "" when there is no reply.
func (e ChatResponseEvent) Content() string {
	if e.Message == nil {
		return ""
	}
	return e.Message.Content
}

// OutputEvent carries the final result of an execution.
type OutputEvent struct {
	Result any
}

func (OutputEvent) Type() EventType { return EventOutput }
