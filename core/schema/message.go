package schema

import (
	"strings"

	"github.com/artpar/apifactory/core/failure"
	"github.com/artpar/apifactory/core/spec"
)

// Message is a compiled channel message.
type Message struct {
	ID        string
	Schema    map[string]any
	validator Validator
}

// MessageSet holds the candidate messages of one channel operation.
type MessageSet []Message

// CompileMessages compiles every candidate message of an operation.
func CompileMessages(c Compiler, operationID string, msgs []spec.NamedMessage) (MessageSet, error) {
	out := make(MessageSet, 0, len(msgs))
	for _, m := range msgs {
		v, err := c.Compile(m.Payload)
		if err != nil {
			return nil, wrapOp(operationID, "message "+m.ID, err)
		}
		out = append(out, Message{ID: m.ID, Schema: m.Payload, validator: v})
	}
	return out, nil
}

// NewMessage builds a message around an existing validator.
func NewMessage(id string, v Validator) Message {
	return Message{ID: id, validator: v}
}

// Match returns the single message whose schema accepts v. Zero or several
// matches are an ErrValidation; ambiguity is never resolved by order.
func (s MessageSet) Match(v any) (Message, error) {
	var (
		found   Message
		matched []string
	)
	for _, m := range s {
		if m.validator.Validate(v) == nil {
			found = m
			matched = append(matched, m.ID)
		}
	}
	switch len(matched) {
	case 1:
		return found, nil
	case 0:
		return Message{}, failure.Validation("no message valid")
	default:
		return Message{}, failure.Validation("more than one message valid: %s", strings.Join(matched, ", "))
	}
}
