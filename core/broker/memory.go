package broker

import (
	"context"

	"github.com/rs/zerolog"
)

// Memory is an in-process publish/subscribe broker. Messages published
// before Listen, or to topics without subscribers, are dropped. Delivery is
// synchronous: Publish returns after every handler has run.
type Memory struct {
	*topics
	logger zerolog.Logger
}

var _ Broker = (*Memory)(nil)

// NewMemory creates an in-process broker.
func NewMemory(logger zerolog.Logger) *Memory {
	return &Memory{topics: newTopics(), logger: logger}
}

func (m *Memory) Protocol() string { return ProtocolMemory }

func (m *Memory) Connect(ctx context.Context) error {
	if _, err := m.beginConnect(); err != nil {
		return err
	}
	m.markConnected()
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	return m.add(topic, handler)
}

func (m *Memory) Listen(ctx context.Context) error {
	_, err := m.beginListen()
	return err
}

func (m *Memory) Publish(ctx context.Context, topic, message string) error {
	if err := m.checkPublish(); err != nil {
		return err
	}
	if !m.isListening() {
		m.logger.Debug().Str("topic", topic).Msg("dropping message published before listen")
		return nil
	}
	m.dispatch(ctx, topic, message)
	return nil
}

func (m *Memory) Close(ctx context.Context) error {
	m.beginClose()
	return nil
}
