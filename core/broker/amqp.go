package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/artpar/apifactory/core/failure"
)

// AMQPVersion is the only supported AMQP protocol version.
const AMQPVersion = "0.9.1"

// AMQP is an acknowledged channel broker. Publishing goes to the exchange
// named after the topic with an empty routing key; consuming reads the queue
// named after the topic. A delivery is acknowledged after its handlers
// return.
type AMQP struct {
	*topics
	url    string
	logger zerolog.Logger

	conn   *amqp.Connection
	pub    *amqp.Channel
	sub    *amqp.Channel
	pubMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Broker = (*AMQP)(nil)

func newAMQP(o Options) (*AMQP, error) {
	if o.ProtocolVersion != "" && strings.ReplaceAll(o.ProtocolVersion, "-", ".") != AMQPVersion {
		return nil, failure.Configuration("unsupported server protocol version: %s", o.ProtocolVersion)
	}
	return &AMQP{topics: newTopics(), url: o.URL, logger: o.Logger}, nil
}

func (a *AMQP) Protocol() string { return ProtocolAMQP }

func (a *AMQP) Connect(ctx context.Context) error {
	pending, err := a.beginConnect()
	if err != nil || !pending {
		return err
	}

	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("connect amqp: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	sub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open consume channel: %w", err)
	}

	a.conn, a.pub, a.sub = conn, pub, sub
	a.markConnected()
	a.logger.Info().Msg("server connected")
	return nil
}

func (a *AMQP) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	return a.add(topic, handler)
}

// Listen starts one consumer per subscribed queue.
func (a *AMQP) Listen(ctx context.Context) error {
	started, err := a.beginListen()
	if err != nil || !started {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	for _, topic := range a.names() {
		deliveries, err := a.sub.Consume(topic, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume %s: %w", topic, err)
		}

		a.wg.Add(1)
		go func(topic string) {
			defer a.wg.Done()
			a.consume(runCtx, topic, deliveries)
		}(topic)
	}

	a.logger.Info().Strs("topics", a.names()).Msg("listening")
	return nil
}

// consume runs a queue's handlers for each delivery and acknowledges it once
// they have all returned. It ends when the channel closes.
func (a *AMQP) consume(ctx context.Context, topic string, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		a.dispatch(ctx, topic, string(d.Body))
		if err := d.Ack(false); err != nil {
			a.logger.Error().Err(err).Str("topic", topic).Msg("ack failed")
		}
	}
}

func (a *AMQP) Publish(ctx context.Context, topic, message string) error {
	if err := a.checkPublish(); err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishing.
	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	err := a.pub.PublishWithContext(ctx, topic, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        []byte(message),
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (a *AMQP) Close(ctx context.Context) error {
	if !a.beginClose() {
		return nil
	}

	var errs []error
	for _, ch := range []*amqp.Channel{a.pub, a.sub} {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.wg.Wait()
	if a.cancel != nil {
		a.cancel()
	}
	return joinClose("amqp", errs)
}
