package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/artpar/apifactory/core/failure"
)

// Kafka is a consumer-group broker. A single poll loop serves every
// subscribed topic and demultiplexes records by topic onto per-topic
// workers. Offsets are committed by the client; there are no explicit
// acknowledgements.
type Kafka struct {
	*topics
	seeds   []string
	groupID string
	logger  zerolog.Logger

	producer *kgo.Client
	consumer *kgo.Client
	workers  *workers
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ Broker = (*Kafka)(nil)

func newKafka(o Options) (*Kafka, error) {
	u, err := url.Parse(o.URL)
	if err != nil || u.Host == "" {
		return nil, failure.Configuration("parse kafka url %q", o.URL)
	}
	if o.GroupID == "" {
		return nil, failure.Configuration("kafka broker %s needs a consumer group id", u.Host)
	}
	return &Kafka{
		topics:  newTopics(),
		seeds:   strings.Split(u.Host, ","),
		groupID: o.GroupID,
		logger:  o.Logger,
	}, nil
}

func (k *Kafka) Protocol() string { return ProtocolKafka }

func (k *Kafka) Connect(ctx context.Context) error {
	pending, err := k.beginConnect()
	if err != nil || !pending {
		return err
	}

	producer, err := kgo.NewClient(kgo.SeedBrokers(k.seeds...))
	if err != nil {
		return fmt.Errorf("create kafka producer: %w", err)
	}
	if err := producer.Ping(ctx); err != nil {
		producer.Close()
		return fmt.Errorf("connect kafka: %w", err)
	}

	// The group client starts with no topics; Listen adds them.
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(k.seeds...),
		kgo.ConsumerGroup(k.groupID),
	)
	if err != nil {
		producer.Close()
		return fmt.Errorf("create kafka consumer: %w", err)
	}

	k.producer = producer
	k.consumer = consumer
	k.markConnected()
	k.logger.Info().Strs("seeds", k.seeds).Msg("server connected")
	return nil
}

func (k *Kafka) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	return k.add(topic, handler)
}

// Listen registers every subscribed topic with the group client, which then
// joins the group, and starts the poll loop.
func (k *Kafka) Listen(ctx context.Context) error {
	started, err := k.beginListen()
	if err != nil || !started {
		return err
	}

	names := k.names()
	if len(names) == 0 {
		return nil
	}

	k.consumer.AddConsumeTopics(names...)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	k.cancel = cancel
	k.workers = k.startWorkers(runCtx)

	k.wg.Add(1)
	go k.poll(runCtx)

	k.logger.Info().Strs("topics", names).Str("group", k.groupID).Msg("listening")
	return nil
}

func (k *Kafka) poll(ctx context.Context) {
	defer k.wg.Done()
	for {
		fetches := k.consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			k.logger.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch failed")
		})
		fetches.EachRecord(func(r *kgo.Record) {
			if !k.workers.deliver(r.Topic, string(r.Value)) {
				k.logger.Debug().Str("topic", r.Topic).Msg("record for unsubscribed topic dropped")
			}
		})
	}
}

func (k *Kafka) Publish(ctx context.Context, topic, message string) error {
	if err := k.checkPublish(); err != nil {
		return err
	}
	record := &kgo.Record{Topic: topic, Value: []byte(message)}
	if err := k.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (k *Kafka) Close(ctx context.Context) error {
	if !k.beginClose() {
		return nil
	}

	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
	k.workers.stop()
	if k.consumer != nil {
		k.consumer.Close()
	}
	if k.producer != nil {
		k.producer.Close()
	}
	return nil
}

func joinClose(protocol string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("close %s: %w", protocol, errors.Join(errs...))
}
