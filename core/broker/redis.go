package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/artpar/apifactory/core/failure"
)

// Redis is a direct publish/subscribe broker. Messages are neither persisted
// nor acknowledged; subscribers that are not listening miss them. Publishing
// and consuming use separate connections because a subscribed connection
// cannot issue other commands.
type Redis struct {
	*topics
	opts   *redis.Options
	logger zerolog.Logger

	producer *redis.Client
	consumer *redis.Client
	pubsub   *redis.PubSub
	workers  *workers
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ Broker = (*Redis)(nil)

func newRedis(o Options) (*Redis, error) {
	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, failure.Configuration("parse redis url: %v", err)
	}

	// RESP version; 2 unless the server declares otherwise.
	opts.Protocol = 2
	if o.ProtocolVersion != "" {
		v, err := strconv.Atoi(o.ProtocolVersion)
		if err != nil || (v != 2 && v != 3) {
			return nil, failure.Configuration("unsupported redis protocol version: %s", o.ProtocolVersion)
		}
		opts.Protocol = v
	}

	return &Redis{topics: newTopics(), opts: opts, logger: o.Logger}, nil
}

func (r *Redis) Protocol() string { return ProtocolRedis }

func (r *Redis) Connect(ctx context.Context) error {
	pending, err := r.beginConnect()
	if err != nil || !pending {
		return err
	}

	producer := redis.NewClient(r.opts)
	consumer := redis.NewClient(r.opts)
	for _, c := range []*redis.Client{producer, consumer} {
		if err := c.Ping(ctx).Err(); err != nil {
			_ = producer.Close()
			_ = consumer.Close()
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	r.producer = producer
	r.consumer = consumer
	r.markConnected()
	r.logger.Info().Msg("server connected")
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	return r.add(topic, handler)
}

// Listen subscribes the consumer connection to every topic and starts the
// delivery loop, which hands each message to its topic's worker. It returns
// once the server has confirmed the subscription.
func (r *Redis) Listen(ctx context.Context) error {
	started, err := r.beginListen()
	if err != nil || !started {
		return err
	}

	names := r.names()
	if len(names) == 0 {
		return nil
	}

	pubsub := r.consumer.Subscribe(ctx, names...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe redis: %w", err)
	}
	r.pubsub = pubsub

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.workers = r.startWorkers(runCtx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range pubsub.Channel() {
			if !r.workers.deliver(msg.Channel, msg.Payload) {
				r.logger.Debug().Str("topic", msg.Channel).Msg("message for unsubscribed topic dropped")
			}
		}
	}()

	r.logger.Info().Strs("topics", names).Msg("listening")
	return nil
}

func (r *Redis) Publish(ctx context.Context, topic, message string) error {
	if err := r.checkPublish(); err != nil {
		return err
	}
	if err := r.producer.Publish(ctx, topic, message).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Close(ctx context.Context) error {
	if !r.beginClose() {
		return nil
	}

	var errs []error
	if r.pubsub != nil {
		if err := r.pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.wg.Wait()
	r.workers.stop()
	if r.cancel != nil {
		r.cancel()
	}
	for _, c := range []*redis.Client{r.producer, r.consumer} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return joinClose("redis", errs)
}
