// Package events compiles AsyncAPI operations into broker subscriptions and
// an outbound sender.
//
// Inbound messages go through parse, handler lookup and exactly-one message
// validation before the handler runs. Every failure along the way is logged
// and the message is dropped; nothing propagates back to the broker.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/artpar/apifactory/core/broker"
	"github.com/artpar/apifactory/core/failure"
	"github.com/artpar/apifactory/core/schema"
	"github.com/artpar/apifactory/core/server"
	"github.com/artpar/apifactory/core/service"
	"github.com/artpar/apifactory/core/spec"
	"github.com/artpar/apifactory/ports"
)

// Message outcomes recorded in metrics.
const (
	OutcomeHandled   = "handled"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeUnrouted  = "unrouted"
	OutcomeMalformed = "malformed"
	OutcomeSent      = "sent"
)

// PayloadKey wraps inbound payloads that are not JSON objects.
const PayloadKey = "payload"

// BrokerFactory creates a broker for a protocol tag.
type BrokerFactory func(protocol string, opts broker.Options) (broker.Broker, error)

// Settings configures compilation.
type Settings struct {
	Labels    map[string]string
	Variables map[string]string

	// GroupID is the consumer group of consumer-group brokers.
	GroupID string

	Logger  zerolog.Logger
	Metrics ports.MetricsRecorder

	// NewBroker defaults to broker.New.
	NewBroker BrokerFactory
}

type endpoint struct {
	binding server.Binding
	broker  broker.Broker
}

type operation struct {
	id        string
	action    string
	address   string
	messages  schema.MessageSet
	endpoints []*endpoint
	logger    zerolog.Logger
}

// Receiver owns the brokers of an AsyncAPI document and dispatches their
// messages. It also implements ports.EventSender for send operations.
type Receiver struct {
	services  *service.Registry
	logger    zerolog.Logger
	metrics   ports.MetricsRecorder
	endpoints []*endpoint
	receive   []*operation
	send      map[string]*operation

	mu      sync.Mutex
	running bool
}

var _ ports.EventSender = (*Receiver)(nil)

// Compile builds brokers and operations without connecting anything.
func Compile(doc *spec.AsyncAPI, services *service.Registry, compiler schema.Compiler, settings Settings) (*Receiver, error) {
	if settings.NewBroker == nil {
		settings.NewBroker = broker.New
	}
	if settings.Metrics == nil {
		settings.Metrics = ports.NopMetrics{}
	}

	r := &Receiver{
		services: services,
		logger:   settings.Logger,
		metrics:  settings.Metrics,
		send:     make(map[string]*operation),
	}

	bindings := doc.ServerBindings()
	byID := make(map[string]*endpoint)

	for _, id := range doc.OperationIDs() {
		op := doc.Operations[id]
		if op.Action != spec.ActionSend && op.Action != spec.ActionReceive {
			return nil, failure.Configuration("operation %q has unknown action %q", id, op.Action)
		}

		messages, err := schema.CompileMessages(compiler, id, op.OperationMessages())
		if err != nil {
			return nil, err
		}

		compiled := &operation{
			id:       id,
			action:   op.Action,
			address:  op.Address(),
			messages: messages,
		}
		compiled.logger = settings.Logger.With().
			Str("operation_id", id).
			Str("address", compiled.address).
			Logger()

		candidates := restrict(bindings, op.Channel.ChannelServerIDs())
		if len(candidates) == 0 {
			compiled.logger.Warn().Msg("operation has no usable servers")
		} else {
			selected, err := server.SelectAll(candidates, settings.Labels, settings.Variables)
			if err != nil {
				return nil, fmt.Errorf("operation %q: %w", id, err)
			}
			for _, b := range selected {
				ep, ok := byID[b.ID]
				if !ok {
					br, err := settings.NewBroker(b.Protocol, broker.Options{
						URL:             b.ResolvedURL,
						ProtocolVersion: b.ProtocolVersion,
						GroupID:         settings.GroupID,
						Logger:          settings.Logger.With().Str("server", b.ID).Logger(),
					})
					if err != nil {
						return nil, fmt.Errorf("server %q: %w", b.ID, err)
					}
					ep = &endpoint{binding: b, broker: br}
					byID[b.ID] = ep
					r.endpoints = append(r.endpoints, ep)
				}
				compiled.endpoints = append(compiled.endpoints, ep)
			}
		}

		switch op.Action {
		case spec.ActionReceive:
			if !services.Has(id) {
				compiled.logger.Warn().Msg("no handler registered for receive operation")
			}
			r.receive = append(r.receive, compiled)
		case spec.ActionSend:
			r.send[id] = compiled
		}
	}

	return r, nil
}

func restrict(bindings []server.Binding, ids []string) []server.Binding {
	if ids == nil {
		return bindings
	}
	allowed := make(map[string]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	var out []server.Binding
	for _, b := range bindings {
		if allowed[b.ID] {
			out = append(out, b)
		}
	}
	return out
}

// Run connects every broker, subscribes every receive operation and then
// starts delivery. Each phase completes on all brokers before the next one
// begins.
func (r *Receiver) Run(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	if err := r.eachEndpoint(ctx, func(ctx context.Context, ep *endpoint) error {
		if err := ep.broker.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", ep.binding.ID, err)
		}
		r.logger.Info().Str("server", ep.binding.ID).Str("url", ep.binding.ResolvedURL).Msg("server connected")
		return nil
	}); err != nil {
		return err
	}

	for _, op := range r.receive {
		for _, ep := range op.endpoints {
			if err := ep.broker.Subscribe(ctx, op.address, r.deliver(op)); err != nil {
				return fmt.Errorf("subscribe %s on %s: %w", op.id, ep.binding.ID, err)
			}
		}
	}

	if err := r.eachEndpoint(ctx, func(ctx context.Context, ep *endpoint) error {
		if err := ep.broker.Listen(ctx); err != nil {
			return fmt.Errorf("listen %s: %w", ep.binding.ID, err)
		}
		return nil
	}); err != nil {
		return err
	}

	r.running = true
	return nil
}

func (r *Receiver) eachEndpoint(ctx context.Context, fn func(context.Context, *endpoint) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range r.endpoints {
		ep := ep
		g.Go(func() error { return fn(gctx, ep) })
	}
	return g.Wait()
}

// Dispose closes every broker. Failures are collected, not short-circuited.
func (r *Receiver) Dispose(ctx context.Context) error {
	var errs []error
	for _, ep := range r.endpoints {
		if err := ep.broker.Close(ctx); err != nil {
			r.logger.Error().Err(err).Str("server", ep.binding.ID).Msg("close server")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deliver builds the inbound pipeline of one receive operation.
func (r *Receiver) deliver(op *operation) broker.MessageHandler {
	return func(ctx context.Context, raw string) {
		op.logger.Info().Msg("incoming message")

		payload, err := schema.Decode([]byte(raw))
		if err != nil {
			op.logger.Error().Err(err).Msg("message is not json")
			r.metrics.ObserveMessage(op.id, OutcomeMalformed)
			return
		}

		if !r.services.Has(op.id) {
			op.logger.Error().Msg("handler not found")
			r.metrics.ObserveMessage(op.id, OutcomeUnrouted)
			return
		}

		if _, err := op.messages.Match(payload); err != nil {
			op.logger.Error().Err(err).Msg("message rejected")
			r.metrics.ObserveMessage(op.id, OutcomeRejected)
			return
		}

		start := time.Now()
		res, err := r.services.Invoke(ctx, op.id, Params(payload), &service.Meta{})
		if err != nil {
			op.logger.Error().Err(err).Msg("runtime error")
			r.metrics.ObserveMessage(op.id, OutcomeFailed)
			return
		}
		if !res.IsSuccess() {
			op.logger.Info().
				Str("code", string(res.Code())).
				Str("message", res.Message()).
				Msg("handler returned failure")
		}
		op.logger.Debug().Dur("duration", time.Since(start)).Msg("message handled")
		r.metrics.ObserveMessage(op.id, OutcomeHandled)
	}
}

// Params turns a decoded payload into handler params. Objects pass through;
// anything else is wrapped under PayloadKey.
func Params(payload any) map[string]any {
	if m, ok := payload.(map[string]any); ok {
		return m
	}
	return map[string]any{PayloadKey: payload}
}

// Send validates payload against the operation's messages and publishes it
// to every server of the operation. Servers are published to concurrently;
// one failing server does not stop the others. The returned error joins the
// failures.
func (r *Receiver) Send(ctx context.Context, operationID string, payload any) error {
	op, ok := r.send[operationID]
	if !ok {
		return failure.Routing("no send operation %q", operationID)
	}
	op.logger.Info().Msg("sending message")

	normalized, err := schema.Normalize(payload)
	if err != nil {
		op.logger.Error().Err(err).Msg("message is not serializable")
		return failure.Validation("message is not serializable: %v", err)
	}
	if _, err := op.messages.Match(normalized); err != nil {
		op.logger.Error().Err(err).Msg("message rejected")
		return err
	}
	if len(op.endpoints) == 0 {
		return failure.Routing("operation %q has no servers", operationID)
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return failure.Validation("message is not serializable: %v", err)
	}
	message := string(data)

	errs := make([]error, len(op.endpoints))
	var wg sync.WaitGroup
	for i, ep := range op.endpoints {
		wg.Add(1)
		go func(i int, ep *endpoint) {
			defer wg.Done()
			if err := ep.broker.Publish(ctx, op.address, message); err != nil {
				op.logger.Error().Err(err).Str("server", ep.binding.ID).Msg("publish failed")
				r.metrics.ObservePublish(op.id, ep.binding.ID, OutcomeFailed)
				errs[i] = fmt.Errorf("publish to %s: %w", ep.binding.ID, err)
				return
			}
			r.metrics.ObservePublish(op.id, ep.binding.ID, OutcomeSent)
		}(i, ep)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Servers returns the ids of the brokers the receiver owns.
func (r *Receiver) Servers() []string {
	ids := make([]string, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		ids = append(ids, ep.binding.ID)
	}
	return ids
}
