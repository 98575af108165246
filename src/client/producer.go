// Package client publishes and consumes enveloped messages through the
// buffer layer.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"sqs-buffer/src/buffer"
	"sqs-buffer/src/queue"
	"sqs-buffer/src/storage"
)

type options struct {
	clock       clockwork.Clock
	onPublished func(queueName string, env *Envelope)
}

type Option func(*options)

// WithClock sets the clock used for receive deadlines.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithOnPublished registers a hook that runs after every successful
// submission.
func WithOnPublished(fn func(queueName string, env *Envelope)) Option {
	return func(o *options) { o.onPublished = fn }
}

// Producer publishes envelopes, creating queues on first use.
type Producer struct {
	manager *Manager
	buffers *buffer.Factory
	logger  *zap.Logger
	opts    options
}

func NewProducer(m *Manager, buffers *buffer.Factory, opts ...Option) *Producer {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Producer{
		manager: m,
		buffers: buffers,
		logger:  m.Logger(),
		opts:    o,
	}
}

func (p *Producer) handle(ctx context.Context, name string, waitTime *int) (buffer.Handle, *queue.Definition, error) {
	def, err := p.manager.GetOrCreate(ctx, name, waitTime)
	if err != nil {
		return nil, nil, err
	}
	h, err := p.buffers.GetOrCreate(def)
	if err != nil {
		return nil, nil, err
	}
	return h, def, nil
}

// Publish sends env to queueName. Any tag on env is dropped.
func (p *Producer) Publish(ctx context.Context, queueName string, env *Envelope) error {
	return p.publish(ctx, queueName, env, false)
}

// publish encodes env and sends it. With now set the send skips the buffer
// and its backend error comes back here.
func (p *Producer) publish(ctx context.Context, queueName string, env *Envelope, now bool) error {
	if env == nil {
		return ErrNilEnvelope
	}
	h, _, err := p.handle(ctx, queueName, nil)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", queueName, err)
	}
	out := env.clone()
	out.Tag = ""
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	send := h.Send
	if now {
		send = h.SendNow
	}
	if _, err := send(ctx, storage.SendEntry{Body: string(body)}); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queueName, err)
	}
	if p.opts.onPublished != nil {
		p.opts.onPublished(queueName, out)
	}
	return nil
}

// SendOneWay publishes payload to the inbox queue of its type.
func (p *Producer) SendOneWay(ctx context.Context, payload any) error {
	return p.SendOneWayTo(ctx, queue.InName(typeName(payload)), payload)
}

func (p *Producer) SendOneWayTo(ctx context.Context, queueName string, payload any) error {
	env, err := NewEnvelope(payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, queueName, env)
}

// SendAllOneWay publishes every payload, continuing past failures, and
// returns all failures joined.
func (p *Producer) SendAllOneWay(ctx context.Context, payloads []any) error {
	var errs []error
	for i, payload := range payloads {
		if err := p.SendOneWay(ctx, payload); err != nil {
			errs = append(errs, fmt.Errorf("payload %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
