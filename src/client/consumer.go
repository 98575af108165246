package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sqs-buffer/src/buffer"
	"sqs-buffer/src/queue"
	"sqs-buffer/src/storage"
)

// WaitForever makes Get block until a message arrives.
const WaitForever time.Duration = -1

// Client consumes envelopes with lease tracking on top of Producer.
type Client struct {
	*Producer

	tempMu   sync.Mutex
	tempName string
}

func NewClient(m *Manager, buffers *buffer.Factory, opts ...Option) *Client {
	return &Client{Producer: NewProducer(m, buffers, opts...)}
}

// shortPoll is the pause between zero-wait receives once less than a
// second of the timeout is left.
const shortPoll = 50 * time.Millisecond

// waitSeconds rounds d down to whole seconds within the long-poll limit.
func waitSeconds(d time.Duration) int {
	if d < 0 {
		return queue.MaxWaitTime
	}
	return min(int(d/time.Second), queue.MaxWaitTime)
}

// Get receives one envelope from queueName, waiting up to timeout. It
// returns nil without error when the timeout passes. A negative timeout
// waits until a message arrives or ctx is done.
func (c *Client) Get(ctx context.Context, queueName string, timeout time.Duration) (*Envelope, error) {
	wait := waitSeconds(timeout)
	h, def, err := c.handle(ctx, queueName, &wait)
	if err != nil {
		return nil, err
	}

	forever := timeout < 0
	deadline := c.opts.clock.Now().Add(timeout)
	for {
		var remaining time.Duration
		if !forever {
			remaining = deadline.Sub(c.opts.clock.Now())
			wait = waitSeconds(max(remaining, 0))
		}
		msgs, err := h.Receive(ctx, storage.ReceiveRequest{
			MaxMessages:       1,
			VisibilityTimeout: def.VisibilityTimeout,
			WaitTimeSeconds:   wait,
		})
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return c.envelope(queueName, msgs[0]), nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if forever || wait > 0 {
			continue
		}
		remaining = deadline.Sub(c.opts.clock.Now())
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.opts.clock.After(min(remaining, shortPoll)):
		}
	}
}

// GetAsync polls queueName once without waiting.
func (c *Client) GetAsync(ctx context.Context, queueName string) (*Envelope, error) {
	return c.Get(ctx, queueName, 0)
}

func (c *Client) envelope(queueName string, msg *storage.Message) *Envelope {
	env := decodeEnvelope(msg.Body, msg.ID)
	env.Tag = EncodeTag(Tag{Queue: queueName, ReceiptHandle: msg.ReceiptHandle})
	return env
}

// leased resolves the handle an envelope was received through. It returns
// a nil handle for envelopes without a tag.
func (c *Client) leased(ctx context.Context, env *Envelope) (buffer.Handle, Tag, error) {
	if env == nil || env.Tag == "" {
		return nil, Tag{}, nil
	}
	tag, err := DecodeTag(env.Tag)
	if err != nil {
		return nil, Tag{}, err
	}
	h, _, err := c.handle(ctx, tag.Queue, nil)
	if err != nil {
		return nil, Tag{}, err
	}
	return h, tag, nil
}

// Ack deletes the message env was received as. Envelopes that were never
// received are ignored.
func (c *Client) Ack(ctx context.Context, env *Envelope) error {
	h, tag, err := c.leased(ctx, env)
	if err != nil || h == nil {
		return err
	}
	return h.Delete(ctx, tag.ReceiptHandle)
}

// Delete is Ack.
func (c *Client) Delete(ctx context.Context, env *Envelope) error {
	return c.Ack(ctx, env)
}

func (c *Client) ChangeVisibility(ctx context.Context, env *Envelope, seconds int) error {
	h, tag, err := c.leased(ctx, env)
	if err != nil || h == nil {
		return err
	}
	return h.ChangeVisibility(ctx, tag.ReceiptHandle, seconds)
}

// Nak rejects a received envelope. With requeue the message is deleted and
// published again to its queue. Otherwise it goes to the queue's
// dead-letter queue; if that publish fails the lease is released instead
// so another attempt can pick the message up. RetryAttempts is left to the
// caller.
func (c *Client) Nak(ctx context.Context, env *Envelope, requeue bool, cause error) error {
	if env == nil || env.Tag == "" {
		return nil
	}
	tag, err := DecodeTag(env.Tag)
	if err != nil {
		return err
	}
	out := env.clone()
	out.Tag = ""
	if cause != nil {
		out.Error = cause.Error()
	}

	if requeue {
		if err := c.Ack(ctx, env); err != nil {
			return err
		}
		return c.Publish(ctx, tag.Queue, out)
	}

	// The original is only deleted once the dead letter is on the backend.
	dlq := queue.DeadLetterName(tag.Queue)
	if err := c.publish(ctx, dlq, out, true); err != nil {
		c.logger.Warn("dead-letter publish failed, releasing lease",
			zap.String("queue", tag.Queue),
			zap.String("dead_letter_queue", dlq),
			zap.String("envelope", env.ID),
			zap.Error(err))
		if err := c.release(ctx, env); err != nil {
			c.logger.Warn("failed to release lease",
				zap.String("queue", tag.Queue),
				zap.String("envelope", env.ID),
				zap.Error(err))
		}
		return nil
	}
	return c.Ack(ctx, env)
}

// release makes env visible again and flushes its queue so the release
// does not wait for the next scheduled pass.
func (c *Client) release(ctx context.Context, env *Envelope) error {
	h, tag, err := c.leased(ctx, env)
	if err != nil || h == nil {
		return err
	}
	if err := h.ChangeVisibility(ctx, tag.ReceiptHandle, 0); err != nil {
		return err
	}
	h.Drain(ctx, true, false)
	return nil
}

// TempQueueName returns this client's temporary queue, creating it on the
// first call.
func (c *Client) TempQueueName(ctx context.Context) (string, error) {
	c.tempMu.Lock()
	defer c.tempMu.Unlock()
	if c.tempName != "" {
		return c.tempName, nil
	}
	def, err := c.manager.CreateTemp(ctx)
	if err != nil {
		return "", err
	}
	c.tempName = def.Name
	return c.tempName, nil
}

// Close flushes everything still buffered. The factory and manager stay
// open for other clients.
func (c *Client) Close() error {
	c.buffers.DrainAll(context.Background(), true)
	return nil
}
