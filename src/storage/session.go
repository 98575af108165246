package storage

import (
	"context"
	"sync/atomic"
)

// session is one holder's view of a shared backend. Closing it only
// detaches the holder; the shared backend stays open.
type session struct {
	backend Backend
	closed  atomic.Bool
}

// NewSession wraps a shared backend so it can be handed out by a
// ConnectionFactory. Calls after Close fail with ErrClosed.
func NewSession(b Backend) Backend {
	return &session{backend: b}
}

func (s *session) live() (Backend, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.backend, nil
}

func (s *session) CreateQueue(ctx context.Context, name string, attributes map[string]string) (*QueueInfo, error) {
	b, err := s.live()
	if err != nil {
		return nil, err
	}
	return b.CreateQueue(ctx, name, attributes)
}

func (s *session) DeleteQueue(ctx context.Context, queueURL string) error {
	b, err := s.live()
	if err != nil {
		return err
	}
	return b.DeleteQueue(ctx, queueURL)
}

func (s *session) GetQueueURL(ctx context.Context, name string) (string, error) {
	b, err := s.live()
	if err != nil {
		return "", err
	}
	return b.GetQueueURL(ctx, name)
}

func (s *session) ListQueues(ctx context.Context, prefix string) ([]string, error) {
	b, err := s.live()
	if err != nil {
		return nil, err
	}
	return b.ListQueues(ctx, prefix)
}

func (s *session) GetQueueAttributes(ctx context.Context, queueURL string, names ...string) (map[string]string, error) {
	b, err := s.live()
	if err != nil {
		return nil, err
	}
	return b.GetQueueAttributes(ctx, queueURL, names...)
}

func (s *session) SetQueueAttributes(ctx context.Context, queueURL string, attributes map[string]string) error {
	b, err := s.live()
	if err != nil {
		return err
	}
	return b.SetQueueAttributes(ctx, queueURL, attributes)
}

func (s *session) SendMessage(ctx context.Context, queueURL string, entry SendEntry) (string, error) {
	b, err := s.live()
	if err != nil {
		return "", err
	}
	return b.SendMessage(ctx, queueURL, entry)
}

func (s *session) SendMessageBatch(ctx context.Context, queueURL string, entries []SendEntry) (*BatchResult, error) {
	b, err := s.live()
	if err != nil {
		return nil, err
	}
	return b.SendMessageBatch(ctx, queueURL, entries)
}

func (s *session) ReceiveMessages(ctx context.Context, queueURL string, req ReceiveRequest) ([]*Message, error) {
	b, err := s.live()
	if err != nil {
		return nil, err
	}
	return b.ReceiveMessages(ctx, queueURL, req)
}

func (s *session) DeleteMessage(ctx context.Context, queueURL string, receiptHandle string) error {
	b, err := s.live()
	if err != nil {
		return err
	}
	return b.DeleteMessage(ctx, queueURL, receiptHandle)
}

func (s *session) DeleteMessageBatch(ctx context.Context, queueURL string, entries []DeleteEntry) (*BatchResult, error) {
	b, err := s.live()
	if err != nil {
		return nil, err
	}
	return b.DeleteMessageBatch(ctx, queueURL, entries)
}

func (s *session) ChangeMessageVisibility(ctx context.Context, queueURL string, receiptHandle string, visibilityTimeout int) error {
	b, err := s.live()
	if err != nil {
		return err
	}
	return b.ChangeMessageVisibility(ctx, queueURL, receiptHandle, visibilityTimeout)
}

func (s *session) ChangeMessageVisibilityBatch(ctx context.Context, queueURL string, entries []VisibilityEntry) (*BatchResult, error) {
	b, err := s.live()
	if err != nil {
		return nil, err
	}
	return b.ChangeMessageVisibilityBatch(ctx, queueURL, entries)
}

func (s *session) PurgeQueue(ctx context.Context, queueURL string) error {
	b, err := s.live()
	if err != nil {
		return err
	}
	return b.PurgeQueue(ctx, queueURL)
}

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}
