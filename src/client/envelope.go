package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidTag  = errors.New("invalid message tag")
	ErrNilEnvelope = errors.New("nil envelope")
)

// Envelope is the body of every message this package publishes.
type Envelope struct {
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	RetryAttempts int             `json:"retryAttempts"`
	CreatedAt     time.Time       `json:"createdAt"`
	Error         string          `json:"error,omitempty"`

	// Tag identifies the lease the envelope was received under. It is set
	// by Get and cleared on Publish.
	Tag string `json:"tag,omitempty"`
}

// Tag ties a received envelope back to its queue and lease.
type Tag struct {
	Queue         string `json:"queue"`
	ReceiptHandle string `json:"receiptHandle"`
}

func EncodeTag(t Tag) string {
	b, _ := json.Marshal(t)
	return string(b)
}

func DecodeTag(s string) (Tag, error) {
	var t Tag
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return Tag{}, fmt.Errorf("%w: %v", ErrInvalidTag, err)
	}
	if t.Queue == "" || t.ReceiptHandle == "" {
		return Tag{}, fmt.Errorf("%w: missing queue or receipt handle", ErrInvalidTag)
	}
	return t, nil
}

// NewEnvelope wraps payload, which must be JSON serializable.
func NewEnvelope(payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

func (e *Envelope) clone() *Envelope {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}

// decodeEnvelope parses a message body. Bodies that are not envelopes, as
// sent by other producers, become the payload of a fresh envelope.
func decodeEnvelope(body, messageID string) *Envelope {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.ID != "" && env.Payload != nil {
		env.Tag = ""
		return &env
	}
	payload := json.RawMessage(body)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(body)
	}
	return &Envelope{ID: messageID, Payload: payload}
}

// typeName names the inbox queue of a payload's type.
func typeName(payload any) string {
	t := reflect.TypeOf(payload)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" {
		return "object"
	}
	return t.Name()
}
