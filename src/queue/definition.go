package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Queue attribute names as understood by the backends.
const (
	AttrVisibilityTimeout                     = "VisibilityTimeout"
	AttrReceiveWaitTime                       = "ReceiveMessageWaitTimeSeconds"
	AttrRedrivePolicy                         = "RedrivePolicy"
	AttrQueueArn                              = "QueueArn"
	AttrApproximateNumberOfMessages           = "ApproximateNumberOfMessages"
	AttrApproximateNumberOfMessagesNotVisible = "ApproximateNumberOfMessagesNotVisible"
	AttrCreatedTimestamp                      = "CreatedTimestamp"
	AttrAll                                   = "All"
)

// RedrivePolicy routes messages that were received MaxReceiveCount times
// without being deleted to the dead-letter queue with the given ARN.
type RedrivePolicy struct {
	DeadLetterTargetARN string `json:"deadLetterTargetArn"`
	MaxReceiveCount     int    `json:"maxReceiveCount"`
}

// String renders the policy as the JSON document backends expect.
func (p RedrivePolicy) String() string {
	b, _ := json.Marshal(p)
	return string(b)
}

// ParseRedrivePolicy accepts maxReceiveCount both as a number and as a
// quoted string, since both forms show up in the wild.
func ParseRedrivePolicy(raw string) (*RedrivePolicy, error) {
	if raw == "" {
		return nil, nil
	}
	var doc struct {
		DeadLetterTargetARN string          `json:"deadLetterTargetArn"`
		MaxReceiveCount     json.RawMessage `json:"maxReceiveCount"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRedrive, err)
	}
	if doc.DeadLetterTargetARN == "" {
		return nil, fmt.Errorf("%w: missing deadLetterTargetArn", ErrInvalidRedrive)
	}
	count := string(doc.MaxReceiveCount)
	if unquoted, err := strconv.Unquote(count); err == nil {
		count = unquoted
	}
	n, err := strconv.Atoi(count)
	if err != nil || n < 1 {
		return nil, fmt.Errorf("%w: maxReceiveCount %q", ErrInvalidRedrive, count)
	}
	return &RedrivePolicy{DeadLetterTargetARN: doc.DeadLetterTargetARN, MaxReceiveCount: n}, nil
}

// Definition describes one logical queue and the backend queue behind it.
// Definitions are shared between goroutines and must not be mutated once
// published; use the With* helpers to derive updated copies.
type Definition struct {
	Name              string
	BackendName       string
	URL               string
	ARN               string
	VisibilityTimeout int
	ReceiveWaitTime   int
	ReceiveBatchSize  int
	DisableBuffering  bool
	RedrivePolicy     *RedrivePolicy
	Temporary         bool
	CreatedAt         time.Time
}

// Validate checks every bounded field.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return ErrEmptyQueueName
	}
	if _, err := ClampVisibilityTimeout(d.VisibilityTimeout); err != nil {
		return err
	}
	if _, err := ClampWaitTime(d.ReceiveWaitTime); err != nil {
		return err
	}
	if _, err := ClampReceiveBatchSize(d.ReceiveBatchSize); err != nil {
		return err
	}
	return nil
}

// Attributes renders the attributes used to create the backend queue.
func (d *Definition) Attributes() map[string]string {
	attrs := map[string]string{
		AttrVisibilityTimeout: strconv.Itoa(d.VisibilityTimeout),
		AttrReceiveWaitTime:   strconv.Itoa(d.ReceiveWaitTime),
	}
	if d.RedrivePolicy != nil {
		attrs[AttrRedrivePolicy] = d.RedrivePolicy.String()
	}
	return attrs
}

// WithWaitTime returns a copy with a different receive wait time.
func (d *Definition) WithWaitTime(seconds int) (*Definition, error) {
	v, err := ClampWaitTime(seconds)
	if err != nil {
		return nil, err
	}
	c := *d
	c.ReceiveWaitTime = v
	return &c, nil
}

// WithRedrivePolicy returns a copy carrying the given redrive policy.
func (d *Definition) WithRedrivePolicy(p *RedrivePolicy) *Definition {
	c := *d
	c.RedrivePolicy = p
	return &c
}

// ApplyAttributes overlays backend attributes onto a copy of the definition.
// Unknown attributes are ignored.
func (d *Definition) ApplyAttributes(attrs map[string]string) (*Definition, error) {
	c := *d
	if v, ok := attrs[AttrVisibilityTimeout]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", AttrVisibilityTimeout, v, ErrInvalidArgument)
		}
		if c.VisibilityTimeout, err = ClampVisibilityTimeout(n); err != nil {
			return nil, err
		}
	}
	if v, ok := attrs[AttrReceiveWaitTime]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", AttrReceiveWaitTime, v, ErrInvalidArgument)
		}
		if c.ReceiveWaitTime, err = ClampWaitTime(n); err != nil {
			return nil, err
		}
	}
	if v, ok := attrs[AttrRedrivePolicy]; ok {
		p, err := ParseRedrivePolicy(v)
		if err != nil {
			return nil, err
		}
		c.RedrivePolicy = p
	}
	if v, ok := attrs[AttrQueueArn]; ok && v != "" {
		c.ARN = v
	}
	if v, ok := attrs[AttrCreatedTimestamp]; ok {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.CreatedAt = time.Unix(secs, 0)
		}
	}
	return &c, nil
}
