package storage

import (
	"fmt"
	"strconv"

	"sqs-buffer/src/queue"
)

// QueueSettings are the mutable per-queue attributes every backend keeps.
type QueueSettings struct {
	VisibilityTimeout int
	ReceiveWaitTime   int
	RedrivePolicy     *queue.RedrivePolicy
}

func DefaultQueueSettings() QueueSettings {
	return QueueSettings{VisibilityTimeout: queue.DefaultVisibilityTimeout}
}

// Apply overlays attributes onto s. Unknown or out-of-range attributes fail
// with ErrInvalidAttribute and leave s unchanged.
func (s QueueSettings) Apply(attrs map[string]string) (QueueSettings, error) {
	out := s
	for name, v := range attrs {
		var err error
		switch name {
		case queue.AttrVisibilityTimeout:
			out.VisibilityTimeout, err = boundedInt(name, v, queue.ClampVisibilityTimeout)
		case queue.AttrReceiveWaitTime:
			out.ReceiveWaitTime, err = boundedInt(name, v, queue.ClampWaitTime)
		case queue.AttrRedrivePolicy:
			out.RedrivePolicy, err = queue.ParseRedrivePolicy(v)
			if err != nil {
				err = fmt.Errorf("%w: %v", ErrInvalidAttribute, err)
			}
		default:
			err = fmt.Errorf("%s: %w", name, ErrInvalidAttribute)
		}
		if err != nil {
			return s, err
		}
	}
	return out, nil
}

func boundedInt(name, v string, clamp func(int) (int, error)) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", name, v, ErrInvalidAttribute)
	}
	if _, err := clamp(n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAttribute, err)
	}
	return n, nil
}

// RedriveString renders the policy attribute value, empty when unset.
func (s QueueSettings) RedriveString() string {
	if s.RedrivePolicy == nil {
		return ""
	}
	return s.RedrivePolicy.String()
}

// Attributes renders the settings together with the queue's ARN, creation
// time and message counts.
func (s QueueSettings) Attributes(arn string, createdUnix int64, visible, notVisible int) map[string]string {
	attrs := map[string]string{
		queue.AttrVisibilityTimeout:                     strconv.Itoa(s.VisibilityTimeout),
		queue.AttrReceiveWaitTime:                       strconv.Itoa(s.ReceiveWaitTime),
		queue.AttrQueueArn:                              arn,
		queue.AttrApproximateNumberOfMessages:           strconv.Itoa(visible),
		queue.AttrApproximateNumberOfMessagesNotVisible: strconv.Itoa(notVisible),
		queue.AttrCreatedTimestamp:                      strconv.FormatInt(createdUnix, 10),
	}
	if s.RedrivePolicy != nil {
		attrs[queue.AttrRedrivePolicy] = s.RedrivePolicy.String()
	}
	return attrs
}

// FilterAttributes keeps the requested names; no names or "All" keeps all.
func FilterAttributes(all map[string]string, names []string) map[string]string {
	if len(names) == 0 {
		return all
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		if name == queue.AttrAll {
			return all
		}
		if v, ok := all[name]; ok {
			out[name] = v
		}
	}
	return out
}
