package queue

import (
	"strings"
	"sync"
)

const (
	maxBackendNameLength = 80

	namePrefix       = "mq:"
	inSuffix         = ".inq"
	deadLetterSuffix = ".dlq"
	tempPrefix       = "mq:tmp:"
)

// InName is the logical name of the inbox queue for a message type.
func InName(typeName string) string {
	return namePrefix + typeName + inSuffix
}

// DeadLetterName is the logical name of the dead-letter queue for name.
func DeadLetterName(name string) string {
	if IsDeadLetterName(name) {
		return name
	}
	return strings.TrimSuffix(name, inSuffix) + deadLetterSuffix
}

func IsDeadLetterName(name string) bool {
	return strings.HasSuffix(name, deadLetterSuffix)
}

// TempName is the logical name of a temporary reply queue.
func TempName(id string) string {
	return tempPrefix + id
}

func IsTempName(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}

// Registry maps logical queue names onto names the backend accepts.
// Resolution is deterministic and memoized.
type Registry struct {
	prefix string
	cache  sync.Map // logical name -> backend name
}

// NewRegistry returns a registry that prepends prefix to every backend
// name. The prefix is transliterated like the names themselves.
func NewRegistry(prefix string) *Registry {
	return &Registry{prefix: transliterate(prefix)}
}

// Resolve returns the backend name for a logical name.
func (r *Registry) Resolve(logical string) string {
	if v, ok := r.cache.Load(logical); ok {
		return v.(string)
	}
	name := r.prefix + transliterate(logical)
	if name == "" {
		name = "-"
	}
	if len(name) > maxBackendNameLength {
		name = name[:maxBackendNameLength]
	}
	v, _ := r.cache.LoadOrStore(logical, name)
	return v.(string)
}

// transliterate replaces every byte outside [A-Za-z0-9_-] with '-'.
// Multi-byte runes become a single '-'.
func transliterate(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
