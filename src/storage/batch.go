package storage

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"

	"sqs-buffer/src/queue"
)

var queueNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,80}$`)

// ValidateQueueName checks a backend queue name.
func ValidateQueueName(name string) error {
	if !queueNamePattern.MatchString(name) {
		return fmt.Errorf("%q: %w", name, ErrInvalidQueueName)
	}
	return nil
}

// ValidateBatch runs the structural checks every batch call performs before
// touching any entry.
func ValidateBatch(kind string, ids []string) error {
	if len(ids) == 0 {
		return ErrEmptyBatch
	}
	if err := queue.CheckBatchSize(kind, len(ids)); err != nil {
		return fmt.Errorf("%w: %v", ErrTooManyEntries, err)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("id %q: %w", id, ErrBatchEntryIDsNotDistinct)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func SendEntryIDs(entries []SendEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func DeleteEntryIDs(entries []DeleteEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func VisibilityEntryIDs(entries []VisibilityEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// MD5OfBody is the hex MD5 digest the service reports for a message body.
func MD5OfBody(body string) string {
	hash := md5.Sum([]byte(body))
	return hex.EncodeToString(hash[:])
}
