package queue

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClamps(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(int) (int, error)
		value   int
		wantErr bool
	}{
		{"visibility zero", ClampVisibilityTimeout, 0, false},
		{"visibility max", ClampVisibilityTimeout, 43200, false},
		{"visibility above max", ClampVisibilityTimeout, 43201, true},
		{"visibility negative", ClampVisibilityTimeout, -1, true},
		{"wait zero", ClampWaitTime, 0, false},
		{"wait max", ClampWaitTime, 20, false},
		{"wait above max", ClampWaitTime, 21, true},
		{"batch one", ClampReceiveBatchSize, 1, false},
		{"batch zero", ClampReceiveBatchSize, 0, true},
		{"batch eleven", ClampReceiveBatchSize, 11, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn(tt.value)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrOutOfRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
		})
	}
}

func TestCheckBatchSize(t *testing.T) {
	for _, kind := range []string{KindSend, KindReceive, KindDelete, KindChangeVisibility} {
		require.NoError(t, CheckBatchSize(kind, 10), kind)
		require.ErrorIs(t, CheckBatchSize(kind, 11), ErrTooManyEntries, kind)
	}
	require.ErrorIs(t, CheckBatchSize("bogus", 1), ErrUnknownKind)
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry("")

	tests := []struct {
		logical string
		want    string
	}{
		{"mq:Hello.inq", "mq-Hello-inq"},
		{"plain_name-1", "plain_name-1"},
		{"a b/c", "a-b-c"},
		{"héllo", "h-llo"},
		{"", "-"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Resolve(tt.logical), tt.logical)
	}

	long := strings.Repeat("x", 200)
	assert.Len(t, r.Resolve(long), 80)
}

func TestRegistryPrefix(t *testing.T) {
	r := NewRegistry("dev.")
	assert.Equal(t, "dev-mq-Hello-inq", r.Resolve("mq:Hello.inq"))
}

func TestRegistryConcurrentResolveIsStable(t *testing.T) {
	r := NewRegistry("p")
	var wg sync.WaitGroup
	results := make([]string, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Resolve("mq:Order.inq")
		}(i)
	}
	wg.Wait()
	for _, got := range results {
		assert.Equal(t, "pmq-Order-inq", got)
	}
}

func TestNamingHelpers(t *testing.T) {
	assert.Equal(t, "mq:Hello.inq", InName("Hello"))
	assert.Equal(t, "mq:Hello.dlq", DeadLetterName("mq:Hello.inq"))
	assert.Equal(t, "mq:Hello.dlq", DeadLetterName("mq:Hello.dlq"))
	assert.Equal(t, "work.dlq", DeadLetterName("work"))
	assert.True(t, IsDeadLetterName("work.dlq"))
	assert.True(t, IsTempName(TempName("abc")))
	assert.False(t, IsTempName("mq:Hello.inq"))
}

func TestParseRedrivePolicy(t *testing.T) {
	p, err := ParseRedrivePolicy(`{"deadLetterTargetArn":"arn:aws:sqs:us-east-1:000000000000:dlq","maxReceiveCount":"3"}`)
	require.NoError(t, err)
	assert.Equal(t, 3, p.MaxReceiveCount)

	p, err = ParseRedrivePolicy(`{"deadLetterTargetArn":"arn:x","maxReceiveCount":7}`)
	require.NoError(t, err)
	assert.Equal(t, "arn:x", p.DeadLetterTargetARN)
	assert.Equal(t, 7, p.MaxReceiveCount)

	round, err := ParseRedrivePolicy(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, round)

	p, err = ParseRedrivePolicy("")
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = ParseRedrivePolicy(`{"maxReceiveCount":1}`)
	require.ErrorIs(t, err, ErrInvalidRedrive)
	_, err = ParseRedrivePolicy(`{"deadLetterTargetArn":"arn:x","maxReceiveCount":0}`)
	require.ErrorIs(t, err, ErrInvalidRedrive)
}

func TestDefinitionApplyAttributes(t *testing.T) {
	d := &Definition{Name: "q", VisibilityTimeout: 30, ReceiveBatchSize: 10}
	require.NoError(t, d.Validate())

	updated, err := d.ApplyAttributes(map[string]string{
		AttrVisibilityTimeout: "60",
		AttrReceiveWaitTime:   "5",
		AttrQueueArn:          "arn:q",
	})
	require.NoError(t, err)
	assert.Equal(t, 60, updated.VisibilityTimeout)
	assert.Equal(t, 5, updated.ReceiveWaitTime)
	assert.Equal(t, "arn:q", updated.ARN)
	assert.Equal(t, 30, d.VisibilityTimeout, "original must not change")

	_, err = d.ApplyAttributes(map[string]string{AttrReceiveWaitTime: "21"})
	require.ErrorIs(t, err, ErrOutOfRange)

	withWait, err := d.WithWaitTime(20)
	require.NoError(t, err)
	assert.Equal(t, 20, withWait.ReceiveWaitTime)
	assert.Equal(t, 0, d.ReceiveWaitTime)

	attrs := d.WithRedrivePolicy(&RedrivePolicy{DeadLetterTargetARN: "arn:d", MaxReceiveCount: 2}).Attributes()
	assert.Equal(t, "30", attrs[AttrVisibilityTimeout])
	assert.Contains(t, attrs[AttrRedrivePolicy], "arn:d")
}
