package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqs-buffer/src/queue"
	"sqs-buffer/src/storage"
)

func setupTestDB(t *testing.T, opts ...Option) (*SQLiteStorage, string) {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqs_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	store, err := NewSQLiteStorage(dbPath, opts...)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("Failed to create SQLite storage: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
		os.RemoveAll(tempDir)
	})

	return store, dbPath
}

func createQueue(t *testing.T, s *SQLiteStorage, name string, attrs map[string]string) *storage.QueueInfo {
	t.Helper()
	info, err := s.CreateQueue(context.Background(), name, attrs)
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	return info
}

func TestCreateQueue(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()

	info := createQueue(t, store, "orders", map[string]string{queue.AttrVisibilityTimeout: "45"})
	again := createQueue(t, store, "orders", map[string]string{queue.AttrVisibilityTimeout: "45"})
	assert.Equal(t, info.URL, again.URL)

	_, err := store.CreateQueue(ctx, "orders", map[string]string{queue.AttrVisibilityTimeout: "60"})
	require.ErrorIs(t, err, storage.ErrQueueNameExists)

	_, err = store.CreateQueue(ctx, "bad name", nil)
	require.ErrorIs(t, err, storage.ErrInvalidQueueName)

	url, err := store.GetQueueURL(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, info.URL, url)

	urls, err := store.ListQueues(ctx, "ord")
	require.NoError(t, err)
	assert.Equal(t, []string{info.URL}, urls)

	attrs, err := store.GetQueueAttributes(ctx, info.URL, queue.AttrVisibilityTimeout)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{queue.AttrVisibilityTimeout: "45"}, attrs)

	require.NoError(t, store.SetQueueAttributes(ctx, info.URL, map[string]string{queue.AttrReceiveWaitTime: "10"}))
	attrs, err = store.GetQueueAttributes(ctx, info.URL)
	require.NoError(t, err)
	assert.Equal(t, "10", attrs[queue.AttrReceiveWaitTime])

	require.NoError(t, store.DeleteQueue(ctx, info.URL))
	_, err = store.GetQueueURL(ctx, "orders")
	require.ErrorIs(t, err, storage.ErrQueueDoesNotExist)
}

func TestSendReceiveDelete(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()
	info := createQueue(t, store, "work", nil)

	id, err := store.SendMessage(ctx, info.URL, storage.SendEntry{Body: "hello", Attributes: map[string]string{"k": "v"}})
	require.NoError(t, err)

	msgs, err := store.ReceiveMessages(ctx, info.URL, storage.ReceiveRequest{MaxMessages: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, storage.MD5OfBody("hello"), msgs[0].MD5OfBody)
	assert.Equal(t, "v", msgs[0].Attributes["k"])

	require.NoError(t, store.DeleteMessage(ctx, info.URL, msgs[0].ReceiptHandle))
	err = store.DeleteMessage(ctx, info.URL, msgs[0].ReceiptHandle)
	require.ErrorIs(t, err, storage.ErrReceiptHandleInvalid)

	attrs, err := store.GetQueueAttributes(ctx, info.URL)
	require.NoError(t, err)
	assert.Equal(t, "0", attrs[queue.AttrApproximateNumberOfMessages])
	assert.Equal(t, "0", attrs[queue.AttrApproximateNumberOfMessagesNotVisible])
}

func TestReceiveMessagesVisibilityTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store, _ := setupTestDB(t, WithClock(clock))
	ctx := context.Background()
	info := createQueue(t, store, "work", nil)

	_, err := store.SendMessage(ctx, info.URL, storage.SendEntry{Body: "m"})
	require.NoError(t, err)

	tests := []struct {
		name              string
		visibilityTimeout int
		advance           time.Duration
		wantRedelivery    bool
	}{
		{"still leased", 10, 5 * time.Second, false},
		{"lease expired", 10, 11 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, err := store.ReceiveMessages(ctx, info.URL, storage.ReceiveRequest{VisibilityTimeout: tt.visibilityTimeout})
			require.NoError(t, err)
			require.Len(t, first, 1)

			clock.Advance(tt.advance)
			again, err := store.ReceiveMessages(ctx, info.URL, storage.ReceiveRequest{})
			require.NoError(t, err)
			if !tt.wantRedelivery {
				assert.Empty(t, again)
				require.NoError(t, store.ChangeMessageVisibility(ctx, info.URL, first[0].ReceiptHandle, 0))
				return
			}
			require.Len(t, again, 1)
			assert.NotEqual(t, first[0].ReceiptHandle, again[0].ReceiptHandle)
			require.ErrorIs(t, store.DeleteMessage(ctx, info.URL, first[0].ReceiptHandle), storage.ErrReceiptHandleInvalid)
			require.NoError(t, store.ChangeMessageVisibility(ctx, info.URL, again[0].ReceiptHandle, 0))
		})
	}
}

func TestChangeVisibilityIsRelativeToNow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store, _ := setupTestDB(t, WithClock(clock))
	ctx := context.Background()
	info := createQueue(t, store, "work", nil)

	_, err := store.SendMessage(ctx, info.URL, storage.SendEntry{Body: "m"})
	require.NoError(t, err)
	msgs, err := store.ReceiveMessages(ctx, info.URL, storage.ReceiveRequest{VisibilityTimeout: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	clock.Advance(5 * time.Second)
	require.NoError(t, store.ChangeMessageVisibility(ctx, info.URL, msgs[0].ReceiptHandle, 20))

	clock.Advance(21 * time.Second)
	again, err := store.ReceiveMessages(ctx, info.URL, storage.ReceiveRequest{})
	require.NoError(t, err)
	require.Len(t, again, 1)

	clock.Advance(31 * time.Second)
	err = store.ChangeMessageVisibility(ctx, info.URL, again[0].ReceiptHandle, 5)
	require.ErrorIs(t, err, storage.ErrMessageNotInFlight)
}

func TestBatchOperations(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()
	info := createQueue(t, store, "work", nil)

	res, err := store.SendMessageBatch(ctx, info.URL, []storage.SendEntry{
		{ID: "a", Body: "1"},
		{ID: "b", Body: storage.FailureSentinel},
		{ID: "c", Body: "3"},
	})
	require.NoError(t, err)
	assert.Len(t, res.Successful, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, storage.CodeSimulatedFailure, res.Failed[0].Code)

	_, err = store.SendMessageBatch(ctx, info.URL, []storage.SendEntry{{ID: "x", Body: "1"}, {ID: "x", Body: "2"}})
	require.ErrorIs(t, err, storage.ErrBatchEntryIDsNotDistinct)

	msgs, err := store.ReceiveMessages(ctx, info.URL, storage.ReceiveRequest{MaxMessages: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	vis, err := store.ChangeMessageVisibilityBatch(ctx, info.URL, []storage.VisibilityEntry{
		{ID: "0", ReceiptHandle: msgs[0].ReceiptHandle, VisibilityTimeout: 120},
		{ID: "1", ReceiptHandle: "nope", VisibilityTimeout: 120},
	})
	require.NoError(t, err)
	assert.Len(t, vis.Successful, 1)
	require.Len(t, vis.Failed, 1)
	assert.Equal(t, storage.CodeReceiptHandleIsInvalid, vis.Failed[0].Code)

	del, err := store.DeleteMessageBatch(ctx, info.URL, []storage.DeleteEntry{
		{ID: "0", ReceiptHandle: msgs[0].ReceiptHandle},
		{ID: "1", ReceiptHandle: msgs[1].ReceiptHandle},
	})
	require.NoError(t, err)
	assert.Len(t, del.Successful, 2)
	assert.Empty(t, del.Failed)
}

func TestRedriveOnReceive(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()
	dlq := createQueue(t, store, "work-dlq", nil)
	policy := queue.RedrivePolicy{DeadLetterTargetARN: dlq.ARN, MaxReceiveCount: 2}
	info := createQueue(t, store, "work", map[string]string{queue.AttrRedrivePolicy: policy.String()})

	id, err := store.SendMessage(ctx, info.URL, storage.SendEntry{Body: "poison"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		msgs, err := store.ReceiveMessages(ctx, info.URL, storage.ReceiveRequest{})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.NoError(t, store.ChangeMessageVisibility(ctx, info.URL, msgs[0].ReceiptHandle, 0))
	}

	msgs, err := store.ReceiveMessages(ctx, info.URL, storage.ReceiveRequest{})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	dead, err := store.ReceiveMessages(ctx, dlq.URL, storage.ReceiveRequest{})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, 1, dead[0].ReceiveCount)
}

func TestPurgeQueueKeepsLeases(t *testing.T) {
	store, _ := setupTestDB(t)
	ctx := context.Background()
	info := createQueue(t, store, "work", nil)

	for _, body := range []string{"1", "2"} {
		_, err := store.SendMessage(ctx, info.URL, storage.SendEntry{Body: body})
		require.NoError(t, err)
	}
	leased, err := store.ReceiveMessages(ctx, info.URL, storage.ReceiveRequest{MaxMessages: 1})
	require.NoError(t, err)
	require.Len(t, leased, 1)

	require.NoError(t, store.PurgeQueue(ctx, info.URL))
	require.NoError(t, store.DeleteMessage(ctx, info.URL, leased[0].ReceiptHandle))

	msgs, err := store.ReceiveMessages(ctx, info.URL, storage.ReceiveRequest{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMessagesSurviveReopen(t *testing.T) {
	store, dbPath := setupTestDB(t)
	ctx := context.Background()
	info := createQueue(t, store, "durable", nil)
	_, err := store.SendMessage(ctx, info.URL, storage.SendEntry{Body: "kept"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	msgs, err := reopened.ReceiveMessages(ctx, info.URL, storage.ReceiveRequest{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept", msgs[0].Body)
}

func TestLongPollTimesOut(t *testing.T) {
	store, _ := setupTestDB(t, WithPollInterval(20*time.Millisecond))
	info := createQueue(t, store, "idle", nil)

	start := time.Now()
	msgs, err := store.ReceiveMessages(context.Background(), info.URL, storage.ReceiveRequest{WaitTimeSeconds: 1})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}
