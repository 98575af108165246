package storage

import (
	"context"
	"errors"
)

// FailureSentinel is a reserved body and receipt-handle value. Backends used
// in tests treat it as an instruction to fail the operation.
const FailureSentinel = "__fail__"

// Batch failure codes, matching the remote service's wire codes.
const (
	CodeSimulatedFailure         = "SimulatedFailure"
	CodeReceiptHandleIsInvalid   = "ReceiptHandleIsInvalid"
	CodeMessageNotInflight       = "AWS.SimpleQueueService.MessageNotInflight"
	CodeInvalidParameterValue    = "InvalidParameterValue"
	CodeInternalError            = "InternalError"
	CodeEmptyBatchRequest        = "AWS.SimpleQueueService.EmptyBatchRequest"
	CodeTooManyEntriesInBatch    = "AWS.SimpleQueueService.TooManyEntriesInBatchRequest"
	CodeBatchEntryIDsNotDistinct = "AWS.SimpleQueueService.BatchEntryIdsNotDistinct"
	CodeNonExistentQueue         = "AWS.SimpleQueueService.NonExistentQueue"
	CodeQueueAlreadyExists       = "QueueAlreadyExists"
	CodeInvalidAttributeName     = "InvalidAttributeName"
)

var (
	ErrQueueDoesNotExist        = errors.New("queue does not exist")
	ErrQueueNameExists          = errors.New("queue already exists with different attributes")
	ErrInvalidQueueName         = errors.New("invalid queue name")
	ErrReceiptHandleInvalid     = errors.New("receipt handle is invalid")
	ErrMessageNotInFlight       = errors.New("message is not in flight")
	ErrEmptyBatch               = errors.New("batch request contains no entries")
	ErrTooManyEntries           = errors.New("too many entries in batch request")
	ErrBatchEntryIDsNotDistinct = errors.New("batch entry ids are not distinct")
	ErrSimulatedFailure         = errors.New("simulated backend failure")
	ErrInvalidAttribute         = errors.New("invalid queue attribute")
	ErrClosed                   = errors.New("backend connection is closed")
)

// Message is one received message together with its lease.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	MD5OfBody     string
	Attributes    map[string]string
	ReceiveCount  int
}

// QueueInfo identifies a backend queue.
type QueueInfo struct {
	Name string
	URL  string
	ARN  string
}

type SendEntry struct {
	ID         string
	Body       string
	Attributes map[string]string
}

type DeleteEntry struct {
	ID            string
	ReceiptHandle string
}

type VisibilityEntry struct {
	ID                string
	ReceiptHandle     string
	VisibilityTimeout int
}

// ReceiveRequest parameters. A zero VisibilityTimeout means the queue's
// default; a zero WaitTimeSeconds means return immediately.
type ReceiveRequest struct {
	MaxMessages       int
	VisibilityTimeout int
	WaitTimeSeconds   int
	AttributeNames    []string
}

type BatchSuccess struct {
	ID        string
	MessageID string
}

// BatchFailure reports why one entry of a batch call did not apply.
type BatchFailure struct {
	ID          string
	Code        string
	Message     string
	SenderFault bool
}

func (f BatchFailure) Error() string {
	return f.Code + ": " + f.Message
}

type BatchResult struct {
	Successful []BatchSuccess
	Failed     []BatchFailure
}

func (r *BatchResult) Succeed(id, messageID string) {
	r.Successful = append(r.Successful, BatchSuccess{ID: id, MessageID: messageID})
}

func (r *BatchResult) Fail(id string, err error) {
	r.Failed = append(r.Failed, NewBatchFailure(id, err))
}

// Backend is the remote queue service contract. Every queue-scoped call
// addresses the queue by the URL returned from CreateQueue or GetQueueURL.
type Backend interface {
	// Queue operations
	CreateQueue(ctx context.Context, name string, attributes map[string]string) (*QueueInfo, error)
	DeleteQueue(ctx context.Context, queueURL string) error
	GetQueueURL(ctx context.Context, name string) (string, error)
	ListQueues(ctx context.Context, prefix string) ([]string, error)
	GetQueueAttributes(ctx context.Context, queueURL string, names ...string) (map[string]string, error)
	SetQueueAttributes(ctx context.Context, queueURL string, attributes map[string]string) error

	// Message operations
	SendMessage(ctx context.Context, queueURL string, entry SendEntry) (string, error)
	SendMessageBatch(ctx context.Context, queueURL string, entries []SendEntry) (*BatchResult, error)
	ReceiveMessages(ctx context.Context, queueURL string, req ReceiveRequest) ([]*Message, error)
	DeleteMessage(ctx context.Context, queueURL string, receiptHandle string) error
	DeleteMessageBatch(ctx context.Context, queueURL string, entries []DeleteEntry) (*BatchResult, error)
	ChangeMessageVisibility(ctx context.Context, queueURL string, receiptHandle string, visibilityTimeout int) error
	ChangeMessageVisibilityBatch(ctx context.Context, queueURL string, entries []VisibilityEntry) (*BatchResult, error)

	// Maintenance
	PurgeQueue(ctx context.Context, queueURL string) error
	Close() error
}

// ConnectionFactory hands out backend connections. Each caller owns the
// connection it receives and closes it when done.
type ConnectionFactory interface {
	Connect() (Backend, error)
}

// ConnectionFactoryFunc adapts a function to ConnectionFactory.
type ConnectionFactoryFunc func() (Backend, error)

func (f ConnectionFactoryFunc) Connect() (Backend, error) { return f() }

// FailureCode maps a backend error onto its wire failure code.
func FailureCode(err error) string {
	switch {
	case errors.Is(err, ErrSimulatedFailure):
		return CodeSimulatedFailure
	case errors.Is(err, ErrReceiptHandleInvalid):
		return CodeReceiptHandleIsInvalid
	case errors.Is(err, ErrMessageNotInFlight):
		return CodeMessageNotInflight
	case errors.Is(err, ErrQueueDoesNotExist):
		return CodeNonExistentQueue
	case errors.Is(err, ErrInvalidAttribute):
		return CodeInvalidParameterValue
	}
	return CodeInternalError
}

// NewBatchFailure reports err for the batch entry id.
func NewBatchFailure(id string, err error) BatchFailure {
	code := FailureCode(err)
	return BatchFailure{
		ID:          id,
		Code:        code,
		Message:     err.Error(),
		SenderFault: code != CodeInternalError,
	}
}
