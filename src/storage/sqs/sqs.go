// Package sqs adapts the AWS SQS API to storage.Backend.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	awssqs "github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"

	"sqs-buffer/src/queue"
	"sqs-buffer/src/storage"
)

// Config selects the SQS endpoint. Empty credentials fall back to the SDK's
// default chain.
type Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// ConnectionFactory shares one AWS session between all connections.
type ConnectionFactory struct {
	sess *session.Session
}

func NewConnectionFactory(cfg Config) (*ConnectionFactory, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return &ConnectionFactory{sess: sess}, nil
}

func (f *ConnectionFactory) Connect() (storage.Backend, error) {
	return New(awssqs.New(f.sess)), nil
}

// Backend talks to SQS through the SDK client.
type Backend struct {
	client sqsiface.SQSAPI
	closed atomic.Bool
}

var _ storage.Backend = (*Backend)(nil)

func New(client sqsiface.SQSAPI) *Backend {
	return &Backend{client: client}
}

func (b *Backend) check() error {
	if b.closed.Load() {
		return storage.ErrClosed
	}
	return nil
}

// translate maps AWS error codes onto storage sentinels.
func translate(err error) error {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return err
	}
	var sentinel error
	switch aerr.Code() {
	case awssqs.ErrCodeQueueDoesNotExist, "QueueDoesNotExist":
		sentinel = storage.ErrQueueDoesNotExist
	case awssqs.ErrCodeQueueNameExists:
		sentinel = storage.ErrQueueNameExists
	case awssqs.ErrCodeReceiptHandleIsInvalid, "InvalidReceiptHandle":
		sentinel = storage.ErrReceiptHandleInvalid
	case awssqs.ErrCodeMessageNotInflight, "MessageNotInflight":
		sentinel = storage.ErrMessageNotInFlight
	case awssqs.ErrCodeEmptyBatchRequest, "EmptyBatchRequest":
		sentinel = storage.ErrEmptyBatch
	case awssqs.ErrCodeTooManyEntriesInBatchRequest, "TooManyEntriesInBatchRequest":
		sentinel = storage.ErrTooManyEntries
	case awssqs.ErrCodeBatchEntryIdsNotDistinct, "BatchEntryIdsNotDistinct":
		sentinel = storage.ErrBatchEntryIDsNotDistinct
	case awssqs.ErrCodeInvalidAttributeName, storage.CodeInvalidParameterValue, "InvalidAttributeValue":
		sentinel = storage.ErrInvalidAttribute
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, aerr.Message())
}

func stringMap(m map[string]string) map[string]*string {
	if len(m) == 0 {
		return nil
	}
	return aws.StringMap(m)
}

func messageAttributes(m map[string]string) map[string]*awssqs.MessageAttributeValue {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]*awssqs.MessageAttributeValue, len(m))
	for k, v := range m {
		out[k] = &awssqs.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	return out
}

func failures(entries []*awssqs.BatchResultErrorEntry) []storage.BatchFailure {
	out := make([]storage.BatchFailure, 0, len(entries))
	for _, e := range entries {
		out = append(out, storage.BatchFailure{
			ID:          aws.StringValue(e.Id),
			Code:        aws.StringValue(e.Code),
			Message:     aws.StringValue(e.Message),
			SenderFault: aws.BoolValue(e.SenderFault),
		})
	}
	return out
}

func (b *Backend) CreateQueue(ctx context.Context, name string, attributes map[string]string) (*storage.QueueInfo, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if err := storage.ValidateQueueName(name); err != nil {
		return nil, err
	}
	out, err := b.client.CreateQueueWithContext(ctx, &awssqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: stringMap(attributes),
	})
	if err != nil {
		return nil, translate(err)
	}
	url := aws.StringValue(out.QueueUrl)
	attrs, err := b.GetQueueAttributes(ctx, url, queue.AttrQueueArn)
	if err != nil {
		return nil, err
	}
	return &storage.QueueInfo{Name: name, URL: url, ARN: attrs[queue.AttrQueueArn]}, nil
}

func (b *Backend) DeleteQueue(ctx context.Context, queueURL string) error {
	if err := b.check(); err != nil {
		return err
	}
	_, err := b.client.DeleteQueueWithContext(ctx, &awssqs.DeleteQueueInput{QueueUrl: aws.String(queueURL)})
	return translate(err)
}

func (b *Backend) GetQueueURL(ctx context.Context, name string) (string, error) {
	if err := b.check(); err != nil {
		return "", err
	}
	out, err := b.client.GetQueueUrlWithContext(ctx, &awssqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", translate(err)
	}
	return aws.StringValue(out.QueueUrl), nil
}

func (b *Backend) ListQueues(ctx context.Context, prefix string) ([]string, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	input := &awssqs.ListQueuesInput{MaxResults: aws.Int64(1000)}
	if prefix != "" {
		input.QueueNamePrefix = aws.String(prefix)
	}
	var urls []string
	err := b.client.ListQueuesPagesWithContext(ctx, input, func(page *awssqs.ListQueuesOutput, last bool) bool {
		urls = append(urls, aws.StringValueSlice(page.QueueUrls)...)
		return true
	})
	if err != nil {
		return nil, translate(err)
	}
	return urls, nil
}

func (b *Backend) GetQueueAttributes(ctx context.Context, queueURL string, names ...string) (map[string]string, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		names = []string{queue.AttrAll}
	}
	out, err := b.client.GetQueueAttributesWithContext(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: aws.StringSlice(names),
	})
	if err != nil {
		return nil, translate(err)
	}
	return aws.StringValueMap(out.Attributes), nil
}

func (b *Backend) SetQueueAttributes(ctx context.Context, queueURL string, attributes map[string]string) error {
	if err := b.check(); err != nil {
		return err
	}
	_, err := b.client.SetQueueAttributesWithContext(ctx, &awssqs.SetQueueAttributesInput{
		QueueUrl:   aws.String(queueURL),
		Attributes: aws.StringMap(attributes),
	})
	return translate(err)
}

func (b *Backend) SendMessage(ctx context.Context, queueURL string, entry storage.SendEntry) (string, error) {
	if err := b.check(); err != nil {
		return "", err
	}
	out, err := b.client.SendMessageWithContext(ctx, &awssqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(entry.Body),
		MessageAttributes: messageAttributes(entry.Attributes),
	})
	if err != nil {
		return "", translate(err)
	}
	return aws.StringValue(out.MessageId), nil
}

func (b *Backend) SendMessageBatch(ctx context.Context, queueURL string, entries []storage.SendEntry) (*storage.BatchResult, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if err := storage.ValidateBatch(queue.KindSend, storage.SendEntryIDs(entries)); err != nil {
		return nil, err
	}
	input := &awssqs.SendMessageBatchInput{QueueUrl: aws.String(queueURL)}
	for _, e := range entries {
		input.Entries = append(input.Entries, &awssqs.SendMessageBatchRequestEntry{
			Id:                aws.String(e.ID),
			MessageBody:       aws.String(e.Body),
			MessageAttributes: messageAttributes(e.Attributes),
		})
	}
	out, err := b.client.SendMessageBatchWithContext(ctx, input)
	if err != nil {
		return nil, translate(err)
	}
	result := &storage.BatchResult{Failed: failures(out.Failed)}
	for _, s := range out.Successful {
		result.Succeed(aws.StringValue(s.Id), aws.StringValue(s.MessageId))
	}
	return result, nil
}

func (b *Backend) ReceiveMessages(ctx context.Context, queueURL string, req storage.ReceiveRequest) ([]*storage.Message, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	limit := req.MaxMessages
	if limit <= 0 {
		limit = 1
	}
	input := &awssqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queueURL),
		MaxNumberOfMessages:   aws.Int64(int64(limit)),
		WaitTimeSeconds:       aws.Int64(int64(req.WaitTimeSeconds)),
		MessageAttributeNames: aws.StringSlice([]string{queue.AttrAll}),
	}
	if req.VisibilityTimeout > 0 {
		input.VisibilityTimeout = aws.Int64(int64(req.VisibilityTimeout))
	}
	if len(req.AttributeNames) > 0 {
		input.AttributeNames = aws.StringSlice(req.AttributeNames)
	}
	out, err := b.client.ReceiveMessageWithContext(ctx, input)
	if err != nil {
		return nil, translate(err)
	}

	msgs := make([]*storage.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := &storage.Message{
			ID:            aws.StringValue(m.MessageId),
			ReceiptHandle: aws.StringValue(m.ReceiptHandle),
			Body:          aws.StringValue(m.Body),
			MD5OfBody:     aws.StringValue(m.MD5OfBody),
			Attributes:    aws.StringValueMap(m.Attributes),
		}
		for k, v := range m.MessageAttributes {
			msg.Attributes[k] = aws.StringValue(v.StringValue)
		}
		if n, err := strconv.Atoi(msg.Attributes["ApproximateReceiveCount"]); err == nil {
			msg.ReceiveCount = n
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (b *Backend) DeleteMessage(ctx context.Context, queueURL string, receiptHandle string) error {
	if err := b.check(); err != nil {
		return err
	}
	_, err := b.client.DeleteMessageWithContext(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return translate(err)
}

func (b *Backend) DeleteMessageBatch(ctx context.Context, queueURL string, entries []storage.DeleteEntry) (*storage.BatchResult, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if err := storage.ValidateBatch(queue.KindDelete, storage.DeleteEntryIDs(entries)); err != nil {
		return nil, err
	}
	input := &awssqs.DeleteMessageBatchInput{QueueUrl: aws.String(queueURL)}
	for _, e := range entries {
		input.Entries = append(input.Entries, &awssqs.DeleteMessageBatchRequestEntry{
			Id:            aws.String(e.ID),
			ReceiptHandle: aws.String(e.ReceiptHandle),
		})
	}
	out, err := b.client.DeleteMessageBatchWithContext(ctx, input)
	if err != nil {
		return nil, translate(err)
	}
	result := &storage.BatchResult{Failed: failures(out.Failed)}
	for _, s := range out.Successful {
		result.Succeed(aws.StringValue(s.Id), "")
	}
	return result, nil
}

func (b *Backend) ChangeMessageVisibility(ctx context.Context, queueURL string, receiptHandle string, visibilityTimeout int) error {
	if err := b.check(); err != nil {
		return err
	}
	if visibilityTimeout < 0 {
		visibilityTimeout = 0
	}
	_, err := b.client.ChangeMessageVisibilityWithContext(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: aws.Int64(int64(visibilityTimeout)),
	})
	return translate(err)
}

func (b *Backend) ChangeMessageVisibilityBatch(ctx context.Context, queueURL string, entries []storage.VisibilityEntry) (*storage.BatchResult, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if err := storage.ValidateBatch(queue.KindChangeVisibility, storage.VisibilityEntryIDs(entries)); err != nil {
		return nil, err
	}
	input := &awssqs.ChangeMessageVisibilityBatchInput{QueueUrl: aws.String(queueURL)}
	for _, e := range entries {
		timeout := e.VisibilityTimeout
		if timeout < 0 {
			timeout = 0
		}
		input.Entries = append(input.Entries, &awssqs.ChangeMessageVisibilityBatchRequestEntry{
			Id:                aws.String(e.ID),
			ReceiptHandle:     aws.String(e.ReceiptHandle),
			VisibilityTimeout: aws.Int64(int64(timeout)),
		})
	}
	out, err := b.client.ChangeMessageVisibilityBatchWithContext(ctx, input)
	if err != nil {
		return nil, translate(err)
	}
	result := &storage.BatchResult{Failed: failures(out.Failed)}
	for _, s := range out.Successful {
		result.Succeed(aws.StringValue(s.Id), "")
	}
	return result, nil
}

func (b *Backend) PurgeQueue(ctx context.Context, queueURL string) error {
	if err := b.check(); err != nil {
		return err
	}
	_, err := b.client.PurgeQueueWithContext(ctx, &awssqs.PurgeQueueInput{QueueUrl: aws.String(queueURL)})
	return translate(err)
}

// Close detaches this connection. The shared session has nothing to release.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}
