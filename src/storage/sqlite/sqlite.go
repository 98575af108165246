package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"sqs-buffer/src/queue"
	"sqs-buffer/src/storage"
)

const defaultPollInterval = 100 * time.Millisecond

type Option func(*SQLiteStorage)

func WithClock(c clockwork.Clock) Option {
	return func(s *SQLiteStorage) { s.clock = c }
}

func WithBaseURL(u string) Option {
	return func(s *SQLiteStorage) { s.baseURL = strings.TrimRight(u, "/") }
}

func WithPollInterval(d time.Duration) Option {
	return func(s *SQLiteStorage) { s.pollInterval = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *SQLiteStorage) { s.logger = l }
}

// SQLiteStorage keeps queues and messages in a SQLite file so they survive
// restarts. Visibility deadlines are stored as unix nanoseconds.
type SQLiteStorage struct {
	db           *sql.DB
	clock        clockwork.Clock
	baseURL      string
	accountID    string
	region       string
	pollInterval time.Duration
	logger       *zap.Logger
}

var _ storage.Backend = (*SQLiteStorage)(nil)

func NewSQLiteStorage(dbPath string, opts ...Option) (*SQLiteStorage, error) {
	// Use WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite works better with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStorage{
		db:           db,
		clock:        clockwork.NewRealClock(),
		baseURL:      "http://localhost:4566",
		accountID:    "000000000000",
		region:       "local",
		pollInterval: defaultPollInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// Connect hands out a session on the shared database.
func (s *SQLiteStorage) Connect() (storage.Backend, error) {
	return storage.NewSession(s), nil
}

func (s *SQLiteStorage) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS queues (
			name TEXT PRIMARY KEY,
			url TEXT NOT NULL UNIQUE,
			arn TEXT NOT NULL UNIQUE,
			visibility_timeout_seconds INTEGER NOT NULL DEFAULT 30,
			receive_message_wait_time_seconds INTEGER NOT NULL DEFAULT 0,
			redrive_policy TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			body TEXT NOT NULL,
			attributes TEXT,
			md5_of_body TEXT NOT NULL,
			receipt_handle TEXT,
			receive_count INTEGER NOT NULL DEFAULT 0,
			in_flight INTEGER NOT NULL DEFAULT 0,
			visible_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (queue_name) REFERENCES queues(name) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_name ON messages(queue_name, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_receipt_handle ON messages(receipt_handle)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}

type queueRow struct {
	name     string
	arn      string
	settings storage.QueueSettings
	created  int64
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanQueue(row *sql.Row) (*queueRow, error) {
	var q queueRow
	var redrive string
	err := row.Scan(&q.name, &q.arn, &q.settings.VisibilityTimeout, &q.settings.ReceiveWaitTime, &redrive, &q.created)
	if err != nil {
		return nil, err
	}
	if q.settings.RedrivePolicy, err = queue.ParseRedrivePolicy(redrive); err != nil {
		return nil, err
	}
	return &q, nil
}

const queueColumns = `name, arn, visibility_timeout_seconds, receive_message_wait_time_seconds, redrive_policy, created_at`

func (s *SQLiteStorage) queueByURL(ctx context.Context, db querier, queueURL string) (*queueRow, error) {
	q, err := scanQueue(db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE url = ?`, queueURL))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", queueURL, storage.ErrQueueDoesNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue: %w", err)
	}
	return q, nil
}

func (s *SQLiteStorage) CreateQueue(ctx context.Context, name string, attributes map[string]string) (*storage.QueueInfo, error) {
	if err := storage.ValidateQueueName(name); err != nil {
		return nil, err
	}
	settings, err := storage.DefaultQueueSettings().Apply(attributes)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	info := storage.QueueInfo{
		Name: name,
		URL:  fmt.Sprintf("%s/%s/%s", s.baseURL, s.accountID, name),
		ARN:  fmt.Sprintf("arn:aws:sqs:%s:%s:%s", s.region, s.accountID, name),
	}

	existing, err := scanQueue(tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE name = ?`, name))
	switch {
	case err == nil:
		if existing.settings.VisibilityTimeout != settings.VisibilityTimeout ||
			existing.settings.ReceiveWaitTime != settings.ReceiveWaitTime {
			return nil, fmt.Errorf("%s: %w", name, storage.ErrQueueNameExists)
		}
		return &info, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to get queue: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO queues (
		name, url, arn, visibility_timeout_seconds, receive_message_wait_time_seconds, redrive_policy, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.Name, info.URL, info.ARN, settings.VisibilityTimeout, settings.ReceiveWaitTime,
		settings.RedriveString(), s.clock.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &info, nil
}

// DeleteQueue removes the queue; its messages go with it through the
// foreign key cascade.
func (s *SQLiteStorage) DeleteQueue(ctx context.Context, queueURL string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM queues WHERE url = ?", queueURL)
	if err != nil {
		return fmt.Errorf("failed to delete queue %s: %w", queueURL, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", queueURL, storage.ErrQueueDoesNotExist)
	}
	return nil
}

func (s *SQLiteStorage) GetQueueURL(ctx context.Context, name string) (string, error) {
	var url string
	err := s.db.QueryRowContext(ctx, "SELECT url FROM queues WHERE name = ?", name).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", name, storage.ErrQueueDoesNotExist)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get queue url: %w", err)
	}
	return url, nil
}

func (s *SQLiteStorage) ListQueues(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT url FROM queues WHERE substr(name, 1, length(?)) = ? ORDER BY url", prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		urls = append(urls, url)
	}
	return urls, rows.Err()
}

func (s *SQLiteStorage) GetQueueAttributes(ctx context.Context, queueURL string, names ...string) (map[string]string, error) {
	q, err := s.queueByURL(ctx, s.db, queueURL)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UnixNano()
	var visible, notVisible int
	err = s.db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(CASE WHEN in_flight = 0 OR visible_at <= ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN in_flight = 1 AND visible_at > ? THEN 1 ELSE 0 END), 0)
		FROM messages WHERE queue_name = ?`, now, now, q.name).Scan(&visible, &notVisible)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	return storage.FilterAttributes(q.settings.Attributes(q.arn, q.created, visible, notVisible), names), nil
}

func (s *SQLiteStorage) SetQueueAttributes(ctx context.Context, queueURL string, attributes map[string]string) error {
	q, err := s.queueByURL(ctx, s.db, queueURL)
	if err != nil {
		return err
	}
	settings, err := q.settings.Apply(attributes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE queues SET
		visibility_timeout_seconds = ?, receive_message_wait_time_seconds = ?, redrive_policy = ?
		WHERE name = ?`,
		settings.VisibilityTimeout, settings.ReceiveWaitTime, settings.RedriveString(), q.name)
	if err != nil {
		return fmt.Errorf("failed to update queue attributes: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStorage) insertMessage(ctx context.Context, db execer, queueName string, entry storage.SendEntry) (string, error) {
	id := uuid.New().String()
	attributesJSON, _ := json.Marshal(entry.Attributes)
	_, err := db.ExecContext(ctx, `INSERT INTO messages (id, queue_name, body, attributes, md5_of_body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, queueName, entry.Body, string(attributesJSON), storage.MD5OfBody(entry.Body), s.clock.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return id, nil
}

// SendMessage stores one message. A body equal to storage.FailureSentinel is
// rejected with an empty message id.
func (s *SQLiteStorage) SendMessage(ctx context.Context, queueURL string, entry storage.SendEntry) (string, error) {
	q, err := s.queueByURL(ctx, s.db, queueURL)
	if err != nil {
		return "", err
	}
	if entry.Body == storage.FailureSentinel {
		return "", nil
	}
	return s.insertMessage(ctx, s.db, q.name, entry)
}

func (s *SQLiteStorage) SendMessageBatch(ctx context.Context, queueURL string, entries []storage.SendEntry) (*storage.BatchResult, error) {
	q, err := s.queueByURL(ctx, s.db, queueURL)
	if err != nil {
		return nil, err
	}
	if err := storage.ValidateBatch(queue.KindSend, storage.SendEntryIDs(entries)); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result := &storage.BatchResult{}
	for _, entry := range entries {
		if entry.Body == storage.FailureSentinel {
			result.Fail(entry.ID, storage.ErrSimulatedFailure)
			continue
		}
		id, err := s.insertMessage(ctx, tx, q.name, entry)
		if err != nil {
			result.Fail(entry.ID, err)
			continue
		}
		result.Succeed(entry.ID, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return result, nil
}

// ReceiveMessages leases up to req.MaxMessages visible messages, polling
// until the wait time elapses when none are available.
func (s *SQLiteStorage) ReceiveMessages(ctx context.Context, queueURL string, req storage.ReceiveRequest) ([]*storage.Message, error) {
	limit := req.MaxMessages
	if limit <= 0 {
		limit = 1
	}
	if err := queue.CheckBatchSize(queue.KindReceive, limit); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidAttribute, err)
	}
	wait, err := queue.ClampWaitTime(req.WaitTimeSeconds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidAttribute, err)
	}
	if _, err := queue.ClampVisibilityTimeout(req.VisibilityTimeout); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidAttribute, err)
	}

	deadline := s.clock.Now().Add(time.Duration(wait) * time.Second)
	for {
		msgs, err := s.receiveOnce(ctx, queueURL, limit, req)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || !s.clock.Now().Before(deadline) {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(s.pollInterval):
		}
	}
}

type candidate struct {
	msg        storage.Message
	attributes sql.NullString
}

func (s *SQLiteStorage) receiveOnce(ctx context.Context, queueURL string, limit int, req storage.ReceiveRequest) ([]*storage.Message, error) {
	now := s.clock.Now()

	// Use a transaction to ensure consistency
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	q, err := s.queueByURL(ctx, tx, queueURL)
	if err != nil {
		return nil, err
	}

	var dlqName string
	maxReceiveCount := 0
	if p := q.settings.RedrivePolicy; p != nil {
		err := tx.QueryRowContext(ctx, "SELECT name FROM queues WHERE arn = ?", p.DeadLetterTargetARN).Scan(&dlqName)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to get dead-letter queue: %w", err)
		}
		if dlqName != "" && dlqName != q.name {
			maxReceiveCount = p.MaxReceiveCount
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, body, attributes, md5_of_body, receive_count
		FROM messages
		WHERE queue_name = ? AND (in_flight = 0 OR visible_at <= ?)
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`, q.name, now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.msg.ID, &c.msg.Body, &c.attributes, &c.msg.MD5OfBody, &c.msg.ReceiveCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()

	vt := q.settings.VisibilityTimeout
	if req.VisibilityTimeout > 0 {
		vt = req.VisibilityTimeout
	}
	visibleAt := now.Add(time.Duration(vt) * time.Second).UnixNano()

	var messages []*storage.Message
	moved := 0
	for _, c := range candidates {
		if maxReceiveCount > 0 && c.msg.ReceiveCount >= maxReceiveCount {
			_, err := tx.ExecContext(ctx, `UPDATE messages SET queue_name = ?, receive_count = 0, in_flight = 0,
				visible_at = 0, receipt_handle = NULL WHERE id = ?`, dlqName, c.msg.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to move message to DLQ: %w", err)
			}
			moved++
			continue
		}

		msg := c.msg
		msg.ReceiveCount++
		msg.ReceiptHandle = uuid.New().String()
		if c.attributes.Valid {
			json.Unmarshal([]byte(c.attributes.String), &msg.Attributes)
		}
		if msg.Attributes == nil {
			msg.Attributes = map[string]string{}
		}
		if wantsReceiveCount(req.AttributeNames) {
			msg.Attributes["ApproximateReceiveCount"] = fmt.Sprint(msg.ReceiveCount)
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE messages SET receive_count = ?, receipt_handle = ?, in_flight = 1, visible_at = ? WHERE id = ?",
			msg.ReceiveCount, msg.ReceiptHandle, visibleAt, msg.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to update message visibility: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	if moved > 0 {
		s.logger.Info("messages moved to dead-letter queue",
			zap.String("queue", q.name), zap.String("dlq", dlqName), zap.Int("count", moved))
	}
	return messages, nil
}

func wantsReceiveCount(names []string) bool {
	for _, n := range names {
		if n == queue.AttrAll || n == "ApproximateReceiveCount" {
			return true
		}
	}
	return false
}

// lease resolves a receipt handle to a live lease. An expired lease is
// released and reported as not in flight.
func (s *SQLiteStorage) lease(ctx context.Context, tx *sql.Tx, queueName, receiptHandle string, now time.Time) (string, error) {
	if receiptHandle == storage.FailureSentinel {
		return "", storage.ErrSimulatedFailure
	}
	var id string
	var inFlight bool
	var visibleAt int64
	err := tx.QueryRowContext(ctx,
		"SELECT id, in_flight, visible_at FROM messages WHERE queue_name = ? AND receipt_handle = ?",
		queueName, receiptHandle).Scan(&id, &inFlight, &visibleAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrReceiptHandleInvalid
	}
	if err != nil {
		return "", fmt.Errorf("failed to get message: %w", err)
	}
	if !inFlight || visibleAt <= now.UnixNano() {
		if err := release(ctx, tx, id); err != nil {
			return "", err
		}
		return "", storage.ErrMessageNotInFlight
	}
	return id, nil
}

func release(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE messages SET in_flight = 0, visible_at = 0, receipt_handle = NULL WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to release message: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) deleteLease(ctx context.Context, tx *sql.Tx, queueName, receiptHandle string, now time.Time) (string, error) {
	id, err := s.lease(ctx, tx, queueName, receiptHandle, now)
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
		return "", fmt.Errorf("failed to delete message: %w", err)
	}
	return id, nil
}

// changeLease sets the lease to expire timeout seconds from now; a timeout of
// zero or less releases the message at once.
func (s *SQLiteStorage) changeLease(ctx context.Context, tx *sql.Tx, queueName, receiptHandle string, timeout int, now time.Time) error {
	if timeout > queue.MaxVisibilityTimeout {
		return fmt.Errorf("%w: visibility timeout %d", storage.ErrInvalidAttribute, timeout)
	}
	id, err := s.lease(ctx, tx, queueName, receiptHandle, now)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		return release(ctx, tx, id)
	}
	_, err = tx.ExecContext(ctx, "UPDATE messages SET visible_at = ? WHERE id = ?",
		now.Add(time.Duration(timeout)*time.Second).UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to change message visibility: %w", err)
	}
	return nil
}

// withQueueTx runs fn in a transaction that is committed even when fn
// reports a lease error, so that expired leases stay released.
func (s *SQLiteStorage) withQueueTx(ctx context.Context, queueURL string, fn func(tx *sql.Tx, queueName string, now time.Time) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	q, err := s.queueByURL(ctx, tx, queueURL)
	if err != nil {
		return err
	}
	opErr := fn(tx, q.name, s.clock.Now())
	if opErr != nil && !isLeaseError(opErr) {
		return opErr
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return opErr
}

func isLeaseError(err error) bool {
	return errors.Is(err, storage.ErrReceiptHandleInvalid) ||
		errors.Is(err, storage.ErrMessageNotInFlight) ||
		errors.Is(err, storage.ErrSimulatedFailure) ||
		errors.Is(err, storage.ErrInvalidAttribute)
}

func (s *SQLiteStorage) DeleteMessage(ctx context.Context, queueURL string, receiptHandle string) error {
	return s.withQueueTx(ctx, queueURL, func(tx *sql.Tx, queueName string, now time.Time) error {
		_, err := s.deleteLease(ctx, tx, queueName, receiptHandle, now)
		return err
	})
}

func (s *SQLiteStorage) DeleteMessageBatch(ctx context.Context, queueURL string, entries []storage.DeleteEntry) (*storage.BatchResult, error) {
	if err := storage.ValidateBatch(queue.KindDelete, storage.DeleteEntryIDs(entries)); err != nil {
		return nil, err
	}
	result := &storage.BatchResult{}
	err := s.withQueueTx(ctx, queueURL, func(tx *sql.Tx, queueName string, now time.Time) error {
		for _, entry := range entries {
			id, err := s.deleteLease(ctx, tx, queueName, entry.ReceiptHandle, now)
			switch {
			case err == nil:
				result.Succeed(entry.ID, id)
			case isLeaseError(err):
				result.Fail(entry.ID, err)
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStorage) ChangeMessageVisibility(ctx context.Context, queueURL string, receiptHandle string, visibilityTimeout int) error {
	return s.withQueueTx(ctx, queueURL, func(tx *sql.Tx, queueName string, now time.Time) error {
		return s.changeLease(ctx, tx, queueName, receiptHandle, visibilityTimeout, now)
	})
}

func (s *SQLiteStorage) ChangeMessageVisibilityBatch(ctx context.Context, queueURL string, entries []storage.VisibilityEntry) (*storage.BatchResult, error) {
	if err := storage.ValidateBatch(queue.KindChangeVisibility, storage.VisibilityEntryIDs(entries)); err != nil {
		return nil, err
	}
	result := &storage.BatchResult{}
	err := s.withQueueTx(ctx, queueURL, func(tx *sql.Tx, queueName string, now time.Time) error {
		for _, entry := range entries {
			err := s.changeLease(ctx, tx, queueName, entry.ReceiptHandle, entry.VisibilityTimeout, now)
			switch {
			case err == nil:
				result.Succeed(entry.ID, "")
			case isLeaseError(err):
				result.Fail(entry.ID, err)
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PurgeQueue deletes every visible message. Live leases survive.
func (s *SQLiteStorage) PurgeQueue(ctx context.Context, queueURL string) error {
	q, err := s.queueByURL(ctx, s.db, queueURL)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE queue_name = ? AND (in_flight = 0 OR visible_at <= ?)",
		q.name, s.clock.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to purge queue: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
