package memory

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"sqs-buffer/src/queue"
	"sqs-buffer/src/storage"
)

// Status of a queue item.
type Status int

const (
	Queued Status = iota
	InFlight
)

func (s Status) String() string {
	if s == InFlight {
		return "InFlight"
	}
	return "Queued"
}

type item struct {
	id           string
	receipt      string
	body         string
	md5          string
	attributes   map[string]string
	status       Status
	expiry       time.Time
	receiveCount int
	sentAt       time.Time
}

// effectiveStatus is the status of it as observed at now. An in-flight item
// whose lease has run out reads as Queued even before it is moved back.
func effectiveStatus(it *item, now time.Time) Status {
	if it.status == InFlight && !now.Before(it.expiry) {
		return Queued
	}
	return it.status
}

func (it *item) message(attributeNames []string) *storage.Message {
	m := &storage.Message{
		ID:            it.id,
		ReceiptHandle: it.receipt,
		Body:          it.body,
		MD5OfBody:     it.md5,
		ReceiveCount:  it.receiveCount,
		Attributes:    make(map[string]string, len(it.attributes)+2),
	}
	for k, v := range it.attributes {
		m.Attributes[k] = v
	}
	for _, name := range attributeNames {
		switch name {
		case queue.AttrAll:
			m.Attributes["ApproximateReceiveCount"] = strconv.Itoa(it.receiveCount)
			m.Attributes["SentTimestamp"] = strconv.FormatInt(it.sentAt.UnixMilli(), 10)
		case "ApproximateReceiveCount":
			m.Attributes[name] = strconv.Itoa(it.receiveCount)
		case "SentTimestamp":
			m.Attributes[name] = strconv.FormatInt(it.sentAt.UnixMilli(), 10)
		}
	}
	return m
}

type queueState struct {
	mu sync.Mutex

	info     storage.QueueInfo
	settings storage.QueueSettings
	created  time.Time

	queued   []*item
	inflight map[string]*item // by receipt handle
	byID     map[string]*item
}

func newQueueState(info storage.QueueInfo, settings storage.QueueSettings, now time.Time) *queueState {
	return &queueState{
		info:     info,
		settings: settings,
		created:  now,
		inflight: make(map[string]*item),
		byID:     make(map[string]*item),
	}
}

// push appends a new item. Callers hold q.mu.
func (q *queueState) push(it *item) {
	it.status = Queued
	it.receipt = ""
	q.queued = append(q.queued, it)
	q.byID[it.id] = it
}

// requeue moves an in-flight item back to the queued list, invalidating its
// receipt handle. Callers hold q.mu.
func (q *queueState) requeue(it *item) {
	delete(q.inflight, it.receipt)
	it.receipt = ""
	it.status = Queued
	it.expiry = time.Time{}
	q.queued = append(q.queued, it)
}

// reclaim requeues every in-flight item whose lease has expired.
func (q *queueState) reclaim(now time.Time) {
	for _, it := range q.inflight {
		if effectiveStatus(it, now) == Queued {
			q.requeue(it)
		}
	}
}

// lease hands out up to limit queued items. Items that already reached the
// redrive threshold are returned separately when deadLetters is true.
func (q *queueState) lease(now time.Time, limit, visibilityTimeout int, deadLetters bool) (leased, dead []*item) {
	for len(leased) < limit && len(q.queued) > 0 {
		it := q.queued[0]
		q.queued[0] = nil
		q.queued = q.queued[1:]

		if deadLetters && it.receiveCount >= q.settings.RedrivePolicy.MaxReceiveCount {
			delete(q.byID, it.id)
			dead = append(dead, it)
			continue
		}

		it.status = InFlight
		it.receipt = uuid.New().String()
		it.expiry = now.Add(time.Duration(visibilityTimeout) * time.Second)
		it.receiveCount++
		q.inflight[it.receipt] = it
		leased = append(leased, it)
	}
	return leased, dead
}

// inFlightItem looks up a lease and applies the validity rules shared by
// delete and change-visibility. Callers hold q.mu.
func (q *queueState) inFlightItem(receipt string, now time.Time) (*item, error) {
	it, ok := q.inflight[receipt]
	if !ok {
		return nil, storage.ErrReceiptHandleInvalid
	}
	if effectiveStatus(it, now) != InFlight {
		q.requeue(it)
		return nil, storage.ErrMessageNotInFlight
	}
	return it, nil
}

func (q *queueState) remove(it *item) {
	delete(q.inflight, it.receipt)
	delete(q.byID, it.id)
}

// changeVisibility extends the lease by timeout seconds on top of its
// current expiry; timeout <= 0 releases the item immediately.
func (q *queueState) changeVisibility(receipt string, timeout int, now time.Time) error {
	it, err := q.inFlightItem(receipt, now)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		q.requeue(it)
		return nil
	}
	it.expiry = it.expiry.Add(time.Duration(timeout) * time.Second)
	return nil
}

// purge drops every queued item, including leases that already expired.
func (q *queueState) purge(now time.Time) {
	q.reclaim(now)
	for _, it := range q.queued {
		delete(q.byID, it.id)
	}
	q.queued = nil
}

// counts reports visible and not-visible items as observed at now without
// reclaiming anything.
func (q *queueState) counts(now time.Time) (visible, notVisible int) {
	visible = len(q.queued)
	for _, it := range q.inflight {
		if effectiveStatus(it, now) == InFlight {
			notVisible++
		} else {
			visible++
		}
	}
	return visible, notVisible
}

func (q *queueState) attributes(now time.Time) map[string]string {
	visible, notVisible := q.counts(now)
	return q.settings.Attributes(q.info.ARN, q.created.Unix(), visible, notVisible)
}
