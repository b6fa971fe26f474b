package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"vidpipe/logger"
	"vidpipe/utils"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

// Keys inside the queue database:
//
//	m/<id>                  message record (JSON)
//	v/<visibleAt>/<id>      visibility index, zero-padded unix nanos
//	d/<id>                  dead-lettered message (JSON)
const (
	msgPrefix  = "m/"
	visPrefix  = "v/"
	deadPrefix = "d/"
)

type record struct {
	ID           string            `json:"id"`
	Body         []byte            `json:"body"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	ReceiveCount int               `json:"receiveCount"`
	Receipt      string            `json:"receipt,omitempty"`
	VisibleAt    int64             `json:"visibleAt"`
	EnqueuedAt   time.Time         `json:"enqueuedAt"`
}

// LocalOptions configure the embedded queue.
type LocalOptions struct {
	Visibility time.Duration
	MaxReceive int
	Now        func() time.Time
}

// LocalQueue is a Pebble-backed queue with SQS delivery semantics. It
// serves single-process deployments (-mode=all) and tests.
type LocalQueue struct {
	DB       *pebble.DB
	DataFile string

	mu         sync.Mutex
	visibility time.Duration
	maxReceive int
	now        func() time.Time
}

// OpenLocal opens (or creates) the queue database at dataFile.
func OpenLocal(dataFile string, opts LocalOptions) (*LocalQueue, error) {
	db, err := pebble.Open(dataFile, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 30 * time.Second
	}
	if opts.MaxReceive <= 0 {
		opts.MaxReceive = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LocalQueue{
		DB:         db,
		DataFile:   dataFile,
		visibility: opts.Visibility,
		maxReceive: opts.MaxReceive,
		now:        opts.Now,
	}, nil
}

// Close closes the underlying DB.
func (q *LocalQueue) Close() error {
	return q.DB.Close()
}

func visKey(visibleAt int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", visPrefix, visibleAt, id))
}

func (q *LocalQueue) load(id string) (*record, error) {
	data, closer, err := q.DB.Get([]byte(msgPrefix + id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt queue record %s: %w", id, err)
	}
	return &rec, nil
}

func setRecord(b *pebble.Batch, key string, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Set([]byte(key), data, nil)
}

func (q *LocalQueue) Enqueue(ctx context.Context, body []byte, attrs map[string]string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	rec := &record{
		ID:         uuid.NewString(),
		Body:       body,
		Attributes: attrs,
		VisibleAt:  now.UnixNano(),
		EnqueuedAt: now,
	}

	b := q.DB.NewBatch()
	defer b.Close()
	if err := setRecord(b, msgPrefix+rec.ID, rec); err != nil {
		return "", err
	}
	b.Set(visKey(rec.VisibleAt, rec.ID), nil, nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return "", fmt.Errorf("failed to enqueue: %w", err)
	}
	return rec.ID, nil
}

// Receive long-polls for up to wait (wall clock) until at least one
// message is visible.
func (q *LocalQueue) Receive(ctx context.Context, limit int, wait time.Duration) ([]Message, error) {
	if limit <= 0 {
		limit = 1
	}
	deadline := time.Now().Add(wait)
	for {
		msgs, err := q.receiveOnce(limit)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if err := sleepCtx(ctx, min(pollInterval, remaining)); err != nil {
			return nil, err
		}
	}
}

type candidate struct {
	key []byte
	id  string
}

func (q *LocalQueue) visibleCandidates(now int64, limit int) ([]candidate, error) {
	iter, err := q.DB.NewIter(&pebble.IterOptions{
		LowerBound: []byte(visPrefix),
		UpperBound: visKey(now+1, ""),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []candidate
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		id := string(key[len(visPrefix)+21:])
		out = append(out, candidate{key: key, id: id})
	}
	return out, iter.Error()
}

func (q *LocalQueue) receiveOnce(limit int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	cands, err := q.visibleCandidates(now.UnixNano(), limit+64)
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue: %w", err)
	}

	var out []Message
	for _, c := range cands {
		if len(out) >= limit {
			break
		}
		rec, err := q.load(c.id)
		if err != nil {
			return out, err
		}

		b := q.DB.NewBatch()
		b.Delete(c.key, nil)

		switch {
		case rec == nil:
			// index entry without a record; drop it
		case rec.ReceiveCount >= q.maxReceive:
			b.Delete([]byte(msgPrefix+rec.ID), nil)
			if err := setRecord(b, deadPrefix+rec.ID, rec); err != nil {
				b.Close()
				return out, err
			}
			logger.With("message_id", rec.ID, "receive_count", rec.ReceiveCount).
				Warnf("Moved message to dead-letter channel")
		default:
			suffix, err := utils.GenerateRandomHex(4)
			if err != nil {
				b.Close()
				return out, err
			}
			rec.ReceiveCount++
			rec.Receipt = rec.ID + ":" + strconv.Itoa(rec.ReceiveCount) + ":" + suffix
			rec.VisibleAt = now.Add(q.visibility).UnixNano()
			if err := setRecord(b, msgPrefix+rec.ID, rec); err != nil {
				b.Close()
				return out, err
			}
			b.Set(visKey(rec.VisibleAt, rec.ID), nil, nil)
			out = append(out, Message{
				ID:            rec.ID,
				Body:          rec.Body,
				ReceiptHandle: rec.Receipt,
				ReceiveCount:  rec.ReceiveCount,
				Attributes:    rec.Attributes,
			})
		}

		err = b.Commit(pebble.Sync)
		b.Close()
		if err != nil {
			return out, fmt.Errorf("failed to commit receive: %w", err)
		}
	}
	return out, nil
}

// current loads the record msg refers to, failing when the receipt is stale.
func (q *LocalQueue) current(msg Message) (*record, error) {
	rec, err := q.load(msg.ID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Receipt != msg.ReceiptHandle {
		return nil, ErrStaleReceipt
	}
	return rec, nil
}

func (q *LocalQueue) ExtendLease(ctx context.Context, msg Message, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.current(msg)
	if err != nil {
		return err
	}

	b := q.DB.NewBatch()
	defer b.Close()
	b.Delete(visKey(rec.VisibleAt, rec.ID), nil)
	rec.VisibleAt = q.now().Add(d).UnixNano()
	if err := setRecord(b, msgPrefix+rec.ID, rec); err != nil {
		return err
	}
	b.Set(visKey(rec.VisibleAt, rec.ID), nil, nil)
	return b.Commit(pebble.Sync)
}

func (q *LocalQueue) Acknowledge(ctx context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.current(msg)
	if err != nil {
		return err
	}

	b := q.DB.NewBatch()
	defer b.Close()
	b.Delete([]byte(msgPrefix+rec.ID), nil)
	b.Delete(visKey(rec.VisibleAt, rec.ID), nil)
	return b.Commit(pebble.Sync)
}

// DeadLetters lists the side channel for manual inspection.
func (q *LocalQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	iter, err := q.DB.NewIter(&pebble.IterOptions{
		LowerBound: []byte(deadPrefix),
		UpperBound: []byte("d0"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []DeadLetter
	for iter.First(); iter.Valid(); iter.Next() {
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out = append(out, DeadLetter{ID: rec.ID, Body: rec.Body, Attributes: rec.Attributes, ReceiveCount: rec.ReceiveCount})
	}
	return out, iter.Error()
}
