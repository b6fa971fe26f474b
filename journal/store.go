// Package journal keeps a worker-local record of every job attempt, so an
// operator can see why a message ended up on the dead-letter channel.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	pebble "github.com/cockroachdb/pebble"
)

// Attempt outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeMalformed   = "malformed"
	OutcomeInterrupted = "interrupted"
	OutcomeDropped     = "dropped"
)

// Attempt is one delivery of a job message handled by this worker.
type Attempt struct {
	MessageID    string    `json:"messageId"`
	VideoID      string    `json:"videoId,omitempty"`
	VariantID    string    `json:"variantId,omitempty"`
	DispatchID   string    `json:"dispatchId,omitempty"`
	ReceiveCount int       `json:"receiveCount"`
	Outcome      string    `json:"outcome"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

type Store struct {
	db  *pebble.DB
	now func() time.Time
}

// Open opens the journal database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func attemptPrefix(messageID string) string {
	return "a/" + messageID + "/"
}

func attemptKey(a Attempt) []byte {
	return []byte(fmt.Sprintf("%s%06d", attemptPrefix(a.MessageID), a.ReceiveCount))
}

// Record stores an attempt. A redelivered message gets a new entry per
// receive count; recording the same delivery twice overwrites.
func (s *Store) Record(a Attempt) error {
	if a.MessageID == "" {
		return fmt.Errorf("attempt without message id")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt: %w", err)
	}
	return s.db.Set(attemptKey(a), data, pebble.Sync)
}

func (s *Store) scan(lower, upper []byte) ([]Attempt, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []Attempt
	for iter.First(); iter.Valid(); iter.Next() {
		var a Attempt
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iteration error: %w", err)
	}
	return out, nil
}

// ListFor returns the attempts of one message in delivery order.
func (s *Store) ListFor(messageID string) ([]Attempt, error) {
	prefix := attemptPrefix(messageID)
	return s.scan([]byte(prefix), []byte(prefix[:len(prefix)-1]+"0"))
}

// List returns every attempt.
func (s *Store) List() ([]Attempt, error) {
	return s.scan([]byte("a/"), []byte("a0"))
}

// CleanupOlderThan removes attempts that finished before now-maxAge and
// returns how many were removed.
func (s *Store) CleanupOlderThan(maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: []byte("a/"), UpperBound: []byte("a0")})
	if err != nil {
		return 0, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		var a Attempt
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			continue
		}
		if a.FinishedAt.Before(cutoff) {
			b.Delete(append([]byte(nil), iter.Key()...), nil)
			n++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to delete old attempts: %w", err)
	}
	return n, nil
}

// CheckHealth performs a basic read against the database.
func (s *Store) CheckHealth() error {
	_, closer, err := s.db.Get([]byte("__health_check__"))
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("journal health check failed: %w", err)
	}
	if closer != nil {
		closer.Close()
	}
	return nil
}
