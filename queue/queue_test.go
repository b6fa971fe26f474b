package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type deadLetterer interface {
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
}

// backend builds a queue with a 30s visibility timeout and at most three
// deliveries, driven by clock.
type backend func(t *testing.T, clock *fakeClock) Queue

func receiveOne(t *testing.T, q Queue) (Message, bool) {
	t.Helper()
	msgs, err := q.Receive(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(msgs) > 1 {
		t.Fatalf("Expected at most one message, got %d", len(msgs))
	}
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[0], true
}

func testLeaseLifecycle(t *testing.T, newQueue backend) {
	clock := newFakeClock()
	q := newQueue(t, clock)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte(`{"videoId":"vid_a"}`), map[string]string{"owner": "alice"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	first, ok := receiveOne(t, q)
	if !ok {
		t.Fatal("Expected a message")
	}
	if first.ID != id || string(first.Body) != `{"videoId":"vid_a"}` || first.ReceiveCount != 1 {
		t.Fatalf("Unexpected first delivery %+v", first)
	}
	if first.Attributes["owner"] != "alice" {
		t.Errorf("Attributes lost: %v", first.Attributes)
	}

	if _, ok := receiveOne(t, q); ok {
		t.Fatal("Leased message was delivered twice")
	}

	// Lease runs out without an ack: the message comes back.
	clock.Advance(31 * time.Second)
	second, ok := receiveOne(t, q)
	if !ok {
		t.Fatal("Expected redelivery after lease expiry")
	}
	if second.ID != id || second.ReceiveCount != 2 || second.ReceiptHandle == first.ReceiptHandle {
		t.Fatalf("Unexpected redelivery %+v", second)
	}

	if err := q.ExtendLease(ctx, first, time.Minute); !errors.Is(err, ErrStaleReceipt) {
		t.Errorf("Expected ErrStaleReceipt extending an old receipt, got %v", err)
	}
	if err := q.Acknowledge(ctx, first); !errors.Is(err, ErrStaleReceipt) {
		t.Errorf("Expected ErrStaleReceipt acking an old receipt, got %v", err)
	}

	if err := q.ExtendLease(ctx, second, time.Minute); err != nil {
		t.Fatalf("ExtendLease failed: %v", err)
	}
	clock.Advance(31 * time.Second)
	if _, ok := receiveOne(t, q); ok {
		t.Fatal("Extended lease did not hide the message")
	}

	if err := q.Acknowledge(ctx, second); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	clock.Advance(5 * time.Minute)
	if _, ok := receiveOne(t, q); ok {
		t.Fatal("Acknowledged message was delivered again")
	}
	if err := q.Acknowledge(ctx, second); !errors.Is(err, ErrStaleReceipt) {
		t.Errorf("Expected ErrStaleReceipt on double ack, got %v", err)
	}
}

func testDeadLetter(t *testing.T, newQueue backend) {
	clock := newFakeClock()
	q := newQueue(t, clock)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte("poison"), nil)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	for i := 1; i <= 3; i++ {
		msg, ok := receiveOne(t, q)
		if !ok || msg.ReceiveCount != i {
			t.Fatalf("Delivery %d: got %+v (ok=%v)", i, msg, ok)
		}
		clock.Advance(31 * time.Second)
	}
	if _, ok := receiveOne(t, q); ok {
		t.Fatal("Message delivered beyond the receive limit")
	}

	dead, err := q.(deadLetterer).DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != id || string(dead[0].Body) != "poison" || dead[0].ReceiveCount != 3 {
		t.Errorf("Unexpected dead letters %+v", dead)
	}
}

func testReceiveWaits(t *testing.T, newQueue backend) {
	q := newQueue(t, newFakeClock())
	start := time.Now()
	msgs, err := q.Receive(context.Background(), 1, 120*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("Expected empty receive, got %d", len(msgs))
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("Receive returned before the wait elapsed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Receive(ctx, 1, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
