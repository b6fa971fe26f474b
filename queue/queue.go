// Package queue is the at-least-once job channel between the dispatcher
// and the transcode workers.
//
// A received message stays invisible to other consumers until its lease
// (visibility timeout) runs out. Workers extend the lease while they work
// and acknowledge on success; an unacknowledged message is delivered
// again once the lease expires. After MaxReceiveCount deliveries the
// backend moves it to a dead-letter channel instead of delivering it.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrStaleReceipt is returned when a receipt no longer identifies the
// current delivery of a message: it was acknowledged, or its lease
// expired and someone else received it.
var ErrStaleReceipt = errors.New("queue: receipt is no longer valid")

// Message is one delivery of a queued payload.
type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
	ReceiveCount  int
	Attributes    map[string]string
}

// Queue is implemented by the SQS, Redis and embedded pebble backends.
// There is no negative acknowledgement: letting the lease lapse is the
// failure signal.
type Queue interface {
	Enqueue(ctx context.Context, body []byte, attrs map[string]string) (string, error)
	Receive(ctx context.Context, limit int, wait time.Duration) ([]Message, error)
	ExtendLease(ctx context.Context, msg Message, d time.Duration) error
	Acknowledge(ctx context.Context, msg Message) error
}

// DeadLetter is a message that exhausted its deliveries.
type DeadLetter struct {
	ID           string            `json:"id"`
	Body         []byte            `json:"body"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	ReceiveCount int               `json:"receiveCount"`
}

// pollInterval bounds how often backends without native long polling
// re-check for visible messages while waiting.
const pollInterval = 50 * time.Millisecond

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
