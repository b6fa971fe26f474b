package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"vidpipe/apperr"
	"vidpipe/encoder"
	"vidpipe/journal"
	"vidpipe/models"
	"vidpipe/queue"
)

func readObject(t *testing.T, f *fixture, key string) string {
	t.Helper()
	dst := filepath.Join(t.TempDir(), "out")
	if err := f.objects.Download(context.Background(), key, dst); err != nil {
		t.Fatalf("Download %s failed: %v", key, err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	return string(data)
}

func TestWorkerCompletesJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seed(t, "alice", "original bytes")

	if _, err := f.dispatcher.Dispatch(ctx, alice, id, DispatchOptions{}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	msgs := f.drain(t)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(msgs))
	}

	if err := f.worker(nil).Process(ctx, msgs[0]); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	v, _ := f.transcoded(t, "alice", id)
	if v.Status != models.StatusCompleted || v.URL == "" || v.Size != int64(len("original bytes")) {
		t.Errorf("Unexpected variant after job %+v", v)
	}
	if got := readObject(t, f, v.ObjectKey); got != "original bytes" {
		t.Errorf("Transcoded object holds %q", got)
	}

	// Acknowledged: it never comes back.
	f.clock.Advance(2 * visibility)
	if n := len(f.drain(t)); n != 0 {
		t.Errorf("Acknowledged job was redelivered %d times", n)
	}
	attempts, _ := f.journal.ListFor(msgs[0].ID)
	if len(attempts) != 1 || attempts[0].Outcome != journal.OutcomeCompleted || attempts[0].VideoID != id {
		t.Errorf("Unexpected journal %+v", attempts)
	}
}

// A worker that dies mid-job loses its lease; the redelivered copy
// completes and the stale receipt cannot acknowledge anymore.
func TestWorkerRedeliveryAfterLeaseExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seed(t, "alice", "payload")

	if _, err := f.dispatcher.Dispatch(ctx, alice, id, DispatchOptions{}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	crashed := f.drain(t)
	if len(crashed) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(crashed))
	}

	f.clock.Advance(visibility + time.Second)
	redelivered := f.drain(t)
	if len(redelivered) != 1 || redelivered[0].ID != crashed[0].ID || redelivered[0].ReceiveCount != 2 {
		t.Fatalf("Expected the same job redelivered, got %+v", redelivered)
	}

	if err := f.worker(nil).Process(ctx, redelivered[0]); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if err := f.queue.Acknowledge(ctx, crashed[0]); !errors.Is(err, queue.ErrStaleReceipt) {
		t.Errorf("Expected stale receipt for the first delivery, got %v", err)
	}

	v, ok := f.transcoded(t, "alice", id)
	if !ok || v.Status != models.StatusCompleted {
		t.Errorf("Expected one completed variant, got %+v", v)
	}
	f.clock.Advance(2 * visibility)
	if n := len(f.drain(t)); n != 0 {
		t.Errorf("Expected an empty queue, got %d", n)
	}
}

func TestWorkerFailureLeavesMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seed(t, "alice", "payload")

	f.codecs.Add("broken", func(ctx context.Context, input, output string, opts encoder.EncodeOptions) error {
		return errors.New("corrupt input")
	})
	w := f.worker(nil)
	w.deps.Codec = "broken"

	if _, err := f.dispatcher.Dispatch(ctx, alice, id, DispatchOptions{}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	msgs := f.drain(t)
	if err := w.Process(ctx, msgs[0]); err == nil {
		t.Fatal("Expected Process to fail")
	}

	v, _ := f.transcoded(t, "alice", id)
	if v.Status != models.StatusFailed || v.Error == "" {
		t.Errorf("Expected failed variant, got %+v", v)
	}
	attempts, _ := f.journal.ListFor(msgs[0].ID)
	if len(attempts) != 1 || attempts[0].Outcome != journal.OutcomeFailed {
		t.Errorf("Unexpected journal %+v", attempts)
	}

	// Not acknowledged: it is delivered again after the lease.
	f.clock.Advance(visibility + time.Second)
	again := f.drain(t)
	if len(again) != 1 || again[0].ID != msgs[0].ID {
		t.Fatalf("Expected redelivery, got %+v", again)
	}
	if err := f.worker(nil).Process(ctx, again[0]); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	v, _ = f.transcoded(t, "alice", id)
	if v.Status != models.StatusCompleted || v.Error != "" {
		t.Errorf("Expected retry to complete, got %+v", v)
	}
}

func TestWorkerDropsMalformedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.queue.Enqueue(ctx, []byte(`{"videoId":`), nil); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	msgs := f.drain(t)
	if err := f.worker(nil).Process(ctx, msgs[0]); err == nil {
		t.Error("Expected an error for a malformed job")
	}
	f.clock.Advance(2 * visibility)
	if n := len(f.drain(t)); n != 0 {
		t.Errorf("Malformed job was redelivered")
	}
	attempts, _ := f.journal.ListFor(msgs[0].ID)
	if len(attempts) != 1 || attempts[0].Outcome != journal.OutcomeMalformed {
		t.Errorf("Unexpected journal %+v", attempts)
	}
}

type flakyReporter struct {
	inner Reporter
	fails atomic.Int32
}

func (r *flakyReporter) Report(ctx context.Context, u models.JobStatusUpdate) error {
	if r.fails.Add(-1) >= 0 {
		return errors.New("api unreachable")
	}
	return r.inner.Report(ctx, u)
}

func TestWorkerDoesNotAckUnreportedResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seed(t, "alice", "payload")

	reporter := &flakyReporter{inner: DirectReporter{Service: f.service}}
	reporter.fails.Store(1)

	f.dispatcher.Dispatch(ctx, alice, id, DispatchOptions{})
	msgs := f.drain(t)
	if err := f.worker(reporter).Process(ctx, msgs[0]); err == nil {
		t.Fatal("Expected failure when the report cannot be delivered")
	}
	if v, _ := f.transcoded(t, "alice", id); v.Status != models.StatusProcessing {
		t.Errorf("Variant should still be processing, got %s", v.Status)
	}

	f.clock.Advance(visibility + time.Second)
	again := f.drain(t)
	if len(again) != 1 {
		t.Fatalf("Expected redelivery, got %d", len(again))
	}
	if err := f.worker(reporter).Process(ctx, again[0]); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if v, _ := f.transcoded(t, "alice", id); v.Status != models.StatusCompleted {
		t.Errorf("Expected completed after retry, got %s", v.Status)
	}
}

func TestWorkerRun(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := []string{f.seed(t, "alice", "one"), f.seed(t, "alice", "two"), f.seed(t, "alice", "three")}
	for _, id := range ids {
		if _, err := f.dispatcher.Dispatch(ctx, alice, id, DispatchOptions{}); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- f.worker(nil).Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for _, id := range ids {
		for {
			v, _ := f.transcoded(t, "alice", id)
			if v.Status == models.StatusCompleted {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("Video %s not transcoded in time: %+v", id, v)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestHTTPReporter(t *testing.T) {
	var got models.JobStatusUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != JobStatusPath || r.Header.Get(JobTokenHeader) != "secret" {
			http.Error(w, "denied", http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	update := models.JobStatusUpdate{Owner: "alice", VideoID: "v", VariantID: "v_1", Status: models.StatusFailed, Error: "boom"}
	if err := NewHTTPReporter(srv.URL+"/", "secret").Report(context.Background(), update); err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if got != update {
		t.Errorf("Server received %+v", got)
	}
	if err := NewHTTPReporter(srv.URL, "wrong").Report(context.Background(), update); err == nil {
		t.Error("Expected an error for a rejected report")
	}
}

// Deleting a video mid-job removes its records; the worker's report then
// has no target and the job is acknowledged instead of redelivered.
func TestWorkerDropsJobForDeletedVideo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seed(t, "alice", "short lived")

	if _, err := f.dispatcher.Dispatch(ctx, alice, id, DispatchOptions{}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	msgs := f.drain(t)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(msgs))
	}
	if _, err := f.service.Delete(ctx, alice, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if err := f.worker(nil).Process(ctx, msgs[0]); err != nil {
		t.Fatalf("Process returned %v for a dropped job", err)
	}

	f.clock.Advance(2 * visibility)
	if n := len(f.drain(t)); n != 0 {
		t.Errorf("Dropped job was redelivered %d times", n)
	}
	attempts, _ := f.journal.ListFor(msgs[0].ID)
	if len(attempts) != 1 || attempts[0].Outcome != journal.OutcomeDropped {
		t.Errorf("Unexpected journal %+v", attempts)
	}
}

func TestHTTPReporterNotFoundNeedsEnvelope(t *testing.T) {
	update := models.JobStatusUpdate{Owner: "alice", VideoID: "v", VariantID: "v_1", Status: models.StatusFailed}

	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"code":"NOT_FOUND","message":"variant v_1 of video v not found"}}`)
	}))
	defer gone.Close()
	if err := NewHTTPReporter(gone.URL, "secret").Report(context.Background(), update); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("Expected NotFound for the API envelope, got %v", err)
	}

	misrouted := httptest.NewServer(http.NotFoundHandler())
	defer misrouted.Close()
	err := NewHTTPReporter(misrouted.URL+"/api/v1", "secret").Report(context.Background(), update)
	if err == nil || apperr.Is(err, apperr.NotFound) {
		t.Errorf("Expected a retryable error for a plain 404, got %v", err)
	}
}

// A worker pointed at the wrong API address must keep its finished job
// queued rather than treat the 404 as a deleted video.
func TestWorkerKeepsJobOnMisroutedReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.seed(t, "alice", "payload")

	if _, err := f.dispatcher.Dispatch(ctx, alice, id, DispatchOptions{}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	msgs := f.drain(t)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(msgs))
	}

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if err := f.worker(NewHTTPReporter(srv.URL+"/api/v1", "secret")).Process(ctx, msgs[0]); err == nil {
		t.Fatal("Expected Process to fail when the report is misrouted")
	}

	f.clock.Advance(2 * visibility)
	if n := len(f.drain(t)); n != 1 {
		t.Errorf("Expected the job to be redelivered once, got %d", n)
	}
	attempts, _ := f.journal.ListFor(msgs[0].ID)
	if len(attempts) != 1 || attempts[0].Outcome != journal.OutcomeFailed {
		t.Errorf("Unexpected journal %+v", attempts)
	}
}
