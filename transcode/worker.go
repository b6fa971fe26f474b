package transcode

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"vidpipe/apperr"
	"vidpipe/config"
	"vidpipe/encoder"
	"vidpipe/journal"
	"vidpipe/logger"
	"vidpipe/metrics"
	"vidpipe/models"
	"vidpipe/objectstore"
	"vidpipe/queue"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// Journal records job attempts. *journal.Store implements it.
type Journal interface {
	Record(a journal.Attempt) error
}

type WorkerDeps struct {
	Queue    queue.Queue
	Objects  objectstore.Store
	Codecs   *encoder.Registry
	Codec    string
	Reporter Reporter
	Journal  Journal
}

// Worker pulls transcode jobs off the queue. Each job holds its lease
// with a heartbeat and is acknowledged only after its result has been
// reported; any failure leaves the message to be redelivered.
type Worker struct {
	cfg  config.Config
	deps WorkerDeps
	now  func() time.Time
}

func NewWorker(cfg config.Config, deps WorkerDeps) *Worker {
	if deps.Codec == "" {
		deps.Codec = encoder.CodecMKV
	}
	return &Worker{cfg: cfg, deps: deps, now: time.Now}
}

// Run receives and processes jobs until ctx is cancelled, with at most
// MaxConcurrentJobs in flight. A slot is taken before receiving so the
// worker never holds a lease it cannot start on.
func (w *Worker) Run(ctx context.Context) error {
	slots := make(chan struct{}, max(w.cfg.MaxConcurrentJobs, 1))
	var g errgroup.Group

	logger.Infof("Worker started: codec=%s, concurrency=%d", w.deps.Codec, cap(slots))
loop:
	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			break loop
		}

		msgs, err := w.deps.Queue.Receive(ctx, 1, w.cfg.ReceiveWait)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				break loop
			}
			logger.Errorf("Failed to receive jobs: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				break loop
			}
			continue
		}
		if len(msgs) == 0 {
			<-slots
			continue
		}

		msg := msgs[0]
		g.Go(func() error {
			defer func() { <-slots }()
			w.Process(ctx, msg)
			return nil
		})
	}

	logger.Infof("Worker stopping, waiting for in-flight jobs")
	return g.Wait()
}

type jobResult struct {
	url  string
	size int64
}

// Process handles one delivery. The returned error is informational; the
// message has already been acknowledged or left for redelivery.
func (w *Worker) Process(ctx context.Context, msg queue.Message) error {
	attempt := journal.Attempt{
		MessageID:    msg.ID,
		ReceiveCount: msg.ReceiveCount,
		StartedAt:    w.now().UTC(),
	}

	var job models.JobMessage
	if err := decodeJob(msg.Body, &job); err != nil {
		// It can never succeed, so redelivering it only delays the DLQ.
		logger.With("message_id", msg.ID).Errorf("Dropping malformed job: %v", err)
		if ackErr := w.deps.Queue.Acknowledge(ctx, msg); ackErr != nil {
			logger.Warnf("Failed to acknowledge malformed job %s: %v", msg.ID, ackErr)
		}
		w.finish(attempt, journal.OutcomeMalformed, err)
		return err
	}
	attempt.VideoID, attempt.VariantID, attempt.DispatchID = job.VideoID, job.VariantID, job.DispatchID

	log := logger.With("message_id", msg.ID, "video_id", job.VideoID, "variant_id", job.VariantID, "receive_count", msg.ReceiveCount)
	log.Infof("Starting transcode %s -> %s", job.SourceKey, job.DestKey)

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	jobCtx, cancel := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		w.heartbeat(jobCtx, msg, log)
	}()

	res, err := w.execute(jobCtx, job, log)
	cancel()
	<-heartbeatDone

	if err != nil {
		if ctx.Err() != nil {
			log.Warnf("Interrupted by shutdown, leaving message for redelivery: %v", err)
			w.finish(attempt, journal.OutcomeInterrupted, err)
			return err
		}
		log.Errorf("Transcode failed: %v", err)
		if rerr := w.reportFailure(ctx, job, err, log); apperr.Is(rerr, apperr.NotFound) {
			w.drop(ctx, msg, attempt, rerr, log)
			return nil
		}
		w.finish(attempt, journal.OutcomeFailed, err)
		return err
	}

	update := models.JobStatusUpdate{
		Owner:      job.Owner,
		VideoID:    job.VideoID,
		VariantID:  job.VariantID,
		DispatchID: job.DispatchID,
		Status:     models.StatusCompleted,
		URL:        res.url,
		Size:       res.size,
	}
	if err := w.deps.Reporter.Report(ctx, update); err != nil {
		if apperr.Is(err, apperr.NotFound) {
			w.drop(ctx, msg, attempt, err, log)
			return nil
		}
		// The object is in place; a redelivery overwrites it and reports again.
		log.Errorf("Failed to report completion, leaving message for redelivery: %v", err)
		w.finish(attempt, journal.OutcomeFailed, err)
		return err
	}

	if err := w.deps.Queue.Acknowledge(ctx, msg); err != nil {
		if errors.Is(err, queue.ErrStaleReceipt) {
			log.Warnf("Lease was lost before acknowledging; another delivery will repeat the work")
		} else {
			log.Errorf("Failed to acknowledge job: %v", err)
		}
	}

	elapsed := w.now().Sub(attempt.StartedAt)
	metrics.TranscodeDuration.Observe(elapsed.Seconds())
	log.Infof("Transcode completed in %s (%d bytes)", elapsed.Round(time.Millisecond), res.size)
	w.finish(attempt, journal.OutcomeCompleted, nil)
	return nil
}

func decodeJob(body []byte, job *models.JobMessage) error {
	if err := json.Unmarshal(body, job); err != nil {
		return fmt.Errorf("invalid job payload: %w", err)
	}
	if job.VideoID == "" || job.VariantID == "" || job.Owner == "" || job.SourceKey == "" || job.DestKey == "" {
		return fmt.Errorf("job payload is missing required fields")
	}
	return nil
}

// heartbeat extends the lease every HeartbeatPeriod until ctx ends. A
// stale receipt means the lease is gone; the job keeps running since its
// writes are idempotent, but there is nothing left to extend.
func (w *Worker) heartbeat(ctx context.Context, msg queue.Message, log logger.Entry) {
	if w.cfg.HeartbeatPeriod <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(w.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := w.deps.Queue.ExtendLease(ctx, msg, w.cfg.VisibilityTimeout)
		switch {
		case err == nil:
			metrics.Heartbeats.Inc()
			log.Debugf("Extended lease by %s", w.cfg.VisibilityTimeout)
		case ctx.Err() != nil:
			return
		case errors.Is(err, queue.ErrStaleReceipt):
			metrics.HeartbeatFailures.Inc()
			log.Warnf("Lease lost, stopping heartbeat")
			return
		default:
			metrics.HeartbeatFailures.Inc()
			log.Warnf("Failed to extend lease: %v", err)
		}
	}
}

// execute downloads, transcodes, uploads and signs. The destination key is
// fixed per Variant, so a repeated attempt simply overwrites it.
func (w *Worker) execute(ctx context.Context, job models.JobMessage, log logger.Entry) (jobResult, error) {
	dir, err := os.MkdirTemp(w.cfg.WorkerTmpDir, "vidpipe-"+job.VariantID+"-")
	if err != nil {
		return jobResult{}, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warnf("Failed to clean up %s: %v", dir, err)
		}
	}()

	input := filepath.Join(dir, "input"+path.Ext(job.SourceKey))
	output := filepath.Join(dir, "output"+path.Ext(job.DestKey))

	if err := w.deps.Objects.Download(ctx, job.SourceKey, input); err != nil {
		return jobResult{}, fmt.Errorf("download %s: %w", job.SourceKey, err)
	}
	log.Debugf("Downloaded %s", job.SourceKey)

	encode, ok := w.deps.Codecs.Get(w.deps.Codec)
	if !ok {
		return jobResult{}, fmt.Errorf("encoder %s not registered", w.deps.Codec)
	}
	opts := encoder.EncodeOptions{Binary: w.cfg.FFmpegPath, Preset: w.cfg.FFmpegPreset}
	if err := encode(ctx, input, output, opts); err != nil {
		return jobResult{}, fmt.Errorf("encode: %w", err)
	}

	container := strings.TrimPrefix(path.Ext(job.DestKey), ".")
	if err := w.deps.Objects.Upload(ctx, output, job.DestKey, objectstore.ContentTypeFor(container)); err != nil {
		return jobResult{}, fmt.Errorf("upload %s: %w", job.DestKey, err)
	}

	info, err := w.deps.Objects.Stat(ctx, job.DestKey)
	if err != nil {
		return jobResult{}, fmt.Errorf("stat %s: %w", job.DestKey, err)
	}
	if !info.Exists {
		return jobResult{}, fmt.Errorf("uploaded object %s is not visible", job.DestKey)
	}

	url, err := w.deps.Objects.SignedReadHandle(ctx, job.DestKey, w.cfg.PresignTTL)
	if err != nil {
		return jobResult{}, fmt.Errorf("sign %s: %w", job.DestKey, err)
	}
	return jobResult{url: url, size: info.Size}, nil
}

func (w *Worker) reportFailure(ctx context.Context, job models.JobMessage, cause error, log logger.Entry) error {
	update := models.JobStatusUpdate{
		Owner:      job.Owner,
		VideoID:    job.VideoID,
		VariantID:  job.VariantID,
		DispatchID: job.DispatchID,
		Status:     models.StatusFailed,
		Error:      cause.Error(),
	}
	if err := w.deps.Reporter.Report(ctx, update); err != nil {
		log.Errorf("Failed to report failure: %v", err)
		return err
	}
	return nil
}

// drop acknowledges a job whose video was deleted while it ran. Any
// object it wrote is left to the reconcile sweep.
func (w *Worker) drop(ctx context.Context, msg queue.Message, a journal.Attempt, cause error, log logger.Entry) {
	log.Warnf("Video no longer exists, dropping job: %v", cause)
	if err := w.deps.Queue.Acknowledge(ctx, msg); err != nil {
		log.Errorf("Failed to acknowledge dropped job: %v", err)
	}
	w.finish(a, journal.OutcomeDropped, cause)
}

func (w *Worker) finish(a journal.Attempt, outcome string, err error) {
	metrics.Jobs.WithLabelValues(outcome).Inc()
	if w.deps.Journal == nil {
		return
	}
	a.Outcome = outcome
	a.FinishedAt = w.now().UTC()
	if err != nil {
		a.Error = err.Error()
	}
	if err := w.deps.Journal.Record(a); err != nil {
		logger.Warnf("Failed to journal attempt of %s: %v", a.MessageID, err)
	}
}
