package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vidpipe/auth"
	"vidpipe/config"
	"vidpipe/encoder"
	"vidpipe/journal"
	"vidpipe/logger"
	"vidpipe/objectstore"
	"vidpipe/queue"
	"vidpipe/reconcile"
	"vidpipe/recordstore"
	"vidpipe/routes"
	"vidpipe/transcode"
	"vidpipe/upload"
	"vidpipe/utils"
	"vidpipe/videos"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	modeAPI    = "api"
	modeWorker = "worker"
	modeAll    = "all"
)

func main() {
	mode := flag.String("mode", modeAll, "process role: api, worker or all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	if cfg.LogFile != "" {
		if err := logger.Init(cfg.LogFile, true); err != nil {
			logger.Fatalf("Failed to open log file: %v", err)
		}
	}
	defer logger.Close()

	switch *mode {
	case modeAPI, modeWorker, modeAll:
	default:
		logger.Fatalf("Unknown mode %q", *mode)
	}
	if cfg.QueueBackend == "local" && *mode != modeAll {
		logger.Fatalf("The local queue backend only works with -mode=all")
	}
	logger.Infof("Starting vidpipe in %s mode (env=%s)", *mode, cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatalf("Failed to create data directory: %v", err)
	}

	var awsCfg aws.Config
	if cfg.ObjectBackend == "s3" || cfg.QueueBackend == "sqs" || cfg.RecordBackend == "dynamodb" {
		awsCfg, err = utils.LoadAWSConfig(ctx, cfg.Region)
		if err != nil {
			logger.Fatalf("%v", err)
		}
	}

	checks := map[string]func() error{}

	objects, local, err := openObjects(ctx, cfg, awsCfg)
	if err != nil {
		logger.Fatalf("Failed to initialize object store: %v", err)
	}
	if c, ok := objects.(interface{ Close() error }); ok {
		defer c.Close()
	}
	logger.Infof("Object store initialized (%s)", cfg.ObjectBackend)

	jobs, closeQueue, err := openQueue(cfg, awsCfg, checks)
	if err != nil {
		logger.Fatalf("Failed to initialize job queue: %v", err)
	}
	defer closeQueue()
	logger.Infof("Job queue initialized (%s)", cfg.QueueBackend)

	var (
		records recordstore.Store
		service *videos.Service
	)
	if *mode != modeWorker {
		records, err = openRecords(cfg, awsCfg, checks)
		if err != nil {
			logger.Fatalf("Failed to initialize record store: %v", err)
		}
		defer records.Close()
		service = videos.NewService(cfg, records, objects)
		logger.Infof("Record store initialized (%s)", cfg.RecordBackend)
	}

	g, ctx := errgroup.WithContext(ctx)

	if *mode != modeAPI {
		j, err := journal.Open(cfg.JournalDBPath())
		if err != nil {
			logger.Fatalf("Failed to initialize attempt journal: %v", err)
		}
		defer j.Close()
		checks["journal"] = j.CheckHealth

		var reporter transcode.Reporter
		if *mode == modeAll {
			reporter = transcode.DirectReporter{Service: service}
		} else {
			if cfg.APIInternalURL == "" {
				logger.Fatalf("API_INTERNAL_URL is required in worker mode")
			}
			reporter = transcode.NewHTTPReporter(cfg.APIInternalURL, cfg.JobToken)
		}

		codecs := encoder.NewDefaultRegistry(cfg.FFmpegPath)
		codec := encoder.CodecMKV
		if _, ok := codecs.Get(codec); !ok {
			logger.Warnf("ffmpeg not available, falling back to the %s encoder", encoder.CodecCopy)
			codec = encoder.CodecCopy
		}
		worker := transcode.NewWorker(cfg, transcode.WorkerDeps{
			Queue:    jobs,
			Objects:  objects,
			Codecs:   codecs,
			Codec:    codec,
			Reporter: reporter,
			Journal:  j,
		})
		g.Go(func() error { return worker.Run(ctx) })
		g.Go(func() error {
			journalCleanupRoutine(ctx, j, cfg.JournalRetention)
			return nil
		})
	}

	if *mode != modeWorker {
		handler := routes.NewRouter(cfg, routes.Deps{
			Policy:       auth.FromConfig(cfg),
			Uploads:      upload.NewCoordinator(cfg, objects, records),
			Videos:       service,
			Dispatcher:   transcode.NewDispatcher(records, jobs),
			LocalObjects: local,
			Checks:       checks,
		})
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			logger.Infof("vidpipe API listening on %s", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			logger.Info("Shutting down HTTP server")
			return srv.Shutdown(shutdownCtx)
		})

		// Past MaxReceiveCount leases the job has been dead-lettered.
		stuckAfter := time.Duration(cfg.MaxReceiveCount) * cfg.VisibilityTimeout
		sweeper := reconcile.NewSweeper(records, objects, cfg.ReconcileGrace, stuckAfter)
		g.Go(func() error {
			reconcileRoutine(ctx, sweeper, cfg.ReconcileInterval)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Errorf("vidpipe stopped with error: %v", err)
		return
	}
	logger.Info("vidpipe stopped")
}

func openObjects(ctx context.Context, cfg config.Config, awsCfg aws.Config) (objectstore.Store, *objectstore.LocalStore, error) {
	switch cfg.ObjectBackend {
	case "s3":
		return objectstore.NewS3(awsCfg, cfg.Bucket, objectstore.S3Options{
			Endpoint:       cfg.S3Endpoint,
			ForcePathStyle: cfg.S3ForcePathStyle,
			AccessKeyID:    cfg.S3AccessKeyID,
			SecretKey:      cfg.S3SecretKey,
		}), nil, nil
	case "gcs":
		s, err := objectstore.NewGCS(ctx, cfg.Bucket, cfg.GCSCredentials)
		return s, nil, err
	default:
		s, err := objectstore.NewLocal(cfg.LocalObjectDir, cfg.PublicBaseURL, []byte(cfg.ObjectSigningKey))
		return s, s, err
	}
}

func openQueue(cfg config.Config, awsCfg aws.Config, checks map[string]func() error) (queue.Queue, func(), error) {
	switch cfg.QueueBackend {
	case "sqs":
		return queue.NewSQS(awsCfg, cfg.QueueURL, cfg.VisibilityTimeout), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		q := queue.NewRedis(client, queue.RedisOptions{
			Key:        cfg.RedisQueueKey,
			Visibility: cfg.VisibilityTimeout,
			MaxReceive: cfg.MaxReceiveCount,
		})
		checks["queue"] = func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return q.Ping(ctx)
		}
		return q, func() { client.Close() }, nil
	default:
		q, err := queue.OpenLocal(cfg.QueueDBPath(), queue.LocalOptions{
			Visibility: cfg.VisibilityTimeout,
			MaxReceive: cfg.MaxReceiveCount,
		})
		if err != nil {
			return nil, nil, err
		}
		return q, func() { q.Close() }, nil
	}
}

func openRecords(cfg config.Config, awsCfg aws.Config, checks map[string]func() error) (recordstore.Store, error) {
	if cfg.RecordBackend == "dynamodb" {
		return recordstore.NewDynamo(awsCfg, cfg.DynamoTable, cfg.DynamoIndex), nil
	}
	s, err := recordstore.OpenPebble(cfg.RecordsDBPath())
	if err != nil {
		return nil, err
	}
	checks["records"] = s.CheckHealth
	return s, nil
}

// reconcileRoutine runs the reconcile sweep on every tick until ctx ends.
func reconcileRoutine(ctx context.Context, sweeper *reconcile.Sweeper, interval time.Duration) {
	if interval <= 0 {
		logger.Info("Reconcile routine disabled")
		return
	}
	logger.Infof("Reconcile routine started - will run every %v", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Reconcile routine stopped due to context cancellation")
			return
		case <-ticker.C:
			logger.Info("Running scheduled reconcile sweep")
			if _, err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("Reconcile sweep failed: %v", err)
			}
		}
	}
}

// journalCleanupRoutine drops journal entries older than maxAge once a day.
func journalCleanupRoutine(ctx context.Context, j *journal.Store, maxAge time.Duration) {
	logger.Info("Journal cleanup routine started - will run every 24 hours")
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Journal cleanup routine stopped due to context cancellation")
			return
		case <-ticker.C:
			logger.Debugf("Cleaning up journal entries older than %v", maxAge)
			n, err := j.CleanupOlderThan(maxAge)
			if err != nil {
				logger.Errorf("Failed to clean up journal: %v", err)
				continue
			}
			logger.Infof("Removed %d old journal entries", n)
		}
	}
}
