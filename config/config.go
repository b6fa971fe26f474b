package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const mb = int64(1024 * 1024)

// MinPartSize is the smallest chunk most object stores accept for a
// non-final multipart part.
const MinPartSize = 5 * mb

// MinJWTSecretLen is the shortest HS256 key go-jose accepts.
const MinJWTSecretLen = 32

// Config is built once at startup and handed by value to every component.
// Nothing in the process mutates it afterwards.
type Config struct {
	Environment string
	HTTPAddr    string
	DataDir     string
	LogLevel    string
	LogFile     string

	RecordBackend string // pebble | dynamodb
	DynamoTable   string
	DynamoIndex   string

	ObjectBackend     string // s3 | gcs | local
	Bucket            string
	Region            string
	S3Endpoint        string
	S3ForcePathStyle  bool
	S3AccessKeyID     string
	S3SecretKey       string
	GCSCredentials    string
	LocalObjectDir    string
	PublicBaseURL     string
	ObjectSigningKey  string
	PresignTTL        time.Duration
	AllowedMediaTypes []string

	MultipartThreshold int64
	PartSize           int64
	MaxUploadSize      int64

	QueueBackend      string // sqs | redis | local
	QueueURL          string
	RedisAddr         string
	RedisQueueKey     string
	MaxReceiveCount   int
	VisibilityTimeout time.Duration
	HeartbeatPeriod   time.Duration
	ReceiveWait       time.Duration

	MaxConcurrentJobs int
	FFmpegPath        string
	FFmpegPreset      string
	WorkerTmpDir      string

	JWTSecret      string
	JWTIssuer      string
	OwnerPolicy    string // jwt | header
	OwnerHeader    string
	AdminOwners    []string
	JobToken       string
	APIInternalURL string

	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration
	JournalRetention  time.Duration
}

// Load reads an optional .env file and then the process environment.
// Values already present in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		DataDir:     getDataDir(),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     os.Getenv("LOG_FILE"),

		RecordBackend: getEnv("RECORD_BACKEND", "pebble"),
		DynamoTable:   getEnv("DDB_TABLE", "videos"),
		DynamoIndex:   getEnv("DDB_OWNER_INDEX", "owner-createdAt-index"),

		ObjectBackend:     getEnv("OBJECT_BACKEND", "local"),
		Bucket:            os.Getenv("VIDEO_BUCKET"),
		Region:            getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3ForcePathStyle:  getBool("S3_FORCE_PATH_STYLE", false),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretKey:       os.Getenv("S3_SECRET_ACCESS_KEY"),
		GCSCredentials:    os.Getenv("GCS_CREDENTIALS_FILE"),
		LocalObjectDir:    getEnv("LOCAL_OBJECT_DIR", "./objects"),
		PublicBaseURL:     strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		ObjectSigningKey:  os.Getenv("OBJECT_SIGNING_KEY"),
		PresignTTL:        getSeconds("PRESIGNED_TTL_SECONDS", 3600),
		AllowedMediaTypes: getList("ALLOWED_CONTENT_TYPES", []string{"video/mp4"}),

		MultipartThreshold: getInt64("MULTIPART_THRESHOLD_MB", 100) * mb,
		PartSize:           max(getInt64("MULTIPART_PART_SIZE_MB", 10)*mb, MinPartSize),
		MaxUploadSize:      getInt64("MAX_UPLOAD_MB", 10*1024) * mb,

		QueueBackend:      getEnv("QUEUE_BACKEND", "local"),
		QueueURL:          os.Getenv("JOBS_QUEUE_URL"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisQueueKey:     getEnv("REDIS_QUEUE_KEY", "vidpipe:jobs"),
		MaxReceiveCount:   int(getInt64("QUEUE_MAX_RECEIVE", 5)),
		VisibilityTimeout: getSeconds("VISIBILITY_TIMEOUT_SECONDS", 300),
		HeartbeatPeriod:   getSeconds("HEARTBEAT_PERIOD_SECONDS", 120),
		ReceiveWait:       getSeconds("RECEIVE_WAIT_SECONDS", 20),

		MaxConcurrentJobs: int(getInt64("MAX_CONCURRENT_JOBS", 1)),
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		FFmpegPreset:      getEnv("FFMPEG_PRESET", "veryfast"),
		WorkerTmpDir:      getEnv("WORKER_TMP_DIR", os.TempDir()),

		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTIssuer:      os.Getenv("JWT_ISSUER"),
		OwnerPolicy:    getEnv("OWNER_POLICY", "jwt"),
		OwnerHeader:    getEnv("OWNER_HEADER", "X-Owner"),
		AdminOwners:    getList("ADMIN_OWNERS", nil),
		JobToken:       os.Getenv("API_JOB_STATUS_TOKEN"),
		APIInternalURL: os.Getenv("API_INTERNAL_URL"),

		ReconcileInterval: getDuration("RECONCILE_INTERVAL", time.Hour),
		ReconcileGrace:    getDuration("RECONCILE_GRACE", 24*time.Hour),
		JournalRetention:  getDuration("JOURNAL_RETENTION", 30*24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the cross-field constraints Load cannot express as defaults.
func (c Config) Validate() error {
	if c.HeartbeatPeriod <= 0 || c.HeartbeatPeriod >= c.VisibilityTimeout {
		return fmt.Errorf("heartbeat period %v must be positive and shorter than visibility timeout %v",
			c.HeartbeatPeriod, c.VisibilityTimeout)
	}
	if c.PartSize < MinPartSize {
		return fmt.Errorf("part size %d is below the %d byte minimum", c.PartSize, MinPartSize)
	}
	if c.MultipartThreshold < c.PartSize {
		return fmt.Errorf("multipart threshold %d is smaller than part size %d", c.MultipartThreshold, c.PartSize)
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.MaxReceiveCount < 1 {
		return fmt.Errorf("QUEUE_MAX_RECEIVE must be at least 1")
	}

	switch c.ObjectBackend {
	case "s3", "gcs":
		if c.Bucket == "" {
			return fmt.Errorf("VIDEO_BUCKET is required for object backend %q", c.ObjectBackend)
		}
	case "local":
	default:
		return fmt.Errorf("unknown object backend %q", c.ObjectBackend)
	}

	switch c.QueueBackend {
	case "sqs":
		if c.QueueURL == "" {
			return fmt.Errorf("JOBS_QUEUE_URL is required for the sqs queue backend")
		}
	case "redis", "local":
	default:
		return fmt.Errorf("unknown queue backend %q", c.QueueBackend)
	}

	switch c.RecordBackend {
	case "pebble", "dynamodb":
	default:
		return fmt.Errorf("unknown record backend %q", c.RecordBackend)
	}

	switch c.OwnerPolicy {
	case "jwt":
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required for the jwt owner policy")
		}
		if len(c.JWTSecret) < MinJWTSecretLen {
			return fmt.Errorf("JWT_SECRET must be at least %d bytes for HS256, got %d", MinJWTSecretLen, len(c.JWTSecret))
		}
	case "header":
	default:
		return fmt.Errorf("unknown owner policy %q", c.OwnerPolicy)
	}
	return nil
}

// IsProduction reports whether error responses must hide stack detail.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getSeconds(key string, fallback int64) time.Duration {
	return time.Duration(getInt64(key, fallback)) * time.Second
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
