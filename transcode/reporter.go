package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vidpipe/apperr"
	"vidpipe/logger"
	"vidpipe/models"
	"vidpipe/videos"
)

// JobTokenHeader carries the shared secret on worker reports.
const JobTokenHeader = "x-job-token"

// JobStatusPath is where the API accepts worker reports.
const JobStatusPath = "/api/v1/internal/job-status"

// Reporter delivers a terminal job outcome to the record store.
type Reporter interface {
	Report(ctx context.Context, u models.JobStatusUpdate) error
}

// DirectReporter applies reports in-process, for -mode=all.
type DirectReporter struct {
	Service *videos.Service
}

func (r DirectReporter) Report(ctx context.Context, u models.JobStatusUpdate) error {
	_, _, err := r.Service.ApplyJobStatus(ctx, u)
	return err
}

// HTTPReporter posts reports to the API's job-status ingress.
type HTTPReporter struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPReporter(baseURL, token string) *HTTPReporter {
	return &HTTPReporter{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *HTTPReporter) Report(ctx context.Context, u models.JobStatusUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal job status: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+JobStatusPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create job status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "vidpipe-worker/1.0")
	req.Header.Set(JobTokenHeader, r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("job status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		// Only the API's own NOT_FOUND envelope means the variant is gone;
		// a bare 404 is a misrouted request and must stay retryable.
		if resp.StatusCode == http.StatusNotFound && envelopeCode(body) == apperr.NotFound {
			return apperr.New(apperr.NotFound, "job status target gone: %s", strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("job status returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	logger.Debugf("Reported %s for %s/%s", u.Status, u.VideoID, u.VariantID)
	return nil
}

// envelopeCode extracts error.code from an API error response, or ""
// when body is not one.
func envelopeCode(body []byte) apperr.Kind {
	var env struct {
		Error struct {
			Code apperr.Kind `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) != nil {
		return ""
	}
	return env.Error.Code
}
