package models

// JobMessage is the payload carried by the job queue for one transcode.
type JobMessage struct {
	VideoID    string `json:"videoId"`
	VariantID  string `json:"variantId"`
	Owner      string `json:"owner"`
	SourceKey  string `json:"sourceKey"`
	DestKey    string `json:"destKey"`
	DispatchID string `json:"dispatchId"`
}

// JobStatusUpdate is what a worker reports when a job reaches a terminal state.
type JobStatusUpdate struct {
	Owner      string          `json:"owner"`
	VideoID    string          `json:"videoId"`
	VariantID  string          `json:"variantId"`
	DispatchID string          `json:"dispatchId,omitempty"`
	Status     TranscodeStatus `json:"status"`
	URL        string          `json:"url,omitempty"`
	Size       int64           `json:"size,omitempty"`
	Error      string          `json:"error,omitempty"`
}
