package models

import "time"

// TranscodeStatus is the lifecycle state of a Variant.
type TranscodeStatus string

const (
	StatusProcessing TranscodeStatus = "processing"
	StatusCompleted  TranscodeStatus = "completed"
	StatusFailed     TranscodeStatus = "failed"
)

// IsTerminal reports whether no further work is expected for the status.
func (s TranscodeStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s TranscodeStatus) Valid() bool {
	return s == StatusProcessing || s.IsTerminal()
}

// Variant format tags.
const (
	FormatOriginal   = "original"
	FormatTranscoded = "transcoded"

	ResolutionOriginal = "original"
)

// Container extensions of the stored objects.
const (
	ContainerOriginal   = "mp4"
	ContainerTranscoded = "mkv"
)

// Video is one uploaded asset. VideoID, CreatedBy and CreatedAt never change.
type Video struct {
	VideoID     string    `json:"videoId" dynamodbav:"videoId"`
	FileName    string    `json:"fileName" dynamodbav:"fileName"`
	Title       string    `json:"title" dynamodbav:"title"`
	Description *string   `json:"description" dynamodbav:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt" dynamodbav:"createdAt"`
	CreatedBy   string    `json:"createdBy" dynamodbav:"createdBy"`
	SourceKey   string    `json:"sourceKey" dynamodbav:"sourceKey"`
}

// Variant is one stored rendition of a Video.
type Variant struct {
	VideoID    string          `json:"videoId" dynamodbav:"videoId"`
	VariantID  string          `json:"variantId" dynamodbav:"variantId"`
	Format     string          `json:"format" dynamodbav:"format"`
	Resolution string          `json:"resolution" dynamodbav:"resolution"`
	Size       int64           `json:"size" dynamodbav:"size"`
	Status     TranscodeStatus `json:"transcode_status" dynamodbav:"transcode_status"`
	URL        string          `json:"url" dynamodbav:"url"`
	ObjectKey  string          `json:"-" dynamodbav:"objectKey"`
	DispatchID string          `json:"-" dynamodbav:"dispatchId,omitempty"`
	Error      string          `json:"error,omitempty" dynamodbav:"error,omitempty"`
	Missing    bool            `json:"missing,omitempty" dynamodbav:"-"`
	CreatedAt  time.Time       `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt" dynamodbav:"updatedAt"`
}

// VideoPatch lists the mutable Video fields. Nil means unchanged.
type VideoPatch struct {
	FileName    *string `json:"fileName,omitempty"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (p VideoPatch) Empty() bool {
	return p.FileName == nil && p.Title == nil && p.Description == nil
}

// Apply copies the set fields onto v.
func (p VideoPatch) Apply(v *Video) {
	if p.FileName != nil {
		v.FileName = *p.FileName
	}
	if p.Title != nil {
		v.Title = *p.Title
	}
	if p.Description != nil {
		v.Description = p.Description
	}
}

// VariantPatch lists the Variant attributes a patch may change.
type VariantPatch struct {
	Status     *TranscodeStatus
	Size       *int64
	URL        *string
	Error      *string
	DispatchID *string

	// Preconditions on the stored row; they are checked, never written.
	IfStatus     *TranscodeStatus
	IfDispatchID *string
}

func (p VariantPatch) Empty() bool {
	return p.Status == nil && p.Size == nil && p.URL == nil && p.Error == nil && p.DispatchID == nil
}

// Matches reports whether v satisfies the patch preconditions.
func (p VariantPatch) Matches(v Variant) bool {
	if p.IfStatus != nil && v.Status != *p.IfStatus {
		return false
	}
	if p.IfDispatchID != nil && v.DispatchID != *p.IfDispatchID {
		return false
	}
	return true
}

// Apply copies the set fields onto v and stamps UpdatedAt.
func (p VariantPatch) Apply(v *Variant, now time.Time) {
	if p.Status != nil {
		v.Status = *p.Status
	}
	if p.Size != nil {
		v.Size = *p.Size
	}
	if p.URL != nil {
		v.URL = *p.URL
	}
	if p.Error != nil {
		v.Error = *p.Error
	}
	if p.DispatchID != nil {
		v.DispatchID = *p.DispatchID
	}
	v.UpdatedAt = now
}

// VideoDetail is a Video together with all of its Variants.
type VideoDetail struct {
	Video
	Variants []Variant `json:"variants"`
}
