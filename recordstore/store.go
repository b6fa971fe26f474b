// Package recordstore persists Video and Variant records.
//
// Rows for a video live under its owner's partition:
//
//	VIDEO#<videoId>#META
//	VIDEO#<videoId>#VARIANT#<variantId>
//
// and a secondary index orders each owner's videos by creation time.
// Every mutation touches a single row except CreateVideo, which writes the
// Video together with its original Variant.
package recordstore

import (
	"context"
	"strings"

	"vidpipe/apperr"
	"vidpipe/models"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Store is implemented by the pebble and DynamoDB backends.
type Store interface {
	// CreateVideo writes the Video and its original Variant. It fails with
	// Conflict if the video id already exists.
	CreateVideo(ctx context.Context, video models.Video, original models.Variant) error

	// PutVariant creates a new Variant row. Conflict if the row exists,
	// NotFound if the Video does not.
	PutVariant(ctx context.Context, owner string, variant models.Variant) error

	// PatchVariant applies the set fields of patch to an existing row.
	// When patch carries IfStatus or IfDispatchID and the row no longer
	// matches, nothing is written and the error is Conflict.
	PatchVariant(ctx context.Context, owner, videoID, variantID string, patch models.VariantPatch) (models.Variant, error)

	// PatchVideo applies the set fields of patch to an existing Video.
	PatchVideo(ctx context.Context, owner, videoID string, patch models.VideoPatch) (models.Video, error)

	// QueryVideo returns every row stored under the video's prefix.
	QueryVideo(ctx context.Context, owner, videoID string) (models.Video, []models.Variant, error)

	// LookupOwner returns the partition a video lives in.
	LookupOwner(ctx context.Context, videoID string) (string, error)

	// ListVideos walks the creation-time index one page at a time.
	ListVideos(ctx context.Context, q ListQuery) (Page, error)

	// DeleteVideo removes every row of the video and reports how many
	// rows were deleted. NotFound when nothing existed.
	DeleteVideo(ctx context.Context, owner, videoID string) (int, error)

	// ScanVariants visits every Variant in the store.
	ScanVariants(ctx context.Context, fn func(owner string, v models.Variant) error) error

	Close() error
}

// ListQuery selects one page of the creation-time index. AllOwners walks
// every partition and ignores Owner.
type ListQuery struct {
	Owner      string
	AllOwners  bool
	Limit      int
	Descending bool
	Cursor     string
}

// Page is one page of videos; NextCursor is empty when no rows remain.
type Page struct {
	Videos     []models.Video `json:"videos"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

func (q ListQuery) scope() string {
	if q.AllOwners {
		return "*"
	}
	return q.Owner
}

func (q ListQuery) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultPageSize
	case q.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return q.Limit
	}
}

func (q ListQuery) validate() error {
	if !q.AllOwners && q.Owner == "" {
		return apperr.New(apperr.BadRequest, "owner is required")
	}
	return nil
}

func metaSortKey(videoID string) string {
	return "VIDEO#" + videoID + "#META"
}

func variantSortKey(videoID, variantID string) string {
	return "VIDEO#" + videoID + "#VARIANT#" + variantID
}

func videoSortPrefix(videoID string) string {
	return "VIDEO#" + videoID + "#"
}

func isVariantSortKey(sk string) bool {
	return strings.Contains(sk, "#VARIANT#")
}

func notFound(videoID string) error {
	return apperr.New(apperr.NotFound, "video %s not found", videoID)
}

func variantNotFound(videoID, variantID string) error {
	return apperr.New(apperr.NotFound, "variant %s of video %s not found", variantID, videoID)
}

func variantChanged(videoID, variantID string) error {
	return apperr.New(apperr.Conflict, "variant %s of video %s changed concurrently", variantID, videoID)
}
