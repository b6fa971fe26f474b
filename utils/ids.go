package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const videoIDPrefix = "vid_"

// NewVideoID returns a fresh, globally unique video id.
func NewVideoID() string {
	return videoIDPrefix + uuid.NewString()
}

// ValidVideoID reports whether id has the shape NewVideoID produces.
func ValidVideoID(id string) bool {
	if !strings.HasPrefix(id, videoIDPrefix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(id, videoIDPrefix))
	return err == nil
}

// OriginalVariantID is the fixed id of the Variant recorded at upload completion.
func OriginalVariantID(videoID string) string {
	return videoID + "_1"
}

// VariantIDFor derives the id of the Variant holding format for videoID.
// It is deterministic so two dispatchers racing on the same video collide
// on the conditional create instead of producing two rows.
func VariantIDFor(videoID, format string) string {
	sum := sha256.Sum256([]byte(videoID + "/" + format))
	return videoID + "_" + hex.EncodeToString(sum[:4])
}

// NewDispatchID tags one dispatch cycle of a Variant.
func NewDispatchID() string {
	return uuid.NewString()
}

// GenerateRandomHex returns 2n hex characters from crypto/rand.
func GenerateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
