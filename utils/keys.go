package utils

import (
	"path"
	"strings"
)

const (
	OriginalPrefix = "original/"
	VariantPrefix  = "variants/"
)

// SanitizeFileName keeps the base name and replaces anything outside
// [A-Za-z0-9._-] with an underscore.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "upload"
	}
	return out
}

// OriginalKey is the object key of an uploaded original.
func OriginalKey(videoID, fileName string) string {
	return OriginalPrefix + videoID + "/" + SanitizeFileName(fileName)
}

// VariantKey is the object key of a rendition.
func VariantKey(videoID, variantID, container string) string {
	return VariantPrefix + videoID + "/" + variantID + "." + container
}

// VideoIDFromKey extracts the video id from an original or variant key.
func VideoIDFromKey(key string) (string, bool) {
	var rest string
	switch {
	case strings.HasPrefix(key, OriginalPrefix):
		rest = strings.TrimPrefix(key, OriginalPrefix)
	case strings.HasPrefix(key, VariantPrefix):
		rest = strings.TrimPrefix(key, VariantPrefix)
	default:
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// KeyBelongsTo reports whether key is an original object of videoID.
func KeyBelongsTo(key, videoID string) bool {
	id, ok := VideoIDFromKey(key)
	return ok && id == videoID && strings.HasPrefix(key, OriginalPrefix)
}
