package utils

import (
	"errors"
	"strings"
	"testing"
	"time"

	"vidpipe/models"
)

func TestIDs(t *testing.T) {
	id := NewVideoID()
	if !ValidVideoID(id) {
		t.Fatalf("Generated id %s is not valid", id)
	}
	if ValidVideoID("vid_not-a-uuid") || ValidVideoID("abc") {
		t.Error("Expected malformed ids to be rejected")
	}
	if OriginalVariantID(id) != id+"_1" {
		t.Errorf("Unexpected original variant id %s", OriginalVariantID(id))
	}

	v1 := VariantIDFor(id, "transcoded")
	if v1 != VariantIDFor(id, "transcoded") {
		t.Error("Expected a deterministic variant id")
	}
	if v1 == VariantIDFor(id, "original") || v1 == VariantIDFor(NewVideoID(), "transcoded") {
		t.Error("Expected distinct variant ids per video and format")
	}
	if !strings.HasPrefix(v1, id+"_") || len(v1) != len(id)+9 {
		t.Errorf("Unexpected variant id shape %s", v1)
	}
}

func TestSanitizeFileName(t *testing.T) {
	cases := map[string]string{
		"clip.mp4":             "clip.mp4",
		"my holiday (1).mp4":   "my_holiday__1_.mp4",
		"../../etc/passwd":     "passwd",
		`C:\videos\talk.mp4`:   "talk.mp4",
		"":                     "upload",
		"..":                   "upload",
		"résumé.mp4":           "r_sum_.mp4",
	}
	for in, want := range cases {
		if got := SanitizeFileName(in); got != want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKeys(t *testing.T) {
	key := OriginalKey("vid_a", "My Clip.mp4")
	if key != "original/vid_a/My_Clip.mp4" {
		t.Errorf("Unexpected original key %s", key)
	}
	if !KeyBelongsTo(key, "vid_a") || KeyBelongsTo(key, "vid_b") {
		t.Error("KeyBelongsTo mismatch")
	}

	vkey := VariantKey("vid_a", "vid_a_deadbeef", models.ContainerTranscoded)
	if vkey != "variants/vid_a/vid_a_deadbeef.mkv" {
		t.Errorf("Unexpected variant key %s", vkey)
	}
	if KeyBelongsTo(vkey, "vid_a") {
		t.Error("Variant keys are not upload keys")
	}
	if id, ok := VideoIDFromKey(vkey); !ok || id != "vid_a" {
		t.Errorf("VideoIDFromKey(%s) = %s, %v", vkey, id, ok)
	}
	if _, ok := VideoIDFromKey("thumbnails/vid_a/x.jpg"); ok {
		t.Error("Expected foreign prefix to be rejected")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing-at-least-32-bytes-long")
	now := time.Now()
	claims := &models.Claims{
		Issuer:    "vidpipe",
		Subject:   "alice",
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
		Role:      "admin",
	}

	token, err := CreateToken(claims, secret)
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	got, err := VerifyToken(token, VerifyConfig{SecretKey: secret, ExpectedIssuer: "vidpipe"})
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if got.Subject != "alice" || got.Role != "admin" {
		t.Errorf("Unexpected claims %+v", got)
	}

	if _, err := VerifyToken(token, VerifyConfig{SecretKey: []byte("another-secret-key-that-is-also-32-bytes!")}); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected signature error, got %v", err)
	}
	if _, err := VerifyToken(token, VerifyConfig{SecretKey: secret, ExpectedIssuer: "other"}); !errors.Is(err, ErrInvalidIssuer) {
		t.Errorf("Expected issuer error, got %v", err)
	}

	later := func() time.Time { return now.Add(2 * time.Hour) }
	if _, err := VerifyToken(token, VerifyConfig{SecretKey: secret, Now: later}); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Expected expiry error, got %v", err)
	}
	if _, err := VerifyToken("not-a-token", VerifyConfig{SecretKey: secret}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected invalid token error, got %v", err)
	}
}
