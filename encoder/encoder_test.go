package encoder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEncoderRegistration(t *testing.T) {
	r := NewDefaultRegistry("definitely-not-ffmpeg-on-path")

	copyEncoder, exists := r.Get(CodecCopy)
	if !exists || copyEncoder == nil {
		t.Fatal("Copy encoder should be registered")
	}
	// A missing command is skipped, not fatal.
	if _, exists := r.Get(CodecMKV); exists {
		t.Error("ffmpeg encoder registered without its command")
	}
	if names := r.Names(); len(names) != 1 || names[0] != CodecCopy {
		t.Errorf("Unexpected encoders %v", names)
	}
}

func TestEncodeCopy(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.mp4")
	out := filepath.Join(dir, "out.mkv")
	if err := os.WriteFile(in, []byte("frames"), 0o644); err != nil {
		t.Fatalf("Failed to write input: %v", err)
	}
	if err := EncodeCopy(context.Background(), in, out, EncodeOptions{}); err != nil {
		t.Fatalf("EncodeCopy failed: %v", err)
	}
	if data, _ := os.ReadFile(out); string(data) != "frames" {
		t.Errorf("Unexpected output %q", data)
	}
	if err := EncodeCopy(context.Background(), filepath.Join(dir, "missing"), out, EncodeOptions{}); err == nil {
		t.Error("Expected an error for a missing input")
	}
}

func TestEncodeMKVReportsCommandFailure(t *testing.T) {
	dir := t.TempDir()
	err := EncodeMKV(context.Background(), filepath.Join(dir, "in.mp4"), filepath.Join(dir, "out.mkv"),
		EncodeOptions{Binary: filepath.Join(dir, "no-such-ffmpeg")})
	if err == nil || !strings.HasPrefix(err.Error(), "ffmpeg:") {
		t.Errorf("Expected an ffmpeg error, got %v", err)
	}
}

func TestTail(t *testing.T) {
	if got := tail("  short \n", 10); got != "short" {
		t.Errorf("tail trimmed wrong: %q", got)
	}
	if got := tail("0123456789", 4); got != "...6789" {
		t.Errorf("tail = %q", got)
	}
}
