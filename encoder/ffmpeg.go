package encoder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// stderrTail bounds how much ffmpeg diagnostic output ends up in errors.
const stderrTail = 2048

// EncodeMKV re-encodes the input to H.264 video and AAC audio in a
// Matroska container.
func EncodeMKV(ctx context.Context, in, out string, o EncodeOptions) error {
	binary := o.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	preset := o.Preset
	if preset == "" {
		preset = "veryfast"
	}
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-loglevel", "error",
		"-i", in,
		"-map", "0:v:0", "-map", "0:a?",
		"-c:v", "libx264", "-preset", preset,
		"-c:a", "aac", "-b:a", "128k",
		"-f", "matroska",
		out,
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String(), stderrTail))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
