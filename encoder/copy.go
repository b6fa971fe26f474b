package encoder

import (
	"context"
	"io"
	"os"

	"vidpipe/logger"
)

// EncodeCopy copies the input file to the output path without any encoding.
// Used where ffmpeg is unavailable and in tests.
func EncodeCopy(ctx context.Context, input, output string, opts EncodeOptions) error {
	src, err := os.Open(input)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(output)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	logger.Debugf("copied original file from %s to %s", input, output)
	return dst.Close()
}

// RegisterCopy registers the copy encoder (no command dependency)
func RegisterCopy(r *Registry) {
	r.Add(CodecCopy, EncodeCopy)
	logger.Debugf("encoder [%s] registered (no command required)", CodecCopy)
}
