package encoder

import (
	"context"
	"os/exec"
	"sort"
	"sync"

	"vidpipe/logger"
)

// Codec names.
const (
	CodecMKV  = "ffmpeg-mkv"
	CodecCopy = "copy"
)

// EncodeFunc is the function signature for any encoder
type EncodeFunc func(ctx context.Context, input, output string, opts EncodeOptions) error

type EncodeOptions struct {
	Binary string // executable for command-backed encoders
	Preset string
}

// Registry maps codec name → encoder function
type Registry struct {
	mu       sync.RWMutex
	encoders map[string]EncodeFunc
}

func NewRegistry() *Registry {
	return &Registry{encoders: map[string]EncodeFunc{}}
}

// Register adds encoder if the underlying command exists, logs status
func (r *Registry) Register(name, cmdName string, fn EncodeFunc) bool {
	if _, err := exec.LookPath(cmdName); err != nil {
		logger.Warnf("encoder [%s] skipped: command '%s' not found in PATH", name, cmdName)
		return false
	}
	r.Add(name, fn)
	logger.Debugf("encoder [%s] registered (command: %s)", name, cmdName)
	return true
}

// Add registers fn without checking for a command.
func (r *Registry) Add(name string, fn EncodeFunc) {
	r.mu.Lock()
	r.encoders[name] = fn
	r.mu.Unlock()
}

// Get looks up an encoder by name.
func (r *Registry) Get(name string) (EncodeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.encoders[name]
	return fn, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.encoders))
	for name := range r.encoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDefaultRegistry registers the ffmpeg encoder (when ffmpegPath
// resolves) and the copy encoder.
func NewDefaultRegistry(ffmpegPath string) *Registry {
	r := NewRegistry()
	r.Register(CodecMKV, ffmpegPath, EncodeMKV)
	RegisterCopy(r)
	return r
}
