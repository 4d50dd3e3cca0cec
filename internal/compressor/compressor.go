package compressor

import (
	"context"
	"errors"
)

// MiB is the size unit target sizes are expressed in.
const MiB = 1024 * 1024

// ErrEmptySource is returned when there is nothing to compress.
var ErrEmptySource = errors.New("empty source image")

// Options controls one compression call.
type Options struct {
	// TargetSizeMB is the size the output should fit in. Zero disables the target.
	TargetSizeMB float64
	// MaxDimension bounds both width and height in pixels. Zero keeps the size.
	MaxDimension int
	// UseBackgroundWorker runs the work off the caller's goroutine so that
	// context cancellation returns immediately.
	UseBackgroundWorker bool
}

// Source is an image to compress.
type Source struct {
	Name string
	Data []byte
}

// Output describes the compressed image.
type Output struct {
	Data        []byte
	Format      string
	ContentType string
	Width       int
	Height      int
	// Quality is the JPEG quality used, zero for other formats.
	Quality    int
	Iterations int
}

// Compressor defines the interface for image compression.
type Compressor interface {
	// Compress re-encodes src according to opts. Implementations may fail with
	// any error; callers treat every error as a failed compression.
	Compress(ctx context.Context, src Source, opts Options) (Output, error)
}

// CompressorFunc adapts a function to the Compressor interface.
type CompressorFunc func(ctx context.Context, src Source, opts Options) (Output, error)

// Compress calls f.
func (f CompressorFunc) Compress(ctx context.Context, src Source, opts Options) (Output, error) {
	return f(ctx, src, opts)
}
