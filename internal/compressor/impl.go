package compressor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"path/filepath"

	// Register decoders for format sniffing.
	_ "image/gif"
	_ "image/jpeg"

	"github.com/disintegration/imaging"
)

const (
	maxIterations  = 10
	startQuality   = 92
	qualityStep    = 8
	minQuality     = 10
	scaleStep      = 0.9
	minScaledPixel = 16
)

// ImagingCompressor is the default Compressor. It resizes to fit the maximum
// dimension and then re-encodes until the output fits the target size.
type ImagingCompressor struct{}

// NewImagingCompressor creates a new ImagingCompressor instance.
func NewImagingCompressor() *ImagingCompressor {
	return &ImagingCompressor{}
}

// Compress performs image compression according to the provided options.
func (c *ImagingCompressor) Compress(ctx context.Context, src Source, opts Options) (Output, error) {
	if len(src.Data) == 0 {
		return Output{}, ErrEmptySource
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	if !opts.UseBackgroundWorker {
		return c.compress(ctx, src, opts)
	}

	type result struct {
		out Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := c.compress(ctx, src, opts)
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	case r := <-done:
		return r.out, r.err
	}
}

func (c *ImagingCompressor) compress(ctx context.Context, src Source, opts Options) (Output, error) {
	format, err := detectFormat(src)
	if err != nil {
		return Output{}, err
	}

	img, err := imaging.Decode(bytes.NewReader(src.Data), imaging.AutoOrientation(true))
	if err != nil {
		return Output{}, fmt.Errorf("decode error: %w", err)
	}

	if opts.MaxDimension > 0 {
		b := img.Bounds()
		if b.Dx() > opts.MaxDimension || b.Dy() > opts.MaxDimension {
			img = imaging.Fit(img, opts.MaxDimension, opts.MaxDimension, imaging.Lanczos)
		}
	}

	target := int64(opts.TargetSizeMB * MiB)
	quality := startQuality
	var best Output

	for i := 1; i <= maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}

		data, err := encode(img, format, quality)
		if err != nil {
			return Output{}, fmt.Errorf("encode error: %w", err)
		}

		if best.Data == nil || len(data) < len(best.Data) {
			best = Output{
				Data:        data,
				Format:      format.String(),
				ContentType: contentType(format),
				Width:       img.Bounds().Dx(),
				Height:      img.Bounds().Dy(),
			}
			if format == imaging.JPEG {
				best.Quality = quality
			}
		}
		best.Iterations = i

		if target <= 0 || int64(len(data)) <= target {
			break
		}

		if format == imaging.JPEG && quality > minQuality {
			quality = max(minQuality, quality-qualityStep)
			continue
		}

		w := int(float64(img.Bounds().Dx()) * scaleStep)
		if w < minScaledPixel {
			break
		}
		img = imaging.Resize(img, w, 0, imaging.Lanczos)
	}

	return best, nil
}

// detectFormat picks the output format from the file name, falling back to
// sniffing the encoded data.
func detectFormat(src Source) (imaging.Format, error) {
	if f, err := imaging.FormatFromFilename(src.Name); err == nil {
		return f, nil
	}

	_, name, err := image.DecodeConfig(bytes.NewReader(src.Data))
	if err != nil {
		return 0, fmt.Errorf("unsupported image %q: %w", filepath.Base(src.Name), err)
	}
	f, err := imaging.FormatFromExtension(name)
	if err != nil {
		return imaging.JPEG, nil
	}
	return f, nil
}

func encode(img image.Image, format imaging.Format, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case imaging.JPEG:
		err = imaging.Encode(&buf, img, format, imaging.JPEGQuality(quality))
	case imaging.PNG:
		err = imaging.Encode(&buf, img, format, imaging.PNGCompressionLevel(png.BestCompression))
	default:
		err = imaging.Encode(&buf, img, format)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func contentType(format imaging.Format) string {
	switch format {
	case imaging.JPEG:
		return "image/jpeg"
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	case imaging.BMP:
		return "image/bmp"
	default:
		return "application/octet-stream"
	}
}
