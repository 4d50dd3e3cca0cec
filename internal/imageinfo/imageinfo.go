// Package imageinfo reads what the preview shows about an image before and
// after compression: format, dimensions, size and, when present, EXIF details.
package imageinfo

import (
	"bytes"
	"fmt"
	"image"
	"strings"
	"time"

	// Register decoders for DecodeConfig.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"

	"image-compressor-go/internal/logger"
)

// Info describes an image.
type Info struct {
	Name        string     `json:"name"`
	Format      string     `json:"format"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	Size        int64      `json:"size"`
	TakenAt     *time.Time `json:"taken_at,omitempty"`
	Camera      string     `json:"camera,omitempty"`
	Software    string     `json:"software,omitempty"`
	Orientation int        `json:"orientation,omitempty"`
}

// Inspector extracts Info from encoded images.
type Inspector struct {
	logger logrus.FieldLogger
}

// NewInspector returns a new Inspector.
func NewInspector(l logrus.FieldLogger) *Inspector {
	return &Inspector{logger: logger.OrDiscard(l)}
}

// Inspect decodes the image header and any EXIF block. Missing or broken EXIF
// is not an error; an undecodable image is.
func (i *Inspector) Inspect(name string, data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("failed to decode image header: %w", err)
	}

	info := Info{
		Name:   name,
		Format: strings.ToUpper(format),
		Width:  cfg.Width,
		Height: cfg.Height,
		Size:   int64(len(data)),
	}

	if err := i.readExif(data, &info); err != nil {
		i.logger.WithField("file", name).Debugf("No EXIF metadata: %v", err)
	}
	return info, nil
}

func (i *Inspector) readExif(data []byte, info *Info) error {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to decode EXIF: %w", err)
	}

	if tm, err := x.DateTime(); err == nil {
		info.TakenAt = &tm
	} else if field, err := x.Get(exif.DateTimeOriginal); err == nil {
		if s, err := field.StringVal(); err == nil {
			info.TakenAt = parseEXIFDateTime(s)
		}
	}

	maker, _ := stringTag(x, exif.Make)
	model, _ := stringTag(x, exif.Model)
	info.Camera = strings.TrimSpace(strings.TrimSpace(maker) + " " + strings.TrimSpace(model))

	if sw, err := stringTag(x, exif.Software); err == nil {
		info.Software = sw
	}

	if field, err := x.Get(exif.Orientation); err == nil {
		if v, err := field.Int(0); err == nil {
			info.Orientation = v
		}
	}
	return nil
}

func stringTag(x *exif.Exif, name exif.FieldName) (string, error) {
	field, err := x.Get(name)
	if err != nil {
		return "", err
	}
	return field.StringVal()
}

// parseEXIFDateTime parses the date formats seen in EXIF and exiftool output.
// Returns nil if none match.
func parseEXIFDateTime(s string) *time.Time {
	if s == "" {
		return nil
	}

	formats := []string{
		"2006:01:02 15:04:05",
		"2006-01-02 15:04:05",
		"2006:01:02 15:04:05-07:00",
		"2006:01:02",
		"2006-01-02",
		time.RFC3339,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, strings.TrimSpace(s)); err == nil {
			return &t
		}
	}
	return nil
}
