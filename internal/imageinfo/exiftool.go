package imageinfo

import (
	"fmt"
	"strings"

	"github.com/barasher/go-exiftool"
)

// ExiftoolReader fills gaps in Info from the exiftool binary, which knows far
// more maker notes and container formats than the pure Go EXIF decoder.
type ExiftoolReader struct {
	et *exiftool.Exiftool
}

// NewExiftoolReader starts an exiftool process. It fails when the binary is
// not installed.
func NewExiftoolReader() (*ExiftoolReader, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("start exiftool: %w", err)
	}
	return &ExiftoolReader{et: et}, nil
}

// Close stops the exiftool process.
func (r *ExiftoolReader) Close() error {
	return r.et.Close()
}

// Enrich reads path with exiftool and sets the fields info is missing.
func (r *ExiftoolReader) Enrich(path string, info *Info) error {
	files := r.et.ExtractMetadata(path)
	if len(files) == 0 {
		return fmt.Errorf("exiftool returned no metadata for %s", path)
	}
	if files[0].Err != nil {
		return files[0].Err
	}
	applyFields(files[0].Fields, info)
	return nil
}

func applyFields(fields map[string]interface{}, info *Info) {
	if info.TakenAt == nil {
		for _, key := range []string{"DateTimeOriginal", "CreateDate", "ModifyDate"} {
			if s, ok := fields[key].(string); ok {
				if t := parseEXIFDateTime(s); t != nil {
					info.TakenAt = t
					break
				}
			}
		}
	}

	if info.Camera == "" {
		maker, _ := fields["Make"].(string)
		model, _ := fields["Model"].(string)
		info.Camera = strings.TrimSpace(strings.TrimSpace(maker) + " " + strings.TrimSpace(model))
	}

	if info.Software == "" {
		if s, ok := fields["Software"].(string); ok {
			info.Software = s
		}
	}
}
