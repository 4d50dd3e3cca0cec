package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"image-compressor-go/internal/history"
	"image-compressor-go/internal/imageinfo"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/progress"
	"image-compressor-go/internal/statistics"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	failureColor = color.New(color.FgRed, color.Bold)
	runningColor = color.New(color.FgCyan)
)

// compressFile runs one session for the file at path, prints every progress
// state to out and writes the artifact into outputDir. The entry is recorded
// in the history when record is set.
func compressFile(ctx context.Context, a *app, path, outputDir string, quality float64, record bool, out io.Writer) (*progress.Artifact, error) {
	log := logger.WithFile(logger.WithOperation(a.log, "compress"), path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	name := filepath.Base(path)

	if info, err := a.inspector.Inspect(name, data); err == nil {
		fmt.Fprintf(out, "%s: %s %dx%d, %s\n", info.Name, info.Format, info.Width, info.Height, statistics.FormatFileSize(info.Size))
	} else {
		log.Warnf("Failed to inspect source: %v", err)
	}

	// Subscribers run under the controller lock; printing is fine, calling
	// back into the controller is not.
	done := make(chan progress.State, 1)
	unsubscribe := a.controller.Subscribe(func(st progress.State) {
		printState(out, st)
		if st.Phase.Terminal() {
			select {
			case done <- st:
			default:
			}
		}
	})
	defer unsubscribe()

	if _, err := a.controller.Start(ctx, progress.Request{Name: name, Data: data, Quality: quality}); err != nil {
		return nil, err
	}

	var final progress.State
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case final = <-done:
	}

	if final.Phase == progress.PhaseFailed {
		return nil, a.controller.LastError()
	}

	artifact, ok := a.controller.Result()
	if !ok {
		return nil, fmt.Errorf("session %d finished without an artifact", final.Session)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	target := filepath.Join(outputDir, artifact.Name)
	if err := os.WriteFile(target, artifact.Data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", target, err)
	}
	log.WithField("target", target).Info("Compressed image written")

	if record {
		a.history.Record(history.NewEntry(artifact.CreatedAt, artifact.SourceName, artifact.OriginalSize, artifact.Size(), artifact.Quality))
		a.stats.IncrementHistoryRecords()
	}

	return artifact, nil
}

func printState(out io.Writer, st progress.State) {
	switch st.Phase {
	case progress.PhaseRunning:
		runningColor.Fprintf(out, "[%3d%%] %s (%ds left)\n", st.PercentComplete, st.Message, st.SecondsRemaining)
	case progress.PhaseSucceeded:
		successColor.Fprintf(out, "[%3d%%] %s\n", st.PercentComplete, st.Message)
	case progress.PhaseFailed:
		failureColor.Fprintf(out, "[fail] %s\n", st.Message)
	}
}

func printArtifact(out io.Writer, a *progress.Artifact, target string) {
	fmt.Fprintf(out, "Original:   %s\n", statistics.FormatFileSize(a.OriginalSize))
	fmt.Fprintf(out, "Compressed: %s (%.1f%% saved)\n", statistics.FormatFileSize(a.Size()), statistics.SavingsPercent(a.OriginalSize, a.Size()))
	fmt.Fprintf(out, "Written to: %s\n", target)
}

// renderHistory prints entries newest first.
func renderHistory(w io.Writer, entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No compression history")
		return
	}

	table := tablewriter.NewTable(w,
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Formatting: tw.CellFormatting{
					AutoWrap: tw.WrapNone,
				},
				Alignment: tw.CellAlignment{
					Global: tw.AlignLeft,
				},
			},
			Header: tw.CellConfig{
				Formatting: tw.CellFormatting{
					AutoFormat: tw.On,
				},
				Alignment: tw.CellAlignment{
					Global: tw.AlignLeft,
				},
			},
		}),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Separators: tw.Separators{
					ShowHeader: tw.Off,
				},
			},
		}),
	)

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.OriginalName,
			statistics.FormatFileSize(e.OriginalSize),
			statistics.FormatFileSize(e.CompressedSize),
			fmt.Sprintf("%.1f", e.CompressionRatio),
			fmt.Sprintf("%.1f%%", statistics.SavingsPercent(e.OriginalSize, e.CompressedSize)),
		})
	}

	table.Header([]string{"Time", "Name", "Original", "Compressed", "Quality", "Saved"})
	table.Bulk(rows)
	table.Render()
}

func renderInfo(w io.Writer, info imageinfo.Info) {
	lines := []string{
		fmt.Sprintf("Name:        %s", info.Name),
		fmt.Sprintf("Format:      %s", info.Format),
		fmt.Sprintf("Dimensions:  %dx%d", info.Width, info.Height),
		fmt.Sprintf("Size:        %s", statistics.FormatFileSize(info.Size)),
	}
	if info.TakenAt != nil {
		lines = append(lines, fmt.Sprintf("Taken:       %s", info.TakenAt.Format("2006-01-02 15:04:05")))
	}
	if info.Camera != "" {
		lines = append(lines, fmt.Sprintf("Camera:      %s", info.Camera))
	}
	if info.Software != "" {
		lines = append(lines, fmt.Sprintf("Software:    %s", info.Software))
	}
	if info.Orientation != 0 {
		lines = append(lines, fmt.Sprintf("Orientation: %d", info.Orientation))
	}
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}
