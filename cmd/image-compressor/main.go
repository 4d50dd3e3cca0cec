package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/imageinfo"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/web"
)

var (
	cfgFile   string
	verbose   bool
	quiet     bool
	quality   float64
	outputDir string
	noHistory bool
	port      int
	version   = "dev"
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "image-compressor",
	Short: "Compress images to a fraction of their size",
	Long: `image-compressor re-encodes images so they fit in a target size derived
from the chosen quality factor, while reporting estimated progress.

Features:
- Quality factor from 0.1 to 0.9 in steps of 0.1
- Images are fitted inside 1920x1920 without upscaling
- Countdown and percentage progress while compressing
- History of the last 10 compressions
- Web interface with live progress over WebSocket`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// compressCmd compresses one file.
var compressCmd = &cobra.Command{
	Use:   "compress <file>",
	Short: "Compress an image file",
	Long: `Compresses the given image, printing progress while it runs, and writes
compressed_<name> into the output directory. The result is added to the
compression history unless --no-history is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd, args[0])
	},
}

// historyCmd lists the compression history.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent compressions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHistory(cmd)
	},
}

// inspectCmd shows what the preview shows about an image.
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show image format, dimensions and EXIF details",
	Long: `Shows format, dimensions, size and EXIF details of an image.
When inspect.use_exiftool is enabled, exiftool fills in fields the built-in
EXIF reader could not find.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(cmd, args[0])
	},
}

// serveCmd starts the web interface server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start web interface server",
	Long: `Starts the HTTP API with live progress over WebSocket:

  POST /api/compress   upload an image (multipart "file", optional "quality")
  POST /api/quality    change the quality factor and recompress
  GET  /api/status     current progress
  GET  /api/result     download the compressed image
  GET  /api/history    recent compressions
  GET  /ws             progress stream
  GET  /metrics        Prometheus metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	compressCmd.Flags().Float64Var(&quality, "quality", 0.5, "quality factor between 0.1 and 0.9")
	compressCmd.Flags().StringVar(&outputDir, "output", "", "directory for the compressed image (default from config)")
	compressCmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record the result in the history")

	serveCmd.Flags().IntVar(&port, "port", 8080, "port to run web server on")

	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(serveCmd)
}

// loadConfig loads configuration and applies CLI overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Lookup("quality") != nil && flags.Changed("quality") {
		cfg.Compression.DefaultQuality = quality
	}
	if outputDir != "" {
		cfg.Compression.OutputDirectory = outputDir
	}
	if flags.Lookup("port") != nil && flags.Changed("port") {
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return cfg, nil
}

// runCompress compresses one file and reports the outcome.
func runCompress(cmd *cobra.Command, path string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !fileExists(path) {
		return fmt.Errorf("file does not exist: %s", path)
	}

	log := setupLogger(cfg)
	a, err := newApp(cfg, log, compressor.NewImagingCompressor())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if quiet {
		out = io.Discard
	}

	artifact, err := compressFile(ctx, a, path, cfg.Compression.OutputDirectory, cfg.Compression.DefaultQuality, !noHistory, out)
	if err != nil {
		return err
	}

	if !quiet {
		printArtifact(out, artifact, filepath.Join(cfg.Compression.OutputDirectory, artifact.Name))
	}
	return nil
}

// runHistory prints the persisted history.
func runHistory(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := setupLogger(cfg)
	a, err := newApp(cfg, log, compressor.NewImagingCompressor())
	if err != nil {
		return err
	}
	defer a.Close()

	renderHistory(cmd.OutOrStdout(), a.history.Entries())
	return nil
}

// runInspect prints metadata for a file.
func runInspect(cmd *cobra.Command, path string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !fileExists(path) {
		return fmt.Errorf("file does not exist: %s", path)
	}

	log := setupLogger(cfg)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	info, err := imageinfo.NewInspector(log).Inspect(filepath.Base(path), data)
	if err != nil {
		return err
	}

	if cfg.Inspect.UseExiftool {
		reader, err := imageinfo.NewExiftoolReader()
		if err != nil {
			log.Warnf("exiftool unavailable: %v", err)
		} else {
			defer reader.Close()
			if err := reader.Enrich(path, &info); err != nil {
				log.Warnf("exiftool could not read %s: %v", path, err)
			}
		}
	}

	renderInfo(cmd.OutOrStdout(), info)
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := setupLogger(cfg)
	a, err := newApp(cfg, log, compressor.NewImagingCompressor())
	if err != nil {
		return err
	}
	defer a.Close()

	server := web.NewServer(cfg, log, web.Deps{
		Controller: a.controller,
		History:    a.history,
		Inspector:  a.inspector,
		Statistics: a.stats,
		Metrics:    a.metrics,
	})

	var g run.Group

	// HTTP server.
	{
		g.Add(
			func() error {
				if err := server.Start(cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Stop(ctx); err != nil {
					log.Errorf("Server shutdown failed: %v", err)
				}
			},
		)
	}

	// Signals.
	g.Add(run.SignalHandler(cmd.Context(), os.Interrupt, syscall.SIGTERM))

	if !quiet {
		fmt.Printf("🚀 Image Compressor Web Interface started!\n")
		fmt.Printf("📱 API available at: http://localhost:%d/api\n", cfg.Server.Port)
		fmt.Printf("🛑 Press Ctrl+C to stop the server\n\n")
	}

	err = g.Run()

	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		log.Infof("Received %s, server stopped", sigErr.Signal)
		if !quiet {
			fmt.Println("✅ Server stopped gracefully")
		}
		return nil
	}
	return err
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    !quiet,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// fileExists returns true if the given path exists and is a file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
