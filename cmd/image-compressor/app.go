package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/history"
	"image-compressor-go/internal/imageinfo"
	"image-compressor-go/internal/kvstore"
	"image-compressor-go/internal/metrics"
	"image-compressor-go/internal/progress"
	"image-compressor-go/internal/statistics"
)

// app holds the wired components shared by every command.
type app struct {
	cfg        *config.Config
	log        *logrus.Logger
	kv         kvstore.Store
	history    *history.Store
	stats      *statistics.Statistics
	metrics    *metrics.Recorder
	controller *progress.Controller
	inspector  *imageinfo.Inspector
}

// newApp opens the history backend, loads the persisted history and builds
// the progress controller around comp.
func newApp(cfg *config.Config, log *logrus.Logger, comp compressor.Compressor) (*app, error) {
	kv, err := kvstore.Open(cfg.History.Backend, cfg.HistoryLocation())
	if err != nil {
		return nil, fmt.Errorf("failed to open history storage: %w", err)
	}

	stats := statistics.NewStatistics()
	recorder := metrics.NewRecorder()

	store, err := history.NewStore(history.StoreConfig{
		KV:       kv,
		Key:      cfg.History.Key,
		Limit:    cfg.History.Limit,
		Logger:   log,
		OnChange: recorder.SetHistoryEntries,
	})
	if err != nil {
		_ = kvstore.Close(kv)
		return nil, err
	}
	store.Load()

	ctrl, err := progress.NewController(progress.Config{
		Compressor:          comp,
		Observer:            progress.Observers{stats, recorder},
		Logger:              log,
		TickInterval:        cfg.Compression.TickInterval,
		DisplayHold:         cfg.Compression.DisplayHold,
		SecondsPerMB:        cfg.Compression.SecondsPerMB,
		MinEstimateSeconds:  cfg.Compression.MinEstimateSeconds,
		MaxRunningPercent:   cfg.Compression.MaxRunningPercent,
		MaxDimension:        cfg.Compression.MaxDimension,
		UseBackgroundWorker: cfg.Compression.UseBackgroundWorker,
		DefaultQuality:      cfg.Compression.DefaultQuality,
	})
	if err != nil {
		_ = kvstore.Close(kv)
		return nil, err
	}

	return &app{
		cfg:        cfg,
		log:        log,
		kv:         kv,
		history:    store,
		stats:      stats,
		metrics:    recorder,
		controller: ctrl,
		inspector:  imageinfo.NewInspector(log),
	}, nil
}

// Close stops the controller and releases the history backend.
func (a *app) Close() {
	a.controller.Close()
	if err := kvstore.Close(a.kv); err != nil {
		a.log.Warnf("Failed to close history storage: %v", err)
	}
}
