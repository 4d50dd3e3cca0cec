package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/logger"
)

// Config is the configuration for Controller.
type Config struct {
	Compressor compressor.Compressor
	Scheduler  Scheduler
	Observer   Observer
	Logger     logrus.FieldLogger
	Now        func() time.Time

	TickInterval        time.Duration
	DisplayHold         time.Duration
	SecondsPerMB        float64
	MinEstimateSeconds  int
	MaxRunningPercent   int
	MaxDimension        int
	UseBackgroundWorker bool
	DefaultQuality      float64
}

func (c *Config) defaults() error {
	if c.Compressor == nil {
		return fmt.Errorf("compressor is required")
	}
	if c.Scheduler == nil {
		c.Scheduler = RealScheduler{}
	}
	if c.Observer == nil {
		c.Observer = Observers{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.DisplayHold <= 0 {
		c.DisplayHold = DefaultDisplayHold
	}
	if c.SecondsPerMB <= 0 {
		c.SecondsPerMB = DefaultSecondsPerMB
	}
	if c.MinEstimateSeconds <= 0 {
		c.MinEstimateSeconds = DefaultMinEstimateSeconds
	}
	if c.MaxRunningPercent <= 0 || c.MaxRunningPercent >= 100 {
		c.MaxRunningPercent = DefaultMaxRunningPercent
	}
	if c.MaxDimension <= 0 {
		c.MaxDimension = DefaultMaxDimension
	}
	if c.DefaultQuality == 0 {
		c.DefaultQuality = DefaultQuality
	}
	if err := ValidateQuality(c.DefaultQuality); err != nil {
		return fmt.Errorf("default quality: %w", err)
	}
	c.Logger = logger.OrDiscard(c.Logger).WithField("svc", "progress.Controller")
	return nil
}

// session is the bookkeeping for one run.
type session struct {
	seq         uint64
	req         Request
	estimated   int
	secondsLeft int
	startedAt   time.Time
}

type subscriber struct {
	id int
	fn func(State)
}

// Controller owns the progress state, the current source and the latest
// artifact. At most one session is live; starting a new one tears the old
// one's timers down first, and results from superseded sessions are dropped.
//
// Subscribers are called synchronously, in order, with the controller lock
// held. They must not call Controller methods.
type Controller struct {
	cfg Config
	log logrus.FieldLogger

	mu          sync.Mutex
	seq         uint64
	state       State
	quality     float64
	source      *Request
	run         *session
	artifact    *Artifact
	lastErr     error
	ticker      Timer
	hold        Timer
	subscribers []subscriber
	nextSubID   int
	closed      bool
}

// NewController returns an idle Controller.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Controller{
		cfg:     cfg,
		log:     cfg.Logger,
		quality: cfg.DefaultQuality,
		state:   State{Phase: PhaseIdle},
	}, nil
}

// Subscribe registers fn for state updates and returns a function that
// removes it.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSubID++
	id := c.nextSubID
	c.subscribers = append(c.subscribers, subscriber{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subscribers {
			if s.id == id {
				c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
				return
			}
		}
	}
}

// State returns the current progress state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Quality returns the quality factor that the next session will use.
func (c *Controller) Quality() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// Result returns the artifact of the latest successful session for the current
// source. It is cleared whenever a new session starts.
func (c *Controller) Result() (*Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.artifact == nil {
		return nil, false
	}
	a := *c.artifact
	return &a, true
}

// LastError returns the error of the latest failed session, wrapping
// ErrCompressionFailed, or nil.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Start validates req and begins a new session, replacing any previous one.
// ctx bounds the compression call itself and must outlive the session.
func (c *Controller) Start(ctx context.Context, req Request) (uint64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	return c.startLocked(ctx, req), nil
}

// ChangeQuality remembers q and, when a source has been selected, restarts
// compression of that source at q. started reports whether a session began.
func (c *Controller) ChangeQuality(ctx context.Context, q float64) (seq uint64, started bool, err error) {
	if err := ValidateQuality(q); err != nil {
		return 0, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, false, ErrClosed
	}

	c.quality = q
	if c.source == nil {
		return 0, false, nil
	}

	req := *c.source
	req.Quality = q
	return c.startLocked(ctx, req), true, nil
}

// Close stops all timers. Pending compression results are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked()
	c.closed = true
	c.seq++
}

func (c *Controller) startLocked(ctx context.Context, req Request) uint64 {
	c.teardownLocked()

	c.seq++
	seq := c.seq
	est := estimateSeconds(req.Size(), c.cfg.SecondsPerMB, c.cfg.MinEstimateSeconds)

	reqCopy := req
	c.source = &reqCopy
	c.quality = req.Quality
	c.artifact = nil
	c.lastErr = nil
	c.run = &session{
		seq:         seq,
		req:         req,
		estimated:   est,
		secondsLeft: est,
		startedAt:   c.cfg.Now(),
	}
	c.state = State{
		Session:          seq,
		Phase:            PhaseRunning,
		SecondsRemaining: est,
		EstimatedSeconds: est,
		Message:          messagePreparing,
	}

	c.ticker = c.cfg.Scheduler.Every(c.cfg.TickInterval, func() { c.tick(seq) })

	logger.WithSession(c.log, seq).WithFields(logrus.Fields{
		"file":              req.Name,
		"size":              req.Size(),
		"quality":           req.Quality,
		"estimated_seconds": est,
	}).Info("Compression session started")

	c.emitLocked()
	c.cfg.Observer.SessionStarted(seq, req.Size())

	opts := compressor.Options{
		TargetSizeMB:        float64(req.Size()) / compressor.MiB * req.Quality,
		MaxDimension:        c.cfg.MaxDimension,
		UseBackgroundWorker: c.cfg.UseBackgroundWorker,
	}
	go c.compress(ctx, seq, req, opts)

	return seq
}

func (c *Controller) compress(ctx context.Context, seq uint64, req Request, opts compressor.Options) {
	out, err := c.cfg.Compressor.Compress(ctx, compressor.Source{Name: req.Name, Data: req.Data}, opts)
	c.finish(seq, out, err)
}

func (c *Controller) tick(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run == nil || c.run.seq != seq || c.state.Phase != PhaseRunning {
		return
	}
	// Past the estimate the countdown stays at zero until the call resolves.
	if c.run.secondsLeft <= 0 {
		return
	}

	c.run.secondsLeft--
	elapsed := c.run.estimated - c.run.secondsLeft
	percent := PercentAt(elapsed, c.run.estimated, c.cfg.MaxRunningPercent)

	c.state.PercentComplete = percent
	c.state.SecondsRemaining = c.run.secondsLeft
	c.state.Message = fmt.Sprintf("compressing %d%%", percent)
	c.emitLocked()
}

func (c *Controller) finish(seq uint64, out compressor.Output, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := logger.WithSession(c.log, seq)

	if c.run == nil || c.run.seq != seq || seq != c.seq {
		log.Debug("Discarding result of superseded session")
		c.cfg.Observer.StaleResultDiscarded(seq)
		return
	}

	c.stopTimer(&c.ticker)
	run := c.run
	c.run = nil
	elapsed := c.cfg.Now().Sub(run.startedAt)

	var compressedBytes int64
	if err != nil {
		c.lastErr = fmt.Errorf("%w: %w", ErrCompressionFailed, err)
		c.state.Phase = PhaseFailed
		c.state.SecondsRemaining = 0
		c.state.Message = FailureMessage
		c.state.Error = err.Error()
		log.WithField("file", run.req.Name).Errorf("Compression failed: %v", err)
	} else {
		id := ulid.Make().String()
		c.artifact = &Artifact{
			ID:           id,
			Handle:       "blob:" + id,
			Name:         ArtifactPrefix + run.req.Name,
			SourceName:   run.req.Name,
			ContentType:  out.ContentType,
			OriginalSize: run.req.Size(),
			Quality:      run.req.Quality,
			Width:        out.Width,
			Height:       out.Height,
			CreatedAt:    c.cfg.Now(),
			Data:         out.Data,
		}
		compressedBytes = c.artifact.Size()
		c.state.Phase = PhaseSucceeded
		c.state.PercentComplete = 100
		c.state.SecondsRemaining = 0
		c.state.Message = messageDone
		log.WithFields(logrus.Fields{
			"file":            run.req.Name,
			"original_size":   run.req.Size(),
			"compressed_size": compressedBytes,
			"elapsed":         elapsed.String(),
		}).Info("Compression finished")
	}

	c.emitLocked()
	c.cfg.Observer.SessionFinished(seq, c.state.Phase, elapsed, run.req.Size(), compressedBytes)

	c.hold = c.cfg.Scheduler.After(c.cfg.DisplayHold, func() { c.resetToIdle(seq) })
}

func (c *Controller) resetToIdle(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq != c.seq || !c.state.Phase.Terminal() {
		return
	}
	c.hold = nil
	c.state = State{Session: seq, Phase: PhaseIdle}
	c.emitLocked()
}

func (c *Controller) teardownLocked() {
	c.stopTimer(&c.ticker)
	c.stopTimer(&c.hold)
	c.run = nil
}

func (c *Controller) stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Controller) emitLocked() {
	state := c.state
	for _, s := range c.subscribers {
		s.fn(state)
	}
}
