// Package progress runs compression sessions: it starts the external
// compression call, simulates a percentage/time-remaining countdown while the
// call is pending, and settles into a terminal state that is held for a short
// time before returning to idle.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"image-compressor-go/internal/compressor"
)

const (
	// MinQuality and MaxQuality bound the quality factor; it moves in QualityStep increments.
	MinQuality  = 0.1
	MaxQuality  = 0.9
	QualityStep = 0.1
	// DefaultQuality is the quality used before the caller picks one.
	DefaultQuality = 0.5

	DefaultSecondsPerMB       = 3.0
	DefaultMinEstimateSeconds = 3
	DefaultMaxRunningPercent  = 95
	DefaultMaxDimension       = 1920
	DefaultTickInterval       = time.Second
	DefaultDisplayHold        = 2 * time.Second

	// ArtifactPrefix is prepended to the source name to name the output.
	ArtifactPrefix = "compressed_"

	messagePreparing = "preparing"
	messageDone      = "done 100%"
	// FailureMessage is shown for every failed session.
	FailureMessage = "compression failed, please retry"

	qualityEpsilon = 1e-6
)

var (
	// ErrInvalidRequest is returned for empty sources and out-of-range quality factors.
	ErrInvalidRequest = errors.New("invalid compression request")
	// ErrCompressionFailed wraps errors from the compression capability.
	ErrCompressionFailed = errors.New("compression failed")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("controller closed")
)

// Phase is the lifecycle position of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseSucceeded
	PhaseFailed
)

// String returns the lower-case phase name.
func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Terminal reports whether p ends a session.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// MarshalJSON encodes the phase as its name.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a phase name.
func (p *Phase) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "idle":
		*p = PhaseIdle
	case "running":
		*p = PhaseRunning
	case "succeeded":
		*p = PhaseSucceeded
	case "failed":
		*p = PhaseFailed
	default:
		return fmt.Errorf("unknown phase %q", s)
	}
	return nil
}

// State is what observers see of the current session.
type State struct {
	Session          uint64 `json:"session"`
	Phase            Phase  `json:"phase"`
	PercentComplete  int    `json:"percent_complete"`
	SecondsRemaining int    `json:"seconds_remaining"`
	EstimatedSeconds int    `json:"estimated_seconds"`
	Message          string `json:"message,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Request asks for one compression of Data at Quality.
type Request struct {
	Name    string
	Data    []byte
	Quality float64
}

// Size returns the source size in bytes.
func (r Request) Size() int64 {
	return int64(len(r.Data))
}

// Validate rejects empty sources and quality factors off the 0.1..0.9 grid.
func (r Request) Validate() error {
	if len(r.Data) == 0 {
		return fmt.Errorf("%w: source %q is empty", ErrInvalidRequest, r.Name)
	}
	return ValidateQuality(r.Quality)
}

// ValidateQuality checks q is one of 0.1, 0.2, ..., 0.9.
func ValidateQuality(q float64) error {
	if math.IsNaN(q) || q < MinQuality-qualityEpsilon || q > MaxQuality+qualityEpsilon {
		return fmt.Errorf("%w: quality %v outside [%.1f, %.1f]", ErrInvalidRequest, q, MinQuality, MaxQuality)
	}
	steps := q / QualityStep
	if math.Abs(steps-math.Round(steps)) > qualityEpsilon {
		return fmt.Errorf("%w: quality %v is not a multiple of %.1f", ErrInvalidRequest, q, QualityStep)
	}
	return nil
}

// EstimateSeconds returns the default estimate: three seconds per MiB, at least three seconds.
func EstimateSeconds(sourceBytes int64) int {
	return estimateSeconds(sourceBytes, DefaultSecondsPerMB, DefaultMinEstimateSeconds)
}

func estimateSeconds(sourceBytes int64, secondsPerMB float64, floor int) int {
	est := int(math.Ceil(float64(sourceBytes) / compressor.MiB * secondsPerMB))
	return max(floor, est)
}

// PercentAt returns the displayed percentage after elapsed of estimated
// seconds, capped so that only real completion reaches 100.
func PercentAt(elapsed, estimated, limit int) int {
	if estimated <= 0 {
		return 0
	}
	p := int(math.Round(float64(elapsed) / float64(estimated) * 100))
	return min(limit, max(0, p))
}

// Artifact is the output of a successful session.
type Artifact struct {
	ID string `json:"id"`
	// Handle addresses the artifact the way an object URL addresses a blob.
	Handle       string    `json:"handle"`
	Name         string    `json:"name"`
	SourceName   string    `json:"source_name"`
	ContentType  string    `json:"content_type"`
	OriginalSize int64     `json:"original_size"`
	Quality      float64   `json:"quality"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	CreatedAt    time.Time `json:"created_at"`
	Data         []byte    `json:"-"`
}

// Size returns the compressed size in bytes.
func (a *Artifact) Size() int64 {
	return int64(len(a.Data))
}

// Observer receives session lifecycle events. Implementations must be safe
// for concurrent use and must not call back into the Controller.
type Observer interface {
	SessionStarted(seq uint64, sourceBytes int64)
	SessionFinished(seq uint64, phase Phase, elapsed time.Duration, sourceBytes, compressedBytes int64)
	StaleResultDiscarded(seq uint64)
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) SessionStarted(seq uint64, sourceBytes int64) {
	for _, ob := range o {
		ob.SessionStarted(seq, sourceBytes)
	}
}

func (o Observers) SessionFinished(seq uint64, phase Phase, elapsed time.Duration, sourceBytes, compressedBytes int64) {
	for _, ob := range o {
		ob.SessionFinished(seq, phase, elapsed, sourceBytes, compressedBytes)
	}
}

func (o Observers) StaleResultDiscarded(seq uint64) {
	for _, ob := range o {
		ob.StaleResultDiscarded(seq)
	}
}
