// Package history keeps the bounded, newest-first list of compression outcomes
// and mirrors it into a kvstore slot after every insert.
package history

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"image-compressor-go/internal/kvstore"
	"image-compressor-go/internal/logger"
)

const (
	// DefaultKey is the storage slot the snapshot is written to.
	DefaultKey = "compressionHistory"
	// DefaultLimit is the number of entries kept.
	DefaultLimit = 10
)

// ErrCorruptState marks a stored snapshot that could not be decoded.
// It is recovered from locally and never returned to callers.
var ErrCorruptState = errors.New("corrupt history state")

// Entry is one completed compression outcome. Entries are immutable once created.
type Entry struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	OriginalName     string    `json:"originalName"`
	OriginalSize     int64     `json:"originalSize"`
	CompressedSize   int64     `json:"compressedSize"`
	CompressionRatio float64   `json:"compressionRatio"`
}

// IDGenerator hands out lexicographically increasing ULIDs, even when two
// entries are created within the same millisecond.
type IDGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewIDGenerator returns an IDGenerator backed by crypto/rand.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// New returns the next ID for time t.
func (g *IDGenerator) New(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}

var defaultIDs = NewIDGenerator()

// NewEntry builds an entry stamped with now. quality is the quality factor
// the artifact was produced with.
func NewEntry(now time.Time, originalName string, originalSize, compressedSize int64, quality float64) Entry {
	return Entry{
		ID:               defaultIDs.New(now),
		Timestamp:        now.UTC().Truncate(time.Millisecond),
		OriginalName:     originalName,
		OriginalSize:     originalSize,
		CompressedSize:   compressedSize,
		CompressionRatio: quality,
	}
}

// StoreConfig is the configuration for Store.
type StoreConfig struct {
	KV     kvstore.Store
	Key    string
	Limit  int
	Logger logrus.FieldLogger
	// OnChange, when set, is called with the list length after Load and Record.
	OnChange func(n int)
}

func (c *StoreConfig) defaults() error {
	if c.KV == nil {
		return fmt.Errorf("kv store is required")
	}
	if c.Key == "" {
		c.Key = DefaultKey
	}
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	c.Logger = logger.OrDiscard(c.Logger).WithField("svc", "history.Store")
	return nil
}

// Store owns the history list. Writes are serialised so the persisted
// snapshot always matches one of the in-memory states.
type Store struct {
	kv       kvstore.Store
	key      string
	limit    int
	log      logrus.FieldLogger
	onChange func(n int)

	mu      sync.Mutex
	entries []Entry
}

// NewStore returns an empty Store. Call Load to pick up the persisted snapshot.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Store{
		kv:       cfg.KV,
		key:      cfg.Key,
		limit:    cfg.Limit,
		log:      cfg.Logger,
		onChange: cfg.OnChange,
		entries:  []Entry{},
	}, nil
}

// Load reads the persisted snapshot. A missing key yields an empty list. A
// snapshot that cannot be decoded is removed from storage and treated as empty.
func (s *Store) Load() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = s.read()
	s.changed()
	return s.snapshot()
}

func (s *Store) read() []Entry {
	raw, ok, err := s.kv.Get(s.key)
	if err != nil {
		s.log.Warnf("Could not read history, starting empty: %v", err)
		return []Entry{}
	}
	if !ok {
		return []Entry{}
	}

	entries, err := decode(raw)
	if err != nil {
		s.log.Warnf("Discarding stored history: %v", err)
		if err := s.kv.Remove(s.key); err != nil {
			s.log.Errorf("Could not clear corrupt history: %v", err)
		}
		return []Entry{}
	}

	if len(entries) > s.limit {
		entries = entries[:s.limit]
	}
	return entries
}

// Record prepends e, keeps the first Limit entries, persists the result and
// returns it. A persistence failure is logged; the in-memory list still
// reflects e.
func (s *Store) Record(e Entry) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]Entry, 0, s.limit)
	next = append(next, e)
	for _, old := range s.entries {
		if len(next) == s.limit {
			break
		}
		next = append(next, old)
	}
	s.entries = next

	if err := s.persist(); err != nil {
		s.log.Errorf("Could not persist history: %v", err)
	}
	s.log.WithField("file", e.OriginalName).Debugf("Recorded history entry %s", e.ID)

	s.changed()
	return s.snapshot()
}

// Entries returns the current list, newest first.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Store) persist() error {
	data, err := json.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return s.kv.Set(s.key, string(data))
}

func (s *Store) snapshot() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Store) changed() {
	if s.onChange != nil {
		s.onChange(len(s.entries))
	}
}

func decode(raw string) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptState, err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
