// Package registry implements the processing-state registry (component A):
// the authoritative, thread-safe per-file state machine that the pipeline
// and task scheduler consult and mutate as a file moves from discovery to
// a terminal state.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/metacore/ingest-core/internal/merrors"
)

// State is one of the five states a file record can occupy.
type State string

const (
	StateDiscovered      State = "discovered"
	StateLightProcessing State = "lightProcessing"
	StateHashProcessing  State = "hashProcessing"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// Record is a single file's authoritative state.
type Record struct {
	Path       string
	HashID     string
	State      State
	RetryCount int
	LastError  string

	DiscoveredAt time.Time
	LightAt      time.Time
	HashAt       time.Time
	DoneAt       time.Time
	FailedAt     time.Time
}

// snapshot returns a value copy safe to hand to callers outside the lock.
func (r *Record) snapshot() Record {
	return *r
}

// Registry is the thread-safe path -> Record map. All mutations serialize
// per-path; transitions attempted out of order return ErrStateConflict.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	log     *slog.Logger
}

// New creates an empty Registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		records: make(map[string]*Record),
		log:     log,
	}
}

// AddDiscovered is idempotent: it transitions path to discovered if the
// path is unknown or currently failed, and is a silent no-op for any other
// existing state (duplicate redelivery from the event consumer lands
// here).
func (r *Registry) AddDiscovered(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[path]
	if !ok {
		r.records[path] = &Record{
			Path:         path,
			State:        StateDiscovered,
			DiscoveredAt: time.Now(),
		}
		return nil
	}
	if rec.State == StateFailed {
		rec.State = StateDiscovered
		rec.LastError = ""
		rec.DiscoveredAt = time.Now()
		return nil
	}
	// Unknown-or-failed is the only transition; anything else is a
	// duplicate sighting of a file already in flight or done.
	return nil
}

// BeginLight transitions discovered -> lightProcessing.
func (r *Registry) BeginLight(path string) error {
	return r.transition(path, StateDiscovered, StateLightProcessing, func(rec *Record) {
		rec.LightAt = time.Now()
	})
}

// CompleteLight records the computed hashId and leaves the state in
// lightProcessing (the pipeline advances to hashProcessing itself via
// BeginHash once background admission happens).
func (r *Registry) CompleteLight(path, hashID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[path]
	if !ok {
		return merrors.ErrUnknownFile
	}
	if rec.State != StateLightProcessing {
		return merrors.ErrStateConflict
	}
	rec.HashID = hashID
	return nil
}

// BeginHash transitions lightProcessing -> hashProcessing.
func (r *Registry) BeginHash(path string) error {
	return r.transition(path, StateLightProcessing, StateHashProcessing, func(rec *Record) {
		rec.HashAt = time.Now()
	})
}

// CompleteHash transitions hashProcessing -> done.
func (r *Registry) CompleteHash(path string) error {
	return r.transition(path, StateHashProcessing, StateDone, func(rec *Record) {
		rec.DoneAt = time.Now()
	})
}

// MarkFailed moves a file to failed from any non-terminal state, recording
// reason. It does not increment RetryCount — that happens on Retry.
func (r *Registry) MarkFailed(path, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[path]
	if !ok {
		return merrors.ErrUnknownFile
	}
	if rec.State == StateDone || rec.State == StateFailed {
		return merrors.ErrStateConflict
	}
	rec.State = StateFailed
	rec.LastError = reason
	rec.FailedAt = time.Now()
	r.log.Warn("file marked failed", "path", path, "reason", reason)
	return nil
}

// Retry resets a failed file to discovered and increments RetryCount.
func (r *Registry) Retry(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[path]
	if !ok {
		return merrors.ErrUnknownFile
	}
	if rec.State != StateFailed {
		return merrors.ErrStateConflict
	}
	rec.State = StateDiscovered
	rec.RetryCount++
	rec.LastError = ""
	rec.DiscoveredAt = time.Now()
	return nil
}

// RetryAllFailed resets every failed file to discovered, returning the
// paths retried.
func (r *Registry) RetryAllFailed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var retried []string
	for path, rec := range r.records {
		if rec.State == StateFailed {
			rec.State = StateDiscovered
			rec.RetryCount++
			rec.LastError = ""
			rec.DiscoveredAt = time.Now()
			retried = append(retried, path)
		}
	}
	return retried
}

// Remove deletes a path's record entirely, used by delete events and
// clear-metadata control operations.
func (r *Registry) Remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, path)
}

// Get returns a snapshot of a single record.
func (r *Registry) Get(path string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[path]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// Snapshot returns a copy of every record, for the status endpoint.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.snapshot())
	}
	return out
}

// CountByState returns the number of records in each state.
func (r *Registry) CountByState() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[State]int)
	for _, rec := range r.records {
		counts[rec.State]++
	}
	return counts
}

// InFlight returns every record not in a terminal state.
func (r *Registry) InFlight() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, rec := range r.records {
		if rec.State != StateDone && rec.State != StateFailed {
			out = append(out, rec.snapshot())
		}
	}
	return out
}

// transition is the shared compare-and-set helper backing BeginLight,
// BeginHash and CompleteHash.
func (r *Registry) transition(path string, from, to State, mutate func(*Record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[path]
	if !ok {
		return merrors.ErrUnknownFile
	}
	if rec.State != from {
		return merrors.ErrStateConflict
	}
	rec.State = to
	if mutate != nil {
		mutate(rec)
	}
	return nil
}
