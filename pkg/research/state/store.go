package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound is returned for a job id with no live state: it expired or
	// was never created. Callers must not retry.
	ErrNotFound = errors.New("research state not found")
	// ErrCompletionReset is returned when a mutation tries to clear IsComplete.
	ErrCompletionReset = errors.New("research completion cannot be reset")
	// ErrJobComplete is returned by ingestion bookkeeping for a job that has
	// already reached its terminal state.
	ErrJobComplete = errors.New("research already complete")

	// errUnchanged lets a mutation report success without writing.
	errUnchanged = errors.New("state unchanged")
)

const (
	DefaultTTL          = time.Hour
	DefaultReapInterval = time.Minute
)

type entry struct {
	mu        sync.Mutex
	job       Job
	expiresAt time.Time
	removed   bool
}

// Store holds the working state of every in-flight research job. Entries
// expire after a sliding TTL; Run reclaims them in the background.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group

	ttl          time.Duration
	reapInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger
	observers    []func(Job)
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the sliding expiry of a job.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithReapInterval sets how often Run scans for expired jobs.
func WithReapInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.reapInterval = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver registers fn to receive a snapshot after every committed
// mutation. fn runs outside the job lock.
func WithObserver(fn func(Job)) Option {
	return func(s *Store) { s.observers = append(s.observers, fn) }
}

// NewStore creates an empty job store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries:      make(map[string]*entry),
		ttl:          DefaultTTL,
		reapInterval: DefaultReapInterval,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reaps expired jobs until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Reap(); n > 0 {
				s.logger.Info("Reaped expired research state", "count", n)
			}
		}
	}
}

// Reap removes every expired job and returns how many were removed.
func (s *Store) Reap() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		e.mu.Lock()
		if now.After(e.expiresAt) {
			e.removed = true
			delete(s.entries, id)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Len returns the number of live jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Create stores the job built by factory unless one already exists for
// jobID, in which case the existing job is returned unchanged. Concurrent
// callers for the same id share a single factory call.
func (s *Store) Create(ctx context.Context, jobID string, factory func(context.Context) (Job, error)) (Job, error) {
	if job, err := s.Get(jobID); err == nil {
		return job, nil
	}

	v, err, _ := s.group.Do(jobID, func() (any, error) {
		if job, err := s.Get(jobID); err == nil {
			return job, nil
		}

		job, err := factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to build research state for %s: %w", jobID, err)
		}

		now := s.now()
		job.ID = jobID
		job.CreatedAt = now
		job.UpdatedAt = now
		if job.CrawledURLs == nil {
			job.CrawledURLs = make(map[string]struct{})
		}
		if len(job.AllQuestionsInOrder) == 0 {
			job.AllQuestionsInOrder = append(append([]Question(nil), job.CompletedQuestions...), job.PendingQuestions...)
		}

		e := &entry{job: job.clone(), expiresAt: now.Add(s.ttl)}
		s.mu.Lock()
		s.entries[jobID] = e
		s.mu.Unlock()

		s.logger.Info("Created research state", "job_id", jobID, "pending_questions", len(job.PendingQuestions))
		return job, nil
	})
	if err != nil {
		return Job{}, err
	}
	return v.(Job).clone(), nil
}

// Get returns a snapshot of the job.
func (s *Store) Get(jobID string) (Job, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return Job{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.checkLive(jobID, e); err != nil {
		return Job{}, err
	}
	e.expiresAt = s.now().Add(s.ttl)
	return e.job.clone(), nil
}

// Delete drops the job. Deleting an unknown job is not an error.
func (s *Store) Delete(jobID string) {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	delete(s.entries, jobID)
	s.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
}

// Mutate applies fn to the job under the job's exclusive lock. fn works on
// a copy that replaces the stored job only when fn returns nil, so a failed
// mutation leaves no partial writes behind. Once the job is complete its
// state no longer changes.
func (s *Store) Mutate(jobID string, fn func(*Job) error) (Job, error) {
	e, err := s.lookup(jobID)
	if err != nil {
		return Job{}, err
	}

	snapshot, changed, err := s.apply(jobID, e, fn)
	if err != nil {
		return Job{}, err
	}
	if changed {
		for _, observe := range s.observers {
			observe(snapshot.clone())
		}
	}
	return snapshot, nil
}

// apply runs fn under the entry lock and commits its result.
func (s *Store) apply(jobID string, e *entry, fn func(*Job) error) (Job, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := s.checkLive(jobID, e); err != nil {
		return Job{}, false, err
	}

	now := s.now()
	working := e.job.clone()
	if err := fn(&working); err != nil {
		if errors.Is(err, errUnchanged) {
			e.expiresAt = now.Add(s.ttl)
			return e.job.clone(), false, nil
		}
		return Job{}, false, err
	}
	if e.job.IsComplete {
		if !working.IsComplete {
			return Job{}, false, fmt.Errorf("%w: %s", ErrCompletionReset, jobID)
		}
		// A complete job is frozen.
		e.expiresAt = now.Add(s.ttl)
		return e.job.clone(), false, nil
	}
	if working.IsComplete {
		working.SynthesisComplete = true
	}
	working.ID = e.job.ID
	working.UpdatedAt = now

	e.job = working
	e.expiresAt = now.Add(s.ttl)
	return working.clone(), true, nil
}

func (s *Store) lookup(jobID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return e, nil
}

// checkLive must be called with e.mu held.
func (s *Store) checkLive(jobID string, e *entry) error {
	if e.removed || s.now().After(e.expiresAt) {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}
