package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mikeboe/apollo/pkg/research/state"
)

// StateSaver persists a job's state snapshot.
type StateSaver interface {
	SaveState(ctx context.Context, jobID string, state any) error
}

// Snapshot is the persisted form of a job's working state.
type Snapshot struct {
	state.Job
	CrawledURLs []string             `json:"crawled_urls"`
	Timeline    []state.TimelineItem `json:"timeline"`
}

func snapshotOf(job state.Job) Snapshot {
	return Snapshot{Job: job, CrawledURLs: job.URLs(), Timeline: job.Timeline()}
}

// Snapshotter writes state changes to the database off the mutation path.
// Bursts of changes to one job collapse into a single write.
type Snapshotter struct {
	saver  StateSaver
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]state.Job
	order   []string
	wake    chan struct{}
}

func NewSnapshotter(saver StateSaver, logger *slog.Logger) *Snapshotter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{
		saver:   saver,
		logger:  logger,
		pending: make(map[string]state.Job),
		wake:    make(chan struct{}, 1),
	}
}

// Observe records the latest state of a job. It never blocks on the database.
func (s *Snapshotter) Observe(job state.Job) {
	s.mu.Lock()
	if _, ok := s.pending[job.ID]; !ok {
		s.order = append(s.order, job.ID)
	}
	s.pending[job.ID] = job
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run saves observed snapshots until ctx is done, then flushes what is left.
func (s *Snapshotter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.Flush(context.WithoutCancel(ctx))
			return
		case <-s.wake:
			s.Flush(ctx)
		}
	}
}

// Flush saves every pending snapshot in the order jobs were first observed.
func (s *Snapshotter) Flush(ctx context.Context) {
	s.mu.Lock()
	pending, order := s.pending, s.order
	s.pending = make(map[string]state.Job)
	s.order = nil
	s.mu.Unlock()

	for _, id := range order {
		if err := s.saver.SaveState(ctx, id, snapshotOf(pending[id])); err != nil {
			s.logger.Warn("Failed to save research state", "job_id", id, "error", err)
		}
	}
}
