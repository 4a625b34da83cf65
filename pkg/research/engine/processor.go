package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mikeboe/apollo/pkg/research"
	"github.com/mikeboe/apollo/pkg/research/coordination"
	"github.com/mikeboe/apollo/pkg/research/orchestrator"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 64
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var (
	// ErrQueueFull is returned by Dispatch when no more jobs can be queued.
	ErrQueueFull = errors.New("research queue is full")
	// ErrAlreadyRunning is returned by Dispatch for a job that is queued or running.
	ErrAlreadyRunning = errors.New("research already running")
)

// StatusStore records the lifecycle status of a job.
type StatusStore interface {
	SetStatus(ctx context.Context, jobID, status string) error
}

// RosterFunc builds the agents for one job.
type RosterFunc func(jobID string, logger *slog.Logger) ([]orchestrator.Agent, error)

// Processor runs dispatched research jobs on a fixed number of workers.
type Processor struct {
	plans    research.PlanSource
	status   StatusStore
	store    orchestrator.Store
	policy   *coordination.Policy
	roster   RosterFunc
	sink     research.ChatSink
	release  func(ctx context.Context, jobID string) error
	logger   *slog.Logger
	workers  int
	maxTurns int

	queue chan string

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	queued  map[string]bool
	stopped map[string]bool
}

// Option configures a Processor.
type Option func(*Processor)

func WithWorkers(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.queue = make(chan string, n)
		}
	}
}

func WithMaxTurns(n int) Option {
	return func(p *Processor) { p.maxTurns = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRelease registers a cleanup called after every job ends.
func WithRelease(fn func(ctx context.Context, jobID string) error) Option {
	return func(p *Processor) { p.release = fn }
}

// New creates a processor. sink may be nil.
func New(plans research.PlanSource, status StatusStore, store orchestrator.Store, policy *coordination.Policy, roster RosterFunc, sink research.ChatSink, opts ...Option) *Processor {
	p := &Processor{
		plans:    plans,
		status:   status,
		store:    store,
		policy:   policy,
		roster:   roster,
		sink:     sink,
		logger:   slog.Default(),
		workers:  DefaultWorkers,
		maxTurns: orchestrator.DefaultMaxTurns,
		queue:    make(chan string, DefaultQueueSize),
		active:   make(map[string]context.CancelFunc),
		queued:   make(map[string]bool),
		stopped:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dispatch queues a job without waiting for a worker.
func (p *Processor) Dispatch(jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.queued[jobID] || p.active[jobID] != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, jobID)
	}
	select {
	case p.queue <- jobID:
		p.queued[jobID] = true
		delete(p.stopped, jobID)
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel stops a queued or running job. It reports whether the job was known.
func (p *Processor) Cancel(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cancel, ok := p.active[jobID]; ok {
		cancel()
		return true
	}
	if p.queued[jobID] {
		p.stopped[jobID] = true
		return true
	}
	return false
}

// Running returns the number of jobs currently executing.
func (p *Processor) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Run starts the workers and blocks until ctx is done and every running
// job has stopped.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case jobID := <-p.queue:
					p.process(ctx, jobID)
				}
			}
		})
	}
	return g.Wait()
}

func (p *Processor) start(ctx context.Context, jobID string) (context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.queued, jobID)
	if p.stopped[jobID] {
		delete(p.stopped, jobID)
		return nil, false
	}
	jobCtx, cancel := context.WithCancel(ctx)
	p.active[jobID] = cancel
	return jobCtx, true
}

func (p *Processor) finish(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.active[jobID]; ok {
		cancel()
		delete(p.active, jobID)
	}
}

func (p *Processor) process(ctx context.Context, jobID string) {
	logger := p.logger.With("job_id", jobID)
	bg := context.WithoutCancel(ctx)

	jobCtx, ok := p.start(ctx, jobID)
	if !ok {
		logger.Info("Research cancelled before start")
		p.setStatus(bg, logger, jobID, StatusCancelled)
		return
	}
	defer p.finish(jobID)

	err := p.run(jobCtx, jobID, logger)

	if p.release != nil {
		if rerr := p.release(bg, jobID); rerr != nil {
			logger.Warn("Failed to release job resources", "error", rerr)
		}
	}

	switch {
	case err == nil:
		logger.Info("Research completed")
		p.setStatus(bg, logger, jobID, StatusCompleted)
	case errors.Is(err, context.Canceled):
		logger.Info("Research cancelled")
		p.setStatus(bg, logger, jobID, StatusCancelled)
	default:
		logger.Error("Research failed", "error", err)
		p.setStatus(bg, logger, jobID, StatusFailed)
	}
}

func (p *Processor) run(ctx context.Context, jobID string, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic in research job", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: panic: %v", orchestrator.ErrTurnFailed, r)
		}
	}()
	p.setStatus(ctx, logger, jobID, StatusRunning)

	plan, err := p.plans.LoadPlan(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}
	agents, err := p.roster(jobID, logger)
	if err != nil {
		return fmt.Errorf("failed to build agents: %w", err)
	}

	loop := orchestrator.New(p.store, p.policy, agents, p.sink,
		orchestrator.WithLogger(logger),
		orchestrator.WithMaxTurns(p.maxTurns),
	)
	return loop.Run(ctx, jobID, plan)
}

func (p *Processor) setStatus(ctx context.Context, logger *slog.Logger, jobID, status string) {
	if err := p.status.SetStatus(ctx, jobID, status); err != nil {
		logger.Error("Failed to update research status", "status", status, "error", err)
	}
}
