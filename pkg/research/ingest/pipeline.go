package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mikeboe/apollo/pkg/research"
	"github.com/mikeboe/apollo/pkg/research/state"
)

var (
	// ErrItemFailed marks a single result that could not be indexed. It is
	// logged and never returned from the worker.
	ErrItemFailed = errors.New("ingest item failed")
	// ErrClosed is returned by Enqueue and Submit after Close.
	ErrClosed = errors.New("ingestion pipeline closed")
)

// Request is one batch of search results to index for a job.
type Request struct {
	JobID    string
	Question string
	Results  []research.SearchResult
}

// Store is the part of the state access layer the pipeline needs.
type Store interface {
	Get(jobID string) (state.Job, error)
	ReserveURLs(jobID string, urls []string) ([]string, error)
	ReleaseURLs(jobID string, urls []string) error
	BeginIngestion(jobID string) error
	EndIngestion(jobID string) error
}

// Pipeline indexes discovered content into the knowledge store in the
// background. Requests are processed FIFO by a single worker.
type Pipeline struct {
	store     Store
	knowledge research.KnowledgeStore
	fetcher   research.Fetcher
	logger    *slog.Logger

	mu     sync.Mutex
	queue  []Request
	closed bool
	signal chan struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFetcher sets the fetcher used for results that carry no text.
func WithFetcher(f research.Fetcher) Option {
	return func(p *Pipeline) { p.fetcher = f }
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a pipeline. Call Run to start the worker.
func New(store Store, knowledge research.KnowledgeStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		knowledge: knowledge,
		logger:    slog.Default(),
		signal:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue adds req to the queue without waiting for the worker.
func (p *Pipeline) Enqueue(req Request) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, req)
	p.mu.Unlock()

	p.notify()
	return nil
}

// Submit reserves the result URLs for the job and enqueues the results that
// were not seen before. It returns the number of results queued.
func (p *Pipeline) Submit(ctx context.Context, jobID, question string, results []research.SearchResult) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	urls := make([]string, 0, len(results))
	for _, r := range results {
		if strings.TrimSpace(r.URL) != "" {
			urls = append(urls, r.URL)
		}
	}
	if len(urls) == 0 {
		return 0, nil
	}
	if p.isClosed() {
		return 0, ErrClosed
	}

	fresh, err := p.store.ReserveURLs(jobID, urls)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve urls: %w", err)
	}
	if len(fresh) == 0 {
		p.logger.Info("All results already crawled", "job_id", jobID, "results", len(results))
		return 0, nil
	}

	wanted := make(map[string]bool, len(fresh))
	for _, u := range fresh {
		wanted[state.NormalizeURL(u)] = true
	}
	batch := make([]research.SearchResult, 0, len(fresh))
	for _, r := range results {
		key := state.NormalizeURL(r.URL)
		if wanted[key] {
			batch = append(batch, r)
			delete(wanted, key)
		}
	}

	if err := p.Enqueue(Request{JobID: jobID, Question: question, Results: batch}); err != nil {
		if rerr := p.store.ReleaseURLs(jobID, fresh); rerr != nil {
			p.logger.Warn("Failed to release reserved urls", "job_id", jobID, "error", rerr)
		}
		return 0, err
	}
	p.logger.Info("Queued results for ingestion", "job_id", jobID, "new", len(batch), "skipped", len(results)-len(batch))
	return len(batch), nil
}

// Pending returns the number of queued requests.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops accepting new requests. Run returns once the queue is drained.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.notify()
}

// Run processes requests until ctx is done or the pipeline is closed and
// drained.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		req, ok, closed := p.next()
		if ok {
			p.process(ctx, req)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if closed {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-p.signal:
		}
	}
}

func (p *Pipeline) next() (Request, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return Request{}, false, p.closed
	}
	req := p.queue[0]
	p.queue[0] = Request{}
	p.queue = p.queue[1:]
	return req, true, p.closed
}

func (p *Pipeline) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *Pipeline) process(ctx context.Context, req Request) {
	logger := p.logger.With("job_id", req.JobID)

	if err := p.store.BeginIngestion(req.JobID); err != nil {
		logger.Warn("Dropping ingestion request", "error", err)
		return
	}
	defer func() {
		if err := p.store.EndIngestion(req.JobID); err != nil {
			logger.Warn("Failed to end ingestion", "error", err)
		}
	}()

	indexed := 0
	for i, result := range req.Results {
		if ctx.Err() != nil {
			logger.Info("Ingestion cancelled", "indexed", indexed, "total", len(req.Results))
			return
		}
		if reason := p.stale(req.JobID); reason != "" {
			logger.Info("Stopping ingestion batch", "reason", reason, "indexed", indexed, "dropped", len(req.Results)-i)
			return
		}
		if err := p.ingest(ctx, req, result); err != nil {
			logger.Error("Failed to ingest item", "url", result.URL, "error", err)
			continue
		}
		indexed++
	}
	logger.Info("Ingestion batch complete", "indexed", indexed, "total", len(req.Results))
}

// stale reports why a job should no longer receive content, or "" when it
// still should.
func (p *Pipeline) stale(jobID string) string {
	job, err := p.store.Get(jobID)
	switch {
	case err != nil:
		return "job state gone"
	case job.IsComplete:
		return "job complete"
	}
	return ""
}

func (p *Pipeline) ingest(ctx context.Context, req Request, result research.SearchResult) error {
	text := result.Text
	if text == "" && p.fetcher != nil && result.URL != "" {
		fetched, err := p.fetcher.Fetch(ctx, result.URL)
		if err != nil {
			p.logger.Warn("Failed to fetch, using snippet", "job_id", req.JobID, "url", result.URL, "error", err)
		} else {
			text = fetched
		}
	}
	if strings.TrimSpace(text) == "" {
		text = result.Snippet
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: %s has no content", ErrItemFailed, result.URL)
	}

	content := research.Content{
		JobID:     req.JobID,
		Question:  req.Question,
		URL:       result.URL,
		Title:     result.Title,
		Author:    result.Author,
		Published: result.Published,
		Text:      text,
	}
	if err := p.knowledge.Ingest(ctx, req.JobID, content); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrItemFailed, result.URL, err)
	}
	return nil
}
