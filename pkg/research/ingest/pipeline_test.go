package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mikeboe/apollo/pkg/research"
	"github.com/mikeboe/apollo/pkg/research/state"
)

type fakeKnowledge struct {
	mu      sync.Mutex
	items   []research.Content
	failURL string
}

func (k *fakeKnowledge) Ingest(_ context.Context, _ string, c research.Content) error {
	if c.URL == k.failURL {
		return errors.New("index unavailable")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.items = append(k.items, c)
	return nil
}

func (k *fakeKnowledge) Ask(context.Context, string, string) (research.Answer, error) {
	return research.Answer{}, nil
}

func (k *fakeKnowledge) DeleteIndex(context.Context, string) error { return nil }

func (k *fakeKnowledge) urls() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.items))
	for _, c := range k.items {
		out = append(out, c.URL)
	}
	return out
}

type fakeFetcher struct {
	pages map[string]string
}

func (f fakeFetcher) Fetch(_ context.Context, url string) (string, error) {
	if text, ok := f.pages[url]; ok {
		return text, nil
	}
	return "", fmt.Errorf("no page for %s", url)
}

func newStore(t *testing.T) *state.Store {
	t.Helper()
	s := state.NewStore()
	_, err := s.Create(context.Background(), "job-1", func(context.Context) (state.Job, error) {
		return state.NewJob("", "Topic", "", []string{"Q1"}), nil
	})
	require.NoError(t, err)
	return s
}

func startPipeline(t *testing.T, p *Pipeline) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitIdle(t *testing.T, s *state.Store, p *Pipeline) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := s.Get("job-1")
		return err == nil && p.Pending() == 0 && !job.IsIngesting()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitDedupesAcrossRacingProducers(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newStore(t)
	k := &fakeKnowledge{}
	p := New(s, k)
	stop := startPipeline(t, p)
	defer stop()

	results := []research.SearchResult{
		{URL: "https://example.com/a", Title: "A", Snippet: "a"},
		{URL: "https://example.com/b", Title: "B", Snippet: "b"},
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Submit(context.Background(), "job-1", "Q1", results)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	waitIdle(t, s, p)

	assert.ElementsMatch(t, []string{"https://example.com/a", "https://example.com/b"}, k.urls())
}

func TestSubmitSkipsCrawledURLs(t *testing.T) {
	s := newStore(t)
	p := New(s, &fakeKnowledge{})

	n, err := p.Submit(context.Background(), "job-1", "Q1", []research.SearchResult{
		{URL: "https://example.com/a"},
		{URL: "https://EXAMPLE.com/a"},
		{URL: ""},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = p.Submit(context.Background(), "job-1", "Q1", []research.SearchResult{{URL: "https://example.com/A"}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, p.Pending())
}

func TestSubmitUnknownJob(t *testing.T) {
	p := New(state.NewStore(), &fakeKnowledge{})
	_, err := p.Submit(context.Background(), "missing", "", []research.SearchResult{{URL: "https://a"}})
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestPartialFailureContinuesBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newStore(t)
	k := &fakeKnowledge{failURL: "https://example.com/bad"}
	p := New(s, k, WithFetcher(fakeFetcher{pages: map[string]string{
		"https://example.com/full": "full text",
	}}))
	stop := startPipeline(t, p)
	defer stop()

	_, err := p.Submit(context.Background(), "job-1", "Q1", []research.SearchResult{
		{URL: "https://example.com/bad", Snippet: "bad"},
		{URL: "https://example.com/empty"},
		{URL: "https://example.com/full", Snippet: "snippet"},
		{URL: "https://example.com/fallback", Snippet: "only snippet"},
		{URL: "https://example.com/inline", Text: "inline"},
	})
	require.NoError(t, err)
	waitIdle(t, s, p)

	k.mu.Lock()
	defer k.mu.Unlock()
	require.Len(t, k.items, 3)
	assert.Equal(t, "full text", k.items[0].Text)
	assert.Equal(t, "only snippet", k.items[1].Text)
	assert.Equal(t, "inline", k.items[2].Text)
	for _, c := range k.items {
		assert.Equal(t, "job-1", c.JobID)
		assert.Equal(t, "Q1", c.Question)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newStore(t)
	k := &fakeKnowledge{}
	p := New(s, k)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Enqueue(Request{JobID: "job-1", Results: []research.SearchResult{
			{URL: fmt.Sprintf("https://example.com/%d", i), Snippet: "x"},
		}}))
	}
	p.Close()
	assert.ErrorIs(t, p.Enqueue(Request{JobID: "job-1"}), ErrClosed)

	p.Run(context.Background())
	assert.Equal(t, []string{"https://example.com/0", "https://example.com/1", "https://example.com/2"}, k.urls())

	job, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, 0, job.IngestionsInFlight)
}

func TestRequestForExpiredJobIsDropped(t *testing.T) {
	s := newStore(t)
	k := &fakeKnowledge{}
	p := New(s, k)
	require.NoError(t, p.Enqueue(Request{JobID: "gone", Results: []research.SearchResult{{URL: "https://a", Snippet: "a"}}}))
	p.Close()

	p.Run(context.Background())
	assert.Empty(t, k.urls())
}

func TestBatchQueuedBeforeCompletionIsDropped(t *testing.T) {
	s := newStore(t)
	k := &fakeKnowledge{}
	p := New(s, k)

	n, err := p.Submit(context.Background(), "job-1", "Q1", []research.SearchResult{{URL: "https://a", Snippet: "a"}})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, s.MarkComplete("job-1"))
	before, err := s.Get("job-1")
	require.NoError(t, err)

	p.Close()
	p.Run(context.Background())

	assert.Empty(t, k.urls())
	after, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

// completingKnowledge marks the job complete after its first ingest.
type completingKnowledge struct {
	*fakeKnowledge
	store *state.Store
}

func (k completingKnowledge) Ingest(ctx context.Context, jobID string, c research.Content) error {
	if err := k.fakeKnowledge.Ingest(ctx, jobID, c); err != nil {
		return err
	}
	return k.store.MarkComplete(jobID)
}

func TestCompletionMidBatchStopsIngestion(t *testing.T) {
	s := newStore(t)
	k := completingKnowledge{fakeKnowledge: &fakeKnowledge{}, store: s}
	p := New(s, k)

	_, err := p.Submit(context.Background(), "job-1", "Q1", []research.SearchResult{
		{URL: "https://a", Snippet: "a"},
		{URL: "https://b", Snippet: "b"},
		{URL: "https://c", Snippet: "c"},
	})
	require.NoError(t, err)
	p.Close()
	p.Run(context.Background())

	assert.Equal(t, []string{"https://a"}, k.urls())
}

func TestSubmitAfterCloseLeavesURLsUnreserved(t *testing.T) {
	s := newStore(t)
	p := New(s, &fakeKnowledge{})
	p.Close()

	_, err := p.Submit(context.Background(), "job-1", "Q1", []research.SearchResult{{URL: "https://a", Snippet: "a"}})
	require.ErrorIs(t, err, ErrClosed)

	job, err := s.Get("job-1")
	require.NoError(t, err)
	assert.Empty(t, job.URLs())
}
