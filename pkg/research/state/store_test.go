package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func seed(questions ...string) func(context.Context) (Job, error) {
	return func(context.Context) (Job, error) {
		return NewJob("", "Topic", "Description", questions), nil
	}
}

func newTestStore(t *testing.T, questions ...string) (*Store, string) {
	t.Helper()
	s := NewStore()
	_, err := s.Create(context.Background(), "job-1", seed(questions...))
	require.NoError(t, err)
	return s, "job-1"
}

func questionIDs(qs []Question) []string {
	ids := make([]string, 0, len(qs))
	for _, q := range qs {
		ids = append(ids, q.ID)
	}
	return ids
}

func TestCreateIsSingleFlight(t *testing.T) {
	s := NewStore()
	var calls atomic.Int32
	release := make(chan struct{})

	factory := func(context.Context) (Job, error) {
		calls.Add(1)
		<-release
		return NewJob("", "Topic", "", []string{"Q1"}), nil
	}

	var wg sync.WaitGroup
	results := make([]Job, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := s.Create(context.Background(), "job-1", factory)
			assert.NoError(t, err)
			results[i] = job
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, job := range results {
		require.Len(t, job.PendingQuestions, 1)
		assert.Equal(t, results[0].PendingQuestions[0].ID, job.PendingQuestions[0].ID)
	}
}

func TestCreateReturnsExistingJob(t *testing.T) {
	s, id := newTestStore(t, "Q1")
	_, err := s.ActivateNextPending(id)
	require.NoError(t, err)

	job, err := s.Create(context.Background(), id, func(context.Context) (Job, error) {
		t.Fatal("factory must not run for an existing job")
		return Job{}, nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ActiveQuestionID)
}

func TestCreateFactoryError(t *testing.T) {
	s := NewStore()
	boom := errors.New("plan missing")
	_, err := s.Create(context.Background(), "job-1", func(context.Context) (Job, error) {
		return Job{}, boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Get("job-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetReturnsSnapshot(t *testing.T) {
	s, id := newTestStore(t, "Q1", "Q2")
	job, err := s.Get(id)
	require.NoError(t, err)

	job.PendingQuestions[0].Text = "mutated"
	job.CrawledURLs["https://example.com"] = struct{}{}

	fresh, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Q1", fresh.PendingQuestions[0].Text)
	assert.Empty(t, fresh.CrawledURLs)
}

func TestMutateFailureLeavesNoPartialWrites(t *testing.T) {
	s, id := newTestStore(t, "Q1")
	boom := errors.New("boom")

	_, err := s.Mutate(id, func(job *Job) error {
		job.Title = "changed"
		job.OutlineSections = []string{"Intro"}
		return boom
	})
	require.ErrorIs(t, err, boom)

	job, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Topic", job.Title)
	assert.Empty(t, job.OutlineSections)
}

func TestPanickingMutationReleasesLock(t *testing.T) {
	s, id := newTestStore(t, "Q1")

	assert.Panics(t, func() {
		_, _ = s.Mutate(id, func(*Job) error { panic("boom") })
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.ActivateNextPending(id)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("job lock still held after panic")
	}
}

func TestCompletionCannotBeReset(t *testing.T) {
	s, id := newTestStore(t, "Q1")
	require.NoError(t, s.MarkComplete(id))

	_, err := s.Mutate(id, func(job *Job) error {
		job.IsComplete = false
		return nil
	})
	require.ErrorIs(t, err, ErrCompletionReset)
	frozen, err := s.Get(id)
	require.NoError(t, err)

	ops := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{"activate", func() error { _, err := s.ActivateNextPending(id); return err }, nil},
		{"complete question", func() error { _, err := s.CompleteActiveQuestion(id); return err }, nil},
		{"add questions", func() error { _, err := s.AddPendingQuestions(id, []string{"gap"}); return err }, nil},
		{"outline", func() error { return s.UpdateOutline(id, []string{"A"}) }, nil},
		{"analysis started", func() error { return s.MarkAnalysisStarted(id) }, nil},
		{"analysis complete", func() error { return s.MarkAnalysisComplete(id) }, nil},
		{"analysis ended", func() error { return s.EndAnalysis(id) }, nil},
		{"reserve", func() error { _, err := s.ReserveURLs(id, []string{"https://a"}); return err }, ErrJobComplete},
		{"release", func() error { return s.ReleaseURLs(id, []string{"https://a"}) }, nil},
		{"begin ingestion", func() error { return s.BeginIngestion(id) }, ErrJobComplete},
		{"end ingestion", func() error { return s.EndIngestion(id) }, nil},
	}
	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			if op.wantErr != nil {
				require.ErrorIs(t, op.run(), op.wantErr)
			} else {
				require.NoError(t, op.run())
			}
			job, err := s.Get(id)
			require.NoError(t, err)
			assert.True(t, job.IsComplete)
			assert.True(t, job.SynthesisComplete)
			assert.Equal(t, frozen.UpdatedAt, job.UpdatedAt)
			assert.Equal(t, frozen.OutlineSections, job.OutlineSections)
			assert.False(t, job.IsAnalyzing)
		})
	}
}

func TestActivateNextPendingIsIdempotent(t *testing.T) {
	s, id := newTestStore(t, "Q1", "Q2")

	first, err := s.ActivateNextPending(id)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := s.ActivateNextPending(id)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	job, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, first, job.ActiveQuestionID)
	assert.Equal(t, "Q1", job.PendingQuestions[0].Text)
}

func TestQuestionLifecycle(t *testing.T) {
	s, id := newTestStore(t, "Q1", "Q2")

	job, err := s.Get(id)
	require.NoError(t, err)
	q1, q2 := job.PendingQuestions[0].ID, job.PendingQuestions[1].ID

	active, err := s.ActivateNextPending(id)
	require.NoError(t, err)
	assert.Equal(t, q1, active)

	done, err := s.CompleteActiveQuestion(id)
	require.NoError(t, err)
	assert.Equal(t, q1, done.ID)
	assert.True(t, done.IsProcessed)

	job, err = s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{q2}, questionIDs(job.PendingQuestions))
	assert.Equal(t, []string{q1}, questionIDs(job.CompletedQuestions))
	assert.Empty(t, job.ActiveQuestionID)

	active, err = s.ActivateNextPending(id)
	require.NoError(t, err)
	assert.Equal(t, q2, active)
	_, err = s.CompleteActiveQuestion(id)
	require.NoError(t, err)

	active, err = s.ActivateNextPending(id)
	require.NoError(t, err)
	assert.Empty(t, active)

	job, err = s.Get(id)
	require.NoError(t, err)
	assert.Empty(t, job.PendingQuestions)
	assert.Equal(t, []string{q1, q2}, questionIDs(job.CompletedQuestions))
	assert.True(t, job.NeedsAnalysis)
}

func TestCompleteWithoutActiveIsNoop(t *testing.T) {
	s, id := newTestStore(t, "Q1")
	before, err := s.Get(id)
	require.NoError(t, err)

	q, err := s.CompleteActiveQuestion(id)
	require.NoError(t, err)
	assert.Empty(t, q.ID)

	after, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, before.PendingQuestions, after.PendingQuestions)
	assert.Empty(t, after.CompletedQuestions)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestPendingAndCompletedStayDisjoint(t *testing.T) {
	s, id := newTestStore(t, "Q1", "Q2", "Q3")
	seen := map[string]bool{}

	check := func() {
		job, err := s.Get(id)
		require.NoError(t, err)
		pending := map[string]bool{}
		for _, q := range job.PendingQuestions {
			pending[q.ID] = true
			assert.False(t, q.IsProcessed)
		}
		for _, q := range job.CompletedQuestions {
			assert.False(t, pending[q.ID], "question %s is both pending and completed", q.ID)
			assert.True(t, q.IsProcessed)
		}
		union := map[string]bool{}
		for _, qid := range append(questionIDs(job.PendingQuestions), questionIDs(job.CompletedQuestions)...) {
			union[qid] = true
		}
		for qid := range seen {
			assert.True(t, union[qid], "question %s disappeared", qid)
		}
		for qid := range union {
			seen[qid] = true
		}
	}

	check()
	for i := 0; i < 6; i++ {
		_, err := s.ActivateNextPending(id)
		require.NoError(t, err)
		check()
		if i == 2 {
			_, err = s.AddPendingQuestions(id, []string{"gap"})
			require.NoError(t, err)
			check()
		}
		_, err = s.CompleteActiveQuestion(id)
		require.NoError(t, err)
		check()
	}
	assert.Len(t, seen, 4)
}

func TestGapAnalysisBookkeeping(t *testing.T) {
	s, id := newTestStore(t, "Q1")

	_, err := s.ActivateNextPending(id)
	require.NoError(t, err)
	_, err = s.CompleteActiveQuestion(id)
	require.NoError(t, err)
	_, err = s.ActivateNextPending(id)
	require.NoError(t, err)

	job, err := s.Get(id)
	require.NoError(t, err)
	require.True(t, job.NeedsAnalysis)
	assert.Equal(t, 1, job.QuestionsSinceAnalysis)

	require.NoError(t, s.MarkAnalysisStarted(id))
	added, err := s.AddPendingQuestions(id, []string{"G1", "  "})
	require.NoError(t, err)
	require.Len(t, added, 1)
	require.NoError(t, s.MarkAnalysisComplete(id))

	job, err = s.Get(id)
	require.NoError(t, err)
	assert.False(t, job.NeedsAnalysis)
	assert.False(t, job.IsAnalyzing)
	assert.True(t, job.HasPerformedInitialAnalysis)
	assert.Equal(t, 0, job.QuestionsSinceAnalysis)
	assert.Equal(t, "G1", job.PendingQuestions[0].Text)

	// Nothing new learned since the last pass: no further analysis request.
	_, err = s.ActivateNextPending(id)
	require.NoError(t, err)
	_, err = s.CompleteActiveQuestion(id)
	require.NoError(t, err)
	require.NoError(t, s.MarkAnalysisStarted(id))
	require.NoError(t, s.MarkAnalysisComplete(id))

	active, err := s.ActivateNextPending(id)
	require.NoError(t, err)
	assert.Empty(t, active)
	job, err = s.Get(id)
	require.NoError(t, err)
	assert.False(t, job.NeedsAnalysis)
}

func TestAddPendingQuestionsEmptyIsNoop(t *testing.T) {
	s, id := newTestStore(t)
	_, err := s.ActivateNextPending(id)
	require.NoError(t, err)

	added, err := s.AddPendingQuestions(id, nil)
	require.NoError(t, err)
	assert.Empty(t, added)

	job, err := s.Get(id)
	require.NoError(t, err)
	assert.True(t, job.NeedsAnalysis)
}

func TestReserveURLs(t *testing.T) {
	s, id := newTestStore(t, "Q1")

	fresh, err := s.ReserveURLs(id, []string{"https://A.example/x", "https://b.example", "https://a.example/X", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://A.example/x", "https://b.example"}, fresh)

	fresh, err = s.ReserveURLs(id, []string{" https://B.EXAMPLE ", "https://c.example"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://c.example"}, fresh)

	job, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/x", "https://b.example", "https://c.example"}, job.URLs())
}

func TestReserveURLsUnderRacingProducers(t *testing.T) {
	s, id := newTestStore(t, "Q1")
	urls := make([]string, 50)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/%d", i)
	}

	var (
		mu    sync.Mutex
		total []string
		wg    sync.WaitGroup
	)
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := s.ReserveURLs(id, urls)
			assert.NoError(t, err)
			mu.Lock()
			total = append(total, fresh...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, urls, total)
}

func TestIngestionCounter(t *testing.T) {
	s, id := newTestStore(t)
	require.NoError(t, s.BeginIngestion(id))
	require.NoError(t, s.BeginIngestion(id))
	require.NoError(t, s.EndIngestion(id))

	job, err := s.Get(id)
	require.NoError(t, err)
	assert.True(t, job.IsIngesting())

	require.NoError(t, s.EndIngestion(id))
	require.NoError(t, s.EndIngestion(id))
	job, err = s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 0, job.IngestionsInFlight)
}

func TestIngestionBookkeepingStopsAtCompletion(t *testing.T) {
	s, id := newTestStore(t, "Q1")
	require.NoError(t, s.BeginIngestion(id))
	require.NoError(t, s.MarkComplete(id))
	before, err := s.Get(id)
	require.NoError(t, err)

	require.NoError(t, s.EndIngestion(id))
	require.ErrorIs(t, s.BeginIngestion(id), ErrJobComplete)
	_, err = s.ReserveURLs(id, []string{"https://late.example"})
	require.ErrorIs(t, err, ErrJobComplete)

	after, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.IngestionsInFlight, after.IngestionsInFlight)
	assert.Empty(t, after.URLs())
}

func TestEndAnalysisKeepsRequest(t *testing.T) {
	s, id := newTestStore(t)
	_, err := s.ActivateNextPending(id)
	require.NoError(t, err)
	require.NoError(t, s.MarkAnalysisStarted(id))

	require.NoError(t, s.EndAnalysis(id))

	job, err := s.Get(id)
	require.NoError(t, err)
	assert.False(t, job.IsAnalyzing)
	assert.True(t, job.NeedsAnalysis)
	assert.False(t, job.HasPerformedInitialAnalysis)
	require.NoError(t, s.EndAnalysis(id))
}

func TestReleaseURLs(t *testing.T) {
	s, id := newTestStore(t, "Q1")
	_, err := s.ReserveURLs(id, []string{"https://a.example", "https://b.example"})
	require.NoError(t, err)

	require.NoError(t, s.ReleaseURLs(id, []string{"https://A.example"}))

	fresh, err := s.ReserveURLs(id, []string{"https://a.example", "https://b.example"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example"}, fresh)
}

func TestTimeline(t *testing.T) {
	s, id := newTestStore(t, "Q1", "Q2", "Q3")
	_, err := s.ActivateNextPending(id)
	require.NoError(t, err)
	_, err = s.CompleteActiveQuestion(id)
	require.NoError(t, err)
	_, err = s.ActivateNextPending(id)
	require.NoError(t, err)

	items, err := s.Timeline(id)
	require.NoError(t, err)
	require.Len(t, items, 3)

	tests := []struct {
		text   string
		status QuestionStatus
		active bool
	}{
		{"Q1", QuestionCompleted, false},
		{"Q2", QuestionInProgress, true},
		{"Q3", QuestionPending, false},
	}
	for i, tt := range tests {
		assert.Equal(t, tt.text, items[i].Text)
		assert.Equal(t, tt.status, items[i].Status)
		assert.Equal(t, tt.active, items[i].Active)
	}
}

func TestObserverSeesCommittedMutations(t *testing.T) {
	var (
		mu       sync.Mutex
		snapshot []Job
	)
	s := NewStore(WithObserver(func(job Job) {
		mu.Lock()
		snapshot = append(snapshot, job)
		mu.Unlock()
	}))
	_, err := s.Create(context.Background(), "job-1", seed("Q1"))
	require.NoError(t, err)

	_, err = s.ActivateNextPending("job-1")
	require.NoError(t, err)
	_, err = s.ActivateNextPending("job-1")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snapshot, 1)
	assert.NotEmpty(t, snapshot[0].ActiveQuestionID)
}

func TestExpiryIsSliding(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(WithTTL(time.Minute), WithClock(clock.Now))
	_, err := s.Create(context.Background(), "job-1", seed("Q1"))
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	_, err = s.Get("job-1")
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	_, err = s.Get("job-1")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = s.Get("job-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Mutate("job-1", func(*Job) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 1, s.Reap())
	assert.Equal(t, 0, s.Len())
}

func TestDelete(t *testing.T) {
	s, id := newTestStore(t, "Q1")
	s.Delete(id)
	s.Delete(id)

	_, err := s.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock()
	s := NewStore(WithTTL(time.Minute), WithReapInterval(5*time.Millisecond), WithClock(clock.Now))
	_, err := s.Create(context.Background(), "job-1", seed("Q1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	clock.Advance(2 * time.Minute)
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
