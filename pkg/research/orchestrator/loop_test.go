package orchestrator

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/apollo/pkg/research"
	"github.com/mikeboe/apollo/pkg/research/coordination"
	"github.com/mikeboe/apollo/pkg/research/state"
)

type message struct {
	author string
	text   string
}

type recordingSink struct {
	mu       sync.Mutex
	messages []message
	err      error
}

func (s *recordingSink) SendAgentMessage(_ context.Context, _ string, author, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message{author, text})
	return s.err
}

func (s *recordingSink) SendProgressUpdate(context.Context, string, string) error { return nil }

func (s *recordingSink) all() []message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message(nil), s.messages...)
}

// scriptedAgent runs fn as its turn side effect and then streams frags.
type scriptedAgent struct {
	actor  coordination.Actor
	fn     func(ctx context.Context, jobID string) error
	frags  []research.Fragment
	turns  int
	framed string
}

func (a *scriptedAgent) Name() coordination.Actor { return a.actor }

func (a *scriptedAgent) Frame(_ context.Context, _ string, message string) error {
	a.framed = message
	return nil
}

func (a *scriptedAgent) Turn(ctx context.Context, jobID string) iter.Seq2[research.Fragment, error] {
	return func(yield func(research.Fragment, error) bool) {
		a.turns++
		for _, f := range a.frags {
			if !yield(f, nil) {
				return
			}
		}
		if a.fn != nil {
			if err := a.fn(ctx, jobID); err != nil {
				yield(research.Fragment{}, err)
			}
		}
	}
}

type roster struct {
	store       *state.Store
	coordinator *scriptedAgent
	engine      *scriptedAgent
	analyzer    *scriptedAgent
	synthesizer *scriptedAgent
}

func newRoster() *roster {
	s := state.NewStore()
	r := &roster{store: s}
	r.coordinator = &scriptedAgent{actor: coordination.Coordinator}
	r.engine = &scriptedAgent{actor: coordination.QuestionEngine, fn: func(_ context.Context, jobID string) error {
		_, err := s.CompleteActiveQuestion(jobID)
		return err
	}}
	analyses := 0
	r.analyzer = &scriptedAgent{actor: coordination.Analyzer, fn: func(_ context.Context, jobID string) error {
		analyses++
		if err := s.MarkAnalysisStarted(jobID); err != nil {
			return err
		}
		if analyses == 1 {
			if _, err := s.AddPendingQuestions(jobID, []string{"Gap question"}); err != nil {
				return err
			}
			if err := s.UpdateOutline(jobID, []string{"Intro", "Findings"}); err != nil {
				return err
			}
		}
		return s.MarkAnalysisComplete(jobID)
	}}
	r.synthesizer = &scriptedAgent{actor: coordination.Synthesizer, fn: func(_ context.Context, jobID string) error {
		return s.MarkComplete(jobID)
	}}
	return r
}

func (r *roster) agents() []Agent {
	return []Agent{r.coordinator, r.engine, r.analyzer, r.synthesizer}
}

func (r *roster) loop(sink research.ChatSink, opts ...Option) *Loop {
	return New(r.store, coordination.NewPolicy(r.store, nil), r.agents(), sink, opts...)
}

var plan = research.Plan{Title: "Solid state batteries", Description: "State of the art", Questions: []string{"Q1", "Q2"}}

func TestRunDrivesJobToCompletion(t *testing.T) {
	r := newRoster()
	sink := &recordingSink{}

	err := r.loop(sink).Run(context.Background(), "job-1", plan)
	require.NoError(t, err)

	job, err := r.store.Get("job-1")
	require.NoError(t, err)
	assert.True(t, job.IsComplete)
	assert.Len(t, job.CompletedQuestions, 3)
	assert.Empty(t, job.PendingQuestions)

	assert.Equal(t, 3, r.engine.turns)
	assert.Equal(t, 2, r.analyzer.turns)
	assert.Equal(t, 1, r.synthesizer.turns)
	assert.Contains(t, r.engine.framed, "Solid state batteries")
}

func TestFlushOnAuthorChange(t *testing.T) {
	r := newRoster()
	r.synthesizer.frags = []research.Fragment{
		{Text: "Writing "},
		{Text: "report"},
		{Author: "SearchTool", Text: "3 results"},
		{Author: "SearchTool", Text: " found"},
		{Text: "Done."},
	}
	sink := &recordingSink{}

	require.NoError(t, r.loop(sink).Run(context.Background(), "job-1", plan))

	assert.Equal(t, []message{
		{coordination.SynthesizerName, "Writing report"},
		{"SearchTool", "3 results found"},
		{coordination.SynthesizerName, "Done."},
	}, sink.all())
}

func TestSameAuthorAcrossTurnsIsOneMessage(t *testing.T) {
	r := newRoster()
	r.coordinator.frags = []research.Fragment{{Author: "Team", Text: "c"}}
	r.engine.frags = []research.Fragment{{Author: "Team", Text: "e"}}
	sink := &recordingSink{}

	require.NoError(t, r.loop(sink).Run(context.Background(), "job-1", plan))

	msgs := sink.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Team", msgs[0].author)
	assert.Equal(t, r.coordinator.turns+r.engine.turns, len(msgs[0].text))
}

func TestSinkErrorsAreIgnored(t *testing.T) {
	r := newRoster()
	r.coordinator.frags = []research.Fragment{{Text: "hello"}}
	sink := &recordingSink{err: errors.New("chat down")}

	require.NoError(t, r.loop(sink).Run(context.Background(), "job-1", plan))
	assert.NotEmpty(t, sink.all())
}

func TestTurnFailureStopsWithoutCompletion(t *testing.T) {
	r := newRoster()
	boom := errors.New("model unavailable")
	r.engine.frags = []research.Fragment{{Text: "partial"}}
	r.engine.fn = func(context.Context, string) error { return boom }
	sink := &recordingSink{}

	err := r.loop(sink).Run(context.Background(), "job-1", plan)
	require.ErrorIs(t, err, ErrTurnFailed)
	require.ErrorIs(t, err, boom)

	job, err := r.store.Get("job-1")
	require.NoError(t, err)
	assert.False(t, job.IsComplete)
	assert.Equal(t, []message{{coordination.QuestionEngineName, "partial"}}, sink.all())
}

func TestCancellationFlushesAndStops(t *testing.T) {
	r := newRoster()
	ctx, cancel := context.WithCancel(context.Background())
	r.engine.frags = []research.Fragment{{Text: "before cancel"}}
	r.engine.fn = func(context.Context, string) error {
		cancel()
		return nil
	}
	sink := &recordingSink{}

	err := r.loop(sink).Run(ctx, "job-1", plan)
	require.ErrorIs(t, err, context.Canceled)

	job, err := r.store.Get("job-1")
	require.NoError(t, err)
	assert.False(t, job.IsComplete)
	assert.Equal(t, 1, r.engine.turns)
	assert.Equal(t, []message{{coordination.QuestionEngineName, "before cancel"}}, sink.all())
}

func TestTurnBudget(t *testing.T) {
	r := newRoster()
	r.engine.fn = nil

	err := r.loop(nil, WithMaxTurns(5)).Run(context.Background(), "job-1", plan)
	require.ErrorIs(t, err, ErrTurnBudgetExhausted)
}

func TestMissingAgent(t *testing.T) {
	r := newRoster()
	l := New(r.store, coordination.NewPolicy(r.store, nil), []Agent{r.coordinator}, nil)

	err := l.Run(context.Background(), "job-1", plan)
	require.ErrorIs(t, err, ErrTurnFailed)
}

func TestAlreadyCompleteJobReturnsImmediately(t *testing.T) {
	r := newRoster()
	_, err := r.store.Create(context.Background(), "job-1", func(context.Context) (state.Job, error) {
		return state.NewJob("", "Done", "", nil), nil
	})
	require.NoError(t, err)
	require.NoError(t, r.store.MarkComplete("job-1"))

	require.NoError(t, r.loop(nil).Run(context.Background(), "job-1", plan))
	assert.Zero(t, r.coordinator.turns+r.engine.turns+r.analyzer.turns+r.synthesizer.turns)
}
