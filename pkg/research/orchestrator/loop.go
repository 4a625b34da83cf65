package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/mikeboe/apollo/pkg/research"
	"github.com/mikeboe/apollo/pkg/research/coordination"
	"github.com/mikeboe/apollo/pkg/research/state"
)

const DefaultMaxTurns = 200

var (
	// ErrTurnFailed wraps an unexpected error raised by an agent turn.
	ErrTurnFailed = errors.New("agent turn failed")
	// ErrTurnBudgetExhausted stops a job that ran MaxTurns turns without
	// reaching completion.
	ErrTurnBudgetExhausted = errors.New("turn budget exhausted")
)

// Agent takes one turn for a job and streams what it says.
type Agent interface {
	Name() coordination.Actor
	Turn(ctx context.Context, jobID string) iter.Seq2[research.Fragment, error]
}

// Framer is implemented by agents that need the opening message of a job
// before their first turn.
type Framer interface {
	Frame(ctx context.Context, jobID, message string) error
}

// Store is the part of the state access layer the loop needs.
type Store interface {
	Create(ctx context.Context, jobID string, factory func(context.Context) (state.Job, error)) (state.Job, error)
}

// Loop drives the agents of a job until the policy terminates it.
type Loop struct {
	store    Store
	policy   *coordination.Policy
	agents   map[coordination.Actor]Agent
	sink     research.ChatSink
	logger   *slog.Logger
	maxTurns int
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMaxTurns bounds the number of turns per Run.
func WithMaxTurns(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxTurns = n
		}
	}
}

// New creates a loop over the given roster. sink may be nil.
func New(store Store, policy *coordination.Policy, agents []Agent, sink research.ChatSink, opts ...Option) *Loop {
	l := &Loop{
		store:    store,
		policy:   policy,
		agents:   make(map[coordination.Actor]Agent, len(agents)),
		sink:     sink,
		logger:   slog.Default(),
		maxTurns: DefaultMaxTurns,
	}
	for _, a := range agents {
		l.agents[a.Name()] = a
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FramingMessage is the opening message every agent receives for a job.
func FramingMessage(plan research.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research job: %s\n", plan.Title)
	if plan.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", plan.Description)
	}
	b.WriteString("Work through the research questions one at a time, analyse the findings for gaps, and finish with a report.")
	return b.String()
}

// Run seeds the job from plan and drives it to completion. It returns nil
// when the job completes, the context error when cancelled, and
// ErrTurnFailed when an agent turn fails.
func (l *Loop) Run(ctx context.Context, jobID string, plan research.Plan) error {
	logger := l.logger.With("job_id", jobID)

	job, err := l.store.Create(ctx, jobID, func(context.Context) (state.Job, error) {
		return state.NewJob(jobID, plan.Title, plan.Description, plan.Questions), nil
	})
	if err != nil {
		return fmt.Errorf("failed to seed research state: %w", err)
	}
	logger.Info("Starting research orchestration", "title", job.Title, "questions", len(job.PendingQuestions))

	framing := FramingMessage(plan)
	for _, a := range l.agents {
		if f, ok := a.(Framer); ok {
			if err := f.Frame(ctx, jobID, framing); err != nil {
				return fmt.Errorf("failed to frame %s: %w", a.Name(), err)
			}
		}
	}

	buf := &buffer{}
	defer l.flush(ctx, jobID, buf)

	last := coordination.None
	for turns := 0; ; turns++ {
		if err := ctx.Err(); err != nil {
			logger.Info("Research orchestration cancelled", "turns", turns)
			return err
		}

		done, err := l.policy.ShouldTerminate(jobID)
		if err != nil {
			return err
		}
		if done {
			logger.Info("Research complete", "turns", turns)
			return nil
		}

		d, err := l.policy.Next(ctx, jobID, last)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if d.Kind == coordination.Terminate {
			logger.Info("Research orchestration finished", "turns", turns, "last_agent", last.String())
			return nil
		}
		if turns >= l.maxTurns {
			logger.Error("Turn budget exhausted", "max_turns", l.maxTurns)
			return fmt.Errorf("%w after %d turns", ErrTurnBudgetExhausted, turns)
		}

		agent, ok := l.agents[d.Actor]
		if !ok {
			logger.Error("No agent registered", "agent", d.Actor.String())
			return fmt.Errorf("%w: no agent registered for %s", ErrTurnFailed, d.Actor)
		}

		logger.Info("Agent turn", "agent", d.Actor.String(), "turn", turns+1)
		if err := l.turn(ctx, jobID, agent, buf); err != nil {
			if ctx.Err() != nil {
				logger.Info("Research orchestration cancelled", "turns", turns+1)
				return ctx.Err()
			}
			logger.Error("Agent turn failed", "agent", d.Actor.String(), "error", err)
			return fmt.Errorf("%w: %s: %w", ErrTurnFailed, d.Actor, err)
		}
		last = d.Actor
	}
}

// turn streams one agent turn into buf. Consecutive fragments from the same
// author become a single chat message, across turn boundaries too; buf is
// flushed when the author changes and when Run returns.
func (l *Loop) turn(ctx context.Context, jobID string, agent Agent, buf *buffer) error {
	defaultAuthor := agent.Name().String()

	for frag, err := range agent.Turn(ctx, jobID) {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			break
		}
		author := frag.Author
		if author == "" {
			author = defaultAuthor
		}
		if author != buf.author {
			l.flush(ctx, jobID, buf)
			buf.author = author
		}
		buf.text.WriteString(frag.Text)
	}
	return ctx.Err()
}

type buffer struct {
	author string
	text   strings.Builder
}

func (l *Loop) flush(ctx context.Context, jobID string, buf *buffer) {
	text := strings.TrimSpace(buf.text.String())
	buf.text.Reset()
	if text == "" || l.sink == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := l.sink.SendAgentMessage(ctx, jobID, buf.author, text); err != nil {
		l.logger.Warn("Failed to send agent message", "job_id", jobID, "agent", buf.author, "error", err)
	}
}
