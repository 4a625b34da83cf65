package agents

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"google.golang.org/adk/agent"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/mikeboe/apollo/pkg/research"
	"github.com/mikeboe/apollo/pkg/research/coordination"
	"github.com/mikeboe/apollo/pkg/research/state"
)

// Hooks run around an agent turn. Before runs ahead of the model call.
// After runs only when the model finished the turn and receives the job as
// it was when the turn started. Cleanup runs whenever Before succeeded,
// including failed and cancelled turns, with a context that is never
// cancelled.
type Hooks struct {
	Before  func(ctx context.Context, jobID string) error
	After   func(ctx context.Context, jobID string, start state.Job) error
	Cleanup func(ctx context.Context, jobID string) error
}

type eventSource func(ctx context.Context, jobID string, msg *genai.Content) iter.Seq2[*session.Event, error]

// Runtime is one LLM agent of the roster. It implements orchestrator.Agent
// and orchestrator.Framer.
type Runtime struct {
	actor    coordination.Actor
	events   eventSource
	sessions *Sessions
	store    *state.Store
	prompt   func(state.Job) string
	hooks    Hooks
	logger   *slog.Logger
}

func newRuntime(actor coordination.Actor, a agent.Agent, sessions *Sessions, store *state.Store, prompt func(state.Job) string, hooks Hooks, logger *slog.Logger) (*Runtime, error) {
	r, err := runner.New(runner.Config{
		AppName:        AppName,
		Agent:          a,
		SessionService: sessions.Service(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create runner for %s: %w", actor, err)
	}
	cfg := agent.RunConfig{StreamingMode: agent.StreamingModeSSE}
	events := func(ctx context.Context, jobID string, msg *genai.Content) iter.Seq2[*session.Event, error] {
		return r.Run(ctx, userID, jobID, msg, cfg)
	}
	return &Runtime{
		actor:    actor,
		events:   events,
		sessions: sessions,
		store:    store,
		prompt:   prompt,
		hooks:    hooks,
		logger:   logger.With("agent", actor.String()),
	}, nil
}

func (r *Runtime) Name() coordination.Actor { return r.actor }

func (r *Runtime) Frame(ctx context.Context, jobID, message string) error {
	return r.sessions.Frame(ctx, jobID, message)
}

// Turn runs the agent once against the job's shared conversation.
func (r *Runtime) Turn(ctx context.Context, jobID string) iter.Seq2[research.Fragment, error] {
	return func(yield func(research.Fragment, error) bool) {
		start, err := r.store.Get(jobID)
		if err != nil {
			yield(research.Fragment{}, err)
			return
		}
		if r.hooks.Before != nil {
			if err := r.hooks.Before(ctx, jobID); err != nil {
				yield(research.Fragment{}, err)
				return
			}
		}
		if r.hooks.Cleanup != nil {
			defer func() {
				if err := r.hooks.Cleanup(context.WithoutCancel(ctx), jobID); err != nil {
					r.logger.Warn("Agent turn cleanup failed", "job_id", jobID, "error", err)
				}
			}()
		}
		if _, err := r.sessions.ensure(ctx, jobID); err != nil {
			yield(research.Fragment{}, err)
			return
		}

		msg := &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: r.prompt(start)}},
		}
		var f fragmenter
		for event, err := range r.events(ctx, jobID, msg) {
			if err != nil {
				r.logger.Error("Agent runner error", "job_id", jobID, "error", err)
				yield(research.Fragment{}, err)
				return
			}
			r.logCalls(jobID, event)
			for _, frag := range f.fragments(event) {
				if !yield(frag, nil) {
					return
				}
			}
		}

		if r.hooks.After != nil {
			if err := r.hooks.After(ctx, jobID, start); err != nil {
				yield(research.Fragment{}, err)
			}
		}
	}
}

func (r *Runtime) logCalls(jobID string, event *session.Event) {
	if event == nil || event.LLMResponse.Content == nil {
		return
	}
	for _, part := range event.LLMResponse.Content.Parts {
		if part.FunctionCall != nil {
			r.logger.Info("Agent tool call", "job_id", jobID, "tool", part.FunctionCall.Name)
		}
		if part.FunctionResponse != nil {
			r.logger.Debug("Agent tool result", "job_id", jobID, "tool", part.FunctionResponse.Name)
		}
	}
}

// fragmenter turns runner events into chat fragments. With SSE streaming
// the model's text arrives as partial events followed by one aggregated
// event; the aggregate is only used when nothing was streamed before it.
type fragmenter struct {
	streamed bool
}

func (f *fragmenter) fragments(event *session.Event) []research.Fragment {
	if event == nil || event.LLMResponse.Content == nil {
		return nil
	}
	partial := event.LLMResponse.Partial
	skip := !partial && f.streamed
	f.streamed = partial

	if skip {
		return nil
	}
	var out []research.Fragment
	for _, part := range event.LLMResponse.Content.Parts {
		if part.Text == "" {
			continue
		}
		out = append(out, research.Fragment{Author: event.Author, Text: part.Text})
	}
	return out
}
