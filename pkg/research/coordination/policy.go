package coordination

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mikeboe/apollo/pkg/research/state"
)

// Kind is the outcome class of a policy decision.
type Kind int

const (
	// Terminate ends the job's orchestration.
	Terminate Kind = iota
	// Select hands the next turn to Decision.Actor.
	Select
	// ActivateNext asks the caller to activate the next pending question and
	// decide again on fresh state.
	ActivateNext
)

// Decision is the result of evaluating the transition table.
type Decision struct {
	Kind  Kind
	Actor Actor
	// Fallback is set when no row matched and Coordinator was chosen by default.
	Fallback bool
}

func selectActor(a Actor) Decision { return Decision{Kind: Select, Actor: a} }

// Decide evaluates the transition table against a job snapshot and the
// actor that spoke last. It never touches the store.
func Decide(job state.Job, last Actor) Decision {
	return decide(job, last, false)
}

func decide(job state.Job, last Actor, activated bool) Decision {
	if job.IsComplete {
		return Decision{Kind: Terminate}
	}

	switch last {
	case None, Coordinator, Analyzer:
		if job.NeedsAnalysis {
			return selectActor(Analyzer)
		}
		if job.ActiveQuestionID != "" {
			return selectActor(QuestionEngine)
		}
		if !activated {
			return Decision{Kind: ActivateNext}
		}
		if !job.HasPendingWork() && !job.SynthesisComplete {
			return selectActor(Synthesizer)
		}
	case QuestionEngine:
		return selectActor(Coordinator)
	case Synthesizer:
		return Decision{Kind: Terminate}
	}

	return Decision{Kind: Select, Actor: Coordinator, Fallback: true}
}

// Store is the part of the state access layer the policy reads from.
type Store interface {
	Get(jobID string) (state.Job, error)
	ActivateNextPending(jobID string) (string, error)
}

// Policy selects the next agent for a job from fresh state.
type Policy struct {
	store  Store
	logger *slog.Logger
}

// NewPolicy creates a policy over store.
func NewPolicy(store Store, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{store: store, logger: logger}
}

// Next returns the decision for the turn after last. The only mutation it
// performs is activating the next pending question when none is active.
func (p *Policy) Next(ctx context.Context, jobID string, last Actor) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	job, err := p.store.Get(jobID)
	if err != nil {
		return Decision{}, err
	}
	d := decide(job, last, false)

	if d.Kind == ActivateNext {
		if _, err := p.store.ActivateNextPending(jobID); err != nil {
			return Decision{}, fmt.Errorf("failed to activate next question: %w", err)
		}
		job, err = p.store.Get(jobID)
		if err != nil {
			return Decision{}, err
		}
		d = decide(job, last, true)
	}

	if d.Fallback {
		p.logger.Warn("Unexpected coordination state, falling back to coordinator",
			"job_id", jobID,
			"last_agent", last.String(),
			"needs_analysis", job.NeedsAnalysis,
			"pending_questions", len(job.PendingQuestions),
			"synthesis_complete", job.SynthesisComplete,
		)
	}
	return d, nil
}

// ShouldTerminate reports whether the job has reached terminal completion.
func (p *Policy) ShouldTerminate(jobID string) (bool, error) {
	job, err := p.store.Get(jobID)
	if err != nil {
		return false, err
	}
	return job.IsComplete, nil
}
