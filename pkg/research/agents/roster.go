package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/tool"

	"github.com/mikeboe/apollo/pkg/research"
	"github.com/mikeboe/apollo/pkg/research/coordination"
	"github.com/mikeboe/apollo/pkg/research/ingest"
	"github.com/mikeboe/apollo/pkg/research/orchestrator"
	"github.com/mikeboe/apollo/pkg/research/state"
	"github.com/mikeboe/apollo/pkg/research/synthesis"
)

const coordinatorInstruction = `You coordinate a team of research agents working through a research plan.
Use get_research_context to review progress. Summarize in two or three sentences what has been covered so far and what comes next.
Do not research questions yourself and do not write the report.`

const engineInstruction = `You are a research engine. You research exactly one question per turn: the active question.
1. Use get_active_question to read it.
2. Call process_research_queries with two to four precise arXiv queries (use prefixes such as all:, ti:, abs:).
3. Use search_knowledge to check what the knowledge base already says about the question.
4. Summarize the key findings with their sources, then call mark_question_complete.`

const analyzerInstruction = `You analyze the research gathered so far and plan the report.
1. Use get_research_context to see completed questions and the current outline.
2. Use search_knowledge to check the knowledge base for weak or missing areas.
3. If important gaps remain, call add_gap_questions with at most three focused follow-up questions. Do not repeat existing questions.
4. Call update_report_outline with the ordered section titles the final report should have.
Explain briefly which gaps you found and how the outline is structured.`

const synthesizerInstruction = `You write the final research report.
Call synthesize_final_report exactly once, then give a short summary of the sections that were written.`

// Deps are the shared collaborators of every roster.
type Deps struct {
	Model       model.LLM
	Store       *state.Store
	Search      research.SearchProvider
	Pipeline    *ingest.Pipeline
	Knowledge   research.KnowledgeStore
	Synthesizer *synthesis.Synthesizer
	Sessions    *Sessions
	Logger      *slog.Logger
}

// NewRoster builds the four agents of a job: coordinator, research engine,
// analyzer and synthesizer.
func NewRoster(jobID string, d Deps) ([]orchestrator.Agent, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stateTools := NewStateToolset(jobID, d.Store)
	knowledgeTools := NewKnowledgeToolset(jobID, d.Knowledge)
	researchTools := NewResearchToolset(jobID, d.Store, d.Search, d.Pipeline, logger)
	synthesisTools := NewSynthesisToolset(jobID, d.Synthesizer)

	specs := []struct {
		actor       coordination.Actor
		description string
		instruction string
		toolsets    []tool.Toolset
		prompt      func(state.Job) string
		hooks       Hooks
	}{
		{
			actor:       coordination.Coordinator,
			description: "Reviews research progress and hands over to the next step.",
			instruction: coordinatorInstruction,
			toolsets:    []tool.Toolset{stateTools},
			prompt:      coordinatorPrompt,
		},
		{
			actor:       coordination.QuestionEngine,
			description: "Researches the active question and indexes new sources.",
			instruction: engineInstruction,
			toolsets:    []tool.Toolset{stateTools, researchTools, knowledgeTools},
			prompt:      enginePrompt,
			hooks:       Hooks{After: completeIfStillActive(d.Store, logger)},
		},
		{
			actor:       coordination.Analyzer,
			description: "Finds knowledge gaps and plans the report outline.",
			instruction: analyzerInstruction,
			toolsets:    []tool.Toolset{stateTools, knowledgeTools},
			prompt:      analyzerPrompt,
			hooks:       analysisHooks(d.Store),
		},
		{
			actor:       coordination.Synthesizer,
			description: "Writes the final research report.",
			instruction: synthesizerInstruction,
			toolsets:    []tool.Toolset{synthesisTools},
			prompt:      synthesizerPrompt,
			hooks:       Hooks{After: synthesizeIfIncomplete(d.Store, d.Synthesizer, logger)},
		},
	}

	roster := make([]orchestrator.Agent, 0, len(specs))
	for _, s := range specs {
		a, err := llmagent.New(llmagent.Config{
			Name:        s.actor.String(),
			Model:       d.Model,
			Description: s.description,
			Instruction: s.instruction,
			Toolsets:    s.toolsets,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create agent %s: %w", s.actor, err)
		}
		rt, err := newRuntime(s.actor, a, d.Sessions, d.Store, s.prompt, s.hooks, logger)
		if err != nil {
			return nil, err
		}
		roster = append(roster, rt)
	}
	return roster, nil
}

func coordinatorPrompt(job state.Job) string {
	return fmt.Sprintf("Progress check: %d questions completed, %d pending. Summarize and hand over.",
		len(job.CompletedQuestions), len(job.PendingQuestions))
}

func enginePrompt(job state.Job) string {
	q, ok := job.ActiveQuestion()
	if !ok {
		return "There is no active question. Report that and stop."
	}
	return fmt.Sprintf("Research the active question: %s", q.Text)
}

func analyzerPrompt(job state.Job) string {
	var b strings.Builder
	b.WriteString("Analyze the research so far for gaps and update the report outline.\nCompleted questions:\n")
	for _, q := range job.CompletedQuestions {
		fmt.Fprintf(&b, "- %s\n", q.Text)
	}
	if len(job.OutlineSections) > 0 {
		fmt.Fprintf(&b, "Current outline: %s\n", strings.Join(job.OutlineSections, "; "))
	}
	return b.String()
}

func synthesizerPrompt(job state.Job) string {
	return fmt.Sprintf("All research for %q is done. Write the final report.", job.Title)
}

// analysisHooks bracket an analyzer turn. A turn that fails or is cancelled
// only clears IsAnalyzing, so the analysis request stays open.
func analysisHooks(store *state.Store) Hooks {
	return Hooks{
		Before:  func(_ context.Context, jobID string) error { return store.MarkAnalysisStarted(jobID) },
		After:   func(_ context.Context, jobID string, _ state.Job) error { return store.MarkAnalysisComplete(jobID) },
		Cleanup: func(_ context.Context, jobID string) error { return store.EndAnalysis(jobID) },
	}
}

// completeIfStillActive closes the question the engine was working on when
// the model ended its turn without marking it complete.
func completeIfStillActive(store *state.Store, logger *slog.Logger) func(context.Context, string, state.Job) error {
	return func(_ context.Context, jobID string, start state.Job) error {
		if start.ActiveQuestionID == "" {
			return nil
		}
		job, err := store.Get(jobID)
		if err != nil {
			return err
		}
		if job.ActiveQuestionID != start.ActiveQuestionID {
			return nil
		}
		q, err := store.CompleteActiveQuestion(jobID)
		if err != nil {
			return err
		}
		logger.Warn("Question left active after turn, completing", "job_id", jobID, "question_id", q.ID)
		return nil
	}
}

// synthesizeIfIncomplete writes the report directly when the model ended
// its turn without calling the synthesis tool.
func synthesizeIfIncomplete(store *state.Store, s *synthesis.Synthesizer, logger *slog.Logger) func(context.Context, string, state.Job) error {
	return func(ctx context.Context, jobID string, _ state.Job) error {
		job, err := store.Get(jobID)
		if err != nil {
			return err
		}
		if job.IsComplete {
			return nil
		}
		logger.Warn("Report not written by agent, synthesizing directly", "job_id", jobID)
		if len(job.OutlineSections) == 0 {
			sections := make([]string, 0, len(job.CompletedQuestions))
			for _, q := range job.CompletedQuestions {
				sections = append(sections, q.Text)
			}
			if len(sections) > 0 {
				if err := store.UpdateOutline(jobID, sections); err != nil {
					return err
				}
			}
		}
		_, err = s.Synthesize(ctx, jobID)
		return err
	}
}
