package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/adk/agent"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"

	"github.com/mikeboe/apollo/pkg/research"
	"github.com/mikeboe/apollo/pkg/research/ingest"
	"github.com/mikeboe/apollo/pkg/research/state"
	"github.com/mikeboe/apollo/pkg/research/synthesis"
	"github.com/mikeboe/apollo/pkg/research/tools"
	"github.com/mikeboe/apollo/pkg/vectorstore"
)

// StateToolset exposes the job's research state to the agents.
type StateToolset struct {
	jobID string
	store *state.Store
}

func NewStateToolset(jobID string, store *state.Store) *StateToolset {
	return &StateToolset{jobID: jobID, store: store}
}

func (t *StateToolset) Name() string { return "research_state" }

func (t *StateToolset) Tools(ctx agent.ReadonlyContext) ([]tool.Tool, error) {
	contextTool, err := functiontool.New[NoArgs, ResearchContextResp](
		functiontool.Config{
			Name:        "get_research_context",
			Description: "Get the research title, description, the active question, completed and pending questions, and the report outline.",
		},
		func(ctx tool.Context, args NoArgs) (ResearchContextResp, error) { return t.ResearchContext(ctx, args) },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create get_research_context tool: %w", err)
	}

	activeTool, err := functiontool.New[NoArgs, ActiveQuestionResp](
		functiontool.Config{
			Name:        "get_active_question",
			Description: "Get the research question that is currently being processed.",
		},
		func(ctx tool.Context, args NoArgs) (ActiveQuestionResp, error) { return t.ActiveQuestion(ctx, args) },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create get_active_question tool: %w", err)
	}

	completeTool, err := functiontool.New[NoArgs, CompleteQuestionResp](
		functiontool.Config{
			Name:        "mark_question_complete",
			Description: "Mark the active research question as answered. Call this once the question has been researched.",
		},
		func(ctx tool.Context, args NoArgs) (CompleteQuestionResp, error) { return t.CompleteQuestion(ctx, args) },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mark_question_complete tool: %w", err)
	}

	gapTool, err := functiontool.New[AddQuestionsArgs, AddQuestionsResp](
		functiontool.Config{
			Name:        "add_gap_questions",
			Description: "Add follow-up research questions that close gaps in the gathered knowledge.",
		},
		func(ctx tool.Context, args AddQuestionsArgs) (AddQuestionsResp, error) { return t.AddQuestions(ctx, args) },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create add_gap_questions tool: %w", err)
	}

	outlineTool, err := functiontool.New[UpdateOutlineArgs, UpdateOutlineResp](
		functiontool.Config{
			Name:        "update_report_outline",
			Description: "Replace the ordered list of section titles the final report must cover.",
		},
		func(ctx tool.Context, args UpdateOutlineArgs) (UpdateOutlineResp, error) { return t.UpdateOutline(ctx, args) },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create update_report_outline tool: %w", err)
	}

	return []tool.Tool{contextTool, activeTool, completeTool, gapTool, outlineTool}, nil
}

type NoArgs struct{}

type ResearchContextResp struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	ActiveQuestion     string   `json:"active_question,omitempty"`
	CompletedQuestions []string `json:"completed_questions"`
	PendingQuestions   []string `json:"pending_questions"`
	Outline            []string `json:"outline"`
	NeedsAnalysis      bool     `json:"needs_analysis"`
	CrawledSources     int      `json:"crawled_sources"`
}

func (t *StateToolset) ResearchContext(ctx context.Context, _ NoArgs) (ResearchContextResp, error) {
	job, err := t.store.Get(t.jobID)
	if err != nil {
		return ResearchContextResp{}, err
	}
	resp := ResearchContextResp{
		Title:          job.Title,
		Description:    job.Description,
		Outline:        job.OutlineSections,
		NeedsAnalysis:  job.NeedsAnalysis,
		CrawledSources: len(job.CrawledURLs),
	}
	if q, ok := job.ActiveQuestion(); ok {
		resp.ActiveQuestion = q.Text
	}
	for _, q := range job.CompletedQuestions {
		resp.CompletedQuestions = append(resp.CompletedQuestions, q.Text)
	}
	for _, q := range job.PendingQuestions {
		resp.PendingQuestions = append(resp.PendingQuestions, q.Text)
	}
	return resp, nil
}

type ActiveQuestionResp struct {
	HasActive  bool   `json:"has_active"`
	QuestionID string `json:"question_id,omitempty"`
	Question   string `json:"question,omitempty"`
}

func (t *StateToolset) ActiveQuestion(ctx context.Context, _ NoArgs) (ActiveQuestionResp, error) {
	job, err := t.store.Get(t.jobID)
	if err != nil {
		return ActiveQuestionResp{}, err
	}
	q, ok := job.ActiveQuestion()
	if !ok {
		return ActiveQuestionResp{}, nil
	}
	return ActiveQuestionResp{HasActive: true, QuestionID: q.ID, Question: q.Text}, nil
}

type CompleteQuestionResp struct {
	Completed string `json:"completed,omitempty"`
	Remaining int    `json:"remaining"`
}

func (t *StateToolset) CompleteQuestion(ctx context.Context, _ NoArgs) (CompleteQuestionResp, error) {
	q, err := t.store.CompleteActiveQuestion(t.jobID)
	if err != nil {
		return CompleteQuestionResp{}, err
	}
	job, err := t.store.Get(t.jobID)
	if err != nil {
		return CompleteQuestionResp{}, err
	}
	return CompleteQuestionResp{Completed: q.Text, Remaining: len(job.PendingQuestions)}, nil
}

type AddQuestionsArgs struct {
	Questions []string `json:"questions" jsonschema:"The new research questions, one per entry"`
}

type AddQuestionsResp struct {
	Added int `json:"added"`
}

func (t *StateToolset) AddQuestions(ctx context.Context, args AddQuestionsArgs) (AddQuestionsResp, error) {
	added, err := t.store.AddPendingQuestions(t.jobID, args.Questions)
	if err != nil {
		return AddQuestionsResp{}, err
	}
	return AddQuestionsResp{Added: len(added)}, nil
}

type UpdateOutlineArgs struct {
	Sections []string `json:"sections" jsonschema:"Ordered section titles of the final report"`
}

type UpdateOutlineResp struct {
	Sections int `json:"sections"`
}

func (t *StateToolset) UpdateOutline(ctx context.Context, args UpdateOutlineArgs) (UpdateOutlineResp, error) {
	sections := make([]string, 0, len(args.Sections))
	for _, s := range args.Sections {
		if s = strings.TrimSpace(s); s != "" {
			sections = append(sections, s)
		}
	}
	if len(sections) == 0 {
		return UpdateOutlineResp{}, fmt.Errorf("outline must contain at least one section")
	}
	if err := t.store.UpdateOutline(t.jobID, sections); err != nil {
		return UpdateOutlineResp{}, err
	}
	return UpdateOutlineResp{Sections: len(sections)}, nil
}

// ResearchToolset searches for sources and queues them for ingestion.
type ResearchToolset struct {
	jobID    string
	store    *state.Store
	search   research.SearchProvider
	pipeline *ingest.Pipeline
	logger   *slog.Logger
}

func NewResearchToolset(jobID string, store *state.Store, search research.SearchProvider, pipeline *ingest.Pipeline, logger *slog.Logger) *ResearchToolset {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResearchToolset{jobID: jobID, store: store, search: search, pipeline: pipeline, logger: logger}
}

func (t *ResearchToolset) Name() string { return "research_sources" }

func (t *ResearchToolset) Tools(ctx agent.ReadonlyContext) ([]tool.Tool, error) {
	queriesTool, err := functiontool.New[ProcessQueriesArgs, ProcessQueriesResp](
		functiontool.Config{
			Name:        "process_research_queries",
			Description: "Search the literature with one or more queries. New sources are indexed into the knowledge base in the background.",
		},
		func(ctx tool.Context, args ProcessQueriesArgs) (ProcessQueriesResp, error) { return t.ProcessQueries(ctx, args) },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create process_research_queries tool: %w", err)
	}
	return []tool.Tool{queriesTool}, nil
}

type ProcessQueriesArgs struct {
	Queries []string `json:"queries" jsonschema:"Search queries, for arXiv use the field prefixes such as all: or ti:"`
}

type ProcessQueriesResp struct {
	Results string `json:"results"`
	Queued  int    `json:"queued"`
}

func (t *ResearchToolset) ProcessQueries(ctx context.Context, args ProcessQueriesArgs) (ProcessQueriesResp, error) {
	job, err := t.store.Get(t.jobID)
	if err != nil {
		return ProcessQueriesResp{}, err
	}
	question := ""
	if q, ok := job.ActiveQuestion(); ok {
		question = q.Text
	}

	var sections []string
	queued := 0
	for _, query := range args.Queries {
		query = strings.TrimSpace(query)
		if query == "" {
			continue
		}
		results, err := t.search.Search(ctx, query)
		if err != nil {
			t.logger.Warn("Search failed", "job_id", t.jobID, "query", query, "error", err)
			sections = append(sections, fmt.Sprintf("Search for %q failed: %v", query, err))
			continue
		}
		n, err := t.pipeline.Submit(ctx, t.jobID, question, results)
		if err != nil {
			return ProcessQueriesResp{}, err
		}
		queued += n
		sections = append(sections, tools.FormatResults(query, results))
	}
	return ProcessQueriesResp{Results: strings.Join(sections, "\n"), Queued: queued}, nil
}

// SourceLookup is implemented by knowledge stores that can return the raw
// chunks of one source.
type SourceLookup interface {
	BySource(ctx context.Context, jobID, url string) ([]vectorstore.Document, error)
}

// KnowledgeToolset answers questions from the job's knowledge index.
type KnowledgeToolset struct {
	jobID     string
	knowledge research.KnowledgeStore
}

func NewKnowledgeToolset(jobID string, knowledge research.KnowledgeStore) *KnowledgeToolset {
	return &KnowledgeToolset{jobID: jobID, knowledge: knowledge}
}

func (t *KnowledgeToolset) Name() string { return "research_knowledge" }

func (t *KnowledgeToolset) Tools(ctx agent.ReadonlyContext) ([]tool.Tool, error) {
	searchTool, err := functiontool.New[SearchKnowledgeArgs, SearchKnowledgeResp](
		functiontool.Config{
			Name:        "search_knowledge",
			Description: "Ask a question against the knowledge gathered so far. Returns an answer grouped by source.",
		},
		func(ctx tool.Context, args SearchKnowledgeArgs) (SearchKnowledgeResp, error) { return t.SearchKnowledge(ctx, args) },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create search_knowledge tool: %w", err)
	}
	out := []tool.Tool{searchTool}

	if lookup, ok := t.knowledge.(SourceLookup); ok {
		sourceTool, err := functiontool.New[FindSourceArgs, FindSourceResp](
			functiontool.Config{
				Name:        "find_content_by_source",
				Description: "Find all indexed content of a specific source URL.",
			},
			func(ctx tool.Context, args FindSourceArgs) (FindSourceResp, error) {
				return FindContentBySource(ctx, lookup, t.jobID, args)
			},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create find_content_by_source tool: %w", err)
		}
		out = append(out, sourceTool)
	}
	return out, nil
}

type SearchKnowledgeArgs struct {
	Query string `json:"query" jsonschema:"The question to answer from the knowledge base"`
}

type SearchKnowledgeResp struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}

func (t *KnowledgeToolset) SearchKnowledge(ctx context.Context, args SearchKnowledgeArgs) (SearchKnowledgeResp, error) {
	return SearchKnowledge(ctx, t.knowledge, t.jobID, args)
}

// SearchKnowledge asks the knowledge store and flattens the citations.
func SearchKnowledge(ctx context.Context, knowledge research.KnowledgeStore, jobID string, args SearchKnowledgeArgs) (SearchKnowledgeResp, error) {
	ans, err := knowledge.Ask(ctx, jobID, args.Query)
	if err != nil {
		return SearchKnowledgeResp{}, fmt.Errorf("failed to search knowledge: %w", err)
	}
	resp := SearchKnowledgeResp{Answer: ans.Text, Sources: []string{}}
	for _, c := range ans.Sources {
		title := c.SourceName
		if len(c.Partitions) > 0 {
			if t := c.Partitions[0].Tag(research.TagTitle); t != "" {
				title = fmt.Sprintf("%s (%s)", t, c.SourceName)
			}
		}
		resp.Sources = append(resp.Sources, title)
	}
	return resp, nil
}

type FindSourceArgs struct {
	Source string `json:"source" jsonschema:"The source URL to find content for"`
}

type FindSourceResp struct {
	Content string `json:"content"`
}

func FindContentBySource(ctx context.Context, lookup SourceLookup, jobID string, args FindSourceArgs) (FindSourceResp, error) {
	docs, err := lookup.BySource(ctx, jobID, args.Source)
	if err != nil {
		return FindSourceResp{}, fmt.Errorf("failed to find content: %w", err)
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.Content)
	}
	return FindSourceResp{Content: strings.Join(parts, "\n\n")}, nil
}

// SynthesisToolset lets the synthesizer agent write the final report.
type SynthesisToolset struct {
	jobID       string
	synthesizer *synthesis.Synthesizer
}

func NewSynthesisToolset(jobID string, s *synthesis.Synthesizer) *SynthesisToolset {
	return &SynthesisToolset{jobID: jobID, synthesizer: s}
}

func (t *SynthesisToolset) Name() string { return "report_synthesis" }

func (t *SynthesisToolset) Tools(ctx agent.ReadonlyContext) ([]tool.Tool, error) {
	synthTool, err := functiontool.New[NoArgs, SynthesizeResp](
		functiontool.Config{
			Name:        "synthesize_final_report",
			Description: "Write, store and publish the final research report from the outline and the gathered knowledge.",
		},
		func(ctx tool.Context, args NoArgs) (SynthesizeResp, error) { return t.Synthesize(ctx, args) },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesize_final_report tool: %w", err)
	}
	return []tool.Tool{synthTool}, nil
}

type SynthesizeResp struct {
	Sections []string `json:"sections"`
	Length   int      `json:"length"`
}

func (t *SynthesisToolset) Synthesize(ctx context.Context, _ NoArgs) (SynthesizeResp, error) {
	report, err := t.synthesizer.Synthesize(ctx, t.jobID)
	if err != nil {
		return SynthesizeResp{}, err
	}
	resp := SynthesizeResp{Length: len(report.Content)}
	for _, s := range report.Sections {
		resp.Sections = append(resp.Sections, s.Title)
	}
	return resp, nil
}
