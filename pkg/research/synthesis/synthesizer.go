package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mikeboe/apollo/pkg/research"
	"github.com/mikeboe/apollo/pkg/research/state"
)

const DefaultParallelism = 3

var (
	// ErrEmptyOutline is returned when the job has no outline to write.
	ErrEmptyOutline = errors.New("report outline is empty")
	// ErrGenerationFailed wraps a failure of the final report generation.
	ErrGenerationFailed = errors.New("report generation failed")
)

const systemPrompt = `You are a research report writer.
You receive an outline of sections, each with an analysis drawn from a knowledge base and the sources backing it.
Write one coherent, well structured Markdown report that covers every section in the given order.
Cite sources inline by title and finish with a "Sources and References" section listing every source with its URL.
Do not invent sources or facts that are not present in the material.`

// Source is one document cited by a report section.
type Source struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Author    string `json:"author,omitempty"`
	Published string `json:"published,omitempty"`
}

// Section is the knowledge gathered for one outline entry.
type Section struct {
	Title    string   `json:"title"`
	Analysis string   `json:"analysis"`
	Sources  []Source `json:"sources"`
}

// Report is a synthesized and persisted research report.
type Report struct {
	JobID    string    `json:"job_id"`
	Title    string    `json:"title"`
	Content  string    `json:"content"`
	Sections []Section `json:"sections"`
}

// Store is the part of the state access layer synthesis needs.
type Store interface {
	Get(jobID string) (state.Job, error)
	MarkComplete(jobID string) error
}

// Synthesizer writes the final report of a job from its knowledge index.
type Synthesizer struct {
	store       Store
	knowledge   research.KnowledgeStore
	generator   research.Generator
	reports     research.ReportStore
	sink        research.ChatSink
	notifier    research.Notifier
	logger      *slog.Logger
	parallelism int
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithParallelism bounds the number of concurrent section queries.
func WithParallelism(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithChatSink sends progress updates while synthesizing.
func WithChatSink(sink research.ChatSink) Option {
	return func(s *Synthesizer) { s.sink = sink }
}

// WithNotifier is told when a report was stored.
func WithNotifier(n research.Notifier) Option {
	return func(s *Synthesizer) { s.notifier = n }
}

// WithLogger sets the synthesizer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synthesizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(store Store, knowledge research.KnowledgeStore, generator research.Generator, reports research.ReportStore, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		store:       store,
		knowledge:   knowledge,
		generator:   generator,
		reports:     reports,
		logger:      slog.Default(),
		parallelism: DefaultParallelism,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize queries the knowledge store once per outline section, writes
// the report, persists it and marks the job complete. A cancelled context
// aborts before anything is persisted.
func (s *Synthesizer) Synthesize(ctx context.Context, jobID string) (Report, error) {
	logger := s.logger.With("job_id", jobID)

	job, err := s.store.Get(jobID)
	if err != nil {
		return Report{}, err
	}
	if len(job.OutlineSections) == 0 {
		return Report{}, fmt.Errorf("%w: %s", ErrEmptyOutline, jobID)
	}

	logger.Info("Starting report synthesis", "sections", len(job.OutlineSections))
	s.progress(ctx, jobID, fmt.Sprintf("Gathering knowledge for %d report sections", len(job.OutlineSections)))

	sections, err := s.gather(ctx, job)
	if err != nil {
		return Report{}, err
	}

	written := make([]Section, 0, len(sections))
	for _, sec := range sections {
		if sec != nil {
			written = append(written, *sec)
		}
	}
	if len(written) == 0 {
		logger.Warn("No section produced sources, writing report from the overview only")
	}

	s.progress(ctx, jobID, "Writing final report")
	content, err := s.generator.Generate(ctx, systemPrompt, BuildInput(job, written))
	if err != nil {
		if ctx.Err() != nil {
			return Report{}, ctx.Err()
		}
		logger.Error("Failed to generate report", "error", err)
		return Report{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	if ctx.Err() != nil {
		return Report{}, ctx.Err()
	}

	if err := s.reports.SaveFinalReport(ctx, jobID, content); err != nil {
		return Report{}, fmt.Errorf("failed to save report: %w", err)
	}
	if err := s.reports.MarkResearchStored(ctx, jobID); err != nil {
		return Report{}, fmt.Errorf("failed to mark research stored: %w", err)
	}
	if err := s.store.MarkComplete(jobID); err != nil {
		return Report{}, err
	}
	logger.Info("Report stored", "length", len(content), "sections", len(written))

	if err := s.knowledge.DeleteIndex(ctx, jobID); err != nil {
		logger.Warn("Failed to delete knowledge index", "error", err)
	}
	if s.notifier != nil {
		if err := s.notifier.ResearchCompleted(ctx, jobID, job.Title); err != nil {
			logger.Warn("Failed to send completion notification", "error", err)
		}
	}
	s.progress(ctx, jobID, "Research report complete")

	return Report{JobID: jobID, Title: job.Title, Content: content, Sections: written}, nil
}

// gather runs one knowledge query per section. The result is indexed by
// outline position; skipped sections are nil.
func (s *Synthesizer) gather(ctx context.Context, job state.Job) ([]*Section, error) {
	sections := make([]*Section, len(job.OutlineSections))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, title := range job.OutlineSections {
		g.Go(func() error {
			sec, err := s.section(gctx, job, title)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("Skipping report section", "job_id", job.ID, "section", title, "error", err)
				return nil
			}
			if len(sec.Sources) == 0 {
				s.logger.Warn("Skipping report section without sources", "job_id", job.ID, "section", title)
				return nil
			}
			sections[i] = &sec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return sections, nil
}

func (s *Synthesizer) section(ctx context.Context, job state.Job, title string) (Section, error) {
	question := fmt.Sprintf("Provide a comprehensive analysis of %q for the research on %q.", title, job.Title)
	if job.Description != "" {
		question += " Research description: " + job.Description
	}

	answer, err := s.knowledge.Ask(ctx, job.ID, question)
	if err != nil {
		return Section{}, err
	}
	return Section{Title: title, Analysis: answer.Text, Sources: sourcesOf(answer)}, nil
}

// sourcesOf flattens the citations of an answer into one entry per URL.
func sourcesOf(answer research.Answer) []Source {
	seen := make(map[string]bool)
	var sources []Source
	for _, c := range answer.Sources {
		for _, p := range c.Partitions {
			url := p.Tag(research.TagURL)
			if url == "" {
				url = c.SourceName
			}
			key := state.NormalizeURL(url)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			sources = append(sources, Source{
				URL:       url,
				Title:     p.Tag(research.TagTitle),
				Author:    p.Tag(research.TagAuthor),
				Published: p.Tag(research.TagPublished),
			})
		}
	}
	return sources
}

// BuildInput assembles the generation input from the gathered sections.
func BuildInput(job state.Job, sections []Section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", job.Title)
	b.WriteString("## Overview\n\n")
	if job.Description != "" {
		b.WriteString(job.Description)
		b.WriteString("\n\n")
	}

	seen := make(map[string]bool)
	var all []Source
	for _, sec := range sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", sec.Title, strings.TrimSpace(sec.Analysis))
		b.WriteString("Sources:\n")
		for _, src := range sec.Sources {
			b.WriteString("- ")
			b.WriteString(formatSource(src))
			b.WriteString("\n")
			if key := state.NormalizeURL(src.URL); !seen[key] {
				seen[key] = true
				all = append(all, src)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Sources and References\n\n")
	for i, src := range all {
		fmt.Fprintf(&b, "%d. %s\n", i+1, formatSource(src))
	}
	return b.String()
}

func formatSource(src Source) string {
	title := src.Title
	if title == "" {
		title = src.URL
	}
	parts := []string{title}
	if src.Author != "" {
		parts = append(parts, src.Author)
	}
	if src.Published != "" {
		parts = append(parts, src.Published)
	}
	return fmt.Sprintf("%s (%s)", strings.Join(parts, ", "), src.URL)
}

func (s *Synthesizer) progress(ctx context.Context, jobID, text string) {
	if s.sink == nil {
		return
	}
	if err := s.sink.SendProgressUpdate(ctx, jobID, text); err != nil {
		s.logger.Warn("Failed to send progress update", "job_id", jobID, "error", err)
	}
}
