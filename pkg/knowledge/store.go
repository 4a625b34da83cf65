package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mikeboe/apollo/pkg/research"
	"github.com/mikeboe/apollo/pkg/vectorstore"
)

const DefaultTopK = 8

const answerPrompt = `You answer questions using only the retrieved excerpts below.
Each excerpt is labelled with its source. Write a thorough, factual answer and mention the sources you rely on by title.
If the excerpts do not contain the answer, say so plainly.`

// Embedder turns text into vectors.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Index is the vector table the store writes to.
type Index interface {
	AddDocuments(ctx context.Context, docs []vectorstore.Document) error
	SimilaritySearch(ctx context.Context, embedding []float32, topK int, filter map[string]any) ([]vectorstore.SimilaritySearchResult, error)
	GetContentByMetadata(ctx context.Context, filter map[string]any, limit int) ([]vectorstore.Document, error)
	DeleteByMetadata(ctx context.Context, filter map[string]any) (int64, error)
}

// Splitter chunks documents before embedding.
type Splitter interface {
	SplitText(text string) ([]string, error)
}

// Store is a research.KnowledgeStore backed by a pgvector index. Every
// chunk is tagged with its job id so jobs share one table.
type Store struct {
	index     Index
	embedder  Embedder
	splitter  Splitter
	generator research.Generator
	topK      int
	logger    *slog.Logger
}

// New creates a knowledge store.
func New(index Index, embedder Embedder, splitter Splitter, generator research.Generator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		index:     index,
		embedder:  embedder,
		splitter:  splitter,
		generator: generator,
		topK:      DefaultTopK,
		logger:    logger,
	}
}

// Ingest chunks, embeds and stores content.
func (s *Store) Ingest(ctx context.Context, jobID string, content research.Content) error {
	content.JobID = jobID
	chunks, err := s.splitter.SplitText(content.Text)
	if err != nil {
		return fmt.Errorf("failed to split text: %w", err)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("no content to index for %s", content.URL)
	}

	vectors, err := s.embedder.EmbedTexts(ctx, chunks)
	if err != nil {
		return fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("got %d embeddings for %d chunks", len(vectors), len(chunks))
	}

	docs := make([]vectorstore.Document, len(chunks))
	for i, chunk := range chunks {
		metadata := make(map[string]any, len(content.Tags())+2)
		for k, v := range content.Tags() {
			metadata[k] = v
		}
		metadata["source"] = content.URL
		metadata["chunk"] = i
		docs[i] = vectorstore.Document{Content: chunk, Metadata: metadata, Embedding: vectors[i]}
	}

	if err := s.index.AddDocuments(ctx, docs); err != nil {
		return err
	}
	s.logger.Info("Indexed content", "job_id", jobID, "url", content.URL, "chunks", len(docs))
	return nil
}

// Ask retrieves the chunks of the job closest to question and answers from
// them. Citations are grouped per source URL in retrieval order.
func (s *Store) Ask(ctx context.Context, jobID, question string) (research.Answer, error) {
	results, err := s.Search(ctx, jobID, question, s.topK)
	if err != nil {
		return research.Answer{}, err
	}
	if len(results) == 0 {
		return research.Answer{Text: "No relevant information found."}, nil
	}

	citations := citationsOf(results)
	text, err := s.generator.Generate(ctx, answerPrompt, buildContext(question, citations))
	if err != nil {
		return research.Answer{}, fmt.Errorf("failed to answer from knowledge: %w", err)
	}
	return research.Answer{Text: text, Sources: citations}, nil
}

// Search returns the raw chunks of the job closest to query.
func (s *Store) Search(ctx context.Context, jobID, query string, topK int) ([]vectorstore.SimilaritySearchResult, error) {
	if topK <= 0 {
		topK = s.topK
	}
	embedding, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	results, err := s.index.SimilaritySearch(ctx, embedding, topK, map[string]any{research.TagResearchID: jobID})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	return results, nil
}

// BySource returns every stored chunk of url for the job.
func (s *Store) BySource(ctx context.Context, jobID, url string) ([]vectorstore.Document, error) {
	return s.index.GetContentByMetadata(ctx, map[string]any{
		research.TagResearchID: jobID,
		research.TagURL:        url,
	}, 0)
}

// DeleteIndex removes every chunk of the job.
func (s *Store) DeleteIndex(ctx context.Context, jobID string) error {
	n, err := s.index.DeleteByMetadata(ctx, map[string]any{research.TagResearchID: jobID})
	if err != nil {
		return err
	}
	s.logger.Info("Deleted knowledge index", "job_id", jobID, "chunks", n)
	return nil
}

func citationsOf(results []vectorstore.SimilaritySearchResult) []research.Citation {
	var citations []research.Citation
	index := make(map[string]int)
	for _, r := range results {
		tags := make(map[string][]string, len(r.Document.Metadata))
		for k, v := range r.Document.Metadata {
			if str, ok := v.(string); ok && str != "" {
				tags[k] = []string{str}
			}
		}
		part := research.Partition{Text: r.Document.Content, Tags: tags}
		source := part.Tag(research.TagURL)
		if source == "" {
			source = part.Tag("source")
		}

		if i, ok := index[source]; ok {
			citations[i].Partitions = append(citations[i].Partitions, part)
			continue
		}
		index[source] = len(citations)
		citations = append(citations, research.Citation{SourceName: source, Partitions: []research.Partition{part}})
	}
	return citations
}

func buildContext(question string, citations []research.Citation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", question)
	for _, c := range citations {
		title := c.SourceName
		if len(c.Partitions) > 0 {
			if t := c.Partitions[0].Tag(research.TagTitle); t != "" {
				title = t
			}
		}
		fmt.Fprintf(&b, "# Source: %s (%s)\n", title, c.SourceName)
		for _, p := range c.Partitions {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(p.Text))
		}
		b.WriteString("\n")
	}
	return b.String()
}
