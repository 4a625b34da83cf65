package research

import "context"

// Tag keys attached to every indexed content record. Citations returned by
// the knowledge store carry the same keys in their partition tags.
const (
	TagResearchID = "research_id"
	TagURL        = "url"
	TagTitle      = "title"
	TagAuthor     = "author"
	TagPublished  = "published"
	TagQuestion   = "question"
)

// SearchResult represents a single search result
type SearchResult struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Snippet   string `json:"snippet"`
	Author    string `json:"author,omitempty"`
	Published string `json:"published,omitempty"`
	// Text is the full document body when the provider returns it inline.
	Text string `json:"text,omitempty"`
}

// Plan is the saved research plan a job is seeded from.
type Plan struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Questions   []string `json:"questions"`
}

// Content is one discovered document handed to the knowledge store.
type Content struct {
	JobID     string
	Question  string
	URL       string
	Title     string
	Author    string
	Published string
	Text      string
}

// Tags returns the metadata the content is indexed under.
func (c Content) Tags() map[string]string {
	tags := map[string]string{
		TagResearchID: c.JobID,
		TagURL:        c.URL,
		TagTitle:      c.Title,
		TagAuthor:     c.Author,
		TagPublished:  c.Published,
	}
	if c.Question != "" {
		tags[TagQuestion] = c.Question
	}
	return tags
}

// Partition is one retrieved chunk backing a citation.
type Partition struct {
	Text string
	Tags map[string][]string
}

// Tag returns the first value stored under key, or "".
func (p Partition) Tag(key string) string {
	if vals := p.Tags[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Citation groups the partitions retrieved from a single source document.
type Citation struct {
	SourceName string
	Partitions []Partition
}

// Answer is the knowledge store's response to a question.
type Answer struct {
	Text    string
	Sources []Citation
}

// Fragment is one streamed piece of an agent turn.
type Fragment struct {
	Author string
	Text   string
}

// KnowledgeStore indexes research content and answers questions over it.
type KnowledgeStore interface {
	Ingest(ctx context.Context, jobID string, content Content) error
	Ask(ctx context.Context, jobID, question string) (Answer, error)
	DeleteIndex(ctx context.Context, jobID string) error
}

// SearchProvider runs a web or catalogue search.
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// Fetcher retrieves the full text behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Generator produces one complete text from a system instruction and a prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// ChatSink receives live observability output for a job. Implementations
// must be safe for concurrent use.
type ChatSink interface {
	SendAgentMessage(ctx context.Context, jobID, author, text string) error
	SendProgressUpdate(ctx context.Context, jobID, text string) error
}

// ReportStore durably records the finished report.
type ReportStore interface {
	SaveFinalReport(ctx context.Context, jobID, content string) error
	MarkResearchStored(ctx context.Context, jobID string) error
}

// PlanSource loads the saved plan for a job.
type PlanSource interface {
	LoadPlan(ctx context.Context, jobID string) (Plan, error)
}

// Notifier is told when a job finished with a report.
type Notifier interface {
	ResearchCompleted(ctx context.Context, jobID, title string) error
}
