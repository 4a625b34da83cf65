package state

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Question is one research question tracked by a job.
type Question struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	IsProcessed bool   `json:"is_processed"`
}

// Job is the in-memory progress record of one research job. Values handed
// out by the Store are snapshots; mutating them has no effect on the store.
type Job struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`

	PendingQuestions    []Question `json:"pending_questions"`
	CompletedQuestions  []Question `json:"completed_questions"`
	AllQuestionsInOrder []Question `json:"-"`
	ActiveQuestionID    string     `json:"active_question_id,omitempty"`

	CrawledURLs     map[string]struct{} `json:"-"`
	OutlineSections []string            `json:"outline_sections"`

	NeedsAnalysis               bool `json:"needs_analysis"`
	IsAnalyzing                 bool `json:"is_analyzing"`
	HasPerformedInitialAnalysis bool `json:"has_performed_initial_analysis"`
	// QuestionsSinceAnalysis counts questions completed since the last
	// analysis pass finished.
	QuestionsSinceAnalysis int `json:"questions_since_analysis"`

	IngestionsInFlight int `json:"ingestions_in_flight"`

	SynthesisComplete bool `json:"synthesis_complete"`
	IsComplete        bool `json:"is_complete"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob builds the initial state for a job with every question pending.
func NewJob(id, title, description string, questions []string) Job {
	job := Job{
		ID:          id,
		Title:       title,
		Description: description,
		CrawledURLs: make(map[string]struct{}),
	}
	for _, text := range questions {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		q := newQuestion(text)
		job.PendingQuestions = append(job.PendingQuestions, q)
		job.AllQuestionsInOrder = append(job.AllQuestionsInOrder, q)
	}
	return job
}

func newQuestion(text string) Question {
	return Question{ID: uuid.NewString(), Text: text}
}

// ActiveQuestion returns the question currently being processed.
func (j Job) ActiveQuestion() (Question, bool) {
	if j.ActiveQuestionID == "" {
		return Question{}, false
	}
	for _, q := range j.PendingQuestions {
		if q.ID == j.ActiveQuestionID {
			return q, true
		}
	}
	return Question{}, false
}

// HasPendingWork reports whether any pending question is still unprocessed.
func (j Job) HasPendingWork() bool {
	for _, q := range j.PendingQuestions {
		if !q.IsProcessed {
			return true
		}
	}
	return false
}

// IsIngesting reports whether the ingestion worker is processing a batch.
func (j Job) IsIngesting() bool { return j.IngestionsInFlight > 0 }

// URLs returns the crawled URL set in sorted order.
func (j Job) URLs() []string {
	urls := make([]string, 0, len(j.CrawledURLs))
	for u := range j.CrawledURLs {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

// NormalizeURL is the key used for the crawled URL set.
func NormalizeURL(url string) string {
	return strings.ToLower(strings.TrimSpace(url))
}

func (j Job) clone() Job {
	c := j
	c.PendingQuestions = append([]Question(nil), j.PendingQuestions...)
	c.CompletedQuestions = append([]Question(nil), j.CompletedQuestions...)
	c.AllQuestionsInOrder = append([]Question(nil), j.AllQuestionsInOrder...)
	c.OutlineSections = append([]string(nil), j.OutlineSections...)
	c.CrawledURLs = make(map[string]struct{}, len(j.CrawledURLs))
	for u := range j.CrawledURLs {
		c.CrawledURLs[u] = struct{}{}
	}
	return c
}

// QuestionStatus is the timeline status of a question.
type QuestionStatus string

const (
	QuestionPending    QuestionStatus = "pending"
	QuestionInProgress QuestionStatus = "in_progress"
	QuestionCompleted  QuestionStatus = "completed"
)

// TimelineItem is one row of the question timeline shown to clients.
type TimelineItem struct {
	ID     string         `json:"id"`
	Text   string         `json:"text"`
	Active bool           `json:"active"`
	Status QuestionStatus `json:"status"`
}

// Timeline lists every question in the order it was added.
func (j Job) Timeline() []TimelineItem {
	completed := make(map[string]bool, len(j.CompletedQuestions))
	for _, q := range j.CompletedQuestions {
		completed[q.ID] = true
	}
	items := make([]TimelineItem, 0, len(j.AllQuestionsInOrder))
	for _, q := range j.AllQuestionsInOrder {
		item := TimelineItem{ID: q.ID, Text: q.Text, Active: q.ID == j.ActiveQuestionID, Status: QuestionPending}
		switch {
		case completed[q.ID]:
			item.Status = QuestionCompleted
		case item.Active:
			item.Status = QuestionInProgress
		}
		items = append(items, item)
	}
	return items
}
