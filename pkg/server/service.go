package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mikeboe/apollo/pkg/database"
	"github.com/mikeboe/apollo/pkg/research"
	"github.com/mikeboe/apollo/pkg/research/state"
)

// ErrInvalidRequest is returned for research requests that cannot be run.
var ErrInvalidRequest = errors.New("invalid research request")

// Repository is the persistence the service reads and writes.
type Repository interface {
	Create(ctx context.Context, plan research.Plan) (*database.Research, error)
	Get(ctx context.Context, jobID string) (*database.Research, error)
	List(ctx context.Context) ([]database.Research, error)
	Delete(ctx context.Context, jobID string) error
	SetStatus(ctx context.Context, jobID, status string) error
	Logs(ctx context.Context, jobID string) ([]database.LogEntry, error)
	Messages(ctx context.Context, jobID string) ([]database.AgentMessage, error)
}

// Dispatcher runs research jobs in the background.
type Dispatcher interface {
	Dispatch(jobID string) error
	Cancel(jobID string) bool
}

type Service struct {
	repo       Repository
	dispatcher Dispatcher
	state      *state.Store
	knowledge  research.KnowledgeStore
	logger     *slog.Logger
}

func NewService(repo Repository, dispatcher Dispatcher, store *state.Store, knowledge research.KnowledgeStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		dispatcher: dispatcher,
		state:      store,
		knowledge:  knowledge,
		logger:     logger,
	}
}

type CreateResearchRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Questions   []string `json:"questions"`
}

func (r CreateResearchRequest) plan() (research.Plan, error) {
	plan := research.Plan{
		Title:       strings.TrimSpace(r.Title),
		Description: strings.TrimSpace(r.Description),
	}
	if plan.Title == "" {
		return plan, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	for _, q := range r.Questions {
		if q = strings.TrimSpace(q); q != "" {
			plan.Questions = append(plan.Questions, q)
		}
	}
	if len(plan.Questions) == 0 {
		return plan, fmt.Errorf("%w: at least one question is required", ErrInvalidRequest)
	}
	return plan, nil
}

// CreateResearch stores the plan and dispatches the job.
func (s *Service) CreateResearch(ctx context.Context, req CreateResearchRequest) (*database.Research, error) {
	plan, err := req.plan()
	if err != nil {
		return nil, err
	}
	res, err := s.repo.Create(ctx, plan)
	if err != nil {
		return nil, err
	}

	jobID := res.ID.String()
	if err := s.dispatcher.Dispatch(jobID); err != nil {
		s.logger.Error("Failed to dispatch research", "job_id", jobID, "error", err)
		if serr := s.repo.SetStatus(context.WithoutCancel(ctx), jobID, database.StatusFailed); serr != nil {
			s.logger.Error("Failed to update research status", "job_id", jobID, "error", serr)
		}
		return nil, err
	}
	s.logger.Info("Research dispatched", "job_id", jobID, "questions", len(plan.Questions))
	return res, nil
}

func (s *Service) GetResearch(ctx context.Context, jobID string) (*database.Research, error) {
	return s.repo.Get(ctx, jobID)
}

func (s *Service) ListResearch(ctx context.Context) ([]database.Research, error) {
	list, err := s.repo.List(ctx)
	if list == nil {
		list = []database.Research{}
	}
	return list, err
}

func (s *Service) Logs(ctx context.Context, jobID string) ([]database.LogEntry, error) {
	logs, err := s.repo.Logs(ctx, jobID)
	if logs == nil {
		logs = []database.LogEntry{}
	}
	return logs, err
}

func (s *Service) Messages(ctx context.Context, jobID string) ([]database.AgentMessage, error) {
	messages, err := s.repo.Messages(ctx, jobID)
	if messages == nil {
		messages = []database.AgentMessage{}
	}
	return messages, err
}

// Timeline returns the live question timeline of a running job.
func (s *Service) Timeline(jobID string) ([]state.TimelineItem, error) {
	return s.state.Timeline(jobID)
}

// Status reports the stored status of a job along with its live progress
// when the job is still in memory.
type Status struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Completed int    `json:"completed_questions"`
	Pending   int    `json:"pending_questions"`
	Active    string `json:"active_question,omitempty"`
	Sources   int    `json:"sources"`
	HasReport bool   `json:"has_report"`
}

func (s *Service) Status(ctx context.Context, jobID string) (Status, error) {
	res, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return Status{}, err
	}
	st := Status{ID: jobID, Title: res.Title, Status: res.Status, HasReport: res.Report != nil}
	job, err := s.state.Get(jobID)
	if err != nil {
		return st, nil
	}
	st.Completed = len(job.CompletedQuestions)
	st.Pending = len(job.PendingQuestions)
	st.Sources = len(job.CrawledURLs)
	if q, ok := job.ActiveQuestion(); ok {
		st.Active = q.Text
	}
	return st, nil
}

// Ask answers a question from the knowledge gathered by a job.
func (s *Service) Ask(ctx context.Context, jobID, question string) (research.Answer, error) {
	if _, err := s.repo.Get(ctx, jobID); err != nil {
		return research.Answer{}, err
	}
	return s.knowledge.Ask(ctx, jobID, question)
}

// Cancel stops a queued or running job.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	if _, err := s.repo.Get(ctx, jobID); err != nil {
		return err
	}
	if !s.dispatcher.Cancel(jobID) {
		return fmt.Errorf("%w: research %s is not running", ErrInvalidRequest, jobID)
	}
	return nil
}

// DeleteResearch stops the job and removes everything it produced.
func (s *Service) DeleteResearch(ctx context.Context, jobID string) error {
	if _, err := s.repo.Get(ctx, jobID); err != nil {
		return err
	}
	s.dispatcher.Cancel(jobID)
	s.state.Delete(jobID)
	if err := s.knowledge.DeleteIndex(ctx, jobID); err != nil {
		s.logger.Warn("Failed to delete knowledge index", "job_id", jobID, "error", err)
	}
	return s.repo.Delete(ctx, jobID)
}
