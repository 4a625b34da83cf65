package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mikeboe/apollo/pkg/research"
)

// ErrNotFound is returned when a research row does not exist.
var ErrNotFound = errors.New("research not found")

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const (
	MessageKindAgent    = "agent"
	MessageKindProgress = "progress"
)

// Research is one row of research_jobs.
type Research struct {
	ID             uuid.UUID       `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Questions      []string        `json:"questions"`
	Status         string          `json:"status"`
	Report         *string         `json:"report,omitempty"`
	ResearchStored bool            `json:"research_stored"`
	State          json.RawMessage `json:"state,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type LogEntry struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
}

type AgentMessage struct {
	ID        int       `json:"id"`
	Kind      string    `json:"kind"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ResearchRepository persists research jobs and everything they produce.
// It implements research.PlanSource, research.ReportStore and
// research.ChatSink.
type ResearchRepository struct {
	db *PostgresDB
}

func NewResearchRepository(db *PostgresDB) *ResearchRepository {
	return &ResearchRepository{db: db}
}

// ParseID parses a job id, mapping malformed ids to ErrNotFound.
func ParseID(jobID string) (uuid.UUID, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return id, nil
}

func (r *ResearchRepository) Create(ctx context.Context, plan research.Plan) (*Research, error) {
	questions, err := json.Marshal(plan.Questions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal questions: %w", err)
	}

	query := `
		INSERT INTO research_jobs (id, title, description, questions, status)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING id, title, description, status, research_stored, created_at, updated_at
	`
	res := &Research{Questions: plan.Questions}
	err = r.db.Pool.QueryRow(ctx, query, uuid.New(), plan.Title, plan.Description, questions).Scan(
		&res.ID, &res.Title, &res.Description, &res.Status, &res.ResearchStored, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create research: %w", err)
	}
	return res, nil
}

func (r *ResearchRepository) Get(ctx context.Context, jobID string) (*Research, error) {
	id, err := ParseID(jobID)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, title, description, questions, status, report, research_stored, state, created_at, updated_at
		FROM research_jobs
		WHERE id = $1
	`
	res := &Research{}
	var questions []byte
	err = r.db.Pool.QueryRow(ctx, query, id).Scan(
		&res.ID, &res.Title, &res.Description, &questions, &res.Status, &res.Report,
		&res.ResearchStored, &res.State, &res.CreatedAt, &res.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get research: %w", err)
	}
	if err := json.Unmarshal(questions, &res.Questions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal questions: %w", err)
	}
	return res, nil
}

func (r *ResearchRepository) List(ctx context.Context) ([]Research, error) {
	query := `
		SELECT id, title, description, status, research_stored, created_at, updated_at
		FROM research_jobs
		ORDER BY created_at DESC
		LIMIT 50
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list research: %w", err)
	}
	defer rows.Close()

	var list []Research
	for rows.Next() {
		var res Research
		if err := rows.Scan(&res.ID, &res.Title, &res.Description, &res.Status, &res.ResearchStored, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan research: %w", err)
		}
		list = append(list, res)
	}
	return list, rows.Err()
}

func (r *ResearchRepository) Delete(ctx context.Context, jobID string) error {
	id, err := ParseID(jobID)
	if err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM research_jobs WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete research: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

// SetStatus updates the lifecycle status of a job.
func (r *ResearchRepository) SetStatus(ctx context.Context, jobID, status string) error {
	return r.exec(ctx, jobID, "UPDATE research_jobs SET status = $2, updated_at = NOW() WHERE id = $1", status)
}

// SaveState stores the latest state snapshot of a job.
func (r *ResearchRepository) SaveState(ctx context.Context, jobID string, state any) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return r.exec(ctx, jobID, "UPDATE research_jobs SET state = $2, updated_at = NOW() WHERE id = $1", stateJSON)
}

func (r *ResearchRepository) LoadPlan(ctx context.Context, jobID string) (research.Plan, error) {
	res, err := r.Get(ctx, jobID)
	if err != nil {
		return research.Plan{}, err
	}
	return research.Plan{ID: jobID, Title: res.Title, Description: res.Description, Questions: res.Questions}, nil
}

func (r *ResearchRepository) SaveFinalReport(ctx context.Context, jobID, content string) error {
	return r.exec(ctx, jobID, "UPDATE research_jobs SET report = $2, updated_at = NOW() WHERE id = $1", content)
}

func (r *ResearchRepository) MarkResearchStored(ctx context.Context, jobID string) error {
	return r.exec(ctx, jobID,
		"UPDATE research_jobs SET research_stored = TRUE, status = $2, updated_at = NOW() WHERE id = $1", StatusCompleted)
}

func (r *ResearchRepository) SendAgentMessage(ctx context.Context, jobID, author, text string) error {
	return r.insertMessage(ctx, jobID, MessageKindAgent, author, text)
}

func (r *ResearchRepository) SendProgressUpdate(ctx context.Context, jobID, text string) error {
	return r.insertMessage(ctx, jobID, MessageKindProgress, "system", text)
}

func (r *ResearchRepository) Messages(ctx context.Context, jobID string) ([]AgentMessage, error) {
	id, err := ParseID(jobID)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, kind, author, content, created_at
		FROM agent_messages
		WHERE job_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []AgentMessage
	for rows.Next() {
		var m AgentMessage
		if err := rows.Scan(&m.ID, &m.Kind, &m.Author, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// InsertLog writes one log record of a job.
func (r *ResearchRepository) InsertLog(ctx context.Context, jobID uuid.UUID, ts time.Time, level, message string, metadata []byte) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO research_logs (job_id, timestamp, level, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, jobID, ts, level, message, metadata)
	return err
}

func (r *ResearchRepository) Logs(ctx context.Context, jobID string) ([]LogEntry, error) {
	id, err := ParseID(jobID)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, timestamp, level, message, metadata
		FROM research_logs
		WHERE job_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &l.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (r *ResearchRepository) insertMessage(ctx context.Context, jobID, kind, author, text string) error {
	id, err := ParseID(jobID)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO agent_messages (job_id, kind, author, content)
		VALUES ($1, $2, $3, $4)
	`, id, kind, author, text)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (r *ResearchRepository) exec(ctx context.Context, jobID, query string, args ...any) error {
	id, err := ParseID(jobID)
	if err != nil {
		return err
	}
	tag, err := r.db.Pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update research: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}
