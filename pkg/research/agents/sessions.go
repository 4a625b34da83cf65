package agents

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/adk/model"
	"google.golang.org/adk/session"
	"google.golang.org/genai"
)

const (
	AppName = "apollo"
	userID  = "research"
)

// Sessions hands out one shared conversation per job, so every agent of the
// job sees what the others said.
type Sessions struct {
	svc session.Service

	mu     sync.Mutex
	open   map[string]session.Session
	framed map[string]bool
}

func NewSessions() *Sessions {
	return &Sessions{
		svc:    session.InMemoryService(),
		open:   make(map[string]session.Session),
		framed: make(map[string]bool),
	}
}

// Service is the session service runners must use.
func (s *Sessions) Service() session.Service { return s.svc }

func (s *Sessions) ensure(ctx context.Context, jobID string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.open[jobID]; ok {
		return sess, nil
	}
	res, err := s.svc.Create(ctx, &session.CreateRequest{
		AppName:   AppName,
		UserID:    userID,
		SessionID: jobID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.open[jobID] = res.Session
	return res.Session, nil
}

// Frame appends the opening user message to the job's conversation. Only
// the first call per job has an effect.
func (s *Sessions) Frame(ctx context.Context, jobID, message string) error {
	sess, err := s.ensure(ctx, jobID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.framed[jobID] {
		return nil
	}

	evt := session.NewEvent(uuid.NewString())
	evt.Author = "user"
	evt.LLMResponse = model.LLMResponse{
		Content: &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: message}},
		},
	}
	if err := s.svc.AppendEvent(ctx, sess, evt); err != nil {
		return fmt.Errorf("failed to append framing message: %w", err)
	}
	s.framed[jobID] = true
	return nil
}

// Release drops the job's conversation.
func (s *Sessions) Release(ctx context.Context, jobID string) error {
	s.mu.Lock()
	_, ok := s.open[jobID]
	delete(s.open, jobID)
	delete(s.framed, jobID)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return s.svc.Delete(ctx, &session.DeleteRequest{
		AppName:   AppName,
		UserID:    userID,
		SessionID: jobID,
	})
}
