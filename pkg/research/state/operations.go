package state

import (
	"fmt"
	"strings"
)

// ActivateNextPending makes the first unprocessed pending question active
// and returns its id. When a question is already active it returns that id
// and leaves the state untouched. When nothing is left it clears the active
// question, raises NeedsAnalysis if there is knowledge no analysis pass has
// looked at yet, and returns "".
func (s *Store) ActivateNextPending(jobID string) (string, error) {
	var activated string
	_, err := s.Mutate(jobID, func(job *Job) error {
		if job.ActiveQuestionID != "" {
			activated = job.ActiveQuestionID
			return errUnchanged
		}
		for _, q := range job.PendingQuestions {
			if !q.IsProcessed {
				job.ActiveQuestionID = q.ID
				activated = q.ID
				s.logger.Info("Set active question", "job_id", jobID, "question_id", q.ID, "question", q.Text)
				return nil
			}
		}

		job.ActiveQuestionID = ""
		if !job.HasPerformedInitialAnalysis || job.QuestionsSinceAnalysis > 0 {
			job.NeedsAnalysis = true
			s.logger.Info("No more pending questions, analysis needed", "job_id", jobID)
		} else {
			s.logger.Info("No more pending questions", "job_id", jobID)
		}
		return nil
	})
	return activated, err
}

// CompleteActiveQuestion moves the active question to the completed list.
// It is a no-op when no question is active.
func (s *Store) CompleteActiveQuestion(jobID string) (Question, error) {
	var completed Question
	_, err := s.Mutate(jobID, func(job *Job) error {
		if job.ActiveQuestionID == "" {
			s.logger.Warn("No active question to complete", "job_id", jobID)
			return errUnchanged
		}
		idx := -1
		for i, q := range job.PendingQuestions {
			if q.ID == job.ActiveQuestionID {
				idx = i
				break
			}
		}
		if idx < 0 {
			s.logger.Warn("Active question not found in pending list", "job_id", jobID, "question_id", job.ActiveQuestionID)
			return errUnchanged
		}

		completed = job.PendingQuestions[idx]
		completed.IsProcessed = true
		job.PendingQuestions = append(job.PendingQuestions[:idx], job.PendingQuestions[idx+1:]...)
		job.CompletedQuestions = append(job.CompletedQuestions, completed)
		job.ActiveQuestionID = ""
		job.QuestionsSinceAnalysis++
		s.logger.Info("Completed question", "job_id", jobID, "question_id", completed.ID)
		return nil
	})
	return completed, err
}

// AddPendingQuestions appends new questions and clears NeedsAnalysis. Blank
// texts are skipped; if nothing is left the call is a no-op.
func (s *Store) AddPendingQuestions(jobID string, texts []string) ([]Question, error) {
	var added []Question
	_, err := s.Mutate(jobID, func(job *Job) error {
		for _, text := range texts {
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			added = append(added, newQuestion(text))
		}
		if len(added) == 0 {
			return errUnchanged
		}
		job.PendingQuestions = append(job.PendingQuestions, added...)
		job.AllQuestionsInOrder = append(job.AllQuestionsInOrder, added...)
		job.NeedsAnalysis = false
		s.logger.Info("Added pending questions", "job_id", jobID, "count", len(added))
		return nil
	})
	return added, err
}

// UpdateOutline replaces the report outline.
func (s *Store) UpdateOutline(jobID string, sections []string) error {
	_, err := s.Mutate(jobID, func(job *Job) error {
		job.OutlineSections = append([]string(nil), sections...)
		s.logger.Info("Updated outline", "job_id", jobID, "sections", len(sections))
		return nil
	})
	return err
}

// MarkAnalysisStarted flags that a gap-analysis pass is running.
func (s *Store) MarkAnalysisStarted(jobID string) error {
	_, err := s.Mutate(jobID, func(job *Job) error {
		job.IsAnalyzing = true
		return nil
	})
	return err
}

// MarkAnalysisComplete ends the running analysis pass. The pass answers the
// outstanding analysis request, so NeedsAnalysis is cleared as well.
func (s *Store) MarkAnalysisComplete(jobID string) error {
	_, err := s.Mutate(jobID, func(job *Job) error {
		job.IsAnalyzing = false
		job.NeedsAnalysis = false
		job.QuestionsSinceAnalysis = 0
		if !job.HasPerformedInitialAnalysis {
			job.HasPerformedInitialAnalysis = true
			s.logger.Info("Initial analysis performed", "job_id", jobID)
		}
		return nil
	})
	return err
}

// EndAnalysis clears IsAnalyzing without recording a finished pass. It is
// used when an analysis turn stops early.
func (s *Store) EndAnalysis(jobID string) error {
	_, err := s.Mutate(jobID, func(job *Job) error {
		if !job.IsAnalyzing {
			return errUnchanged
		}
		job.IsAnalyzing = false
		s.logger.Warn("Analysis ended before completion", "job_id", jobID)
		return nil
	})
	return err
}

// MarkComplete sets the terminal flags. It cannot be undone.
func (s *Store) MarkComplete(jobID string) error {
	_, err := s.Mutate(jobID, func(job *Job) error {
		job.IsComplete = true
		job.SynthesisComplete = true
		s.logger.Info("Marking research as complete", "job_id", jobID)
		return nil
	})
	return err
}

// ReserveURLs records the given URLs as crawled and returns the ones that
// were not known before, in input order. Matching is case-insensitive.
// Reserving before ingestion keeps racing producers from enqueueing the
// same URL twice. A complete job accepts no new URLs.
func (s *Store) ReserveURLs(jobID string, urls []string) ([]string, error) {
	var fresh []string
	_, err := s.Mutate(jobID, func(job *Job) error {
		if job.IsComplete {
			return fmt.Errorf("%w: %s", ErrJobComplete, jobID)
		}
		for _, u := range urls {
			key := NormalizeURL(u)
			if key == "" {
				continue
			}
			if _, seen := job.CrawledURLs[key]; seen {
				continue
			}
			job.CrawledURLs[key] = struct{}{}
			fresh = append(fresh, u)
		}
		if len(fresh) == 0 {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// ReleaseURLs forgets reserved URLs that could not be queued, so a later
// search can pick them up again.
func (s *Store) ReleaseURLs(jobID string, urls []string) error {
	_, err := s.Mutate(jobID, func(job *Job) error {
		if job.IsComplete {
			return errUnchanged
		}
		released := 0
		for _, u := range urls {
			key := NormalizeURL(u)
			if _, ok := job.CrawledURLs[key]; ok {
				delete(job.CrawledURLs, key)
				released++
			}
		}
		if released == 0 {
			return errUnchanged
		}
		return nil
	})
	return err
}

// BeginIngestion marks an ingestion batch as in progress. It fails with
// ErrJobComplete once the job is complete.
func (s *Store) BeginIngestion(jobID string) error {
	_, err := s.Mutate(jobID, func(job *Job) error {
		if job.IsComplete {
			return fmt.Errorf("%w: %s", ErrJobComplete, jobID)
		}
		job.IngestionsInFlight++
		return nil
	})
	return err
}

// EndIngestion marks an ingestion batch as finished. A complete job is
// left untouched.
func (s *Store) EndIngestion(jobID string) error {
	_, err := s.Mutate(jobID, func(job *Job) error {
		if job.IsComplete || job.IngestionsInFlight == 0 {
			return errUnchanged
		}
		job.IngestionsInFlight--
		return nil
	})
	return err
}

// Timeline returns the question timeline of the job.
func (s *Store) Timeline(jobID string) ([]TimelineItem, error) {
	job, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	return job.Timeline(), nil
}
