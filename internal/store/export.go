package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/autograder/internal/model"
)

// ExportSessions builds export-ready results for sessions matching the filter.
func (s *Store) ExportSessions(ctx context.Context, f model.SessionFilter) ([]model.SessionResult, error) {
	sessions, err := s.ListSessions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	papers := make(map[int64]model.Paper)
	var results []model.SessionResult
	for _, sess := range sessions {
		paper, ok := papers[sess.PaperID]
		if !ok {
			paper, err = s.GetPaperWithQuestions(ctx, sess.PaperID)
			if err != nil {
				return nil, fmt.Errorf("get paper %d: %w", sess.PaperID, err)
			}
			papers[sess.PaperID] = paper
		}

		entries, err := s.ListAnswers(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("list answers for session %d: %w", sess.ID, err)
		}

		var answers []model.AnswerResult
		for _, e := range entries {
			ar := model.AnswerResult{
				QuestionID:  e.QuestionID,
				Answer:      e.RawAnswerText,
				Score:       e.Score,
				Correctness: e.Correctness,
			}
			if q, ok := paper.Question(e.QuestionID); ok {
				ar.Type = q.Type
				ar.Title = q.Title
				ar.StandardAnswer = q.StandardAnswer
				ar.MaxScore = q.MaxScore
			}
			if e.JudgeFeedback != nil {
				ar.Feedback = *e.JudgeFeedback
			}
			answers = append(answers, ar)
		}

		r := model.SessionResult{
			SessionID:    sess.ID,
			PaperID:      sess.PaperID,
			PaperName:    paper.Name,
			StudentName:  sess.StudentName,
			Status:       sess.Status,
			Score:        sess.Score,
			MaxScore:     paper.MaxScore(),
			StartTime:    sess.StartTime,
			EndTime:      sess.EndTime,
			TamperSignal: sess.TamperSignalCount,
			Answers:      answers,
		}
		if sess.SummaryText != nil {
			r.Summary = *sess.SummaryText
		}
		results = append(results, r)
	}

	return results, nil
}
