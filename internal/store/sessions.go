package store

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pavelanni/autograder/internal/model"
)

const sessionColumns = `id, paper_id, student_name, status, score, summary_text, start_time, end_time, tamper_signal_count`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanSession(r rowScanner) (model.ExamSession, error) {
	var sess model.ExamSession
	err := r.Scan(&sess.ID, &sess.PaperID, &sess.StudentName, &sess.Status, &sess.Score,
		&sess.SummaryText, &sess.StartTime, &sess.EndTime, &sess.TamperSignalCount)
	return sess, err
}

func findActiveSession(ctx context.Context, q queryRower, paperID int64, studentName string) (model.ExamSession, error) {
	return scanSession(q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE paper_id = ? AND student_name = ? AND status = 'in_progress'
		 ORDER BY id DESC LIMIT 1`, paperID, studentName))
}

// StartSession returns the in-progress session for the paper and student,
// creating it when none exists. The boolean reports whether a row was created.
func (s *Store) StartSession(ctx context.Context, paperID int64, studentName string, now time.Time) (model.ExamSession, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ExamSession{}, false, err
	}
	defer tx.Rollback()

	sess, err := findActiveSession(ctx, tx, paperID, studentName)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.ExamSession{}, false, fmt.Errorf("find active session: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO exam_sessions (paper_id, student_name, status, score, start_time, tamper_signal_count)
		 VALUES (?, ?, ?, 0, ?, 0)`,
		paperID, studentName, model.StatusInProgress, now)
	if isUniqueViolation(err) {
		// Lost the race against a concurrent start; return the winner.
		tx.Rollback()
		sess, err := findActiveSession(ctx, s.db, paperID, studentName)
		return sess, false, err
	}
	if err != nil {
		return model.ExamSession{}, false, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.ExamSession{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.ExamSession{}, false, err
	}
	return model.ExamSession{
		ID:          id,
		PaperID:     paperID,
		StudentName: studentName,
		Status:      model.StatusInProgress,
		StartTime:   now,
	}, true, nil
}

// GetSession returns a session by ID.
func (s *Store) GetSession(ctx context.Context, id int64) (model.ExamSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return sess, &model.NotFoundError{Resource: "session", ID: id}
	}
	return sess, err
}

// SubmitAnswers stores the answers and moves the session from in_progress to completed.
// It returns ErrConflict if the session is no longer in progress.
func (s *Store) SubmitAnswers(ctx context.Context, sessionID int64, answers []model.SubmittedAnswer, endTime time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE exam_sessions SET status = ?, end_time = ? WHERE id = ? AND status = ?`,
		model.StatusCompleted, endTime, sessionID, model.StatusInProgress)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrConflict
	}

	for _, a := range answers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO answer_entries (session_id, question_id, raw_answer_text) VALUES (?, ?, ?)`,
			sessionID, a.QuestionID, a.RawAnswerText); err != nil {
			return fmt.Errorf("insert answer for question %d: %w", a.QuestionID, err)
		}
	}
	return tx.Commit()
}

// ListAnswers returns the answer entries of a session in insertion order.
func (s *Store) ListAnswers(ctx context.Context, sessionID int64) ([]model.AnswerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, question_id, raw_answer_text, score, correctness, judge_feedback
		 FROM answer_entries WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.AnswerEntry
	for rows.Next() {
		var e model.AnswerEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.QuestionID, &e.RawAnswerText,
			&e.Score, &e.Correctness, &e.JudgeFeedback); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveGrading writes per-entry results and moves the session from completed to graded
// in one transaction. Entries without a score are left untouched.
// It returns ErrConflict if the session is not completed.
func (s *Store) SaveGrading(ctx context.Context, sessionID int64, entries []model.AnswerEntry, score int, summary *string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE exam_sessions SET status = ?, score = ?, summary_text = ? WHERE id = ? AND status = ?`,
		model.StatusGraded, score, summary, sessionID, model.StatusCompleted)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrConflict
	}

	for _, e := range entries {
		if e.Score == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE answer_entries SET score = ?, correctness = ?, judge_feedback = ?
			 WHERE id = ? AND session_id = ?`,
			e.Score, e.Correctness, e.JudgeFeedback, e.ID, sessionID); err != nil {
			return fmt.Errorf("update answer %d: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// IncrementTamperSignal bumps the window-switch counter of an in-progress session
// and returns the new value. It returns ErrConflict if the session is not in progress.
func (s *Store) IncrementTamperSignal(ctx context.Context, sessionID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE exam_sessions SET tamper_signal_count = tamper_signal_count + 1
		 WHERE id = ? AND status = ? RETURNING tamper_signal_count`,
		sessionID, model.StatusInProgress).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrConflict
	}
	return count, err
}

// ListSessions returns sessions matching the filter, newest first.
func (s *Store) ListSessions(ctx context.Context, f model.SessionFilter) ([]model.ExamSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM exam_sessions WHERE 1=1`
	var args []any
	if f.PaperID != 0 {
		query += ` AND paper_id = ?`
		args = append(args, f.PaperID)
	}
	if f.StudentName != "" {
		query += ` AND student_name = ?`
		args = append(args, f.StudentName)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.ExamSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Ranking returns graded sessions of a paper ordered by score, then by time taken.
// A limit of zero or less returns all of them.
func (s *Store) Ranking(ctx context.Context, paperID int64, limit int) ([]model.RankingEntry, error) {
	sessions, err := s.ListSessions(ctx, model.SessionFilter{PaperID: paperID, Status: model.StatusGraded})
	if err != nil {
		return nil, err
	}
	entries := make([]model.RankingEntry, 0, len(sessions))
	for _, sess := range sessions {
		var d time.Duration
		if sess.EndTime != nil {
			d = sess.EndTime.Sub(sess.StartTime)
		}
		entries = append(entries, model.RankingEntry{
			SessionID:   sess.ID,
			StudentName: sess.StudentName,
			Score:       sess.Score,
			Duration:    d,
		})
	}
	slices.SortStableFunc(entries, func(a, b model.RankingEntry) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Duration, b.Duration); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}
