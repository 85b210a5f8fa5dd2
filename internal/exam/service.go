// Package exam drives the exam session lifecycle: start, submit, grade, and the
// read-side queries over sessions.
package exam

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/pavelanni/autograder/internal/lock"
	"github.com/pavelanni/autograder/internal/model"
)

// Repository is the session persistence used by the Service.
type Repository interface {
	StartSession(ctx context.Context, paperID int64, studentName string, now time.Time) (model.ExamSession, bool, error)
	GetSession(ctx context.Context, id int64) (model.ExamSession, error)
	SubmitAnswers(ctx context.Context, sessionID int64, answers []model.SubmittedAnswer, endTime time.Time) error
	ListAnswers(ctx context.Context, sessionID int64) ([]model.AnswerEntry, error)
	IncrementTamperSignal(ctx context.Context, sessionID int64) (int, error)
	ListSessions(ctx context.Context, f model.SessionFilter) ([]model.ExamSession, error)
	Ranking(ctx context.Context, paperID int64, limit int) ([]model.RankingEntry, error)
}

// PaperSource resolves a paper and its questions.
type PaperSource interface {
	GetPaperWithQuestions(ctx context.Context, paperID int64) (model.Paper, error)
}

// Grader runs the grading pipeline for a completed session.
type Grader interface {
	Grade(ctx context.Context, sessionID int64) (model.ExamSession, error)
}

// Config tunes the Service.
type Config struct {
	// AutoGrade runs the grader right after a successful submit.
	AutoGrade bool
	// AutoGradeTimeout bounds the follow-up grading run; 0 means no bound.
	AutoGradeTimeout time.Duration
}

// Service is the exam session state machine.
type Service struct {
	repo   Repository
	papers PaperSource
	grader Grader
	locker lock.Locker
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires a Service. A nil locker serializes within this process only.
func NewService(repo Repository, papers PaperSource, grader Grader, locker lock.Locker, cfg Config, logger *slog.Logger) *Service {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		papers: papers,
		grader: grader,
		locker: locker,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start returns the student's in-progress session for the paper, creating one if needed.
func (s *Service) Start(ctx context.Context, paperID int64, studentName string) (model.ExamSession, error) {
	studentName = strings.TrimSpace(studentName)
	if studentName == "" {
		return model.ExamSession{}, &model.ValidationError{Field: "student_name", Message: "must not be empty"}
	}
	if _, err := s.papers.GetPaperWithQuestions(ctx, paperID); err != nil {
		return model.ExamSession{}, err
	}

	unlock, err := s.locker.Lock(ctx, lock.StartKey(paperID, studentName))
	if err != nil {
		return model.ExamSession{}, fmt.Errorf("lock start: %w", err)
	}
	defer unlock()

	sess, created, err := s.repo.StartSession(ctx, paperID, studentName, s.now())
	if err != nil {
		return model.ExamSession{}, fmt.Errorf("start session: %w", err)
	}
	if created {
		s.logger.Info("session started", "session_id", sess.ID, "paper_id", paperID, "student", studentName)
	} else {
		s.logger.Debug("session resumed", "session_id", sess.ID, "paper_id", paperID, "student", studentName)
	}
	return sess, nil
}

// Submit stores the answers, completes the session and, when enabled, grades it.
// Grading failures are logged and do not fail the submit; the session stays
// completed and can be graded again later.
func (s *Service) Submit(ctx context.Context, sessionID int64, answers []model.SubmittedAnswer) error {
	if err := s.submit(ctx, sessionID, answers); err != nil {
		return err
	}
	s.logger.Info("session submitted", "session_id", sessionID, "answers", len(answers))

	if !s.cfg.AutoGrade || s.grader == nil {
		return nil
	}
	gctx := context.WithoutCancel(ctx)
	if s.cfg.AutoGradeTimeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(gctx, s.cfg.AutoGradeTimeout)
		defer cancel()
	}
	if _, err := s.grader.Grade(gctx, sessionID); err != nil {
		s.logger.Error("auto-grade after submit", "session_id", sessionID, "error", err)
	}
	return nil
}

func (s *Service) submit(ctx context.Context, sessionID int64, answers []model.SubmittedAnswer) error {
	unlock, err := s.locker.Lock(ctx, lock.SessionKey(sessionID))
	if err != nil {
		return fmt.Errorf("lock session %d: %w", sessionID, err)
	}
	defer unlock()

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != model.StatusInProgress {
		return &model.InvalidStateError{SessionID: sessionID, Op: "submit", Status: sess.Status}
	}

	err = s.repo.SubmitAnswers(ctx, sessionID, answers, s.now())
	if errors.Is(err, model.ErrConflict) {
		return &model.InvalidStateError{SessionID: sessionID, Op: "submit", Status: sess.Status, Reason: "status changed concurrently"}
	}
	if err != nil {
		return fmt.Errorf("submit answers: %w", err)
	}
	return nil
}

// Grade runs the grading pipeline for a completed session.
func (s *Service) Grade(ctx context.Context, sessionID int64) (model.ExamSession, error) {
	if s.grader == nil {
		return model.ExamSession{}, errors.New("grading is not configured")
	}
	return s.grader.Grade(ctx, sessionID)
}

// RecordTamperSignal counts one window switch for an in-progress session.
func (s *Service) RecordTamperSignal(ctx context.Context, sessionID int64) (int, error) {
	n, err := s.repo.IncrementTamperSignal(ctx, sessionID)
	if errors.Is(err, model.ErrConflict) {
		sess, gerr := s.repo.GetSession(ctx, sessionID)
		if gerr != nil {
			return 0, gerr
		}
		return 0, &model.InvalidStateError{SessionID: sessionID, Op: "record tamper signal", Status: sess.Status}
	}
	if err != nil {
		return 0, fmt.Errorf("record tamper signal: %w", err)
	}
	return n, nil
}

// Detail returns a session with its paper and its answers in paper question order.
// Answers to questions no longer in the paper come last.
func (s *Service) Detail(ctx context.Context, sessionID int64) (model.SessionDetail, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return model.SessionDetail{}, err
	}
	paper, err := s.papers.GetPaperWithQuestions(ctx, sess.PaperID)
	if err != nil {
		return model.SessionDetail{}, fmt.Errorf("load paper %d: %w", sess.PaperID, err)
	}
	answers, err := s.repo.ListAnswers(ctx, sessionID)
	if err != nil {
		return model.SessionDetail{}, fmt.Errorf("load answers: %w", err)
	}
	return model.SessionDetail{
		Session: sess,
		Paper:   paper,
		Answers: orderByPaper(answers, paper),
	}, nil
}

func orderByPaper(answers []model.AnswerEntry, paper model.Paper) []model.AnswerEntry {
	pos := make(map[int64]int, len(paper.Questions))
	for i, q := range paper.Questions {
		pos[q.ID] = i
	}
	rank := func(a model.AnswerEntry) int {
		if p, ok := pos[a.QuestionID]; ok {
			return p
		}
		return len(paper.Questions)
	}
	out := make([]model.AnswerEntry, len(answers))
	copy(out, answers)
	slices.SortStableFunc(out, func(a, b model.AnswerEntry) int {
		return cmp.Compare(rank(a), rank(b))
	})
	return out
}

// Records lists sessions by paper, student or status.
func (s *Service) Records(ctx context.Context, f model.SessionFilter) ([]model.ExamSession, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, &model.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", f.Status)}
	}
	return s.repo.ListSessions(ctx, f)
}

// Ranking returns the graded leaderboard of a paper.
func (s *Service) Ranking(ctx context.Context, paperID int64, limit int) ([]model.RankingEntry, error) {
	if _, err := s.papers.GetPaperWithQuestions(ctx, paperID); err != nil {
		return nil, err
	}
	return s.repo.Ranking(ctx, paperID, limit)
}
