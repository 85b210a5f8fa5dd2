package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/autograder/internal/events"
	"github.com/pavelanni/autograder/internal/lock"
	"github.com/pavelanni/autograder/internal/metrics"
	"github.com/pavelanni/autograder/internal/model"
)

// Repository is the persistence the pipeline needs.
type Repository interface {
	GetSession(ctx context.Context, id int64) (model.ExamSession, error)
	ListAnswers(ctx context.Context, sessionID int64) ([]model.AnswerEntry, error)
	SaveGrading(ctx context.Context, sessionID int64, entries []model.AnswerEntry, score int, summary *string) error
}

// PaperSource resolves a paper and its questions.
type PaperSource interface {
	GetPaperWithQuestions(ctx context.Context, paperID int64) (model.Paper, error)
}

// Pipeline grades a completed session and moves it to graded.
type Pipeline struct {
	repo       Repository
	papers     PaperSource
	judge      Judge
	objective  Grader
	subjective Grader

	locker      lock.Locker
	publisher   events.Publisher
	metrics     *metrics.Collector
	logger      *slog.Logger
	text        model.FeedbackText
	concurrency int
	now         func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLocker sets the per-session lock. The default serializes within this process.
func WithLocker(l lock.Locker) Option { return func(p *Pipeline) { p.locker = l } }

// WithPublisher sets where graded-session events go.
func WithPublisher(pub events.Publisher) Option { return func(p *Pipeline) { p.publisher = pub } }

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option { return func(p *Pipeline) { p.metrics = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithFeedbackText sets the fixed texts used for internal grading errors and the summary template.
func WithFeedbackText(t model.FeedbackText) Option { return func(p *Pipeline) { p.text = t } }

// WithConcurrency bounds how many entries are graded at once.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithGraders replaces the default objective and subjective graders.
func WithGraders(objective, subjective Grader) Option {
	return func(p *Pipeline) {
		p.objective = objective
		p.subjective = subjective
	}
}

// NewPipeline creates a new grading pipeline.
func NewPipeline(repo Repository, papers PaperSource, judge Judge, opts ...Option) *Pipeline {
	p := &Pipeline{
		repo:        repo,
		papers:      papers,
		judge:       judge,
		objective:   ObjectiveGrader{},
		subjective:  SubjectiveGrader{Judge: judge},
		locker:      lock.NewLocal(),
		publisher:   events.Nop{},
		logger:      slog.Default(),
		concurrency: 4,
		now:         time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.text = p.text.WithDefaults()
	return p
}

// Grade scores every answer of a completed session, writes the total and summary,
// and marks the session graded. Answers whose question is no longer in the paper
// are skipped and left ungraded.
func (p *Pipeline) Grade(ctx context.Context, sessionID int64) (model.ExamSession, error) {
	unlock, err := p.locker.Lock(ctx, lock.SessionKey(sessionID))
	if err != nil {
		return model.ExamSession{}, fmt.Errorf("lock session %d: %w", sessionID, err)
	}
	defer unlock()

	runID := uuid.NewString()
	log := p.logger.With("run_id", runID, "session_id", sessionID)

	sess, err := p.repo.GetSession(ctx, sessionID)
	if err != nil {
		return model.ExamSession{}, err
	}
	switch sess.Status {
	case model.StatusCompleted:
	case model.StatusGraded:
		return sess, &model.InvalidStateError{SessionID: sessionID, Op: "grade", Status: sess.Status, Reason: "already graded"}
	default:
		return sess, &model.InvalidStateError{SessionID: sessionID, Op: "grade", Status: sess.Status, Reason: "not yet submitted"}
	}

	paper, err := p.papers.GetPaperWithQuestions(ctx, sess.PaperID)
	if err != nil {
		p.metrics.SessionGraded("error")
		return sess, fmt.Errorf("load paper %d: %w", sess.PaperID, err)
	}
	entries, err := p.repo.ListAnswers(ctx, sessionID)
	if err != nil {
		p.metrics.SessionGraded("error")
		return sess, fmt.Errorf("load answers: %w", err)
	}

	start := p.now()
	maxScore := paper.MaxScore()
	log.Info("grading session", "paper_id", paper.ID, "entries", len(entries))

	var total, correct int
	var summary string
	if len(entries) == 0 {
		summary = p.text.Summary(0, maxScore)
	} else {
		results := p.gradeEntries(ctx, log, sess, paper, entries)
		for i, r := range results {
			if r == nil {
				continue
			}
			score := r.Score
			c := r.Correctness
			entries[i].Score = &score
			entries[i].Correctness = &c
			if r.Feedback != "" {
				fb := r.Feedback
				entries[i].JudgeFeedback = &fb
			}
			total += r.Score
			if r.Correctness == model.CorrectnessCorrect {
				correct++
			}
			if q, ok := paper.Question(entries[i].QuestionID); ok {
				p.metrics.EntryGraded(string(q.Type), string(r.Correctness))
			}
		}
		summary = p.judge.Summarize(ctx, total, maxScore, len(entries), correct)
	}

	if err := p.repo.SaveGrading(ctx, sessionID, entries, total, &summary); err != nil {
		p.metrics.SessionGraded("error")
		if errors.Is(err, model.ErrConflict) {
			return sess, &model.InvalidStateError{SessionID: sessionID, Op: "grade", Status: sess.Status, Reason: "status changed during grading"}
		}
		return sess, fmt.Errorf("save grading: %w", err)
	}
	p.metrics.SessionGraded("graded")

	sess.Status = model.StatusGraded
	sess.Score = total
	sess.SummaryText = &summary
	log.Info("session graded", "score", total, "max_score", maxScore, "correct", correct,
		"duration", p.now().Sub(start))

	ev := events.SessionGraded{
		RunID:        runID,
		SessionID:    sess.ID,
		PaperID:      sess.PaperID,
		StudentName:  sess.StudentName,
		Score:        total,
		MaxScore:     maxScore,
		CorrectCount: correct,
		EntryCount:   len(entries),
		GradedAt:     p.now(),
	}
	if err := p.publisher.PublishSessionGraded(ctx, ev); err != nil {
		log.Warn("publish graded event", "error", err)
	}
	return sess, nil
}

// gradeEntries fans out over the entries and returns one result per entry index.
// A nil slot means the entry was skipped.
func (p *Pipeline) gradeEntries(ctx context.Context, log *slog.Logger, sess model.ExamSession, paper model.Paper, entries []model.AnswerEntry) []*model.GradingResult {
	results := make([]*model.GradingResult, len(entries))
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, e := range entries {
		q, ok := paper.Question(e.QuestionID)
		if !ok {
			log.Warn("skip answer", "answer_id", e.ID,
				"error", &model.DataIntegrityError{SessionID: sess.ID, QuestionID: e.QuestionID, PaperID: paper.ID})
			continue
		}
		g.Go(func() error {
			r := p.gradeEntry(ctx, log, q, e)
			results[i] = &r
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pipeline) gradeEntry(ctx context.Context, log *slog.Logger, q model.QuestionRef, e model.AnswerEntry) (res model.GradingResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("grader panic", "answer_id", e.ID, "question_id", q.ID, "panic", r)
			res = p.internalError()
		}
	}()

	g := p.subjective
	if q.Type.Objective() {
		g = p.objective
	}
	var err error
	res, err = g.Grade(ctx, q, e.RawAnswerText)
	if err != nil {
		log.Error("grade answer", "answer_id", e.ID, "question_id", q.ID, "error", err)
		return p.internalError()
	}
	return res
}

func (p *Pipeline) internalError() model.GradingResult {
	return model.GradingResult{
		Score:       0,
		Correctness: model.CorrectnessIncorrect,
		Feedback:    p.text.InternalError,
		ReasonCode:  "internal error",
		Source:      model.SourceError,
	}
}
