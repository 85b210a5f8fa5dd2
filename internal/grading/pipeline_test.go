package grading

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/autograder/internal/events"
	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/metrics"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/store"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.SessionGraded
}

func (r *recordingPublisher) PublishSessionGraded(_ context.Context, ev events.SessionGraded) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type fixture struct {
	store *store.Store
	paper model.Paper
}

// newFixture stores a paper with a 5-point choice question (answer B) and a
// 10-point text question.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	id, err := s.InsertPaper(ctx, model.PaperImport{
		Name:       "Concurrency",
		TotalScore: 15,
		Questions: []model.QuestionImport{
			{Type: model.QuestionChoice, Title: "Which keyword starts a goroutine?", StandardAnswer: "B", Score: 5},
			{Type: model.QuestionText, Title: "Explain channels.", StandardAnswer: "Typed conduits between goroutines.", Score: 10},
		},
	})
	require.NoError(t, err)
	paper, err := s.GetPaperWithQuestions(ctx, id)
	require.NoError(t, err)
	return &fixture{store: s, paper: paper}
}

func (f *fixture) submitted(t *testing.T, student string, answers ...model.SubmittedAnswer) int64 {
	t.Helper()
	ctx := context.Background()
	sess, _, err := f.store.StartSession(ctx, f.paper.ID, student, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.SubmitAnswers(ctx, sess.ID, answers, time.Now()))
	return sess.ID
}

func (f *fixture) answer(i int, raw string) model.SubmittedAnswer {
	return model.SubmittedAnswer{QuestionID: f.paper.Questions[i].ID, RawAnswerText: raw}
}

func TestPipelineGradesMixedSession(t *testing.T) {
	f := newFixture(t)
	judge := fixedScore(8)
	pub := &recordingPublisher{}
	reg := prometheus.NewRegistry()
	p := NewPipeline(f.store, f.store, judge,
		WithPublisher(pub), WithMetrics(metrics.New(reg)), WithLogger(quietLogger))

	id := f.submitted(t, "alice", f.answer(0, " B "), f.answer(1, "pipes between goroutines"))
	sess, err := p.Grade(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, model.StatusGraded, sess.Status)
	assert.Equal(t, 13, sess.Score)
	require.NotNil(t, sess.SummaryText)
	assert.Equal(t, "summary from judge", *sess.SummaryText)
	assert.Equal(t, []summaryCall{{total: 13, max: 15, questionCount: 2, correctCount: 1}}, judge.summaries)

	stored, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGraded, stored.Status)
	assert.Equal(t, 13, stored.Score)

	entries, err := f.store.ListAnswers(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 5, *entries[0].Score)
	assert.Equal(t, model.CorrectnessCorrect, *entries[0].Correctness)
	assert.Nil(t, entries[0].JudgeFeedback)
	assert.Equal(t, 8, *entries[1].Score)
	assert.Equal(t, model.CorrectnessPartial, *entries[1].Correctness)
	assert.Equal(t, "judged", *entries[1].JudgeFeedback)

	require.Len(t, pub.events, 1)
	assert.Equal(t, id, pub.events[0].SessionID)
	assert.Equal(t, 13, pub.events[0].Score)
	assert.NotEmpty(t, pub.events[0].RunID)

	n, err := testutil.GatherAndCount(reg, "autograder_entries_graded_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPipelineJudgeTimeoutStillGrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	judge := llm.New(llm.Config{
		BaseURL:     srv.URL + "/v1",
		APIKey:      "test",
		Model:       "test-model",
		CallTimeout: 20 * time.Millisecond,
		MaxAttempts: 2,
		Backoff:     []time.Duration{time.Millisecond},
		Logger:      quietLogger,
	})

	f := newFixture(t)
	p := NewPipeline(f.store, f.store, judge, WithLogger(quietLogger))
	id := f.submitted(t, "bob", f.answer(0, "B"), f.answer(1, "pipes"))

	sess, err := p.Grade(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGraded, sess.Status)
	assert.Equal(t, 5, sess.Score)
	assert.Equal(t, "Score 5/15 (33.3%). Keep practicing to improve.", *sess.SummaryText)

	entries, err := f.store.ListAnswers(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0, *entries[1].Score)
	assert.Equal(t, model.CorrectnessIncorrect, *entries[1].Correctness)
	assert.Equal(t, "judging service unavailable, manual review required", *entries[1].JudgeFeedback)
}

func TestPipelineStatePreconditions(t *testing.T) {
	f := newFixture(t)
	p := NewPipeline(f.store, f.store, fixedScore(10), WithLogger(quietLogger))
	ctx := context.Background()

	_, err := p.Grade(ctx, 999)
	assert.ErrorIs(t, err, model.ErrNotFound)

	inProgress, _, err := f.store.StartSession(ctx, f.paper.ID, "carol", time.Now())
	require.NoError(t, err)
	_, err = p.Grade(ctx, inProgress.ID)
	var ise *model.InvalidStateError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, "not yet submitted", ise.Reason)

	id := f.submitted(t, "dave", f.answer(0, "B"))
	_, err = p.Grade(ctx, id)
	require.NoError(t, err)
	_, err = p.Grade(ctx, id)
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, "already graded", ise.Reason)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestPipelineSkipsQuestionsMissingFromPaper(t *testing.T) {
	f := newFixture(t)
	judge := fixedScore(10)
	p := NewPipeline(f.store, f.store, judge, WithLogger(quietLogger))

	id := f.submitted(t, "erin",
		f.answer(0, "B"),
		model.SubmittedAnswer{QuestionID: 424242, RawAnswerText: "orphan"},
	)
	sess, err := p.Grade(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 5, sess.Score)
	// The summary counts every entry, graded or not.
	assert.Equal(t, []summaryCall{{total: 5, max: 15, questionCount: 2, correctCount: 1}}, judge.summaries)

	entries, _ := f.store.ListAnswers(context.Background(), id)
	assert.True(t, entries[0].Graded())
	assert.False(t, entries[1].Graded())
}

type panicGrader struct{}

func (panicGrader) Grade(context.Context, model.QuestionRef, string) (model.GradingResult, error) {
	panic("boom")
}

type failingGrader struct{}

func (failingGrader) Grade(context.Context, model.QuestionRef, string) (model.GradingResult, error) {
	return model.GradingResult{}, errors.New("judge exploded")
}

func TestPipelineIsolatesGraderFailures(t *testing.T) {
	for name, g := range map[string]Grader{"panic": panicGrader{}, "error": failingGrader{}} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			p := NewPipeline(f.store, f.store, fixedScore(0),
				WithGraders(ObjectiveGrader{}, g), WithLogger(quietLogger))
			id := f.submitted(t, "frank", f.answer(0, "B"), f.answer(1, "text"))

			sess, err := p.Grade(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, model.StatusGraded, sess.Status)
			assert.Equal(t, 5, sess.Score)

			entries, _ := f.store.ListAnswers(context.Background(), id)
			assert.Equal(t, 0, *entries[1].Score)
			assert.Equal(t, model.CorrectnessIncorrect, *entries[1].Correctness)
			assert.Equal(t, "internal grading error", *entries[1].JudgeFeedback)
		})
	}
}

func TestPipelineEmptySubmission(t *testing.T) {
	f := newFixture(t)
	judge := fixedScore(10)
	p := NewPipeline(f.store, f.store, judge, WithLogger(quietLogger))
	id := f.submitted(t, "gina")

	sess, err := p.Grade(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGraded, sess.Status)
	assert.Equal(t, 0, sess.Score)
	assert.Equal(t, "Score 0/15 (0.0%). Keep practicing to improve.", *sess.SummaryText)
	assert.Empty(t, judge.summaries)
}

func TestPipelineBoundsConcurrency(t *testing.T) {
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	var qs []model.QuestionImport
	for i := 0; i < 6; i++ {
		qs = append(qs, model.QuestionImport{Type: model.QuestionText, Title: "Q", Score: 2})
	}
	paperID, err := s.InsertPaper(ctx, model.PaperImport{Name: "text only", Questions: qs})
	require.NoError(t, err)
	paper, _ := s.GetPaperWithQuestions(ctx, paperID)

	var inFlight, peak atomic.Int32
	judge := &fakeJudge{grade: func(model.QuestionRef, string, int) model.GradingResult {
		n := inFlight.Add(1)
		for {
			m := peak.Load()
			if n <= m || peak.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return model.GradingResult{Score: 2}
	}}

	sess, _, err := s.StartSession(ctx, paperID, "hank", time.Now())
	require.NoError(t, err)
	var answers []model.SubmittedAnswer
	for _, q := range paper.Questions {
		answers = append(answers, model.SubmittedAnswer{QuestionID: q.ID, RawAnswerText: "a"})
	}
	require.NoError(t, s.SubmitAnswers(ctx, sess.ID, answers, time.Now()))

	p := NewPipeline(s, s, judge, WithConcurrency(2), WithLogger(quietLogger))
	graded, err := p.Grade(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, graded.Score)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, []summaryCall{{total: 12, max: 12, questionCount: 6, correctCount: 6}}, judge.summaries)
}
