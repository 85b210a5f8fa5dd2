package grading

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/autograder/internal/model"
)

type summaryCall struct {
	total, max, questionCount, correctCount int
}

// fakeJudge scores text answers with a callback and records summary requests.
type fakeJudge struct {
	mu        sync.Mutex
	grade     func(q model.QuestionRef, raw string, max int) model.GradingResult
	summaries []summaryCall
}

func (f *fakeJudge) GradeText(_ context.Context, q model.QuestionRef, raw string, max int) model.GradingResult {
	return f.grade(q, raw, max)
}

func (f *fakeJudge) Summarize(_ context.Context, total, max, questionCount, correctCount int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, summaryCall{total, max, questionCount, correctCount})
	return "summary from judge"
}

func fixedScore(score int) *fakeJudge {
	return &fakeJudge{grade: func(model.QuestionRef, string, int) model.GradingResult {
		return model.GradingResult{Score: score, Feedback: "judged", ReasonCode: "ok", Source: model.SourceStructured}
	}}
}

func TestSubjectiveGraderCorrectness(t *testing.T) {
	q := model.QuestionRef{ID: 1, Type: model.QuestionText, MaxScore: 10}
	tests := []struct {
		score int
		want  model.Correctness
	}{
		{10, model.CorrectnessCorrect},
		{9, model.CorrectnessPartial},
		{1, model.CorrectnessPartial},
		{0, model.CorrectnessIncorrect},
	}
	for _, tt := range tests {
		res, err := SubjectiveGrader{Judge: fixedScore(tt.score)}.Grade(context.Background(), q, "answer")
		require.NoError(t, err)
		assert.Equal(t, tt.score, res.Score)
		assert.Equal(t, tt.want, res.Correctness, "score %d", tt.score)
		assert.Equal(t, "judged", res.Feedback)
	}
}

func TestSubjectiveGraderPassesMaxScore(t *testing.T) {
	var gotMax int
	j := &fakeJudge{grade: func(_ model.QuestionRef, _ string, max int) model.GradingResult {
		gotMax = max
		return model.GradingResult{}
	}}
	_, err := SubjectiveGrader{Judge: j}.Grade(context.Background(), model.QuestionRef{Type: model.QuestionText, MaxScore: 7}, "")
	require.NoError(t, err)
	assert.Equal(t, 7, gotMax)
}

func TestSubjectiveGraderRejectsObjective(t *testing.T) {
	_, err := SubjectiveGrader{Judge: fixedScore(1)}.Grade(context.Background(), model.QuestionRef{Type: model.QuestionChoice}, "A")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}
