package grading

import (
	"context"
	"errors"

	"github.com/pavelanni/autograder/internal/model"
)

// ErrUnsupportedType is returned when a grader is handed a question type it does not score.
var ErrUnsupportedType = errors.New("unsupported question type")

// Grader scores one answer against one question.
type Grader interface {
	Grade(ctx context.Context, q model.QuestionRef, raw string) (model.GradingResult, error)
}

// Judge is the AI dependency used for free-text answers and session summaries.
// Implementations never fail; they degrade to fixed fallback texts instead.
type Judge interface {
	GradeText(ctx context.Context, q model.QuestionRef, raw string, maxScore int) model.GradingResult
	Summarize(ctx context.Context, total, max, questionCount, correctCount int) string
}
