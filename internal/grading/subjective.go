package grading

import (
	"context"
	"fmt"

	"github.com/pavelanni/autograder/internal/model"
)

// SubjectiveGrader scores free-text answers through the AI judge.
type SubjectiveGrader struct {
	Judge Judge
}

// Grade asks the judge for a score out of the question maximum and derives correctness from it.
func (g SubjectiveGrader) Grade(ctx context.Context, q model.QuestionRef, raw string) (model.GradingResult, error) {
	if q.Type != model.QuestionText {
		return model.GradingResult{}, fmt.Errorf("subjective grader: %w: %s", ErrUnsupportedType, q.Type)
	}
	res := g.Judge.GradeText(ctx, q, raw, q.MaxScore)
	res.Correctness = correctnessFor(res.Score, q.MaxScore)
	return res, nil
}

func correctnessFor(score, max int) model.Correctness {
	switch {
	case max > 0 && score == max:
		return model.CorrectnessCorrect
	case score > 0 && score < max:
		return model.CorrectnessPartial
	default:
		return model.CorrectnessIncorrect
	}
}
