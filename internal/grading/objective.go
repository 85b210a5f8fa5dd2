package grading

import (
	"context"
	"fmt"

	"github.com/pavelanni/autograder/internal/model"
)

// Reason codes attached to objective results.
const (
	ReasonCorrect = "correct"
	ReasonWrong   = "wrong"
)

// ObjectiveGrader scores choice and true/false answers by exact match after normalization.
type ObjectiveGrader struct{}

// Grade awards the full question score when the normalized answers match.
func (ObjectiveGrader) Grade(_ context.Context, q model.QuestionRef, raw string) (model.GradingResult, error) {
	if !q.Type.Objective() {
		return model.GradingResult{}, fmt.Errorf("objective grader: %w: %s", ErrUnsupportedType, q.Type)
	}
	want := Normalize(q.Type, q.StandardAnswer)
	got := Normalize(q.Type, raw)
	if want != "" && got == want {
		return model.GradingResult{
			Score:       q.MaxScore,
			Correctness: model.CorrectnessCorrect,
			ReasonCode:  ReasonCorrect,
			Source:      model.SourceObjective,
		}, nil
	}
	return model.GradingResult{
		Score:       0,
		Correctness: model.CorrectnessIncorrect,
		ReasonCode:  ReasonWrong,
		Source:      model.SourceObjective,
	}, nil
}
