package grading

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pavelanni/autograder/internal/model"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		typ  model.QuestionType
		raw  string
		want string
	}{
		{"judge t", model.QuestionJudge, "t", "TRUE"},
		{"judge True padded", model.QuestionJudge, " True ", "TRUE"},
		{"judge chinese true", model.QuestionJudge, "正确", "TRUE"},
		{"judge f", model.QuestionJudge, "f", "FALSE"},
		{"judge false", model.QuestionJudge, "false", "FALSE"},
		{"judge chinese false", model.QuestionJudge, " 错误 ", "FALSE"},
		{"judge unknown passes through", model.QuestionJudge, "maybe", "MAYBE"},
		{"judge empty", model.QuestionJudge, "   ", ""},
		{"choice trimmed", model.QuestionChoice, " B ", "B"},
		{"choice case kept", model.QuestionChoice, "b", "b"},
		{"choice multi", model.QuestionChoice, "\tAC\n", "AC"},
		{"text unchanged", model.QuestionText, "  free text  ", "  free text  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.typ, tt.raw))
		})
	}
}
