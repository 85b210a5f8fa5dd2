// Package grading scores answer entries and aggregates them into a session result.
package grading

import (
	"strings"

	"github.com/pavelanni/autograder/internal/model"
)

var judgeSynonyms = map[string]string{
	"T":     "TRUE",
	"TRUE":  "TRUE",
	"正确":    "TRUE",
	"F":     "FALSE",
	"FALSE": "FALSE",
	"错误":    "FALSE",
}

// Normalize maps a raw answer to the canonical form compared against the standard answer.
// Choice answers are only trimmed, so comparison stays case-sensitive.
// Judge answers are trimmed, upper-cased and mapped onto TRUE or FALSE when recognized.
// Text answers are returned unchanged.
func Normalize(t model.QuestionType, raw string) string {
	switch t {
	case model.QuestionChoice:
		return strings.TrimSpace(raw)
	case model.QuestionJudge:
		s := strings.ToUpper(strings.TrimSpace(raw))
		if canon, ok := judgeSynonyms[s]; ok {
			return canon
		}
		return s
	default:
		return raw
	}
}
