package llm

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/autograder/internal/model"
)

func TestParseStructured(t *testing.T) {
	tests := []struct {
		name         string
		reply        string
		max          int
		wantScore    int
		wantFeedback string
		wantReason   string
	}{
		{"plain object", `{"score": 8, "feedback": "Good", "reason": "mostly complete"}`, 10, 8, "Good", "mostly complete"},
		{"json fence", "```json\n{\"score\": 6, \"feedback\": \"ok\", \"reason\": \"partial\"}\n```", 10, 6, "ok", "partial"},
		{"bare fence", "```\n{\"score\": 3}\n```", 10, 3, "", ""},
		{"surrounded by prose", "Here you go: {\"score\": 4, \"feedback\": \"fine\"} Thanks!", 10, 4, "fine", ""},
		{"float truncated", `{"score": 7.9}`, 10, 7, "", ""},
		{"numeric string", `{"score": " 5 "}`, 10, 5, "", ""},
		{"above max clamped", `{"score": 15, "feedback": "great"}`, 10, 10, "great", ""},
		{"negative clamped", `{"score": -3}`, 10, 0, "", ""},
		{"missing score", `{"feedback": "no score given"}`, 10, 0, "no score given", ""},
		{"null score", `{"score": null}`, 10, 0, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseStructured(tt.reply, tt.max)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, res.Score)
			assert.Equal(t, tt.wantFeedback, res.Feedback)
			assert.Equal(t, tt.wantReason, res.ReasonCode)
			assert.Equal(t, model.SourceStructured, res.Source)
		})
	}
}

func TestParseStructuredErrors(t *testing.T) {
	for _, reply := range []string{
		"",
		"The student deserves 7 points.",
		`{"score": "seven"}`,
		`{"score": 5, "feedback": ["not", "a", "string"]}`,
		`{"score": 5`,
	} {
		_, err := ParseStructured(reply, 10)
		var pe *ParseError
		if assert.Error(t, err, "reply %q", reply) {
			assert.True(t, errors.As(err, &pe), "reply %q: want ParseError, got %T", reply, err)
		}
	}
}

func TestParseHeuristic(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		max   int
		want  int
		ok    bool
	}{
		{"points after", "I would give this answer 7 points.", 10, 7, true},
		{"pts", "Result: 4 pts", 5, 4, true},
		{"chinese marker", "该答案得8分，理由如下", 10, 8, true},
		{"score label", "Score: 6/10\nThe answer misses buffering.", 10, 6, true},
		{"chinese label", "得分：9", 10, 9, true},
		{"first in range wins", "Originally 15 points, revised to 8 points", 10, 8, true},
		{"later line", "Feedback first.\nOverall 3 points.", 5, 3, true},
		{"zero is in range", "0 points, the answer is wrong", 10, 0, true},
		{"out of range only", "I give it 50 points", 10, 0, false},
		{"no marker", "The answer mentions 3 goroutines.", 10, 0, false},
		{"empty", "", 10, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := ParseHeuristic(tt.reply, tt.max, "heuristic")
			assert.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.want, res.Score)
			assert.Equal(t, "heuristic", res.ReasonCode)
			assert.Equal(t, model.SourceHeuristic, res.Source)
		})
	}
}

func TestParseHeuristicTruncatesFeedback(t *testing.T) {
	reply := "7 points. " + strings.Repeat("Detailed explanation. ", 20)
	res, ok := ParseHeuristic(reply, 10, "heuristic")
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(res.Feedback, "..."))
	assert.Equal(t, 103, len([]rune(res.Feedback)))

	short := "Score: 2"
	res, ok = ParseHeuristic(short, 10, "heuristic")
	require.True(t, ok)
	assert.Equal(t, short, res.Feedback)
}
