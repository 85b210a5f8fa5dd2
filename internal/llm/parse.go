package llm

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pavelanni/autograder/internal/model"
)

const heuristicFeedbackRunes = 100

var (
	fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	// Number followed by a points marker, e.g. "8分", "8 points", "8 pts".
	pointsAfter = regexp.MustCompile(`(\d+)\s*(?:分|(?i:points?|pts?)\b)`)
	// Score label followed by a number, e.g. "Score: 8", "得分：8".
	pointsBefore = regexp.MustCompile(`(?:(?i:score)|得分|评分)\s*[:：=]?\s*(\d+)`)
)

// ParseError means a reply did not have the expected structured form.
type ParseError struct {
	Stage string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s reply: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type judgeReply struct {
	Score    json.RawMessage `json:"score"`
	Feedback string          `json:"feedback"`
	Reason   string          `json:"reason"`
}

// ParseStructured decodes a {score, feedback, reason} object from reply.
// The object may be wrapped in a markdown code fence or surrounded by prose.
// The score is clamped to [0, maxScore]; a missing score counts as 0.
func ParseStructured(reply string, maxScore int) (model.GradingResult, error) {
	raw := extractJSON(reply)
	if raw == "" {
		return model.GradingResult{}, &ParseError{Stage: "structured", Err: fmt.Errorf("no JSON object in reply")}
	}
	var r judgeReply
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return model.GradingResult{}, &ParseError{Stage: "structured", Err: err}
	}
	score, err := decodeScore(r.Score)
	if err != nil {
		return model.GradingResult{}, &ParseError{Stage: "structured", Err: err}
	}
	return model.GradingResult{
		Score:      clamp(score, 0, maxScore),
		Feedback:   strings.TrimSpace(r.Feedback),
		ReasonCode: strings.TrimSpace(r.Reason),
		Source:     model.SourceStructured,
	}, nil
}

// ParseHeuristic scans reply line by line for a number next to a points marker
// and takes the first one within [0, maxScore]. The feedback is a prefix of the reply.
func ParseHeuristic(reply string, maxScore int, reason string) (model.GradingResult, bool) {
	for _, line := range strings.Split(reply, "\n") {
		for _, n := range pointCandidates(line) {
			if n >= 0 && n <= maxScore {
				return model.GradingResult{
					Score:      n,
					Feedback:   truncateRunes(strings.TrimSpace(reply), heuristicFeedbackRunes),
					ReasonCode: reason,
					Source:     model.SourceHeuristic,
				}, true
			}
		}
	}
	return model.GradingResult{}, false
}

// Unscored is the result for a reply that was received but carries no score:
// 0 points, with the start of the reply kept as feedback for manual review.
func Unscored(reply, reason string) model.GradingResult {
	return model.GradingResult{
		Score:      0,
		Feedback:   truncateRunes(strings.TrimSpace(reply), heuristicFeedbackRunes),
		ReasonCode: reason,
		Source:     model.SourceHeuristic,
	}
}

// pointCandidates returns the numbers of every points match in line, in position order.
func pointCandidates(line string) []int {
	type hit struct{ pos, n int }
	var hits []hit
	for _, re := range []*regexp.Regexp{pointsAfter, pointsBefore} {
		for _, m := range re.FindAllStringSubmatchIndex(line, -1) {
			n, err := strconv.Atoi(line[m[2]:m[3]])
			if err != nil {
				continue
			}
			hits = append(hits, hit{pos: m[2], n: n})
		}
	}
	slices.SortStableFunc(hits, func(a, b hit) int { return cmp.Compare(a.pos, b.pos) })
	out := make([]int, len(hits))
	for i, h := range hits {
		out[i] = h.n
	}
	return out
}

func extractJSON(reply string) string {
	if m := fencedJSON.FindStringSubmatch(reply); m != nil {
		return m[1]
	}
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return ""
	}
	return reply[start : end+1]
}

func decodeScore(raw json.RawMessage) (int, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("score %s is not a number", raw)
	}
	return int(f), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
