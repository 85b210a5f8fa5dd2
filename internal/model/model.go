package model

import (
	"fmt"
	"time"
)

// SessionStatus represents the lifecycle state of an exam session.
type SessionStatus string

const (
	StatusNotStarted SessionStatus = "not_started"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusGraded     SessionStatus = "graded"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted, StatusGraded:
		return true
	}
	return false
}

// Correctness is the per-answer verdict.
type Correctness string

const (
	CorrectnessIncorrect Correctness = "incorrect"
	CorrectnessCorrect   Correctness = "correct"
	CorrectnessPartial   Correctness = "partial"
)

// QuestionType distinguishes objectively graded questions from free text.
type QuestionType string

const (
	QuestionChoice QuestionType = "CHOICE"
	QuestionJudge  QuestionType = "JUDGE"
	QuestionText   QuestionType = "TEXT"
)

// Objective reports whether answers of this type are graded by exact match.
func (t QuestionType) Objective() bool {
	return t == QuestionChoice || t == QuestionJudge
}

// Valid reports whether t is one of the known question types.
func (t QuestionType) Valid() bool {
	return t == QuestionChoice || t == QuestionJudge || t == QuestionText
}

// DefaultQuestionScore is used when a paper does not set a score for a question.
const DefaultQuestionScore = 10

// ExamSession is one attempt by one student at one paper.
type ExamSession struct {
	ID                int64         `json:"id"`
	PaperID           int64         `json:"paper_id"`
	StudentName       string        `json:"student_name"`
	Status            SessionStatus `json:"status"`
	Score             int           `json:"score"`
	SummaryText       *string       `json:"summary_text,omitempty"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           *time.Time    `json:"end_time,omitempty"`
	TamperSignalCount int           `json:"tamper_signal_count"`
}

// AnswerEntry is the answer to one question within a session.
// Score, Correctness and JudgeFeedback stay nil until the session is graded.
type AnswerEntry struct {
	ID            int64        `json:"id"`
	SessionID     int64        `json:"session_id"`
	QuestionID    int64        `json:"question_id"`
	RawAnswerText string       `json:"raw_answer_text"`
	Score         *int         `json:"score,omitempty"`
	Correctness   *Correctness `json:"correctness,omitempty"`
	JudgeFeedback *string      `json:"judge_feedback,omitempty"`
}

// Graded reports whether the entry carries a grading result.
func (a AnswerEntry) Graded() bool {
	return a.Score != nil
}

// SubmittedAnswer is the raw input for one question at submit time.
type SubmittedAnswer struct {
	QuestionID    int64  `json:"question_id" validate:"required,gt=0"`
	RawAnswerText string `json:"raw_answer_text" validate:"max=20000"`
}

// QuestionRef is the read-only view of a question inside a paper.
type QuestionRef struct {
	ID             int64        `json:"id"`
	Type           QuestionType `json:"type"`
	Title          string       `json:"title"`
	StandardAnswer string       `json:"standard_answer"`
	MaxScore       int          `json:"max_score"`
}

// Paper is an ordered set of questions with per-question scores.
type Paper struct {
	ID         int64         `json:"id"`
	Name       string        `json:"name"`
	TotalScore int           `json:"total_score"`
	Questions  []QuestionRef `json:"questions"`
}

// MaxScore returns the paper total, or the sum of question scores when the total is unset.
func (p Paper) MaxScore() int {
	if p.TotalScore > 0 {
		return p.TotalScore
	}
	total := 0
	for _, q := range p.Questions {
		total += q.MaxScore
	}
	return total
}

// Question returns the question with the given id.
func (p Paper) Question(id int64) (QuestionRef, bool) {
	for _, q := range p.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return QuestionRef{}, false
}

// ResultSource records which path produced a grading result.
type ResultSource string

const (
	SourceObjective  ResultSource = "objective"
	SourceStructured ResultSource = "structured"
	SourceHeuristic  ResultSource = "heuristic"
	SourceFallback   ResultSource = "fallback"
	SourceError      ResultSource = "error"
)

// GradingResult is the transient outcome of grading one answer.
type GradingResult struct {
	Score       int          `json:"score"`
	Correctness Correctness  `json:"correctness"`
	Feedback    string       `json:"feedback"`
	ReasonCode  string       `json:"reason_code"`
	Source      ResultSource `json:"source"`
}

// SessionDetail combines a session with its paper and answers in paper order.
type SessionDetail struct {
	Session ExamSession   `json:"session"`
	Paper   Paper         `json:"paper"`
	Answers []AnswerEntry `json:"answers"`
}

// SessionFilter narrows session listings. Zero values match everything.
type SessionFilter struct {
	PaperID     int64
	StudentName string
	Status      SessionStatus
	Limit       int
}

// RankingEntry is one row of a per-paper leaderboard.
type RankingEntry struct {
	Rank        int           `json:"rank"`
	SessionID   int64         `json:"session_id"`
	StudentName string        `json:"student_name"`
	Score       int           `json:"score"`
	Duration    time.Duration `json:"duration_ns"`
}

// FeedbackText holds the fixed texts used when the AI judge cannot produce one.
// SummaryFallback is a printf format taking total, max and a percentage float.
type FeedbackText struct {
	Unavailable     string
	ServiceError    string
	InternalError   string
	Unanswered      string
	HeuristicReason string
	SummaryFallback string
}

// DefaultFeedbackText returns the English texts.
func DefaultFeedbackText() FeedbackText {
	return FeedbackText{
		Unavailable:     "judging service unavailable, manual review required",
		ServiceError:    "service error",
		InternalError:   "internal grading error",
		Unanswered:      "(unanswered)",
		HeuristicReason: "heuristic",
		SummaryFallback: "Score %d/%d (%.1f%%). Keep practicing to improve.",
	}
}

// WithDefaults fills empty fields from DefaultFeedbackText.
func (f FeedbackText) WithDefaults() FeedbackText {
	d := DefaultFeedbackText()
	if f.Unavailable == "" {
		f.Unavailable = d.Unavailable
	}
	if f.ServiceError == "" {
		f.ServiceError = d.ServiceError
	}
	if f.InternalError == "" {
		f.InternalError = d.InternalError
	}
	if f.Unanswered == "" {
		f.Unanswered = d.Unanswered
	}
	if f.HeuristicReason == "" {
		f.HeuristicReason = d.HeuristicReason
	}
	if f.SummaryFallback == "" {
		f.SummaryFallback = d.SummaryFallback
	}
	return f
}

// Summary renders SummaryFallback for the given total and maximum.
func (f FeedbackText) Summary(total, max int) string {
	f = f.WithDefaults()
	var pct float64
	if max > 0 {
		pct = float64(total) * 100 / float64(max)
	}
	return fmt.Sprintf(f.SummaryFallback, total, max, pct)
}

// PaperImport is used for loading papers from JSON.
type PaperImport struct {
	Name       string           `json:"name"`
	TotalScore int              `json:"total_score"`
	Questions  []QuestionImport `json:"questions"`
}

// QuestionImport is one question of an imported paper. Score 0 means the default.
type QuestionImport struct {
	Type           QuestionType `json:"type"`
	Title          string       `json:"title"`
	StandardAnswer string       `json:"standard_answer"`
	Score          int          `json:"score"`
}
