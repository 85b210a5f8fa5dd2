package model

import "time"

// ResultsExport is the top-level JSON structure for exam result export.
type ResultsExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	PaperID    int64           `json:"paper_id,omitempty"`
	Results    []SessionResult `json:"results"`
}

// SessionResult holds one session with its graded answers for export.
type SessionResult struct {
	SessionID    int64          `json:"session_id"`
	PaperID      int64          `json:"paper_id"`
	PaperName    string         `json:"paper_name"`
	StudentName  string         `json:"student_name"`
	Status       SessionStatus  `json:"status"`
	Score        int            `json:"score"`
	MaxScore     int            `json:"max_score"`
	Summary      string         `json:"summary,omitempty"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	TamperSignal int            `json:"tamper_signal_count"`
	Answers      []AnswerResult `json:"answers"`
}

// AnswerResult holds per-question data for export.
type AnswerResult struct {
	QuestionID     int64        `json:"question_id"`
	Type           QuestionType `json:"type"`
	Title          string       `json:"title"`
	StandardAnswer string       `json:"standard_answer"`
	MaxScore       int          `json:"max_score"`
	Answer         string       `json:"answer"`
	Score          *int         `json:"score,omitempty"`
	Correctness    *Correctness `json:"correctness,omitempty"`
	Feedback       string       `json:"feedback,omitempty"`
}
