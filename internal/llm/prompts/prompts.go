package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/autograder/internal/model"
)

//go:embed templates/*.txt
var embedded embed.FS

const maxAnswerRunes = 10000

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

var typeLabels = map[model.QuestionType]string{
	model.QuestionChoice: "Multiple choice",
	model.QuestionJudge:  "True/false",
	model.QuestionText:   "Short answer",
}

// GradeData holds template data for grading prompts.
type GradeData struct {
	TypeLabel      string
	Title          string
	StandardAnswer string
	MaxScore       int
	Answer         string
}

// SummaryData holds template data for summary prompts.
type SummaryData struct {
	Total         int
	Max           int
	QuestionCount int
	CorrectCount  int
}

// Percent is Total as a percentage of Max, 0 when Max is 0.
func (d SummaryData) Percent() float64 {
	if d.Max <= 0 {
		return 0
	}
	return float64(d.Total) * 100 / float64(d.Max)
}

// Set is a parsed pair of grading and summary templates.
type Set struct {
	grade   *template.Template
	summary *template.Template
}

// Default returns the built-in templates.
func Default() *Set {
	s, err := Load(embedded)
	if err != nil {
		panic(err)
	}
	return s
}

// Load reads templates/grade.txt and templates/summary.txt from fsys.
func Load(fsys fs.FS) (*Set, error) {
	grade, err := parse(fsys, "templates/grade.txt")
	if err != nil {
		return nil, err
	}
	summary, err := parse(fsys, "templates/summary.txt")
	if err != nil {
		return nil, err
	}
	return &Set{grade: grade, summary: summary}, nil
}

func parse(fsys fs.FS, name string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", name, err)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", name, err)
	}
	return tmpl, nil
}

// BuildGradePrompt renders the grading prompt for one free-text answer.
// A blank answer is replaced by the unanswered marker.
func (s *Set) BuildGradePrompt(q model.QuestionRef, answer string, maxScore int, unanswered string) (string, error) {
	data := GradeData{
		TypeLabel:      TypeLabel(q.Type),
		Title:          q.Title,
		StandardAnswer: q.StandardAnswer,
		MaxScore:       maxScore,
		Answer:         sanitizeAnswer(answer, unanswered),
	}
	var buf bytes.Buffer
	if err := s.grade.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildSummaryPrompt renders the prompt for the session summary.
func (s *Set) BuildSummaryPrompt(d SummaryData) (string, error) {
	var buf bytes.Buffer
	if err := s.summary.Execute(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// TypeLabel returns the human readable label of a question type.
func TypeLabel(t model.QuestionType) string {
	if l, ok := typeLabels[t]; ok {
		return l
	}
	return string(t)
}

func sanitizeAnswer(answer, unanswered string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return unanswered
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
