// Package handler exposes the exam service as a JSON HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/autograder/internal/exam"
	appI18n "github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/metrics"
	"github.com/pavelanni/autograder/internal/model"
)

const (
	maxBodyBytes     = 4 << 20
	maxAnswers       = 500
	defaultRankLimit = 10
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	exams    *exam.Service
	validate *validator.Validate
}

type startRequest struct {
	PaperID     int64  `json:"paper_id" validate:"required,gt=0"`
	StudentName string `json:"student_name" validate:"required,max=100"`
}

type tamperResponse struct {
	TamperSignalCount int    `json:"tamper_signal_count"`
	Message           string `json:"message"`
}

// New creates a new Handler.
func New(exams *exam.Service) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{exams: exams, validate: v}
}

// Router builds the full HTTP router: middleware, health and metrics endpoints, and the API.
func Router(h *Handler, m *metrics.Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)
	r.Use(appI18n.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", m.Handler())
	h.Routes(r)
	return r
}

// Routes registers the exam API routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/exams", func(r chi.Router) {
		r.Post("/start", h.handleStart)
		r.Get("/records", h.handleRecords)
		r.Get("/ranking", h.handleRanking)
		r.Get("/{sessionID}", h.handleDetail)
		r.Post("/{sessionID}/submit", h.handleSubmit)
		r.Post("/{sessionID}/grade", h.handleGrade)
		r.Post("/{sessionID}/tamper", h.handleTamper)
	})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.validateStruct(req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := h.exams.Start(r.Context(), req.PaperID, req.StudentName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var answers []model.SubmittedAnswer
	if err := decodeJSON(w, r, &answers); err != nil {
		writeError(w, r, err)
		return
	}
	if len(answers) > maxAnswers {
		writeError(w, r, &model.ValidationError{Field: "answers", Message: fmt.Sprintf("at most %d answers", maxAnswers)})
		return
	}
	for i := range answers {
		if err := h.validateStruct(answers[i]); err != nil {
			writeError(w, r, fmt.Errorf("answer %d: %w", i+1, err))
			return
		}
	}
	if err := h.exams.Submit(r.Context(), sessionID, answers); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := h.exams.Grade(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleDetail(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	detail, err := h.exams.Detail(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleTamper(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.exams.RecordTamperSignal(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tamperResponse{
		TamperSignalCount: n,
		Message:           appI18n.Tp(r.Context(), "TamperRecorded", n),
	})
}

func (h *Handler) handleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	paperID, err := optionalInt(q.Get("paper_id"), "paper_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := optionalInt(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessions, err := h.exams.Records(r.Context(), model.SessionFilter{
		PaperID:     paperID,
		StudentName: strings.TrimSpace(q.Get("student_name")),
		Status:      model.SessionStatus(q.Get("status")),
		Limit:       int(limit),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []model.ExamSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleRanking(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	paperID, err := optionalInt(q.Get("paper_id"), "paper_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if paperID <= 0 {
		writeError(w, r, &model.ValidationError{Field: "paper_id", Message: "is required"})
		return
	}
	limit := int64(defaultRankLimit)
	if raw := q.Get("limit"); raw != "" {
		if limit, err = optionalInt(raw, "limit"); err != nil {
			writeError(w, r, err)
			return
		}
	}
	ranking, err := h.exams.Ranking(r.Context(), paperID, int(limit))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ranking == nil {
		ranking = []model.RankingEntry{}
	}
	writeJSON(w, http.StatusOK, ranking)
}

// validateStruct runs the struct tags and reports the first failing field.
func (h *Handler) validateStruct(v any) error {
	err := h.validate.Struct(v)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		msg := "failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		return &model.ValidationError{Field: fe.Field(), Message: msg}
	}
	return err
}

func sessionIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &model.ValidationError{Field: "id", Message: "invalid session ID"}
	}
	return id, nil
}

func optionalInt(raw, field string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, &model.ValidationError{Field: field, Message: "must be a non-negative integer"}
	}
	return n, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &model.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}
