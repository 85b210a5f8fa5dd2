package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	appI18n "github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/model"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses with a localized message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var (
		nf  *model.NotFoundError
		ise *model.InvalidStateError
		ve  *model.ValidationError
	)
	switch {
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, errorResponse{appI18n.Td(ctx, "ErrNotFound", map[string]any{
			"Resource": nf.Resource, "ID": nf.ID,
		})})
	case errors.As(err, &ise):
		writeJSON(w, http.StatusConflict, errorResponse{appI18n.Td(ctx, "ErrInvalidState", map[string]any{
			"ID": ise.SessionID, "Status": ise.Status, "Op": ise.Op, "Reason": ise.Reason,
		})})
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{appI18n.Td(ctx, "ErrBadRequest", map[string]any{
			"Detail": ve.Error(),
		})})
	case errors.Is(err, model.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(ctx), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{appI18n.T(ctx, "ErrInternal")})
	}
}
