// Package api exposes HTTP handlers for the streak service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"example.com/streak/internal/auth"
	"example.com/streak/internal/domain"
)

// retryAfterSeconds is advertised on retryable 503 responses.
const retryAfterSeconds = "1"

// StreakService is the calculator surface the handlers need.
type StreakService interface {
	OnQualifyingActivity(ctx context.Context, userID string, day domain.Day) (domain.CompletionOutcome, error)
	Summary(ctx context.Context, userID string) (domain.SummaryView, error)
	Window(ctx context.Context, userID string, end domain.Day) (domain.WindowView, error)
	AdminOverride(ctx context.Context, userID string, current, longest int, reason string) (domain.StreakState, error)
	Reconcile(ctx context.Context, userID string) (domain.StreakState, error)
	Calendar() *domain.Calendar
}

// Handler coordinates HTTP requests with the streak calculator.
type Handler struct {
	service StreakService
	logger  *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(service StreakService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/streaks/summary", h.summary)
	mux.HandleFunc("/v1/streaks/window", h.window)
	mux.HandleFunc("/v1/streaks/completions", h.completions)
	mux.HandleFunc("/v1/streaks/override", h.override)
	mux.HandleFunc("/v1/streaks/reconcile", h.reconcile)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if _, ok := h.authorize(w, r, userID, auth.ScopeStreaksRead); !ok {
		return
	}

	view, err := h.service.Summary(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SummaryResponse{
		UserID:        userID,
		CurrentStreak: view.CurrentStreak,
		LongestStreak: view.LongestStreak,
		Week:          toDayViews(view.Week),
	})
}

func (h *Handler) window(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if _, ok := h.authorize(w, r, userID, auth.ScopeStreaksRead); !ok {
		return
	}

	end := h.service.Calendar().Today()
	if raw := r.URL.Query().Get("end_day"); raw != "" {
		parsed, err := domain.ParseDay(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "end_day must be YYYY-MM-DD")
			return
		}
		end = parsed
	}

	view, err := h.service.Window(r.Context(), userID, end)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, WindowResponse{
		UserID: userID,
		EndDay: view.EndDay.String(),
		Week:   toDayViews(view.Week),
	})
}

func (h *Handler) completions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if _, ok := h.authorize(w, r, req.UserID, auth.ScopeStreaksWrite); !ok {
		return
	}

	day, err := req.LocalDay(h.service.Calendar())
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	outcome, err := h.service.OnQualifyingActivity(r.Context(), req.UserID, day)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CompletionResponse{UserID: req.UserID, Day: day.String(), Outcome: string(outcome)})
}

func (h *Handler) override(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	claims, ok := h.authorize(w, r, req.UserID, auth.ScopeStreaksAdmin)
	if !ok {
		return
	}

	ctx := domain.WithActor(r.Context(), claims.Subject)
	state, err := h.service.AdminOverride(ctx, req.UserID, req.CurrentStreak, req.LongestStreak, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStateView(state))
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if _, ok := h.authorize(w, r, req.UserID, auth.ScopeStreaksAdmin); !ok {
		return
	}

	state, err := h.service.Reconcile(r.Context(), req.UserID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStateView(state))
}

// authorize checks the caller holds scope (or admin) and may act for userID.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, userID, scope string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(scope) && !claims.HasScope(auth.ScopeStreaksAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil, false
	}
	if strings.TrimSpace(userID) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "user_id is required")
		return nil, false
	}
	if !claims.CanActFor(userID) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot access another user's streak")
		return nil, false
	}
	return claims, true
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrWriteConflict):
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, "write_conflict", "streak is being updated concurrently, retry")
	case errors.Is(err, domain.ErrDependencyUnavailable):
		h.logger.Error("streak dependency unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, "dependency_unavailable", "streak data is temporarily unavailable")
	default:
		h.logger.Error("unexpected streak error", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// CompletionRequest is the payload for POST /v1/streaks/completions.
// Exactly one of Day and OccurredAt must be set.
type CompletionRequest struct {
	UserID     string     `json:"user_id"`
	Day        string     `json:"day,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

// LocalDay resolves the request to the local day it completes.
func (r CompletionRequest) LocalDay(calendar *domain.Calendar) (domain.Day, error) {
	switch {
	case r.Day != "" && r.OccurredAt != nil:
		return domain.Day{}, errors.New("day and occurred_at are mutually exclusive")
	case r.Day != "":
		return domain.ParseDay(r.Day)
	case r.OccurredAt != nil && !r.OccurredAt.IsZero():
		return calendar.LocalDay(*r.OccurredAt), nil
	default:
		return domain.Day{}, errors.New("day or occurred_at is required")
	}
}

// CompletionResponse reports what a completion did.
type CompletionResponse struct {
	UserID  string `json:"user_id"`
	Day     string `json:"day"`
	Outcome string `json:"outcome"`
}

// OverrideRequest is the payload for POST /v1/streaks/override.
type OverrideRequest struct {
	UserID        string `json:"user_id"`
	CurrentStreak int    `json:"current_streak"`
	LongestStreak int    `json:"longest_streak"`
	Reason        string `json:"reason"`
}

// ReconcileRequest is the payload for POST /v1/streaks/reconcile.
type ReconcileRequest struct {
	UserID string `json:"user_id"`
}

// DayView is one day of a 7-day window.
type DayView struct {
	Day    string `json:"day"`
	Status string `json:"status"`
	Color  string `json:"color"`
}

// SummaryResponse is the default streak view.
type SummaryResponse struct {
	UserID        string    `json:"user_id"`
	CurrentStreak int       `json:"current_streak"`
	LongestStreak int       `json:"longest_streak"`
	Week          []DayView `json:"week"`
}

// WindowResponse is a 7-day window ending at EndDay.
type WindowResponse struct {
	UserID string    `json:"user_id"`
	EndDay string    `json:"end_day"`
	Week   []DayView `json:"week"`
}

// StreakStateView exposes the stored streak state.
type StreakStateView struct {
	UserID        string    `json:"user_id"`
	CurrentStreak int       `json:"current_streak"`
	LongestStreak int       `json:"longest_streak"`
	LastOnTimeDay string    `json:"last_on_time_day,omitempty"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toDayViews(week [7]domain.DayEntry) []DayView {
	out := make([]DayView, 0, len(week))
	for _, entry := range week {
		out = append(out, DayView{Day: entry.Day.String(), Status: string(entry.Status), Color: entry.Status.Color()})
	}
	return out
}

func toStateView(state domain.StreakState) StreakStateView {
	return StreakStateView{
		UserID:        state.UserID,
		CurrentStreak: state.CurrentStreak,
		LongestStreak: state.LongestStreak,
		LastOnTimeDay: state.LastOnTimeDay.String(),
		Version:       state.Version,
		UpdatedAt:     state.UpdatedAt,
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
