package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/dispatch/internal/api/middleware"
	"github.com/notifyhub/dispatch/internal/domain"
	"github.com/notifyhub/dispatch/internal/intake"
)

// NotificationHandler handles single-notification endpoints.
type NotificationHandler struct {
	svc    *intake.Service
	logger *zap.Logger
}

func NewNotificationHandler(svc *intake.Service, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger}
}

// Create handles POST /api/notifications
//
// @Summary     Accept a notification for dispatch
// @Tags        notifications
// @Accept      json
// @Produce     json
// @Param       X-Subscription-Key  header    string              true  "Subscription API key"
// @Param       body                body      domain.SendRequest  true  "Notification payload"
// @Success     201                 {object}  domain.SendResponse
// @Success     200                 {object}  domain.SendResponse  "Duplicate: original notification returned"
// @Failure     400                 {object}  map[string]string
// @Failure     401                 {object}  map[string]string
// @Failure     403                 {object}  map[string]string
// @Failure     429                 {object}  map[string]string
// @Failure     503                 {object}  map[string]string
// @Router      /api/notifications [post]
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	sub, ok := apimw.GetSubscription(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing subscription")
		return
	}

	var req domain.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := h.svc.Send(r.Context(), sub, req)
	if err != nil {
		h.logger.Warn("send rejected",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.String("subscription_id", sub.ID),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	status := http.StatusCreated
	if resp.WasIdempotent {
		status = http.StatusOK
	}
	respondJSON(w, status, resp)
}

// GetByID handles GET /api/notifications/{id}
//
// @Summary  Get a notification by ID
// @Tags     notifications
// @Produce  json
// @Param    id   path      string  true  "Notification UUID"
// @Success  200  {object}  domain.Notification
// @Failure  404  {object}  map[string]string
// @Router   /api/notifications/{id} [get]
func (h *NotificationHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	sub, ok := apimw.GetSubscription(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing subscription")
		return
	}

	id := chi.URLParam(r, "id")
	n, err := h.svc.Get(r.Context(), sub, id)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

// List handles GET /api/notifications
//
// @Summary  List the subscription's notifications with filtering and pagination
// @Tags     notifications
// @Produce  json
// @Param    status  query     string  false  "Filter by status"
// @Param    type    query     string  false  "Filter by type"
// @Param    from    query     string  false  "Created after (RFC3339)"
// @Param    to      query     string  false  "Created before (RFC3339)"
// @Param    page    query     int     false  "Page number (default 1)"
// @Param    limit   query     int     false  "Items per page (default 20, max 100)"
// @Success  200     {object}  map[string]any
// @Router   /api/notifications [get]
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	sub, ok := apimw.GetSubscription(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing subscription")
		return
	}

	filter := parseListFilter(r)
	notifications, total, err := h.svc.List(r.Context(), sub, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"data":  notifications,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

// Logs handles GET /api/notifications/{id}/logs
//
// @Summary  Get the transition history of a notification
// @Tags     notifications
// @Produce  json
// @Param    id   path      string  true  "Notification UUID"
// @Success  200  {object}  map[string]any
// @Failure  404  {object}  map[string]string
// @Router   /api/notifications/{id}/logs [get]
func (h *NotificationHandler) Logs(w http.ResponseWriter, r *http.Request) {
	sub, ok := apimw.GetSubscription(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing subscription")
		return
	}

	id := chi.URLParam(r, "id")
	logs, err := h.svc.Logs(r.Context(), sub, id)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": logs})
}

// Cancel handles POST /api/notifications/{id}/cancel
//
// @Summary  Cancel a pending or retrying notification
// @Tags     notifications
// @Produce  json
// @Param    id   path      string  true  "Notification UUID"
// @Success  200  {object}  map[string]string
// @Failure  400  {object}  map[string]string
// @Failure  404  {object}  map[string]string
// @Router   /api/notifications/{id}/cancel [post]
func (h *NotificationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sub, ok := apimw.GetSubscription(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing subscription")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.svc.Cancel(r.Context(), sub, id); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func parseListFilter(r *http.Request) domain.ListFilter {
	q := r.URL.Query()
	filter := domain.ListFilter{Page: 1, Limit: 20}

	if p, err := strconv.Atoi(q.Get("page")); err == nil && p > 0 {
		filter.Page = p
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 100 {
		filter.Limit = l
	}
	if s := q.Get("status"); s != "" {
		st := domain.Status(s)
		filter.Status = &st
	}
	if ts := q.Get("type"); ts != "" {
		t := domain.Type(ts)
		filter.Type = &t
	}
	if f := q.Get("from"); f != "" {
		if t, err := time.Parse(time.RFC3339, f); err == nil {
			filter.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = &t
		}
	}
	return filter
}
