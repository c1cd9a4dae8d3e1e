package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	apimw "github.com/notifyhub/dispatch/internal/api/middleware"
	"github.com/notifyhub/dispatch/internal/domain"
	"github.com/notifyhub/dispatch/internal/intake"
)

// BatchHandler handles the batch intake endpoint.
type BatchHandler struct {
	svc    *intake.Service
	logger *zap.Logger
}

func NewBatchHandler(svc *intake.Service, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{svc: svc, logger: logger}
}

// CreateBatch handles POST /api/notifications/batch
//
// @Summary  Accept up to 1000 notifications in a single request
// @Tags     notifications
// @Accept   json
// @Produce  json
// @Param    X-Subscription-Key  header    string               true  "Subscription API key"
// @Param    body                body      domain.BatchRequest  true  "Batch payload"
// @Success  200                 {object}  map[string]any
// @Failure  400                 {object}  map[string]string
// @Router   /api/notifications/batch [post]
func (h *BatchHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	sub, ok := apimw.GetSubscription(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing subscription")
		return
	}

	var req domain.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	results, err := h.svc.SendBatch(r.Context(), sub, req.Notifications)
	if err != nil {
		h.logger.Warn("batch rejected",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.String("subscription_id", sub.ID),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	accepted := 0
	for _, res := range results {
		if res.Accepted {
			accepted++
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"total":    len(results),
		"accepted": accepted,
		"rejected": len(results) - accepted,
		"results":  results,
	})
}
