package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/notifyhub/dispatch/internal/domain"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// mapError translates domain sentinel errors to HTTP status codes.
// All mapping lives here so individual handlers stay concise.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrSubscriptionInvalid):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrQuotaExceeded):
		// The daily window rolls at midnight UTC.
		w.Header().Set("Retry-After", strconv.Itoa(secondsToNextUTCMidnight(time.Now().UTC())))
		respondError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrQueueFull):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrAlreadyCancelled),
		errors.Is(err, domain.ErrNotCancellable):
		respondError(w, http.StatusBadRequest, err.Error())
	case domain.IsValidationError(err):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func secondsToNextUTCMidnight(now time.Time) int {
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return int(midnight.Sub(now).Seconds()) + 1
}
