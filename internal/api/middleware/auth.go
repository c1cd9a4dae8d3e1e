package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/notifyhub/dispatch/internal/domain"
	"github.com/notifyhub/dispatch/internal/store"
)

const subscriptionKey contextKey = "subscription"

// SubscriptionAuth resolves the X-Subscription-Key header to a subscription
// and stores it on the request context. A missing or unknown key yields 401;
// the subscription's own state (suspended, expired, quota) is not checked
// here, since those map to different status codes downstream.
func SubscriptionAuth(st store.Store, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Subscription-Key")
			if key == "" {
				unauthorized(w, "missing X-Subscription-Key header")
				return
			}

			sub, err := st.GetSubscriptionByKey(r.Context(), key)
			if err != nil {
				if !errors.Is(err, domain.ErrNotFound) {
					logger.Error("subscription lookup failed",
						zap.String("correlation_id", GetCorrelationID(r.Context())),
						zap.Error(err),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
					return
				}
				unauthorized(w, "unknown subscription key")
				return
			}

			ctx := context.WithValue(r.Context(), subscriptionKey, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSubscription retrieves the authenticated subscription stored by the
// middleware. The bool is false on routes where the middleware did not run.
func GetSubscription(ctx context.Context) (*domain.Subscription, bool) {
	sub, ok := ctx.Value(subscriptionKey).(*domain.Subscription)
	return sub, ok
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
