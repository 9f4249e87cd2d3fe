package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type ctxKey int

const userKey ctxKey = 0

// Router builds the trigger/report surface. Every route requires a verified
// user id; the X-User-ID header stands in for whatever auth layer fronts
// this service.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requireUser)

	r.Post("/campaigns", h.CreateCampaign)
	r.Post("/campaigns/{uid}/start", h.StartCampaign)
	r.Post("/campaigns/{uid}/stop", h.StopCampaign)
	r.Post("/campaigns/{uid}/resume", h.ResumeCampaign)
	r.Post("/campaigns/{uid}/cancel", h.CancelCampaign)
	r.Get("/campaigns/{uid}/reports", h.ListReports)
	r.Get("/campaigns/{uid}/progress", h.GetProgress)
	r.Get("/reports/{uid}", h.GetReport)
	r.Post("/session/start", h.StartSession)
	r.Get("/events", h.Events)

	return r
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get("X-User-ID")
		if uid == "" {
			http.Error(w, "missing user identity", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, uid)))
	})
}

func userID(r *http.Request) string {
	uid, _ := r.Context().Value(userKey).(string)
	return uid
}
