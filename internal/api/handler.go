// Package api is the trigger surface of the dispatch engine. Handlers are
// thin: they validate, enqueue or signal, and return an acknowledgement;
// the engine itself does the work.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"sendwave/internal/channel"
	"sendwave/internal/db"
	"sendwave/internal/dispatch"
	"sendwave/internal/models"
	"sendwave/internal/notify"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Store interface {
	CreateCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, uid string) (*models.Campaign, error)
	GetReport(ctx context.Context, uid string) (*models.CampaignReport, error)
	ListReports(ctx context.Context, campaignUID string) ([]models.CampaignReport, error)
}

type Engine interface {
	Enqueue(job dispatch.Job) error
}

type Progress interface {
	Status(ctx context.Context, campaignUID string) (string, error)
	RequestStop(ctx context.Context, campaignUID string) (bool, error)
	RequestCancel(ctx context.Context, campaignUID string) (bool, error)
	Snapshot(ctx context.Context, campaignUID string) (map[string]string, error)
}

type SheetLoader interface {
	Load(c *models.Campaign) ([]models.Recipient, error)
}

type Sessions interface {
	StartSession(ctx context.Context, userID string) (*channel.Session, error)
}

type Subscriber interface {
	Subscribe(userID string) (<-chan notify.Event, func())
}

type Handler struct {
	Store    Store
	Progress Progress
	Jobs     Engine
	Sessions Sessions
	Hub      Subscriber
	Loader   SheetLoader
	Log      *zap.Logger
}

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	c := &models.Campaign{
		UID:    uuid.NewString(),
		UserID: userID(r),
		Name:   body.Name,
		Status: models.CampaignActive,
	}

	if err := h.Store.CreateCampaign(r.Context(), c); err != nil {
		h.Log.Error("campaign create failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) StartCampaign(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, false)
}

func (h *Handler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r, true)
}

// trigger enqueues a run job. Start and resume differ only in where the
// offset and report come from; the worker is resume-agnostic.
func (h *Handler) trigger(w http.ResponseWriter, r *http.Request, resume bool) {
	ctx := r.Context()

	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}

	if st, err := h.Progress.Status(ctx, campaign.UID); err == nil && st == string(models.ReportRunning) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"message": "Campaign already running.",
		})
		return
	}

	rows, err := h.Loader.Load(campaign)
	if err != nil {
		h.Log.Warn("recipient sheet load failed",
			zap.String("campaign_uid", campaign.UID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "Recipient sheet could not be loaded.",
		})
		return
	}

	job := dispatch.Job{
		CampaignUID:  campaign.UID,
		CampaignName: campaign.Name,
		UserID:       campaign.UserID,
		Recipients:   rows,
		Total:        len(rows),
	}

	if resume {
		if campaign.LastReportUID == "" {
			writeJSON(w, http.StatusConflict, map[string]any{
				"success": false,
				"message": "Campaign has no report to resume.",
			})
			return
		}

		report, err := h.Store.GetReport(ctx, campaign.LastReportUID)
		if err != nil {
			h.notFoundOrError(w, err, "Report not found.")
			return
		}
		if report.Status != models.ReportStopped {
			writeJSON(w, http.StatusConflict, map[string]any{
				"success": false,
				"message": "Only a stopped campaign can be resumed.",
			})
			return
		}

		job.ReportUID = report.UID
		job.ResumeOffset = dispatch.ResumeOffset(report, len(rows))
	}

	if err := h.Jobs.Enqueue(job); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"message": "Dispatch queue is full, try again later.",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":  true,
		"message":  "Campaign started.",
		"campaign": campaign.UID,
	})
}

func (h *Handler) StopCampaign(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, h.Progress.RequestStop, "Campaign stopped.")
}

func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, h.Progress.RequestCancel, "Campaign cancelled.")
}

func (h *Handler) signal(w http.ResponseWriter, r *http.Request, flip func(context.Context, string) (bool, error), msg string) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}

	flipped, err := flip(r.Context(), campaign.UID)
	if err != nil {
		h.Log.Error("progress signal failed",
			zap.String("campaign_uid", campaign.UID),
			zap.Error(err),
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !flipped {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"message": "Campaign not currently running.",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":  true,
		"message":  msg,
		"campaign": campaign.UID,
	})
}

func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.Store.GetReport(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		h.notFoundOrError(w, err, "Report not found.")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}

	reports, err := h.Store.ListReports(r.Context(), campaign.UID)
	if err != nil {
		h.Log.Error("report list failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"campaign": campaign.UID,
		"reports":  reports,
	})
}

// GetProgress serves the live counters straight from the cache.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	campaign, ok := h.ownedCampaign(w, r)
	if !ok {
		return
	}

	snap, err := h.Progress.Snapshot(r.Context(), campaign.UID)
	if err != nil {
		h.Log.Error("progress snapshot failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if len(snap) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"campaign": campaign.UID,
			"running":  false,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"campaign": campaign.UID,
		"running":  snap["status"] == string(models.ReportRunning),
		"progress": snap,
	})
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Sessions.StartSession(r.Context(), userID(r))
	if err != nil {
		h.Log.Error("session start failed",
			zap.String("user_id", userID(r)),
			zap.Error(err),
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "Session starting. Watch the event stream for the pairing code.",
		"state":   session.State().String(),
	})
}

// Events streams the user's live events as server-sent events.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := h.Hub.Subscribe(userID(r))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) ownedCampaign(w http.ResponseWriter, r *http.Request) (*models.Campaign, bool) {
	campaign, err := h.Store.GetCampaign(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		h.notFoundOrError(w, err, "Campaign not found.")
		return nil, false
	}
	if campaign.UserID != userID(r) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"message": "Campaign not found.",
		})
		return nil, false
	}

	return campaign, true
}

func (h *Handler) notFoundOrError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, db.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"message": msg,
		})
		return
	}

	h.Log.Error("store read failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
