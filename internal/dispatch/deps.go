package dispatch

import (
	"context"

	"sendwave/internal/models"
	"sendwave/internal/notify"
)

// ReportStore is the durable ledger side of a run. Satisfied by db.Store.
type ReportStore interface {
	CreateReport(ctx context.Context, r *models.CampaignReport) error
	GetReport(ctx context.Context, uid string) (*models.CampaignReport, error)
	SetReportStatus(ctx context.Context, uid string, status models.ReportStatus) error
	UpdateReportProgress(ctx context.Context, uid string, processed, withError int, percent float64) error
	FinishReport(ctx context.Context, r *models.CampaignReport) error
	AttachReport(ctx context.Context, campaignUID, reportUID string) error
	SetCampaignStatus(ctx context.Context, uid string, status models.CampaignStatus) error
	MarkCampaignSent(ctx context.Context, uid string) error
}

// ProgressStore is the fast path read on every loop iteration. Satisfied by
// progress.Store.
type ProgressStore interface {
	Init(ctx context.Context, campaignUID string, r *models.CampaignReport) error
	Status(ctx context.Context, campaignUID string) (string, error)
	SetStatus(ctx context.Context, campaignUID string, status models.ReportStatus) error
	SetProgress(ctx context.Context, campaignUID string, percent float64) error
	IncrCounter(ctx context.Context, campaignUID, field string, n int64) error
	Snapshot(ctx context.Context, campaignUID string) (map[string]string, error)
	Delete(ctx context.Context, campaignUID string) error
	DrainRequested(ctx context.Context) (bool, error)
}

// Sender is the channel session surface a run needs. Satisfied by
// channel.Manager.
type Sender interface {
	BindCampaign(userID, campaignUID string)
	UnbindCampaign(userID string)
	SendMessage(ctx context.Context, userID, recipient, body string) error
	Teardown(ctx context.Context, userID string) error
}

type Notifier interface {
	Publish(userID string, ev notify.Event)
}

// Mailer is the optional run-summary mail sink.
type Mailer interface {
	NotifyRunFinished(campaignName string, r *models.CampaignReport) error
}
