package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sendwave/internal/channel"
	"sendwave/internal/metrics"
	"sendwave/internal/models"
	"sendwave/internal/notify"
	"sendwave/internal/progress"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Runner executes one run at a time. Within a run everything is strictly
// sequential: message N is attempted only after N-1, and the stop/drain
// check always happens before a send, never during one.
type Runner struct {
	reports  ReportStore
	progress ProgressStore
	sessions Sender
	hub      Notifier
	mailer   Mailer
	log      *zap.Logger
	delay    time.Duration
}

func NewRunner(reports ReportStore, progressStore ProgressStore, sessions Sender, hub Notifier, log *zap.Logger, delay time.Duration) *Runner {
	return &Runner{
		reports:  reports,
		progress: progressStore,
		sessions: sessions,
		hub:      hub,
		log:      log,
		delay:    delay,
	}
}

// SetMailer wires the optional run-summary mail sink.
func (r *Runner) SetMailer(m Mailer) {
	r.mailer = m
}

// Run drives one campaign run to a terminal state. Errors never escape; the
// worker pool must survive any single run. The return value reports whether
// the user's session should be released once their last in-flight run ends;
// the pool makes that call after it has decremented the user's run count.
func (r *Runner) Run(ctx context.Context, job Job) bool {
	log := r.log.With(
		zap.String("campaign_uid", job.CampaignUID),
		zap.String("user_id", job.UserID),
	)

	// A cancel that arrived while the job sat in the queue discards the
	// run before anything is sent.
	if st, err := r.progress.Status(ctx, job.CampaignUID); err == nil && st == string(models.ReportCancelled) {
		log.Info("run cancelled while queued")
		r.discardQueued(ctx, job, log)
		return false
	}

	report, err := r.initRun(ctx, job)
	if err != nil {
		log.Error("run initialization failed", zap.Error(err))
		r.hub.Publish(job.UserID, notify.Event{
			Event:       notify.EventFailed,
			CampaignUID: job.CampaignUID,
			Error:       err.Error(),
			Message:     "Campaign failed to start.",
		})
		return false
	}

	log = log.With(zap.String("report_uid", report.UID))
	log.Info("run started",
		zap.Int("total", job.Total),
		zap.Int("resume_offset", job.ResumeOffset),
	)
	metrics.RunsStarted.Inc()

	return r.send(ctx, job, report, log)
}

// ReleaseSession tears the user's channel session down. The pool calls it
// when a run that asked for release turns out to be the user's last.
func (r *Runner) ReleaseSession(ctx context.Context, userID string) {
	if err := r.sessions.Teardown(ctx, userID); err != nil {
		r.log.Warn("session teardown failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

func (r *Runner) initRun(ctx context.Context, job Job) (*models.CampaignReport, error) {
	var report *models.CampaignReport

	if job.ReportUID == "" {
		report = &models.CampaignReport{
			UID:         uuid.NewString(),
			CampaignUID: job.CampaignUID,
			Status:      models.ReportRunning,
			Processed:   job.ResumeOffset,
			TotalBatch:  job.Total,
			RunAt:       time.Now(),
		}
		if err := r.reports.CreateReport(ctx, report); err != nil {
			return nil, fmt.Errorf("create report: %w", err)
		}
	} else {
		var err error
		report, err = r.reports.GetReport(ctx, job.ReportUID)
		if err != nil {
			// Data-integrity fault: the job referenced a report that is
			// gone. Fatal for this job only, never retried.
			return nil, fmt.Errorf("load report %s: %w", job.ReportUID, err)
		}
		if err := r.reports.SetReportStatus(ctx, report.UID, models.ReportRunning); err != nil {
			return nil, fmt.Errorf("mark report running: %w", err)
		}
		report.Status = models.ReportRunning
	}

	if err := r.reports.AttachReport(ctx, job.CampaignUID, report.UID); err != nil {
		return nil, fmt.Errorf("attach report: %w", err)
	}

	// The cache is rebuilt from the ledger here; whatever was in it before
	// is disposable.
	if err := r.progress.Init(ctx, job.CampaignUID, report); err != nil {
		return nil, fmt.Errorf("init progress entry: %w", err)
	}

	r.sessions.BindCampaign(job.UserID, job.CampaignUID)

	return report, nil
}

func (r *Runner) send(ctx context.Context, job Job, report *models.CampaignReport, log *zap.Logger) bool {
	limit := rate.Inf
	if r.delay > 0 {
		limit = rate.Every(r.delay)
	}
	limiter := rate.NewLimiter(limit, 1)

	processed := job.ResumeOffset
	withError := report.WithError
	lastLedger := report.SentPercent

	for i := job.ResumeOffset; i < len(job.Recipients); i++ {
		pct := percentOf(processed, job.Total)

		st, err := r.progress.Status(ctx, job.CampaignUID)
		if err != nil {
			log.Warn("progress status read failed", zap.Error(err))
		}
		drain := false
		if d, derr := r.progress.DrainRequested(ctx); derr != nil {
			log.Warn("drain flag read failed", zap.Error(derr))
		} else {
			drain = d
		}

		switch {
		case st == string(models.ReportCancelled):
			r.finishCancelled(ctx, job, report, processed, withError, pct, log)
			return true
		case st == string(models.ReportStopped) || drain:
			r.finishStopped(ctx, job, report, processed, withError, pct, log)
			return false
		}

		// Inter-message pacing. Cooperative: cancellation of the root
		// context checkpoints the run as stopped instead of killing it.
		if err := limiter.Wait(ctx); err != nil {
			r.finishStopped(ctx, job, report, processed, withError, pct, log)
			return false
		}

		rec := job.Recipients[i]
		body := Render(rec.Body, rec.Fields)

		if err := r.sessions.SendMessage(ctx, job.UserID, rec.Phone, body); err != nil {
			if errors.Is(err, channel.ErrSessionUnavailable) {
				r.finishFailed(ctx, job, report, processed, withError, pct, err, log)
				return false
			}

			// Per-message fault: counted, not fatal. The run moves on.
			withError++
			metrics.MessageFailures.Inc()
			if perr := r.progress.IncrCounter(ctx, job.CampaignUID, progress.FieldErrors, 1); perr != nil {
				log.Warn("error counter update failed", zap.Error(perr))
			}
		} else {
			metrics.MessagesSent.Inc()
			if perr := r.progress.IncrCounter(ctx, job.CampaignUID, progress.FieldPending, 1); perr != nil {
				log.Warn("pending counter update failed", zap.Error(perr))
			}
		}

		processed++
		pct = percentOf(processed, job.Total)

		if err := r.progress.SetProgress(ctx, job.CampaignUID, pct); err != nil {
			log.Warn("progress write failed", zap.Error(err))
		}

		if pct-lastLedger >= 10 {
			if err := r.reports.UpdateReportProgress(ctx, report.UID, processed, withError, pct); err != nil {
				log.Error("checkpoint write failed", zap.Error(err))
			} else {
				lastLedger = pct
			}

			// The ledger write above happens before this event, so a
			// client that sees the progress can re-read at least as
			// fresh a report.
			r.hub.Publish(job.UserID, notify.Event{
				Event:       notify.EventProgress,
				CampaignUID: job.CampaignUID,
				Progress:    progress.FormatPercent(pct),
				Message:     "Campaign progress.",
			})
		}
	}

	r.finishCompleted(ctx, job, report, processed, withError, log)
	return true
}

// captureAcks snapshots the delivery receipt counters out of the progress
// cache into the report row, before the entry can be deleted. Receipts that
// arrive after this are lost with the cache; the report keeps whatever the
// run had seen by its end.
func (r *Runner) captureAcks(ctx context.Context, job Job, report *models.CampaignReport, log *zap.Logger) {
	snap, err := r.progress.Snapshot(ctx, job.CampaignUID)
	if err != nil {
		log.Warn("progress snapshot failed", zap.Error(err))
		return
	}

	report.Pending = atoiField(snap, progress.FieldPending)
	report.Received = atoiField(snap, progress.FieldReceived)
	report.Delivered = atoiField(snap, progress.FieldDelivered)
	report.Read = atoiField(snap, progress.FieldRead)
}

func atoiField(snap map[string]string, field string) int {
	n, _ := strconv.Atoi(snap[field])
	return n
}

func (r *Runner) finishCompleted(ctx context.Context, job Job, report *models.CampaignReport, processed, withError int, log *zap.Logger) {
	report.Status = models.ReportSent
	report.Processed = processed
	report.WithError = withError
	report.SentPercent = 100
	r.captureAcks(ctx, job, report, log)

	if err := r.reports.FinishReport(ctx, report); err != nil {
		log.Error("final checkpoint write failed", zap.Error(err))
	}
	if err := r.reports.MarkCampaignSent(ctx, job.CampaignUID); err != nil {
		log.Error("campaign finalization failed", zap.Error(err))
	}
	if err := r.progress.Delete(ctx, job.CampaignUID); err != nil {
		log.Warn("progress entry delete failed", zap.Error(err))
	}

	r.sessions.UnbindCampaign(job.UserID)

	r.hub.Publish(job.UserID, notify.Event{
		Event:       notify.EventCompleted,
		CampaignUID: job.CampaignUID,
		Progress:    progress.FormatPercent(100),
		Message:     "Campaign completed.",
	})

	r.mailSummary(job.CampaignName, report, log)

	log.Info("run completed",
		zap.Int("processed", processed),
		zap.Int("with_error", withError),
	)
}

// finishStopped checkpoints the run for resume. The progress entry and the
// session stay alive: a resume needs both.
func (r *Runner) finishStopped(ctx context.Context, job Job, report *models.CampaignReport, processed, withError int, pct float64, log *zap.Logger) {
	if err := r.progress.SetStatus(ctx, job.CampaignUID, models.ReportStopped); err != nil {
		log.Warn("progress status write failed", zap.Error(err))
	}

	report.Status = models.ReportStopped
	report.Processed = processed
	report.WithError = withError
	report.SentPercent = pct
	r.captureAcks(ctx, job, report, log)

	if err := r.reports.FinishReport(ctx, report); err != nil {
		log.Error("stop checkpoint write failed", zap.Error(err))
	}

	r.sessions.UnbindCampaign(job.UserID)

	r.hub.Publish(job.UserID, notify.Event{
		Event:       notify.EventStop,
		CampaignUID: job.CampaignUID,
		Progress:    progress.FormatPercent(pct),
		Message:     "Campaign stopped.",
	})

	log.Info("run stopped",
		zap.Int("processed", processed),
		zap.Float64("sent_percent", pct),
	)
}

// finishCancelled is terminal: the report freezes as cancelled and the
// campaign returns to the active pool.
func (r *Runner) finishCancelled(ctx context.Context, job Job, report *models.CampaignReport, processed, withError int, pct float64, log *zap.Logger) {
	report.Status = models.ReportCancelled
	report.Processed = processed
	report.WithError = withError
	report.SentPercent = pct
	r.captureAcks(ctx, job, report, log)

	if err := r.reports.FinishReport(ctx, report); err != nil {
		log.Error("cancel checkpoint write failed", zap.Error(err))
	}
	if err := r.reports.SetCampaignStatus(ctx, job.CampaignUID, models.CampaignActive); err != nil {
		log.Error("campaign status write failed", zap.Error(err))
	}
	if err := r.progress.Delete(ctx, job.CampaignUID); err != nil {
		log.Warn("progress entry delete failed", zap.Error(err))
	}

	r.sessions.UnbindCampaign(job.UserID)

	r.hub.Publish(job.UserID, notify.Event{
		Event:       notify.EventStop,
		CampaignUID: job.CampaignUID,
		Progress:    progress.FormatPercent(pct),
		Message:     "Campaign cancelled.",
	})

	log.Info("run cancelled", zap.Int("processed", processed))
}

// finishFailed handles a session that became permanently unavailable. The
// report freezes as stopped so the run stays resumable.
func (r *Runner) finishFailed(ctx context.Context, job Job, report *models.CampaignReport, processed, withError int, pct float64, cause error, log *zap.Logger) {
	report.Status = models.ReportStopped
	report.Processed = processed
	report.WithError = withError
	report.SentPercent = pct
	r.captureAcks(ctx, job, report, log)

	if err := r.reports.FinishReport(ctx, report); err != nil {
		log.Error("failure checkpoint write failed", zap.Error(err))
	}
	if err := r.reports.SetCampaignStatus(ctx, job.CampaignUID, models.CampaignStopped); err != nil {
		log.Error("campaign status write failed", zap.Error(err))
	}
	if err := r.progress.Delete(ctx, job.CampaignUID); err != nil {
		log.Warn("progress entry delete failed", zap.Error(err))
	}

	r.sessions.UnbindCampaign(job.UserID)
	if err := r.sessions.Teardown(ctx, job.UserID); err != nil {
		log.Warn("session teardown failed", zap.Error(err))
	}

	r.hub.Publish(job.UserID, notify.Event{
		Event:       notify.EventFailed,
		CampaignUID: job.CampaignUID,
		Progress:    progress.FormatPercent(pct),
		Error:       cause.Error(),
		Message:     "Campaign failed.",
	})

	r.mailSummary(job.CampaignName, report, log)

	log.Error("run failed",
		zap.Int("processed", processed),
		zap.Error(cause),
	)
}

// discardQueued finalizes a job that was cancelled before it ever started.
func (r *Runner) discardQueued(ctx context.Context, job Job, log *zap.Logger) {
	if job.ReportUID != "" {
		report, err := r.reports.GetReport(ctx, job.ReportUID)
		if err != nil {
			log.Warn("cancelled report lookup failed", zap.Error(err))
		} else {
			report.Status = models.ReportCancelled
			if err := r.reports.FinishReport(ctx, report); err != nil {
				log.Error("cancel checkpoint write failed", zap.Error(err))
			}
		}
	}
	if err := r.reports.SetCampaignStatus(ctx, job.CampaignUID, models.CampaignActive); err != nil {
		log.Error("campaign status write failed", zap.Error(err))
	}
	if err := r.progress.Delete(ctx, job.CampaignUID); err != nil {
		log.Warn("progress entry delete failed", zap.Error(err))
	}

	r.hub.Publish(job.UserID, notify.Event{
		Event:       notify.EventStop,
		CampaignUID: job.CampaignUID,
		Message:     "Campaign cancelled.",
	})
}

func (r *Runner) mailSummary(campaignName string, report *models.CampaignReport, log *zap.Logger) {
	if r.mailer == nil {
		return
	}
	if err := r.mailer.NotifyRunFinished(campaignName, report); err != nil {
		log.Warn("run summary mail failed", zap.Error(err))
	}
}
