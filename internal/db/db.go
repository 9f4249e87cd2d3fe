package db

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"sendwave/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a campaign or report row does not exist.
var ErrNotFound = errors.New("db: not found")

type Store struct {
	Pool *pgxpool.Pool
}

func New(conn string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), conn)
	if err != nil {
		return nil, err
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

// EnsureSchema applies the embedded schema. Every statement is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schema)
	return err
}

// ----------------------------
// Campaigns
// ----------------------------

func (s *Store) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	return s.Pool.QueryRow(ctx,
		`INSERT INTO campaigns (uid, user_id, name, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,NOW(),NOW())
		 RETURNING id, created_at`,
		c.UID,
		c.UserID,
		c.Name,
		models.CampaignActive,
	).Scan(&c.ID, &c.CreatedAt)
}

func (s *Store) GetCampaign(ctx context.Context, uid string) (*models.Campaign, error) {
	var (
		c             models.Campaign
		lastReportUID *string
		sentAt        *time.Time
	)

	err := s.Pool.QueryRow(ctx,
		`SELECT id, uid, user_id, name, status, last_report_uid, sent_at, created_at, updated_at
		 FROM campaigns
		 WHERE uid=$1`,
		uid,
	).Scan(&c.ID, &c.UID, &c.UserID, &c.Name, &c.Status, &lastReportUID, &sentAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastReportUID != nil {
		c.LastReportUID = *lastReportUID
	}
	c.SentAt = sentAt

	return &c, nil
}

func (s *Store) SetCampaignStatus(ctx context.Context, uid string, status models.CampaignStatus) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE campaigns
		 SET status=$1,
		     updated_at=NOW()
		 WHERE uid=$2`,
		status,
		uid,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// AttachReport marks the campaign running and points it at the report that
// owns the run.
func (s *Store) AttachReport(ctx context.Context, campaignUID, reportUID string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE campaigns
		 SET status=$1,
		     last_report_uid=$2,
		     updated_at=NOW()
		 WHERE uid=$3`,
		models.CampaignRunning,
		reportUID,
		campaignUID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// MarkCampaignSent returns the campaign to the active pool after a completed
// run and stamps sent_at.
func (s *Store) MarkCampaignSent(ctx context.Context, uid string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE campaigns
		 SET status=$1,
		     sent_at=NOW(),
		     updated_at=NOW()
		 WHERE uid=$2`,
		models.CampaignActive,
		uid,
	)

	return err
}

// ----------------------------
// Campaign reports
// ----------------------------

func (s *Store) CreateReport(ctx context.Context, r *models.CampaignReport) error {
	return s.Pool.QueryRow(ctx,
		`INSERT INTO campaign_reports
		 (uid, campaign_uid, status, processed, with_error, sent_percent, total_batch, run_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW())
		 RETURNING id, created_at`,
		r.UID,
		r.CampaignUID,
		r.Status,
		r.Processed,
		r.WithError,
		r.SentPercent,
		r.TotalBatch,
		r.RunAt,
	).Scan(&r.ID, &r.CreatedAt)
}

func (s *Store) GetReport(ctx context.Context, uid string) (*models.CampaignReport, error) {
	var r models.CampaignReport

	err := s.Pool.QueryRow(ctx,
		`SELECT id, uid, campaign_uid, status, processed, with_error, pending,
		        received_by_server, delivered, "read",
		        sent_percent, total_batch, run_at, created_at, updated_at
		 FROM campaign_reports
		 WHERE uid=$1`,
		uid,
	).Scan(&r.ID, &r.UID, &r.CampaignUID, &r.Status, &r.Processed, &r.WithError, &r.Pending,
		&r.Received, &r.Delivered, &r.Read, &r.SentPercent, &r.TotalBatch, &r.RunAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &r, nil
}

func (s *Store) ListReports(ctx context.Context, campaignUID string) ([]models.CampaignReport, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, uid, campaign_uid, status, processed, with_error, pending,
		        received_by_server, delivered, "read",
		        sent_percent, total_batch, run_at, created_at, updated_at
		 FROM campaign_reports
		 WHERE campaign_uid=$1
		 ORDER BY run_at DESC`,
		campaignUID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []models.CampaignReport
	for rows.Next() {
		var r models.CampaignReport
		if err := rows.Scan(&r.ID, &r.UID, &r.CampaignUID, &r.Status, &r.Processed, &r.WithError,
			&r.Pending, &r.Received, &r.Delivered, &r.Read, &r.SentPercent, &r.TotalBatch, &r.RunAt,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}

	return reports, rows.Err()
}

func (s *Store) SetReportStatus(ctx context.Context, uid string, status models.ReportStatus) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE campaign_reports
		 SET status=$1,
		     updated_at=NOW()
		 WHERE uid=$2`,
		status,
		uid,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateReportProgress writes the durable checkpoint. The owning run is the
// only writer, so there is no read-modify-write race on these columns.
func (s *Store) UpdateReportProgress(ctx context.Context, uid string, processed, withError int, percent float64) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE campaign_reports
		 SET processed=$1,
		     with_error=$2,
		     sent_percent=$3,
		     updated_at=NOW()
		 WHERE uid=$4`,
		processed,
		withError,
		percent,
		uid,
	)

	return err
}

// FinishReport writes the terminal checkpoint in one statement: status,
// counters and the delivery receipt totals the run accumulated in the
// progress cache. After this the cache entry is disposable.
func (s *Store) FinishReport(ctx context.Context, r *models.CampaignReport) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE campaign_reports
		 SET status=$1,
		     processed=$2,
		     with_error=$3,
		     pending=$4,
		     received_by_server=$5,
		     delivered=$6,
		     "read"=$7,
		     sent_percent=$8,
		     updated_at=NOW()
		 WHERE uid=$9`,
		r.Status,
		r.Processed,
		r.WithError,
		r.Pending,
		r.Received,
		r.Delivered,
		r.Read,
		r.SentPercent,
		r.UID,
	)

	return err
}

// ----------------------------
// Channel session flags
// ----------------------------

func (s *Store) SetSessionActive(ctx context.Context, userID string, active bool) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO channel_sessions (user_id, is_active, created_at, updated_at)
		 VALUES ($1,$2,NOW(),NOW())
		 ON CONFLICT (user_id)
		 DO UPDATE SET is_active=$2, updated_at=NOW()`,
		userID,
		active,
	)

	return err
}

func (s *Store) SessionActive(ctx context.Context, userID string) (bool, error) {
	var active bool

	err := s.Pool.QueryRow(ctx,
		`SELECT is_active FROM channel_sessions WHERE user_id=$1`,
		userID,
	).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return active, nil
}
