// Package progress is the fast path of campaign tracking: one Redis hash per
// campaign mirroring live counters, plus the process-wide drain flag. It is a
// disposable cache; the campaign_reports table is authoritative and the hash
// is rebuilt from it at every run start.
package progress

import (
	"context"
	"fmt"

	"sendwave/internal/models"

	"github.com/redis/go-redis/v9"
)

// Hash field names of a campaign entry.
const (
	FieldStatus    = "status"
	FieldProgress  = "progress"
	FieldErrors    = "errors"
	FieldPending   = "pending"
	FieldReceived  = "received_by_server"
	FieldDelivered = "delivered"
	FieldRead      = "read"
)

const (
	globalKey  = "global"
	drainField = "drain"
)

type Store struct {
	rdb *redis.Client
}

func New(addr string) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "",
		DB:       0,
	})

	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Key returns the hash key of a campaign entry.
func Key(campaignUID string) string {
	return "campaign:" + campaignUID
}

// FormatPercent renders a percent the way the live UI consumes it.
func FormatPercent(p float64) string {
	return fmt.Sprintf("%.2f%%", p)
}

// Init rebuilds the campaign entry from the durable report at run start.
func (s *Store) Init(ctx context.Context, campaignUID string, r *models.CampaignReport) error {
	return s.rdb.HSet(ctx, Key(campaignUID),
		FieldStatus, string(models.ReportRunning),
		FieldProgress, FormatPercent(r.SentPercent),
		FieldErrors, r.WithError,
		FieldPending, r.Pending,
		FieldReceived, r.Received,
		FieldDelivered, r.Delivered,
		FieldRead, r.Read,
	).Err()
}

// Status returns the cached run status, or "" when no entry exists (the run
// has left memory).
func (s *Store) Status(ctx context.Context, campaignUID string) (string, error) {
	st, err := s.rdb.HGet(ctx, Key(campaignUID), FieldStatus).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	return st, nil
}

func (s *Store) SetStatus(ctx context.Context, campaignUID string, status models.ReportStatus) error {
	return s.rdb.HSet(ctx, Key(campaignUID), FieldStatus, string(status)).Err()
}

// RequestStop flips a running entry to stopped. It reports false when the
// campaign is not currently running, which callers surface as a no-op.
func (s *Store) RequestStop(ctx context.Context, campaignUID string) (bool, error) {
	return s.flipRunning(ctx, campaignUID, models.ReportStopped)
}

// RequestCancel flips a running entry to cancelled.
func (s *Store) RequestCancel(ctx context.Context, campaignUID string) (bool, error) {
	return s.flipRunning(ctx, campaignUID, models.ReportCancelled)
}

func (s *Store) flipRunning(ctx context.Context, campaignUID string, to models.ReportStatus) (bool, error) {
	st, err := s.Status(ctx, campaignUID)
	if err != nil {
		return false, err
	}
	if st != string(models.ReportRunning) {
		return false, nil
	}

	if err := s.SetStatus(ctx, campaignUID, to); err != nil {
		return false, err
	}

	return true, nil
}

func (s *Store) SetProgress(ctx context.Context, campaignUID string, percent float64) error {
	return s.rdb.HSet(ctx, Key(campaignUID), FieldProgress, FormatPercent(percent)).Err()
}

func (s *Store) IncrCounter(ctx context.Context, campaignUID, field string, n int64) error {
	return s.rdb.HIncrBy(ctx, Key(campaignUID), field, n).Err()
}

func (s *Store) Snapshot(ctx context.Context, campaignUID string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, Key(campaignUID)).Result()
}

// Delete removes the campaign entry. This is the designated signal that the
// run has left memory; later stop/cancel requests become no-ops.
func (s *Store) Delete(ctx context.Context, campaignUID string) error {
	return s.rdb.Del(ctx, Key(campaignUID)).Err()
}

// ----------------------------
// Drain flag
// ----------------------------

func (s *Store) RequestDrain(ctx context.Context) error {
	return s.rdb.HSet(ctx, globalKey, drainField, "true").Err()
}

func (s *Store) ClearDrain(ctx context.Context) error {
	return s.rdb.HSet(ctx, globalKey, drainField, "false").Err()
}

func (s *Store) DrainRequested(ctx context.Context) (bool, error) {
	v, err := s.rdb.HGet(ctx, globalKey, drainField).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return v == "true", nil
}
