// Package dispatch drives campaign runs: a bounded worker pool consumes one
// job per run and walks the recipient list sequentially, checkpointing into
// the Redis progress cache every message and into the durable report every
// ten percentage points.
package dispatch

import (
	"math"

	"sendwave/internal/models"
)

// Job is one run of a campaign, fresh or resumed. A resume is just a job
// with a non-zero ResumeOffset and the prior stopped report's uid; the
// worker itself never recomputes the offset.
type Job struct {
	CampaignUID  string
	CampaignName string
	ReportUID    string // empty ⇒ create a new report
	UserID       string
	Recipients   []models.Recipient
	Total        int
	ResumeOffset int
}

// ResumeOffset converts a stopped report's checkpoint into the index of the
// first recipient a resumed run attempts. Recipients before the offset are
// never re-sent.
func ResumeOffset(r *models.CampaignReport, total int) int {
	if total <= 0 {
		return 0
	}

	// The checkpoint percent was itself computed as processed/total*100;
	// the epsilon keeps float noise from flooring one row too early.
	off := int(math.Floor(r.SentPercent*float64(total)/100 + 1e-9))
	if off < 0 {
		off = 0
	}
	if off > total {
		off = total
	}

	return off
}

func percentOf(processed, total int) float64 {
	if total <= 0 {
		return 100
	}
	return float64(processed) / float64(total) * 100
}
