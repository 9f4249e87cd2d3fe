package models

import "time"

type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignRunning   CampaignStatus = "running"
	CampaignStopped   CampaignStatus = "stopped"
	CampaignSent      CampaignStatus = "sent"
	CampaignCancelled CampaignStatus = "cancelled"
)

type ReportStatus string

const (
	ReportPending   ReportStatus = "pending"
	ReportRunning   ReportStatus = "running"
	ReportSent      ReportStatus = "sent"
	ReportStopped   ReportStatus = "stopped"
	ReportCancelled ReportStatus = "cancelled"
)

// Campaign is the durable campaign row. LastReportUID points at the report
// of the most recent run attempt; it is what a resume trigger looks up.
type Campaign struct {
	ID            int64          `json:"id"`
	UID           string         `json:"uid"`
	UserID        string         `json:"user_id"`
	Name          string         `json:"name"`
	Status        CampaignStatus `json:"status"`
	LastReportUID string         `json:"last_report_uid,omitempty"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CampaignReport is one run attempt. Processed/SentPercent are the
// authoritative resume checkpoint; the Redis progress entry is only a cache.
type CampaignReport struct {
	ID          int64        `json:"id"`
	UID         string       `json:"uid"`
	CampaignUID string       `json:"campaign_id"`
	Status      ReportStatus `json:"status"`
	Processed   int          `json:"processed"`
	WithError   int          `json:"with_error"`
	Pending     int          `json:"pending"`
	Received    int          `json:"received_by_server"`
	Delivered   int          `json:"delivered"`
	Read        int          `json:"read"`
	SentPercent float64      `json:"sent_percent"`
	TotalBatch  int          `json:"total_batch"`
	RunAt       time.Time    `json:"run_at"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Recipient is one ordered row of an uploaded recipient sheet. Body may
// contain {field} placeholders resolved from Fields before sending.
type Recipient struct {
	Phone  string
	Body   string
	Fields map[string]string
}
