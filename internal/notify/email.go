package notify

import (
	"fmt"

	"sendwave/internal/models"

	"gopkg.in/gomail.v2"
)

// Mailer sends the run summary mail when a run reaches a terminal state.
type Mailer struct {
	Host string
	Port int
	From string
	To   string
}

func (m *Mailer) NotifyRunFinished(campaignName string, r *models.CampaignReport) error {
	body := fmt.Sprintf(
		"Campaign %q finished with status %s.\n\nProcessed: %d of %d\nErrors: %d\nProgress: %.2f%%\nRun started: %s\n",
		campaignName, r.Status, r.Processed, r.TotalBatch, r.WithError, r.SentPercent,
		r.RunAt.Format("2006-01-02 15:04:05"),
	)

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", m.To)
	msg.SetHeader("Subject", fmt.Sprintf("Campaign %s: %s", campaignName, r.Status))
	msg.SetBody("text/plain", body)

	d := gomail.NewDialer(m.Host, m.Port, "", "")

	if err := d.DialAndSend(msg); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}

	return nil
}
