package notify

type EventType string

const (
	EventQR           EventType = "qr"
	EventReady        EventType = "ready"
	EventDisconnected EventType = "disconnected"
	EventProgress     EventType = "progress"
	EventStop         EventType = "stop"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
	EventMessageSent  EventType = "messageSent"
	EventError        EventType = "error"
)

// Event is the wire shape of the per-user live stream. One multiplexed
// stream carries both session and dispatch events.
type Event struct {
	Event       EventType `json:"event"`
	CampaignUID string    `json:"campaignId,omitempty"`
	Progress    string    `json:"progress,omitempty"`
	QR          string    `json:"qr,omitempty"`
	Error       string    `json:"error,omitempty"`
	Message     string    `json:"message"`
}
