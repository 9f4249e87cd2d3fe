package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sendwave/internal/metrics"
	"sendwave/internal/notify"
	"sendwave/internal/progress"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StatePairing
	StateReady
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StatePairing:
		return "pairing"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Session is the in-memory handle of one user's channel connection.
type Session struct {
	userID string
	client Client

	mu          sync.Mutex
	state       SessionState
	attempts    int
	campaignUID string
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) boundCampaign() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.campaignUID
}

// FlagStore persists the durable session-active flag per user.
type FlagStore interface {
	SetSessionActive(ctx context.Context, userID string, active bool) error
	SessionActive(ctx context.Context, userID string) (bool, error)
}

type Notifier interface {
	Publish(userID string, ev notify.Event)
}

// AckSink receives per-message delivery receipts for the campaign bound to
// the user's active run.
type AckSink interface {
	IncrCounter(ctx context.Context, campaignUID, field string, n int64) error
}

// Manager owns the user-to-session arena. All map mutations go through its
// methods; that boundary is what keeps "one live client per user" true.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	driver Driver
	flags  FlagStore
	hub    Notifier
	acks   AckSink
	log    *zap.Logger

	maxAttempts int
	authWait    time.Duration
}

func NewManager(driver Driver, flags FlagStore, hub Notifier, acks AckSink, log *zap.Logger, maxAttempts int, authWait time.Duration) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		driver:      driver,
		flags:       flags,
		hub:         hub,
		acks:        acks,
		log:         log,
		maxAttempts: maxAttempts,
		authWait:    authWait,
	}
}

// StartSession returns the user's session, constructing and initializing a
// new client when none exists. Idempotent: concurrent callers observe the
// same handle, never two live clients.
func (m *Manager) StartSession(ctx context.Context, userID string) (*Session, error) {
	return m.create(ctx, userID)
}

// RestoreSession rebuilds a session from persisted credentials. It returns
// ErrNoStoredSession when the user has no durable session flag.
func (m *Manager) RestoreSession(ctx context.Context, userID string) (*Session, error) {
	if s := m.get(userID); s != nil {
		return s, nil
	}

	active, err := m.flags.SessionActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrNoStoredSession
	}

	m.log.Info("restoring channel session", zap.String("user_id", userID))

	// The ready notification is the driver's to give: it arrives through
	// onReady once the restored client has actually authenticated.
	return m.create(ctx, userID)
}

func (m *Manager) create(ctx context.Context, userID string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		return s, nil
	}

	s := &Session{userID: userID, state: StateUnauthenticated}

	client, err := m.driver.NewClient(userID, m.handler(userID))
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	s.client = client
	m.sessions[userID] = s
	m.mu.Unlock()

	metrics.SessionsActive.Inc()

	if err := client.Start(ctx); err != nil {
		m.drop(userID)
		return nil, err
	}

	return s, nil
}

// handler maps driver events onto session state transitions and outbound
// notifications. It must never panic out into the driver goroutine.
func (m *Manager) handler(userID string) func(DriverEvent) {
	return func(ev DriverEvent) {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("panic in channel event handler",
					zap.String("user_id", userID),
					zap.Any("panic", r),
				)
			}
		}()

		ctx := context.Background()

		switch ev.Kind {
		case EventPairingCode:
			m.onPairingCode(userID, ev.PairingCode)

		case EventReady:
			m.onReady(ctx, userID)

		case EventDisconnected:
			m.onDisconnected(ctx, userID)

		case EventAuthFailure:
			m.onAuthFailure(ctx, userID, ev.Err)

		case EventAck:
			m.onAck(ctx, userID, ev.Ack)
		}
	}
}

func (m *Manager) onPairingCode(userID, code string) {
	s := m.get(userID)
	if s == nil {
		return
	}

	s.mu.Lock()
	s.attempts++
	s.state = StatePairing
	attempt := s.attempts
	s.mu.Unlock()

	metrics.PairingAttempts.Inc()
	m.log.Info("pairing code issued",
		zap.String("user_id", userID),
		zap.Int("attempt", attempt),
	)

	if attempt <= m.maxAttempts {
		m.hub.Publish(userID, notify.Event{
			Event:   notify.EventQR,
			QR:      code,
			Message: fmt.Sprintf("Pairing code issued. Scan to authenticate. Attempt %d of %d.", attempt, m.maxAttempts),
		})
	}

	if attempt >= m.maxAttempts {
		m.log.Info("max pairing attempts reached, cancelling session",
			zap.String("user_id", userID),
		)
		m.drop(userID)

		m.hub.Publish(userID, notify.Event{
			Event:   notify.EventDisconnected,
			Error:   ErrPairingExhausted.Error(),
			Message: "Max pairing attempts reached. Session has been cancelled.",
		})
	}
}

func (m *Manager) onReady(ctx context.Context, userID string) {
	s := m.get(userID)
	if s == nil {
		return
	}

	s.mu.Lock()
	s.state = StateReady
	s.attempts = 0
	s.mu.Unlock()

	if err := m.flags.SetSessionActive(ctx, userID, true); err != nil {
		m.log.Error("failed to persist session flag",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	m.log.Info("channel session ready", zap.String("user_id", userID))
	m.hub.Publish(userID, notify.Event{
		Event:   notify.EventReady,
		Message: "Channel session ready. You can start sending messages.",
	})
}

// onDisconnected is the single place that guarantees map consistency: it
// runs for requested teardowns and for network-triggered drops alike.
func (m *Manager) onDisconnected(ctx context.Context, userID string) {
	if err := m.flags.SetSessionActive(ctx, userID, false); err != nil {
		m.log.Error("failed to clear session flag",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	m.drop(userID)

	m.log.Info("channel session disconnected", zap.String("user_id", userID))
	m.hub.Publish(userID, notify.Event{
		Event:   notify.EventDisconnected,
		Message: "Channel session disconnected.",
	})
}

func (m *Manager) onAuthFailure(ctx context.Context, userID string, cause error) {
	if err := m.flags.SetSessionActive(ctx, userID, false); err != nil {
		m.log.Error("failed to clear session flag",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	m.drop(userID)

	msg := "Channel authentication failed."
	errStr := ""
	if cause != nil {
		errStr = cause.Error()
	}

	m.log.Warn("channel auth failure", zap.String("user_id", userID), zap.Error(cause))
	m.hub.Publish(userID, notify.Event{
		Event:   notify.EventError,
		Error:   errStr,
		Message: msg,
	})
}

func (m *Manager) onAck(ctx context.Context, userID string, level AckLevel) {
	if m.acks == nil {
		return
	}

	s := m.get(userID)
	if s == nil {
		return
	}
	campaignUID := s.boundCampaign()
	if campaignUID == "" {
		return
	}

	var field string
	switch level {
	case AckServer:
		field = progress.FieldReceived
	case AckDelivered:
		field = progress.FieldDelivered
	case AckRead:
		field = progress.FieldRead
	default:
		return
	}

	if err := m.acks.IncrCounter(ctx, campaignUID, field, 1); err != nil {
		m.log.Warn("failed to record delivery receipt",
			zap.String("user_id", userID),
			zap.String("campaign_uid", campaignUID),
			zap.Error(err),
		)
	}
}

// BindCampaign routes the user's delivery receipts to the given campaign
// while its run is in flight.
func (m *Manager) BindCampaign(userID, campaignUID string) {
	if s := m.get(userID); s != nil {
		s.mu.Lock()
		s.campaignUID = campaignUID
		s.mu.Unlock()
	}
}

func (m *Manager) UnbindCampaign(userID string) {
	if s := m.get(userID); s != nil {
		s.mu.Lock()
		s.campaignUID = ""
		s.mu.Unlock()
	}
}

// SendMessage delivers one message through the user's session, restoring it
// on demand. A session that is not yet authenticated gets one fixed backoff
// interval and a single re-check before the send fails terminally.
func (m *Manager) SendMessage(ctx context.Context, userID, recipient, body string) error {
	s := m.get(userID)
	if s == nil {
		var err error
		s, err = m.RestoreSession(ctx, userID)
		if errors.Is(err, ErrNoStoredSession) {
			return ErrSessionUnavailable
		}
		if err != nil {
			return err
		}
	}

	if !s.client.Authenticated() {
		op := func() error {
			if s.client.Authenticated() {
				return nil
			}
			return ErrSessionUnavailable
		}
		b := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.authWait), 1)
		if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
			m.log.Warn("session never became ready for send",
				zap.String("user_id", userID),
			)
			return ErrSessionUnavailable
		}
	}

	id, err := s.client.Send(ctx, recipient, body)
	if err != nil {
		m.log.Error("message send failed",
			zap.String("user_id", userID),
			zap.String("recipient", recipient),
			zap.Error(err),
		)
		m.hub.Publish(userID, notify.Event{
			Event:   notify.EventError,
			Error:   err.Error(),
			Message: fmt.Sprintf("Error sending message to %s", recipient),
		})
		return fmt.Errorf("channel: send to %s: %w", recipient, err)
	}

	m.hub.Publish(userID, notify.Event{
		Event:   notify.EventMessageSent,
		Message: fmt.Sprintf("Message sent to %s (%s)", recipient, id),
	})

	return nil
}

// Teardown logs the session out, destroys the client and clears the durable
// flag. Used on run completion and terminal failures.
func (m *Manager) Teardown(ctx context.Context, userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	metrics.SessionsActive.Dec()

	if err := s.client.Logout(ctx); err != nil {
		m.log.Warn("session logout failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
	if err := s.client.Close(); err != nil {
		m.log.Warn("session close failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()

	return m.flags.SetSessionActive(ctx, userID, false)
}

// Active reports how many sessions are live in memory.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) get(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID]
}

// drop removes the session from the arena and closes its client.
func (m *Manager) drop(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	metrics.SessionsActive.Dec()

	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()

	if err := s.client.Close(); err != nil {
		m.log.Warn("client close failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}
