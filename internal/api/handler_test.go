package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sendwave/internal/channel"
	"sendwave/internal/db"
	"sendwave/internal/dispatch"
	"sendwave/internal/models"
	"sendwave/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ----------------------------
// Fakes
// ----------------------------

type fakeStore struct {
	mu        sync.Mutex
	campaigns map[string]*models.Campaign
	reports   map[string]*models.CampaignReport
	created   []*models.Campaign
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: make(map[string]*models.Campaign),
		reports:   make(map[string]*models.CampaignReport),
	}
}

func (f *fakeStore) CreateCampaign(_ context.Context, c *models.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.created = append(f.created, &cp)
	f.campaigns[c.UID] = &cp
	return nil
}

func (f *fakeStore) GetCampaign(_ context.Context, uid string) (*models.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[uid]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) GetReport(_ context.Context, uid string) (*models.CampaignReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reports[uid]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) ListReports(_ context.Context, campaignUID string) ([]models.CampaignReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CampaignReport
	for _, r := range f.reports {
		if r.CampaignUID == campaignUID {
			out = append(out, *r)
		}
	}
	return out, nil
}

type fakeEngine struct {
	mu   sync.Mutex
	jobs []dispatch.Job
	err  error
}

func (f *fakeEngine) Enqueue(job dispatch.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeProgress struct {
	mu       sync.Mutex
	status   string
	snapshot map[string]string
	stopped  []string
}

func (f *fakeProgress) Status(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeProgress) RequestStop(_ context.Context, uid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != string(models.ReportRunning) {
		return false, nil
	}
	f.status = string(models.ReportStopped)
	f.stopped = append(f.stopped, uid)
	return true, nil
}

func (f *fakeProgress) RequestCancel(_ context.Context, uid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != string(models.ReportRunning) {
		return false, nil
	}
	f.status = string(models.ReportCancelled)
	return true, nil
}

func (f *fakeProgress) Snapshot(context.Context, string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, nil
}

type fakeLoader struct {
	rows []models.Recipient
	err  error
}

func (f *fakeLoader) Load(*models.Campaign) ([]models.Recipient, error) {
	return f.rows, f.err
}

type fakeFlags struct{}

func (fakeFlags) SetSessionActive(context.Context, string, bool) error { return nil }
func (fakeFlags) SessionActive(context.Context, string) (bool, error)  { return false, nil }

type nopAcks struct{}

func (nopAcks) IncrCounter(context.Context, string, string, int64) error { return nil }

type fixture struct {
	store    *fakeStore
	engine   *fakeEngine
	progress *fakeProgress
	loader   *fakeLoader
	hub      *notify.Hub
	handler  http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		store:    newFakeStore(),
		engine:   &fakeEngine{},
		progress: &fakeProgress{},
		loader:   &fakeLoader{rows: sheet(10)},
		hub:      notify.NewHub(zap.NewNop()),
	}

	sessions := channel.NewManager(
		&channel.LoopbackDriver{}, fakeFlags{}, f.hub, nopAcks{},
		zap.NewNop(), 3, time.Millisecond,
	)

	h := &Handler{
		Store:    f.store,
		Progress: f.progress,
		Jobs:     f.engine,
		Sessions: sessions,
		Hub:      f.hub,
		Loader:   f.loader,
		Log:      zap.NewNop(),
	}
	f.handler = h.Router()
	return f
}

func (f *fixture) seedCampaign(uid, owner string) *models.Campaign {
	c := &models.Campaign{
		UID:       uid,
		UserID:    owner,
		Name:      "promo.csv",
		Status:    models.CampaignActive,
		CreatedAt: time.Now(),
	}
	f.store.campaigns[uid] = c
	return c
}

func sheet(n int) []models.Recipient {
	rows := make([]models.Recipient, n)
	for i := range rows {
		rows[i] = models.Recipient{Phone: "5550001", Body: "hi"}
	}
	return rows
}

func (f *fixture) do(method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// ----------------------------
// Tests
// ----------------------------

func TestMissingIdentityIsRejected(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/campaigns", "", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateCampaign(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/campaigns", "u-1", map[string]string{"name": "promo.csv"})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, f.store.created, 1)
	c := f.store.created[0]
	assert.Equal(t, "u-1", c.UserID)
	assert.Equal(t, "promo.csv", c.Name)
	assert.Equal(t, models.CampaignActive, c.Status)
	assert.NotEmpty(t, c.UID)
}

func TestCreateCampaignRejectsEmptyName(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/campaigns", "u-1", map[string]string{"name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartCampaignEnqueuesJob(t *testing.T) {
	f := newFixture()
	f.seedCampaign("c-1", "u-1")

	rec := f.do(http.MethodPost, "/campaigns/c-1/start", "u-1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, f.engine.jobs, 1)
	job := f.engine.jobs[0]
	assert.Equal(t, "c-1", job.CampaignUID)
	assert.Equal(t, "u-1", job.UserID)
	assert.Equal(t, 10, job.Total)
	assert.Empty(t, job.ReportUID)
	assert.Zero(t, job.ResumeOffset)
}

func TestStartCampaignConflictsWhileRunning(t *testing.T) {
	f := newFixture()
	f.seedCampaign("c-1", "u-1")
	f.progress.status = string(models.ReportRunning)

	rec := f.do(http.MethodPost, "/campaigns/c-1/start", "u-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.engine.jobs)
}

func TestStartCampaignNotOwned(t *testing.T) {
	f := newFixture()
	f.seedCampaign("c-1", "u-1")

	// another user probing someone else's uid sees a plain 404
	rec := f.do(http.MethodPost, "/campaigns/c-1/start", "u-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartCampaignUnknownUID(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/campaigns/nope/start", "u-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartCampaignBadSheet(t *testing.T) {
	f := newFixture()
	f.seedCampaign("c-1", "u-1")
	f.loader.err = assert.AnError
	f.loader.rows = nil

	rec := f.do(http.MethodPost, "/campaigns/c-1/start", "u-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartCampaignQueueFull(t *testing.T) {
	f := newFixture()
	f.seedCampaign("c-1", "u-1")
	f.engine.err = dispatch.ErrQueueFull

	rec := f.do(http.MethodPost, "/campaigns/c-1/start", "u-1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestResumeUsesStoppedReportOffset(t *testing.T) {
	f := newFixture()
	c := f.seedCampaign("c-1", "u-1")
	c.LastReportUID = "r-1"
	f.store.reports["r-1"] = &models.CampaignReport{
		UID:         "r-1",
		CampaignUID: "c-1",
		Status:      models.ReportStopped,
		Processed:   3,
		SentPercent: 30,
		TotalBatch:  10,
	}

	rec := f.do(http.MethodPost, "/campaigns/c-1/resume", "u-1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, f.engine.jobs, 1)
	job := f.engine.jobs[0]
	assert.Equal(t, "r-1", job.ReportUID)
	assert.Equal(t, 3, job.ResumeOffset)
}

func TestResumeWithoutPriorReport(t *testing.T) {
	f := newFixture()
	f.seedCampaign("c-1", "u-1")

	rec := f.do(http.MethodPost, "/campaigns/c-1/resume", "u-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResumeRejectsNonStoppedReport(t *testing.T) {
	f := newFixture()
	c := f.seedCampaign("c-1", "u-1")
	c.LastReportUID = "r-1"
	f.store.reports["r-1"] = &models.CampaignReport{
		UID:         "r-1",
		CampaignUID: "c-1",
		Status:      models.ReportCancelled,
	}

	rec := f.do(http.MethodPost, "/campaigns/c-1/resume", "u-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.engine.jobs)
}

func TestStopRunningCampaign(t *testing.T) {
	f := newFixture()
	f.seedCampaign("c-1", "u-1")
	f.progress.status = string(models.ReportRunning)

	rec := f.do(http.MethodPost, "/campaigns/c-1/stop", "u-1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"c-1"}, f.progress.stopped)
}

func TestStopIdleCampaignConflicts(t *testing.T) {
	f := newFixture()
	f.seedCampaign("c-1", "u-1")

	rec := f.do(http.MethodPost, "/campaigns/c-1/stop", "u-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "Campaign not currently running.", body["message"])
}

func TestCancelRunningCampaign(t *testing.T) {
	f := newFixture()
	f.seedCampaign("c-1", "u-1")
	f.progress.status = string(models.ReportRunning)

	rec := f.do(http.MethodPost, "/campaigns/c-1/cancel", "u-1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, string(models.ReportCancelled), f.progress.status)
}

func TestGetReport(t *testing.T) {
	f := newFixture()
	f.store.reports["r-1"] = &models.CampaignReport{UID: "r-1", Status: models.ReportSent}

	rec := f.do(http.MethodGet, "/reports/r-1", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report models.CampaignReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "r-1", report.UID)

	rec = f.do(http.MethodGet, "/reports/nope", "u-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListReports(t *testing.T) {
	f := newFixture()
	f.seedCampaign("c-1", "u-1")
	f.store.reports["r-1"] = &models.CampaignReport{UID: "r-1", CampaignUID: "c-1"}
	f.store.reports["r-2"] = &models.CampaignReport{UID: "r-2", CampaignUID: "other"}

	rec := f.do(http.MethodGet, "/campaigns/c-1/reports", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	reports, ok := body["reports"].([]any)
	require.True(t, ok)
	assert.Len(t, reports, 1)
}

func TestGetProgressIdleAndLive(t *testing.T) {
	f := newFixture()
	f.seedCampaign("c-1", "u-1")

	rec := f.do(http.MethodGet, "/campaigns/c-1/progress", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["running"])

	f.progress.snapshot = map[string]string{
		"status":   string(models.ReportRunning),
		"progress": "30.00%",
	}

	rec = f.do(http.MethodGet, "/campaigns/c-1/progress", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["running"])
	snap, ok := body["progress"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "30.00%", snap["progress"])
}

func TestStartSessionReportsState(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/session/start", "u-1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// the loopback driver authenticates synchronously
	assert.Equal(t, "ready", decode(t, rec)["state"])
}

// syncRecorder makes the recorder safe to read while the streaming handler
// is still writing from its own goroutine.
type syncRecorder struct {
	mu sync.Mutex
	*httptest.ResponseRecorder
}

func (s *syncRecorder) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResponseRecorder.Write(b)
}

func (s *syncRecorder) WriteHeader(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResponseRecorder.WriteHeader(code)
}

func (s *syncRecorder) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResponseRecorder.Flush()
}

func (s *syncRecorder) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResponseRecorder.Body.String()
}

func TestEventsStreamsSubscribedEvents(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set("X-User-ID", "u-1")

	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	rec := &syncRecorder{ResponseRecorder: httptest.NewRecorder()}
	done := make(chan struct{})
	go func() {
		f.handler.ServeHTTP(rec, req)
		close(done)
	}()

	// wait until the subscription is registered, then publish
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Subscribers("u-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(time.Millisecond)
	}

	f.hub.Publish("u-1", notify.Event{
		Event:       notify.EventProgress,
		CampaignUID: "c-1",
		Progress:    "30.00%",
		Message:     "Campaign progress.",
	})

	deadline = time.Now().Add(2 * time.Second)
	for !strings.Contains(rec.body(), "30.00%") {
		if time.Now().After(deadline) {
			t.Fatal("event never reached the stream")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.body(), `data: {"event":"progress"`)
}
