package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/reel-publisher/internal/config"
	"github.com/cyderes/reel-publisher/internal/inbox"
	"github.com/cyderes/reel-publisher/internal/models"
	"github.com/cyderes/reel-publisher/internal/storage"
	"github.com/cyderes/reel-publisher/internal/tracking"
)

type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) Status() models.SchedulerStatus {
	return m.Called().Get(0).(models.SchedulerStatus)
}

func (m *MockScheduler) Resume() bool {
	return m.Called().Bool(0)
}

type MockInbox struct {
	mock.Mock
}

func (m *MockInbox) Handle(ctx context.Context, msg inbox.Message) (inbox.Reply, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(inbox.Reply), args.Error(1)
}

type brokenTracker struct{}

func (brokenTracker) Resolve(context.Context, string, models.ClickMetadata) (*tracking.Resolution, error) {
	return nil, errors.New("boom")
}

func (brokenTracker) Stats(context.Context, string) (models.ClickStats, error) {
	return models.ClickStats{}, errors.New("boom")
}

func (brokenTracker) Recent(context.Context, int) ([]models.ClickEvent, error) {
	return nil, errors.New("boom")
}

func newTracker(t *testing.T) *tracking.Tracker {
	t.Helper()
	store, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	return tracking.NewTracker(store, "http://localhost:3000", zerolog.Nop())
}

func newTestServer(deps Deps) http.Handler {
	cfg := config.ServerConfig{Port: 0, RateLimitOn: false}
	return NewServer(cfg, deps, zerolog.Nop()).Routes()
}

const testAdminToken = "admin-secret"

func newAdminServer(deps Deps) http.Handler {
	cfg := config.ServerConfig{AdminAddr: "127.0.0.1:0", AdminToken: testAdminToken}
	return NewServer(cfg, deps, zerolog.Nop()).AdminRoutes()
}

func doAdmin(h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:51000"
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func do(h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.RemoteAddr = "192.0.2.10:51000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorPayload {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestHealth(t *testing.T) {
	h := newTestServer(Deps{Tracker: newTracker(t)})

	rec := do(h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	_, err := time.Parse(time.RFC3339, body["time"])
	assert.NoError(t, err)
}

func TestIndexListsEndpoints(t *testing.T) {
	h := newTestServer(Deps{Tracker: newTracker(t)})
	rec := do(h, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/track/{token}")
}

func TestRequestIDIsPropagated(t *testing.T) {
	h := newTestServer(Deps{Tracker: newTracker(t)})
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Header.Set(requestIDHeader, "rid-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "rid-123", rec.Header().Get(requestIDHeader))
	assert.Equal(t, ErrorPayload{Code: "not_found", Message: "route not found", RequestID: "rid-123"}, decodeError(t, rec))
}

func TestTrack_RedirectsAndLogsClick(t *testing.T) {
	tr := newTracker(t)
	h := newTestServer(Deps{Tracker: tr})
	ctx := context.Background()

	url, err := tr.Mint(ctx, "FORGE", "https://gumroad.com/l/forge", "u1")
	require.NoError(t, err)
	path := strings.TrimPrefix(url, "http://localhost:3000")

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "192.0.2.10:51000"
	req.Header.Set("User-Agent", "Test-Agent/1.0")
	req.Header.Set("Referer", "https://instagram.com/")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://gumroad.com/l/forge", rec.Header().Get("Location"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	recent, err := tr.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, models.ClickMetadata{
		IP: "192.0.2.10", UserAgent: "Test-Agent/1.0", Referrer: "https://instagram.com/",
	}, recent[0].Click)
}

func TestTrack_UsesForwardedFor(t *testing.T) {
	tr := newTracker(t)
	h := newTestServer(Deps{Tracker: tr})

	url, err := tr.Mint(context.Background(), "FORGE", "https://x/y", "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, strings.TrimPrefix(url, "http://localhost:3000"), nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	recent, err := tr.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", recent[0].Click.IP)
}

func TestTrack_UnknownTokenIs404(t *testing.T) {
	h := newTestServer(Deps{Tracker: newTracker(t)})

	rec := do(h, http.MethodGet, "/track/deadbeef", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Code)
}

func TestTrack_RateLimited(t *testing.T) {
	cfg := config.ServerConfig{RateLimitOn: true, RateLimit: 2, RateLimitWindow: time.Minute}
	h := NewServer(cfg, Deps{Tracker: newTracker(t)}, zerolog.Nop()).Routes()

	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, do(h, http.MethodGet, "/track/unknown", nil).Code)
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)

	// other routes are not limited
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/stats", nil).Code)
}

func TestStats(t *testing.T) {
	tr := newTracker(t)
	h := newTestServer(Deps{Tracker: tr})
	ctx := context.Background()

	for _, p := range []string{"FORGE", "FORGE", "GUIDE"} {
		url, err := tr.Mint(ctx, p, "https://x/"+p, "u-"+p)
		require.NoError(t, err)
		rec := do(h, http.MethodGet, strings.TrimPrefix(url, "http://localhost:3000"), nil)
		require.Equal(t, http.StatusFound, rec.Code)
	}

	rec := do(h, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.ClickStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.TotalClicks)
	assert.Equal(t, 2, stats.UniqueUsers)
	assert.Equal(t, map[string]int{"FORGE": 2, "GUIDE": 1}, stats.ClicksByProduct)
	assert.Equal(t, 3, stats.TotalRedirects)
	assert.Equal(t, 3, stats.ClickedRedirects)

	rec = do(h, http.MethodGet, "/stats?product=GUIDE", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalClicks)
}

func TestRecent(t *testing.T) {
	tr := newTracker(t)
	h := newTestServer(Deps{Tracker: tr})
	ctx := context.Background()

	rec := do(h, http.MethodGet, "/recent", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	for _, p := range []string{"A", "B", "C"} {
		url, err := tr.Mint(ctx, p, "https://x/"+p, "")
		require.NoError(t, err)
		do(h, http.MethodGet, strings.TrimPrefix(url, "http://localhost:3000"), nil)
	}

	rec = do(h, http.MethodGet, "/recent?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []models.ClickEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "C", events[0].ProductName)
	assert.Equal(t, "B", events[1].ProductName)

	for _, bad := range []string{"0", "-1", "ten"} {
		rec = do(h, http.MethodGet, "/recent?limit="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestTrackerFailures(t *testing.T) {
	h := newTestServer(Deps{Tracker: brokenTracker{}})

	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodGet, "/track/abc", nil).Code)
	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodGet, "/stats", nil).Code)
	assert.Equal(t, http.StatusInternalServerError, do(h, http.MethodGet, "/recent", nil).Code)
}

func TestStatusAndResume(t *testing.T) {
	sched := new(MockScheduler)
	paused := models.SchedulerStatus{State: "paused", Paused: true, Message: "paused, needs manual action", IntervalMillis: 14400000}
	sched.On("Status").Return(paused).Once()
	sched.On("Resume").Return(true).Once()
	sched.On("Status").Return(models.SchedulerStatus{State: "sleeping", IntervalMillis: 14400000}).Once()

	h := newAdminServer(Deps{Tracker: newTracker(t), Scheduler: sched})

	rec := doAdmin(h, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st models.SchedulerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, paused, st)

	rec = doAdmin(h, http.MethodPost, "/scheduler/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"resumed":true`)
	assert.Contains(t, rec.Body.String(), `"state":"sleeping"`)

	assert.Equal(t, http.StatusMethodNotAllowed, doAdmin(h, http.MethodGet, "/scheduler/resume", nil).Code)
	sched.AssertExpectations(t)
}

func TestStatus_NoScheduler(t *testing.T) {
	h := newAdminServer(Deps{Tracker: newTracker(t)})
	assert.Equal(t, http.StatusServiceUnavailable, doAdmin(h, http.MethodGet, "/status", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, doAdmin(h, http.MethodPost, "/scheduler/resume", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, doAdmin(h, http.MethodPost, "/inbox/messages", []byte(`{}`)).Code)
}

func TestInboxMessage(t *testing.T) {
	ib := new(MockInbox)
	msg := inbox.Message{ThreadID: "t1", MessageID: "m1", Text: "forge"}
	ib.On("Handle", mock.Anything, msg).
		Return(inbox.Reply{Result: inbox.ResultReplied, Product: "FORGE", Text: "Here is your link: http://x/track/1"}, nil).Once()
	ib.On("Handle", mock.Anything, inbox.Message{Text: "x"}).Return(inbox.Reply{}, inbox.ErrInvalidMessage).Once()

	h := newAdminServer(Deps{Tracker: newTracker(t), Inbox: ib})

	rec := doAdmin(h, http.MethodPost, "/inbox/messages", []byte(`{"threadId":"t1","messageId":"m1","text":"forge"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var reply inbox.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.Equal(t, "Here is your link: http://x/track/1", reply.Text)

	rec = doAdmin(h, http.MethodPost, "/inbox/messages", []byte(`{"text":"x"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_message", decodeError(t, rec).Code)

	rec = doAdmin(h, http.MethodPost, "/inbox/messages", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_body", decodeError(t, rec).Code)

	ib.AssertExpectations(t)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(Deps{Tracker: newTracker(t)})
	do(h, http.MethodGet, "/health", nil)

	rec := do(h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `reel_publisher_http_requests_total{method="GET",route="/health",status="200"}`)
}

func TestNewServer_RequiresTracker(t *testing.T) {
	assert.Panics(t, func() { NewServer(config.ServerConfig{}, Deps{}, zerolog.Nop()) })
}

func TestPublicListenerDoesNotServeOperatorRoutes(t *testing.T) {
	sched := new(MockScheduler)
	ib := new(MockInbox)
	h := newTestServer(Deps{Tracker: newTracker(t), Scheduler: sched, Inbox: ib})

	for i := 0; i < 5; i++ {
		rec := do(h, http.MethodPost, "/scheduler/resume", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/status", nil).Code)
	rec := do(h, http.MethodPost, "/inbox/messages", []byte(`{"threadId":"t1","messageId":"m1","text":"forge"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.NotContains(t, do(h, http.MethodGet, "/", nil).Body.String(), "/scheduler/resume")
	sched.AssertNotCalled(t, "Resume")
	ib.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
}

func TestAdmin_RejectsAnonymousRequests(t *testing.T) {
	sched := new(MockScheduler)
	h := newAdminServer(Deps{Tracker: newTracker(t), Scheduler: sched, Inbox: new(MockInbox)})

	tests := []struct {
		name   string
		header string
	}{
		{name: "no header"},
		{name: "wrong scheme", header: "Basic " + testAdminToken},
		{name: "wrong token", header: "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, target := range []string{"/scheduler/resume", "/inbox/messages"} {
				req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(`{}`))
				if tt.header != "" {
					req.Header.Set("Authorization", tt.header)
				}
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, req)

				assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
				assert.Equal(t, "unauthorized", decodeError(t, rec).Code)
			}
		})
	}

	// health stays open for the orchestrator
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	sched.AssertNotCalled(t, "Resume")
}

func TestAdmin_NoTokenConfiguredAllowsLoopbackCallers(t *testing.T) {
	sched := new(MockScheduler)
	sched.On("Resume").Return(false).Once()
	sched.On("Status").Return(models.SchedulerStatus{State: "sleeping"}).Once()

	cfg := config.ServerConfig{AdminAddr: "127.0.0.1:0"}
	h := NewServer(cfg, Deps{Tracker: newTracker(t), Scheduler: sched}, zerolog.Nop()).AdminRoutes()

	rec := do(h, http.MethodPost, "/scheduler/resume", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"resumed":false`)
	sched.AssertExpectations(t)
}

func TestAdmin_InboxIsRateLimited(t *testing.T) {
	ib := new(MockInbox)
	ib.On("Handle", mock.Anything, mock.Anything).Return(inbox.Reply{Result: inbox.ResultIgnored}, nil)

	cfg := config.ServerConfig{
		AdminAddr: "127.0.0.1:0", AdminToken: testAdminToken,
		RateLimitOn: true, RateLimit: 2, RateLimitWindow: time.Minute,
	}
	h := NewServer(cfg, Deps{Tracker: newTracker(t), Inbox: ib}, zerolog.Nop()).AdminRoutes()

	codes := []int{}
	for i := 0; i < 3; i++ {
		body := []byte(`{"threadId":"t1","messageId":"m` + string(rune('0'+i)) + `","text":"forge"}`)
		codes = append(codes, doAdmin(h, http.MethodPost, "/inbox/messages", body).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	ib.AssertNumberOfCalls(t, "Handle", 2)
}

