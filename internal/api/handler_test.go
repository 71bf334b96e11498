package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wa-gateway/internal/api"
	"github.com/example/wa-gateway/internal/common"
	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/sender"
	"github.com/example/wa-gateway/internal/session"
)

type call struct {
	op      string
	session string
	phone   string
	text    string
	url     string
	data    []byte
	voice   bool
	loc     models.Location
}

type fakeSender struct {
	mu     sync.Mutex
	err    error
	calls  []call
	status map[string]session.Status
}

func (f *fakeSender) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.err
}

func (f *fakeSender) SendText(_ context.Context, sessionID, phone, text string) error {
	return f.record(call{op: "text", session: sessionID, phone: phone, text: text})
}

func (f *fakeSender) SendImage(_ context.Context, sessionID, phone string, img sender.Image) error {
	return f.record(call{op: "image", session: sessionID, phone: phone, url: img.URL, data: img.Data, text: img.Caption})
}

func (f *fakeSender) SendVideo(_ context.Context, sessionID, phone, rawURL, caption string) error {
	return f.record(call{op: "video", session: sessionID, phone: phone, url: rawURL, text: caption})
}

func (f *fakeSender) SendAudio(_ context.Context, sessionID, phone, rawURL string, forceVoice bool) error {
	return f.record(call{op: "audio", session: sessionID, phone: phone, url: rawURL, voice: forceVoice})
}

func (f *fakeSender) SendLocation(_ context.Context, sessionID, phone string, loc models.Location) error {
	return f.record(call{op: "location", session: sessionID, phone: phone, loc: loc})
}

func (f *fakeSender) Status(sessionID string) (session.Status, bool) {
	st, ok := f.status[sessionID]
	return st, ok
}

func (f *fakeSender) DefaultSession() string { return "main" }

func (f *fakeSender) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeControl struct {
	err      error
	connects []string
}

func (f *fakeControl) Connect(identity string) error {
	f.connects = append(f.connects, identity)
	return f.err
}

type fakeAlerts struct{ flags []models.OutageFlag }

func (f fakeAlerts) Snapshot() []models.OutageFlag { return f.flags }

type fakeDispatches struct {
	records []models.DispatchRecord
	err     error
	limit   int
}

func (f *fakeDispatches) Recent(_ context.Context, limit int) ([]models.DispatchRecord, error) {
	f.limit = limit
	return f.records, f.err
}

type fixture struct {
	router     *gin.Engine
	sender     *fakeSender
	control    *fakeControl
	dispatches *fakeDispatches
}

func newFixture(t *testing.T, cfg api.Config) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		sender:     &fakeSender{status: map[string]session.Status{}},
		control:    &fakeControl{},
		dispatches: &fakeDispatches{},
	}
	h, err := api.NewHandler(cfg, api.Dependencies{
		Sender:     f.sender,
		Sessions:   f.control,
		Alerts:     fakeAlerts{flags: []models.OutageFlag{{Class: models.FailureConnection, Active: true}}},
		Dispatches: f.dispatches,
		Clock:      func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	require.NoError(t, err)
	f.router = api.NewRouter(h, zerolog.Nop())
	return f
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			_ = json.NewEncoder(&buf).Encode(b)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) api.Response {
	t.Helper()
	var resp api.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestSendEndpointsSucceed(t *testing.T) {
	f := newFixture(t, api.Config{})

	cases := []struct {
		path string
		body map[string]any
		op   string
	}{
		{"/send/text", map[string]any{"phone": "5491122334455", "text": "hola"}, "text"},
		{"/send/image", map[string]any{"phone": "5491122334455", "url": "https://cdn.example.com/a.png", "caption": "menu"}, "image"},
		{"/send/video", map[string]any{"phone": "5491122334455", "url": "https://cdn.example.com/a.mp4"}, "video"},
		{"/send/audio", map[string]any{"phone": "5491122334455", "url": "https://cdn.example.com/a.ogg", "force_voice": true}, "audio"},
		{"/send/location", map[string]any{"phone": "5491122334455", "latitude": -34.6, "longitude": -58.4, "name": "Obelisco"}, "location"},
	}

	for _, tc := range cases {
		w := f.do(http.MethodPost, tc.path, tc.body)
		require.Equal(t, http.StatusOK, w.Code, tc.path)
		assert.True(t, decode(t, w).Success, tc.path)
	}

	calls := f.sender.recorded()
	require.Len(t, calls, len(cases))
	for i, tc := range cases {
		assert.Equal(t, tc.op, calls[i].op)
		assert.Equal(t, "5491122334455", calls[i].phone)
	}
	assert.True(t, calls[3].voice)
	assert.Equal(t, models.Location{Latitude: -34.6, Longitude: -58.4, Name: "Obelisco"}, calls[4].loc)
}

func TestSendImageAcceptsInlineData(t *testing.T) {
	f := newFixture(t, api.Config{})

	w := f.do(http.MethodPost, "/send/image", map[string]any{"phone": "+15550001", "data": []byte{0x89, 'P', 'N', 'G'}})
	require.Equal(t, http.StatusOK, w.Code)

	calls := f.sender.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, calls[0].data)
}

func TestSendErrorStatusMapping(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"invalid":       {err: fmt.Errorf("%w: phone is required", sender.ErrInvalidRequest), want: http.StatusBadRequest},
		"not connected": {err: fmt.Errorf("sender: %w", common.ErrNotConnected), want: http.StatusServiceUnavailable},
		"stale":         {err: common.ErrStaleHandle, want: http.StatusServiceUnavailable},
		"timeout":       {err: fmt.Errorf("sender: send text: %w", context.DeadlineExceeded), want: http.StatusGatewayTimeout},
		"delivery":      {err: common.WrapPermanent(errors.New("recipient not on network")), want: http.StatusBadGateway},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, api.Config{})
			f.sender.err = tc.err

			w := f.do(http.MethodPost, "/send/text", map[string]any{"phone": "+15550001", "text": "hi"})
			require.Equal(t, tc.want, w.Code)
			resp := decode(t, w)
			assert.False(t, resp.Success)
			assert.Equal(t, tc.err.Error(), resp.Error)
		})
	}
}

func TestSendRejectsMalformedBody(t *testing.T) {
	f := newFixture(t, api.Config{})

	w := f.do(http.MethodPost, "/send/text", `{`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, decode(t, w).Success)
	assert.Empty(t, f.sender.recorded())
}

func TestSendLocationRequiresCoordinates(t *testing.T) {
	f := newFixture(t, api.Config{})

	w := f.do(http.MethodPost, "/send/location", map[string]any{"phone": "+15550001", "latitude": 1.5})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w).Error, "latitude and longitude")
	assert.Empty(t, f.sender.recorded())
}

func TestSendRateLimitedPerDestination(t *testing.T) {
	f := newFixture(t, api.Config{RatePerSecond: 1, RateBurst: 2})

	for i := 0; i < 2; i++ {
		w := f.do(http.MethodPost, "/send/text", map[string]any{"phone": "+15550001", "text": "hi"})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := f.do(http.MethodPost, "/send/text", map[string]any{"phone": "1 555 0001", "text": "hi"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.False(t, decode(t, w).Success)

	w = f.do(http.MethodPost, "/send/text", map[string]any{"phone": "+15550002", "text": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, f.sender.recorded(), 3)
}

func TestStatusReportsSession(t *testing.T) {
	f := newFixture(t, api.Config{})
	opened := time.Unix(1_700_000_000, 0).UTC()
	f.sender.status["main"] = session.Status{Identity: "main", State: "open", LastOpenedAt: &opened}

	w := f.do(http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "main", got["session"])
	assert.Equal(t, "open", got["state"])
	assert.EqualValues(t, 0, got["reconnect_attempts"])
	assert.NotEmpty(t, got["last_opened_at"])
}

func TestStatusUnknownSessionIsIdle(t *testing.T) {
	f := newFixture(t, api.Config{})

	w := f.do(http.MethodGet, "/status?session=other", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "other", got["session"])
	assert.Equal(t, "idle", got["state"])
}

func TestHealthAndAlerts(t *testing.T) {
	f := newFixture(t, api.Config{})

	w := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = f.do(http.MethodGet, "/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Alerts []models.OutageFlag `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Alerts, 1)
	assert.Equal(t, models.FailureConnection, got.Alerts[0].Class)
	assert.True(t, got.Alerts[0].Active)
}

func TestDispatches(t *testing.T) {
	f := newFixture(t, api.Config{})
	f.dispatches.records = []models.DispatchRecord{{ID: 7, ConversationID: "5491122334455", Outcome: models.OutcomeReplied}}

	w := f.do(http.MethodGet, "/dispatches?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, f.dispatches.limit)

	var got struct {
		Dispatches []models.DispatchRecord `json:"dispatches"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Dispatches, 1)
	assert.EqualValues(t, 7, got.Dispatches[0].ID)

	w = f.do(http.MethodGet, "/dispatches?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.dispatches.err = errors.New("disk full")
	w = f.do(http.MethodGet, "/dispatches", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDispatchesWithoutJournal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, err := api.NewHandler(api.Config{}, api.Dependencies{Sender: &fakeSender{}})
	require.NoError(t, err)
	router := api.NewRouter(h, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/dispatches", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReconnect(t *testing.T) {
	f := newFixture(t, api.Config{})

	w := f.do(http.MethodPost, "/session/reconnect", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, decode(t, w).Success)
	assert.Equal(t, []string{"main"}, f.control.connects)

	f.control.err = session.ErrSupervisorClosed
	w = f.do(http.MethodPost, "/session/reconnect?session=backup", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, []string{"main", "backup"}, f.control.connects)
}

func TestNewHandlerRequiresSender(t *testing.T) {
	_, err := api.NewHandler(api.Config{}, api.Dependencies{})
	require.Error(t, err)
}
