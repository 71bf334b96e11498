package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wa-gateway/internal/bridge"
	"github.com/example/wa-gateway/internal/common"
	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/session"
	"github.com/example/wa-gateway/internal/webhook"
)

type staticSessions struct {
	handle session.Handle
}

func (s staticSessions) ActiveHandle(string) (session.Handle, error) {
	if s.handle == nil {
		return nil, common.ErrNotConnected
	}
	return s.handle, nil
}

type alertLog struct {
	mu        sync.Mutex
	failures  []models.FailureReport
	successes int
}

func (a *alertLog) ReportFailure(class models.FailureClass, report models.FailureReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if class == models.FailureWebhook {
		a.failures = append(a.failures, report)
	}
}

func (a *alertLog) ReportSuccess(class models.FailureClass) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if class == models.FailureWebhook {
		a.successes++
	}
}

type journal struct {
	mu      sync.Mutex
	records []models.DispatchRecord
	events  []models.GatewayEvent
}

func (j *journal) RecordDispatch(_ context.Context, rec models.DispatchRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func (j *journal) PublishEvent(_ context.Context, ev models.GatewayEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

type captured struct {
	query url.Values
	body  []map[string]json.RawMessage
}

func newWebhook(t *testing.T, status int, response string) (*httptest.Server, chan captured) {
	t.Helper()
	reqs := make(chan captured, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body []map[string]json.RawMessage
		_ = json.Unmarshal(raw, &body)
		reqs <- captured{query: r.URL.Query(), body: body}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

type fixture struct {
	dispatcher *webhook.Dispatcher
	handle     *bridge.MockHandle
	alerts     *alertLog
	journal    *journal
	clock      *clockwork.FakeClock
}

func newFixture(t *testing.T, endpoint string, connected bool, timeout time.Duration) fixture {
	t.Helper()
	f := fixture{
		handle:  bridge.NewMockHandle("default", zerolog.Nop()),
		alerts:  &alertLog{},
		journal: &journal{},
		clock:   clockwork.NewFakeClock(),
	}
	sessions := staticSessions{}
	if connected {
		sessions.handle = f.handle
	}
	d, err := webhook.NewDispatcher(webhook.Config{URL: endpoint, Timeout: timeout, Port: 3001}, webhook.Dependencies{
		Sessions: sessions,
		Alerts:   f.alerts,
		Journal:  f.journal,
		Events:   f.journal,
		Clock:    f.clock,
	})
	require.NoError(t, err)
	f.dispatcher = d
	return f
}

func textBatch(text string) models.Batch {
	return models.NewBatch([]models.InboundUnit{{
		ConversationID: "5491100000000",
		Session:        "default",
		Kind:           models.KindText,
		Text:           text,
	}})
}

func TestDispatchSendsCanonicalImageRequest(t *testing.T) {
	srv, reqs := newWebhook(t, http.StatusOK, `{"ok":true}`)
	f := newFixture(t, srv.URL+"/hook", true, time.Second)

	batch := models.NewBatch([]models.InboundUnit{
		{ConversationID: "5491100000000", Session: "default", Kind: models.KindText, Text: "mira"},
		{ConversationID: "5491100000000", Session: "default", Kind: models.KindImage, Media: []byte("img")},
	})

	outcome := f.dispatcher.Dispatch(context.Background(), batch)
	assert.Equal(t, models.OutcomeMediaAccepted, outcome)

	req := <-reqs
	assert.Equal(t, "5491100000000", req.query.Get("phone"))
	assert.Equal(t, "default", req.query.Get("session"))
	assert.Equal(t, "3001", req.query.Get("port"))

	require.Len(t, req.body, 1)
	item := req.body[0]
	assert.JSONEq(t, `"user"`, string(item["role"]))
	assert.JSONEq(t, `"mira\n"`, string(item["content"]))
	assert.JSONEq(t, `"image"`, string(item["type"]))
	assert.JSONEq(t, `["aW1n"]`, string(item["images"]))
	assert.NotContains(t, item, "audios")
}

func TestDispatchVideoCarriesNoMediaFields(t *testing.T) {
	srv, reqs := newWebhook(t, http.StatusOK, ``)
	f := newFixture(t, srv.URL, true, time.Second)

	batch := models.NewBatch([]models.InboundUnit{
		{ConversationID: "5491100000000", Session: "default", Kind: models.KindImage, Media: []byte("img")},
		{ConversationID: "5491100000000", Session: "default", Kind: models.KindVideo},
	})

	assert.Equal(t, models.OutcomeMediaAccepted, f.dispatcher.Dispatch(context.Background(), batch))
	item := (<-reqs).body[0]
	assert.JSONEq(t, `"video"`, string(item["type"]))
	assert.NotContains(t, item, "images")
	assert.NotContains(t, item, "audios")
}

func TestDispatchDeliversPacedReply(t *testing.T) {
	srv, _ := newWebhook(t, http.StatusOK, `{"message":{"content":"**Hola** amigo"}}`)
	f := newFixture(t, srv.URL, true, time.Second)

	result := make(chan models.DeliveryOutcome, 1)
	go func() { result <- f.dispatcher.Dispatch(context.Background(), textBatch("hola")) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))

	sent := f.handle.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, models.PresenceComposing, sent[0].Presence)

	reply := "*Hola* amigo"
	f.clock.Advance(webhook.DefaultPacing().Delay(reply))

	select {
	case outcome := <-result:
		assert.Equal(t, models.OutcomeReplied, outcome)
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch did not finish")
	}

	sent = f.handle.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "send_text", sent[1].Op)
	assert.Equal(t, "5491100000000", sent[1].To)
	assert.Equal(t, reply, sent[1].Text)
	assert.Equal(t, models.PresencePaused, sent[2].Presence)

	assert.Equal(t, 1, f.alerts.successes)
	require.Len(t, f.journal.records, 1)
	assert.Equal(t, models.OutcomeReplied, f.journal.records[0].Outcome)
	assert.Equal(t, len(reply), f.journal.records[0].ReplyLength)
	require.Len(t, f.journal.events, 1)
	assert.Equal(t, models.EventBatchDispatched, f.journal.events[0].Type)
	assert.Equal(t, "replied", f.journal.events[0].Attributes["outcome"])
}

func TestDispatchNon2xxReportsFailure(t *testing.T) {
	srv, _ := newWebhook(t, http.StatusBadGateway, `upstream exploded`)
	f := newFixture(t, srv.URL, true, time.Second)

	outcome := f.dispatcher.Dispatch(context.Background(), textBatch("hola"))
	assert.Equal(t, models.OutcomeFailed, outcome)

	require.Len(t, f.alerts.failures, 1)
	report := f.alerts.failures[0]
	require.NotNil(t, report.StatusCode)
	assert.Equal(t, http.StatusBadGateway, *report.StatusCode)
	assert.Equal(t, "upstream exploded", report.Detail)
	assert.Equal(t, 0, f.alerts.successes)
	assert.Empty(t, f.handle.Sent())
	assert.NotEmpty(t, f.journal.records[0].Error)
}

func TestDispatchTimeoutReportsFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	f := newFixture(t, srv.URL, true, 50*time.Millisecond)
	outcome := f.dispatcher.Dispatch(context.Background(), textBatch("hola"))

	assert.Equal(t, models.OutcomeFailed, outcome)
	require.Len(t, f.alerts.failures, 1)
	assert.Equal(t, "Webhook timeout", f.alerts.failures[0].Label)
	assert.Nil(t, f.alerts.failures[0].StatusCode)
}

func TestDispatchUnreachableReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	f := newFixture(t, endpoint, true, time.Second)
	assert.Equal(t, models.OutcomeFailed, f.dispatcher.Dispatch(context.Background(), textBatch("hola")))
	require.Len(t, f.alerts.failures, 1)
	assert.Equal(t, "Webhook unreachable", f.alerts.failures[0].Label)
}

func TestDispatchTextWithoutReply(t *testing.T) {
	srv, _ := newWebhook(t, http.StatusOK, `{"status":"queued"}`)
	f := newFixture(t, srv.URL, true, time.Second)

	assert.Equal(t, models.OutcomeNoReply, f.dispatcher.Dispatch(context.Background(), textBatch("hola")))
	assert.Equal(t, 1, f.alerts.successes)
	assert.Empty(t, f.handle.Sent())
}

func TestDispatchIgnoresHTMLResponse(t *testing.T) {
	srv, _ := newWebhook(t, http.StatusOK, `<!DOCTYPE html><html><body>Proxy maintenance</body></html>`)
	f := newFixture(t, srv.URL, true, time.Second)

	assert.Equal(t, models.OutcomeNoReply, f.dispatcher.Dispatch(context.Background(), textBatch("hola")))
	assert.Empty(t, f.handle.Sent())
}

func TestDispatchReplyFailsWhenSessionClosed(t *testing.T) {
	srv, _ := newWebhook(t, http.StatusOK, `"hola!"`)
	f := newFixture(t, srv.URL, false, time.Second)

	assert.Equal(t, models.OutcomeReplyFailed, f.dispatcher.Dispatch(context.Background(), textBatch("hola")))
	assert.Equal(t, 1, f.alerts.successes, "webhook itself succeeded")
	assert.Contains(t, f.journal.records[0].Error, "not connected")
}

func TestDispatchPresenceFailureDoesNotBlockSend(t *testing.T) {
	srv, _ := newWebhook(t, http.StatusOK, `{"text":"ok"}`)
	f := newFixture(t, srv.URL, true, time.Second)
	f.handle.SetScenario(bridge.ScenarioTransient)

	result := make(chan models.DeliveryOutcome, 1)
	go func() { result <- f.dispatcher.Dispatch(context.Background(), textBatch("hola")) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.handle.SetScenario(bridge.ScenarioSuccess)
	f.clock.Advance(4 * time.Second)

	assert.Equal(t, models.OutcomeReplied, <-result)
	sent := f.handle.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "ok", sent[0].Text)
}

func TestNewDispatcherValidates(t *testing.T) {
	deps := webhook.Dependencies{Sessions: staticSessions{}, Alerts: &alertLog{}}
	_, err := webhook.NewDispatcher(webhook.Config{Timeout: time.Second}, deps)
	assert.Error(t, err)
	_, err = webhook.NewDispatcher(webhook.Config{URL: "file:///etc/passwd", Timeout: time.Second}, deps)
	assert.Error(t, err)
	_, err = webhook.NewDispatcher(webhook.Config{URL: "https://hooks.example.com"}, deps)
	assert.Error(t, err)
	_, err = webhook.NewDispatcher(webhook.Config{URL: "https://hooks.example.com", Timeout: time.Second}, webhook.Dependencies{Alerts: &alertLog{}})
	assert.Error(t, err)
}
