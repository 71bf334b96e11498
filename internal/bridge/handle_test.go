package bridge_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/wa-gateway/internal/bridge"
	"github.com/example/wa-gateway/internal/common"
	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/session"
)

type sidecar struct {
	t        *testing.T
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	queries  chan string
}

func newSidecar(t *testing.T) (*sidecar, *httptest.Server) {
	t.Helper()
	sc := &sidecar{t: t, conns: make(chan *websocket.Conn, 1), queries: make(chan string, 1)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := sc.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		sc.queries <- r.URL.RawQuery
		sc.conns <- conn
	}))
	t.Cleanup(srv.Close)
	return sc, srv
}

func (sc *sidecar) accept() *websocket.Conn {
	sc.t.Helper()
	select {
	case conn := <-sc.conns:
		sc.t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		sc.t.Fatalf("sidecar did not receive a connection")
		return nil
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, h session.Handle) session.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return session.Event{}
	}
}

func dial(t *testing.T, srv *httptest.Server) session.Handle {
	t.Helper()
	factory, err := bridge.NewFactory(wsURL(srv), zerolog.Nop())
	require.NoError(t, err)
	h, err := factory.New(context.Background(), "default", "/var/lib/gateway/auth/default")
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestFactoryPassesSessionAndAuthDir(t *testing.T) {
	sc, srv := newSidecar(t)
	dial(t, srv)
	sc.accept()

	query := <-sc.queries
	assert.Contains(t, query, "session=default")
	assert.Contains(t, query, "auth_dir=%2Fvar%2Flib%2Fgateway%2Fauth%2Fdefault")
}

func TestHandleTranslatesInboundFrames(t *testing.T) {
	sc, srv := newSidecar(t)
	h := dial(t, srv)
	conn := sc.accept()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "qr", "qr": "2@abc"}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "opened"}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "message",
		"message": map[string]any{
			"from":      "5491100000000@s.whatsapp.net",
			"push_name": "Ana",
			"kind":      "image",
			"text":      "look",
			"media":     []byte{0xff, 0xd8, 0xff},
			"timestamp": 1700000000,
		},
	}))

	qr := nextEvent(t, h)
	assert.Equal(t, session.EventQR, qr.Kind)
	assert.Equal(t, "2@abc", qr.QR)

	assert.Equal(t, session.EventOpened, nextEvent(t, h).Kind)

	msg := nextEvent(t, h)
	require.Equal(t, session.EventMessage, msg.Kind)
	assert.Equal(t, "5491100000000@s.whatsapp.net", msg.Unit.ConversationID)
	assert.Equal(t, "Ana", msg.Unit.SenderDisplayName)
	assert.Equal(t, models.KindImage, msg.Unit.Kind)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, msg.Unit.Media)
	assert.Equal(t, "default", msg.Unit.Session)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), msg.Unit.ReceivedAt)
}

func TestHandleSendWaitsForAck(t *testing.T) {
	sc, srv := newSidecar(t)
	h := dial(t, srv)
	conn := sc.accept()

	go func() {
		for {
			var f map[string]any
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			ack := map[string]any{"type": "ack", "id": f["id"]}
			if f["to"] == "+5490000000000" {
				ack["error"] = "recipient unavailable"
			}
			_ = conn.WriteJSON(ack)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, h.SendText(ctx, "+5491100000000", "hola"))
	require.NoError(t, h.SendPresence(ctx, "+5491100000000", models.PresenceComposing))
	require.NoError(t, h.SendLocation(ctx, "+5491100000000", models.Location{Latitude: -34.6, Longitude: -58.4}))

	err := h.SendText(ctx, "+5490000000000", "hola")
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrTransient)
}

func TestHandleSendTimesOutWithoutAck(t *testing.T) {
	sc, srv := newSidecar(t)
	h := dial(t, srv)
	conn := sc.accept()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.SendText(ctx, "+5491100000000", "hola")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleBecomesStaleAfterClosedFrame(t *testing.T) {
	sc, srv := newSidecar(t)
	h := dial(t, srv)
	conn := sc.accept()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":   "closed",
		"reason": map[string]any{"code": 401, "message": "logged out"},
	}))

	ev := nextEvent(t, h)
	require.Equal(t, session.EventClosed, ev.Kind)
	assert.True(t, ev.Reason.LoggedOut())

	assert.ErrorIs(t, h.SendText(context.Background(), "+5491100000000", "late"), common.ErrStaleHandle)

	select {
	case _, ok := <-h.Events():
		assert.False(t, ok, "expected events channel to close")
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel did not close")
	}
}

func TestHandleReportsTransportLoss(t *testing.T) {
	sc, srv := newSidecar(t)
	h := dial(t, srv)
	conn := sc.accept()

	require.NoError(t, conn.Close())

	ev := nextEvent(t, h)
	require.Equal(t, session.EventClosed, ev.Kind)
	assert.False(t, ev.Reason.LoggedOut())
	assert.ErrorIs(t, h.SendText(context.Background(), "+5491100000000", "late"), common.ErrStaleHandle)
}

func TestHandleCloseClosesEvents(t *testing.T) {
	sc, srv := newSidecar(t)
	h := dial(t, srv)
	sc.accept()

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	for range h.Events() {
	}
	assert.ErrorIs(t, h.SendText(context.Background(), "+5491100000000", "late"), common.ErrStaleHandle)
}

func TestNewFactoryRejectsBadURL(t *testing.T) {
	_, err := bridge.NewFactory("", zerolog.Nop())
	assert.Error(t, err)
	_, err = bridge.NewFactory("ftp://sidecar", zerolog.Nop())
	assert.Error(t, err)
	_, err = bridge.NewFactory("http://sidecar:8080/ws", zerolog.Nop())
	assert.NoError(t, err)
}

func TestFrameJSONShape(t *testing.T) {
	sc, srv := newSidecar(t)
	h := dial(t, srv)
	conn := sc.accept()

	frames := make(chan map[string]json.RawMessage, 1)
	go func() {
		var f map[string]json.RawMessage
		if err := conn.ReadJSON(&f); err == nil {
			frames <- f
			var id string
			_ = json.Unmarshal(f["id"], &id)
			_ = conn.WriteJSON(map[string]any{"type": "ack", "id": id})
		}
	}()

	err := h.SendMedia(context.Background(), "+5491100000000", models.OutboundMedia{
		Kind:      models.KindAudio,
		URL:       "https://cdn.example.com/a.ogg",
		MimeType:  "audio/ogg",
		VoiceNote: true,
	})
	require.NoError(t, err)

	f := <-frames
	assert.JSONEq(t, `"send_media"`, string(f["type"]))
	assert.JSONEq(t, `{"kind":"audio","url":"https://cdn.example.com/a.ogg","mimetype":"audio/ogg","ptt":true}`, string(f["media"]))
}
