package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orpheus/internal/adapters/config"
	"orpheus/internal/events"
	"orpheus/internal/identity"
	"orpheus/internal/session"
	"orpheus/internal/streaming"
)

type stubExchanger struct{}

func (s *stubExchanger) Exchange(ctx context.Context, bearerToken string) (*identity.OwnerCredentials, error) {
	return &identity.OwnerCredentials{
		Subject:     "user-1",
		Email:       "tech@example.com",
		AccessToken: "owner-token",
		Expiry:      time.Now().Add(time.Hour),
	}, nil
}

func (s *stubExchanger) Invalidate(subject string) {}

type stubRouter struct{}

func (s *stubRouter) Degraded() bool                 { return true }
func (s *stubRouter) Manifest() []streaming.ToolSpec { return nil }
func (s *stubRouter) PromptInstructions() string     { return "" }
func (s *stubRouter) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func fakeModelEndpoint(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var ev streaming.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			if ev.Type == streaming.EventSessionEnd {
				_ = conn.WriteJSON(streaming.Event{Type: streaming.EventStreamComplete})
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestSocket(t *testing.T) (*websocket.Conn, *session.Manager) {
	t.Helper()

	manager := session.NewManager(
		config.SessionConfig{
			IdleThreshold:      5 * time.Minute,
			SweepInterval:      time.Minute,
			StopCloseTimeout:   2 * time.Second,
			AbruptCloseTimeout: time.Second,
		},
		config.ModelConfig{
			Endpoint:     fakeModelEndpoint(t),
			ModelID:      "sonic-v1",
			DialTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		},
		session.NewRegistry(),
		&stubExchanger{},
		&stubRouter{},
		events.NewPublisher(nil),
	)

	handler := NewHandler(manager, config.ServerConfig{AudioFrameRate: 1000, AudioFrameBurst: 1000})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn, manager
}

// waitForEvent reads until an event of the wanted type arrives, skipping
// relayed stream traffic.
func waitForEvent(t *testing.T, conn *websocket.Conn, want streaming.EventType) streaming.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var ev streaming.Event
		require.NoError(t, conn.ReadJSON(&ev), "waiting for %s", want)
		if ev.Type == want {
			return ev
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg clientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func TestHandler_SessionLifecycle(t *testing.T) {
	conn, _ := newTestSocket(t)

	send(t, conn, clientMessage{
		Type:    msgInitialize,
		Token:   "bearer-token",
		Context: map[string]string{"user_name": "Sam"},
	})
	waitForEvent(t, conn, streaming.EventSessionReady)

	send(t, conn, clientMessage{Type: msgPromptStart})
	send(t, conn, clientMessage{Type: msgSystemPrompt, Text: "you are a maintenance assistant"})

	send(t, conn, clientMessage{Type: msgAudioStart, Config: &streaming.AudioConfig{SampleRateHz: 16000}})
	waitForEvent(t, conn, streaming.EventAudioReady)

	send(t, conn, clientMessage{
		Type:  msgAudioInput,
		Audio: base64.StdEncoding.EncodeToString([]byte("pcm-frame")),
	})

	send(t, conn, clientMessage{Type: msgStopAudio})
	closed := waitForEvent(t, conn, streaming.EventSessionClosed)
	assert.Equal(t, "stop", closed.Details)
}

func TestHandler_InitializeWithoutToken(t *testing.T) {
	conn, _ := newTestSocket(t)

	send(t, conn, clientMessage{Type: msgInitialize, Context: map[string]string{"user_name": "Sam"}})
	ev := waitForEvent(t, conn, streaming.EventError)
	assert.Equal(t, "session initialization failed", ev.Message)
	assert.Equal(t, "context_missing", ev.Code)
}

func TestHandler_AudioBeforeStartRejected(t *testing.T) {
	conn, _ := newTestSocket(t)

	send(t, conn, clientMessage{
		Type:    msgInitialize,
		Token:   "bearer-token",
		Context: map[string]string{"user_name": "Sam"},
	})
	waitForEvent(t, conn, streaming.EventSessionReady)

	// Audio before audioStart is rejected, and the rejection is answered,
	// not swallowed.
	send(t, conn, clientMessage{
		Type:  msgAudioInput,
		Audio: base64.StdEncoding.EncodeToString([]byte("pcm-frame")),
	})
	ev := waitForEvent(t, conn, streaming.EventError)
	assert.Equal(t, "stream_not_ready", ev.Code)
	assert.Contains(t, ev.Message, "not accepting audio")

	send(t, conn, clientMessage{Type: msgStopAudio})
	waitForEvent(t, conn, streaming.EventSessionClosed)
}

func TestHandler_UnknownMessageType(t *testing.T) {
	conn, _ := newTestSocket(t)

	send(t, conn, clientMessage{Type: "teleport"})
	ev := waitForEvent(t, conn, streaming.EventError)
	assert.Contains(t, ev.Message, "unknown message type")
}

func TestHandler_MalformedAudioFrame(t *testing.T) {
	conn, _ := newTestSocket(t)

	send(t, conn, clientMessage{
		Type:    msgInitialize,
		Token:   "bearer-token",
		Context: map[string]string{"user_name": "Sam"},
	})
	waitForEvent(t, conn, streaming.EventSessionReady)

	send(t, conn, clientMessage{Type: msgAudioStart, Config: &streaming.AudioConfig{}})
	waitForEvent(t, conn, streaming.EventAudioReady)

	send(t, conn, clientMessage{Type: msgAudioInput, Audio: "not-base64!!"})
	ev := waitForEvent(t, conn, streaming.EventError)
	assert.Contains(t, ev.Message, "base64")

	send(t, conn, clientMessage{Type: msgStopAudio})
	waitForEvent(t, conn, streaming.EventSessionClosed)
}

func TestHandler_DisconnectCleansUp(t *testing.T) {
	conn, manager := newTestSocket(t)

	send(t, conn, clientMessage{
		Type:    msgInitialize,
		Token:   "bearer-token",
		Context: map[string]string{"user_name": "Sam"},
	})
	waitForEvent(t, conn, streaming.EventSessionReady)
	assert.Equal(t, 1, manager.Registry().LiveConnections())

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return manager.Registry().LiveConnections() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHandler_StartNewChat(t *testing.T) {
	conn, _ := newTestSocket(t)

	send(t, conn, clientMessage{
		Type:    msgInitialize,
		Token:   "bearer-token",
		Context: map[string]string{"user_name": "Sam"},
	})
	waitForEvent(t, conn, streaming.EventSessionReady)

	send(t, conn, clientMessage{Type: msgStartNewChat})
	closed := waitForEvent(t, conn, streaming.EventSessionClosed)
	assert.Equal(t, "new_chat", closed.Details)
	waitForEvent(t, conn, streaming.EventSessionReady)
}
