package streaming

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"orpheus/pkg/errors"
	"orpheus/pkg/logger"
)

const eventBuffer = 64

// Stream is one live bidirectional stream to the model service. Events are
// decoded by a single reader goroutine and delivered on Events() in upstream
// order.
type Stream struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	events  chan Event

	lastActivity atomic.Int64 // unix nanos
	ready        atomic.Bool
	closed       atomic.Bool
	closeOnce    sync.Once
	readerDone   chan struct{}

	log *logger.Logger
}

func newStream(id string, conn *websocket.Conn, writeTimeout time.Duration) *Stream {
	s := &Stream{
		id:           id,
		conn:         conn,
		writeTimeout: writeTimeout,
		events:       make(chan Event, eventBuffer),
		readerDone:   make(chan struct{}),
		log:          logger.Get().With("stream", id),
	}
	s.touch()
	go s.readLoop()
	return s
}

// ID returns the stream identifier.
func (s *Stream) ID() string { return s.id }

// Events returns the ordered event sequence produced by the upstream service.
// The channel is closed when the stream ends.
func (s *Stream) Events() <-chan Event { return s.events }

// LastActivity returns the time of the most recent inbound or outbound event.
func (s *Stream) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Ready reports whether stream setup has completed and audio is accepted.
func (s *Stream) Ready() bool { return s.ready.Load() }

// Closed reports whether the stream has been shut down.
func (s *Stream) Closed() bool { return s.closed.Load() }

func (s *Stream) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// SendPromptStart declares the model and the fixed tool manifest.
func (s *Stream) SendPromptStart(model string, tools []ToolSpec) error {
	return s.send(Event{Type: EventPromptStart, Model: model, Tools: tools})
}

// SendSystemPrompt forwards the system prompt text.
func (s *Stream) SendSystemPrompt(text string) error {
	return s.send(Event{Type: EventSystemPrompt, Text: text})
}

// SendAudioStart negotiates the audio format. Once it succeeds the stream is
// ready and PushAudio is accepted.
func (s *Stream) SendAudioStart(cfg *AudioConfig) error {
	if err := s.send(Event{Type: EventAudioStart, Config: cfg}); err != nil {
		return err
	}
	s.ready.Store(true)
	return nil
}

// PushAudio forwards one audio chunk. Valid only after SendAudioStart.
func (s *Stream) PushAudio(chunk []byte) error {
	if s.closed.Load() {
		return errors.ErrStreamClosed
	}
	if !s.ready.Load() {
		return errors.ErrStreamNotReady
	}
	return s.send(Event{Type: EventAudioInput, Audio: base64.StdEncoding.EncodeToString(chunk)})
}

// SendToolResult returns a tool's normalized output to the model, resuming
// generation.
func (s *Stream) SendToolResult(toolUseID string, content json.RawMessage) error {
	return s.send(Event{Type: EventToolResult, ToolUseID: toolUseID, Content: content})
}

// Close runs the three-step shutdown: end audio content, end prompt, close
// stream. Idempotent; concurrent and repeated calls return nil. Returns
// ErrCleanupTimeout if the upstream does not finish within the context
// deadline.
func (s *Stream) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.ready.Store(false)

		// Best effort: the upstream may already be gone.
		_ = s.send(Event{Type: EventAudioEnd})
		_ = s.send(Event{Type: EventPromptEnd})
		_ = s.send(Event{Type: EventSessionEnd})

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.writeTimeout))
		s.writeMu.Unlock()

		select {
		case <-s.readerDone:
		case <-ctx.Done():
			_ = s.conn.Close()
			err = errors.Wrapf(errors.ErrCleanupTimeout, "stream %s", s.id)
		}
		_ = s.conn.Close()
	})
	return err
}

// ForceClose unconditionally releases the stream's resources. It is the
// escape hatch when graceful close exceeds its timeout.
func (s *Stream) ForceClose() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.ready.Store(false)
		_ = s.conn.Close()
	})
	// Closing the socket unblocks the reader, which closes the events channel.
	s.closed.Store(true)
}

func (s *Stream) send(ev Event) error {
	if s.closed.Load() && ev.Type != EventAudioEnd && ev.Type != EventPromptEnd && ev.Type != EventSessionEnd {
		return errors.ErrStreamClosed
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encoding stream event")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrapf(err, "writing %s event", ev.Type)
	}
	s.touch()
	return nil
}

// readLoop is the single reader goroutine. It preserves upstream ordering by
// decoding and forwarding sequentially.
func (s *Stream) readLoop() {
	defer close(s.readerDone)
	defer close(s.events)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.log.Debugf("Stream read ended: %v", err)
				s.events <- Event{Type: EventError, Message: "stream read failed", Details: err.Error()}
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			s.log.Warnf("Dropping undecodable stream event: %v", err)
			continue
		}

		s.touch()
		s.events <- ev

		if ev.Type == EventStreamComplete {
			return
		}
	}
}
