// Package session implements the realtime connection to the voice service.
//
// A [Session] holds one websocket channel to the service. On open it
// announces itself with a join message, then dispatches incoming events by
// their type tag to registered [Handlers] while exposing typed send
// operations for transcripts, stream chunks and voice-activity boundaries.
//
// An unexpected close triggers automatic reconnection with exponential
// backoff, capped in delay and attempt count. Exhausting the attempts raises
// a terminal connectivity error through the recovery manager; a deliberate
// [Session.Disconnect] sends a leave message and suppresses reconnection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/recovery"
	"github.com/MrWong99/voxline/pkg/voice"
)

// component is the name this package reports to the recovery manager.
const component = "session"

// Default reconnection parameters.
const (
	defaultMaxReconnects  = 5
	defaultReconnectDelay = 1 * time.Second
	defaultMaxDelay       = 10 * time.Second
)

// maxMessageSize bounds one incoming message. Transcript updates may carry
// base64 audio, so the limit is generous.
const maxMessageSize = 4 << 20

// ErrNotConnected is returned by send operations while no channel is open.
var ErrNotConnected = errors.New("session: not connected")

// Config configures a [Session].
type Config struct {
	// Endpoint is the ws:// or wss:// URL of the realtime service.
	Endpoint string

	// CallID identifies the call to join.
	CallID string

	// SessionID optionally resumes an existing server-side session.
	SessionID string

	// MaxReconnects caps reconnection attempts after an unexpected close.
	// Default: 5.
	MaxReconnects int

	// ReconnectDelay is the first backoff delay; attempt n waits
	// ReconnectDelay·2ⁿ capped at MaxDelay. Default: 1s.
	ReconnectDelay time.Duration

	// MaxDelay caps the backoff delay. Default: 10s.
	MaxDelay time.Duration
}

// withDefaults returns cfg with zero values replaced.
func (c Config) withDefaults() Config {
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	return c
}

// Handlers receives dispatched server events. Nil fields are skipped.
// Handlers run on the session's read goroutine and must not block.
type Handlers struct {
	OnTranscript func(TranscriptUpdate)
	OnSentiment  func(SentimentUpdate)
	OnCallEnded  func(CallEnded)
	OnError      func(ServerError)
}

// Session is a realtime channel to the voice service. Safe for concurrent
// use.
type Session struct {
	cfg      Config
	handlers Handlers
	recovery *recovery.Manager

	// sleep waits for a backoff delay; injectable so tests run instantly.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	conn     *websocket.Conn
	running  bool
	closed   bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a session. handlers may have nil fields; rec may be nil when no
// recovery manager participates (tests).
func New(cfg Config, handlers Handlers, rec *recovery.Manager) *Session {
	return &Session{
		cfg:      cfg.withDefaults(),
		handlers: handlers,
		recovery: rec,
		sleep:    sleepCtx,
		done:     make(chan struct{}),
	}
}

// sleepCtx blocks for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Connect dials the service, joins the call, and starts the read loop.
// Returns an error when the initial dial or join fails; no reconnection is
// attempted for the initial connect.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session: already disconnected")
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("session: already connected")
	}
	s.running = true
	s.mu.Unlock()

	conn, err := s.dialAndJoin(ctx)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(ctx)

	slog.Info("session connected", "call_id", s.cfg.CallID, "endpoint", s.cfg.Endpoint)
	return nil
}

// Connected reports whether a channel is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Disconnect sends a leave message when the channel is open, closes it, and
// suppresses any further reconnection. Idempotent.
func (s *Session) Disconnect(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			msg := leaveCallMessage{Type: typeLeaveCall, CallID: s.cfg.CallID}
			if data, err := json.Marshal(msg); err == nil {
				_ = conn.Write(ctx, websocket.MessageText, data)
			}
		}
		// Signal shutdown before closing the channel so the read loop never
		// mistakes the close for an unexpected drop.
		close(s.done)
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "leaving call")
		}
	})

	s.wg.Wait()

	s.mu.Lock()
	s.conn = nil
	s.running = false
	s.mu.Unlock()
	return nil
}

// SendVoiceInput delivers a completed transcript for processing.
func (s *Session) SendVoiceInput(ctx context.Context, text string, source voice.SourceMode) error {
	return s.send(ctx, voiceInputMessage{
		Type:   typeVoiceInput,
		CallID: s.cfg.CallID,
		Text:   text,
		Source: string(source),
	})
}

// SendVoiceStreamChunk delivers one interim chunk of an utterance in
// progress. sequence must be strictly increasing per utterance; isLast marks
// the final chunk.
func (s *Session) SendVoiceStreamChunk(ctx context.Context, text string, sequence int, isLast bool) error {
	return s.send(ctx, voiceStreamChunkMessage{
		Type:     typeVoiceStreamChunk,
		CallID:   s.cfg.CallID,
		Text:     text,
		Sequence: sequence,
		IsLast:   isLast,
	})
}

// SendVoiceActivity reports a speech boundary detected by the local VAD.
func (s *Session) SendVoiceActivity(ctx context.Context, active bool, confidence float64) error {
	return s.send(ctx, voiceActivityMessage{
		Type:       typeVoiceActivity,
		CallID:     s.cfg.CallID,
		Active:     active,
		Confidence: confidence,
	})
}

// send marshals and writes one message on the current channel.
func (s *Session) send(ctx context.Context, msg any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("session: marshal message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("session: write message: %w", err)
	}
	return nil
}

// dialAndJoin opens the channel and announces the client on the call.
func (s *Session) dialAndJoin(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, s.cfg.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", s.cfg.Endpoint, err)
	}
	conn.SetReadLimit(maxMessageSize)

	join := joinCallMessage{Type: typeJoinCall, CallID: s.cfg.CallID, SessionID: s.cfg.SessionID}
	data, err := json.Marshal(join)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		return nil, fmt.Errorf("session: marshal join: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		return nil, fmt.Errorf("session: send join: %w", err)
	}
	return conn, nil
}

// readLoop dispatches incoming messages and drives reconnection after an
// unexpected close.
func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Deliberate disconnect.
				return
			case <-ctx.Done():
				return
			default:
			}

			slog.Warn("session channel lost", "call_id", s.cfg.CallID, "error", err)
			if !s.reconnect(ctx) {
				return
			}
			continue
		}

		s.dispatch(data)
	}
}

// reconnect attempts to re-establish the channel with exponential backoff.
// Returns false on deliberate shutdown or attempt exhaustion.
func (s *Session) reconnect(ctx context.Context) bool {
	for attempt := 0; attempt < s.cfg.MaxReconnects; attempt++ {
		delay := s.cfg.ReconnectDelay << attempt
		if delay > s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
		}

		slog.Info("attempting session reconnect",
			"call_id", s.cfg.CallID,
			"attempt", attempt+1,
			"max_attempts", s.cfg.MaxReconnects,
			"backoff", delay,
		)
		if err := s.sleep(ctx, delay); err != nil {
			return false
		}
		select {
		case <-s.done:
			return false
		default:
		}

		conn, err := s.dialAndJoin(ctx)
		if err != nil {
			observe.DefaultMetrics().RecordReconnectAttempt(ctx, "failure")
			slog.Warn("session reconnect attempt failed",
				"call_id", s.cfg.CallID,
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}
		observe.DefaultMetrics().RecordReconnectAttempt(ctx, "success")

		s.mu.Lock()
		old := s.conn
		s.conn = conn
		s.mu.Unlock()
		if old != nil {
			_ = old.Close(websocket.StatusGoingAway, "replaced")
		}

		slog.Info("session reconnected", "call_id", s.cfg.CallID, "attempt", attempt+1)
		return true
	}

	observe.DefaultMetrics().RecordReconnectAttempt(ctx, "exhausted")
	slog.Error("session reconnect exhausted", "call_id", s.cfg.CallID, "max_attempts", s.cfg.MaxReconnects)

	s.mu.Lock()
	s.conn = nil
	s.running = false
	s.mu.Unlock()

	if s.recovery != nil {
		s.recovery.HandleError(ctx, voice.CodeChannelDisconnected, voice.ErrorContext{
			Component: component,
			Action:    "reconnect",
			Timestamp: time.Now(),
		}, "reconnection attempts exhausted")
	}
	return false
}

// dispatch routes one incoming message to its handler by type tag.
func (s *Session) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Debug("discarding malformed session message", "error", err)
		return
	}

	switch env.Type {
	case typeTranscriptUpdate:
		if s.handlers.OnTranscript == nil {
			return
		}
		if msg, err := decodeAs[TranscriptUpdate](raw); err == nil {
			s.handlers.OnTranscript(msg)
		}
	case typeSentimentUpdate:
		if s.handlers.OnSentiment == nil {
			return
		}
		if msg, err := decodeAs[SentimentUpdate](raw); err == nil {
			s.handlers.OnSentiment(msg)
		}
	case typeCallEnded:
		if s.handlers.OnCallEnded == nil {
			return
		}
		if msg, err := decodeAs[CallEnded](raw); err == nil {
			s.handlers.OnCallEnded(msg)
		}
	case typeError:
		msg, err := decodeAs[ServerError](raw)
		if err != nil {
			return
		}
		slog.Error("session server error", "code", msg.Code, "message", msg.Message)
		if s.handlers.OnError != nil {
			s.handlers.OnError(msg)
		}
	default:
		slog.Debug("ignoring unknown session message", "type", env.Type)
	}
}
