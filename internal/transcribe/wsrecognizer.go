package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/pkg/voice"
)

// WSRecognizer implements [Recognizer] over a streaming recognition service's
// WebSocket API: binary frames carry PCM audio upstream, JSON text frames
// carry recognition results downstream.
type WSRecognizer struct {
	endpoint string
}

var _ Recognizer = (*WSRecognizer)(nil)

// NewWSRecognizer creates a recognizer against the given wss:// endpoint.
// An empty endpoint produces a recognizer that reports itself unsupported,
// which sends the pipeline straight to the fallback strategy.
func NewWSRecognizer(endpoint string) *WSRecognizer {
	return &WSRecognizer{endpoint: endpoint}
}

// Supported reports whether a streaming endpoint is configured.
func (r *WSRecognizer) Supported() bool {
	return r.endpoint != ""
}

// Start dials the streaming endpoint and opens a recognition session.
func (r *WSRecognizer) Start(ctx context.Context, cfg Config) (RecognitionSession, error) {
	wsURL, err := r.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("transcribe: build recognizer URL: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transcribe: dial recognizer: %w", err)
	}

	sess := &wsSession{
		conn:    conn,
		results: make(chan Result, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)
	return sess, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (r *WSRecognizer) buildURL(cfg Config) (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", strconv.Itoa(cfg.Channels))
	q.Set("continuous", strconv.FormatBool(cfg.Continuous))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("max_alternatives", strconv.Itoa(cfg.MaxAlternatives))
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// recognizerMessage is the wire format of a downstream recognition message.
type recognizerMessage struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	Alternatives []struct {
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
	} `json:"alternatives"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsSession is a live streaming recognition session. It implements
// [RecognitionSession].
type wsSession struct {
	conn    *websocket.Conn
	results chan Result
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu   sync.Mutex
	termErr error
}

var _ RecognitionSession = (*wsSession)(nil)

// SendAudio queues a PCM chunk for delivery to the recognizer.
func (s *wsSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("transcribe: recognition session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("transcribe: recognition session is closed")
	}
}

// Results returns the recognition event stream.
func (s *wsSession) Results() <-chan Result { return s.results }

// Err returns the terminal error after Results closes.
func (s *wsSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.termErr
}

// Close terminates the session cleanly. Idempotent.
func (s *wsSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// setErr records the terminal error; the first one wins.
func (s *wsSession) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.termErr == nil {
		s.termErr = err
	}
}

// writeLoop sends queued audio chunks as binary frames.
func (s *wsSession) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		}
	}
}

// readLoop receives JSON messages and dispatches results until the stream
// ends. A service-reported error message becomes the terminal error.
func (s *wsSession) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Deliberate close; no terminal error.
			default:
				s.setErr(&RecognitionError{Code: voice.CodeNetworkError, Message: err.Error()})
			}
			return
		}

		var msg recognizerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "result":
			res := Result{IsFinal: msg.IsFinal}
			for _, alt := range msg.Alternatives {
				res.Alternatives = append(res.Alternatives, Alternative{
					Text:       alt.Transcript,
					Confidence: alt.Confidence,
				})
			}
			if len(res.Alternatives) == 0 {
				continue
			}
			select {
			case s.results <- res:
			case <-s.done:
				return
			}
		case "error":
			s.setErr(&RecognitionError{
				Code:    translatePlatformError(msg.Code),
				Message: msg.Message,
			})
			return
		}
	}
}

// translatePlatformError maps the service's error identifiers onto the shared
// taxonomy. Unrecognised identifiers classify as unknown.
func translatePlatformError(code string) voice.Code {
	switch strings.ToLower(strings.ReplaceAll(code, "_", "-")) {
	case "no-speech", "no-match", "no-speech-detected":
		return voice.CodeSpeechNoMatch
	case "not-allowed", "permission-denied", "service-not-allowed":
		return voice.CodeMicrophoneAccessDenied
	case "audio-capture":
		return voice.CodeMicrophoneNotFound
	case "network":
		return voice.CodeNetworkError
	case "aborted":
		return voice.CodeChannelDisconnected
	default:
		return voice.CodeUnknown
	}
}
