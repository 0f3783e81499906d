package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/recovery"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/voice"
)

// restartDelay is the fixed pause before the native session is reopened after
// a transient no-match error. Survives the recognizer's silence timeouts
// without hammering the service.
const restartDelay = 1 * time.Second

// Alternative is one recognition hypothesis for a result.
type Alternative struct {
	Text       string
	Confidence float64
}

// Result is one recognition event from a continuous session. Each result
// carries at least one alternative; IsFinal comes from the event itself.
type Result struct {
	Alternatives []Alternative
	IsFinal      bool
}

// RecognitionError is a classified failure reported by a recognition session.
type RecognitionError struct {
	Code    voice.Code
	Message string
}

// Error returns "recognition error <code>: <message>".
func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognition error %s: %s", e.Code, e.Message)
}

// RecognitionSession is an open continuous recognition stream.
// Implementations must be safe for concurrent use.
type RecognitionSession interface {
	// SendAudio delivers a chunk of raw PCM to the recognizer.
	SendAudio(chunk []byte) error

	// Results returns the stream of recognition events. Closed when the
	// session ends for any reason.
	Results() <-chan Result

	// Err returns the terminal error after Results closes, nil on clean
	// shutdown. Classified failures are *RecognitionError values.
	Err() error

	// Close terminates the session and releases its resources. Idempotent.
	Close() error
}

// Recognizer is the platform's continuous recognition capability.
type Recognizer interface {
	// Supported reports whether continuous recognition is available at all.
	// Checked once, at strategy selection time.
	Supported() bool

	// Start opens a recognition session with the given configuration.
	Start(ctx context.Context, cfg Config) (RecognitionSession, error)
}

// nativeStrategy drives a continuous recognition session: one goroutine
// pumps captured frames into the session, another reduces recognition events
// to transcript segments. On a transient no-match failure in continuous mode
// the session is reopened after a fixed delay.
type nativeStrategy struct {
	cfg        Config
	recognizer Recognizer
	emit       func(voice.TranscriptSegment)
	recovery   *recovery.Manager

	mu      sync.Mutex
	sess    RecognitionSession
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

var _ Strategy = (*nativeStrategy)(nil)

func newNativeStrategy(cfg Config, r Recognizer, emit func(voice.TranscriptSegment), rec *recovery.Manager) *nativeStrategy {
	return &nativeStrategy{
		cfg:        cfg,
		recognizer: r,
		emit:       emit,
		recovery:   rec,
	}
}

// Mode returns [voice.SourceNative].
func (n *nativeStrategy) Mode() voice.SourceMode { return voice.SourceNative }

// Start opens the first session and launches the pump and reduce loops.
// Returns the recognizer's error when the session cannot be opened, so the
// pipeline can fall back.
func (n *nativeStrategy) Start(ctx context.Context, frames <-chan audio.Frame) error {
	sess, err := n.recognizer.Start(ctx, n.cfg)
	if err != nil {
		return fmt.Errorf("transcribe: start native session: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.sess = sess
	n.cancel = cancel
	n.mu.Unlock()

	n.wg.Add(2)
	go n.pumpLoop(runCtx, frames)
	go n.reduceLoop(runCtx)
	return nil
}

// Stop closes the session and waits for both loops to exit. Idempotent.
func (n *nativeStrategy) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	cancel := n.cancel
	sess := n.sess
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		_ = sess.Close()
	}
	n.wg.Wait()
	return nil
}

// currentSession returns the live session, nil once stopped.
func (n *nativeStrategy) currentSession() RecognitionSession {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return nil
	}
	return n.sess
}

// pumpLoop forwards captured frames into whichever session is current.
// Send failures during a restart window are dropped; the recognizer re-syncs
// on the next utterance.
func (n *nativeStrategy) pumpLoop(ctx context.Context, frames <-chan audio.Frame) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			sess := n.currentSession()
			if sess == nil {
				return
			}
			_ = sess.SendAudio(frame.Data)
		}
	}
}

// reduceLoop turns recognition events into segments and handles session
// termination: transient no-match errors restart the session after a fixed
// delay, everything else goes to the recovery manager.
func (n *nativeStrategy) reduceLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		sess := n.currentSession()
		if sess == nil {
			return
		}

		for res := range sess.Results() {
			n.emitResult(res)
		}

		err := sess.Err()
		if err == nil {
			// Clean end of stream.
			return
		}

		var recErr *RecognitionError
		if errors.As(err, &recErr) && recErr.Code == voice.CodeSpeechNoMatch && n.cfg.Continuous {
			// Transient silence timeout: reopen after a fixed delay.
			slog.Debug("no speech matched, restarting native session")
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartDelay):
			}
			if !n.restart(ctx) {
				return
			}
			continue
		}

		code := voice.CodeUnknown
		msg := err.Error()
		if errors.As(err, &recErr) {
			code = recErr.Code
			msg = recErr.Message
		}
		n.recovery.HandleError(ctx, code, voice.ErrorContext{
			Component: component,
			Action:    "native_session",
			Timestamp: time.Now(),
		}, msg)
		return
	}
}

// emitResult produces one segment per alternative, capped at MaxAlternatives.
func (n *nativeStrategy) emitResult(res Result) {
	alts := res.Alternatives
	if len(alts) > n.cfg.MaxAlternatives {
		alts = alts[:n.cfg.MaxAlternatives]
	}
	for _, alt := range alts {
		n.emit(voice.TranscriptSegment{
			Text:       alt.Text,
			Confidence: alt.Confidence,
			IsFinal:    res.IsFinal,
			Timestamp:  time.Now(),
			Source:     voice.SourceNative,
		})
	}
}

// restart opens a replacement session. Returns false when stopped or the
// recognizer refuses, in which case the strategy ends.
func (n *nativeStrategy) restart(ctx context.Context) bool {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return false
	}
	n.mu.Unlock()

	sess, err := n.recognizer.Start(ctx, n.cfg)
	if err != nil {
		n.recovery.HandleError(ctx, voice.CodeRecognitionUnsupported, voice.ErrorContext{
			Component: component,
			Action:    "restart_native",
			Timestamp: time.Now(),
		}, err.Error())
		return false
	}

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		_ = sess.Close()
		return false
	}
	n.sess = sess
	n.mu.Unlock()
	return true
}
