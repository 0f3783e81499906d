// Package transcribe implements the dual-strategy speech transcription
// pipeline.
//
// A [Pipeline] is polymorphic over two strategies behind one interface:
// native continuous recognition over a streaming websocket session, and a
// chunked capture-and-upload fallback against the remote transcription
// endpoint. The strategy is selected once per session: native when the
// capability is available and starts cleanly, fallback otherwise. Selection
// is one-directional — once fallback engages, native is not retried until a
// new pipeline is constructed.
//
// Both strategies reduce recognition output to [voice.TranscriptSegment]
// values delivered to a caller-supplied sink. Final text accumulates across
// segments; interim text replaces the running preview.
package transcribe

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/recovery"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/voice"
)

// component is the name this package reports to the recovery manager.
const component = "transcription"

// Config holds the recognition parameters shared by both strategies.
type Config struct {
	// Continuous keeps the session open across utterances. Default: true.
	Continuous bool

	// InterimResults requests low-latency partial output. Default: true.
	InterimResults bool

	// Language is the BCP-47 recognition language (e.g., "en-US").
	Language string

	// MaxAlternatives caps alternatives per result. Default: 1.
	MaxAlternatives int

	// SampleRate of the capture stream in Hz. Default: 16000.
	SampleRate int

	// Channels of the capture stream. Default: 1.
	Channels int
}

// withDefaults returns cfg with zero values replaced.
func (c Config) withDefaults() Config {
	if c.MaxAlternatives <= 0 {
		c.MaxAlternatives = 1
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return c
}

// Strategy is one way of turning captured audio into transcript segments.
// A strategy owns the frame channel passed to Start until Stop is called.
type Strategy interface {
	// Start begins consuming frames and emitting segments. Non-blocking; the
	// strategy runs on its own goroutines until Stop.
	Start(ctx context.Context, frames <-chan audio.Frame) error

	// Stop halts the strategy, releases capture resources, and cancels any
	// pending flush. Idempotent.
	Stop() error

	// Mode identifies the strategy for segment attribution.
	Mode() voice.SourceMode
}

// Pipeline selects and drives one transcription strategy per session.
// Safe for concurrent use.
type Pipeline struct {
	cfg      Config
	native   Recognizer
	chunked  *ChunkedUploader
	sink     voice.Sink
	recovery *recovery.Manager

	mu        sync.Mutex
	active    Strategy
	mode      voice.SourceMode
	finalText strings.Builder
	preview   string
}

// NewPipeline creates a pipeline. native may be nil when the platform has no
// continuous recognition capability; chunked must not be nil, it is the
// strategy of last resort.
func NewPipeline(cfg Config, native Recognizer, chunked *ChunkedUploader, sink voice.Sink, rec *recovery.Manager) *Pipeline {
	return &Pipeline{
		cfg:      cfg.withDefaults(),
		native:   native,
		chunked:  chunked,
		sink:     sink,
		recovery: rec,
	}
}

// Start selects a strategy and begins transcription. Native is preferred when
// supported; a native start failure engages the fallback for the remainder of
// the session.
func (p *Pipeline) Start(ctx context.Context, frames <-chan audio.Frame) error {
	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		return errors.New("transcribe: pipeline already started")
	}
	p.mu.Unlock()

	if p.native != nil && p.native.Supported() {
		nat := newNativeStrategy(p.cfg, p.native, p.ingest, p.recovery)
		if err := nat.Start(ctx, frames); err == nil {
			p.setActive(nat)
			slog.Info("transcription started", "mode", voice.SourceNative)
			return nil
		} else {
			slog.Warn("native recognition failed to start, engaging fallback", "error", err)
			p.recovery.HandleError(ctx, voice.CodeRecognitionUnsupported, voice.ErrorContext{
				Component: component,
				Action:    "start_native",
				Timestamp: time.Now(),
			}, err.Error())
		}
	}

	fb := newChunkedStrategy(p.cfg, p.chunked, p.ingest, p.recovery)
	if err := fb.Start(ctx, frames); err != nil {
		return err
	}
	p.setActive(fb)
	slog.Info("transcription started", "mode", voice.SourceFallback)
	return nil
}

// Stop halts the active strategy. Idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	active := p.active
	p.active = nil
	p.mu.Unlock()

	if active == nil {
		return nil
	}
	return active.Stop()
}

// Mode reports which strategy the pipeline selected, or "" before Start.
func (p *Pipeline) Mode() voice.SourceMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// FinalText returns the accumulated final transcript of the session.
func (p *Pipeline) FinalText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimSpace(p.finalText.String())
}

// Preview returns the current interim transcript preview.
func (p *Pipeline) Preview() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.preview
}

func (p *Pipeline) setActive(s Strategy) {
	p.mu.Lock()
	p.active = s
	p.mode = s.Mode()
	p.mu.Unlock()
}

// ingest updates the accumulated transcript state and forwards the segment to
// the caller's sink. Segments are ephemeral; nothing is retained beyond the
// running text.
func (p *Pipeline) ingest(seg voice.TranscriptSegment) {
	p.mu.Lock()
	if seg.IsFinal {
		if p.finalText.Len() > 0 && seg.Text != "" {
			p.finalText.WriteByte(' ')
		}
		p.finalText.WriteString(seg.Text)
		p.preview = ""
	} else {
		p.preview = seg.Text
	}
	sink := p.sink
	p.mu.Unlock()

	if sink != nil {
		sink.HandleSegment(seg)
	}
}
