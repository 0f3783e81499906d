package transcribe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/recovery"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/voice"
)

// Chunked-capture defaults.
const (
	// defaultSliceDuration is the capture granularity of the rolling buffer.
	defaultSliceDuration = 1 * time.Second

	// defaultFlushInterval is how often the rolling buffer is posted for
	// interim transcription while continuous.
	defaultFlushInterval = 2500 * time.Millisecond

	// maxBufferDuration caps the rolling buffer so continuous speech cannot
	// grow it without bound.
	maxBufferDuration = 30 * time.Second
)

// ChunkedUploader posts buffered audio to the remote transcription endpoint.
// It is the transport half of the fallback strategy, separated so tests can
// exercise the HTTP contract directly.
type ChunkedUploader struct {
	endpoint   string
	httpClient *http.Client
}

// NewChunkedUploader creates an uploader against the transcription endpoint.
// client may be nil; a 30-second-timeout client is used.
func NewChunkedUploader(endpoint string, client *http.Client) *ChunkedUploader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ChunkedUploader{endpoint: endpoint, httpClient: client}
}

// transcribeRequest is the endpoint's request body.
type transcribeRequest struct {
	AudioData string `json:"audioData"`
	Format    string `json:"format"`
	Language  string `json:"language"`
	IsFinal   bool   `json:"isFinal"`
}

// transcribeResponse is the endpoint's response body.
type transcribeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
	} `json:"data"`
}

// Transcribe posts one WAV-encoded buffer and returns the transcript and
// confidence.
func (u *ChunkedUploader) Transcribe(ctx context.Context, wavData []byte, language string, isFinal bool) (string, float64, error) {
	body, err := json.Marshal(transcribeRequest{
		AudioData: base64.StdEncoding.EncodeToString(wavData),
		Format:    "wav",
		Language:  language,
		IsFinal:   isFinal,
	})
	if err != nil {
		return "", 0, fmt.Errorf("transcribe: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("transcribe: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("transcribe: post audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", 0, fmt.Errorf("transcribe: endpoint returned %s", resp.Status)
	}

	var parsed transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", 0, fmt.Errorf("transcribe: decode response: %w", err)
	}
	if !parsed.Success {
		return "", 0, errors.New("transcribe: endpoint reported failure")
	}
	return parsed.Data.Transcript, parsed.Data.Confidence, nil
}

// chunkedStrategy is the capture-and-upload fallback. Captured frames
// accumulate in a rolling buffer in fixed time slices; while continuous the
// buffer is posted on every flush tick WITHOUT clearing, producing
// interim-style partial output, and the explicit stop performs a final,
// clearing flush.
type chunkedStrategy struct {
	cfg      Config
	uploader *ChunkedUploader
	emit     func(voice.TranscriptSegment)
	recovery *recovery.Manager

	flushInterval time.Duration
	sliceDuration time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}
}

var _ Strategy = (*chunkedStrategy)(nil)

func newChunkedStrategy(cfg Config, uploader *ChunkedUploader, emit func(voice.TranscriptSegment), rec *recovery.Manager) *chunkedStrategy {
	return &chunkedStrategy{
		cfg:           cfg,
		uploader:      uploader,
		emit:          emit,
		recovery:      rec,
		flushInterval: defaultFlushInterval,
		sliceDuration: defaultSliceDuration,
	}
}

// Mode returns [voice.SourceFallback].
func (c *chunkedStrategy) Mode() voice.SourceMode { return voice.SourceFallback }

// Start launches the capture loop.
func (c *chunkedStrategy) Start(ctx context.Context, frames <-chan audio.Frame) error {
	if c.uploader == nil {
		return errors.New("transcribe: no chunked uploader configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.captureLoop(runCtx, frames, done)
	return nil
}

// Stop cancels the capture loop, which performs the final clearing flush
// before exiting. Idempotent.
func (c *chunkedStrategy) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

// captureLoop accumulates frames and flushes the rolling buffer: interim on
// every tick, final on shutdown. Interim flushes post a snapshot from their
// own goroutine so a slow endpoint never stalls frame intake. The pending
// flush timer dies with the loop.
func (c *chunkedStrategy) captureLoop(ctx context.Context, frames <-chan audio.Frame, done chan<- struct{}) {
	defer close(done)

	var buffer []byte
	bytesPerSecond := c.cfg.SampleRate * c.cfg.Channels * 2
	maxBufferBytes := int(maxBufferDuration.Seconds()) * bytesPerSecond

	var ticker *time.Ticker
	var tick <-chan time.Time
	if c.cfg.Continuous {
		ticker = time.NewTicker(c.flushInterval)
		tick = ticker.C
		defer ticker.Stop()
	}

	// interimDone is non-nil while an interim flush is in flight.
	var interimDone chan struct{}

	finalFlush := func() {
		if interimDone != nil {
			<-interimDone
		}
		if len(buffer) == 0 {
			return
		}
		// Independent context: the loop's own ctx is already cancelled.
		fc, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.flush(fc, buffer, true)
		buffer = nil
	}

	for {
		select {
		case <-ctx.Done():
			finalFlush()
			return

		case frame, ok := <-frames:
			if !ok {
				finalFlush()
				return
			}
			buffer = append(buffer, frame.Data...)
			if len(buffer) > maxBufferBytes {
				// Drop the oldest audio; the newest slices matter most.
				buffer = buffer[len(buffer)-maxBufferBytes:]
			}

		case <-tick:
			if interimDone != nil {
				select {
				case <-interimDone:
					interimDone = nil
				default:
					// Previous flush still in flight: skip this tick.
					continue
				}
			}
			if len(buffer) == 0 {
				continue
			}
			// Interim flush: post a snapshot of the whole buffer and keep the
			// buffer intact so the final flush re-transcribes the complete
			// utterance. The loop stays on frame intake meanwhile.
			snapshot := append([]byte(nil), buffer...)
			flushed := make(chan struct{})
			interimDone = flushed
			go func() {
				defer close(flushed)
				c.flush(ctx, snapshot, false)
			}()
		}
	}
}

// flush WAV-encodes buf and posts it, emitting a segment on success and
// reporting failures to the recovery manager.
func (c *chunkedStrategy) flush(ctx context.Context, buf []byte, isFinal bool) {
	if len(buf) == 0 {
		return
	}

	wavData, err := encodeWAV(buf, c.cfg.SampleRate, c.cfg.Channels)
	if err != nil {
		slog.Error("chunked flush failed to encode", "error", err)
		return
	}

	start := time.Now()
	text, confidence, err := c.uploader.Transcribe(ctx, wavData, c.cfg.Language, isFinal)
	observe.DefaultMetrics().TranscriptionFlushDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		c.recovery.HandleError(ctx, voice.CodeTranscriptionFailed, voice.ErrorContext{
			Component: component,
			Action:    "flush",
			Timestamp: time.Now(),
		}, err.Error())
		return
	}
	if text == "" {
		return
	}

	c.emit(voice.TranscriptSegment{
		Text:       text,
		Confidence: confidence,
		IsFinal:    isFinal,
		Timestamp:  time.Now(),
		Source:     voice.SourceFallback,
	})
}
