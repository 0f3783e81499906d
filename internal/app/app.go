// Package app wires all Voxline subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the pipeline until the context is cancelled or
// the server ends the call, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithCaptureDevice, WithRenderer, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/playback"
	"github.com/MrWong99/voxline/internal/recovery"
	"github.com/MrWong99/voxline/internal/session"
	"github.com/MrWong99/voxline/internal/transcribe"
	"github.com/MrWong99/voxline/internal/vad"
	"github.com/MrWong99/voxline/pkg/audio"
	paudio "github.com/MrWong99/voxline/pkg/audio/portaudio"
	"github.com/MrWong99/voxline/pkg/voice"
)

// sendTimeout bounds each outbound session write from the forward loop.
const sendTimeout = 5 * time.Second

// eventBuffer is the capacity of the segment and activity queues between the
// pipeline callbacks and the forward loop. Callbacks never block; overflow
// drops the oldest-pending event.
const eventBuffer = 16

// activityEvent is one voice start or end crossing from the detector to the
// forward loop.
type activityEvent struct {
	active     bool
	confidence float64
}

// fetchJob is one URL-carried audio chunk waiting for the fetch worker.
type fetchJob struct {
	url  string
	item playback.Item
}

// App owns all subsystem lifetimes and orchestrates the Voxline voice
// pipeline: capture → VAD + transcription → session, and session → playback.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	// Injectable platform pieces.
	device   audio.CaptureDevice
	renderer audio.Renderer
	native   transcribe.Recognizer
	client   *http.Client

	// Subsystems — initialised in New, torn down in Shutdown.
	recovery *recovery.Manager
	tee      *frameTee
	detector *vad.Detector
	pipeline *transcribe.Pipeline
	queue    *playback.Queue
	session  *session.Session

	metricsSrv *http.Server

	// Event queues drained by the forward loop.
	segCh      chan voice.TranscriptSegment
	activityCh chan activityEvent

	// fetchCh feeds URL-carried audio chunks to the single fetch worker.
	fetchCh chan fetchJob

	// callEnded is closed when the server terminates the call.
	callEnded chan struct{}
	endOnce   sync.Once

	mu          sync.Mutex
	chunkSeq    int
	speechStart time.Time

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCaptureDevice injects a capture device instead of opening the default
// PortAudio input.
func WithCaptureDevice(d audio.CaptureDevice) Option {
	return func(a *App) { a.device = d }
}

// WithRenderer injects a playback renderer instead of the PortAudio output.
func WithRenderer(r audio.Renderer) Option {
	return func(a *App) { a.renderer = r }
}

// WithRecognizer injects a continuous recognition backend instead of the
// websocket recognizer built from the config.
func WithRecognizer(r transcribe.Recognizer) Option {
	return func(a *App) { a.native = r }
}

// WithHTTPClient injects the HTTP client used for uploads and audio fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.client = c }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any platform piece.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		segCh:      make(chan voice.TranscriptSegment, eventBuffer),
		activityCh: make(chan activityEvent, eventBuffer),
		fetchCh:    make(chan fetchJob, eventBuffer),
		callEnded:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.device == nil {
		a.device = paudio.NewCapture()
	}
	if a.renderer == nil {
		a.renderer = paudio.NewRenderer()
	}

	// ── 1. Recovery manager ──────────────────────────────────────────────
	a.recovery = recovery.NewManager(recovery.Options{
		MaxRetries: cfg.Recovery.MaxRetries,
		BaseDelay:  msDur(cfg.Recovery.RetryDelayMS),
	})

	// ── 2. Playback queue ────────────────────────────────────────────────
	a.queue = playback.NewQueue(a.renderer, a.recovery, a.client)
	if cfg.Playback.Volume != nil {
		a.queue.SetVolume(*cfg.Playback.Volume)
	}
	a.queue.OnItemFinished(a.playbackFinished)

	// ── 3. Capture fan-out + voice detection ─────────────────────────────
	a.tee = newFrameTee(a.device, 2)
	a.detector = vad.NewDetector(&tapDevice{frames: a.tee.Tap(0)}, vad.Config{
		MinThreshold:       cfg.VAD.MinThreshold,
		MinSpeechDuration:  msDur(cfg.VAD.MinSpeechDurationMS),
		MinSilenceDuration: msDur(cfg.VAD.MinSilenceDurationMS),
		HistorySize:        cfg.VAD.HistorySize,
		SampleRate:         cfg.Capture.SampleRate,
		WindowSize:         cfg.VAD.WindowSize,
	})
	a.detector.Subscribe(voiceEvents{a})

	// ── 4. Transcription pipeline ────────────────────────────────────────
	if a.native == nil && cfg.Transcription.StreamingEndpoint != "" {
		a.native = transcribe.NewWSRecognizer(cfg.Transcription.StreamingEndpoint)
	}
	uploader := transcribe.NewChunkedUploader(cfg.Transcription.UploadEndpoint, a.client)
	a.pipeline = transcribe.NewPipeline(transcribe.Config{
		Continuous:      boolOr(cfg.Transcription.Continuous, true),
		InterimResults:  boolOr(cfg.Transcription.InterimResults, true),
		Language:        cfg.Transcription.Language,
		MaxAlternatives: cfg.Transcription.MaxAlternatives,
		SampleRate:      cfg.Capture.SampleRate,
		Channels:        cfg.Capture.Channels,
	}, a.native, uploader, voice.SinkFunc(a.handleSegment), a.recovery)

	// ── 5. Realtime session ──────────────────────────────────────────────
	if cfg.Session.Endpoint != "" {
		a.session = session.New(session.Config{
			Endpoint:       cfg.Session.Endpoint,
			CallID:         cfg.Session.CallID,
			MaxReconnects:  cfg.Session.MaxReconnects,
			ReconnectDelay: msDur(cfg.Session.ReconnectDelayMS),
			MaxDelay:       msDur(cfg.Session.MaxDelayMS),
		}, session.Handlers{
			OnTranscript: a.handleTranscript,
			OnSentiment:  a.handleSentiment,
			OnCallEnded:  a.handleCallEnded,
			OnError:      a.handleServerError,
		}, a.recovery)
	}

	// ── 6. Ops endpoint: metrics + health ────────────────────────────────
	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.New(
			health.Func("capture", a.captureReady),
			health.Func("transcription", a.transcriptionReady),
			health.Func("session", a.sessionReady),
		).Register(mux)
		a.metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
	}

	// Teardown order: stop producing segments before leaving the call, so
	// the final flush still reaches the server; the queue drains last.
	a.closers = []func() error{
		a.pipeline.Stop,
		a.detector.Stop,
		a.tee.Stop,
		a.disconnectSession,
		func() error { a.queue.Stop(); return nil },
	}

	return a, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts capture, detection, and transcription, connects the realtime
// session, and blocks until ctx is cancelled or the server ends the call.
// Returns nil on a server-initiated call end, ctx.Err() otherwise.
func (a *App) Run(ctx context.Context) error {
	captureCfg := audio.CaptureConfig{
		SampleRate: a.cfg.Capture.SampleRate,
		Channels:   a.cfg.Capture.Channels,
		FrameSize:  a.cfg.Capture.FrameSize,
	}
	if err := a.tee.Start(ctx, captureCfg); err != nil {
		return fmt.Errorf("app: start capture: %w", err)
	}

	// Ambient calibration runs over the live tap before detection begins,
	// while nobody is expected to be speaking.
	if d := msDur(a.cfg.VAD.CalibrationDurationMS); d > 0 {
		if _, err := a.detector.Calibrate(ctx, d); err != nil {
			slog.Warn("ambient calibration failed, keeping configured threshold", "error", err)
		}
	}

	if err := a.detector.Start(ctx); err != nil {
		return fmt.Errorf("app: start voice detection: %w", err)
	}
	if err := a.pipeline.Start(ctx, a.tee.Tap(1)); err != nil {
		return fmt.Errorf("app: start transcription: %w", err)
	}
	if a.session != nil {
		if err := a.session.Connect(ctx); err != nil {
			return fmt.Errorf("app: join call: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, runCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		a.forwardLoop(runCtx)
		return nil
	})
	g.Go(func() error {
		a.fetchLoop(runCtx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-runCtx.Done():
		case <-a.callEnded:
			cancel()
		}
		return nil
	})
	if a.metricsSrv != nil {
		g.Go(func() error {
			err := a.metricsSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-runCtx.Done()
			shCtx, shCancel := context.WithTimeout(context.Background(), time.Second)
			defer shCancel()
			return a.metricsSrv.Shutdown(shCtx)
		})
	}

	slog.Info("app running",
		"mode", a.pipeline.Mode(),
		"call", a.cfg.Session.CallID,
	)

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// forwardLoop drains the segment and activity queues and relays them to the
// realtime session. A single goroutine keeps chunk sequence numbers ordered
// on the wire.
func (a *App) forwardLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case seg := <-a.segCh:
			a.forwardSegment(ctx, seg)
		case ev := <-a.activityCh:
			a.forwardActivity(ctx, ev)
		}
	}
}

func (a *App) forwardSegment(ctx context.Context, seg voice.TranscriptSegment) {
	if a.session == nil || !a.session.Connected() {
		return
	}

	a.mu.Lock()
	a.chunkSeq++
	seq := a.chunkSeq
	if seg.IsFinal {
		a.chunkSeq = 0
	}
	a.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := a.session.SendVoiceStreamChunk(sendCtx, seg.Text, seq, seg.IsFinal); err != nil {
		slog.Warn("voice stream chunk not delivered", "error", err)
		return
	}
	if seg.IsFinal && seg.Text != "" {
		if err := a.session.SendVoiceInput(sendCtx, seg.Text, seg.Source); err != nil {
			slog.Warn("voice input not delivered", "error", err)
		}
	}
}

func (a *App) forwardActivity(ctx context.Context, ev activityEvent) {
	if a.session == nil || !a.session.Connected() {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := a.session.SendVoiceActivity(sendCtx, ev.active, ev.confidence); err != nil {
		slog.Warn("voice activity not delivered", "active", ev.active, "error", err)
	}
}

// ─── Pipeline callbacks ──────────────────────────────────────────────────────

// handleSegment receives transcript segments from the pipeline's processing
// goroutine. It records metrics and queues the segment for forwarding; it
// must not block.
func (a *App) handleSegment(seg voice.TranscriptSegment) {
	a.metrics.RecordTranscriptSegment(context.Background(), string(seg.Source), seg.IsFinal)

	select {
	case a.segCh <- seg:
	default:
		slog.Warn("segment queue full, dropping segment", "final", seg.IsFinal)
	}
}

// voiceEvents adapts detector callbacks onto the App. Callbacks run on the
// detection goroutine and must not block.
type voiceEvents struct{ a *App }

var _ vad.Listener = voiceEvents{}

func (v voiceEvents) VoiceStart(at time.Time) {
	v.a.mu.Lock()
	v.a.speechStart = at
	v.a.mu.Unlock()
	v.a.notifyActivity(true, v.a.detector.AdaptiveThreshold())
}

func (v voiceEvents) VoiceEnd(at time.Time) {
	v.a.mu.Lock()
	start := v.a.speechStart
	v.a.speechStart = time.Time{}
	v.a.mu.Unlock()

	ctx := context.Background()
	v.a.metrics.VoiceSegments.Add(ctx, 1)
	if !start.IsZero() {
		v.a.metrics.SpeechSegmentDuration.Record(ctx, at.Sub(start).Seconds())
	}
	v.a.notifyActivity(false, 0)
}

func (v voiceEvents) VoiceActivity(bool, float64) {}

func (a *App) notifyActivity(active bool, confidence float64) {
	select {
	case a.activityCh <- activityEvent{active: active, confidence: confidence}:
	default:
		slog.Warn("activity queue full, dropping event", "active", active)
	}
}

// ─── Session callbacks ───────────────────────────────────────────────────────

// handleTranscript queues server-delivered audio for playback. Runs on the
// session read goroutine; URL fetches are handed to the fetch worker so the
// read loop never stalls and chunks enter the queue in arrival order.
func (a *App) handleTranscript(u session.TranscriptUpdate) {
	if u.AudioData == "" && u.AudioURL == "" {
		slog.Debug("transcript update without audio",
			"speaker", u.Speaker,
			"final", u.IsFinal,
			"text", u.Text,
		)
		return
	}

	item := playback.Item{
		ID:                fmt.Sprintf("%s-%d", u.Speaker, u.Sequence),
		SequenceIndex:     u.Sequence,
		IsLastInUtterance: u.IsLast,
		AssociatedText:    u.Text,
		AutoPlay:          true,
	}

	if u.AudioData != "" {
		if err := a.queue.QueueAudioData(u.AudioData, u.AudioFormat, item); err != nil {
			slog.Warn("audio chunk not queued", "id", item.ID, "error", err)
			return
		}
		a.metrics.PlaybackQueueDepth.Add(context.Background(), 1)
		return
	}

	select {
	case a.fetchCh <- fetchJob{url: u.AudioURL, item: item}:
	default:
		slog.Warn("fetch queue full, dropping audio chunk", "id", item.ID)
	}
}

// fetchLoop downloads URL-carried chunks one at a time, in arrival order, so
// a slow asset cannot let a later chunk overtake it into the playback queue.
func (a *App) fetchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-a.fetchCh:
			fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := a.queue.QueueAudio(fetchCtx, job.url, job.item)
			cancel()
			if err != nil {
				slog.Warn("audio url not queued", "id", job.item.ID, "error", err)
				continue
			}
			a.metrics.PlaybackQueueDepth.Add(context.Background(), 1)
		}
	}
}

func (a *App) playbackFinished(item playback.Item, err error) {
	a.metrics.PlaybackQueueDepth.Add(context.Background(), -1)
	if err != nil {
		slog.Warn("playback item failed", "id", item.ID, "error", err)
	}
}

func (a *App) handleSentiment(u session.SentimentUpdate) {
	slog.Info("call sentiment", "sentiment", u.Sentiment, "score", u.Score)
}

func (a *App) handleCallEnded(ev session.CallEnded) {
	slog.Info("call ended by server", "reason", ev.Reason)
	a.queue.Stop()
	a.endOnce.Do(func() { close(a.callEnded) })
}

func (a *App) handleServerError(ev session.ServerError) {
	slog.Warn("server reported error", "code", ev.Code, "message", ev.Message)
}

// ─── Readiness checks ────────────────────────────────────────────────────────

func (a *App) captureReady(context.Context) error {
	if !a.detector.IsListening() {
		return errors.New("voice detection not running")
	}
	return nil
}

func (a *App) transcriptionReady(context.Context) error {
	if a.pipeline.Mode() == "" {
		return errors.New("no transcription strategy selected")
	}
	return nil
}

func (a *App) sessionReady(context.Context) error {
	if a.session == nil {
		// No call configured; the pipeline runs standalone.
		return nil
	}
	if !a.session.Connected() {
		return errors.New("not connected to the call")
	}
	return nil
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfigChange applies hot-reloadable settings from a config reload.
// Changes requiring a restart are logged, never applied mid-call.
func (a *App) ApplyConfigChange(change config.Change) {
	if change.VolumeChanged {
		a.queue.SetVolume(change.NewVolume)
		slog.Info("playback volume updated", "volume", change.NewVolume)
	}
	if change.VADChanged {
		slog.Info("detection tunables changed, applied on next start")
	}
	if change.RestartRequired {
		slog.Warn("config change requires a restart to take effect")
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in pipeline order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// disconnectSession leaves the call with a bounded deadline of its own, so a
// dead connection cannot hang the whole shutdown.
func (a *App) disconnectSession() error {
	if a.session == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return a.session.Disconnect(ctx)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// msDur converts a millisecond count from the config into a Duration.
func msDur(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// boolOr dereferences an optional config flag with a default.
func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
