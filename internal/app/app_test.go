package app

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/session"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/mock"
	"github.com/MrWong99/voxline/pkg/voice"
)

func testConfig() *config.Config {
	return &config.Config{
		LogLevel: config.LogInfo,
		Capture:  config.CaptureConfig{SampleRate: 16000, Channels: 1, FrameSize: 320},
		Transcription: config.TranscriptionConfig{
			// Never contacted in these tests; the buffer stays empty.
			UploadEndpoint: "http://127.0.0.1:9/transcribe",
			Language:       "en-US",
		},
		Recovery: config.RecoveryConfig{MaxRetries: 1, RetryDelayMS: 1},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *mock.Device, *mock.Renderer) {
	t.Helper()
	dev := &mock.Device{}
	rend := &mock.Renderer{}
	a, err := New(cfg, WithCaptureDevice(dev), WithRenderer(rend))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a, dev, rend
}

// makeWAV builds a minimal canonical WAV container around raw 16-bit PCM.
func makeWAV(pcm []byte, sampleRate, channels int) []byte {
	blockAlign := channels * 2
	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFrameTeeDeliversToAllTaps(t *testing.T) {
	dev := &mock.Device{}
	tee := newFrameTee(dev, 2)

	if err := tee.Start(context.Background(), audio.CaptureConfig{SampleRate: 16000}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	dev.PushFrame(audio.Frame{Data: []byte{1, 2, 3, 4}})

	for i := 0; i < 2; i++ {
		select {
		case frame := <-tee.Tap(i):
			if len(frame.Data) != 4 {
				t.Errorf("tap %d frame length = %d, want 4", i, len(frame.Data))
			}
		case <-time.After(time.Second):
			t.Fatalf("tap %d never received the frame", i)
		}
	}

	if err := tee.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, ok := <-tee.Tap(i); ok {
			t.Errorf("tap %d still open after Stop", i)
		}
	}
}

func TestFrameTeeStopWithoutStart(t *testing.T) {
	tee := newFrameTee(&mock.Device{}, 1)
	if err := tee.Stop(); err != nil {
		t.Errorf("Stop before Start returned %v", err)
	}
}

func TestNewWiresSubsystems(t *testing.T) {
	a, _, _ := newTestApp(t, testConfig())

	if a.pipeline == nil || a.detector == nil || a.queue == nil || a.recovery == nil {
		t.Error("core subsystems not wired")
	}
	if a.session != nil {
		t.Error("session created without an endpoint")
	}
	if a.metricsSrv != nil {
		t.Error("metrics server created without a listen address")
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	a, _, _ := newTestApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	waitFor(t, "detection to start", a.detector.IsListening)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown returned %v", err)
	}
}

func TestRunEndsWhenServerEndsCall(t *testing.T) {
	a, _, _ := newTestApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	waitFor(t, "detection to start", a.detector.IsListening)
	a.handleCallEnded(session.CallEnded{Reason: "completed"})

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v, want nil on call end", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after call end")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown returned %v", err)
	}
}

func TestTranscriptAudioQueuedForPlayback(t *testing.T) {
	a, _, rend := newTestApp(t, testConfig())

	wavData := makeWAV([]byte{0, 1, 0, 2, 0, 3, 0, 4}, 16000, 1)
	a.handleTranscript(session.TranscriptUpdate{
		Text:        "hello there",
		Speaker:     "agent",
		IsFinal:     true,
		AudioData:   base64.StdEncoding.EncodeToString(wavData),
		AudioFormat: "wav",
		Sequence:    1,
	})

	waitFor(t, "playback to start", func() bool { return rend.PlayCount() == 1 })
	if clip := rend.ClipAt(0); clip.SampleRate != 16000 {
		t.Errorf("clip sample rate = %d, want 16000", clip.SampleRate)
	}
	rend.HandleAt(0).Finish(nil)
	a.queue.Stop()
}

func TestTranscriptWithoutAudioIsIgnored(t *testing.T) {
	a, _, rend := newTestApp(t, testConfig())

	a.handleTranscript(session.TranscriptUpdate{Text: "interim", IsFinal: false})
	time.Sleep(20 * time.Millisecond)

	if rend.PlayCount() != 0 {
		t.Errorf("audio played for a text-only update: %d plays", rend.PlayCount())
	}
	if a.queue.Len() != 0 {
		t.Errorf("queue length = %d, want 0", a.queue.Len())
	}
}

func TestURLChunksPlayInArrivalOrder(t *testing.T) {
	slowPCM := make([]byte, 8)
	fastPCM := make([]byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		if strings.HasSuffix(r.URL.Path, "/slow") {
			// The earlier-arriving chunk takes longer to download.
			time.Sleep(150 * time.Millisecond)
			w.Write(makeWAV(slowPCM, 16000, 1))
			return
		}
		w.Write(makeWAV(fastPCM, 16000, 1))
	}))
	defer srv.Close()

	dev := &mock.Device{}
	rend := &mock.Renderer{AutoFinish: true}
	a, err := New(testConfig(), WithCaptureDevice(dev), WithRenderer(rend))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()
	waitFor(t, "detection to start", a.detector.IsListening)

	a.handleTranscript(session.TranscriptUpdate{Speaker: "agent", Sequence: 1, AudioURL: srv.URL + "/slow"})
	a.handleTranscript(session.TranscriptUpdate{Speaker: "agent", Sequence: 2, IsLast: true, AudioURL: srv.URL + "/fast"})

	waitFor(t, "both chunks to play", func() bool { return rend.PlayCount() == 2 })
	if got := len(rend.ClipAt(0).PCM); got != len(slowPCM) {
		t.Errorf("first played clip has %d PCM bytes, want %d (slow chunk)", got, len(slowPCM))
	}
	if got := len(rend.ClipAt(1).PCM); got != len(fastPCM) {
		t.Errorf("second played clip has %d PCM bytes, want %d (fast chunk)", got, len(fastPCM))
	}

	cancel()
	<-errCh
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown returned %v", err)
	}
}

func TestSegmentsAndActivityForwardedToCall(t *testing.T) {
	received := make(chan map[string]any, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := context.Background()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				received <- msg
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Session = config.SessionConfig{
		Endpoint: "ws://" + strings.TrimPrefix(srv.URL, "http://"),
		CallID:   "demo-1",
	}
	a, _, _ := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	next := func(what string) map[string]any {
		select {
		case msg := <-received:
			return msg
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}

	if msg := next("join"); msg["type"] != "join_demo_call" {
		t.Fatalf("first message type = %v, want join_demo_call", msg["type"])
	}

	a.handleSegment(voice.TranscriptSegment{Text: "hel", Source: voice.SourceFallback})
	a.handleSegment(voice.TranscriptSegment{Text: "hello", IsFinal: true, Source: voice.SourceFallback})

	if msg := next("first chunk"); msg["type"] != "voice_stream_chunk" || msg["sequence"] != float64(1) || msg["isLast"] != false {
		t.Errorf("unexpected first chunk: %v", msg)
	}
	if msg := next("final chunk"); msg["type"] != "voice_stream_chunk" || msg["sequence"] != float64(2) || msg["isLast"] != true {
		t.Errorf("unexpected final chunk: %v", msg)
	}
	if msg := next("voice input"); msg["type"] != "voice_input" || msg["text"] != "hello" || msg["source"] != "fallback" {
		t.Errorf("unexpected voice input: %v", msg)
	}

	a.notifyActivity(true, 0.8)
	if msg := next("activity"); msg["type"] != "voice_activity_detected" || msg["active"] != true {
		t.Errorf("unexpected activity: %v", msg)
	}

	// A fresh utterance starts its sequence over after a final chunk.
	a.handleSegment(voice.TranscriptSegment{Text: "next", Source: voice.SourceFallback})
	if msg := next("restarted chunk"); msg["sequence"] != float64(1) {
		t.Errorf("sequence after final = %v, want 1", msg["sequence"])
	}

	cancel()
	<-errCh
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown returned %v", err)
	}
}
