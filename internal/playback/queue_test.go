package playback

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/recovery"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/mock"
)

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

func wavBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(makeWAV(pcm, 16000, 1))
}

// finishRecorder collects OnItemFinished callbacks.
type finishRecorder struct {
	mu    sync.Mutex
	ids   []string
	lasts []bool
	errs  []error
}

func (f *finishRecorder) record(item Item, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, item.ID)
	f.lasts = append(f.lasts, item.IsLastInUtterance)
	f.errs = append(f.errs, err)
}

func (f *finishRecorder) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.ids) >= n {
			out := make([]string, len(f.ids))
			copy(out, f.ids)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d finished items", n)
	return nil
}

func waitHandles(t *testing.T, r *mock.Renderer, n int) *mock.Handle {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h := r.HandleAt(n - 1); h != nil {
			return h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for playback %d to start", n)
	return nil
}

// waitPlaying blocks until the queue has published its current playback
// handle, so control operations hit the handle deterministically.
func waitPlaying(t *testing.T, q *Queue) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.IsPlaying() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for playback to start")
}

func newTestQueue(r *mock.Renderer) *Queue {
	return NewQueue(r, recovery.NewManager(recovery.Options{BaseDelay: time.Millisecond}), nil)
}

func TestQueuePlaysInFIFOOrder(t *testing.T) {
	r := &mock.Renderer{AutoFinish: true}
	q := newTestQueue(r)
	rec := &finishRecorder{}
	q.OnItemFinished(rec.record)

	pcm := make([]byte, 640)
	for i, id := range []string{"A", "B", "C"} {
		item := Item{ID: id, SequenceIndex: i, AutoPlay: true, IsLastInUtterance: id == "C"}
		if err := q.QueueAudioData(wavBase64(pcm), "wav", item); err != nil {
			t.Fatalf("QueueAudioData(%s) failed: %v", id, err)
		}
	}

	ids := rec.wait(t, 3)
	if ids[0] != "A" || ids[1] != "B" || ids[2] != "C" {
		t.Errorf("playback order = %v, want [A B C]", ids)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, last := range rec.lasts {
		if want := i == 2; last != want {
			t.Errorf("item %s IsLastInUtterance = %v, want %v", ids[i], last, want)
		}
	}
}

func TestQueuePlaysOneAtATime(t *testing.T) {
	r := &mock.Renderer{}
	q := newTestQueue(r)

	pcm := make([]byte, 320)
	for i, id := range []string{"first", "second"} {
		item := Item{ID: id, SequenceIndex: i, AutoPlay: true}
		if err := q.QueueAudioData(wavBase64(pcm), "wav", item); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	first := waitHandles(t, r, 1)
	waitPlaying(t, q)
	if !q.IsPlaying() {
		t.Error("IsPlaying = false while first item renders")
	}
	if got := q.Len(); got != 1 {
		t.Errorf("Len = %d while first item renders, want 1", got)
	}
	if r.PlayCount() != 1 {
		t.Fatalf("second item started before first finished")
	}

	first.Finish(nil)
	waitHandles(t, r, 2)
}

func TestQueueAdvancesPastPlayError(t *testing.T) {
	r := &mock.Renderer{PlayErr: errors.New("device busy")}
	q := newTestQueue(r)
	rec := &finishRecorder{}
	q.OnItemFinished(rec.record)

	pcm := make([]byte, 320)
	if err := q.QueueAudioData(wavBase64(pcm), "wav", Item{ID: "x", AutoPlay: true}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	rec.wait(t, 1)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.errs[0] == nil {
		t.Error("finished callback got nil error for failed playback")
	}
}

func TestQueueAdvancesPastItemError(t *testing.T) {
	r := &mock.Renderer{}
	q := newTestQueue(r)
	rec := &finishRecorder{}
	q.OnItemFinished(rec.record)

	pcm := make([]byte, 320)
	for i, id := range []string{"bad", "good"} {
		if err := q.QueueAudioData(wavBase64(pcm), "wav", Item{ID: id, SequenceIndex: i, AutoPlay: true}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	waitHandles(t, r, 1).Finish(errors.New("underrun"))
	second := waitHandles(t, r, 2)
	second.Finish(nil)

	ids := rec.wait(t, 2)
	if ids[0] != "bad" || ids[1] != "good" {
		t.Errorf("finished order = %v, want [bad good]", ids)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.errs[0] == nil || rec.errs[1] != nil {
		t.Errorf("errors = %v, want [non-nil nil]", rec.errs)
	}
}

func TestQueueRejectsOutOfOrderSequence(t *testing.T) {
	q := newTestQueue(&mock.Renderer{AutoFinish: true})
	pcm := make([]byte, 320)

	if err := q.QueueAudioData(wavBase64(pcm), "wav", Item{ID: "a", SequenceIndex: 1, AutoPlay: true}); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := q.QueueAudioData(wavBase64(pcm), "wav", Item{ID: "dup", SequenceIndex: 1, AutoPlay: true}); err == nil {
		t.Error("duplicate sequence index accepted")
	}
	if err := q.QueueAudioData(wavBase64(pcm), "wav", Item{ID: "b", SequenceIndex: 2, IsLastInUtterance: true, AutoPlay: true}); err != nil {
		t.Fatalf("in-order enqueue failed: %v", err)
	}
	// Last chunk resets the sequence for the next utterance.
	if err := q.QueueAudioData(wavBase64(pcm), "wav", Item{ID: "next", SequenceIndex: 0, AutoPlay: true}); err != nil {
		t.Errorf("sequence did not reset after last chunk: %v", err)
	}
}

func TestQueueStopClearsPendingAndHaltsCurrent(t *testing.T) {
	r := &mock.Renderer{}
	q := newTestQueue(r)
	pcm := make([]byte, 320)

	for i, id := range []string{"playing", "queued"} {
		if err := q.QueueAudioData(wavBase64(pcm), "wav", Item{ID: id, SequenceIndex: i, AutoPlay: true}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	h := waitHandles(t, r, 1)
	waitPlaying(t, q)

	q.Stop()

	if got := q.Len(); got != 0 {
		t.Errorf("Len after Stop = %d, want 0", got)
	}
	deadline := time.Now().Add(time.Second)
	for !h.IsStopped() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !h.IsStopped() {
		t.Error("current playback was not stopped")
	}
	if r.PlayCount() != 1 {
		t.Errorf("queued item played after Stop, plays = %d", r.PlayCount())
	}
}

func TestStopPreventsPoppedEntryFromPlaying(t *testing.T) {
	r := &mock.Renderer{}
	q := newTestQueue(r)

	// Emulate the drain goroutine having popped an entry just before Stop.
	q.mu.Lock()
	gen := q.gen
	q.mu.Unlock()
	q.Stop()

	e := entry{
		item: Item{ID: "stale", AutoPlay: true},
		clip: audio.Clip{PCM: make([]byte, 4), SampleRate: 16000, Channels: 1},
	}
	q.playEntry(e, gen)

	if r.PlayCount() != 0 {
		t.Errorf("entry popped before Stop still played: %d plays", r.PlayCount())
	}
	if q.IsPlaying() {
		t.Error("queue reports a current item after Stop")
	}
}

func TestQueueVolumeAndMutePropagate(t *testing.T) {
	r := &mock.Renderer{}
	q := newTestQueue(r)
	pcm := make([]byte, 320)

	if err := q.QueueAudioData(wavBase64(pcm), "wav", Item{ID: "v", AutoPlay: true}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	h := waitHandles(t, r, 1)
	waitPlaying(t, q)

	q.SetVolume(0.5)
	if got := h.CurrentVolume(); got != 0.5 {
		t.Errorf("volume after SetVolume(0.5) = %v", got)
	}
	q.SetMuted(true)
	if got := h.CurrentVolume(); got != 0 {
		t.Errorf("volume while muted = %v, want 0", got)
	}
	q.SetMuted(false)
	if got := h.CurrentVolume(); got != 0.5 {
		t.Errorf("volume after unmute = %v, want 0.5", got)
	}
	h.Finish(nil)
}

func TestQueuePauseResumeCurrentOnly(t *testing.T) {
	r := &mock.Renderer{}
	q := newTestQueue(r)
	pcm := make([]byte, 320)

	if err := q.QueueAudioData(wavBase64(pcm), "wav", Item{ID: "p", AutoPlay: true}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	h := waitHandles(t, r, 1)
	waitPlaying(t, q)

	q.Pause()
	if !h.IsPaused() {
		t.Error("current playback not paused")
	}
	q.Resume()
	if h.IsPaused() {
		t.Error("current playback still paused after Resume")
	}
	h.Finish(nil)
}

func TestQueueHoldsNonAutoPlayItem(t *testing.T) {
	r := &mock.Renderer{}
	q := newTestQueue(r)
	pcm := make([]byte, 320)

	if err := q.QueueAudioData(wavBase64(pcm), "wav", Item{ID: "held"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if r.PlayCount() != 0 {
		t.Fatal("non-autoplay item started without Play")
	}

	q.Play()
	h := waitHandles(t, r, 1)
	h.Finish(nil)
}

func TestSupportsFormat(t *testing.T) {
	cases := []struct {
		format string
		want   bool
	}{
		{"mp3", true},
		{"wav", true},
		{"ogg", true},
		{"audio/mpeg", true},
		{"audio/wav", true},
		{"MP3", true},
		{"mp4", false},
		{"audio/mp4", false},
		{"flac", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := SupportsFormat(tc.format); got != tc.want {
			t.Errorf("SupportsFormat(%q) = %v, want %v", tc.format, got, tc.want)
		}
	}
}

func TestQueueAudioDataPreservesPCMLength(t *testing.T) {
	r := &mock.Renderer{AutoFinish: true}
	q := newTestQueue(r)
	rec := &finishRecorder{}
	q.OnItemFinished(rec.record)

	pcm := make([]byte, 1234*2)
	if err := q.QueueAudioData(wavBase64(pcm), "wav", Item{ID: "len", AutoPlay: true}); err != nil {
		t.Fatalf("QueueAudioData failed: %v", err)
	}
	rec.wait(t, 1)

	clip := r.ClipAt(0)
	if len(clip.PCM) != len(pcm) {
		t.Errorf("decoded PCM length = %d, want %d", len(clip.PCM), len(pcm))
	}
	if clip.SampleRate != 16000 || clip.Channels != 1 {
		t.Errorf("decoded format = %d Hz x%d, want 16000 Hz x1", clip.SampleRate, clip.Channels)
	}
}

func TestQueueAudioDataRejectsUnsupportedFormat(t *testing.T) {
	q := newTestQueue(&mock.Renderer{})
	err := q.QueueAudioData(base64.StdEncoding.EncodeToString([]byte("x")), "mp4", Item{AutoPlay: true})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestQueueAudioFetchesAndDecodes(t *testing.T) {
	pcm := make([]byte, 640)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(makeWAV(pcm, 16000, 1))
	}))
	defer srv.Close()

	r := &mock.Renderer{AutoFinish: true}
	q := NewQueue(r, recovery.NewManager(recovery.Options{BaseDelay: time.Millisecond}), srv.Client())
	rec := &finishRecorder{}
	q.OnItemFinished(rec.record)

	if err := q.QueueAudio(context.Background(), srv.URL+"/speech.wav", Item{ID: "url", AutoPlay: true}); err != nil {
		t.Fatalf("QueueAudio failed: %v", err)
	}
	rec.wait(t, 1)

	clip := r.ClipAt(0)
	if len(clip.PCM) != len(pcm) {
		t.Errorf("fetched clip PCM length = %d, want %d", len(clip.PCM), len(pcm))
	}
}
