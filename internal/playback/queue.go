// Package playback implements the ordered audio playback queue.
//
// Synthesized speech arrives as a sequence of audio chunks, either by URL or
// as base64 payloads. The [Queue] decodes each chunk up front, holds it in a
// strict FIFO, and renders one clip at a time through an [audio.Renderer].
// The drain loop always advances: a clip that finishes, fails to decode,
// fails to play, or is stopped releases its slot and the next clip starts.
//
// Chunks of one utterance carry a strictly increasing sequence index and the
// final chunk is flagged as last, which resets the sequence for the next
// utterance. Volume and mute changes apply to the playing clip immediately
// and carry forward to queued clips.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/recovery"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/voice"
)

// component is the name this package reports to the recovery manager.
const component = "playback"

// Item describes one queued audio chunk.
type Item struct {
	// ID identifies the chunk for callbacks and logs.
	ID string

	// SequenceIndex orders chunks within an utterance. Strictly increasing;
	// out-of-order chunks are rejected at enqueue time.
	SequenceIndex int

	// IsLastInUtterance marks the final chunk of an utterance and resets the
	// sequence for the next one.
	IsLastInUtterance bool

	// AssociatedText is the text this audio speaks, for captions and logs.
	AssociatedText string

	// Volume is the per-item gain in [0, 1]. Zero means unset and plays at
	// full item gain; the queue's master volume still applies.
	Volume float64

	// AutoPlay starts the item as soon as it reaches the head of the queue.
	// When false the item waits at the head until [Queue.Play].
	AutoPlay bool
}

// entry is an item with its decoded clip. The clip is released after the
// entry is consumed.
type entry struct {
	item Item
	clip audio.Clip
}

// Queue is the ordered playback queue. Safe for concurrent use.
type Queue struct {
	renderer audio.Renderer
	recovery *recovery.Manager
	fetch    *fetcher

	mu       sync.Mutex
	pending  []entry
	current  audio.Playback
	currItem *Item
	draining bool
	armed    bool
	volume   float64
	muted    bool
	lastSeq  int
	gen      int
	onDone   func(Item, error)
}

// NewQueue creates an empty queue rendering through r. client may be nil; it
// is only used for URL items.
func NewQueue(r audio.Renderer, rec *recovery.Manager, client *http.Client) *Queue {
	return &Queue{
		renderer: r,
		recovery: rec,
		fetch:    newFetcher(client),
		volume:   1,
		lastSeq:  -1,
	}
}

// OnItemFinished sets the callback invoked after each item leaves the player,
// with the terminal error (nil on success). Called from the drain goroutine.
func (q *Queue) OnItemFinished(fn func(Item, error)) {
	q.mu.Lock()
	q.onDone = fn
	q.mu.Unlock()
}

// QueueAudioData decodes a base64 audio payload and appends it to the queue.
func (q *Queue) QueueAudioData(payload, format string, item Item) error {
	if !SupportsFormat(format) {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	data, err := decodeBase64(payload)
	if err != nil {
		return err
	}
	clip, err := decodeClip(data, format)
	if err != nil {
		return err
	}
	return q.enqueue(item, clip)
}

// QueueAudio fetches an audio asset by URL, decodes it, and appends it to the
// queue.
func (q *Queue) QueueAudio(ctx context.Context, url string, item Item) error {
	data, format, err := q.fetch.fetch(ctx, url)
	if err != nil {
		return err
	}
	clip, err := decodeClip(data, format)
	if err != nil {
		return err
	}
	return q.enqueue(item, clip)
}

// enqueue validates ordering, appends the entry, and kicks the drain loop.
func (q *Queue) enqueue(item Item, clip audio.Clip) error {
	if item.Volume <= 0 {
		item.Volume = 1
	}

	q.mu.Lock()
	if q.lastSeq >= 0 && item.SequenceIndex <= q.lastSeq {
		q.mu.Unlock()
		return fmt.Errorf("playback: sequence index %d not after %d", item.SequenceIndex, q.lastSeq)
	}
	if item.IsLastInUtterance {
		q.lastSeq = -1
	} else {
		q.lastSeq = item.SequenceIndex
	}
	q.pending = append(q.pending, entry{item: item, clip: clip})
	start := !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	slog.Debug("audio chunk queued",
		"id", item.ID,
		"sequence", item.SequenceIndex,
		"last", item.IsLastInUtterance,
		"duration", clip.Duration(),
	)
	if start {
		go q.drain()
	}
	return nil
}

// drain plays queued entries in order until the queue empties or the head
// item requires an explicit [Queue.Play].
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		head := q.pending[0]
		if !head.item.AutoPlay && !q.armed {
			// Hold at the head until Play is called.
			q.draining = false
			q.mu.Unlock()
			return
		}
		q.armed = false
		q.pending = q.pending[1:]
		gen := q.gen
		q.mu.Unlock()

		q.playEntry(head, gen)
	}
}

// playEntry renders one clip to completion and reports the outcome. Failures
// are reported and the loop advances regardless. gen is the queue generation
// at pop time; a Stop in between bumps it and the entry must not play.
func (q *Queue) playEntry(e entry, gen int) {
	q.mu.Lock()
	stale := gen != q.gen
	q.mu.Unlock()
	if stale {
		return
	}

	handle, err := q.renderer.Play(context.Background(), e.clip)
	if err != nil {
		q.reportFailure(e.item, err)
		return
	}

	q.mu.Lock()
	vol := q.effectiveVolumeLocked(e.item)
	q.mu.Unlock()
	handle.SetVolume(vol)

	// Publish the handle only after the initial gain is applied so later
	// volume changes cannot be overwritten by it.
	q.mu.Lock()
	if gen != q.gen {
		// Stopped while the render was starting up.
		q.mu.Unlock()
		handle.Stop()
		return
	}
	q.current = handle
	q.currItem = &e.item
	q.mu.Unlock()

	playErr := <-handle.Done()

	q.mu.Lock()
	q.current = nil
	q.currItem = nil
	done := q.onDone
	q.mu.Unlock()

	if playErr != nil {
		q.reportFailure(e.item, playErr)
		return
	}
	if done != nil {
		done(e.item, nil)
	}
}

// reportFailure classifies a playback failure and notifies the callback.
func (q *Queue) reportFailure(item Item, err error) {
	if q.recovery != nil {
		q.recovery.HandleError(context.Background(), voice.CodePlaybackFailed, voice.ErrorContext{
			Component: component,
			Action:    "play",
			Timestamp: time.Now(),
		}, err.Error())
	}

	q.mu.Lock()
	done := q.onDone
	q.mu.Unlock()
	if done != nil {
		done(item, err)
	}
}

// Play starts a head item that was queued with AutoPlay disabled. No-op when
// the queue is empty or already draining.
func (q *Queue) Play() {
	q.mu.Lock()
	q.armed = true
	start := !q.draining && len(q.pending) > 0
	if start {
		q.draining = true
	}
	q.mu.Unlock()
	if start {
		go q.drain()
	}
}

// Pause suspends the currently playing item. Queued items are unaffected.
func (q *Queue) Pause() {
	q.mu.Lock()
	current := q.current
	q.mu.Unlock()
	if current != nil {
		current.Pause()
	}
}

// Resume continues the currently playing item after Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	current := q.current
	q.mu.Unlock()
	if current != nil {
		current.Resume()
	}
}

// Stop clears all queued items and halts the current one. The queue stays
// usable for future enqueues.
func (q *Queue) Stop() {
	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	q.lastSeq = -1
	q.gen++
	current := q.current
	q.mu.Unlock()

	if current != nil {
		current.Stop()
	}
	if dropped > 0 {
		slog.Debug("playback queue cleared", "dropped", dropped)
	}
}

// SetVolume sets the master volume in [0, 1]. Applies to the current item
// immediately and to every later item.
func (q *Queue) SetVolume(volume float64) {
	if volume < 0 || volume > 1 {
		return
	}
	q.applyVolume(func(q *Queue) { q.volume = volume })
}

// SetMuted mutes or unmutes output. Applies to the current item immediately
// and to every later item.
func (q *Queue) SetMuted(muted bool) {
	q.applyVolume(func(q *Queue) { q.muted = muted })
}

// applyVolume mutates the gain state and pushes the result to the current
// handle.
func (q *Queue) applyVolume(mutate func(*Queue)) {
	q.mu.Lock()
	mutate(q)
	current := q.current
	var vol float64
	if q.currItem != nil {
		vol = q.effectiveVolumeLocked(*q.currItem)
	}
	q.mu.Unlock()

	if current != nil {
		current.SetVolume(vol)
	}
}

// effectiveVolumeLocked combines master volume, mute, and the item gain.
// Caller holds q.mu.
func (q *Queue) effectiveVolumeLocked(item Item) float64 {
	if q.muted {
		return 0
	}
	return q.volume * item.Volume
}

// Len reports the number of queued, not-yet-played items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// IsPlaying reports whether a clip is currently rendering.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil
}
