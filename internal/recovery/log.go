package recovery

import "github.com/MrWong99/voxline/pkg/voice"

// logCapacity bounds the error log. Old entries are evicted, never flushed to
// storage: the log is session-scoped diagnostics, not an audit trail.
const logCapacity = 100

// errorRing is a fixed-capacity circular log of classified errors.
// Not safe for concurrent use; the manager's mutex guards it.
type errorRing struct {
	entries []voice.VoiceError
	next    int
	full    bool
}

func newErrorRing() *errorRing {
	return &errorRing{entries: make([]voice.VoiceError, logCapacity)}
}

// append records an error, evicting the oldest entry when full.
func (r *errorRing) append(e voice.VoiceError) {
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// len returns the number of recorded entries.
func (r *errorRing) len() int {
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// snapshot returns the recorded errors, oldest first.
func (r *errorRing) snapshot() []voice.VoiceError {
	if !r.full {
		out := make([]voice.VoiceError, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]voice.VoiceError, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}
