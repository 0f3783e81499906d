// Package health provides the HTTP liveness and readiness handlers served
// alongside /metrics on the ops listener.
//
//   - /healthz — liveness probe; a process that can serve HTTP is alive.
//   - /readyz  — readiness probe; returns 200 only when every registered
//     [Checker] passes, i.e. the voice pipeline is actually able to handle a
//     call (microphone captured, session joined, transcription running).
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "fail"), the process uptime, and a "checks" map with each checker's result.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the subsystem
// is ready and a non-nil error describing the problem otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "capture", "session"). It
	// appears as a key in the JSON response.
	Name string

	// Check probes the subsystem. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Func wraps a plain function as a [Checker].
func Func(name string, fn func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: fn}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status        string            `json:"status"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Safe for concurrent use; the checker
// list is fixed at construction time.
type Handler struct {
	checkers []Checker
	started  time.Time
	now      func() time.Time
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request, sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c, started: time.Now(), now: time.Now}
}

// Healthz is the liveness probe; it always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{
		Status:        "ok",
		UptimeSeconds: h.uptime(),
	})
}

// Readyz is the readiness probe; it returns 200 only when every registered
// [Checker] passes. Each checker runs under a [checkTimeout] deadline derived
// from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status:        "ok",
		UptimeSeconds: h.uptime(),
		Checks:        checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) uptime() float64 {
	return h.now().Sub(h.started).Seconds()
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
