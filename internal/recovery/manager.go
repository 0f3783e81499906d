// Package recovery implements the central error-classification-and-recovery
// manager for the voice pipeline.
//
// Every boundary crossing in the pipeline reports failures here. The manager
// looks the error code up in a classification table, logs it into a bounded
// circular buffer, and notifies any listener registered for the failing
// component. Recoverable errors are retried through lightweight recovery
// probes with exponential backoff; non-recoverable errors — and recoverable
// ones whose retries exhaust — activate a fallback capability in the registry
// that other components query to degrade gracefully (e.g., switch voice input
// to text-only).
//
// All state is session-scoped and bounded by eviction, never by persistence.
// Manager is safe for concurrent use.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/voice"
)

// Defaults for retry behaviour.
const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 1 * time.Second
)

// Options tunes the retry behaviour of a [Manager].
type Options struct {
	// MaxRetries is the number of recovery probes attempted per error before
	// fallback. Default: 3.
	MaxRetries int

	// BaseDelay is the first backoff delay; attempt n waits BaseDelay·2ⁿ.
	// Default: 1s.
	BaseDelay time.Duration
}

// Outcome reports what [Manager.HandleError] did about an error.
type Outcome struct {
	// Recovered is true when a recovery probe succeeded.
	Recovered bool

	// FallbackApplied is true when a fallback capability was activated.
	FallbackApplied bool

	// Attempts is the number of probes run during this call.
	Attempts int

	// UserMessage is the user-facing description from the classification.
	UserMessage string
}

// retryKey identifies retry state per (code, component).
type retryKey struct {
	code      voice.Code
	component string
}

// fallbackKey identifies a fallback registry entry per (component, capability).
type fallbackKey struct {
	component  string
	capability voice.Capability
}

// Manager is the session-scoped error recovery manager.
type Manager struct {
	opts Options

	// sleep waits for a backoff delay; injectable so tests run instantly.
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	table     map[voice.Code]Classification
	log       *errorRing
	retries   map[retryKey]int
	fallbacks map[fallbackKey]bool
	listeners map[string]map[int]func(voice.VoiceError)
	nextID    int
}

// NewManager creates a manager with the built-in taxonomy and the given
// retry options. Zero-valued options get defaults.
func NewManager(opts Options) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	return &Manager{
		opts:      opts,
		sleep:     sleepCtx,
		table:     defaultTaxonomy(),
		log:       newErrorRing(),
		retries:   make(map[retryKey]int),
		fallbacks: make(map[fallbackKey]bool),
		listeners: make(map[string]map[int]func(voice.VoiceError)),
	}
}

// sleepCtx blocks for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetProbe installs the recovery probe for a code, replacing whatever the
// table held. Components call this during wiring once their collaborators
// (device handles, endpoint URLs) exist.
func (m *Manager) SetProbe(code voice.Code, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cls := m.table[code]
	cls.Probe = probe
	m.table[code] = cls
}

// OnComponentError registers fn to be notified of every error raised by the
// named component. Returns an unsubscribe function.
func (m *Manager) OnComponentError(component string, fn func(voice.VoiceError)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners[component] == nil {
		m.listeners[component] = make(map[int]func(voice.VoiceError))
	}
	id := m.nextID
	m.nextID++
	m.listeners[component][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners[component], id)
	}
}

// HandleError classifies, logs, and attempts recovery for one error.
//
// Recoverable codes run up to MaxRetries probes with exponential backoff,
// tracked per (code, component) so that repeated failures across calls share
// one attempt budget. Probe success clears the retry state. Exhaustion — or a
// non-recoverable code — activates the classified fallback capability.
func (m *Manager) HandleError(ctx context.Context, code voice.Code, errCtx voice.ErrorContext, message string) Outcome {
	if errCtx.Timestamp.IsZero() {
		errCtx.Timestamp = time.Now()
	}

	m.mu.Lock()
	cls, ok := m.table[code]
	if !ok {
		code = voice.CodeUnknown
		cls = m.table[voice.CodeUnknown]
	}

	verr := voice.VoiceError{
		Code:        code,
		Severity:    cls.Severity,
		Recoverable: cls.Recoverable,
		Context:     errCtx,
		Message:     message,
	}
	m.log.append(verr)

	var notify []func(voice.VoiceError)
	for _, fn := range m.listeners[errCtx.Component] {
		notify = append(notify, fn)
	}
	m.mu.Unlock()

	slog.Error("voice pipeline error",
		"code", code,
		"severity", cls.Severity,
		"recoverable", cls.Recoverable,
		"component", errCtx.Component,
		"action", errCtx.Action,
		"message", message,
	)
	for _, fn := range notify {
		fn(verr)
	}

	out := Outcome{UserMessage: cls.UserMessage}

	if !cls.Recoverable {
		m.applyFallback(errCtx.Component, cls.Fallback)
		out.FallbackApplied = cls.Fallback != ""
		return out
	}

	if m.attemptRecovery(ctx, code, errCtx.Component, cls, &out) {
		out.Recovered = true
		observe.DefaultMetrics().ErrorsRecovered.Add(ctx, 1)
		return out
	}

	m.applyFallback(errCtx.Component, cls.Fallback)
	out.FallbackApplied = cls.Fallback != ""
	return out
}

// attemptRecovery runs probes with exponential backoff until one succeeds or
// the attempt budget for (code, component) is exhausted. Returns true on
// recovery.
func (m *Manager) attemptRecovery(ctx context.Context, code voice.Code, component string, cls Classification, out *Outcome) bool {
	key := retryKey{code: code, component: component}

	for {
		m.mu.Lock()
		attempt := m.retries[key]
		if attempt >= m.opts.MaxRetries {
			// Budget exhausted: drop the retry state and give up.
			delete(m.retries, key)
			m.mu.Unlock()
			return false
		}
		m.retries[key] = attempt + 1
		m.mu.Unlock()

		delay := m.opts.BaseDelay << attempt
		slog.Info("running recovery probe",
			"code", code,
			"component", component,
			"attempt", attempt+1,
			"max_retries", m.opts.MaxRetries,
			"backoff", delay,
		)
		if err := m.sleep(ctx, delay); err != nil {
			return false
		}

		out.Attempts++
		if cls.Probe == nil {
			// No probe registered: nothing to verify, treat as not recovered.
			continue
		}
		if err := cls.Probe(ctx); err != nil {
			slog.Warn("recovery probe failed",
				"code", code,
				"component", component,
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		m.mu.Lock()
		delete(m.retries, key)
		m.mu.Unlock()
		slog.Info("recovery probe succeeded", "code", code, "component", component)
		return true
	}
}

// applyFallback marks (component, capability) active in the fallback
// registry. The entry persists until [Manager.ClearFallback].
func (m *Manager) applyFallback(component string, capability voice.Capability) {
	if capability == "" {
		return
	}
	m.mu.Lock()
	m.fallbacks[fallbackKey{component: component, capability: capability}] = true
	m.mu.Unlock()

	observe.DefaultMetrics().RecordFallbackActivated(context.Background(), component, string(capability))
	slog.Warn("fallback mode activated",
		"component", component,
		"capability", capability,
	)
}

// InFallbackMode reports whether the given component has the capability
// active in the fallback registry.
func (m *Manager) InFallbackMode(component string, capability voice.Capability) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbacks[fallbackKey{component: component, capability: capability}]
}

// ClearFallback deactivates a fallback entry. Only the owning component
// should call this, once the capability is restored.
func (m *Manager) ClearFallback(component string, capability voice.Capability) {
	m.mu.Lock()
	delete(m.fallbacks, fallbackKey{component: component, capability: capability})
	m.mu.Unlock()

	slog.Info("fallback mode cleared",
		"component", component,
		"capability", capability,
	)
}

// RetryAttempts returns the current attempt count for (code, component).
// Zero when no retry state exists.
func (m *Manager) RetryAttempts(code voice.Code, component string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries[retryKey{code: code, component: component}]
}

// Errors returns a snapshot of the bounded error log, oldest first.
func (m *Manager) Errors() []voice.VoiceError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log.snapshot()
}
