package retry

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/events"
	"github.com/BaSui01/stepflow/internal/metrics"
)

// =============================================================================
// Circuit Breaker
// =============================================================================

// State is the circuit lifecycle state.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes one circuit.
type BreakerConfig struct {
	// FailureThreshold opens the circuit once this many failures land
	// inside the window with no intervening success
	FailureThreshold int `json:"failure_threshold"`

	// FailureWindow is the sliding window failures are counted in;
	// zero counts every failure regardless of age
	FailureWindow time.Duration `json:"failure_window"`

	// ResetTimeout is how long an open circuit waits before probing
	ResetTimeout time.Duration `json:"reset_timeout"`

	// HalfOpenMaxProbes caps concurrent probe calls while half-open
	HalfOpenMaxProbes int `json:"half_open_max_probes"`

	// SuccessThreshold closes the circuit after this many consecutive
	// half-open successes
	SuccessThreshold int `json:"success_threshold"`
}

// DefaultBreakerConfig returns the built-in circuit tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		FailureWindow:     60 * time.Second,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 3,
		SuccessThreshold:  3,
	}
}

// CircuitKey builds the per-operation circuit identity.
func CircuitKey(taskID, stepName string) string {
	return taskID + ":" + stepName
}

func splitCircuitKey(key string) (taskID, stepName string) {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}

// transition is a state change captured under the breaker lock and
// reported after it is released.
type transition struct {
	from     State
	to       State
	failures int
}

// Breaker guards one operation key. State lives only for the process
// lifetime; a restart starts every circuit closed.
type Breaker struct {
	key string
	cfg BreakerConfig

	mu            sync.Mutex
	state         State
	failures      []time.Time
	successes     int
	probes        int
	openedAt      time.Time
	lastFailureAt time.Time

	onTransition func(key string, tr transition)
	now          func() time.Time
}

// Allow reports whether a call may proceed. An open circuit whose reset
// timeout has elapsed moves to half-open and admits the caller as the
// first probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var tr *transition
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			tr = b.setStateLocked(StateHalfOpen)
			b.probes = 1
			b.successes = 0
			allowed = true
		}
	case StateHalfOpen:
		if b.probes < b.cfg.HalfOpenMaxProbes {
			b.probes++
			allowed = true
		}
	}

	b.mu.Unlock()
	b.notify(tr)
	return allowed
}

// RecordSuccess feeds a successful call into the circuit. Enough
// consecutive half-open successes close it; a success while closed
// clears the failure window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var tr *transition

	switch b.state {
	case StateClosed:
		b.failures = b.failures[:0]
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			tr = b.setStateLocked(StateClosed)
			b.failures = b.failures[:0]
			b.successes = 0
			b.probes = 0
		}
	}

	b.mu.Unlock()
	b.notify(tr)
}

// RecordFailure feeds a failed call into the circuit and reports
// whether this failure opened it. Reaching the threshold inside the
// window opens a closed circuit; any failure re-opens a half-open one.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	var tr *transition
	opened := false
	now := b.now()
	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			tr = b.setStateLocked(StateOpen)
			b.openedAt = now
			opened = true
		}
	case StateHalfOpen:
		b.successes = 0
		tr = b.setStateLocked(StateOpen)
		b.openedAt = now
		opened = true
	}

	b.mu.Unlock()
	b.notify(tr)
	return opened
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of one circuit.
type Snapshot struct {
	Key           string    `json:"key"`
	State         State     `json:"-"`
	StateName     string    `json:"state"`
	Failures      int       `json:"failures"`
	Successes     int       `json:"successes"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

// Snapshot returns the circuit's current state and counters. The
// failure count reflects only failures still inside the window.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return Snapshot{
		Key:           b.key,
		State:         b.state,
		StateName:     b.state.String(),
		Failures:      len(b.failures),
		Successes:     b.successes,
		OpenedAt:      b.openedAt,
		LastFailureAt: b.lastFailureAt,
	}
}

// Reset forces the circuit closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var tr *transition
	if b.state != StateClosed {
		tr = b.setStateLocked(StateClosed)
	}
	b.failures = b.failures[:0]
	b.successes = 0
	b.probes = 0
	b.mu.Unlock()
	b.notify(tr)
}

// pruneLocked drops failure timestamps that fell out of the window.
func (b *Breaker) pruneLocked(now time.Time) {
	if b.cfg.FailureWindow <= 0 || len(b.failures) == 0 {
		return
	}
	cutoff := now.Add(-b.cfg.FailureWindow)
	keep := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	b.failures = keep
}

func (b *Breaker) setStateLocked(to State) *transition {
	tr := &transition{from: b.state, to: to, failures: len(b.failures)}
	b.state = to
	return tr
}

func (b *Breaker) notify(tr *transition) {
	if tr != nil && b.onTransition != nil {
		b.onTransition(b.key, *tr)
	}
}

// =============================================================================
// Breaker Registry
// =============================================================================

// Registry owns the per-operation circuits of one process.
type Registry struct {
	cfg        BreakerConfig
	dispatcher *events.Dispatcher
	metrics    *metrics.Collector
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithRegistryDispatcher emits circuit transition events on the given
// dispatcher.
func WithRegistryDispatcher(d *events.Dispatcher) RegistryOption {
	return func(r *Registry) { r.dispatcher = d }
}

// WithRegistryMetrics enables Prometheus recording of transitions.
func WithRegistryMetrics(c *metrics.Collector) RegistryOption {
	return func(r *Registry) { r.metrics = c }
}

// WithRegistryClock overrides the time source of every breaker created
// by this registry.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a breaker registry. Zero config fields fall back
// to the defaults.
func NewRegistry(cfg BreakerConfig, opts ...RegistryOption) *Registry {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow < 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}

	r := &Registry{
		cfg:      cfg,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.With(zap.String("component", "circuit_breaker"))
	return r
}

// GetOrCreate returns the breaker for the given key, creating it closed
// on first use.
func (r *Registry) GetOrCreate(key string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[key]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}

	b := &Breaker{
		key:          key,
		cfg:          r.cfg,
		state:        StateClosed,
		onTransition: r.handleTransition,
		now:          r.now,
	}
	r.breakers[key] = b
	return b
}

// State returns the current state for a key; unknown keys are closed,
// matching the fresh-process contract.
func (r *Registry) State(key string) State {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// Snapshots returns a point-in-time view of every circuit.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Snapshot, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.Snapshot()
	}
	return out
}

// StatesForTask returns the circuit state per step name for one task.
func (r *Registry) StatesForTask(taskID string) map[string]State {
	prefix := taskID + ":"

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State)
	for key, b := range r.breakers {
		if strings.HasPrefix(key, prefix) {
			out[strings.TrimPrefix(key, prefix)] = b.State()
		}
	}
	return out
}

// ResetAll forces every circuit closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// handleTransition logs one state change and fans it out to metrics
// and event subscribers.
func (r *Registry) handleTransition(key string, tr transition) {
	taskID, stepName := splitCircuitKey(key)

	r.logger.Info("circuit state change",
		zap.String("circuit_key", key),
		zap.String("from", tr.from.String()),
		zap.String("to", tr.to.String()),
		zap.Int("failures", tr.failures),
	)

	if r.metrics != nil {
		r.metrics.RecordCircuitTransition(stepName, tr.from.String(), tr.to.String())
	}
	if r.dispatcher == nil {
		return
	}

	var eventType events.Type
	switch tr.to {
	case StateOpen:
		eventType = events.CircuitOpened
	case StateClosed:
		eventType = events.CircuitClosed
	case StateHalfOpen:
		eventType = events.CircuitHalfOpen
	default:
		return
	}

	r.dispatcher.Emit(events.Event{
		Type:     eventType,
		TaskID:   taskID,
		StepName: stepName,
		Data: map[string]any{
			"from":     tr.from.String(),
			"failures": tr.failures,
		},
	})
}
