package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RuntimeState is the spoke-side lifecycle state.
type RuntimeState string

const (
	RuntimeUninitialized RuntimeState = "uninitialized"
	RuntimeInitialized   RuntimeState = "initialized"
	RuntimePending       RuntimeState = "pending"
	RuntimeApproved      RuntimeState = "approved"
	RuntimeSuspended     RuntimeState = "suspended"
	RuntimeOffline       RuntimeState = "offline"
)

var runtimeTransitions = map[RuntimeState][]RuntimeState{
	RuntimeUninitialized: {RuntimeInitialized},
	RuntimeInitialized:   {RuntimePending},
	RuntimePending:       {RuntimeApproved},
	RuntimeApproved:      {RuntimeSuspended, RuntimeOffline},
	RuntimeSuspended:     {RuntimeApproved, RuntimeOffline},
	RuntimeOffline:       {RuntimeApproved, RuntimeSuspended},
}

// HeartbeatFunc reports the spoke's current policy version to the hub.
type HeartbeatFunc func(ctx context.Context) error

// RefreshFunc refreshes the spoke's API token, returning the new expiry.
type RefreshFunc func(ctx context.Context) (time.Time, error)

// RuntimeConfig holds the timer settings of the spoke runtime.
type RuntimeConfig struct {
	HeartbeatInterval time.Duration
	OfflineGrace      time.Duration
	RefreshBuffer     time.Duration
}

// DefaultRuntimeConfig returns the 30s/1h/5m production defaults.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		HeartbeatInterval: 30 * time.Second,
		OfflineGrace:      time.Hour,
		RefreshBuffer:     5 * time.Minute,
	}
}

// Runtime is the spoke-side state machine. Entering approved starts the
// heartbeat ticker and schedules token refresh; entering suspended stops
// both timers before the transition completes, so no stale timer can fire
// against a suspended spoke.
type Runtime struct {
	mu sync.Mutex

	state       RuntimeState
	cfg         RuntimeConfig
	logger      *zap.Logger
	heartbeat   HeartbeatFunc
	refresh     RefreshFunc
	tokenExpiry time.Time

	failures      int
	stopHeartbeat chan struct{}
	refreshTimer  *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRuntime creates a spoke runtime in the uninitialized state.
func NewRuntime(cfg RuntimeConfig, heartbeat HeartbeatFunc, refresh RefreshFunc, logger *zap.Logger) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		state:     RuntimeUninitialized,
		cfg:       cfg,
		logger:    logger,
		heartbeat: heartbeat,
		refresh:   refresh,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current runtime state.
func (r *Runtime) State() RuntimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetTokenExpiry records the expiry of the current API token; the refresh
// timer is derived from it when the runtime enters approved.
func (r *Runtime) SetTokenExpiry(expiry time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenExpiry = expiry
}

// Transition moves the runtime to a new state, starting or stopping timers
// as a side effect.
func (r *Runtime) Transition(to RuntimeState) error {
	r.mu.Lock()

	from := r.state
	if !runtimeTransitionLegal(from, to) {
		r.mu.Unlock()
		return &InvalidRuntimeTransitionError{From: from, To: to, Allowed: runtimeTransitions[from]}
	}

	// Timers must be stopped before a suspension completes.
	if to == RuntimeSuspended {
		r.stopTimersLocked()
	}

	r.state = to
	if to == RuntimeApproved {
		// Timers may still be running on an offline -> approved recovery;
		// startHeartbeatLocked is a no-op then. After a suspension stopped
		// them, this restarts both.
		r.failures = 0
		r.startHeartbeatLocked()
		r.scheduleRefreshLocked()
	}
	r.mu.Unlock()

	r.logger.Info("Spoke runtime transitioned",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

// Stop halts all timers and background work. The runtime cannot be reused.
func (r *Runtime) Stop() {
	r.mu.Lock()
	r.stopTimersLocked()
	r.mu.Unlock()
	r.cancel()
}

// InvalidRuntimeTransitionError mirrors the hub-side transition error for
// the spoke runtime table.
type InvalidRuntimeTransitionError struct {
	From    RuntimeState
	To      RuntimeState
	Allowed []RuntimeState
}

func (e *InvalidRuntimeTransitionError) Error() string {
	return fmt.Sprintf("invalid runtime transition %s -> %s (allowed: %v)", e.From, e.To, e.Allowed)
}

func runtimeTransitionLegal(from, to RuntimeState) bool {
	for _, allowed := range runtimeTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// startHeartbeatLocked launches the heartbeat loop. Caller holds r.mu.
func (r *Runtime) startHeartbeatLocked() {
	if r.stopHeartbeat != nil {
		return
	}
	stop := make(chan struct{})
	r.stopHeartbeat = stop

	go func() {
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.runHeartbeat()
			case <-stop:
				return
			case <-r.ctx.Done():
				return
			}
		}
	}()
}

// runHeartbeat performs one heartbeat attempt and applies the
// consecutive-failure offline rule.
func (r *Runtime) runHeartbeat() {
	err := r.heartbeat(r.ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err == nil {
		r.failures = 0
		if r.state == RuntimeOffline {
			r.state = RuntimeApproved
			r.logger.Info("Spoke back online after successful heartbeat")
		}
		return
	}

	r.failures++
	r.logger.Warn("Heartbeat failed",
		zap.Int("consecutive_failures", r.failures),
		zap.Error(err))

	if r.state == RuntimeApproved &&
		time.Duration(r.failures)*r.cfg.HeartbeatInterval >= r.cfg.OfflineGrace {
		r.state = RuntimeOffline
		r.logger.Warn("Spoke considered offline",
			zap.Int("consecutive_failures", r.failures),
			zap.Duration("grace_period", r.cfg.OfflineGrace))
	}
}

// scheduleRefreshLocked arms the token-refresh timer at
// tokenExpiry - refreshBuffer. Caller holds r.mu.
func (r *Runtime) scheduleRefreshLocked() {
	if r.refresh == nil {
		return
	}

	delay := time.Until(r.tokenExpiry) - r.cfg.RefreshBuffer
	if delay < 0 {
		delay = 0
	}

	if r.refreshTimer != nil {
		r.refreshTimer.Stop()
	}
	r.refreshTimer = time.AfterFunc(delay, r.runRefresh)
}

// runRefresh performs one token refresh. Success reschedules from the new
// expiry; failure logs and retries at the next safety margin without a
// separate backoff loop.
func (r *Runtime) runRefresh() {
	expiry, err := r.refresh(r.ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != RuntimeApproved && r.state != RuntimeOffline {
		return
	}

	if err != nil {
		r.logger.Warn("Token refresh failed", zap.Error(err))
		r.refreshTimer = time.AfterFunc(r.cfg.RefreshBuffer, r.runRefresh)
		return
	}

	r.tokenExpiry = expiry
	r.logger.Debug("Token refreshed", zap.Time("new_expiry", expiry))
	r.scheduleRefreshLocked()
}

// stopTimersLocked stops the heartbeat loop and refresh timer. Caller holds
// r.mu.
func (r *Runtime) stopTimersLocked() {
	if r.stopHeartbeat != nil {
		close(r.stopHeartbeat)
		r.stopHeartbeat = nil
	}
	if r.refreshTimer != nil {
		r.refreshTimer.Stop()
		r.refreshTimer = nil
	}
}
