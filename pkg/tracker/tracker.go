// Package tracker derives per-spoke policy synchronization state from
// heartbeats and computes scope-filtered delta updates. Staleness is never
// stored: it is recomputed from elapsed time on every read.
package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fedhub/pkg/policy"
	"fedhub/pkg/registry"
	"fedhub/pkg/types"
)

// Thresholds are the staleness classification boundaries, evaluated in
// strict order: offline, critical_stale, stale, then version comparison.
type Thresholds struct {
	Stale         time.Duration
	CriticalStale time.Duration
	Offline       time.Duration
}

// DefaultThresholds returns the standard 30m/4h/24h boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Stale:         30 * time.Minute,
		CriticalStale: 4 * time.Hour,
		Offline:       24 * time.Hour,
	}
}

// SyncTracker records spoke heartbeats against the global policy version.
type SyncTracker struct {
	mu sync.RWMutex

	store      registry.Store
	authority  *policy.Authority
	thresholds Thresholds
	logger     *zap.Logger

	statuses map[types.SpokeID]*types.SpokeSyncStatus

	nowFn func() time.Time
}

// NewSyncTracker creates a sync tracker over the given registry and version
// authority.
func NewSyncTracker(store registry.Store, authority *policy.Authority, thresholds Thresholds, logger *zap.Logger) *SyncTracker {
	return &SyncTracker{
		store:      store,
		authority:  authority,
		thresholds: thresholds,
		logger:     logger,
		statuses:   make(map[types.SpokeID]*types.SpokeSyncStatus),
		nowFn:      time.Now,
	}
}

// RecordSync processes one heartbeat: the spoke reports the policy version
// it currently holds. Unknown spokes are rejected.
func (st *SyncTracker) RecordSync(ctx context.Context, spokeID types.SpokeID, reportedVersion string) (*types.SpokeSyncStatus, error) {
	reg, err := st.store.GetSpoke(ctx, spokeID)
	if err != nil {
		return nil, fmt.Errorf("sync from unregistered spoke %s: %w", spokeID, err)
	}

	global := st.authority.CurrentVersion().Version
	pending := len(st.authority.UpdatesSince(reportedVersion))

	st.mu.Lock()
	status, exists := st.statuses[spokeID]
	if !exists {
		status = &types.SpokeSyncStatus{SpokeID: spokeID, InstanceCode: reg.InstanceCode}
		st.statuses[spokeID] = status
	}
	status.LastSyncTime = st.nowFn()
	status.CurrentVersion = reportedVersion
	status.PendingUpdates = pending
	if reportedVersion == global {
		status.State = types.SyncCurrent
	} else {
		status.State = types.SyncBehind
	}
	snapshot := *status
	st.mu.Unlock()

	st.logger.Debug("Spoke sync recorded",
		zap.String("spoke_id", string(spokeID)),
		zap.String("reported_version", reportedVersion),
		zap.String("global_version", global),
		zap.Int("pending_updates", pending))

	return &snapshot, nil
}

// RecordAck marks that the spoke explicitly acknowledged a version.
func (st *SyncTracker) RecordAck(spokeID types.SpokeID, version string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	status, exists := st.statuses[spokeID]
	if !exists {
		return
	}
	now := st.nowFn()
	status.LastAckTime = &now
	if status.CurrentVersion < version {
		status.CurrentVersion = version
	}
}

// SpokeStatus returns the derived sync state for a spoke. The state is a
// pure function of (now, lastSyncTime, currentVersion) and is recomputed on
// every call, never cached.
func (st *SyncTracker) SpokeStatus(ctx context.Context, spokeID types.SpokeID) (*types.SpokeSyncStatus, error) {
	if _, err := st.store.GetSpoke(ctx, spokeID); err != nil {
		return nil, err
	}

	st.mu.RLock()
	tracked, exists := st.statuses[spokeID]
	var snapshot types.SpokeSyncStatus
	if exists {
		snapshot = *tracked
	}
	st.mu.RUnlock()

	if !exists {
		// Registered but never heard from.
		return &types.SpokeSyncStatus{SpokeID: spokeID, State: types.SyncOffline}, nil
	}

	global := st.authority.CurrentVersion().Version
	snapshot.State = st.classify(st.nowFn(), snapshot.LastSyncTime, snapshot.CurrentVersion, global)
	snapshot.PendingUpdates = len(st.authority.UpdatesSince(snapshot.CurrentVersion))
	return &snapshot, nil
}

// classify applies the threshold table in strict order, first match wins.
func (st *SyncTracker) classify(now, lastSync time.Time, current, global string) types.SyncState {
	elapsed := now.Sub(lastSync)
	switch {
	case elapsed > st.thresholds.Offline:
		return types.SyncOffline
	case elapsed > st.thresholds.CriticalStale:
		return types.SyncCriticalStale
	case elapsed > st.thresholds.Stale:
		return types.SyncStale
	case current != global:
		return types.SyncBehind
	default:
		return types.SyncCurrent
	}
}

// DeltaUpdates returns the updates newer than fromVersion that the spoke is
// entitled to see. Layers outside the spoke's entitlement are silently
// filtered; an update left with no visible layers is dropped entirely.
func (st *SyncTracker) DeltaUpdates(ctx context.Context, spokeID types.SpokeID, fromVersion string) ([]types.PolicyUpdate, error) {
	reg, err := st.store.GetSpoke(ctx, spokeID)
	if err != nil {
		return nil, err
	}

	var delta []types.PolicyUpdate
	for _, update := range st.authority.UpdatesSince(fromVersion) {
		visible := filterLayers(update.Layers, reg)
		if len(visible) == 0 {
			continue
		}
		filtered := update
		filtered.Layers = visible
		delta = append(delta, filtered)
	}
	return delta, nil
}

// filterLayers keeps base always, org.X only with a matching policy scope,
// and tenant.Y only for the spoke's own instance code.
func filterLayers(layers []string, reg *types.SpokeRegistration) []string {
	var visible []string
	for _, layer := range layers {
		kind, name, err := policy.ParseLayer(layer)
		if err != nil {
			continue
		}
		switch kind {
		case policy.LayerBase:
			visible = append(visible, layer)
		case policy.LayerOrg:
			if reg.HasScope("policy:" + strings.ToLower(name)) {
				visible = append(visible, layer)
			}
		case policy.LayerTenant:
			if reg.InstanceCode.Equal(types.InstanceCode(name)) {
				visible = append(visible, layer)
			}
		}
	}
	return visible
}

// TrackedVersion returns the last version a spoke reported, if any.
func (st *SyncTracker) TrackedVersion(spokeID types.SpokeID) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	status, exists := st.statuses[spokeID]
	if !exists {
		return "", false
	}
	return status.CurrentVersion, true
}

// Overview returns the derived status of every registered spoke, for the
// operator status view.
func (st *SyncTracker) Overview(ctx context.Context) ([]*types.SpokeSyncStatus, error) {
	spokes, err := st.store.ListSpokes(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]*types.SpokeSyncStatus, 0, len(spokes))
	for _, reg := range spokes {
		status, err := st.SpokeStatus(ctx, reg.SpokeID)
		if err != nil {
			return nil, err
		}
		status.InstanceCode = reg.InstanceCode
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Forget drops the tracked state for a spoke. Called after revocation so a
// terminal spoke no longer appears in sync reports.
func (st *SyncTracker) Forget(spokeID types.SpokeID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.statuses, spokeID)
}
