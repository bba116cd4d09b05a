// Package policy holds the hub's version authority and the guardrail
// validator for tenant-authored policy fragments.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fedhub/pkg/registry"
	"fedhub/pkg/types"
)

// Layer kinds recognized in a push.
const (
	LayerBase   = "base"
	LayerOrg    = "org"
	LayerTenant = "tenant"
)

// ParseLayer splits a layer key such as "base", "org.nato" or "tenant.fra"
// into kind and name.
func ParseLayer(layer string) (kind, name string, err error) {
	if layer == LayerBase {
		return LayerBase, "", nil
	}
	kind, name, found := strings.Cut(layer, ".")
	if !found || name == "" || (kind != LayerOrg && kind != LayerTenant) {
		return "", "", fmt.Errorf("invalid policy layer %q", layer)
	}
	return kind, name, nil
}

// Authority generates policy versions and keeps the append-only push
// history. Every push advances the single global version; the per-layer map
// records which global version last touched each layer.
type Authority struct {
	mu sync.RWMutex

	store   registry.Store
	logger  *zap.Logger
	current types.PolicyVersion
	history []types.PolicyUpdate

	nowFn func() time.Time
}

// NewAuthority creates a version authority backed by the registry's
// monotonic sequence counter.
func NewAuthority(store registry.Store, logger *zap.Logger) *Authority {
	return &Authority{
		store:  store,
		logger: logger,
		current: types.PolicyVersion{
			Org:    make(map[string]string),
			Tenant: make(map[types.InstanceCode]string),
		},
		nowFn: time.Now,
	}
}

// PushUpdate advances the global version, rewrites the touched layer-map
// entries, and appends an immutable PolicyUpdate to the history.
// RequireAck is set only for critical priority.
func (a *Authority) PushUpdate(ctx context.Context, layers []string, priority types.UpdatePriority, description string, payload []byte) (*types.PolicyUpdate, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("policy push must touch at least one layer")
	}
	for _, layer := range layers {
		if _, _, err := ParseLayer(layer); err != nil {
			return nil, err
		}
	}

	now := a.nowFn()
	version, err := a.nextVersion(ctx, now)
	if err != nil {
		return nil, err
	}

	update := types.PolicyUpdate{
		UpdateID:    types.UpdateID(uuid.NewString()),
		Priority:    priority,
		Layers:      append([]string(nil), layers...),
		Version:     version,
		RequireAck:  priority == types.PriorityCritical,
		Description: description,
		Timestamp:   now,
	}

	a.mu.Lock()
	a.current.Version = version
	a.current.Timestamp = now
	a.current.Hash = contentHash(payload)
	for _, layer := range layers {
		kind, name, _ := ParseLayer(layer)
		switch kind {
		case LayerBase:
			a.current.Base = version
		case LayerOrg:
			a.current.Org[strings.ToLower(name)] = version
		case LayerTenant:
			a.current.Tenant[types.InstanceCode(name).Normalized()] = version
		}
	}
	a.history = append(a.history, update)
	a.mu.Unlock()

	a.logger.Info("Policy update pushed",
		zap.String("update_id", string(update.UpdateID)),
		zap.String("version", version),
		zap.Strings("layers", layers),
		zap.String("priority", string(priority)),
		zap.Bool("require_ack", update.RequireAck))

	return &update, nil
}

// CurrentVersion returns an immutable snapshot of the global version state.
func (a *Authority) CurrentVersion() types.PolicyVersion {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snapshot := a.current
	snapshot.Org = make(map[string]string, len(a.current.Org))
	for k, v := range a.current.Org {
		snapshot.Org[k] = v
	}
	snapshot.Tenant = make(map[types.InstanceCode]string, len(a.current.Tenant))
	for k, v := range a.current.Tenant {
		snapshot.Tenant[k] = v
	}
	return snapshot
}

// UpdatesSince returns every update with a version strictly greater than
// fromVersion, oldest first. Version strings are zero-padded so lexical
// order matches push order.
func (a *Authority) UpdatesSince(fromVersion string) []types.PolicyUpdate {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var updates []types.PolicyUpdate
	for _, u := range a.history {
		if u.Version > fromVersion {
			updates = append(updates, u)
		}
	}
	return updates
}

// maxDailySeq is the largest sequence the three-digit pad can order
// correctly; "20260831.1000" would sort before "20260831.999".
const maxDailySeq = 999

// nextVersion builds a version string of the form YYYYMMDD.NNN from the
// store-backed monotonic counter. The sequence is capped so lexical order
// stays chronological.
func (a *Authority) nextVersion(ctx context.Context, now time.Time) (string, error) {
	date := now.UTC().Format("20060102")
	seq, err := a.store.NextVersionSeq(ctx, date)
	if err != nil {
		return "", fmt.Errorf("failed to generate policy version: %w", err)
	}
	if seq > maxDailySeq {
		return "", fmt.Errorf("policy version sequence exhausted for %s (%d > %d)", date, seq, maxDailySeq)
	}
	return fmt.Sprintf("%s.%03d", date, seq), nil
}

// contentHash is the truncated SHA-256 of the update payload.
func contentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}
