// Package hub wires the federation control plane together: registry,
// version authority, sync tracking, lifecycle state machine, cascades and
// the cross-replica broadcast channel. One Hub is constructed per process
// at startup with all collaborators injected.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fedhub/pkg/auth"
	"fedhub/pkg/broadcast"
	"fedhub/pkg/cascade"
	"fedhub/pkg/config"
	"fedhub/pkg/lifecycle"
	"fedhub/pkg/metrics"
	"fedhub/pkg/policy"
	"fedhub/pkg/registry"
	"fedhub/pkg/tracker"
	"fedhub/pkg/types"
)

// Collaborators bundles the external services the cascades depend on.
type Collaborators struct {
	IdP      cascade.IdentityProviderAdmin
	KAS      cascade.KeyAccessRegistry
	Groups   cascade.InterestGroupStore
	Policy   cascade.PolicyPublisher
	Notifier cascade.PartnerNotifier
}

// Hub is the federation trust control plane of one hub instance.
type Hub struct {
	code   types.InstanceCode
	cfg    config.HubConfig
	store  registry.Store
	logger *zap.Logger

	authority    *policy.Authority
	syncTracker  *tracker.SyncTracker
	ackTracker   *tracker.AckTracker
	stateMachine *lifecycle.StateMachine
	engine       *cascade.Engine
	broadcaster  *broadcast.Broadcaster
	metrics      *metrics.HubMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a hub over an opened registry store. The store must exist
// before the hub starts; a nil store is a configuration error, not
// something to limp along without.
func New(cfg config.HubConfig, store registry.Store, collab Collaborators, hubMetrics *metrics.HubMetrics, logger *zap.Logger) (*Hub, error) {
	if store == nil {
		return nil, fmt.Errorf("hub requires a registry store")
	}
	if cfg.InstanceCode == "" {
		return nil, fmt.Errorf("hub requires an instance code")
	}

	code := types.InstanceCode(cfg.InstanceCode).Normalized()
	authority := policy.NewAuthority(store, logger.Named("policy"))

	thresholds := tracker.Thresholds{
		Stale:         cfg.StaleAfter.Std(),
		CriticalStale: cfg.CriticalStaleAfter.Std(),
		Offline:       cfg.OfflineAfter.Std(),
	}
	syncTracker := tracker.NewSyncTracker(store, authority, thresholds, logger.Named("sync"))
	ackTracker := tracker.NewAckTracker(store, syncTracker, cfg.AckPollInterval.Std(), cfg.AckTimeout.Std(), logger.Named("ack"))

	engine := cascade.NewEngine(code, store, collab.IdP, collab.KAS, collab.Groups, collab.Policy, collab.Notifier, logger.Named("cascade"))
	stateMachine := lifecycle.NewStateMachine(store, engine, logger.Named("lifecycle"))

	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		code:         code,
		cfg:          cfg,
		store:        store,
		logger:       logger,
		authority:    authority,
		syncTracker:  syncTracker,
		ackTracker:   ackTracker,
		stateMachine: stateMachine,
		engine:       engine,
		broadcaster:  broadcast.NewBroadcaster(logger.Named("broadcast")),
		metrics:      hubMetrics,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Broadcaster exposes the invalidation channel for mounting on the hub's
// internal HTTP mux.
func (h *Hub) Broadcaster() *broadcast.Broadcaster {
	return h.broadcaster
}

// Authority exposes the policy version authority.
func (h *Hub) Authority() *policy.Authority {
	return h.authority
}

// Close stops background acknowledgment tracking and disconnects broadcast
// subscribers. The registry store is owned by the caller.
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
	h.broadcaster.Close()
}

// RegistrationRequest admits a new federated partner in pending status.
type RegistrationRequest struct {
	InstanceCode             types.InstanceCode      `json:"instance_code"`
	Name                     string                  `json:"name"`
	TrustLevel               types.TrustLevel        `json:"trust_level"`
	MaxClassificationAllowed types.Classification    `json:"max_classification_allowed"`
	AllowedPolicyScopes      []string                `json:"allowed_policy_scopes"`
	DataIsolationLevel       string                  `json:"data_isolation_level"`
	Certificate              *types.CertificateInfo  `json:"certificate,omitempty"`
	CertificatePEM           []byte                  `json:"certificate_pem,omitempty"`
	PartnerAPIURL            string                  `json:"partner_api_url"`
	PartnerIssuerURL         string                  `json:"partner_issuer_url"`
	RateLimits               types.RateLimitSettings `json:"rate_limits"`
	AuditRetentionDays       int                     `json:"audit_retention_days"`
}

// RegisterSpoke records a new spoke in pending status. The instance code
// must be unique and any presented certificate must still be valid.
func (h *Hub) RegisterSpoke(ctx context.Context, req RegistrationRequest) (*types.SpokeRegistration, error) {
	if strings.TrimSpace(string(req.InstanceCode)) == "" {
		return nil, fmt.Errorf("registration requires an instance code")
	}

	cert := req.Certificate
	if len(req.CertificatePEM) > 0 {
		parsed, err := auth.ParseCertificatePEM(req.CertificatePEM)
		if err != nil {
			return nil, fmt.Errorf("invalid certificate for %s: %w", req.InstanceCode, err)
		}
		cert = parsed
	}
	if cert != nil {
		if err := auth.ValidateWindow(cert, time.Now()); err != nil {
			return nil, err
		}
	}

	reg := &types.SpokeRegistration{
		SpokeID:                  types.SpokeID("spoke-" + uuid.NewString()),
		InstanceCode:             req.InstanceCode.Normalized(),
		Name:                     req.Name,
		Status:                   types.SpokePending,
		TrustLevel:               req.TrustLevel,
		MaxClassificationAllowed: req.MaxClassificationAllowed,
		AllowedPolicyScopes:      req.AllowedPolicyScopes,
		DataIsolationLevel:       req.DataIsolationLevel,
		Certificate:              cert,
		PartnerAPIURL:            req.PartnerAPIURL,
		PartnerIssuerURL:         req.PartnerIssuerURL,
		RateLimits:               req.RateLimits,
		AuditRetentionDays:       req.AuditRetentionDays,
		RegisteredAt:             time.Now(),
	}

	if err := h.store.SaveSpoke(ctx, reg); err != nil {
		return nil, err
	}

	h.logger.Info("Spoke registered",
		zap.String("spoke_id", string(reg.SpokeID)),
		zap.String("instance_code", string(reg.InstanceCode)),
		zap.String("trust_level", string(reg.TrustLevel)))
	return reg, nil
}

// ApproveSpoke moves a spoke to approved and runs the activation cascade.
func (h *Hub) ApproveSpoke(ctx context.Context, spokeID types.SpokeID, reason string) (*cascade.Summary, error) {
	return h.transition(ctx, spokeID, types.SpokeApproved, reason)
}

// SuspendSpoke moves a spoke to suspended and suspends its key access.
func (h *Hub) SuspendSpoke(ctx context.Context, spokeID types.SpokeID, reason string) error {
	_, err := h.transition(ctx, spokeID, types.SpokeSuspended, reason)
	return err
}

// RevokeSpoke moves a spoke to revoked, runs the teardown cascade and
// announces the revocation to other replicas. The record is kept.
func (h *Hub) RevokeSpoke(ctx context.Context, spokeID types.SpokeID, reason string) (*cascade.Summary, error) {
	summary, err := h.transition(ctx, spokeID, types.SpokeRevoked, reason)
	if err != nil {
		return nil, err
	}

	h.syncTracker.Forget(spokeID)
	h.broadcaster.Publish(broadcast.Message{
		Type:    broadcast.TypeSpokeRevoked,
		SpokeID: string(spokeID),
	})
	return summary, nil
}

func (h *Hub) transition(ctx context.Context, spokeID types.SpokeID, to types.SpokeStatus, reason string) (*cascade.Summary, error) {
	_, summary, err := h.stateMachine.Transition(ctx, spokeID, to, reason)
	if err != nil {
		if h.metrics != nil {
			h.metrics.TransitionFailures.Inc()
		}
		return nil, err
	}

	if h.metrics != nil {
		h.metrics.TransitionsTotal.Inc()
		if summary != nil {
			h.metrics.CascadeRuns.WithLabelValues(string(summary.Direction)).Inc()
			for _, step := range summary.Steps {
				if !step.Success {
					h.metrics.CascadeStepFailures.WithLabelValues(string(summary.Direction), step.Step).Inc()
				}
			}
		}
	}
	return summary, nil
}

// SubmitTenantPolicy guardrail-validates a tenant policy fragment and, when
// valid, pushes it as the tenant layer of the submitting spoke. Invalid
// submissions are rejected synchronously with the violation list and leave
// no trace in the version history.
func (h *Hub) SubmitTenantPolicy(ctx context.Context, instanceCode types.InstanceCode, fragment policy.TenantPolicyFragment) (*types.PolicyUpdate, error) {
	if h.metrics != nil {
		h.metrics.PolicySubmissions.Inc()
	}

	reg, err := h.store.GetSpokeByInstanceCode(ctx, instanceCode)
	if err != nil {
		return nil, err
	}
	if reg.Status != types.SpokeApproved {
		return nil, fmt.Errorf("spoke %s is %s, only approved spokes may submit tenant policy", reg.InstanceCode, reg.Status)
	}

	limits := policy.GuardrailLimits{
		MaxSessionHours:       h.cfg.Guardrails.MaxSessionHours,
		MaxTokenLifetimeMin:   h.cfg.Guardrails.MaxTokenLifetimeMin,
		MFARequiredAbove:      types.Classification(h.cfg.Guardrails.MFARequiredAbove),
		MinAuditRetentionDays: h.cfg.Guardrails.MinAuditRetentionDays,
	}

	result := policy.ValidateTenantPolicy(reg.InstanceCode, fragment, limits)
	if !result.Valid {
		if h.metrics != nil {
			h.metrics.PolicyRejections.Inc()
		}
		h.logger.Warn("Tenant policy rejected by guardrails",
			zap.String("instance_code", string(reg.InstanceCode)),
			zap.Int("violations", len(result.Violations)))
		return nil, &policy.GuardrailError{TenantCode: reg.InstanceCode, Violations: result.Violations}
	}

	payload, err := json.Marshal(fragment)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tenant policy fragment: %w", err)
	}

	layer := "tenant." + strings.ToLower(string(reg.InstanceCode))
	description := fmt.Sprintf("tenant policy update from %s", reg.InstanceCode)
	return h.PushPolicyUpdate(ctx, []string{layer}, types.PriorityNormal, description, payload)
}

// PushPolicyUpdate advances the global policy version, broadcasts the
// invalidation to replicas, and for critical pushes starts acknowledgment
// tracking in the background.
func (h *Hub) PushPolicyUpdate(ctx context.Context, layers []string, priority types.UpdatePriority, description string, payload []byte) (*types.PolicyUpdate, error) {
	update, err := h.authority.PushUpdate(ctx, layers, priority, description, payload)
	if err != nil {
		return nil, err
	}

	if h.metrics != nil {
		h.metrics.PolicyPushesTotal.WithLabelValues(string(priority)).Inc()
	}

	h.broadcaster.Publish(broadcast.Message{
		Type:    broadcast.TypePolicyInvalidate,
		Version: update.Version,
	})

	if update.RequireAck {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			missing := h.ackTracker.Track(h.ctx, update)
			if h.metrics != nil {
				h.metrics.UnackedSpokes.Set(float64(len(missing)))
				if len(missing) > 0 {
					h.metrics.AckTimeouts.Inc()
				}
			}
		}()
	}

	return update, nil
}

// Heartbeat processes a spoke's periodic sync report and returns its
// derived status together with the delta updates it is entitled to.
func (h *Hub) Heartbeat(ctx context.Context, spokeID types.SpokeID, reportedVersion string) (*types.SpokeSyncStatus, []types.PolicyUpdate, error) {
	reg, err := h.store.GetSpoke(ctx, spokeID)
	if err != nil {
		return nil, nil, err
	}
	if reg.Status != types.SpokeApproved {
		return nil, nil, fmt.Errorf("spoke %s is %s, heartbeats require approved status", reg.InstanceCode, reg.Status)
	}

	status, err := h.syncTracker.RecordSync(ctx, spokeID, reportedVersion)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	reg.LastHeartbeat = &now
	if err := h.store.SaveSpoke(ctx, reg); err != nil {
		return nil, nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	if h.metrics != nil {
		h.metrics.HeartbeatsTotal.Inc()
		h.metrics.PendingUpdates.WithLabelValues(string(reg.InstanceCode)).Set(float64(status.PendingUpdates))
	}

	delta, err := h.syncTracker.DeltaUpdates(ctx, spokeID, reportedVersion)
	if err != nil {
		return nil, nil, err
	}
	return status, delta, nil
}

// Acknowledge records a spoke's explicit acknowledgment of a version.
func (h *Hub) Acknowledge(ctx context.Context, spokeID types.SpokeID, version string) error {
	if _, err := h.store.GetSpoke(ctx, spokeID); err != nil {
		return err
	}
	h.syncTracker.RecordAck(spokeID, version)
	return nil
}

// IssueToken mints a fresh API token for an approved spoke. The lifetime
// is the hub's token ceiling, the same limit the guardrails enforce on
// tenant policy.
func (h *Hub) IssueToken(ctx context.Context, spokeID types.SpokeID) (*types.IssuedToken, error) {
	reg, err := h.store.GetSpoke(ctx, spokeID)
	if err != nil {
		return nil, err
	}
	if reg.Status != types.SpokeApproved {
		return nil, fmt.Errorf("spoke %s is %s, tokens require approved status", reg.InstanceCode, reg.Status)
	}

	now := time.Now()
	token := &types.IssuedToken{
		TokenID:   uuid.NewString(),
		SpokeID:   spokeID,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(h.cfg.Guardrails.MaxTokenLifetimeMin) * time.Minute),
	}
	if err := h.store.SaveToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to persist issued token: %w", err)
	}

	h.logger.Info("Issued spoke token",
		zap.String("spoke_id", string(spokeID)),
		zap.Time("expires_at", token.ExpiresAt))
	return token, nil
}

// SpokeStatus returns the derived sync state of one spoke.
func (h *Hub) SpokeStatus(ctx context.Context, spokeID types.SpokeID) (*types.SpokeSyncStatus, error) {
	return h.syncTracker.SpokeStatus(ctx, spokeID)
}

// SpokeOverviewEntry pairs a registration with its derived sync status for
// the operator status view.
type SpokeOverviewEntry struct {
	Registration *types.SpokeRegistration
	Sync         *types.SpokeSyncStatus
}

// SpokeOverview lists every registered spoke with its derived sync state.
func (h *Hub) SpokeOverview(ctx context.Context) ([]SpokeOverviewEntry, error) {
	spokes, err := h.store.ListSpokes(ctx)
	if err != nil {
		return nil, err
	}

	byStatus := make(map[types.SpokeStatus]int)
	bySyncState := make(map[types.SyncState]int)
	entries := make([]SpokeOverviewEntry, 0, len(spokes))
	for _, reg := range spokes {
		byStatus[reg.Status]++
		sync, err := h.syncTracker.SpokeStatus(ctx, reg.SpokeID)
		if err != nil {
			return nil, err
		}
		bySyncState[sync.State]++
		entries = append(entries, SpokeOverviewEntry{Registration: reg, Sync: sync})
	}

	if h.metrics != nil {
		for _, status := range []types.SpokeStatus{types.SpokePending, types.SpokeApproved, types.SpokeSuspended, types.SpokeRevoked} {
			h.metrics.SpokesByStatus.WithLabelValues(string(status)).Set(float64(byStatus[status]))
		}
		for _, state := range []types.SyncState{types.SyncCurrent, types.SyncBehind, types.SyncStale, types.SyncCriticalStale, types.SyncOffline} {
			h.metrics.SpokesBySyncState.WithLabelValues(string(state)).Set(float64(bySyncState[state]))
		}
	}
	return entries, nil
}
