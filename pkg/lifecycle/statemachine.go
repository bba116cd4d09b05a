// Package lifecycle enforces the legal spoke lifecycle transitions on both
// sides of the federation: the hub-side state machine that gates operator
// actions and triggers cascades, and the spoke-side runtime machine that
// drives heartbeats and token refresh.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fedhub/pkg/cascade"
	"fedhub/pkg/registry"
	"fedhub/pkg/types"
)

// InvalidTransitionError names the attempted transition and the targets the
// current status allows.
type InvalidTransitionError struct {
	SpokeID types.SpokeID
	From    types.SpokeStatus
	To      types.SpokeStatus
	Allowed []types.SpokeStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for spoke %s: %s -> %s (allowed from %s: %v)",
		e.SpokeID, e.From, e.To, e.From, e.Allowed)
}

// hubTransitions is the hub-side transition table. Revoked is terminal.
// approved -> approved is legal on purpose: re-approving re-runs the
// idempotent activation cascade to converge after a partial failure.
var hubTransitions = map[types.SpokeStatus][]types.SpokeStatus{
	types.SpokePending:   {types.SpokeApproved, types.SpokeSuspended},
	types.SpokeApproved:  {types.SpokeApproved, types.SpokeSuspended, types.SpokeRevoked},
	types.SpokeSuspended: {types.SpokeApproved, types.SpokeRevoked},
	types.SpokeRevoked:   {},
}

// allowedFrom returns the legal targets from a status.
func allowedFrom(from types.SpokeStatus) []types.SpokeStatus {
	return hubTransitions[from]
}

func transitionLegal(from, to types.SpokeStatus) bool {
	for _, allowed := range hubTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StateMachine validates hub-side lifecycle transitions and runs their side
// effects. Status is never written except through Transition.
type StateMachine struct {
	store  registry.Store
	engine *cascade.Engine
	logger *zap.Logger

	nowFn func() time.Time
}

// NewStateMachine creates the hub-side state machine.
func NewStateMachine(store registry.Store, engine *cascade.Engine, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		store:  store,
		engine: engine,
		logger: logger,
		nowFn:  time.Now,
	}
}

// Transition moves a spoke to a new status. The status change is persisted
// before any cascade runs, so cascades always see the post-transition
// federation set. The returned summary is non-nil for transitions that
// trigger a cascade (approval and revocation).
func (sm *StateMachine) Transition(ctx context.Context, spokeID types.SpokeID, to types.SpokeStatus, reason string) (*types.SpokeRegistration, *cascade.Summary, error) {
	reg, err := sm.store.GetSpoke(ctx, spokeID)
	if err != nil {
		return nil, nil, err
	}

	from := reg.Status
	if !transitionLegal(from, to) {
		return nil, nil, &InvalidTransitionError{
			SpokeID: spokeID,
			From:    from,
			To:      to,
			Allowed: allowedFrom(from),
		}
	}

	reg.Status = to
	if to == types.SpokeApproved && reg.ApprovedAt == nil {
		now := sm.nowFn()
		reg.ApprovedAt = &now
	}
	if err := sm.store.SaveSpoke(ctx, reg); err != nil {
		return nil, nil, fmt.Errorf("failed to persist transition %s -> %s: %w", from, to, err)
	}

	sm.logger.Info("Spoke transitioned",
		zap.String("spoke_id", string(spokeID)),
		zap.String("instance_code", string(reg.InstanceCode)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))

	var summary *cascade.Summary
	switch to {
	case types.SpokeApproved:
		summary, err = sm.engine.Activate(ctx, reg)
		if err != nil {
			return nil, nil, err
		}
	case types.SpokeSuspended:
		if err := sm.engine.SuspendKAS(ctx, reg, reason); err != nil {
			// A collaborator failure does not roll back the transition.
			sm.logger.Warn("Failed to suspend KAS registration",
				zap.String("spoke_id", string(spokeID)),
				zap.Error(err))
		}
	case types.SpokeRevoked:
		summary, err = sm.engine.Revoke(ctx, reg, reason)
		if err != nil {
			return nil, nil, err
		}
	}

	return reg, summary, nil
}
