package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fedhub/pkg/registry"
	"fedhub/pkg/types"
)

// AckTracker watches the sync state after a critical push until every
// approved spoke reports the new version, or a timeout elapses. On timeout
// it logs the stragglers and takes no corrective action; escalation of
// non-responsive spokes is handled by operators.
type AckTracker struct {
	store        registry.Store
	syncTracker  *SyncTracker
	pollInterval time.Duration
	timeout      time.Duration
	logger       *zap.Logger
}

// NewAckTracker creates an acknowledgment tracker with the given polling
// interval and cap (5s / 30s in production).
func NewAckTracker(store registry.Store, syncTracker *SyncTracker, pollInterval, timeout time.Duration, logger *zap.Logger) *AckTracker {
	return &AckTracker{
		store:        store,
		syncTracker:  syncTracker,
		pollInterval: pollInterval,
		timeout:      timeout,
		logger:       logger,
	}
}

// Unacknowledged returns the instance codes of approved spokes whose
// tracked version does not yet equal the update's version.
func (at *AckTracker) Unacknowledged(ctx context.Context, update *types.PolicyUpdate) ([]types.InstanceCode, error) {
	approved, err := at.store.ListSpokes(ctx, types.SpokeApproved)
	if err != nil {
		return nil, err
	}

	var missing []types.InstanceCode
	for _, reg := range approved {
		version, tracked := at.syncTracker.TrackedVersion(reg.SpokeID)
		if !tracked || version != update.Version {
			missing = append(missing, reg.InstanceCode)
		}
	}
	return missing, nil
}

// Track polls until all approved spokes acknowledge the update or the
// timeout elapses. It returns the final unacknowledged set. Cancel the
// context to stop early; the ticker never outlives the call.
func (at *AckTracker) Track(ctx context.Context, update *types.PolicyUpdate) []types.InstanceCode {
	if !update.RequireAck {
		return nil
	}

	at.logger.Info("Tracking critical update acknowledgments",
		zap.String("update_id", string(update.UpdateID)),
		zap.String("version", update.Version),
		zap.Duration("timeout", at.timeout))

	ticker := time.NewTicker(at.pollInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(at.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			missing, err := at.Unacknowledged(ctx, update)
			if err != nil {
				at.logger.Warn("Acknowledgment poll failed",
					zap.String("update_id", string(update.UpdateID)),
					zap.Error(err))
				continue
			}
			if len(missing) == 0 {
				at.logger.Info("All approved spokes acknowledged critical update",
					zap.String("update_id", string(update.UpdateID)),
					zap.String("version", update.Version))
				return nil
			}

		case <-deadline.C:
			missing, err := at.Unacknowledged(ctx, update)
			if err != nil {
				at.logger.Warn("Final acknowledgment poll failed",
					zap.String("update_id", string(update.UpdateID)),
					zap.Error(err))
				return nil
			}
			if len(missing) > 0 {
				codes := make([]string, len(missing))
				for i, code := range missing {
					codes[i] = string(code)
				}
				at.logger.Warn("Critical update not acknowledged by all spokes before timeout",
					zap.String("update_id", string(update.UpdateID)),
					zap.String("version", update.Version),
					zap.Strings("unacknowledged", codes))
			}
			return missing

		case <-ctx.Done():
			at.logger.Info("Acknowledgment tracking cancelled",
				zap.String("update_id", string(update.UpdateID)))
			return nil
		}
	}
}
