package cascade

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"fedhub/pkg/registry"
	"fedhub/pkg/types"
)

// Engine runs the activation and revocation cascades against the injected
// collaborators. All collaborators are resolved once at construction; the
// engine holds no global state.
type Engine struct {
	hubCode  types.InstanceCode
	store    registry.Store
	idp      IdentityProviderAdmin
	kas      KeyAccessRegistry
	groups   InterestGroupStore
	policy   PolicyPublisher
	notifier PartnerNotifier
	logger   *zap.Logger
}

// NewEngine creates a cascade engine for the given hub instance.
func NewEngine(
	hubCode types.InstanceCode,
	store registry.Store,
	idp IdentityProviderAdmin,
	kas KeyAccessRegistry,
	groups InterestGroupStore,
	policyPub PolicyPublisher,
	notifier PartnerNotifier,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		hubCode:  hubCode,
		store:    store,
		idp:      idp,
		kas:      kas,
		groups:   groups,
		policy:   policyPub,
		notifier: notifier,
		logger:   logger,
	}
}

// IdPAlias returns the identity-provider alias for a spoke, falling back to
// the conventional oidc-<code> naming when none was recorded.
func IdPAlias(reg *types.SpokeRegistration) string {
	if reg.FederationIdPAlias != "" {
		return reg.FederationIdPAlias
	}
	return "oidc-" + strings.ToLower(string(reg.InstanceCode))
}

// FederationClientID returns the federation client identifier for a spoke.
func FederationClientID(reg *types.SpokeRegistration) string {
	return "federation-" + strings.ToLower(string(reg.InstanceCode))
}

// KASEndpointID returns the key-access registration identifier for a spoke.
func KASEndpointID(reg *types.SpokeRegistration) string {
	if reg.KASEndpointID != "" {
		return reg.KASEndpointID
	}
	return "kas-" + strings.ToLower(string(reg.InstanceCode))
}

// Activate establishes the cross-trust artifacts for an approved spoke.
// Every step checks before it creates, so re-running after a partial
// failure converges instead of erroring or duplicating registrations.
func (e *Engine) Activate(ctx context.Context, reg *types.SpokeRegistration) (*Summary, error) {
	if reg.InstanceCode == "" {
		return nil, fmt.Errorf("cannot activate enrollment without an instance code")
	}

	kasID := KASEndpointID(reg)

	steps := []Step{
		{
			Name: "create_idp_federation",
			Run: func(ctx context.Context) error {
				alias := IdPAlias(reg)
				exists, err := e.idp.HasIdentityProvider(ctx, alias)
				if err != nil {
					return err
				}
				if exists {
					return nil
				}
				if reg.PartnerIssuerURL == "" {
					return fmt.Errorf("no partner issuer URL recorded for %s", reg.InstanceCode)
				}
				_, err = e.idp.CreateBidirectionalFederation(ctx, FederationParams{
					Alias:            alias,
					PartnerCode:      reg.InstanceCode,
					PartnerIssuerURL: reg.PartnerIssuerURL,
					ClientID:         FederationClientID(reg),
				})
				return err
			},
		},
		{
			Name: "register_kas_endpoint",
			Run: func(ctx context.Context) error {
				existing, err := e.kas.Get(ctx, kasID)
				if err != nil {
					return err
				}
				if existing != nil {
					return nil
				}
				entry := KASEntry{
					ID:                kasID,
					InstanceCode:      reg.InstanceCode,
					MaxClassification: reg.MaxClassificationAllowed,
				}
				if err := e.kas.Register(ctx, entry); err != nil {
					return err
				}
				return e.kas.Approve(ctx, kasID)
			},
		},
		{
			Name: "set_federation_agreements",
			Run: func(ctx context.Context) error {
				return e.updateFederationAgreements(ctx, reg, true)
			},
		},
		{
			Name: "recompute_interest_groups",
			Run:  e.recomputeInterestGroups,
		},
		{
			Name: "republish_federation_state",
			Run: func(ctx context.Context) error {
				return e.republishTrust(ctx, fmt.Sprintf("activation of %s", reg.InstanceCode))
			},
		},
		{
			Name: "trigger_policy_refresh",
			Run:  e.policy.TriggerPolicyRefresh,
		},
	}

	return runSteps(ctx, e.logger, DirectionActivation, reg.InstanceCode, steps), nil
}

// Revoke tears down the cross-trust artifacts of a revoked spoke. Only a
// malformed input errors; collaborator failures are recorded per step and
// the remaining steps still run.
func (e *Engine) Revoke(ctx context.Context, reg *types.SpokeRegistration, reason string) (*Summary, error) {
	if reg.InstanceCode == "" {
		return nil, fmt.Errorf("cannot revoke enrollment without an instance code")
	}

	kasID := KASEndpointID(reg)

	steps := []Step{
		{
			Name: "delete_idp_registration",
			Run: func(ctx context.Context) error {
				return e.idp.DeleteIdentityProvider(ctx, IdPAlias(reg))
			},
		},
		{
			Name: "delete_federation_client",
			Run: func(ctx context.Context) error {
				removed, err := e.idp.DeleteFederationClient(ctx, FederationClientID(reg))
				if err != nil {
					return err
				}
				if !removed {
					e.logger.Debug("Federation client already absent",
						zap.String("client_id", FederationClientID(reg)))
				}
				return nil
			},
		},
		{
			Name: "remove_policy_trust",
			Run: func(ctx context.Context) error {
				return e.republishTrust(ctx, fmt.Sprintf("revocation of %s", reg.InstanceCode))
			},
		},
		{
			Name: "remove_kas_registration",
			Run: func(ctx context.Context) error {
				if _, err := e.kas.Remove(ctx, kasID); err != nil {
					return err
				}
				return e.updateFederationAgreements(ctx, reg, false)
			},
		},
		{
			Name: "recompute_interest_groups",
			Run:  e.recomputeInterestGroups,
		},
		{
			Name: "force_policy_republish",
			Run:  e.policy.ForcePublishAll,
		},
		{
			Name: "notify_partner",
			Run: func(ctx context.Context) error {
				if reg.PartnerAPIURL == "" {
					return fmt.Errorf("no partner API URL recorded for %s", reg.InstanceCode)
				}
				return e.notifier.NotifyRevocation(ctx, reg.PartnerAPIURL, RevocationNotice{
					EnrollmentID:        string(reg.SpokeID),
					RevokerInstanceCode: string(e.hubCode),
					Reason:              reason,
				})
			},
		},
	}

	return runSteps(ctx, e.logger, DirectionRevocation, reg.InstanceCode, steps), nil
}

// SuspendKAS suspends the partner's key-access registration. Used by the
// hub state machine when a spoke enters suspended.
func (e *Engine) SuspendKAS(ctx context.Context, reg *types.SpokeRegistration, reason string) error {
	return e.kas.Suspend(ctx, KASEndpointID(reg), reason)
}

// updateFederationAgreements rewrites the hub-side agreement so its
// trusted-key list includes (or no longer includes) the partner's KAS, and
// mirrors the partner-side agreement on activation.
func (e *Engine) updateFederationAgreements(ctx context.Context, reg *types.SpokeRegistration, include bool) error {
	kasID := KASEndpointID(reg)

	agreement, err := e.kas.GetFederationAgreement(ctx, e.hubCode)
	if err != nil {
		return fmt.Errorf("failed to load hub federation agreement: %w", err)
	}

	var trusted []string
	var allowedCOIs []string
	maxClass := reg.MaxClassificationAllowed
	if agreement != nil {
		allowedCOIs = agreement.AllowedCOIs
		if agreement.MaxClassification != "" {
			maxClass = agreement.MaxClassification
		}
		for _, id := range agreement.TrustedKASIDs {
			if id != kasID {
				trusted = append(trusted, id)
			}
		}
	}
	if include {
		trusted = append(trusted, kasID)
	}

	if err := e.kas.SetFederationAgreement(ctx, e.hubCode, trusted, maxClass, allowedCOIs); err != nil {
		return err
	}

	if include {
		// The partner side trusts the hub's own key-access endpoint.
		hubKAS := "kas-" + strings.ToLower(string(e.hubCode))
		return e.kas.SetFederationAgreement(ctx, reg.InstanceCode, []string{hubKAS}, reg.MaxClassificationAllowed, nil)
	}
	return nil
}

// recomputeInterestGroups rebuilds interest-group memberships from the
// remaining approved spoke set.
func (e *Engine) recomputeInterestGroups(ctx context.Context) error {
	active, err := e.store.ListSpokes(ctx, types.SpokeApproved)
	if err != nil {
		return fmt.Errorf("failed to list active spokes: %w", err)
	}
	codes := make([]types.InstanceCode, 0, len(active))
	for _, reg := range active {
		codes = append(codes, reg.InstanceCode)
	}
	return e.groups.UpdateNATOFromFederation(ctx, codes)
}

// republishTrust publishes the trusted-issuer list and federation matrix
// derived from the currently approved spokes.
func (e *Engine) republishTrust(ctx context.Context, reason string) error {
	active, err := e.store.ListSpokes(ctx, types.SpokeApproved)
	if err != nil {
		return fmt.Errorf("failed to list active spokes: %w", err)
	}

	issuers := make([]string, 0, len(active))
	matrix := make(map[string][]string, len(active))
	for _, reg := range active {
		code := strings.ToLower(string(reg.InstanceCode))
		issuers = append(issuers, IdPAlias(reg))
		matrix[code] = []string{strings.ToLower(string(e.hubCode))}
	}

	if err := e.policy.PublishInlineData(ctx, "trusted_issuers", issuers, reason); err != nil {
		return err
	}
	return e.policy.PublishInlineData(ctx, "federation_matrix", matrix, reason)
}
