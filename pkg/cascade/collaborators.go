// Package cascade establishes and tears down cross-trust artifacts as
// spokes move through their lifecycle. Both directions run on one ordered
// step engine: steps execute sequentially, each isolated so a collaborator
// failure is recorded in the summary without stopping the remaining steps.
package cascade

import (
	"context"

	"fedhub/pkg/types"
)

// FederationParams describes the bidirectional identity-provider trust to
// create for a partner.
type FederationParams struct {
	Alias            string
	PartnerCode      types.InstanceCode
	PartnerIssuerURL string
	ClientID         string
}

// FederationPair reports the two halves of a created IdP federation.
type FederationPair struct {
	LocalAlias  string
	RemoteAlias string
}

// IdentityProviderAdmin is the administrative surface of the hub's identity
// provider. The real implementation talks to a Keycloak-style admin API;
// the engine only depends on this contract.
type IdentityProviderAdmin interface {
	CreateBidirectionalFederation(ctx context.Context, params FederationParams) (*FederationPair, error)
	HasIdentityProvider(ctx context.Context, alias string) (bool, error)
	DeleteIdentityProvider(ctx context.Context, alias string) error
	DeleteFederationClient(ctx context.Context, clientID string) (bool, error)
}

// KASEntry is a partner's key-access endpoint registration.
type KASEntry struct {
	ID                string
	InstanceCode      types.InstanceCode
	Endpoint          string
	PublicKeyPEM      string
	MaxClassification types.Classification
}

// FederationAgreement is one side's view of which key-access endpoints it
// trusts and for what.
type FederationAgreement struct {
	InstanceCode      types.InstanceCode
	TrustedKASIDs     []string
	MaxClassification types.Classification
	AllowedCOIs       []string
}

// KeyAccessRegistry manages key-access endpoint registrations and the
// federation agreements between them.
type KeyAccessRegistry interface {
	Register(ctx context.Context, entry KASEntry) error
	Get(ctx context.Context, id string) (*KASEntry, error)
	Approve(ctx context.Context, id string) error
	Suspend(ctx context.Context, id string, reason string) error
	Remove(ctx context.Context, id string) (bool, error)
	GetFederationAgreement(ctx context.Context, code types.InstanceCode) (*FederationAgreement, error)
	SetFederationAgreement(ctx context.Context, code types.InstanceCode, trustedIDs []string, maxClassification types.Classification, allowedCOIs []string) error
}

// InterestGroupStore derives interest-group memberships from the active
// federation set.
type InterestGroupStore interface {
	UpdateNATOFromFederation(ctx context.Context, activeCodes []types.InstanceCode) error
	GetCOIMembershipMap(ctx context.Context) (map[string][]string, error)
}

// PolicyPublisher pushes data and refresh signals to the policy engine.
type PolicyPublisher interface {
	PublishInlineData(ctx context.Context, topic string, payload any, reason string) error
	TriggerPolicyRefresh(ctx context.Context) error
	ForcePublishAll(ctx context.Context) error
}

// RevocationNotice is the JSON body posted to a revoked partner's API.
type RevocationNotice struct {
	EnrollmentID        string `json:"enrollmentId"`
	RevokerInstanceCode string `json:"revokerInstanceCode"`
	Reason              string `json:"reason"`
}

// PartnerNotifier delivers best-effort revocation notices to the partner's
// own API.
type PartnerNotifier interface {
	NotifyRevocation(ctx context.Context, partnerAPIURL string, notice RevocationNotice) error
}
