package types

import (
	"strings"
	"time"
)

type SpokeID string
type InstanceCode string
type UpdateID string

// Normalized returns the canonical upper-case form of an instance code.
// Comparisons between instance codes are case-insensitive everywhere.
func (c InstanceCode) Normalized() InstanceCode {
	return InstanceCode(strings.ToUpper(string(c)))
}

func (c InstanceCode) Equal(other InstanceCode) bool {
	return strings.EqualFold(string(c), string(other))
}

// SpokeStatus is the hub-side lifecycle state of a federated partner.
type SpokeStatus string

const (
	SpokePending   SpokeStatus = "pending"
	SpokeApproved  SpokeStatus = "approved"
	SpokeSuspended SpokeStatus = "suspended"
	SpokeRevoked   SpokeStatus = "revoked"
)

// TrustLevel describes how much of the hub's policy surface a spoke may see.
type TrustLevel string

const (
	TrustDevelopment TrustLevel = "development"
	TrustPartner     TrustLevel = "partner"
	TrustBilateral   TrustLevel = "bilateral"
	TrustNational    TrustLevel = "national"
)

// Classification is the ordered clearance scale used for guardrail
// comparisons. Higher index means more restrictive.
type Classification string

const (
	ClassUnclassified Classification = "UNCLASSIFIED"
	ClassRestricted   Classification = "RESTRICTED"
	ClassConfidential Classification = "CONFIDENTIAL"
	ClassSecret       Classification = "SECRET"
	ClassTopSecret    Classification = "TOP_SECRET"
)

var classificationOrder = map[Classification]int{
	ClassUnclassified: 0,
	ClassRestricted:   1,
	ClassConfidential: 2,
	ClassSecret:       3,
	ClassTopSecret:    4,
}

// Rank returns the position of a classification on the clearance scale,
// or -1 for an unknown level.
func (c Classification) Rank() int {
	if r, ok := classificationOrder[Classification(strings.ToUpper(string(c)))]; ok {
		return r
	}
	return -1
}

// CertificateInfo is the metadata the hub keeps about a spoke's client
// certificate. Issuance is handled elsewhere; only presence and validity
// are consulted here.
type CertificateInfo struct {
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	Fingerprint string    `json:"fingerprint"`
}

func (ci *CertificateInfo) Expired(now time.Time) bool {
	return now.After(ci.NotAfter)
}

// RateLimitSettings caps a spoke's request volume against the hub.
type RateLimitSettings struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	BurstSize         int `json:"burst_size"`
}

// SpokeRegistration is the registry record for one federated partner.
// Status is mutated only through the state machine; cascades update the
// cross-trust bookkeeping fields.
type SpokeRegistration struct {
	SpokeID                  SpokeID           `json:"spoke_id"`
	InstanceCode             InstanceCode      `json:"instance_code"`
	Name                     string            `json:"name"`
	Status                   SpokeStatus       `json:"status"`
	TrustLevel               TrustLevel        `json:"trust_level"`
	MaxClassificationAllowed Classification    `json:"max_classification_allowed"`
	AllowedPolicyScopes      []string          `json:"allowed_policy_scopes"`
	DataIsolationLevel       string            `json:"data_isolation_level"`
	Certificate              *CertificateInfo  `json:"certificate,omitempty"`
	FederationIdPAlias       string            `json:"federation_idp_alias"`
	KASEndpointID            string            `json:"kas_endpoint_id"`
	PartnerAPIURL            string            `json:"partner_api_url"`
	PartnerIssuerURL         string            `json:"partner_issuer_url"`
	RateLimits               RateLimitSettings `json:"rate_limits"`
	AuditRetentionDays       int               `json:"audit_retention_days"`
	RegisteredAt             time.Time         `json:"registered_at"`
	ApprovedAt               *time.Time        `json:"approved_at,omitempty"`
	LastHeartbeat            *time.Time        `json:"last_heartbeat,omitempty"`
}

// HasScope reports whether the spoke is entitled to a policy scope
// string such as "policy:nato" or "coi:medevac".
func (s *SpokeRegistration) HasScope(scope string) bool {
	for _, have := range s.AllowedPolicyScopes {
		if strings.EqualFold(have, scope) {
			return true
		}
	}
	return false
}

// UpdatePriority orders policy pushes by urgency. Critical pushes require
// acknowledgment from every approved spoke.
type UpdatePriority string

const (
	PriorityNormal   UpdatePriority = "normal"
	PriorityHigh     UpdatePriority = "high"
	PriorityCritical UpdatePriority = "critical"
)

// PolicyVersion is the hub's current global policy version together with
// the per-layer map of which version last touched each layer.
type PolicyVersion struct {
	Version   string                  `json:"version"`
	Timestamp time.Time               `json:"timestamp"`
	Hash      string                  `json:"hash"`
	Base      string                  `json:"base"`
	Org       map[string]string       `json:"org"`
	Tenant    map[InstanceCode]string `json:"tenant"`
}

// PolicyUpdate is one immutable entry in the push history.
type PolicyUpdate struct {
	UpdateID    UpdateID       `json:"update_id"`
	Priority    UpdatePriority `json:"priority"`
	Layers      []string       `json:"layers"`
	Version     string         `json:"version"`
	RequireAck  bool           `json:"require_ack"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
}

// SyncState classifies how far behind a spoke's local policy copy is.
// Derived from elapsed time and version equality at read time, never stored
// authoritatively.
type SyncState string

const (
	SyncCurrent       SyncState = "current"
	SyncBehind        SyncState = "behind"
	SyncStale         SyncState = "stale"
	SyncCriticalStale SyncState = "critical_stale"
	SyncOffline       SyncState = "offline"
)

// SpokeSyncStatus is the tracked sync record for one spoke.
type SpokeSyncStatus struct {
	SpokeID        SpokeID      `json:"spoke_id"`
	InstanceCode   InstanceCode `json:"instance_code"`
	LastSyncTime   time.Time    `json:"last_sync_time"`
	CurrentVersion string       `json:"current_version"`
	State          SyncState    `json:"state"`
	PendingUpdates int          `json:"pending_updates"`
	LastAckTime    *time.Time   `json:"last_ack_time,omitempty"`
}

// IssuedToken is a spoke API token tracked for refresh scheduling.
type IssuedToken struct {
	TokenID   string    `json:"token_id"`
	SpokeID   SpokeID   `json:"spoke_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
