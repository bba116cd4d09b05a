package cascade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"fedhub/pkg/registry"
	"fedhub/pkg/types"
)

// HTTP-backed collaborator clients. Each talks to one of the hub's
// neighboring services over its admin REST surface. All requests carry the
// caller's context and a shared client timeout.

type httpDoer struct {
	baseURL string
	client  *http.Client
	token   string
}

func (h *httpDoer) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(h.baseURL, "/")+path, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// KeycloakAdminClient implements IdentityProviderAdmin against a
// Keycloak-style admin REST API.
type KeycloakAdminClient struct {
	doer   httpDoer
	realm  string
	logger *zap.Logger
}

func NewKeycloakAdminClient(baseURL, realm, token string, timeout time.Duration, logger *zap.Logger) *KeycloakAdminClient {
	return &KeycloakAdminClient{
		doer:   httpDoer{baseURL: baseURL, client: &http.Client{Timeout: timeout}, token: token},
		realm:  realm,
		logger: logger,
	}
}

func (k *KeycloakAdminClient) instancesPath() string {
	return fmt.Sprintf("/admin/realms/%s/identity-provider/instances", k.realm)
}

func (k *KeycloakAdminClient) CreateBidirectionalFederation(ctx context.Context, params FederationParams) (*FederationPair, error) {
	idp := map[string]any{
		"alias":       params.Alias,
		"providerId":  "oidc",
		"enabled":     true,
		"trustEmail":  false,
		"storeToken":  false,
		"displayName": fmt.Sprintf("Federation: %s", params.PartnerCode),
		"config": map[string]string{
			"issuer":   params.PartnerIssuerURL,
			"clientId": params.ClientID,
		},
	}
	status, err := k.doer.do(ctx, http.MethodPost, k.instancesPath(), idp, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity provider %s: %w", params.Alias, err)
	}
	if status != http.StatusCreated && status != http.StatusConflict {
		return nil, fmt.Errorf("identity provider create for %s returned status %d", params.Alias, status)
	}

	// The inbound half: a confidential client the partner authenticates
	// with when it calls back into this realm.
	client := map[string]any{
		"clientId":                  params.ClientID,
		"protocol":                  "openid-connect",
		"publicClient":              false,
		"serviceAccountsEnabled":    true,
		"standardFlowEnabled":       false,
		"directAccessGrantsEnabled": false,
	}
	status, err = k.doer.do(ctx, http.MethodPost, fmt.Sprintf("/admin/realms/%s/clients", k.realm), client, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create federation client %s: %w", params.ClientID, err)
	}
	if status != http.StatusCreated && status != http.StatusConflict {
		return nil, fmt.Errorf("federation client create for %s returned status %d", params.ClientID, status)
	}

	return &FederationPair{LocalAlias: params.Alias, RemoteAlias: params.ClientID}, nil
}

func (k *KeycloakAdminClient) HasIdentityProvider(ctx context.Context, alias string) (bool, error) {
	status, err := k.doer.do(ctx, http.MethodGet, k.instancesPath()+"/"+alias, nil, nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("identity provider lookup for %s returned status %d", alias, status)
	}
}

func (k *KeycloakAdminClient) DeleteIdentityProvider(ctx context.Context, alias string) error {
	status, err := k.doer.do(ctx, http.MethodDelete, k.instancesPath()+"/"+alias, nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusNotFound {
		return fmt.Errorf("identity provider delete for %s returned status %d", alias, status)
	}
	return nil
}

func (k *KeycloakAdminClient) DeleteFederationClient(ctx context.Context, clientID string) (bool, error) {
	var found []struct {
		ID string `json:"id"`
	}
	status, err := k.doer.do(ctx, http.MethodGet, fmt.Sprintf("/admin/realms/%s/clients?clientId=%s", k.realm, clientID), nil, &found)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK || len(found) == 0 {
		return false, nil
	}

	status, err = k.doer.do(ctx, http.MethodDelete, fmt.Sprintf("/admin/realms/%s/clients/%s", k.realm, found[0].ID), nil, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusNoContent, nil
}

// HTTPKeyAccessRegistry implements KeyAccessRegistry against the key access
// service's registry API.
type HTTPKeyAccessRegistry struct {
	doer   httpDoer
	logger *zap.Logger
}

func NewHTTPKeyAccessRegistry(baseURL, token string, timeout time.Duration, logger *zap.Logger) *HTTPKeyAccessRegistry {
	return &HTTPKeyAccessRegistry{
		doer:   httpDoer{baseURL: baseURL, client: &http.Client{Timeout: timeout}, token: token},
		logger: logger,
	}
}

func (r *HTTPKeyAccessRegistry) Register(ctx context.Context, entry KASEntry) error {
	status, err := r.doer.do(ctx, http.MethodPost, "/registry/entries", entry, nil)
	if err != nil {
		return fmt.Errorf("failed to register key access endpoint %s: %w", entry.ID, err)
	}
	if status != http.StatusCreated && status != http.StatusConflict {
		return fmt.Errorf("key access registration for %s returned status %d", entry.ID, status)
	}
	return nil
}

func (r *HTTPKeyAccessRegistry) Get(ctx context.Context, id string) (*KASEntry, error) {
	var entry KASEntry
	status, err := r.doer.do(ctx, http.MethodGet, "/registry/entries/"+id, nil, &entry)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &entry, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("key access lookup for %s returned status %d", id, status)
	}
}

func (r *HTTPKeyAccessRegistry) Approve(ctx context.Context, id string) error {
	return r.post(ctx, "/registry/entries/"+id+"/approve", nil)
}

func (r *HTTPKeyAccessRegistry) Suspend(ctx context.Context, id string, reason string) error {
	return r.post(ctx, "/registry/entries/"+id+"/suspend", map[string]string{"reason": reason})
}

func (r *HTTPKeyAccessRegistry) post(ctx context.Context, path string, body any) error {
	status, err := r.doer.do(ctx, http.MethodPost, path, body, nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("key access request %s returned status %d", path, status)
	}
	return nil
}

func (r *HTTPKeyAccessRegistry) Remove(ctx context.Context, id string) (bool, error) {
	status, err := r.doer.do(ctx, http.MethodDelete, "/registry/entries/"+id, nil, nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("key access removal for %s returned status %d", id, status)
	}
}

func (r *HTTPKeyAccessRegistry) GetFederationAgreement(ctx context.Context, code types.InstanceCode) (*FederationAgreement, error) {
	var agreement FederationAgreement
	status, err := r.doer.do(ctx, http.MethodGet, "/registry/agreements/"+strings.ToLower(string(code)), nil, &agreement)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &agreement, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("federation agreement lookup for %s returned status %d", code, status)
	}
}

func (r *HTTPKeyAccessRegistry) SetFederationAgreement(ctx context.Context, code types.InstanceCode, trustedIDs []string, maxClassification types.Classification, allowedCOIs []string) error {
	agreement := FederationAgreement{
		InstanceCode:      code,
		TrustedKASIDs:     trustedIDs,
		MaxClassification: maxClassification,
		AllowedCOIs:       allowedCOIs,
	}
	status, err := r.doer.do(ctx, http.MethodPut, "/registry/agreements/"+strings.ToLower(string(code)), agreement, nil)
	if err != nil {
		return fmt.Errorf("failed to set federation agreement for %s: %w", code, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("federation agreement update for %s returned status %d", code, status)
	}
	return nil
}

// HTTPPolicyPublisher implements PolicyPublisher against the policy
// engine's data API.
type HTTPPolicyPublisher struct {
	doer   httpDoer
	logger *zap.Logger
}

func NewHTTPPolicyPublisher(baseURL, token string, timeout time.Duration, logger *zap.Logger) *HTTPPolicyPublisher {
	return &HTTPPolicyPublisher{
		doer:   httpDoer{baseURL: baseURL, client: &http.Client{Timeout: timeout}, token: token},
		logger: logger,
	}
}

func (p *HTTPPolicyPublisher) PublishInlineData(ctx context.Context, topic string, payload any, reason string) error {
	body := map[string]any{"data": payload, "reason": reason}
	status, err := p.doer.do(ctx, http.MethodPut, "/v1/data/"+topic, body, nil)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("publish of %s returned status %d", topic, status)
	}
	return nil
}

func (p *HTTPPolicyPublisher) TriggerPolicyRefresh(ctx context.Context) error {
	status, err := p.doer.do(ctx, http.MethodPost, "/v1/refresh", nil, nil)
	if err != nil {
		return fmt.Errorf("failed to trigger policy refresh: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("policy refresh returned status %d", status)
	}
	return nil
}

func (p *HTTPPolicyPublisher) ForcePublishAll(ctx context.Context) error {
	status, err := p.doer.do(ctx, http.MethodPost, "/v1/publish-all", nil, nil)
	if err != nil {
		return fmt.Errorf("failed to force full publish: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("full publish returned status %d", status)
	}
	return nil
}

// RegistryInterestGroups derives interest-group membership from the spoke
// registry and pushes it through the policy publisher. Membership never
// lives anywhere but the registry; this is a projection.
type RegistryInterestGroups struct {
	store     registry.Store
	publisher PolicyPublisher
	logger    *zap.Logger
}

func NewRegistryInterestGroups(store registry.Store, publisher PolicyPublisher, logger *zap.Logger) *RegistryInterestGroups {
	return &RegistryInterestGroups{store: store, publisher: publisher, logger: logger}
}

func (g *RegistryInterestGroups) UpdateNATOFromFederation(ctx context.Context, activeCodes []types.InstanceCode) error {
	members := make([]string, 0, len(activeCodes))
	for _, code := range activeCodes {
		members = append(members, string(code.Normalized()))
	}

	if err := g.publisher.PublishInlineData(ctx, "interest_groups/nato", members, "federation membership change"); err != nil {
		return fmt.Errorf("failed to publish nato membership: %w", err)
	}
	g.logger.Info("Updated NATO interest group", zap.Int("members", len(members)))
	return nil
}

func (g *RegistryInterestGroups) GetCOIMembershipMap(ctx context.Context) (map[string][]string, error) {
	spokes, err := g.store.ListSpokes(ctx, types.SpokeApproved)
	if err != nil {
		return nil, err
	}

	// COI scopes are carried on registrations as "coi:<name>".
	cois := make(map[string][]string)
	for _, reg := range spokes {
		for _, scope := range reg.AllowedPolicyScopes {
			if name, ok := strings.CutPrefix(strings.ToLower(scope), "coi:"); ok {
				cois[name] = append(cois[name], string(reg.InstanceCode))
			}
		}
	}
	return cois, nil
}
