package cascade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fedhub/pkg/registry"
	"fedhub/pkg/types"
)

func TestKeycloakAdminClientHasIdentityProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer admin-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/admin/realms/federation/identity-provider/instances/oidc-fra":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewKeycloakAdminClient(srv.URL, "federation", "admin-token", time.Second, zap.NewNop())

	found, err := client.HasIdentityProvider(context.Background(), "oidc-fra")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = client.HasIdentityProvider(context.Background(), "oidc-deu")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKeycloakAdminClientDeleteFederationClient(t *testing.T) {
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/admin/realms/federation/clients":
			if r.URL.Query().Get("clientId") == "federation-fra" {
				json.NewEncoder(w).Encode([]map[string]string{{"id": "uuid-123"}})
				return
			}
			json.NewEncoder(w).Encode([]map[string]string{})
		case r.Method == http.MethodDelete && r.URL.Path == "/admin/realms/federation/clients/uuid-123":
			deleted = "uuid-123"
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewKeycloakAdminClient(srv.URL, "federation", "", time.Second, zap.NewNop())

	removed, err := client.DeleteFederationClient(context.Background(), "federation-fra")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, "uuid-123", deleted)

	removed, err = client.DeleteFederationClient(context.Background(), "federation-deu")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestHTTPKeyAccessRegistryRemove(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		if r.URL.Path == "/registry/entries/kas-fra" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	kas := NewHTTPKeyAccessRegistry(srv.URL, "", time.Second, zap.NewNop())

	removed, err := kas.Remove(context.Background(), "kas-fra")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = kas.Remove(context.Background(), "kas-deu")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestHTTPKeyAccessRegistrySetFederationAgreement(t *testing.T) {
	var got FederationAgreement
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/registry/agreements/fra", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	kas := NewHTTPKeyAccessRegistry(srv.URL, "", time.Second, zap.NewNop())

	err := kas.SetFederationAgreement(context.Background(), "FRA", []string{"kas-usa"}, types.ClassSecret, []string{"medevac"})
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCode("FRA"), got.InstanceCode)
	assert.Equal(t, []string{"kas-usa"}, got.TrustedKASIDs)
	assert.Equal(t, types.ClassSecret, got.MaxClassification)
}

func TestRegistryInterestGroupsCOIMap(t *testing.T) {
	store := registry.NewMemoryStore()
	ctx := context.Background()

	for _, s := range []struct {
		code   string
		status types.SpokeStatus
		scopes []string
	}{
		{"FRA", types.SpokeApproved, []string{"policy:nato", "coi:medevac"}},
		{"DEU", types.SpokeApproved, []string{"coi:medevac", "coi:logistics"}},
		{"ITA", types.SpokeSuspended, []string{"coi:medevac"}},
	} {
		require.NoError(t, store.SaveSpoke(ctx, &types.SpokeRegistration{
			SpokeID:             types.SpokeID("spoke-" + s.code),
			InstanceCode:        types.InstanceCode(s.code),
			Status:              s.status,
			AllowedPolicyScopes: s.scopes,
		}))
	}

	groups := NewRegistryInterestGroups(store, nil, zap.NewNop())

	cois, err := groups.GetCOIMembershipMap(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"FRA", "DEU"}, cois["medevac"])
	assert.Equal(t, []string{"DEU"}, cois["logistics"])
	// Suspended spokes carry no memberships.
	assert.NotContains(t, cois["medevac"], "ITA")
}
