package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fedhub/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *hubFixture) {
	t.Helper()
	f := newTestHub(t)
	return NewServer(f.hub, zap.NewNop()), f
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestServerRegisterAndApprove(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/federation/spokes", map[string]any{
		"instance_code":      "FRA",
		"name":               "France",
		"trust_level":        "bilateral",
		"partner_issuer_url": "https://idp.fra.example.mil/realms/federation",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var reg types.SpokeRegistration
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reg))
	assert.Equal(t, types.SpokePending, reg.Status)

	// Duplicate instance code.
	w = doJSON(t, srv, http.MethodPost, "/api/federation/spokes", map[string]any{
		"instance_code": "fra",
		"name":          "France again",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/api/federation/spokes/"+string(reg.SpokeID)+"/approve", map[string]any{
		"reason": "agreement signed",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status  string `json:"status"`
		Cascade struct {
			Direction   string `json:"direction"`
			FailedSteps int    `json:"failed_steps"`
		} `json:"cascade"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "approved", resp.Status)
	assert.Equal(t, "activation", resp.Cascade.Direction)
	assert.Equal(t, 0, resp.Cascade.FailedSteps)
}

func TestServerUnknownSpoke(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/federation/spokes/spoke-missing/approve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/api/federation/spokes/spoke-missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServerIllegalTransition(t *testing.T) {
	srv, f := newTestServer(t)

	reg := f.registerApproved(t, "FRA")

	// pending is not reachable again, and revoked is terminal.
	_, err := f.hub.RevokeSpoke(context.Background(), reg.SpokeID, "done")
	require.NoError(t, err)

	w := doJSON(t, srv, http.MethodPost, "/api/federation/spokes/"+string(reg.SpokeID)+"/approve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServerHeartbeat(t *testing.T) {
	srv, f := newTestServer(t)

	reg := f.registerApproved(t, "FRA")
	update, err := f.hub.PushPolicyUpdate(context.Background(), []string{"base"}, types.PriorityNormal, "baseline", nil)
	require.NoError(t, err)

	w := doJSON(t, srv, http.MethodPost, "/api/federation/spokes/"+string(reg.SpokeID)+"/heartbeat", map[string]any{
		"version": update.Version,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sync struct {
			State string `json:"state"`
		} `json:"sync"`
		Updates []types.PolicyUpdate `json:"updates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "current", resp.Sync.State)
	assert.Empty(t, resp.Updates)
}

func TestServerTenantPolicyGuardrails(t *testing.T) {
	srv, f := newTestServer(t)

	f.registerApproved(t, "FRA")

	w := doJSON(t, srv, http.MethodPost, "/api/federation/tenants/FRA/policy", map[string]any{
		"max_session_hours": 24,
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp struct {
		Violations []struct {
			Code string `json:"code"`
		} `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Violations, 1)
	assert.Equal(t, "SESSION_LIMIT_EXCEEDED", resp.Violations[0].Code)

	w = doJSON(t, srv, http.MethodPost, "/api/federation/tenants/FRA/policy", map[string]any{
		"max_session_hours": 8,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var update types.PolicyUpdate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &update))
	assert.Equal(t, []string{"tenant.fra"}, update.Layers)
}

func TestServerPushPolicyDefaultsPriority(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/federation/policy/updates", map[string]any{
		"layers":      []string{"base"},
		"description": "baseline",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var update types.PolicyUpdate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &update))
	assert.Equal(t, types.PriorityNormal, update.Priority)
	assert.False(t, update.RequireAck)
}
