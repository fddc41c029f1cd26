package mgmt

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuth_NoAuth_Mode(t *testing.T) {
	app := testServer(t, testOptions{authMode: "none"})

	resp, _ := do(t, app, "GET", "/api/v1/config", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_APIKey_Valid(t *testing.T) {
	app := testServer(t, testOptions{authMode: "api-key", apiKey: "test-secret-key"})

	resp, _ := do(t, app, "GET", "/api/v1/config", "", "Authorization", "Bearer test-secret-key")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_APIKey_Missing(t *testing.T) {
	app := testServer(t, testOptions{authMode: "api-key", apiKey: "test-secret-key"})

	resp, raw := do(t, app, "GET", "/api/v1/config", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(raw, &problem))
	assert.Equal(t, "missing_auth", problem.Type)
}

func TestAuth_APIKey_Invalid(t *testing.T) {
	app := testServer(t, testOptions{authMode: "api-key", apiKey: "test-secret-key"})

	resp, raw := do(t, app, "GET", "/api/v1/config", "", "Authorization", "Bearer wrong-key")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(raw, &problem))
	assert.Equal(t, "invalid_api_key", problem.Type)
}

func TestAuth_APIKey_InvalidScheme(t *testing.T) {
	app := testServer(t, testOptions{authMode: "api-key", apiKey: "test-secret-key"})

	resp, raw := do(t, app, "GET", "/api/v1/config", "", "Authorization", "Basic dGVzdDp0ZXN0")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(raw), "invalid_auth_scheme")
}

func TestAuth_ProbeEndpoints_NoAuth(t *testing.T) {
	app := testServer(t, testOptions{authMode: "api-key", apiKey: "test-secret-key"})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, _ := do(t, app, "GET", path, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, "path: %s", path)
	}
}

func TestAuth_Roles(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
	app := testServer(t, testOptions{
		authMode: "api-key",
		apiKey:   "admin-key",
		roles:    map[string]Role{"ops-key": RoleOperator, "ro-key": RoleReadOnly},
	})
	patch := `{"log_level":"info"}`

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		want   int
	}{
		{"readonly reads", "GET", "/api/v1/users/u1/credits", "", "ro-key", http.StatusOK},
		{"readonly cannot submit", "POST", "/api/v1/stages", `{}`, "ro-key", http.StatusForbidden},
		{"readonly cannot run maintenance", "POST", "/api/v1/maintenance/reservations/cleanup", "", "ro-key", http.StatusForbidden},
		{"operator runs maintenance", "POST", "/api/v1/maintenance/reservations/cleanup", "", "ops-key", http.StatusOK},
		{"operator cannot patch config", "PATCH", "/api/v1/config", patch, "ops-key", http.StatusForbidden},
		{"operator cannot grant", "POST", "/api/v1/users/u1/credits", `{"amount":5}`, "ops-key", http.StatusForbidden},
		{"admin patches config", "PATCH", "/api/v1/config", patch, "admin-key", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := do(t, app, tc.method, tc.path, tc.body, "Authorization", "Bearer "+tc.token)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}
