package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/personaflow/config"
	"github.com/BaSui01/personaflow/internal/ctxkeys"
	"github.com/BaSui01/personaflow/internal/server"
	"github.com/BaSui01/personaflow/types"
)

const testSecret = "hmac-test-secret"

func signHS256(t *testing.T, claims jwt.RegisteredClaims, secret string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func validClaims() jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   "ci-bot",
		Issuer:    "personaflow-test",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

// callerEcho reports the authenticated caller stored in the context.
var callerEcho = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	caller, _ := ctxkeys.Caller(r.Context())
	_, _ = w.Write([]byte(caller))
})

func TestJWTAuth_HS256(t *testing.T) {
	auth, err := JWTAuth(config.AuthConfig{Enabled: true, Secret: testSecret, Issuer: "personaflow-test"}, publicPaths, zaptest.NewLogger(t))
	require.NoError(t, err)
	handler := auth(callerEcho)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil
	otherIssuer := validClaims()
	otherIssuer.Issuer = "someone-else"

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"valid", "Bearer " + signHS256(t, validClaims(), testSecret), http.StatusOK, "ci-bot"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
		{"wrong secret", "Bearer " + signHS256(t, validClaims(), "other"), http.StatusUnauthorized, ""},
		{"expired", "Bearer " + signHS256(t, expired, testSecret), http.StatusUnauthorized, ""},
		{"no expiry", "Bearer " + signHS256(t, noExpiry, testSecret), http.StatusUnauthorized, ""},
		{"wrong issuer", "Bearer " + signHS256(t, otherIssuer, testSecret), http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantBody, w.Body.String())
				return
			}
			assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
			var resp server.Response
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(types.ErrCodeUnauthorized), resp.Error.Code)
		})
	}
}

func TestJWTAuth_RS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	auth, err := JWTAuth(config.AuthConfig{Enabled: true, PublicKey: pubPEM}, nil, nil)
	require.NoError(t, err)
	handler := auth(callerEcho)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims()).SignedString(key)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ci-bot", w.Body.String())

	// HS256 is refused when only a public key is configured
	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, validClaims(), testSecret))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAuth_StreamQueryToken(t *testing.T) {
	auth, err := JWTAuth(config.AuthConfig{Enabled: true, Secret: testSecret}, nil, nil)
	require.NoError(t, err)
	handler := auth(callerEcho)
	token := signHS256(t, validClaims(), testSecret)

	upgrade := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/stream?access_token="+token, nil)
	upgrade.Header.Set("Connection", "Upgrade")
	upgrade.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, upgrade)
	assert.Equal(t, http.StatusOK, w.Code)

	plain := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?access_token="+token, nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, plain)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAuth_Misconfigured(t *testing.T) {
	_, err := JWTAuth(config.AuthConfig{Enabled: true}, nil, nil)
	assert.ErrorContains(t, err, "neither secret nor public_key")

	_, err = JWTAuth(config.AuthConfig{Enabled: true, PublicKey: "not pem"}, nil, nil)
	assert.ErrorContains(t, err, "server.auth.public_key")
}

func TestStatusHandler_AuthSkipsProbes(t *testing.T) {
	mux := http.NewServeMux()
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	mux.HandleFunc("POST /api/v1/requests", ok)
	mux.HandleFunc("GET /healthz", ok)
	mux.HandleFunc("GET /metrics", ok)

	cfg := config.DefaultServerConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, Secret: testSecret}
	handler, err := statusHandler(cfg, mux, zaptest.NewLogger(t))
	require.NoError(t, err)

	serve := func(method, path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/metrics", "").Code)
	denied := serve(http.MethodPost, "/api/v1/requests", "")
	assert.Equal(t, http.StatusUnauthorized, denied.Code)
	assert.Equal(t, "DENY", denied.Header().Get("X-Frame-Options"))
	assert.Equal(t, http.StatusOK, serve(http.MethodPost, "/api/v1/requests", signHS256(t, validClaims(), testSecret)).Code)

	// auth disabled leaves the chain open
	open, err := statusHandler(config.DefaultServerConfig(), mux, nil)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	open.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/requests", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
