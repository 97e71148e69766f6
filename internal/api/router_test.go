package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/wlanpi/wlanpi-core/internal/activity"
	"github.com/wlanpi/wlanpi-core/internal/authgate"
	"github.com/wlanpi/wlanpi-core/internal/db"
	"github.com/wlanpi/wlanpi-core/internal/middleware"
	"github.com/wlanpi/wlanpi-core/internal/secrets"
	"github.com/wlanpi/wlanpi-core/internal/signingkey"
	"github.com/wlanpi/wlanpi-core/internal/token"
	"github.com/wlanpi/wlanpi-core/internal/tokencache"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// sign replicates the bootstrap CLI's canonical-string signing so tests
// can act as an unauthenticated loopback client.
func sign(t *testing.T, secret []byte, method, path, query string, body []byte) string {
	t.Helper()
	if method == "GET" {
		body = nil
	}
	canonical := strings.Join([]string{strings.ToUpper(method), path, query, string(body)}, "\n")
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

type testServer struct {
	router *gin.Engine
	store  *secrets.Store
	tokens *token.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.RunMigrations(ctx, sqlDB))

	store, err := secrets.LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	keys := signingkey.New(sqlDB, store)
	cache := tokencache.New(0, 0, 0)
	tokens := token.New(sqlDB, keys, cache, "wlanpi-core-test", time.Hour, true)
	gate := authgate.New(store, tokens)
	rec := activity.New(sqlDB, 100, time.Minute)

	router := NewRouter(Dependencies{Gate: gate, Tokens: tokens, Recorder: rec},
		middleware.DefaultStructuredLoggerConfig(), middleware.DefaultTimeoutConfig())

	return &testServer{router: router, store: store, tokens: tokens}
}

func (s *testServer) do(t *testing.T, method, path string, body []byte, remoteAddr string, withSig bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = remoteAddr
	if withSig {
		sig := sign(t, s.store.SharedSecret(), method, req.URL.Path, req.URL.RawQuery, body)
		req.Header.Set("X-Request-Signature", sig)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestBootstrapThenBearerFlow(t *testing.T) {
	s := newTestServer(t)

	body := []byte(`{"device_id":"d1"}`)
	resp := s.do(t, http.MethodPost, "/auth/token", body, "127.0.0.1:9999", true)
	require.Equal(t, http.StatusOK, resp.Code)

	var issued issueTokenResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &issued))
	require.NotEmpty(t, issued.AccessToken)
	require.Equal(t, "bearer", issued.TokenType)

	req := httptest.NewRequest(http.MethodGet, "/system/device/info", nil)
	req.RemoteAddr = "192.0.2.9:1234"
	req.Header.Set("Authorization", "Bearer "+issued.AccessToken)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBootstrapRejectedFromRemote(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"device_id":"d1"}`)
	resp := s.do(t, http.MethodPost, "/auth/token", body, "192.0.2.9:1234", true)
	require.Equal(t, http.StatusForbidden, resp.Code)
}

func TestBootstrapRejectedWithoutSignature(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"device_id":"d1"}`)
	resp := s.do(t, http.MethodPost, "/auth/token", body, "127.0.0.1:9999", false)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, "true", resp.Header().Get("X-Requires-Signature"))
}

func TestDeviceInfoRejectsMissingBearer(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/system/device/info", nil)
	req.RemoteAddr = "192.0.2.9:1234"
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthDiagnosticsLoopbackOnly(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodGet, "/system/auth/diagnostics", nil, "192.0.2.9:1234", true)
	require.Equal(t, http.StatusForbidden, resp.Code)

	resp = s.do(t, http.MethodGet, "/system/auth/diagnostics", nil, "127.0.0.1:9999", true)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
