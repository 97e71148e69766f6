package authgate

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/wlanpi/wlanpi-core/internal/db"
	"github.com/wlanpi/wlanpi-core/internal/secrets"
	"github.com/wlanpi/wlanpi-core/internal/signingkey"
	"github.com/wlanpi/wlanpi-core/internal/token"
	"github.com/wlanpi/wlanpi-core/internal/tokencache"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestClassifyLoopback(t *testing.T) {
	require.True(t, classifyLoopback("127.0.0.1"))
	require.True(t, classifyLoopback("127.0.0.1:54321"))
	require.True(t, classifyLoopback("::1"))
	require.False(t, classifyLoopback("10.0.0.5"))
	require.False(t, classifyLoopback("192.168.1.1"))
	require.False(t, classifyLoopback("8.8.8.8"))
	require.False(t, classifyLoopback(""))
}

func TestCanonicalStringForcesEmptyBodyOnGET(t *testing.T) {
	c := canonicalString("GET", "/auth/token", "a=1", []byte("ignored"))
	require.Equal(t, "GET\n/auth/token\na=1\n", string(c))
}

func TestCanonicalStringIncludesBodyForPOST(t *testing.T) {
	c := canonicalString("POST", "/auth/token", "", []byte(`{"device_id":"d1"}`))
	require.Equal(t, "POST\n/auth/token\n\n{\"device_id\":\"d1\"}", string(c))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	canonical := []byte("POST\n/auth/token\n\n{}")
	sig := sign(secret, canonical)

	require.True(t, verifySignature(secret, canonical, sig))
	require.False(t, verifySignature(secret, canonical, sig[:len(sig)-1]+"1"))
}

func testGate(t *testing.T) (*Gate, *secrets.Store) {
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
	tokens := token.New(sqlDB, keys, cache, "wlanpi-core", time.Hour, true)

	return New(store, tokens), store
}

func TestRequireLoopbackRejectsRemoteEvenWithSignature(t *testing.T) {
	gate, store := testGate(t)

	body := []byte(`{"device_id":"d1"}`)
	canonical := canonicalString("POST", "/auth/token", "", body)
	sig := sign(store.SharedSecret(), canonical)

	router := gin.New()
	router.POST("/auth/token", gate.RequireLoopback(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/auth/token", strings.NewReader(string(body)))
	req.RemoteAddr = "192.0.2.9:1234"
	req.Header.Set(signatureHeader, sig)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireLoopbackAcceptsValidSignature(t *testing.T) {
	gate, store := testGate(t)

	body := []byte(`{"device_id":"d1"}`)
	canonical := canonicalString("POST", "/auth/token", "", body)
	sig := sign(store.SharedSecret(), canonical)

	router := gin.New()
	router.POST("/auth/token", gate.RequireLoopback(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/auth/token", strings.NewReader(string(body)))
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set(signatureHeader, sig)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireLoopbackRejectsMissingSignature(t *testing.T) {
	gate, _ := testGate(t)

	router := gin.New()
	router.POST("/auth/token", gate.RequireLoopback(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/auth/token", strings.NewReader(`{"device_id":"d1"}`))
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "true", rec.Header().Get(requiresSignatureHeader))
}

func TestRequireAuthHonorsXRealIPOverride(t *testing.T) {
	gate, store := testGate(t)

	body := []byte(`{}`)
	canonical := canonicalString("GET", "/system/device/info", "", body)
	sig := sign(store.SharedSecret(), canonical)

	router := gin.New()
	router.GET("/system/device/info", gate.RequireAuth(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/system/device/info", nil)
	req.RemoteAddr = "198.51.100.4:9999"
	req.Header.Set("X-Real-IP", "127.0.0.1")
	req.Header.Set(signatureHeader, sig)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAuthRejectsMissingBearerForRemote(t *testing.T) {
	gate, _ := testGate(t)

	router := gin.New()
	router.GET("/system/device/info", gate.RequireAuth(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/system/device/info", nil)
	req.RemoteAddr = "198.51.100.4:9999"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
