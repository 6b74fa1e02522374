package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpbridge/acpbridge/internal/common/logger"
)

func testKeyPEM(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, pemBytes
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// newAppServer fakes the two App endpoints the bridge uses and verifies
// that every request carries a JWT signed with the App's key.
func newAppServer(t *testing.T, key *rsa.PrivateKey, tokenCalls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		if err != nil {
			t.Errorf("request %s carried an invalid JWT: %v", r.URL.Path, err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if claims["iss"] != "12345" {
			t.Errorf("unexpected iss claim: %v", claims["iss"])
		}

		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/access_tokens"):
			n := tokenCalls.Add(1)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprintf(w, `{"token": "ghs_test_%d", "expires_at": "2099-01-01T00:00:00Z"}`, n)
		case r.Method == http.MethodGet && r.URL.Path == "/app":
			fmt.Fprint(w, `{"id": 12345, "slug": "acp-bridge"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestAuth(t *testing.T, server *httptest.Server, pemBytes []byte) *AppAuth {
	t.Helper()
	auth, err := NewAppAuth("12345", pemBytes, 42, testLogger(t))
	require.NoError(t, err)
	auth.baseURL = server.URL
	return auth
}

func TestAppAuthRejectsBadKey(t *testing.T) {
	_, err := NewAppAuth("12345", []byte("not a pem key"), 42, testLogger(t))
	require.Error(t, err)
}

func TestInstallationTokenCached(t *testing.T) {
	key, pemBytes := testKeyPEM(t)
	var tokenCalls atomic.Int64
	server := newAppServer(t, key, &tokenCalls)
	defer server.Close()

	auth := newTestAuth(t, server, pemBytes)
	ctx := context.Background()

	first, err := auth.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ghs_test_1", first)

	second, err := auth.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), tokenCalls.Load(), "second call should hit the cache")
}

func TestInstallationTokenRefreshesNearExpiry(t *testing.T) {
	key, pemBytes := testKeyPEM(t)
	var tokenCalls atomic.Int64
	server := newAppServer(t, key, &tokenCalls)
	defer server.Close()

	auth := newTestAuth(t, server, pemBytes)
	ctx := context.Background()

	_, err := auth.Token(ctx)
	require.NoError(t, err)

	// Age the cached token into the refresh margin.
	auth.mu.Lock()
	auth.cache[42] = installationToken{
		token:     "ghs_test_1",
		expiresAt: time.Now().Add(time.Minute),
	}
	auth.mu.Unlock()

	refreshed, err := auth.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ghs_test_2", refreshed)
	assert.Equal(t, int64(2), tokenCalls.Load())
}

func TestInstallationTokenPerInstallation(t *testing.T) {
	key, pemBytes := testKeyPEM(t)
	var tokenCalls atomic.Int64
	server := newAppServer(t, key, &tokenCalls)
	defer server.Close()

	auth := newTestAuth(t, server, pemBytes)
	ctx := context.Background()

	a, err := auth.InstallationToken(ctx, 42)
	require.NoError(t, err)
	b, err := auth.InstallationToken(ctx, 43)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, int64(2), tokenCalls.Load())
}

func TestAppSlugCached(t *testing.T) {
	key, pemBytes := testKeyPEM(t)
	var tokenCalls atomic.Int64
	server := newAppServer(t, key, &tokenCalls)
	defer server.Close()

	auth := newTestAuth(t, server, pemBytes)

	slug, err := auth.AppSlug(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acp-bridge", slug)

	server.Close() // cached value must not need the network
	slug, err = auth.AppSlug(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acp-bridge", slug)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"action":"created"}`)
	// HMAC-SHA256 of body with key "secret".
	valid := "sha256=0031e94255b70a79704e0356204543768c078ca4f48b3ccc547edef03f4f338a"

	tests := []struct {
		name   string
		header string
		secret string
		want   bool
	}{
		{"valid", valid, "secret", true},
		{"wrong secret", valid, "other", false},
		{"missing prefix", strings.TrimPrefix(valid, "sha256="), "secret", false},
		{"empty header", "", "secret", false},
		{"empty secret", valid, "", false},
		{"tampered digest", "sha256=" + strings.Repeat("0", 64), "secret", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifySignature(body, tt.header, tt.secret))
		})
	}
}
