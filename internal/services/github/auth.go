package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/internal/common/logger"
)

const (
	defaultAPIBase = "https://api.github.com"

	// Installation tokens last an hour; cache for 55 minutes and refresh
	// 5 minutes before that so a token handed to a subprocess stays valid.
	tokenCacheTTL      = 55 * time.Minute
	tokenRefreshMargin = 5 * time.Minute
)

// installationToken is a cached GitHub App installation token.
type installationToken struct {
	token     string
	expiresAt time.Time
}

func (t installationToken) expired() bool {
	return time.Now().After(t.expiresAt.Add(-tokenRefreshMargin))
}

// AppAuth mints GitHub App JWTs and exchanges them for installation
// tokens, caching tokens per installation. It satisfies repo.TokenSource
// for the installation it was configured with.
type AppAuth struct {
	appID          string
	key            *rsa.PrivateKey
	installationID int64
	baseURL        string
	httpClient     *http.Client
	log            *logger.Logger

	mu      sync.Mutex
	cache   map[int64]installationToken
	appSlug string
}

// NewAppAuth parses the App's PEM private key and returns an AppAuth for
// the given installation.
func NewAppAuth(appID string, privateKeyPEM []byte, installationID int64, log *logger.Logger) (*AppAuth, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GitHub App private key: %w", err)
	}
	return &AppAuth{
		appID:          appID,
		key:            key,
		installationID: installationID,
		baseURL:        defaultAPIBase,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		log:            log,
		cache:          make(map[int64]installationToken),
	}, nil
}

// appJWT signs a short-lived App JWT. Issued 60s in the past to absorb
// clock drift between us and GitHub; expires in 9 minutes.
func (a *AppAuth) appJWT() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": a.appID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
}

// Token returns an installation token for the configured installation.
// This is the repo.TokenSource entry point.
func (a *AppAuth) Token(ctx context.Context) (string, error) {
	return a.InstallationToken(ctx, a.installationID)
}

// InstallationToken returns a token for the given installation, reusing
// the cached one while it is still comfortably within its lifetime.
func (a *AppAuth) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	a.mu.Lock()
	if cached, ok := a.cache[installationID]; ok && !cached.expired() {
		a.mu.Unlock()
		return cached.token, nil
	}
	a.mu.Unlock()

	appJWT, err := a.appJWT()
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}

	endpoint := a.baseURL + "/app/installations/" + strconv.FormatInt(installationID, 10) + "/access_tokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("installation token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("installation token request returned %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("failed to decode installation token response: %w", err)
	}

	a.mu.Lock()
	a.cache[installationID] = installationToken{
		token:     data.Token,
		expiresAt: time.Now().Add(tokenCacheTTL),
	}
	a.mu.Unlock()

	a.log.Info("Obtained new installation token",
		zap.Int64("installation_id", installationID))
	return data.Token, nil
}

// AppSlug returns the App's slug from GET /app, cached after the first
// call. The slug identifies the bot's mention handle (@<slug>).
func (a *AppAuth) AppSlug(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.appSlug != "" {
		slug := a.appSlug
		a.mu.Unlock()
		return slug, nil
	}
	a.mu.Unlock()

	appJWT, err := a.appJWT()
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/app", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("app lookup request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("app lookup returned %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		Slug string `json:"slug"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("failed to decode app response: %w", err)
	}

	a.mu.Lock()
	a.appSlug = data.Slug
	a.mu.Unlock()

	a.log.Info("Detected GitHub App slug", zap.String("slug", data.Slug))
	return data.Slug, nil
}
