package push

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zombor/receiptsnap/internal/clock"
)

const (
	DefaultTokenURL = "https://oauth2.googleapis.com/token"
	MessagingScope  = "https://www.googleapis.com/auth/firebase.messaging"

	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionTTL   = time.Hour
	expiryMargin   = 60 * time.Second
)

// ServiceAccount holds the Firebase service-account credentials
type ServiceAccount struct {
	ProjectID   string
	ClientEmail string
	PrivateKey  string
}

// TokenCache holds the current access token. A token is reused until it is within
// 60 seconds of expiring.
type TokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// Get returns the cached token if it is still usable at now
func (c *TokenCache) Get(now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || !now.Before(c.expiresAt.Add(-expiryMargin)) {
		return "", false
	}
	return c.token, true
}

// Set replaces the cached token
func (c *TokenCache) Set(token string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expiresAt = expiresAt
}

// Authenticator exchanges a signed service-account assertion for an OAuth access token
type Authenticator struct {
	account    ServiceAccount
	key        *rsa.PrivateKey
	tokenURL   string
	client     *http.Client
	cache      *TokenCache
	timeSource clock.TimeSource
}

// NewAuthenticator parses the account's private key and returns an Authenticator.
// Keys copied out of env files often carry literal "\n" sequences; those are restored first.
func NewAuthenticator(account ServiceAccount, tokenURL string, client *http.Client, cache *TokenCache, timeSource clock.TimeSource) (*Authenticator, error) {
	if account.ClientEmail == "" {
		return nil, fmt.Errorf("service account client email is required")
	}
	pem := strings.ReplaceAll(account.PrivateKey, `\n`, "\n")
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("parsing service account private key: %w", err)
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cache == nil {
		cache = &TokenCache{}
	}
	if timeSource == nil {
		timeSource = clock.System{}
	}

	return &Authenticator{
		account:    account,
		key:        key,
		tokenURL:   tokenURL,
		client:     client,
		cache:      cache,
		timeSource: timeSource,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// AccessToken returns a cached token or mints a new one
func (a *Authenticator) AccessToken(ctx context.Context) (string, error) {
	now := a.timeSource.Now()
	if token, ok := a.cache.Get(now); ok {
		return token, nil
	}

	assertion, err := a.signAssertion(now)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("token endpoint error (status %d): %s", resp.StatusCode, string(body))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access token")
	}

	a.cache.Set(tok.AccessToken, now.Add(time.Duration(tok.ExpiresIn)*time.Second))
	return tok.AccessToken, nil
}

func (a *Authenticator) signAssertion(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   a.account.ClientEmail,
		"sub":   a.account.ClientEmail,
		"aud":   a.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionTTL).Unix(),
		"scope": MessagingScope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("signing service account assertion: %w", err)
	}
	return signed, nil
}
