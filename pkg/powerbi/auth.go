// Package powerbi talks to the Power BI service: device-code sign-in against
// Microsoft Entra, workspace and dataset enumeration, and GUID-to-name
// resolution backed by a TTL cache. Nothing here ever opens a browser; the
// shell shows the verification URL and code to the user.
package powerbi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/analytic-endeavors/hotswap-engine/pkg/apperrors"
	"github.com/analytic-endeavors/hotswap-engine/pkg/config"
)

// expirySkew is subtracted from a token's lifetime so calls never go out
// with a token about to lapse mid-request.
const expirySkew = 2 * time.Minute

// deviceCodeGrant is the OAuth grant type for device-code token polls.
const deviceCodeGrant = "urn:ietf:params:oauth:grant-type:device_code"

// TokenSource supplies bearer tokens for Power BI REST calls. Implementations
// may refresh silently but must never start an interactive login: when user
// interaction is required, Token returns apperrors.ErrAuthRequired and the
// shell decides whether to begin a device-code sign-in.
type TokenSource interface {
	// Token returns a valid access token.
	Token(ctx context.Context) (string, error)

	// Authenticated reports whether a usable access or refresh token is held.
	Authenticated() bool
}

// DeviceCode carries what the user needs to complete a device-code sign-in.
type DeviceCode struct {
	UserCode        string    `json:"user_code"`
	VerificationURL string    `json:"verification_url"`
	Message         string    `json:"message"`
	ExpiresAt       time.Time `json:"expires_at"`

	deviceCode string
	interval   time.Duration
}

// DeviceCodeTokenSource implements TokenSource with the Entra device-code
// flow. BeginDeviceLogin and WaitForLogin are invoked by the shell after the
// user opts in; Token itself only serves cached tokens and silent refreshes.
type DeviceCodeTokenSource struct {
	cfg        config.CloudConfig
	httpClient *http.Client
	cache      *tokenCache
	logger     *zap.Logger

	mu           sync.Mutex
	refreshToken string
	account      string
}

// NewDeviceCodeTokenSource creates a token source for the configured tenant.
func NewDeviceCodeTokenSource(cfg config.CloudConfig, logger *zap.Logger) *DeviceCodeTokenSource {
	return &DeviceCodeTokenSource{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout()},
		cache:      newTokenCache(cfg.TokenCacheSize),
		logger:     logger.Named("device-auth"),
	}
}

// cacheKey identifies the one token this source manages.
func (s *DeviceCodeTokenSource) cacheKey() string {
	return s.cfg.TenantID + "|" + strings.Join(s.cfg.Scopes, " ")
}

// Authenticated reports whether a cached token or refresh token is held.
func (s *DeviceCodeTokenSource) Authenticated() bool {
	if _, ok := s.cache.get(s.cacheKey()); ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken != ""
}

// Account returns the signed-in user name, empty before the first login.
func (s *DeviceCodeTokenSource) Account() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// SignOut drops all cached credentials.
func (s *DeviceCodeTokenSource) SignOut() {
	s.cache.clear()
	s.mu.Lock()
	s.refreshToken = ""
	s.account = ""
	s.mu.Unlock()
	s.logger.Info("Signed out of Power BI")
}

// Token returns a cached access token, refreshing silently when possible.
func (s *DeviceCodeTokenSource) Token(ctx context.Context) (string, error) {
	if token, ok := s.cache.get(s.cacheKey()); ok {
		return token, nil
	}

	s.mu.Lock()
	refresh := s.refreshToken
	s.mu.Unlock()
	if refresh == "" {
		return "", fmt.Errorf("no cached token for tenant %s: %w", s.cfg.TenantID, apperrors.ErrAuthRequired)
	}

	token, err := s.refreshGrant(ctx, refresh)
	if err != nil {
		s.logger.Warn("Silent token refresh failed", zap.Error(err))
		return "", fmt.Errorf("refresh token grant: %w", apperrors.ErrAuthRequired)
	}
	return token, nil
}

// BeginDeviceLogin starts a device-code sign-in and returns the code the
// shell must show the user.
func (s *DeviceCodeTokenSource) BeginDeviceLogin(ctx context.Context) (*DeviceCode, error) {
	if !s.cfg.IsConfigured() {
		return nil, fmt.Errorf("cloud access is not configured (client_id missing): %w", apperrors.ErrAuthRequired)
	}

	form := url.Values{
		"client_id": {s.cfg.ClientID},
		"scope":     {strings.Join(s.cfg.Scopes, " ")},
	}
	body, err := s.postForm(ctx, s.authorityURL("devicecode"), form)
	if err != nil {
		return nil, fmt.Errorf("failed to start device login: %w", err)
	}

	var resp struct {
		UserCode        string `json:"user_code"`
		DeviceCode      string `json:"device_code"`
		VerificationURI string `json:"verification_uri"`
		ExpiresIn       int    `json:"expires_in"`
		Interval        int    `json:"interval"`
		Message         string `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse device code response: %w", err)
	}
	if resp.Interval <= 0 {
		resp.Interval = 5
	}

	s.logger.Info("Device login started",
		zap.String("verification_url", resp.VerificationURI),
		zap.String("user_code", resp.UserCode))

	return &DeviceCode{
		UserCode:        resp.UserCode,
		VerificationURL: resp.VerificationURI,
		Message:         resp.Message,
		ExpiresAt:       time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		deviceCode:      resp.DeviceCode,
		interval:        time.Duration(resp.Interval) * time.Second,
	}, nil
}

// WaitForLogin polls the token endpoint until the user completes the
// sign-in, the code expires, or ctx is cancelled.
func (s *DeviceCodeTokenSource) WaitForLogin(ctx context.Context, code *DeviceCode) error {
	if code == nil || code.deviceCode == "" {
		return fmt.Errorf("no device login in progress")
	}

	interval := code.interval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		if time.Now().After(code.ExpiresAt) {
			return fmt.Errorf("device code expired before the sign-in completed")
		}

		form := url.Values{
			"grant_type":  {deviceCodeGrant},
			"client_id":   {s.cfg.ClientID},
			"device_code": {code.deviceCode},
		}
		grant, oauthErr, err := s.tokenRequest(ctx, form)
		if err != nil {
			return fmt.Errorf("failed to poll for device login: %w", err)
		}
		if grant != nil {
			s.storeGrant(grant)
			return nil
		}

		switch oauthErr {
		case "authorization_pending":
			// User has not finished yet.
		case "slow_down":
			interval += 5 * time.Second
		case "expired_token":
			return fmt.Errorf("device code expired before the sign-in completed")
		default:
			return fmt.Errorf("device login failed: %s", oauthErr)
		}
	}
}

// refreshGrant exchanges the refresh token for a new access token.
func (s *DeviceCodeTokenSource) refreshGrant(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {s.cfg.ClientID},
		"refresh_token": {refreshToken},
		"scope":         {strings.Join(s.cfg.Scopes, " ")},
	}
	grant, oauthErr, err := s.tokenRequest(ctx, form)
	if err != nil {
		return "", err
	}
	if grant == nil {
		return "", fmt.Errorf("token endpoint returned %s", oauthErr)
	}
	s.storeGrant(grant)
	return grant.AccessToken, nil
}

// tokenGrant is a successful response from the Entra token endpoint.
type tokenGrant struct {
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// tokenRequest posts to the token endpoint. OAuth protocol errors come back
// as a non-empty error code with a nil grant; transport failures as err.
func (s *DeviceCodeTokenSource) tokenRequest(ctx context.Context, form url.Values) (*tokenGrant, string, error) {
	body, httpErr := s.postForm(ctx, s.authorityURL("token"), form)
	if httpErr != nil {
		var oauthErr struct {
			Error string `json:"error"`
		}
		if body != nil && json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error != "" {
			return nil, oauthErr.Error, nil
		}
		return nil, "", httpErr
	}

	var grant tokenGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, "", fmt.Errorf("token response missing access_token")
	}
	return &grant, "", nil
}

// storeGrant caches the access token under its JWT expiry and keeps the
// refresh token for silent renewal.
func (s *DeviceCodeTokenSource) storeGrant(grant *tokenGrant) {
	fallback := time.Duration(grant.ExpiresIn) * time.Second
	expiresAt := tokenExpiry(grant.AccessToken, fallback)
	s.cache.set(s.cacheKey(), grant.AccessToken, expiresAt.Add(-expirySkew))

	s.mu.Lock()
	if grant.RefreshToken != "" {
		s.refreshToken = grant.RefreshToken
	}
	s.account = tokenAccount(grant.AccessToken)
	account := s.account
	s.mu.Unlock()

	s.logger.Info("Acquired Power BI token",
		zap.String("account", account),
		zap.Time("expires_at", expiresAt))
}

// postForm sends a form-encoded POST and returns the body. Non-2xx responses
// return the body alongside the error so OAuth error codes stay readable.
func (s *DeviceCodeTokenSource) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return body, nil
}

// authorityURL builds the OAuth endpoint URL for the configured tenant.
func (s *DeviceCodeTokenSource) authorityURL(endpoint string) string {
	base := strings.TrimRight(s.cfg.AuthorityBaseURL, "/")
	return fmt.Sprintf("%s/%s/oauth2/v2.0/%s", base, s.cfg.TenantID, endpoint)
}

// tokenExpiry reads the exp claim from an access token without verifying the
// signature; validation is the service's job, the claim only schedules the
// local refresh. Falls back to now+fallback when the token does not parse.
func tokenExpiry(raw string, fallback time.Duration) time.Time {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err == nil {
		if exp, expErr := token.Claims.GetExpirationTime(); expErr == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(fallback)
}

// tokenAccount extracts the signed-in user name from the token claims.
func tokenAccount(raw string) string {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	for _, key := range []string{"preferred_username", "upn", "unique_name"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
