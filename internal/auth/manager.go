package auth

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
)

// Manager owns the one credential a run operates with. Current returns the
// cached access token without network I/O; Refresh performs a single
// refresh-token exchange and persists the new pair before returning.
// Refresh is reactive: callers invoke it only after the destination reports
// unauthorized, never on a timer.
type Manager struct {
	TokenURL string
	HTTP     *http.Client

	mu    sync.Mutex
	cache *Cache
	cred  Credential
}

func NewManager(tokenURL string, httpClient *http.Client, cache *Cache, cred Credential) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{TokenURL: tokenURL, HTTP: httpClient, cache: cache, cred: cred}
}

func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred.AccessToken
}

// Credential returns a copy of the current credential.
func (m *Manager) Credential() Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh exchanges the cached refresh token for a new access/refresh pair.
// A rejected exchange (invalid or revoked grant, wrong client) is fatal and
// returned as *Error; the in-memory credential and the cache file are left
// untouched in that case.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", m.cred.RefreshToken)
	if m.cred.ClientID != "" {
		form.Set("client_id", m.cred.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var out tokenResponse
	_ = json.Unmarshal(body, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := out.ErrorCode
		if reason == "" {
			reason = fmt.Sprintf("token endpoint returned %d", resp.StatusCode)
		}
		if out.ErrorDescription != "" {
			reason += ": " + out.ErrorDescription
		}
		return &Error{Reason: "refresh rejected: " + reason}
	}
	if out.AccessToken == "" {
		return &Error{Reason: "token endpoint returned no access token"}
	}

	// Replace both tokens together; some servers omit the refresh token when
	// the old one stays valid.
	m.cred.AccessToken = out.AccessToken
	if out.RefreshToken != "" {
		m.cred.RefreshToken = out.RefreshToken
	}
	if out.ExpiresIn > 0 {
		m.cred.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}

	if m.cache != nil {
		if err := m.cache.Save(m.cred); err != nil {
			return fmt.Errorf("persist refreshed credential: %w", err)
		}
	}
	return nil
}
