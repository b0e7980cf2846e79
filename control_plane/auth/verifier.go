package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cakranode/control-plane/control_plane/errs"
	"github.com/cakranode/control-plane/control_plane/observability"
)

// Identity is the resolved caller of a request.
type Identity struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email,omitempty"`
	IsAdmin bool   `json:"is_admin"`
}

// Verifier resolves a bearer credential to an Identity.
type Verifier interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

const (
	verifyMaxRetries     = 2
	verifyRetryDelay     = 500 * time.Millisecond
	verifyAttemptTimeout = 5 * time.Second
)

// HTTPVerifier asks an external identity provider to validate tokens.
// The provider is the least reliable dependency in the system, so each call
// gets a per-attempt timeout plus bounded retries, and raw provider errors
// never leak past this package.
type HTTPVerifier struct {
	BaseURL    string
	ServiceKey string
	AdminEmail string
	Client     *http.Client
}

func NewHTTPVerifier(baseURL, serviceKey, adminEmail string) *HTTPVerifier {
	return &HTTPVerifier{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ServiceKey: serviceKey,
		AdminEmail: adminEmail,
		Client:     &http.Client{},
	}
}

func (v *HTTPVerifier) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, errs.Auth("missing credential")
	}

	var lastErr error
	for attempt := 0; attempt <= verifyMaxRetries; attempt++ {
		if attempt > 0 {
			observability.IdentityVerifyRetries.Inc()
			select {
			case <-time.After(verifyRetryDelay):
			case <-ctx.Done():
				return nil, errs.Auth("identity verification cancelled: %v", ctx.Err())
			}
		}

		ident, retryable, err := v.attempt(ctx, token)
		if err == nil {
			return ident, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, errs.Auth("identity provider unreachable after %d attempts: %v", verifyMaxRetries+1, lastErr)
}

// attempt performs one provider call. The second return value says whether
// the failure is worth retrying (network trouble, 5xx) or final (bad token).
func (v *HTTPVerifier) attempt(ctx context.Context, token string) (*Identity, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, verifyAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, v.BaseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, false, errs.Auth("failed to build verify request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", v.ServiceKey)

	resp, err := v.Client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("identity provider call failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var body struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, true, fmt.Errorf("malformed identity response: %w", err)
		}
		if body.ID == "" {
			return nil, false, errs.Auth("identity provider returned no subject")
		}
		return &Identity{
			UserID:  body.ID,
			Email:   body.Email,
			IsAdmin: v.AdminEmail != "" && strings.EqualFold(body.Email, v.AdminEmail),
		}, false, nil

	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("identity provider returned %d", resp.StatusCode)

	default:
		// 4xx means the credential itself is bad. Retrying won't change that.
		return nil, false, errs.Auth("invalid credential")
	}
}

// StaticVerifier resolves tokens from a fixed table. Used by tests and by
// dev mode without an identity provider.
type StaticVerifier struct {
	Tokens map[string]Identity
}

func (v *StaticVerifier) Resolve(ctx context.Context, token string) (*Identity, error) {
	ident, ok := v.Tokens[token]
	if !ok {
		return nil, errs.Auth("invalid credential")
	}
	cp := ident
	return &cp, nil
}
