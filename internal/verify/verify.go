package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Verifier answers whether an account has passed user verification.
// Connecting, adding domains and creating senders are gated on it.
type Verifier interface {
	IsVerified(ctx context.Context, accountID string) (bool, error)
}

// AllowAll is used when no verification collaborator is configured, eg in
// development.
func AllowAll() Verifier {
	return allowAll{}
}

type allowAll struct{}

func (allowAll) IsVerified(ctx context.Context, accountID string) (bool, error) {
	return true, nil
}

func NewHTTP(baseURL string) Verifier {
	return &httpVerifier{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type httpVerifier struct {
	baseURL string
	http    *http.Client
}

func (v *httpVerifier) IsVerified(ctx context.Context, accountID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		v.baseURL+"/users/"+url.PathEscape(accountID)+"/verified", nil)
	if err != nil {
		return false, err
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("verification lookup failed, %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("verification service responded %d", resp.StatusCode)
	}

	var out struct {
		Verified bool `json:"verified"`
	}
	err = json.NewDecoder(resp.Body).Decode(&out)
	return out.Verified, err
}
