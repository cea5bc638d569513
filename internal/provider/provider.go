package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/modfin/henry/slicez"
	"github.com/skicka/skicka"
)

// Error carries the providers http status and message so callers can
// decide recoverability themselves, eg a 404 on a domain fetch is an
// expected branch and not a failure.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider responded %d, %s", e.StatusCode, e.Message)
}

func IsNotFound(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.StatusCode == http.StatusNotFound
}

// IsUnavailable reports a network failure or a provider side 5xx, ie
// errors where local state must not be corrupted on account of them.
func IsUnavailable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.StatusCode >= 500
	}
	return err != nil
}

type Account struct {
	Email string `json:"email"`
	Plan  []Plan `json:"plan"`
}

type Plan struct {
	Type        string  `json:"type"`
	Credits     float64 `json:"credits"`
	CreditsType string  `json:"creditsType"`
}

type Domain struct {
	ID            int64  `json:"id"`
	Name          string `json:"domain_name"`
	Authenticated bool   `json:"authenticated"`
	Verified      bool   `json:"verified"`

	// raw, the provider has shipped more than one shape over time,
	// ExtractDNSRecords normalizes it
	DNSRecords json.RawMessage `json:"dns_records"`
}

type Sender struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Active bool   `json:"active"`
}

type Usage struct {
	Requests    int64 `json:"requests"`
	Delivered   int64 `json:"delivered"`
	HardBounces int64 `json:"hardBounces"`
	SoftBounces int64 `json:"softBounces"`
	Blocked     int64 `json:"blocked"`
}

// API is the remote surface this service consumes, one method per remote
// operation. Implementations never touch the local store.
type API interface {
	GetAccount(ctx context.Context, apiKey string) (*Account, error)

	ListDomains(ctx context.Context, apiKey string) ([]Domain, error)
	GetDomain(ctx context.Context, apiKey, name string) (*Domain, error)
	CreateDomain(ctx context.Context, apiKey, name string) (*Domain, error)
	DeleteDomain(ctx context.Context, apiKey, name string) error
	AuthenticateDomain(ctx context.Context, apiKey, name string) error

	ListSenders(ctx context.Context, apiKey string) ([]Sender, error)
	CreateSender(ctx context.Context, apiKey string, sender Sender) (*Sender, error)
	DeleteSender(ctx context.Context, apiKey string, id int64) error

	SendEmail(ctx context.Context, apiKey string, email *skicka.Email) (messageID string, err error)
	GetUsage(ctx context.Context, apiKey string) (*Usage, error)
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type Client struct {
	baseURL string
	http    *http.Client
}

func (c *Client) do(ctx context.Context, apiKey, method, path string, body any, out any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not marshal request body, %w", err)
		}
		buf = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("could not create request, %w", err)
	}
	req.Header.Set("api-key", apiKey)
	req.Header.Set("accept", "application/json")
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed, %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read provider response, %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var em struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &em)
		if em.Message == "" {
			em.Message = string(data)
		}
		return &Error{StatusCode: resp.StatusCode, Message: em.Message}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	err = json.Unmarshal(data, out)
	if err != nil {
		return fmt.Errorf("could not unmarshal provider response, %w", err)
	}
	return nil
}

func (c *Client) GetAccount(ctx context.Context, apiKey string) (*Account, error) {
	var a Account
	err := c.do(ctx, apiKey, http.MethodGet, "/account", nil, &a)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) ListDomains(ctx context.Context, apiKey string) ([]Domain, error) {
	var out struct {
		Domains []Domain `json:"domains"`
	}
	err := c.do(ctx, apiKey, http.MethodGet, "/senders/domains", nil, &out)
	return out.Domains, err
}

func (c *Client) GetDomain(ctx context.Context, apiKey, name string) (*Domain, error) {
	var d Domain
	err := c.do(ctx, apiKey, http.MethodGet, "/senders/domains/"+url.PathEscape(name), nil, &d)
	if err != nil {
		return nil, err
	}
	if d.Name == "" {
		d.Name = name
	}
	return &d, nil
}

func (c *Client) CreateDomain(ctx context.Context, apiKey, name string) (*Domain, error) {
	var d Domain
	body := map[string]string{"name": name}
	err := c.do(ctx, apiKey, http.MethodPost, "/senders/domains", body, &d)
	if err != nil {
		return nil, err
	}
	if d.Name == "" {
		d.Name = name
	}
	return &d, nil
}

func (c *Client) DeleteDomain(ctx context.Context, apiKey, name string) error {
	return c.do(ctx, apiKey, http.MethodDelete, "/senders/domains/"+url.PathEscape(name), nil, nil)
}

func (c *Client) AuthenticateDomain(ctx context.Context, apiKey, name string) error {
	return c.do(ctx, apiKey, http.MethodPut, "/senders/domains/"+url.PathEscape(name)+"/authenticate", nil, nil)
}

func (c *Client) ListSenders(ctx context.Context, apiKey string) ([]Sender, error) {
	var out struct {
		Senders []Sender `json:"senders"`
	}
	err := c.do(ctx, apiKey, http.MethodGet, "/senders", nil, &out)
	return out.Senders, err
}

func (c *Client) CreateSender(ctx context.Context, apiKey string, sender Sender) (*Sender, error) {
	var out Sender
	body := map[string]string{"name": sender.Name, "email": sender.Email}
	err := c.do(ctx, apiKey, http.MethodPost, "/senders", body, &out)
	if err != nil {
		return nil, err
	}
	if out.Email == "" {
		out.Email = sender.Email
	}
	return &out, nil
}

func (c *Client) DeleteSender(ctx context.Context, apiKey string, id int64) error {
	return c.do(ctx, apiKey, http.MethodDelete, fmt.Sprintf("/senders/%d", id), nil, nil)
}

func (c *Client) SendEmail(ctx context.Context, apiKey string, email *skicka.Email) (string, error) {
	type addr struct {
		Name  string `json:"name,omitempty"`
		Email string `json:"email"`
	}
	body := struct {
		Sender  addr   `json:"sender"`
		To      []addr `json:"to"`
		Subject string `json:"subject"`
		HTML    string `json:"htmlContent,omitempty"`
		Text    string `json:"textContent,omitempty"`
	}{
		Sender: addr{Name: email.From.Name, Email: email.From.Email},
		To: slicez.Map(email.To, func(a skicka.Address) addr {
			return addr{Name: a.Name, Email: a.Email}
		}),
		Subject: email.Subject,
		HTML:    email.HTML,
		Text:    email.Text,
	}

	var out struct {
		MessageID string `json:"messageId"`
	}
	err := c.do(ctx, apiKey, http.MethodPost, "/smtp/email", body, &out)
	return out.MessageID, err
}

func (c *Client) GetUsage(ctx context.Context, apiKey string) (*Usage, error) {
	day := time.Now().Format("2006-01-02")
	var u Usage
	err := c.do(ctx, apiKey, http.MethodGet,
		"/smtp/statistics/aggregatedReport?startDate="+day+"&endDate="+day, nil, &u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
