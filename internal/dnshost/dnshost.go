package dnshost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/skicka/skicka/internal/provider"
)

type Zone struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Nameservers []string `json:"nameservers"`
}

// Client is the optional collaborator that can host a dns zone and write
// records into it on the users behalf. GetZoneByName returns nil, nil when
// no zone exists for the name.
type Client interface {
	IsAvailable() bool
	GetZoneByName(ctx context.Context, name string) (*Zone, error)
	CreateZone(ctx context.Context, name string) (*Zone, error)
	CreateRecords(ctx context.Context, zoneID string, records []provider.DNSRecord) error
}

type Config struct {
	BaseURL string
	Token   string
}

func New(cfg Config) Client {
	return &client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type client struct {
	cfg  Config
	http *http.Client
}

func (c *client) IsAvailable() bool {
	return c.cfg.BaseURL != "" && c.cfg.Token != ""
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not marshal request body, %w", err)
		}
		buf = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, buf)
	if err != nil {
		return fmt.Errorf("could not create request, %w", err)
	}
	req.Header.Set("authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dns host request failed, %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("dns host responded %d, %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var errNotFound = fmt.Errorf("zone not found")

func (c *client) GetZoneByName(ctx context.Context, name string) (*Zone, error) {
	var out struct {
		Zones []Zone `json:"zones"`
	}
	err := c.do(ctx, http.MethodGet, "/zones?name="+url.QueryEscape(name), nil, &out)
	if err == errNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, z := range out.Zones {
		if z.Name == name {
			return &z, nil
		}
	}
	return nil, nil
}

func (c *client) CreateZone(ctx context.Context, name string) (*Zone, error) {
	var z Zone
	err := c.do(ctx, http.MethodPost, "/zones", map[string]string{"name": name}, &z)
	if err != nil {
		return nil, err
	}
	return &z, nil
}

func (c *client) CreateRecords(ctx context.Context, zoneID string, records []provider.DNSRecord) error {
	type record struct {
		Type    string `json:"type"`
		Name    string `json:"name"`
		Content string `json:"content"`
		TTL     int    `json:"ttl"`
	}
	for _, r := range records {
		body := record{Type: r.Type, Name: r.Host, Content: r.Value, TTL: 300}
		err := c.do(ctx, http.MethodPost, "/zones/"+url.PathEscape(zoneID)+"/records", body, nil)
		if err != nil {
			return fmt.Errorf("could not create %s record %s, %w", r.Type, r.Host, err)
		}
	}
	return nil
}
