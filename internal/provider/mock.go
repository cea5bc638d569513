package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/skicka/skicka"
)

// NewMock returns an in memory provider, used in tests and for running
// the service against nothing.
func NewMock() *MockAPI {
	return &MockAPI{
		Domains: map[string]*Domain{},
		Account: &Account{
			Email: "owner@example.com",
			Plan:  []Plan{{Type: "free", Credits: 300, CreditsType: "sendLimit"}},
		},
		DomainRecords: json.RawMessage(`{
			"records": [
				{"purpose": "dkim", "type": "CNAME", "host": "s1._domainkey", "value": "s1.dkim.example-provider.com", "status": false},
				{"purpose": "dkim", "type": "CNAME", "host": "s2._domainkey", "value": "s2.dkim.example-provider.com", "status": false},
				{"purpose": "spf", "type": "TXT", "host": "@", "value": "v=spf1 include:spf.example-provider.com ~all", "status": false},
				{"purpose": "brevo-code", "type": "TXT", "host": "@", "value": "brevo-code:abc123", "status": false}
			]
		}`),
	}
}

type MockAPI struct {
	mu sync.Mutex

	Account *Account
	Usage   *Usage

	Domains map[string]*Domain
	Senders []Sender

	// raw dns_records payload attached to created domains
	DomainRecords json.RawMessage

	// Down makes every call fail with a 503
	Down bool
	// FailDeletes makes delete calls fail with a 500
	FailDeletes bool
	// Authenticates marks domains authenticated on AuthenticateDomain
	Authenticates bool
	// BadKey makes every call fail with a 401
	BadKey bool

	AccountCalls      int
	CreateDomainCalls int
	CreateSenderCalls int
	SendCalls         int

	nextID int64
}

func (m *MockAPI) gatekeep() error {
	if m.Down {
		return &Error{StatusCode: http.StatusServiceUnavailable, Message: "provider is down"}
	}
	if m.BadKey {
		return &Error{StatusCode: http.StatusUnauthorized, Message: "invalid api key"}
	}
	return nil
}

func (m *MockAPI) GetAccount(ctx context.Context, apiKey string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AccountCalls++
	if err := m.gatekeep(); err != nil {
		return nil, err
	}
	return m.Account, nil
}

func (m *MockAPI) ListDomains(ctx context.Context, apiKey string) ([]Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gatekeep(); err != nil {
		return nil, err
	}
	var out []Domain
	for _, d := range m.Domains {
		out = append(out, *d)
	}
	return out, nil
}

func (m *MockAPI) GetDomain(ctx context.Context, apiKey, name string) (*Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gatekeep(); err != nil {
		return nil, err
	}
	d, ok := m.Domains[strings.ToLower(name)]
	if !ok {
		return nil, &Error{StatusCode: http.StatusNotFound, Message: "domain not found"}
	}
	cp := *d
	return &cp, nil
}

func (m *MockAPI) CreateDomain(ctx context.Context, apiKey, name string) (*Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gatekeep(); err != nil {
		return nil, err
	}
	m.CreateDomainCalls++
	name = strings.ToLower(name)
	if _, ok := m.Domains[name]; ok {
		return nil, &Error{StatusCode: http.StatusBadRequest, Message: "domain already exists"}
	}
	m.nextID++
	d := &Domain{ID: m.nextID, Name: name, DNSRecords: m.DomainRecords}
	m.Domains[name] = d
	cp := *d
	return &cp, nil
}

func (m *MockAPI) DeleteDomain(ctx context.Context, apiKey, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gatekeep(); err != nil {
		return err
	}
	if m.FailDeletes {
		return &Error{StatusCode: http.StatusInternalServerError, Message: "delete failed"}
	}
	name = strings.ToLower(name)
	if _, ok := m.Domains[name]; !ok {
		return &Error{StatusCode: http.StatusNotFound, Message: "domain not found"}
	}
	delete(m.Domains, name)
	return nil
}

func (m *MockAPI) AuthenticateDomain(ctx context.Context, apiKey, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gatekeep(); err != nil {
		return err
	}
	d, ok := m.Domains[strings.ToLower(name)]
	if !ok {
		return &Error{StatusCode: http.StatusNotFound, Message: "domain not found"}
	}
	if m.Authenticates {
		d.Authenticated = true
	}
	return nil
}

func (m *MockAPI) ListSenders(ctx context.Context, apiKey string) ([]Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gatekeep(); err != nil {
		return nil, err
	}
	return append([]Sender(nil), m.Senders...), nil
}

func (m *MockAPI) CreateSender(ctx context.Context, apiKey string, sender Sender) (*Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gatekeep(); err != nil {
		return nil, err
	}
	m.CreateSenderCalls++
	for _, s := range m.Senders {
		if strings.EqualFold(s.Email, sender.Email) {
			return nil, &Error{StatusCode: http.StatusBadRequest, Message: "sender already exists"}
		}
	}
	m.nextID++
	sender.ID = m.nextID
	sender.Active = true
	m.Senders = append(m.Senders, sender)
	cp := sender
	return &cp, nil
}

func (m *MockAPI) DeleteSender(ctx context.Context, apiKey string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gatekeep(); err != nil {
		return err
	}
	if m.FailDeletes {
		return &Error{StatusCode: http.StatusInternalServerError, Message: "delete failed"}
	}
	for i, s := range m.Senders {
		if s.ID == id {
			m.Senders = append(m.Senders[:i], m.Senders[i+1:]...)
			return nil
		}
	}
	return &Error{StatusCode: http.StatusNotFound, Message: "sender not found"}
}

func (m *MockAPI) SendEmail(ctx context.Context, apiKey string, email *skicka.Email) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gatekeep(); err != nil {
		return "", err
	}
	m.SendCalls++
	return fmt.Sprintf("<%s@example-provider.com>", uuid.New().String()), nil
}

func (m *MockAPI) GetUsage(ctx context.Context, apiKey string) (*Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.gatekeep(); err != nil {
		return nil, err
	}
	if m.Usage == nil {
		return &Usage{}, nil
	}
	return m.Usage, nil
}
