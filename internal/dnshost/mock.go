package dnshost

import (
	"context"
	"sync"

	"github.com/rs/xid"
	"github.com/skicka/skicka/internal/provider"
)

func NewMock(nameservers ...string) *MockClient {
	if len(nameservers) == 0 {
		nameservers = []string{"ns1.example-host.net", "ns2.example-host.net"}
	}
	return &MockClient{
		nameservers: nameservers,
		zones:       map[string]*Zone{},
		Records:     map[string][]provider.DNSRecord{},
	}
}

// MockClient keeps zones and records in memory, used in tests and when
// running without a dns host configured.
type MockClient struct {
	mu          sync.Mutex
	nameservers []string
	zones       map[string]*Zone

	Records map[string][]provider.DNSRecord
}

func (m *MockClient) IsAvailable() bool {
	return true
}

func (m *MockClient) GetZoneByName(ctx context.Context, name string) (*Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zones[name]
	if !ok {
		return nil, nil
	}
	return z, nil
}

func (m *MockClient) CreateZone(ctx context.Context, name string) (*Zone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := &Zone{ID: xid.New().String(), Name: name, Nameservers: m.nameservers}
	m.zones[name] = z
	return z, nil
}

func (m *MockClient) CreateRecords(ctx context.Context, zoneID string, records []provider.DNSRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records[zoneID] = append(m.Records[zoneID], records...)
	return nil
}
