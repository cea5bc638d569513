package dao

import (
	"strings"
	"time"
)

type ConnectionStatus string

const ConnectionStatusActive ConnectionStatus = "active"
const ConnectionStatusInvalid ConnectionStatus = "invalid"
const ConnectionStatusDisconnected ConnectionStatus = "disconnected"

type Tier string

const TierRestricted Tier = "restricted"
const TierStandard Tier = "standard"

type DomainStatus string

const DomainStatusPendingDNS DomainStatus = "pending_dns"
const DomainStatusVerifying DomainStatus = "verifying"
const DomainStatusVerified DomainStatus = "verified"
const DomainStatusFailed DomainStatus = "failed"

type DNSMode string

const DNSModeManual DNSMode = "manual"
const DNSModeHostManaged DNSMode = "host-managed"

type SendOutcome string

const SendOutcomeSuccess SendOutcome = "success"
const SendOutcomeFailed SendOutcome = "failed"

// Connection is the per account credential and policy record linking an
// account to the external delivery provider. The api key is sealed with
// AES-GCM, ciphertext, iv and tag live in their own columns.
type Connection struct {
	ID        string `db:"id"`
	AccountID string `db:"account_id"`

	APIKeyCipher string `db:"api_key_cipher"`
	APIKeyIV     string `db:"api_key_iv"`
	APIKeyTag    string `db:"api_key_tag"`

	Status ConnectionStatus `db:"status"`
	Tier   Tier             `db:"tier"`

	Archived   bool       `db:"archived"`
	ArchivedAt *time.Time `db:"archived_at"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

type Domain struct {
	ID           string `db:"id"`
	ConnectionID string `db:"connection_id"`
	DomainName   string `db:"domain_name"`

	ProviderID string `db:"provider_id"`
	ZoneID     string `db:"zone_id"`

	DNSMode DNSMode      `db:"dns_mode"`
	Status  DomainStatus `db:"status"`

	DKIMVerified  bool `db:"dkim_verified"`
	SPFVerified   bool `db:"spf_verified"`
	DMARCVerified bool `db:"dmarc_verified"`

	// normalized provider dns records, json encoded
	DNSRecords string `db:"dns_records"`
	// space joined list of the dns hosts nameservers, if host managed
	Nameservers string `db:"nameservers"`

	LastCheckedAt *time.Time `db:"last_checked_at"`

	Archived   bool       `db:"archived"`
	ArchivedAt *time.Time `db:"archived_at"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

func (d *Domain) NameserverList() []string {
	if len(d.Nameservers) == 0 {
		return nil
	}
	return strings.Split(d.Nameservers, " ")
}

func (d *Domain) SetNameserverList(ns []string) {
	d.Nameservers = strings.Join(ns, " ")
}

type Sender struct {
	ID       string `db:"id"`
	DomainID string `db:"domain_id"`
	Email    string `db:"email"`

	ProviderID int64 `db:"provider_id"`

	IsVerified     bool   `db:"is_verified"`
	Disabled       bool   `db:"disabled"`
	DisabledReason string `db:"disabled_reason"`
	ComplaintCount int    `db:"complaint_count"`

	Archived   bool       `db:"archived"`
	ArchivedAt *time.Time `db:"archived_at"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

// SendLog is append only, one row per dispatch attempt. Rows are never
// mutated and never deleted, they are the audit trail and the basis for
// the rolling daily quota.
type SendLog struct {
	ID           string `db:"id"`
	ConnectionID string `db:"connection_id"`
	SenderID     string `db:"sender_id"`

	Recipient string `db:"recipient"`
	Subject   string `db:"subject"`

	Outcome           SendOutcome `db:"outcome"`
	ProviderMessageID string      `db:"provider_message_id"`
	Error             string      `db:"error"`

	CallerIP  string    `db:"caller_ip"`
	CreatedAt time.Time `db:"created_at"`
}
