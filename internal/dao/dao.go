package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
)

var ErrNotFound = errors.New("not found")

// ErrConflict surfaces a unique constraint violation, eg two concurrent
// adds racing on the same domain name. The loser is expected to fall back
// to the adopt-existing branch.
var ErrConflict = errors.New("conflict")

type DAO interface {
	CreateConnection(c *Connection) error
	GetConnectionByAccount(accountID string) (*Connection, error)
	GetConnection(id string) (*Connection, error)
	UpdateConnectionStatus(id string, status ConnectionStatus) error
	ArchiveConnection(id string) error

	UpsertDomain(d *Domain) (*Domain, error)
	GetDomain(id string) (*Domain, error)
	GetDomainByName(connectionID, name string) (*Domain, error)
	ListDomains(connectionID string) ([]Domain, error)
	UpdateDomain(d *Domain) error
	ArchiveDomain(id string) error

	UpsertSender(s *Sender) (*Sender, error)
	GetSender(id string) (*Sender, error)
	GetSenderByEmail(domainID, email string) (*Sender, error)
	ListSenders(domainID string) ([]Sender, error)
	UpdateSender(s *Sender) error
	ArchiveSender(id string) error

	AppendSendLog(l *SendLog) error
	CountSendsSince(connectionID string, since time.Time) (int, error)
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	db   *sqlx.DB
	path string
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w, %v", ErrNotFound, err)
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w, %v", ErrConflict, err)
	}
	return err
}

func (s *sqlite) CreateConnection(c *Connection) error {
	if c.ID == "" {
		c.ID = xid.New().String()
	}
	now := time.Now().In(time.UTC)
	c.CreatedAt = now
	c.UpdatedAt = now

	q := `
	INSERT INTO connection (id, account_id, api_key_cipher, api_key_iv, api_key_tag, status, tier, archived, created_at, updated_at)
	VALUES (:id, :account_id, :api_key_cipher, :api_key_iv, :api_key_tag, :status, :tier, 0, :created_at, :updated_at)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(q, c)
	return mapErr(err)
}

func (s *sqlite) GetConnectionByAccount(accountID string) (*Connection, error) {
	q := `SELECT * FROM connection WHERE account_id = ? AND archived = 0`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var c Connection
	err = db.Get(&c, q, accountID)
	return &c, mapErr(err)
}

func (s *sqlite) GetConnection(id string) (*Connection, error) {
	q := `SELECT * FROM connection WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var c Connection
	err = db.Get(&c, q, id)
	return &c, mapErr(err)
}

func (s *sqlite) UpdateConnectionStatus(id string, status ConnectionStatus) error {
	q := `UPDATE connection SET status = ?, updated_at = ? WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.Exec(q, status, time.Now().In(time.UTC), id)
	if err != nil {
		return mapErr(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("connection %s, %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqlite) ArchiveConnection(id string) error {
	q := `
	UPDATE connection
	SET archived = 1, archived_at = ?, status = ?, updated_at = ?
	WHERE id = ? AND archived = 0
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	now := time.Now().In(time.UTC)
	res, err := db.Exec(q, now, ConnectionStatusDisconnected, now, id)
	if err != nil {
		return mapErr(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("connection %s, %w", id, ErrNotFound)
	}
	return nil
}

// UpsertDomain inserts if no live row occupies (connection_id, domain_name)
// and otherwise returns the existing row untouched. Archived rows do not
// occupy the slot, re-adding an archived name creates a fresh row.
func (s *sqlite) UpsertDomain(d *Domain) (res *Domain, err error) {
	if d.ID == "" {
		d.ID = xid.New().String()
	}
	now := time.Now().In(time.UTC)
	d.CreatedAt = now
	d.UpdatedAt = now

	q1 := `
	INSERT INTO domain (id, connection_id, domain_name, provider_id, zone_id, dns_mode, status,
	                    dkim_verified, spf_verified, dmarc_verified, dns_records, nameservers,
	                    last_checked_at, archived, created_at, updated_at)
	VALUES (:id, :connection_id, :domain_name, :provider_id, :zone_id, :dns_mode, :status,
	        :dkim_verified, :spf_verified, :dmarc_verified, :dns_records, :nameservers,
	        :last_checked_at, 0, :created_at, :updated_at)
	ON CONFLICT (connection_id, domain_name) WHERE archived = 0 DO NOTHING
	`
	q2 := `SELECT * FROM domain WHERE connection_id = ? AND domain_name = ? AND archived = 0`

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	_, err = tx.NamedExec(q1, d)
	if err != nil {
		return nil, mapErr(err)
	}

	var existing Domain
	err = tx.Get(&existing, q2, d.ConnectionID, d.DomainName)
	if err != nil {
		return nil, mapErr(err)
	}
	return &existing, nil
}

func (s *sqlite) GetDomain(id string) (*Domain, error) {
	q := `SELECT * FROM domain WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var d Domain
	err = db.Get(&d, q, id)
	return &d, mapErr(err)
}

func (s *sqlite) GetDomainByName(connectionID, name string) (*Domain, error) {
	q := `SELECT * FROM domain WHERE connection_id = ? AND domain_name = ? AND archived = 0`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var d Domain
	err = db.Get(&d, q, connectionID, name)
	return &d, mapErr(err)
}

func (s *sqlite) ListDomains(connectionID string) ([]Domain, error) {
	q := `SELECT * FROM domain WHERE connection_id = ? AND archived = 0 ORDER BY domain_name`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var domains []Domain
	err = db.Select(&domains, q, connectionID)
	return domains, mapErr(err)
}

func (s *sqlite) UpdateDomain(d *Domain) error {
	d.UpdatedAt = time.Now().In(time.UTC)
	q := `
	UPDATE domain
	SET provider_id = :provider_id, zone_id = :zone_id, dns_mode = :dns_mode, status = :status,
	    dkim_verified = :dkim_verified, spf_verified = :spf_verified, dmarc_verified = :dmarc_verified,
	    dns_records = :dns_records, nameservers = :nameservers, last_checked_at = :last_checked_at,
	    updated_at = :updated_at
	WHERE id = :id
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.NamedExec(q, d)
	if err != nil {
		return mapErr(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("domain %s, %w", d.ID, ErrNotFound)
	}
	return nil
}

func (s *sqlite) ArchiveDomain(id string) error {
	q := `UPDATE domain SET archived = 1, archived_at = ?, updated_at = ? WHERE id = ? AND archived = 0`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	now := time.Now().In(time.UTC)
	res, err := db.Exec(q, now, now, id)
	if err != nil {
		return mapErr(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("domain %s, %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqlite) UpsertSender(sender *Sender) (res *Sender, err error) {
	if sender.ID == "" {
		sender.ID = xid.New().String()
	}
	now := time.Now().In(time.UTC)
	sender.CreatedAt = now
	sender.UpdatedAt = now

	q1 := `
	INSERT INTO sender (id, domain_id, email, provider_id, is_verified, disabled, disabled_reason,
	                    complaint_count, archived, created_at, updated_at)
	VALUES (:id, :domain_id, :email, :provider_id, :is_verified, :disabled, :disabled_reason,
	        :complaint_count, 0, :created_at, :updated_at)
	ON CONFLICT (domain_id, email) WHERE archived = 0 DO NOTHING
	`
	q2 := `SELECT * FROM sender WHERE domain_id = ? AND email = ? AND archived = 0`

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	_, err = tx.NamedExec(q1, sender)
	if err != nil {
		return nil, mapErr(err)
	}

	var existing Sender
	err = tx.Get(&existing, q2, sender.DomainID, sender.Email)
	if err != nil {
		return nil, mapErr(err)
	}
	return &existing, nil
}

func (s *sqlite) GetSender(id string) (*Sender, error) {
	q := `SELECT * FROM sender WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var sender Sender
	err = db.Get(&sender, q, id)
	return &sender, mapErr(err)
}

func (s *sqlite) GetSenderByEmail(domainID, email string) (*Sender, error) {
	q := `SELECT * FROM sender WHERE domain_id = ? AND email = ? AND archived = 0`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var sender Sender
	err = db.Get(&sender, q, domainID, email)
	return &sender, mapErr(err)
}

func (s *sqlite) ListSenders(domainID string) ([]Sender, error) {
	q := `SELECT * FROM sender WHERE domain_id = ? AND archived = 0 ORDER BY email`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var senders []Sender
	err = db.Select(&senders, q, domainID)
	return senders, mapErr(err)
}

func (s *sqlite) UpdateSender(sender *Sender) error {
	sender.UpdatedAt = time.Now().In(time.UTC)
	q := `
	UPDATE sender
	SET provider_id = :provider_id, is_verified = :is_verified, disabled = :disabled,
	    disabled_reason = :disabled_reason, complaint_count = :complaint_count, updated_at = :updated_at
	WHERE id = :id
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.NamedExec(q, sender)
	if err != nil {
		return mapErr(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("sender %s, %w", sender.ID, ErrNotFound)
	}
	return nil
}

func (s *sqlite) ArchiveSender(id string) error {
	q := `UPDATE sender SET archived = 1, archived_at = ?, updated_at = ? WHERE id = ? AND archived = 0`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	now := time.Now().In(time.UTC)
	res, err := db.Exec(q, now, now, id)
	if err != nil {
		return mapErr(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("sender %s, %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqlite) AppendSendLog(l *SendLog) error {
	if l.ID == "" {
		l.ID = xid.New().String()
	}
	l.CreatedAt = time.Now().In(time.UTC)

	q := `
	INSERT INTO send_log (id, connection_id, sender_id, recipient, subject, outcome,
	                      provider_message_id, error, caller_ip, created_at)
	VALUES (:id, :connection_id, :sender_id, :recipient, :subject, :outcome,
	        :provider_message_id, :error, :caller_ip, :created_at)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(q, l)
	return mapErr(err)
}

func (s *sqlite) CountSendsSince(connectionID string, since time.Time) (int, error) {
	q := `SELECT COUNT(*) FROM send_log WHERE connection_id = ? AND created_at >= ?`
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var count int
	err = db.Get(&count, q, connectionID, since.In(time.UTC))
	return count, mapErr(err)
}

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma foreign_keys = on;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *sqlite) getDB() (*sqlx.DB, error) {
	var err error
	for s.db == nil || s.db.Ping() != nil {
		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}
		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}
	return s.db, nil
}

func (s *sqlite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}

func (s *sqlite) ensureSchema() error {
	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	// soft deleted rows stay for audit but give up their uniqueness slot,
	// hence the partial unique indexes over archived = 0
	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS connection (
	    id         TEXT PRIMARY KEY,
	    account_id TEXT NOT NULL,

	    api_key_cipher TEXT NOT NULL,
	    api_key_iv     TEXT NOT NULL,
	    api_key_tag    TEXT NOT NULL,

	    status TEXT NOT NULL DEFAULT 'active',   -- active, invalid, disconnected
	    tier   TEXT NOT NULL DEFAULT 'restricted', -- restricted, standard

	    archived    INT NOT NULL DEFAULT 0,
	    archived_at DATETIME,
	    created_at  DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    updated_at  DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_connection_account
	    ON connection(account_id) WHERE archived = 0;

	CREATE TABLE IF NOT EXISTS domain (
	    id            TEXT PRIMARY KEY,
	    connection_id TEXT NOT NULL REFERENCES connection(id),
	    domain_name   TEXT NOT NULL,

	    provider_id TEXT NOT NULL DEFAULT '',
	    zone_id     TEXT NOT NULL DEFAULT '',

	    dns_mode TEXT NOT NULL DEFAULT 'manual',      -- manual, host-managed
	    status   TEXT NOT NULL DEFAULT 'pending_dns', -- pending_dns, verifying, verified, failed

	    dkim_verified  INT NOT NULL DEFAULT 0,
	    spf_verified   INT NOT NULL DEFAULT 0,
	    dmarc_verified INT NOT NULL DEFAULT 0,

	    dns_records TEXT NOT NULL DEFAULT '[]',
	    nameservers TEXT NOT NULL DEFAULT '',

	    last_checked_at DATETIME,

	    archived    INT NOT NULL DEFAULT 0,
	    archived_at DATETIME,
	    created_at  DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    updated_at  DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_domain_name
	    ON domain(connection_id, domain_name) WHERE archived = 0;

	CREATE TABLE IF NOT EXISTS sender (
	    id        TEXT PRIMARY KEY,
	    domain_id TEXT NOT NULL REFERENCES domain(id),
	    email     TEXT NOT NULL,

	    provider_id INT NOT NULL DEFAULT 0,

	    is_verified     INT NOT NULL DEFAULT 0,
	    disabled        INT NOT NULL DEFAULT 0,
	    disabled_reason TEXT NOT NULL DEFAULT '',
	    complaint_count INT NOT NULL DEFAULT 0,

	    archived    INT NOT NULL DEFAULT 0,
	    archived_at DATETIME,
	    created_at  DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	    updated_at  DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sender_email
	    ON sender(domain_id, email) WHERE archived = 0;

	CREATE TABLE IF NOT EXISTS send_log (
	    id            TEXT PRIMARY KEY,
	    connection_id TEXT NOT NULL REFERENCES connection(id),
	    sender_id     TEXT NOT NULL REFERENCES sender(id),

	    recipient TEXT NOT NULL,
	    subject   TEXT NOT NULL,

	    outcome             TEXT NOT NULL, -- success, failed
	    provider_message_id TEXT NOT NULL DEFAULT '',
	    error               TEXT NOT NULL DEFAULT '',

	    caller_ip  TEXT NOT NULL DEFAULT '',
	    created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	CREATE INDEX IF NOT EXISTS idx_send_log_daily ON send_log(connection_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}
	return nil
}
