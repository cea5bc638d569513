package connection

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
	"github.com/skicka/skicka"
	"github.com/skicka/skicka/internal/dao"
	"github.com/skicka/skicka/internal/provider"
	"github.com/skicka/skicka/internal/vault"
	"github.com/skicka/skicka/internal/verify"
	"github.com/skicka/skicka/tools"
)

// Service owns the connection lifecycle and the credential custody around
// it. The plaintext api key only ever exists on demand, in memory.
type Service struct {
	dao      dao.DAO
	api      provider.API
	vault    *vault.Vault
	verifier verify.Verifier
	log      *logrus.Logger

	// decrypted keys, short ttl, saves a decrypt per request
	keys *ttlcache.Cache[string, string]
}

func New(db dao.DAO, api provider.API, v *vault.Vault, verifier verify.Verifier, lc *tools.Logger) *Service {
	s := &Service{
		dao:      db,
		api:      api,
		vault:    v,
		verifier: verifier,
		log:      lc.New("connection"),
		keys: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](time.Minute),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
	go s.keys.Start()
	return s
}

func (s *Service) Stop(ctx context.Context) error {
	s.keys.Stop()
	return nil
}

// Connect validates the key against the provider before anything is
// persisted, then seals it. One live connection per account.
func (s *Service) Connect(ctx context.Context, accountID, apiKey string) (*dao.Connection, error) {
	ok, err := s.verifier.IsVerified(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, skicka.Forbiddenf("account %s has not passed verification", accountID)
	}

	_, err = s.dao.GetConnectionByAccount(accountID)
	if err == nil {
		return nil, skicka.Conflictf("account %s already has a connection", accountID)
	}
	if !errors.Is(err, dao.ErrNotFound) {
		return nil, err
	}

	_, err = s.api.GetAccount(ctx, apiKey)
	if err != nil {
		if provider.IsUnavailable(err) {
			return nil, skicka.Wrap(skicka.KindProviderUnavailable, err, "provider could not validate api key")
		}
		return nil, skicka.Wrap(skicka.KindValidation, err, "provider rejected api key")
	}

	sealed, err := s.vault.Encrypt(apiKey)
	if err != nil {
		return nil, err
	}

	conn := &dao.Connection{
		AccountID:    accountID,
		APIKeyCipher: sealed.Ciphertext,
		APIKeyIV:     sealed.IV,
		APIKeyTag:    sealed.Tag,
		Status:       dao.ConnectionStatusActive,
		Tier:         dao.TierRestricted,
	}
	err = s.dao.CreateConnection(conn)
	if errors.Is(err, dao.ErrConflict) {
		return nil, skicka.Conflictf("account %s already has a connection", accountID)
	}
	if err != nil {
		return nil, err
	}

	s.log.WithField("account", accountID).Info("connected")
	return conn, nil
}

// Disconnect archives, it never deletes, send logs and domain history stay
// attributable.
func (s *Service) Disconnect(ctx context.Context, accountID string) error {
	conn, err := s.Get(ctx, accountID)
	if err != nil {
		return err
	}
	s.keys.Delete(conn.ID)
	err = s.dao.ArchiveConnection(conn.ID)
	if err != nil {
		return err
	}
	s.log.WithField("account", accountID).Info("disconnected")
	return nil
}

func (s *Service) Get(ctx context.Context, accountID string) (*dao.Connection, error) {
	conn, err := s.dao.GetConnectionByAccount(accountID)
	if errors.Is(err, dao.ErrNotFound) {
		return nil, skicka.NotFoundf("account %s has no connection", accountID)
	}
	return conn, err
}

// APIKey decrypts the connections provider key on demand. The plaintext
// is never persisted and never logged.
func (s *Service) APIKey(conn *dao.Connection) (string, error) {
	item := s.keys.Get(conn.ID)
	if item != nil {
		return item.Value(), nil
	}

	key, err := s.vault.Decrypt(vault.Sealed{
		Ciphertext: conn.APIKeyCipher,
		IV:         conn.APIKeyIV,
		Tag:        conn.APIKeyTag,
	})
	if err != nil {
		return "", err
	}
	s.keys.Set(conn.ID, key, ttlcache.DefaultTTL)
	return key, nil
}

// Status is the read-through live view surfaced to the ui, provider plan
// and daily usage next to the local quota bookkeeping. It is never cached.
type Status struct {
	Status dao.ConnectionStatus `json:"status"`
	Tier   dao.Tier             `json:"tier"`

	ProviderPlan      string `json:"providerPlan"`
	ProviderRequests  int64  `json:"providerRequests"`
	ProviderDelivered int64  `json:"providerDelivered"`
}

func (s *Service) Status(ctx context.Context, accountID string) (*Status, error) {
	conn, err := s.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	key, err := s.APIKey(conn)
	if err != nil {
		return nil, err
	}

	account, err := s.api.GetAccount(ctx, key)
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) && perr.StatusCode == http.StatusUnauthorized {
			// the key stopped working remotely, note it on the connection
			uerr := s.dao.UpdateConnectionStatus(conn.ID, dao.ConnectionStatusInvalid)
			if uerr != nil {
				s.log.WithError(uerr).Error("status; could not mark connection invalid")
			}
			return nil, skicka.Wrap(skicka.KindValidation, err, "provider rejected the stored api key")
		}
		return nil, skicka.Wrap(skicka.KindProviderUnavailable, err, "provider status is unavailable")
	}

	status := &Status{
		Status: conn.Status,
		Tier:   conn.Tier,
	}
	if len(account.Plan) > 0 {
		status.ProviderPlan = account.Plan[0].Type
	}

	usage, err := s.api.GetUsage(ctx, key)
	if err != nil {
		return nil, skicka.Wrap(skicka.KindProviderUnavailable, err, "provider usage is unavailable")
	}
	status.ProviderRequests = usage.Requests
	status.ProviderDelivered = usage.Delivered

	return status, nil
}
