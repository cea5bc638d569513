package web

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/modfin/henry/slicez"
	"github.com/skicka/skicka"
	"github.com/skicka/skicka/internal/dao"
	"github.com/skicka/skicka/internal/provider"
	"github.com/skicka/skicka/internal/reconcile"
)

// writeCtx detaches a write path from the request, an in flight provider
// call is allowed to complete so the local store is not left half updated
// when the caller disconnects.
func writeCtx(c echo.Context) context.Context {
	return context.WithoutCancel(c.Request().Context())
}

type connectionView struct {
	ID     string               `json:"id"`
	Status dao.ConnectionStatus `json:"status"`
	Tier   dao.Tier             `json:"tier"`
}

func viewConnection(conn *dao.Connection) connectionView {
	return connectionView{ID: conn.ID, Status: conn.Status, Tier: conn.Tier}
}

type domainView struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Status        dao.DomainStatus     `json:"status"`
	DNSMode       dao.DNSMode          `json:"dnsMode"`
	DKIMVerified  bool                 `json:"dkimVerified"`
	SPFVerified   bool                 `json:"spfVerified"`
	DMARCVerified bool                 `json:"dmarcVerified"`
	Records       []provider.DNSRecord `json:"records"`
	Nameservers   []string             `json:"nameservers,omitempty"`
	LastCheckedAt *time.Time           `json:"lastCheckedAt,omitempty"`
}

func viewDomain(d *dao.Domain) domainView {
	return domainView{
		ID:            d.ID,
		Name:          d.DomainName,
		Status:        d.Status,
		DNSMode:       d.DNSMode,
		DKIMVerified:  d.DKIMVerified,
		SPFVerified:   d.SPFVerified,
		DMARCVerified: d.DMARCVerified,
		Records:       reconcile.DecodeRecords(d.DNSRecords),
		Nameservers:   d.NameserverList(),
		LastCheckedAt: d.LastCheckedAt,
	}
}

type senderView struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	IsVerified bool   `json:"isVerified"`
	Disabled   bool   `json:"disabled"`
}

func viewSender(s *dao.Sender) senderView {
	return senderView{ID: s.ID, Email: s.Email, IsVerified: s.IsVerified, Disabled: s.Disabled}
}

func (s *Server) connect(c echo.Context) error {
	var req struct {
		APIKey string `json:"api_key"`
	}
	err := c.Bind(&req)
	if err != nil || req.APIKey == "" {
		return s.respondErr(c, skicka.Validationf("an api key must be provided"))
	}

	accountID := c.Request().Header.Get("X-Account-Id")
	conn, err := s.connections.Connect(writeCtx(c), accountID, req.APIKey)
	if err != nil {
		return s.respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, viewConnection(conn))
}

func (s *Server) disconnect(c echo.Context) error {
	accountID := c.Request().Header.Get("X-Account-Id")
	err := s.connections.Disconnect(writeCtx(c), accountID)
	if err != nil {
		return s.respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) connectionStatus(c echo.Context) error {
	accountID := c.Request().Header.Get("X-Account-Id")
	status, err := s.connections.Status(c.Request().Context(), accountID)
	if err != nil {
		return s.respondErr(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) listDomains(c echo.Context) error {
	conn, key, err := s.conn(c)
	if err != nil {
		return s.respondErr(c, err)
	}
	domains, err := s.domains.List(c.Request().Context(), conn, key)
	if err != nil {
		return s.respondErr(c, err)
	}
	// piggyback sender reconciliation on the domain listing, best effort
	err = s.senders.SyncAll(c.Request().Context(), key, domains)
	if err != nil {
		s.log.WithError(err).Warn("could not sync senders")
	}
	views := slicez.Map(domains, func(d dao.Domain) domainView {
		return viewDomain(&d)
	})
	return c.JSON(http.StatusOK, map[string]any{"domains": views})
}

func (s *Server) addDomain(c echo.Context) error {
	err := s.gate(c)
	if err != nil {
		return s.respondErr(c, err)
	}
	conn, key, err := s.conn(c)
	if err != nil {
		return s.respondErr(c, err)
	}

	var req struct {
		Name    string `json:"name"`
		AutoDNS bool   `json:"auto_dns"`
	}
	err = c.Bind(&req)
	if err != nil {
		return s.respondErr(c, skicka.Validationf("could not parse request body"))
	}

	domain, err := s.domains.Add(writeCtx(c), conn, key, req.Name, reconcile.AddOptions{AutoDNS: req.AutoDNS})
	if err != nil {
		return s.respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, viewDomain(domain))
}

func (s *Server) getDomain(c echo.Context) error {
	conn, key, err := s.conn(c)
	if err != nil {
		return s.respondErr(c, err)
	}
	domain, err := s.domains.Get(c.Request().Context(), conn, key, c.Param("name"))
	if err != nil {
		return s.respondErr(c, err)
	}
	return c.JSON(http.StatusOK, viewDomain(domain))
}

func (s *Server) verifyDomain(c echo.Context) error {
	conn, key, err := s.conn(c)
	if err != nil {
		return s.respondErr(c, err)
	}
	domain, err := s.domains.Verify(writeCtx(c), conn, key, c.Param("name"))
	if err != nil {
		return s.respondErr(c, err)
	}
	return c.JSON(http.StatusOK, viewDomain(domain))
}

func (s *Server) deleteDomain(c echo.Context) error {
	conn, key, err := s.conn(c)
	if err != nil {
		return s.respondErr(c, err)
	}
	err = s.domains.Delete(writeCtx(c), conn, key, c.Param("name"))
	if err != nil {
		return s.respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listSenders(c echo.Context) error {
	conn, key, err := s.conn(c)
	if err != nil {
		return s.respondErr(c, err)
	}
	domain, err := s.domains.Get(c.Request().Context(), conn, key, c.Param("name"))
	if err != nil {
		return s.respondErr(c, err)
	}
	senders, err := s.senders.List(c.Request().Context(), domain, key)
	if err != nil {
		return s.respondErr(c, err)
	}
	views := slicez.Map(senders, func(sn dao.Sender) senderView {
		return viewSender(&sn)
	})
	return c.JSON(http.StatusOK, map[string]any{"senders": views})
}

func (s *Server) createSender(c echo.Context) error {
	err := s.gate(c)
	if err != nil {
		return s.respondErr(c, err)
	}
	conn, key, err := s.conn(c)
	if err != nil {
		return s.respondErr(c, err)
	}
	domain, err := s.domains.Get(c.Request().Context(), conn, key, c.Param("name"))
	if err != nil {
		return s.respondErr(c, err)
	}

	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	err = c.Bind(&req)
	if err != nil || req.Email == "" {
		return s.respondErr(c, skicka.Validationf("a sender email must be provided"))
	}

	sender, err := s.senders.Create(writeCtx(c), domain, key, req.Email, req.Name)
	if err != nil {
		return s.respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, viewSender(sender))
}

func (s *Server) deleteSender(c echo.Context) error {
	conn, key, err := s.conn(c)
	if err != nil {
		return s.respondErr(c, err)
	}
	domain, err := s.domains.Get(c.Request().Context(), conn, key, c.Param("name"))
	if err != nil {
		return s.respondErr(c, err)
	}
	err = s.senders.Delete(writeCtx(c), domain, key, c.Param("id"))
	if err != nil {
		return s.respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type sendRequest struct {
	SenderID string           `json:"sender_id"`
	From     string           `json:"from"`
	To       []skicka.Address `json:"to"`
	Subject  string           `json:"subject"`
	HTML     string           `json:"html"`
	Text     string           `json:"text"`
}

func (r *sendRequest) email() (*skicka.Email, error) {
	if len(r.To) == 0 {
		return nil, skicka.Validationf("at least one recipient must be provided")
	}
	if r.Subject == "" {
		return nil, skicka.Validationf("a subject must be provided")
	}
	if r.HTML == "" && r.Text == "" {
		return nil, skicka.Validationf("content of the email must be provided")
	}
	return &skicka.Email{
		To:      r.To,
		Subject: r.Subject,
		HTML:    r.HTML,
		Text:    r.Text,
	}, nil
}

func (s *Server) send(c echo.Context) error {
	conn, key, err := s.conn(c)
	if err != nil {
		return s.respondErr(c, err)
	}

	var req sendRequest
	err = c.Bind(&req)
	if err != nil || req.SenderID == "" {
		return s.respondErr(c, skicka.Validationf("a sender id must be provided"))
	}
	email, err := req.email()
	if err != nil {
		return s.respondErr(c, err)
	}

	messageID, err := s.guard.Send(writeCtx(c), conn, key, req.SenderID, email, c.RealIP())
	if err != nil {
		return s.respondErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message_id": messageID})
}

func (s *Server) sendFrom(c echo.Context) error {
	conn, key, err := s.conn(c)
	if err != nil {
		return s.respondErr(c, err)
	}

	var req sendRequest
	err = c.Bind(&req)
	if err != nil || req.From == "" {
		return s.respondErr(c, skicka.Validationf("a from address must be provided"))
	}
	email, err := req.email()
	if err != nil {
		return s.respondErr(c, err)
	}

	messageID, err := s.guard.SendFromAddress(writeCtx(c), conn, key, req.From, email, c.RealIP())
	if err != nil {
		return s.respondErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message_id": messageID})
}
