package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/skicka/skicka"
	"github.com/skicka/skicka/internal/connection"
	"github.com/skicka/skicka/internal/dao"
	"github.com/skicka/skicka/internal/dispatch"
	"github.com/skicka/skicka/internal/reconcile"
	"github.com/skicka/skicka/internal/verify"
	"github.com/skicka/skicka/tools"
	"golang.org/x/crypto/acme/autocert"
)

type Config struct {
	Port int

	AutoTLS      bool
	AutoTLSHost  string
	AutoTLSCache string
}

type Server struct {
	cfg Config
	log *logrus.Logger
	e   *echo.Echo

	connections *connection.Service
	domains     *reconcile.Domains
	senders     *reconcile.Senders
	guard       *dispatch.Guard
	verifier    verify.Verifier
}

func New(cfg Config, connections *connection.Service, domains *reconcile.Domains,
	senders *reconcile.Senders, guard *dispatch.Guard, verifier verify.Verifier,
	lc *tools.Logger) *Server {

	return &Server{
		cfg:         cfg,
		log:         lc.New("web"),
		connections: connections,
		domains:     domains,
		senders:     senders,
		guard:       guard,
		verifier:    verifier,
	}
}

func (s *Server) Start() {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	prom := prometheus.NewPrometheus("skicka", nil)
	prom.Use(e)

	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})

	v1 := e.Group("/v1")

	v1.POST("/connection", s.connect)
	v1.DELETE("/connection", s.disconnect)
	v1.GET("/connection/status", s.connectionStatus)

	v1.GET("/domains", s.listDomains)
	v1.POST("/domains", s.addDomain)
	v1.GET("/domains/:name", s.getDomain)
	v1.POST("/domains/:name/verify", s.verifyDomain)
	v1.DELETE("/domains/:name", s.deleteDomain)

	v1.GET("/domains/:name/senders", s.listSenders)
	v1.POST("/domains/:name/senders", s.createSender)
	v1.DELETE("/domains/:name/senders/:id", s.deleteSender)

	v1.POST("/send", s.send)
	v1.POST("/send/from", s.sendFrom)

	s.e = e

	go func() {
		var err error
		if s.cfg.AutoTLS {
			e.AutoTLSManager.Cache = autocert.DirCache(s.cfg.AutoTLSCache)
			e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(s.cfg.AutoTLSHost)
			s.log.Infof("Starting webserver with auto tls on :443 for %s", s.cfg.AutoTLSHost)
			err = e.StartAutoTLS(":443")
		} else {
			s.log.Infof("Starting webserver on :%d", s.cfg.Port)
			err = e.Start(fmt.Sprintf(":%d", s.cfg.Port))
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Fatal("webserver died")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.e == nil {
		return nil
	}
	return s.e.Shutdown(ctx)
}

// conn resolves the callers connection and decrypts its provider key.
// Auth proper lives upstream, the account id arrives on a trusted header.
func (s *Server) conn(c echo.Context) (*dao.Connection, string, error) {
	accountID := c.Request().Header.Get("X-Account-Id")
	if accountID == "" {
		return nil, "", skicka.Forbiddenf("no account id was provided")
	}
	conn, err := s.connections.Get(c.Request().Context(), accountID)
	if err != nil {
		return nil, "", err
	}
	key, err := s.connections.APIKey(conn)
	if err != nil {
		return nil, "", err
	}
	return conn, key, nil
}

func (s *Server) gate(c echo.Context) error {
	accountID := c.Request().Header.Get("X-Account-Id")
	ok, err := s.verifier.IsVerified(c.Request().Context(), accountID)
	if err != nil {
		return fmt.Errorf("could not check account verification, %w", err)
	}
	if !ok {
		return skicka.Forbiddenf("account %s has not passed verification", accountID)
	}
	return nil
}

func (s *Server) respondErr(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	kind := skicka.KindOf(err)
	switch kind {
	case skicka.KindNotFound:
		status = http.StatusNotFound
	case skicka.KindForbidden:
		status = http.StatusForbidden
	case skicka.KindConflict:
		status = http.StatusConflict
	case skicka.KindValidation:
		status = http.StatusBadRequest
	case skicka.KindProviderUnavailable:
		status = http.StatusBadGateway
	default:
		if errors.Is(err, dao.ErrNotFound) {
			status = http.StatusNotFound
			kind = skicka.KindNotFound
		}
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("internal error")
		return c.JSON(status, map[string]string{"error": "internal error", "kind": kind.String()})
	}
	return c.JSON(status, map[string]string{"error": err.Error(), "kind": kind.String()})
}
