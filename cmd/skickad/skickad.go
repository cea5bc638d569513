package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/skicka/skicka/internal/config"
	"github.com/skicka/skicka/internal/connection"
	"github.com/skicka/skicka/internal/dao"
	"github.com/skicka/skicka/internal/dispatch"
	"github.com/skicka/skicka/internal/dnscheck"
	"github.com/skicka/skicka/internal/dnshost"
	"github.com/skicka/skicka/internal/provider"
	"github.com/skicka/skicka/internal/reconcile"
	"github.com/skicka/skicka/internal/vault"
	"github.com/skicka/skicka/internal/verify"
	"github.com/skicka/skicka/internal/web"
	"github.com/skicka/skicka/tools"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:   "skickad",
		Usage:  "a service provisioning sending domains and guarding email dispatch",
		Action: start,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Action: start,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type Stoppable interface {
	Stop(ctx context.Context) error
}

func start(c *cli.Context) error {
	l := log.New()
	l.AddHook(tools.LoggerWho{Name: "skickad"})
	lc := tools.LoggerCloner(l)

	cfg := config.Get()

	l.Infof("Starting server")

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		return err
	}

	v, err := vault.New(cfg.VaultKey)
	if err != nil {
		return err
	}

	api := provider.NewClient(cfg.ProviderBaseURL)

	dns := dnshost.New(dnshost.Config{
		BaseURL: cfg.DNSHostBaseURL,
		Token:   cfg.DNSHostToken,
	})

	check := dnscheck.New(dnscheck.Config{Resolver: cfg.DNSResolver}, lc)

	var verifier verify.Verifier = verify.AllowAll()
	if cfg.VerifyBaseURL != "" {
		verifier = verify.NewHTTP(cfg.VerifyBaseURL)
	}

	connections := connection.New(db, api, v, verifier, lc)
	domains := reconcile.NewDomains(db, api, dns, check, lc)
	senders := reconcile.NewSenders(db, api, lc)
	guard := dispatch.New(db, api, dispatch.Limits{
		Restricted: cfg.RestrictedDailyLimit,
		Standard:   cfg.StandardDailyLimit,
	}, lc)

	server := web.New(web.Config{
		Port:         cfg.APIPort,
		AutoTLS:      cfg.APIAutoTLS,
		AutoTLSHost:  cfg.APIAutoTLSHost,
		AutoTLSCache: cfg.APIAutoTLSCache,
	}, connections, domains, senders, guard, verifier, lc)
	server.Start()

	services := []Stoppable{server, connections, check}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	l.Infof("Got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("Failed to stop service")
			}
		}(service)
	}

	go func() {
		<-shutdownCtx.Done()
		l.WithError(shutdownCtx.Err()).Warn("Shutdown was forced, terminating now")
		os.Exit(1)
	}()

	wg.Wait()
	l.Infof("Shutdown complete")
	return nil
}
