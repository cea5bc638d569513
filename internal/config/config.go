package config

import (
	"log"
	"sync"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	DbURI string `env:"SKICKA_DB_URI" envDefault:"./skicka.sqlite"`

	// 32 byte hex encoded key used to seal provider api keys at rest
	VaultKey string `env:"SKICKA_VAULT_KEY"`

	ProviderBaseURL string `env:"SKICKA_PROVIDER_BASE_URL" envDefault:"https://api.brevo.com/v3"`

	DNSHostBaseURL string `env:"SKICKA_DNS_HOST_BASE_URL"`
	DNSHostToken   string `env:"SKICKA_DNS_HOST_TOKEN"`

	DNSResolver string `env:"SKICKA_DNS_RESOLVER" envDefault:"1.1.1.1:53"`

	APIPort         int    `env:"SKICKA_API_PORT" envDefault:"8080"`
	APIAutoTLS      bool   `env:"SKICKA_API_AUTO_TLS" envDefault:"false"`
	APIAutoTLSHost  string `env:"SKICKA_API_AUTO_TLS_HOST"`
	APIAutoTLSCache string `env:"SKICKA_API_AUTO_TLS_CACHE" envDefault:"./autotls"`

	// daily dispatch quotas per sending tier
	RestrictedDailyLimit int `env:"SKICKA_RESTRICTED_DAILY_LIMIT" envDefault:"100"`
	StandardDailyLimit   int `env:"SKICKA_STANDARD_DAILY_LIMIT" envDefault:"10000"`

	VerifyBaseURL string `env:"SKICKA_VERIFY_BASE_URL"` // user verification collaborator, empty means allow all
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		cfg = Config{}
		if err := env.Parse(&cfg); err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}
