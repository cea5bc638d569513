package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var DomainsAdopted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "skicka_reconcile_domains_adopted_total",
	Help: "Provider side domains adopted into the local store during sync",
})

var DomainsDrifted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "skicka_reconcile_domains_drifted_total",
	Help: "Local domains whose status drifted from provider state and were updated",
})

var SendersAdopted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "skicka_reconcile_senders_adopted_total",
	Help: "Provider side senders adopted into the local store during sync",
})

var Sends = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skicka_sends_total",
	Help: "Dispatch attempts by outcome",
}, []string{"outcome"})

var QuotaRejections = promauto.NewCounter(prometheus.CounterOpts{
	Name: "skicka_quota_rejections_total",
	Help: "Dispatch attempts rejected by the daily quota",
})
