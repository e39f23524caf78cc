package notary

import "github.com/prometheus/client_golang/prometheus"

var notarizeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "splitpay",
	Subsystem: "notary",
	Name:      "notarizations_total",
	Help:      "Notarization attempts by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(notarizeTotal)
}
