package didauth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ssi_relay",
	Name:      "auth_rejections_total",
	Help:      "Requests rejected by DID authentication, by reason.",
}, []string{"reason"})
