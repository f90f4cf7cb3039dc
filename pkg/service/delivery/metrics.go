package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ssi_relay",
		Name:      "deliveries_submitted_total",
		Help:      "Deliverables enqueued for their owner.",
	}, []string{"kind"})
	claimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ssi_relay",
		Name:      "deliveries_claimed_total",
		Help:      "Deliverables moved from pending to processing.",
	}, []string{"kind"})
	confirmedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ssi_relay",
		Name:      "deliveries_confirmed_total",
		Help:      "Deliverables confirmed by their owner.",
	}, []string{"kind"})
	reclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ssi_relay",
		Name:      "deliveries_reclaimed_total",
		Help:      "Deliverables returned to pending after a stuck claim.",
	}, []string{"kind"})
)
