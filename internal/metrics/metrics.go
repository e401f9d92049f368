package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BidsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_bids_accepted_total",
		Help: "Bids accepted by the processor.",
	})

	BidsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_bids_rejected_total",
		Help: "Bids rejected by the processor, by reason code.",
	}, []string{"reason"})

	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_lock_contention_total",
		Help: "Bid deliveries that found the auction lock held.",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "Websocket connections currently registered.",
	})

	AdmissionDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_admission_denied_total",
		Help: "Connections denied by the admission controller, by stage.",
	}, []string{"stage"})

	AuctionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auction_lifecycle_ended_total",
		Help: "Auctions transitioned to ENDED by the lifecycle ticker.",
	})
)
