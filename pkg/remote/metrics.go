package remote

import (
	"github.com/prometheus/client_golang/prometheus"
)

const subSystem = "remote"

var (
	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "calls_total",
			Help:      "tracks the number of remote calls sent and dispatched",
		},
		[]string{"method", "direction"},
	)
	subscriberConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "subscriber_connections",
			Help:      "current number of live reverse subscriber connections",
		},
	)
	protocolViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "protocol_violations_total",
			Help:      "tracks the number of connections closed for breaking the protocol",
		},
	)
)

func RegisterCollectors(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		calls,
		subscriberConnections,
		protocolViolations,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
