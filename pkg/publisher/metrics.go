package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
)

const subSystem = "publisher"

var (
	registeredSources = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "registered_sources_total",
			Help:      "tracks the number of registered metric sources",
		},
	)
	polls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "polls_total",
			Help:      "tracks the number of source polls (one per buffer swap)",
		},
	)
	forwardedDataSets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "forwarded_data_sets_total",
			Help:      "tracks the number of data sets forwarded to a subscriber",
		},
	)
	forwardedDataPoints = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "forwarded_data_points_total",
			Help:      "tracks the number of data points forwarded to a subscriber",
		},
	)
	unknownIDs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "unknown_ids_total",
			Help:      "tracks enable/disable requests for metric ids no source owns",
		},
		[]string{"op"},
	)
)

// RegisterCollectors registers the publisher's self-metrics.
func RegisterCollectors(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		registeredSources,
		polls,
		forwardedDataSets,
		forwardedDataPoints,
		unknownIDs,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
