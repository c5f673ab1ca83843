package gpuperf

import (
	"github.com/prometheus/client_golang/prometheus"
)

const subSystem = "gpuperf"

var (
	queriesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "queries_created_total",
			Help:      "tracks the number of hardware query handles created",
		},
	)
	queriesDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "queries_deleted_total",
			Help:      "tracks the number of hardware query handles deleted",
		},
	)
	notReadyReads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "not_ready_reads_total",
			Help:      "tracks non-blocking query reads whose result was not ready yet",
		},
	)
)

func RegisterCollectors(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		queriesCreated,
		queriesDeleted,
		notReadyReads,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
