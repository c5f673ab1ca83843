package sqlite

import (
	"github.com/prometheus/client_golang/prometheus"
)

const subSystem = "sqlite"

var (
	insertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "inserts_total",
			Help:      "total number of insert statements",
		},
	)
	insertSecondsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "insert_seconds_total",
			Help:      "total number of seconds spent on inserts",
		},
	)
	deletesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "deletes_total",
			Help:      "total number of delete statements",
		},
	)
	deleteSecondsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "delete_seconds_total",
			Help:      "total number of seconds spent on deletes",
		},
	)
	selectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "selects_total",
			Help:      "total number of select statements",
		},
	)
	selectSecondsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "select_seconds_total",
			Help:      "total number of seconds spent on selects",
		},
	)
)

func RegisterCollectors(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		insertsTotal,
		insertSecondsTotal,
		deletesTotal,
		deleteSecondsTotal,
		selectsTotal,
		selectSecondsTotal,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func RecordInsert(tookSeconds float64) {
	insertsTotal.Inc()
	insertSecondsTotal.Add(tookSeconds)
}

func RecordDelete(tookSeconds float64) {
	deletesTotal.Inc()
	deleteSecondsTotal.Add(tookSeconds)
}

func RecordSelect(tookSeconds float64) {
	selectsTotal.Inc()
	selectSecondsTotal.Add(tookSeconds)
}
