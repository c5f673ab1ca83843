package recorder

import (
	"github.com/prometheus/client_golang/prometheus"
)

const subSystem = "recorder"

var (
	recordedPoints = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "recorded_data_points_total",
			Help:      "total number of data points written to the store",
		},
	)
	droppedPoints = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "dropped_data_points_total",
			Help:      "total number of data points dropped because the buffer was full",
		},
	)
	dbSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "db_size_bytes",
			Help:      "size of the recording database in bytes",
		},
	)
)

func RegisterCollectors(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		recordedPoints,
		droppedPoints,
		dbSizeBytes,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
