package wire

import (
	"github.com/prometheus/client_golang/prometheus"
)

const subSystem = "wire"

var (
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "frames_total",
			Help:      "tracks the number of frames sent and received",
		},
		[]string{"direction"},
	)
	byteCounts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gpuprof",
			Subsystem: subSystem,
			Name:      "bytes_total",
			Help:      "tracks the number of bytes sent and received, headers included",
		},
		[]string{"direction"},
	)

	framesSent     = frames.WithLabelValues("sent")
	framesReceived = frames.WithLabelValues("received")
	bytesSent      = byteCounts.WithLabelValues("sent")
	bytesReceived  = byteCounts.WithLabelValues("received")
)

func RegisterCollectors(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		frames,
		byteCounts,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
