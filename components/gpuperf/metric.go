package gpuperf

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/leptonai/gpuprof/pkg/metrics"
)

// Path returns the metric path of a counter of a query type.
func Path(queryName, counterName string) string {
	return "gpu/perf/" + pathSegment(queryName) + "/" + pathSegment(counterName)
}

func pathSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// Metric is one hardware counter of a Group.
type Metric struct {
	group     *Group
	counterID uint32
	info      CounterInfo
	desc      metrics.Description
	enabled   bool
}

func newMetric(g *Group, counterID uint32, info CounterInfo) (*Metric, error) {
	sz := info.DataType.size()
	if sz == 0 {
		return nil, fmt.Errorf("counter %q of query %q: unknown data type %s", info.Name, g.info.Name, info.DataType)
	}
	if info.Offset < 0 || info.Offset+sz > g.info.DataSize {
		return nil, fmt.Errorf("counter %q of query %q: %s at offset %d exceeds result size %d", info.Name, g.info.Name, info.DataType, info.Offset, g.info.DataSize)
	}

	help := info.Description
	if help == "" {
		help = info.Name
	}
	return &Metric{
		group:     g,
		counterID: counterID,
		info:      info,
		desc: metrics.NewDescription(
			Path(g.info.Name, info.Name),
			help,
			info.Name,
			metrics.TypeCount,
		),
	}, nil
}

func (m *Metric) Description() metrics.Description { return m.desc }

func (m *Metric) Enabled() bool { return m.enabled }

// extract decodes the counter from a result buffer. Data types were
// validated when the group was built, so an unknown tag here means the
// driver changed its contract under us.
func (m *Metric) extract(buf []byte) float32 {
	b := buf[m.info.Offset:]
	switch m.info.DataType {
	case DataTypeUint32:
		return float32(binary.NativeEndian.Uint32(b))
	case DataTypeUint64:
		return float32(binary.NativeEndian.Uint64(b))
	case DataTypeFloat:
		return math.Float32frombits(binary.NativeEndian.Uint32(b))
	case DataTypeDouble:
		return float32(math.Float64frombits(binary.NativeEndian.Uint64(b)))
	case DataTypeBool32:
		if binary.NativeEndian.Uint32(b) != 0 {
			return 1
		}
		return 0
	default:
		panic(fmt.Sprintf("gpuperf: counter %q has unknown data type %s", m.info.Name, m.info.DataType))
	}
}
