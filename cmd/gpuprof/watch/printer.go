package watch

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/patrickmn/go-cache"

	cmdcommon "github.com/leptonai/gpuprof/cmd/gpuprof/common"
	"github.com/leptonai/gpuprof/pkg/metrics"
)

var _ metrics.Subscriber = (*printer)(nil)

// printer writes one line per data point, naming it by the path of the
// last description announced for its id.
type printer struct {
	mu    sync.Mutex
	wr    io.Writer
	quiet bool

	descs *cache.Cache

	points  atomic.Int64
	cleared atomic.Int64
}

func newPrinter(wr io.Writer, quiet bool) *printer {
	return &printer{
		wr:    wr,
		quiet: quiet,
		descs: cache.New(cache.NoExpiration, 0),
	}
}

func (p *printer) OnDescriptions(descs []metrics.Description) {
	for _, d := range descs {
		p.descs.Set(strconv.FormatInt(int64(d.ID), 10), d, cache.NoExpiration)
	}
}

func (p *printer) description(id int32) (metrics.Description, bool) {
	v, ok := p.descs.Get(strconv.FormatInt(int64(id), 10))
	if !ok {
		return metrics.Description{}, false
	}
	return v.(metrics.Description), true
}

func (p *printer) OnMetric(ds metrics.DataSet) {
	p.points.Add(int64(len(ds)))
	if p.quiet {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, dp := range ds {
		name := fmt.Sprintf("id(%d)", dp.ID)
		unit := ""
		if d, ok := p.description(dp.ID); ok {
			name = d.Path
			if d.Type == metrics.TypePercent {
				unit = "%"
			}
		}
		fmt.Fprintf(p.wr, "%s %-40s %s%s\n",
			dp.Time().Format("15:04:05.000"),
			name,
			cmdcommon.FormatValue(dp.Value, 2),
			unit,
		)
	}
}

func (p *printer) Clear(id int32) {
	p.cleared.Add(1)
	if p.quiet {
		return
	}

	name := fmt.Sprintf("id(%d)", id)
	if d, ok := p.description(id); ok {
		name = d.Path
	}
	p.mu.Lock()
	fmt.Fprintf(p.wr, "%s disabled\n", name)
	p.mu.Unlock()
}

// fanout forwards to every subscriber in order.
type fanout []metrics.Subscriber

func (f fanout) OnDescriptions(descs []metrics.Description) {
	for _, s := range f {
		s.OnDescriptions(descs)
	}
}

func (f fanout) OnMetric(ds metrics.DataSet) {
	for _, s := range f {
		s.OnMetric(ds)
	}
}

func (f fanout) Clear(id int32) {
	for _, s := range f {
		s.Clear(id)
	}
}
