package gpuperf

import (
	"fmt"
	"regexp"

	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/metrics"
)

// Group is one query type and its counters.
//
// Every handle the group has created is in exactly one of: the current
// (accumulating) slot, extant (ended, unread) or free (read, reusable).
// Handles are only deleted when the last enabled counter is disabled.
type Group struct {
	driver  Driver
	queryID uint32
	info    QueryInfo
	metrics []*Metric

	numEnabled int

	current    Handle
	hasCurrent bool
	extant     []Handle
	free       []Handle

	buf []byte
}

func newGroup(driver Driver, queryID uint32, exclude *regexp.Regexp) (*Group, error) {
	info, err := driver.QueryInfo(queryID)
	if err != nil {
		return nil, fmt.Errorf("query %d: %w", queryID, err)
	}
	if info.DataSize <= 0 {
		return nil, fmt.Errorf("query %q reports result size %d", info.Name, info.DataSize)
	}

	g := &Group{
		driver:  driver,
		queryID: queryID,
		info:    info,
		buf:     make([]byte, info.DataSize),
	}
	for c := 0; c < info.NumCounters; c++ {
		ci, err := driver.CounterInfo(queryID, uint32(c))
		if err != nil {
			return nil, fmt.Errorf("query %q counter %d: %w", info.Name, c, err)
		}
		if exclude != nil && exclude.MatchString(ci.Name) {
			log.Logger.Debugw("skipping gpu counter", "query", info.Name, "counter", ci.Name)
			continue
		}
		m, err := newMetric(g, uint32(c), ci)
		if err != nil {
			return nil, err
		}
		g.metrics = append(g.metrics, m)
	}
	return g, nil
}

func (g *Group) Name() string { return g.info.Name }

func (g *Group) Metrics() []*Metric { return g.metrics }

func (g *Group) active() bool { return g.numEnabled > 0 }

// onSwap closes the accumulating query, reads back whatever is ready
// without blocking and opens a new query.
func (g *Group) onSwap(ts uint64) metrics.DataSet {
	if g.hasCurrent {
		if err := g.driver.EndQuery(g.current); err != nil {
			log.Logger.Warnw("failed to end gpu query", "query", g.info.Name, "handle", g.current, "error", err)
		}
		g.extant = append(g.extant, g.current)
		g.hasCurrent = false
	}

	var ds metrics.DataSet
	pending := g.extant[:0]
	for _, h := range g.extant {
		n, err := g.driver.QueryData(h, ReadNoFlush, g.buf)
		if err != nil {
			// result is lost; recycle the handle
			log.Logger.Warnw("failed to read gpu query", "query", g.info.Name, "handle", h, "error", err)
			g.free = append(g.free, h)
			continue
		}
		if n == 0 {
			notReadyReads.Inc()
			pending = append(pending, h)
			continue
		}
		ds = g.appendValues(ds, ts, n)
		g.free = append(g.free, h)
	}
	g.extant = pending

	h, err := g.takeFree()
	if err != nil {
		log.Logger.Warnw("failed to create gpu query", "query", g.info.Name, "error", err)
		return ds
	}
	if err := g.driver.BeginQuery(h); err != nil {
		log.Logger.Warnw("failed to begin gpu query", "query", g.info.Name, "handle", h, "error", err)
		g.free = append(g.free, h)
		return ds
	}
	g.current = h
	g.hasCurrent = true
	return ds
}

func (g *Group) takeFree() (Handle, error) {
	if n := len(g.free); n > 0 {
		h := g.free[n-1]
		g.free = g.free[:n-1]
		return h, nil
	}
	h, err := g.driver.CreateQuery(g.queryID)
	if err != nil {
		return 0, err
	}
	queriesCreated.Inc()
	return h, nil
}

func (g *Group) appendValues(ds metrics.DataSet, ts uint64, n int) metrics.DataSet {
	for _, m := range g.metrics {
		if !m.enabled {
			continue
		}
		if m.info.Offset+m.info.DataType.size() > n {
			continue
		}
		ds = append(ds, metrics.DataPoint{TimestampMs: ts, ID: m.desc.ID, Value: m.extract(g.buf)})
	}
	return ds
}

// release drains every in-flight query with a blocking read and deletes
// all handles. Only called once no counter of the group is enabled.
func (g *Group) release() {
	if g.hasCurrent {
		if err := g.driver.EndQuery(g.current); err != nil {
			log.Logger.Warnw("failed to end gpu query", "query", g.info.Name, "handle", g.current, "error", err)
		}
		g.extant = append(g.extant, g.current)
		g.hasCurrent = false
	}
	for _, h := range g.extant {
		if _, err := g.driver.QueryData(h, ReadWait, g.buf); err != nil {
			log.Logger.Warnw("failed to drain gpu query", "query", g.info.Name, "handle", h, "error", err)
		}
		g.deleteQuery(h)
	}
	for _, h := range g.free {
		g.deleteQuery(h)
	}
	g.extant = nil
	g.free = nil
}

func (g *Group) deleteQuery(h Handle) {
	if err := g.driver.DeleteQuery(h); err != nil {
		log.Logger.Warnw("failed to delete gpu query", "query", g.info.Name, "handle", h, "error", err)
		return
	}
	queriesDeleted.Inc()
}
