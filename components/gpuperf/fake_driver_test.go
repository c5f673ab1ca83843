package gpuperf

import (
	"encoding/binary"
	"errors"
	"math"
)

type fakeCounter struct {
	info  CounterInfo
	value func(h Handle) []byte
}

type fakeQuery struct {
	info     QueryInfo
	counters []fakeCounter
}

type handleState struct {
	queryID uint32
	begun   bool
	ended   bool
	deleted bool
	polls   int
}

// fakeDriver is an in-memory query API. An ended query becomes readable
// after readyAfter non-blocking reads have returned "not ready".
type fakeDriver struct {
	queries    map[uint32]*fakeQuery
	order      []uint32
	readyAfter int
	readErr    error

	next    Handle
	handles map[Handle]*handleState

	created   []Handle
	deleted   []Handle
	waitReads []Handle
	noFlush   int
}

func newFakeDriver(readyAfter int) *fakeDriver {
	d := &fakeDriver{
		queries:    make(map[uint32]*fakeQuery),
		readyAfter: readyAfter,
		handles:    make(map[Handle]*handleState),
	}
	d.add(7, &fakeQuery{
		info: QueryInfo{Name: "Frame", DataSize: 36},
		counters: []fakeCounter{
			{CounterInfo{Name: "Cycles", Offset: 0, DataType: DataTypeUint64}, func(h Handle) []byte { return u64le(uint64(h) * 1000) }},
			{CounterInfo{Name: "Busy", Description: "fraction of time busy", Offset: 8, DataType: DataTypeFloat}, func(Handle) []byte { return u32le(math.Float32bits(0.5)) }},
			{CounterInfo{Name: "Util", Offset: 12, DataType: DataTypeDouble}, func(Handle) []byte { return u64le(math.Float64bits(75.25)) }},
			{CounterInfo{Name: "Draws", Offset: 20, DataType: DataTypeUint32}, func(Handle) []byte { return u32le(7) }},
			{CounterInfo{Name: "Stalled", Offset: 24, DataType: DataTypeBool32}, func(Handle) []byte { return u32le(1) }},
			{CounterInfo{Name: "Hull Shader Busy", Offset: 28, DataType: DataTypeUint32}, func(Handle) []byte { return u32le(3) }},
		},
	})
	d.add(9, &fakeQuery{
		info: QueryInfo{Name: "Memory", DataSize: 8},
		counters: []fakeCounter{
			{CounterInfo{Name: "Bytes", Offset: 0, DataType: DataTypeUint64}, func(Handle) []byte { return u64le(4096) }},
		},
	})
	return d
}

func (d *fakeDriver) add(id uint32, q *fakeQuery) {
	q.info.NumCounters = len(q.counters)
	for i := range q.counters {
		q.counters[i].info.Size = q.counters[i].info.DataType.size()
	}
	d.queries[id] = q
	d.order = append(d.order, id)
}

func u32le(v uint32) []byte { return binary.NativeEndian.AppendUint32(nil, v) }
func u64le(v uint64) []byte { return binary.NativeEndian.AppendUint64(nil, v) }

var errNoQuery = errors.New("no such query")

func (d *fakeDriver) QueryIDs() ([]uint32, error) { return d.order, nil }

func (d *fakeDriver) QueryInfo(queryID uint32) (QueryInfo, error) {
	q, ok := d.queries[queryID]
	if !ok {
		return QueryInfo{}, errNoQuery
	}
	return q.info, nil
}

func (d *fakeDriver) CounterInfo(queryID, counterID uint32) (CounterInfo, error) {
	q, ok := d.queries[queryID]
	if !ok || int(counterID) >= len(q.counters) {
		return CounterInfo{}, errNoQuery
	}
	return q.counters[counterID].info, nil
}

func (d *fakeDriver) CreateQuery(queryID uint32) (Handle, error) {
	if _, ok := d.queries[queryID]; !ok {
		return 0, errNoQuery
	}
	d.next++
	d.handles[d.next] = &handleState{queryID: queryID}
	d.created = append(d.created, d.next)
	return d.next, nil
}

func (d *fakeDriver) DeleteQuery(h Handle) error {
	st, ok := d.handles[h]
	if !ok || st.deleted {
		return errors.New("bad handle")
	}
	st.deleted = true
	d.deleted = append(d.deleted, h)
	return nil
}

func (d *fakeDriver) BeginQuery(h Handle) error {
	st := d.handles[h]
	if st.begun {
		return errors.New("query already active")
	}
	st.begun, st.ended, st.polls = true, false, 0
	return nil
}

func (d *fakeDriver) EndQuery(h Handle) error {
	st := d.handles[h]
	if !st.begun {
		return errors.New("query not active")
	}
	st.begun, st.ended = false, true
	return nil
}

func (d *fakeDriver) QueryData(h Handle, flag ReadFlag, buf []byte) (int, error) {
	st := d.handles[h]
	if !st.ended {
		return 0, errors.New("query not ended")
	}
	if d.readErr != nil {
		return 0, d.readErr
	}
	if flag == ReadWait {
		d.waitReads = append(d.waitReads, h)
	} else {
		d.noFlush++
		if st.polls < d.readyAfter {
			st.polls++
			return 0, nil
		}
	}

	q := d.queries[st.queryID]
	for _, c := range q.counters {
		copy(buf[c.info.Offset:], c.value(h))
	}
	return q.info.DataSize, nil
}
