package publisher

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/gpuprof/pkg/errdefs"
	"github.com/leptonai/gpuprof/pkg/metrics"
)

// callLog records calls across mocks so tests can assert ordering.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeSource struct {
	descs []metrics.Description
	log   *callLog
	sink  metrics.Sink

	activateErr error
	enabled     map[int32]bool
	polled      int
}

func newFakeSource(l *callLog, paths ...string) *fakeSource {
	s := &fakeSource{log: l, enabled: make(map[int32]bool)}
	for _, p := range paths {
		s.descs = append(s.descs, metrics.NewDescription(p, "", p, metrics.TypeCount))
	}
	return s
}

func (s *fakeSource) Subscribe(sink metrics.Sink)         { s.sink = sink }
func (s *fakeSource) Descriptions() []metrics.Description { return s.descs }
func (s *fakeSource) Activate(id int32) error {
	s.log.add("activate")
	if s.activateErr != nil {
		return s.activateErr
	}
	s.enabled[id] = true
	return nil
}
func (s *fakeSource) Deactivate(id int32) {
	s.log.add("deactivate")
	delete(s.enabled, id)
}
func (s *fakeSource) Poll() {
	s.polled++
	if len(s.enabled) == 0 {
		return
	}
	ds := metrics.DataSet{}
	for id := range s.enabled {
		ds = append(ds, metrics.DataPoint{TimestampMs: 1, ID: id, Value: 1})
	}
	s.sink.OnMetric(ds)
}

type mockSubscriber struct {
	mock.Mock
	log *callLog
}

func (m *mockSubscriber) OnDescriptions(descs []metrics.Description) {
	m.Called(descs)
}

func (m *mockSubscriber) OnMetric(ds metrics.DataSet) {
	m.Called(ds)
}

func (m *mockSubscriber) Clear(id int32) {
	if m.log != nil {
		m.log.add("clear")
	}
	m.Called(id)
}

func TestRegisterSourceAnnouncesToSubscriber(t *testing.T) {
	p := New()
	l := &callLog{}

	sub := &mockSubscriber{}
	sub.On("OnDescriptions", mock.Anything).Return()
	require.NoError(t, p.Subscribe(sub))
	sub.AssertNumberOfCalls(t, "OnDescriptions", 1)

	src := newFakeSource(l, "cpu/system/utilization", "cpu/core/0/utilization")
	require.NoError(t, p.RegisterSource(src))

	sub.AssertNumberOfCalls(t, "OnDescriptions", 2)
	last := sub.Calls[len(sub.Calls)-1].Arguments.Get(0).([]metrics.Description)
	require.Len(t, last, 2)
	assert.Equal(t, "cpu/core/0/utilization", last[0].Path)

	descs, err := p.GetDescriptions()
	require.NoError(t, err)
	assert.Len(t, descs, 2)
	assert.Equal(t, p, src.sink)
}

func TestAnnounceMapsLateDescriptions(t *testing.T) {
	p := New()
	l := &callLog{}

	sub := &mockSubscriber{}
	sub.On("OnDescriptions", mock.Anything).Return()
	require.NoError(t, p.Subscribe(sub))

	src := newFakeSource(l, "cpu/core/0/utilization")
	require.NoError(t, p.RegisterSource(src))
	sub.AssertNumberOfCalls(t, "OnDescriptions", 2)

	late := metrics.NewDescription("cpu/core/1/utilization", "", "CPU 1", metrics.TypePercent)
	assert.True(t, errdefs.IsNotFound(p.Enable(late.ID)))

	src.descs = append(src.descs, late)
	p.Announce(src)
	sub.AssertNumberOfCalls(t, "OnDescriptions", 3)
	last := sub.Calls[len(sub.Calls)-1].Arguments.Get(0).([]metrics.Description)
	assert.Len(t, last, 2)
	require.NoError(t, p.Enable(late.ID))
	assert.True(t, src.enabled[late.ID])

	// nothing new, nothing announced
	p.Announce(src)
	sub.AssertNumberOfCalls(t, "OnDescriptions", 3)

	// a source that is not registered is ignored
	other := newFakeSource(l, "cpu/core/2/utilization")
	p.Announce(other)
	assert.True(t, errdefs.IsNotFound(p.Enable(metrics.HashPath("cpu/core/2/utilization"))))
	sub.AssertNumberOfCalls(t, "OnDescriptions", 3)
}

func TestDisableClearsAfterDeactivate(t *testing.T) {
	p := New()
	l := &callLog{}
	src := newFakeSource(l, "gpu/frame/fps")
	require.NoError(t, p.RegisterSource(src))

	sub := &mockSubscriber{log: l}
	sub.On("OnDescriptions", mock.Anything).Return()
	sub.On("Clear", src.descs[0].ID).Return()
	require.NoError(t, p.Subscribe(sub))

	id := src.descs[0].ID
	require.NoError(t, p.Enable(id))
	require.NoError(t, p.Disable(id))

	sub.AssertNumberOfCalls(t, "Clear", 1)
	assert.Equal(t, []string{"activate", "deactivate", "clear"}, l.all())
}

func TestUnknownIDsAreNotFatal(t *testing.T) {
	p := New()

	err := p.Enable(12345)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))

	err = p.Disable(12345)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestEnablePropagatesActivateError(t *testing.T) {
	p := New()
	src := newFakeSource(&callLog{}, "gpu/perf/a/b")
	src.activateErr = errors.New("group busy")
	require.NoError(t, p.RegisterSource(src))

	assert.EqualError(t, p.Enable(src.descs[0].ID), "group busy")
}

func TestOnMetricWithoutSubscriberIsNoop(t *testing.T) {
	p := New()
	src := newFakeSource(&callLog{}, "process/threads")
	require.NoError(t, p.RegisterSource(src))
	require.NoError(t, p.Enable(src.descs[0].ID))

	assert.NotPanics(t, p.Poll)
	assert.Equal(t, 1, src.polled)
}

func TestPollForwardsToSubscriber(t *testing.T) {
	p := New()
	src := newFakeSource(&callLog{}, "process/threads")
	require.NoError(t, p.RegisterSource(src))

	sub := &mockSubscriber{}
	sub.On("OnDescriptions", mock.Anything).Return()
	sub.On("OnMetric", mock.Anything).Return()
	require.NoError(t, p.Subscribe(sub))

	p.Poll()
	sub.AssertNotCalled(t, "OnMetric", mock.Anything)

	require.NoError(t, p.Enable(src.descs[0].ID))
	p.Poll()
	sub.AssertNumberOfCalls(t, "OnMetric", 1)
}

func TestUnsubscribeOnlyCurrent(t *testing.T) {
	p := New()
	a := &mockSubscriber{}
	a.On("OnDescriptions", mock.Anything).Return()
	b := &mockSubscriber{}
	b.On("OnDescriptions", mock.Anything).Return()

	require.NoError(t, p.Subscribe(a))
	require.NoError(t, p.Subscribe(b))
	p.Unsubscribe(a)
	assert.True(t, p.Subscribed())

	assert.Equal(t, metrics.Subscriber(b), p.Detach())
	assert.False(t, p.Subscribed())
	assert.Error(t, p.Subscribe(nil))
}

func TestIDCollision(t *testing.T) {
	p := New()
	a := newFakeSource(&callLog{}, "x")
	b := &fakeSource{log: &callLog{}, enabled: map[int32]bool{}}
	// same id, different path
	b.descs = []metrics.Description{{Path: "y", ID: metrics.HashPath("x")}}

	require.NoError(t, p.RegisterSource(a))
	err := p.RegisterSource(b)
	require.Error(t, err)
	assert.True(t, errdefs.IsAlreadyExists(err))

	d, ok := p.Description(metrics.HashPath("x"))
	require.True(t, ok)
	assert.Equal(t, "x", d.Path)
}

func TestEnablePaths(t *testing.T) {
	p := New()
	src := newFakeSource(&callLog{}, "cpu/system/utilization")
	require.NoError(t, p.RegisterSource(src))

	unknown := p.EnablePaths("cpu/system/utilization", "does/not/exist")
	assert.Equal(t, []string{"does/not/exist"}, unknown)
	assert.True(t, src.enabled[src.descs[0].ID])
}

func TestRegisterCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterCollectors(reg))
	assert.Error(t, RegisterCollectors(reg))
}

func TestUnregisterSource(t *testing.T) {
	p := New()
	l := &callLog{}
	a := newFakeSource(l, "gpu/perf/q/a")
	b := newFakeSource(l, "gpu/frame/fps")
	require.NoError(t, p.RegisterSource(a))
	require.NoError(t, p.RegisterSource(b))

	sub := &mockSubscriber{log: l}
	sub.On("OnDescriptions", mock.Anything).Return()
	sub.On("Clear", a.descs[0].ID).Return()
	require.NoError(t, p.Subscribe(sub))

	p.UnregisterSource(a)
	sub.AssertCalled(t, "Clear", a.descs[0].ID)
	last := sub.Calls[len(sub.Calls)-1].Arguments.Get(0).([]metrics.Description)
	require.Len(t, last, 1)
	assert.Equal(t, "gpu/frame/fps", last[0].Path)

	assert.True(t, errdefs.IsNotFound(p.Enable(a.descs[0].ID)))

	p.Poll()
	assert.Zero(t, a.polled)
	assert.Equal(t, 1, b.polled)

	// re-registering the same paths is no longer a collision
	require.NoError(t, p.RegisterSource(newFakeSource(l, "gpu/perf/q/a")))
}
