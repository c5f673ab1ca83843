package metrics

// Sink receives the data sets produced by sources.
type Sink interface {
	OnMetric(ds DataSet)
}

// Source produces metric descriptions and data.
//
// Poll is called from the host's render thread, often once per frame, and
// must never block; a source that cannot read without waiting skips the
// cycle. Activate and Deactivate may arrive from other goroutines.
type Source interface {
	// Subscribe sets the sink Poll publishes to. Called by the publisher
	// when the source is registered.
	Subscribe(sink Sink)
	Descriptions() []Description
	Activate(id int32) error
	Deactivate(id int32)
	Poll()
}

// Announcer is implemented by sinks that track descriptions. A source
// whose description set grew after registration calls Announce with
// itself, outside its own locks.
type Announcer interface {
	Announce(src Source)
}

// Announce forwards to sink if it is an Announcer.
func Announce(sink Sink, src Source) {
	if a, ok := sink.(Announcer); ok {
		a.Announce(src)
	}
}

// Subscriber consumes descriptions and data, either in-process or through
// a remote stub. Its methods are fire-and-forget; remote failures travel
// through the caller's errsig.Signal.
type Subscriber interface {
	OnDescriptions(descs []Description)
	OnMetric(ds DataSet)
	Clear(id int32)
}

// Publisher is the control surface an observer drives, locally or
// through the remote protocol.
type Publisher interface {
	Enable(id int32) error
	Disable(id int32) error
	GetDescriptions() ([]Description, error)
	Subscribe(sub Subscriber) error
}
