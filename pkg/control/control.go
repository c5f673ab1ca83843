// Package control routes key/value settings from a remote observer to the
// named controls of a profiling session.
package control

// Target accepts settings and reports every change to its subscribers.
type Target interface {
	Set(key, value string) error
	Subscribe(sub Subscriber) error
}

// Subscriber observes control changes.
type Subscriber interface {
	OnControlChanged(key, value string)
}

// Control is one named setting.
type Control interface {
	Name() string
	Value() string
	Set(value string) error
}

// KeyValue is one control's current setting.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
