// Package metrics defines the metric data model shared by sources, the
// publisher and the remote protocol.
package metrics

import (
	"fmt"
	"time"
)

// Type tells a subscriber how to interpret a value.
type Type int32

const (
	TypeCount Type = iota
	TypeRate
	TypePercent
)

func (t Type) String() string {
	switch t {
	case TypeCount:
		return "count"
	case TypeRate:
		return "rate"
	case TypePercent:
		return "percent"
	default:
		return fmt.Sprintf("type(%d)", int32(t))
	}
}

// MarshalText renders the type by name in JSON and YAML.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	switch string(b) {
	case "count":
		*t = TypeCount
	case "rate":
		*t = TypeRate
	case "percent":
		*t = TypePercent
	default:
		return fmt.Errorf("unknown metric type %q", string(b))
	}
	return nil
}

// Description describes one metric. It is immutable after NewDescription.
type Description struct {
	// Path is the hierarchical identifier, e.g. "cpu/core/3/utilization".
	Path        string `json:"path"`
	HelpText    string `json:"help_text,omitempty"`
	DisplayName string `json:"display_name"`
	Type        Type   `json:"type"`
	// ID is HashPath(Path). Both ends of the wire derive it independently.
	ID int32 `json:"id"`
}

// NewDescription builds a description and derives its id from path.
func NewDescription(path, helpText, displayName string, typ Type) Description {
	return Description{
		Path:        path,
		HelpText:    helpText,
		DisplayName: displayName,
		Type:        typ,
		ID:          HashPath(path),
	}
}

// DataPoint is one sample.
type DataPoint struct {
	// TimestampMs is milliseconds since the unix epoch.
	TimestampMs uint64  `json:"timestamp_ms"`
	ID          int32   `json:"id"`
	Value       float32 `json:"value"`
}

// Time converts the timestamp back to a time.Time.
func (p DataPoint) Time() time.Time {
	return time.UnixMilli(int64(p.TimestampMs))
}

// DataSet is the batch a source emits per poll.
type DataSet []DataPoint

// NowMs returns the current time in DataPoint timestamp units.
func NowMs() uint64 {
	return TimestampMs(time.Now())
}

// TimestampMs converts t to DataPoint timestamp units.
func TimestampMs(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}
