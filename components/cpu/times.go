package cpu

import (
	"github.com/prometheus/procfs"
)

// Field order of a /proc/stat cpu line.
const (
	fieldUser = iota
	fieldNice
	fieldSystem
	fieldIdle
	fieldIowait
	fieldIRQ
	fieldSoftIRQ
	fieldSteal
	fieldGuest
	fieldGuestNice
	numFields
)

// times holds the ten accounting fields of one cpu line.
type times [numFields]float64

func timesFromProcfs(s procfs.CPUStat) times {
	return times{
		fieldUser:      s.User,
		fieldNice:      s.Nice,
		fieldSystem:    s.System,
		fieldIdle:      s.Idle,
		fieldIowait:    s.Iowait,
		fieldIRQ:       s.IRQ,
		fieldSoftIRQ:   s.SoftIRQ,
		fieldSteal:     s.Steal,
		fieldGuest:     s.Guest,
		fieldGuestNice: s.GuestNice,
	}
}

func (t times) sub(prev times) times {
	var d times
	for i := range t {
		d[i] = t[i] - prev[i]
	}
	return d
}

// utilization returns busy time as a percentage of the delta.
// Guest time is already accounted in user/nice by the kernel.
func utilization(delta times) float64 {
	active := delta[fieldUser] + delta[fieldNice] + delta[fieldSystem] + delta[fieldIRQ] + delta[fieldSoftIRQ]
	total := active + delta[fieldIdle] + delta[fieldIowait] + delta[fieldSteal]
	if total <= 0 || active <= 0 {
		return 0
	}
	pct := active / total * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// lineState tracks one cpu line (aggregate or core) across refreshes.
type lineState struct {
	prev  times
	valid bool
	last  float64
	seen  bool
}

// update records cur and reports whether a delta was computed.
func (s *lineState) update(cur times) bool {
	if !s.valid {
		s.prev = cur
		s.valid = true
		return false
	}
	s.last = utilization(cur.sub(s.prev))
	s.prev = cur
	s.seen = true
	return true
}
