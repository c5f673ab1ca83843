// Package gpuperf manages hardware performance queries so counter reads
// never stall the render thread.
//
// The model follows GL performance queries: the driver exposes query
// types, each with a fixed-size result buffer holding a set of typed
// counters. A query handle is begun at one buffer swap, ended at the
// next, and read back without flushing whenever the driver says the
// result is ready.
package gpuperf

import "fmt"

// DataType tags the encoding of one counter inside a result buffer.
type DataType uint32

const (
	DataTypeUint32 DataType = iota + 1
	DataTypeUint64
	DataTypeFloat
	DataTypeDouble
	DataTypeBool32
)

func (t DataType) String() string {
	switch t {
	case DataTypeUint32:
		return "uint32"
	case DataTypeUint64:
		return "uint64"
	case DataTypeFloat:
		return "float"
	case DataTypeDouble:
		return "double"
	case DataTypeBool32:
		return "bool32"
	default:
		return fmt.Sprintf("DataType(%d)", uint32(t))
	}
}

// size returns the encoded width, or 0 for an unknown tag.
func (t DataType) size() int {
	switch t {
	case DataTypeUint32, DataTypeFloat, DataTypeBool32:
		return 4
	case DataTypeUint64, DataTypeDouble:
		return 8
	default:
		return 0
	}
}

// ReadFlag selects whether QueryData may block.
type ReadFlag int

const (
	// ReadNoFlush returns immediately; 0 bytes written means not ready.
	ReadNoFlush ReadFlag = iota
	// ReadWait blocks until the result is available.
	ReadWait
)

func (f ReadFlag) String() string {
	if f == ReadWait {
		return "wait"
	}
	return "no-flush"
}

// Handle identifies one query object.
type Handle uint32

type QueryInfo struct {
	Name        string
	DataSize    int
	NumCounters int
}

type CounterInfo struct {
	Name        string
	Description string
	Offset      int
	Size        int
	DataType    DataType
}

// Driver is the hardware query API. Counter ids are 0..NumCounters-1.
// Implementations need not be safe for concurrent use; Set serializes
// every call.
type Driver interface {
	QueryIDs() ([]uint32, error)
	QueryInfo(queryID uint32) (QueryInfo, error)
	CounterInfo(queryID, counterID uint32) (CounterInfo, error)

	CreateQuery(queryID uint32) (Handle, error)
	DeleteQuery(h Handle) error
	BeginQuery(h Handle) error
	EndQuery(h Handle) error

	// QueryData copies the result of an ended query into buf and returns
	// the number of bytes written.
	QueryData(h Handle, flag ReadFlag, buf []byte) (int, error)
}
