package remote

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/leptonai/gpuprof/pkg/metrics"
)

// Method tags a message. Values are part of the wire format; only ever
// append.
type Method uint32

const (
	MethodUnknown Method = iota
	MethodEnable
	MethodDisable
	MethodGetDescriptions
	MethodSubscribe
	MethodOnDescriptions
	MethodOnMetric
	MethodClear
	MethodFlush
	MethodSet
	MethodOnControlChanged
	MethodReply
)

var methodNames = map[Method]string{
	MethodEnable:           "Enable",
	MethodDisable:          "Disable",
	MethodGetDescriptions:  "GetDescriptions",
	MethodSubscribe:        "Subscribe",
	MethodOnDescriptions:   "OnDescriptions",
	MethodOnMetric:         "OnMetric",
	MethodClear:            "Clear",
	MethodFlush:            "Flush",
	MethodSet:              "Set",
	MethodOnControlChanged: "OnControlChanged",
	MethodReply:            "Reply",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Method(%d)", uint32(m))
}

// Message is the union of every call's arguments. Unset fields are not
// encoded.
type Message struct {
	Method       Method
	ID           int32
	Port         uint32
	Key          string
	Value        string
	Error        string
	Descriptions []metrics.Description
	DataSet      metrics.DataSet
}

const (
	fieldMethod      protowire.Number = 1
	fieldID          protowire.Number = 2
	fieldPort        protowire.Number = 3
	fieldKey         protowire.Number = 4
	fieldValue       protowire.Number = 5
	fieldDescription protowire.Number = 6
	fieldDataPoint   protowire.Number = 7
	fieldError       protowire.Number = 8
)

const (
	descFieldPath    protowire.Number = 1
	descFieldHelp    protowire.Number = 2
	descFieldDisplay protowire.Number = 3
	descFieldType    protowire.Number = 4
	descFieldID      protowire.Number = 5
)

const (
	pointFieldTime  protowire.Number = 1
	pointFieldID    protowire.Number = 2
	pointFieldValue protowire.Number = 3
)

var errMissingMethod = errors.New("message has no method")

// Marshal encodes m.
func Marshal(m *Message) []byte {
	b := make([]byte, 0, 16+len(m.DataSet)*16)
	b = protowire.AppendTag(b, fieldMethod, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Method))

	if m.ID != 0 {
		b = protowire.AppendTag(b, fieldID, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(m.ID)))
	}
	if m.Port != 0 {
		b = protowire.AppendTag(b, fieldPort, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Port))
	}
	if m.Key != "" {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendString(b, m.Key)
	}
	if m.Value != "" {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendString(b, m.Value)
	}
	if m.Error != "" {
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendString(b, m.Error)
	}
	for _, d := range m.Descriptions {
		b = protowire.AppendTag(b, fieldDescription, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalDescription(d))
	}
	for _, p := range m.DataSet {
		b = protowire.AppendTag(b, fieldDataPoint, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalDataPoint(p))
	}
	return b
}

func marshalDescription(d metrics.Description) []byte {
	var b []byte
	b = protowire.AppendTag(b, descFieldPath, protowire.BytesType)
	b = protowire.AppendString(b, d.Path)
	if d.HelpText != "" {
		b = protowire.AppendTag(b, descFieldHelp, protowire.BytesType)
		b = protowire.AppendString(b, d.HelpText)
	}
	if d.DisplayName != "" {
		b = protowire.AppendTag(b, descFieldDisplay, protowire.BytesType)
		b = protowire.AppendString(b, d.DisplayName)
	}
	b = protowire.AppendTag(b, descFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Type))
	b = protowire.AppendTag(b, descFieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(d.ID)))
	return b
}

func marshalDataPoint(p metrics.DataPoint) []byte {
	b := make([]byte, 0, 20)
	b = protowire.AppendTag(b, pointFieldTime, protowire.VarintType)
	b = protowire.AppendVarint(b, p.TimestampMs)
	b = protowire.AppendTag(b, pointFieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(p.ID)))
	b = protowire.AppendTag(b, pointFieldValue, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(p.Value))
	return b
}

// Unmarshal decodes b. Unknown fields are skipped so newer peers can add
// fields without breaking older ones.
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	hasMethod := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldMethod && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Method = Method(v)
			hasMethod = true
			b = b[n:]

		case num == fieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.ID = int32(protowire.DecodeZigZag(v))
			b = b[n:]

		case num == fieldPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if v > math.MaxUint16 {
				return nil, fmt.Errorf("port %d out of range", v)
			}
			m.Port = uint32(v)
			b = b[n:]

		case (num == fieldKey || num == fieldValue || num == fieldError) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			switch num {
			case fieldKey:
				m.Key = v
			case fieldValue:
				m.Value = v
			default:
				m.Error = v
			}
			b = b[n:]

		case num == fieldDescription && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			d, err := unmarshalDescription(v)
			if err != nil {
				return nil, err
			}
			m.Descriptions = append(m.Descriptions, d)
			b = b[n:]

		case num == fieldDataPoint && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p, err := unmarshalDataPoint(v)
			if err != nil {
				return nil, err
			}
			m.DataSet = append(m.DataSet, p)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if !hasMethod {
		return nil, errMissingMethod
	}
	return m, nil
}

func unmarshalDescription(b []byte) (metrics.Description, error) {
	var d metrics.Description
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return d, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case (num == descFieldPath || num == descFieldHelp || num == descFieldDisplay) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return d, protowire.ParseError(n)
			}
			switch num {
			case descFieldPath:
				d.Path = v
			case descFieldHelp:
				d.HelpText = v
			default:
				d.DisplayName = v
			}
			b = b[n:]

		case num == descFieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return d, protowire.ParseError(n)
			}
			d.Type = metrics.Type(v)
			b = b[n:]

		case num == descFieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return d, protowire.ParseError(n)
			}
			d.ID = int32(protowire.DecodeZigZag(v))
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return d, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return d, nil
}

func unmarshalDataPoint(b []byte) (metrics.DataPoint, error) {
	var p metrics.DataPoint
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == pointFieldTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.TimestampMs = v
			b = b[n:]

		case num == pointFieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.ID = int32(protowire.DecodeZigZag(v))
			b = b[n:]

		case num == pointFieldValue && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			p.Value = math.Float32frombits(v)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}
