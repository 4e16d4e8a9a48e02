package measurement

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the representation carried by a Value.
type Kind string

const (
	KindScalar  Kind = "scalar"
	KindInteger Kind = "integer"
	KindVector3 Kind = "vector3"
	KindColor   Kind = "color"
	KindText    Kind = "text"
)

// Value is a single decoded sensor reading.
type Value interface {
	Kind() Kind
}

type Scalar float64

type Integer int64

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ColorADC holds the raw channel counts of an RGBC colour sensor.
type ColorADC struct {
	Clear uint16 `json:"c"`
	Red   uint16 `json:"r"`
	Green uint16 `json:"g"`
	Blue  uint16 `json:"b"`
}

// Text is a legacy reading rendered as a string by the producer and cleaned up
// by SanitizeText.
type Text string

func (Scalar) Kind() Kind   { return KindScalar }
func (Integer) Kind() Kind  { return KindInteger }
func (Vector3) Kind() Kind  { return KindVector3 }
func (ColorADC) Kind() Kind { return KindColor }
func (Text) Kind() Kind     { return KindText }

// MarshalJSON emits the sanitized text as embedded JSON when it parses as JSON,
// otherwise as a plain string.
func (t Text) MarshalJSON() ([]byte, error) {
	if json.Valid([]byte(t)) {
		return []byte(t), nil
	}
	return json.Marshal(string(t))
}

// Normalize converts whatever a producer hands to Buffer.Record into a Value.
func Normalize(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Text("")
	case Value:
		return v
	case float64:
		return Scalar(v)
	case float32:
		return Scalar(v)
	case int:
		return Integer(v)
	case int8:
		return Integer(v)
	case int16:
		return Integer(v)
	case int32:
		return Integer(v)
	case int64:
		return Integer(v)
	case uint8:
		return Integer(v)
	case uint16:
		return Integer(v)
	case uint32:
		return Integer(v)
	case string:
		return Text(SanitizeText(v))
	case []byte:
		return Text(SanitizeText(string(v)))
	case fmt.Stringer:
		return Text(SanitizeText(v.String()))
	default:
		return Text(SanitizeText(fmt.Sprintf("%v", v)))
	}
}

// Measurement is one buffered reading.
type Measurement struct {
	Value           Value `json:"value"`
	TimestampMillis int64 `json:"timestamp"`
}
