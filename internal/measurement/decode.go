package measurement

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Decoder turns a raw notification payload into a Value.
type Decoder func(payload []byte) (Value, error)

var ErrShortPayload = errors.New("payload too short")

func need(payload []byte, n int) error {
	if len(payload) < n {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrShortPayload, n, len(payload))
	}
	return nil
}

func float32At(p []byte, off int) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(p[off:])))
}

// DecodeFloat32 reads a little-endian IEEE-754 float.
func DecodeFloat32(payload []byte) (Value, error) {
	if err := need(payload, 4); err != nil {
		return nil, err
	}
	return Scalar(float32At(payload, 0)), nil
}

// DecodeVector3 reads three consecutive little-endian floats.
func DecodeVector3(payload []byte) (Value, error) {
	if err := need(payload, 12); err != nil {
		return nil, err
	}
	return Vector3{
		X: float32At(payload, 0),
		Y: float32At(payload, 4),
		Z: float32At(payload, 8),
	}, nil
}

// DecodeColorADC reads clear, red, green and blue uint16 counts.
func DecodeColorADC(payload []byte) (Value, error) {
	if err := need(payload, 8); err != nil {
		return nil, err
	}
	return ColorADC{
		Clear: binary.LittleEndian.Uint16(payload[0:]),
		Red:   binary.LittleEndian.Uint16(payload[2:]),
		Green: binary.LittleEndian.Uint16(payload[4:]),
		Blue:  binary.LittleEndian.Uint16(payload[6:]),
	}, nil
}

func DecodeUint16(payload []byte) (Value, error) {
	if err := need(payload, 2); err != nil {
		return nil, err
	}
	return Integer(binary.LittleEndian.Uint16(payload)), nil
}

func DecodeUint8(payload []byte) (Value, error) {
	if err := need(payload, 1); err != nil {
		return nil, err
	}
	return Integer(payload[0]), nil
}

// DecodeText treats the payload as the producer's textual rendering.
func DecodeText(payload []byte) (Value, error) {
	return Text(SanitizeText(string(payload))), nil
}
