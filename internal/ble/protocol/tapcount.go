// Package protocol implements the notification payload carried by the
// Convalesense tap characteristic: a self-describing record with a single
// "tapCount" integer field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// TapCountField is the record field name on the wire.
const TapCountField = "tapCount"

// maxExactCount is the largest integer a float64-backed record can carry
// without losing precision.
const maxExactCount = 1 << 53

var (
	ErrNegativeCount = errors.New("protocol: tap count must be non-negative")
	ErrCountRange    = errors.New("protocol: tap count out of range")
	ErrMissingField  = errors.New("protocol: missing tapCount field")
)

// TapCount is the record pushed to the subscribed central.
type TapCount struct {
	Count int64
}

// Codec encodes and decodes TapCount records.
type Codec interface {
	// Name is the config name of the codec.
	Name() string
	Encode(TapCount) ([]byte, error)
	Decode(data []byte) (TapCount, error)
}

// NewCodec returns the codec registered under name.
//
//	json:     {"tapCount":7}, what the original iOS central parses
//	structpb: a google.protobuf.Struct holding the same field
func NewCodec(name string) (Codec, error) {
	switch name {
	case "json", "":
		return JSONCodec{}, nil
	case "structpb":
		return StructCodec{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown codec %q (supported: json, structpb)", name)
	}
}

func validate(tc TapCount) error {
	if tc.Count < 0 {
		return ErrNegativeCount
	}
	if tc.Count > maxExactCount {
		return ErrCountRange
	}
	return nil
}

// JSONCodec encodes records as compact JSON objects.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(tc TapCount) ([]byte, error) {
	if err := validate(tc); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int64{TapCountField: tc.Count})
}

func (JSONCodec) Decode(data []byte) (TapCount, error) {
	var rec struct {
		TapCount *int64 `json:"tapCount"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return TapCount{}, fmt.Errorf("protocol: decode json: %w", err)
	}
	if rec.TapCount == nil {
		return TapCount{}, ErrMissingField
	}
	tc := TapCount{Count: *rec.TapCount}
	if err := validate(tc); err != nil {
		return TapCount{}, err
	}
	return tc, nil
}

// StructCodec encodes records as a serialized google.protobuf.Struct, which
// keeps field names on the wire.
type StructCodec struct{}

func (StructCodec) Name() string { return "structpb" }

func (StructCodec) Encode(tc TapCount) ([]byte, error) {
	if err := validate(tc); err != nil {
		return nil, err
	}
	s := &structpb.Struct{Fields: map[string]*structpb.Value{
		TapCountField: structpb.NewNumberValue(float64(tc.Count)),
	}}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode struct: %w", err)
	}
	return data, nil
}

func (StructCodec) Decode(data []byte) (TapCount, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return TapCount{}, fmt.Errorf("protocol: decode struct: %w", err)
	}
	v, ok := s.GetFields()[TapCountField]
	if !ok {
		return TapCount{}, ErrMissingField
	}
	num, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return TapCount{}, fmt.Errorf("protocol: tapCount is %T, want number", v.GetKind())
	}
	f := num.NumberValue
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Trunc(f) != f {
		return TapCount{}, fmt.Errorf("protocol: tapCount %v is not an integer", f)
	}
	if f < 0 {
		return TapCount{}, ErrNegativeCount
	}
	if f > maxExactCount {
		return TapCount{}, ErrCountRange
	}
	return TapCount{Count: int64(f)}, nil
}
