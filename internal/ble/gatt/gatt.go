// Package gatt describes the GATT database the Convalesense peripheral
// publishes: one primary tap service holding one read/write/notify
// characteristic.
package gatt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Convalesense UUIDs and advertising name.
const (
	TapServiceUUID = "3D3FDA8C-09EC-44F6-97B5-CF3EDF90382B"
	TapsCharUUID   = "3D3FDA8B-09EC-44F6-97B5-CF3EDF90382B"

	// AccelerometerServiceUUID is reserved for a sensor-streaming service.
	// Nothing publishes it yet.
	AccelerometerServiceUUID = "BF5FE877-828E-46A7-962A-3B5C773D6860"

	LocalName = "Convalesense"
)

// Property is the characteristic properties bitmask, using the bit values
// from the Bluetooth core specification.
type Property uint8

const (
	PropBroadcast            Property = 0x01
	PropRead                 Property = 0x02
	PropWriteWithoutResponse Property = 0x04
	PropWrite                Property = 0x08
	PropNotify               Property = 0x10
	PropIndicate             Property = 0x20
)

// Has reports whether every bit in q is set in p.
func (p Property) Has(q Property) bool { return p&q == q }

func (p Property) String() string {
	names := []struct {
		bit  Property
		name string
	}{
		{PropBroadcast, "broadcast"},
		{PropRead, "read"},
		{PropWriteWithoutResponse, "write_without_response"},
		{PropWrite, "write"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	}
	var parts []string
	for _, n := range names {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Permission is the attribute access permissions bitmask.
type Permission uint8

const (
	PermReadable Permission = 1 << iota
	PermWriteable
)

// Has reports whether every bit in q is set in p.
func (p Permission) Has(q Permission) bool { return p&q == q }

// Characteristic is the peripheral-side description of a characteristic.
// Everything except Value is fixed after construction; Value is owned by
// whoever publishes the service.
type Characteristic struct {
	UUID        uuid.UUID
	Properties  Property
	Permissions Permission
	Value       []byte
}

// Service is a GATT service and its characteristics.
type Service struct {
	UUID            uuid.UUID
	Primary         bool
	Characteristics []*Characteristic
}

// ErrNilUUID is returned for the all-zero UUID, which no attribute may use.
var ErrNilUUID = errors.New("gatt: nil UUID")

// ParseUUID parses and validates a 128-bit attribute UUID.
func ParseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("gatt: parse UUID %q: %w", s, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, ErrNilUUID
	}
	return id, nil
}

// FormatUUID renders a UUID in the upper-case form used by CoreBluetooth.
func FormatUUID(id uuid.UUID) string {
	return strings.ToUpper(id.String())
}

// NewCharacteristic builds a characteristic with an empty value.
func NewCharacteristic(id string, props Property, perms Permission) (*Characteristic, error) {
	u, err := ParseUUID(id)
	if err != nil {
		return nil, err
	}
	if props == 0 {
		return nil, fmt.Errorf("gatt: characteristic %s has no properties", FormatUUID(u))
	}
	return &Characteristic{UUID: u, Properties: props, Permissions: perms}, nil
}

// NewService builds a service. Characteristic UUIDs must be unique within it.
func NewService(id string, primary bool, chars ...*Characteristic) (*Service, error) {
	u, err := ParseUUID(id)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool, len(chars))
	for _, c := range chars {
		if c == nil {
			return nil, fmt.Errorf("gatt: service %s: nil characteristic", FormatUUID(u))
		}
		if seen[c.UUID] {
			return nil, fmt.Errorf("gatt: service %s: duplicate characteristic %s", FormatUUID(u), FormatUUID(c.UUID))
		}
		seen[c.UUID] = true
	}
	return &Service{UUID: u, Primary: primary, Characteristics: chars}, nil
}

// Characteristic returns the characteristic with the given UUID, or nil.
func (s *Service) Characteristic(id uuid.UUID) *Characteristic {
	for _, c := range s.Characteristics {
		if c.UUID == id {
			return c
		}
	}
	return nil
}

// NewTapService builds the Convalesense tap service.
func NewTapService() (*Service, error) {
	taps, err := NewCharacteristic(TapsCharUUID,
		PropRead|PropWrite|PropNotify,
		PermReadable|PermWriteable)
	if err != nil {
		return nil, err
	}
	return NewService(TapServiceUUID, true, taps)
}
