package peripheral

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultServiceUUID is the orientation service identifier
	DefaultServiceUUID = "0000a000-0000-1000-8000-00805f9b34fb"

	// DefaultCharacteristicUUID is the orientation characteristic identifier
	DefaultCharacteristicUUID = "0000a001-0000-1000-8000-00805f9b34fb"

	// CCCDUUID is the standard Client Characteristic Configuration descriptor
	CCCDUUID = "00002902-0000-1000-8000-00805f9b34fb"

	// bluetoothBaseSuffix is the SIG base UUID tail used to expand 16-bit identifiers
	bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"
)

// CCCD value bits
const (
	cccdNotify   byte = 0x01
	cccdIndicate byte = 0x02
)

// Capability bits of a characteristic or descriptor
type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapNotify
)

func (c Capability) Has(o Capability) bool { return c&o == o }

// ServiceDescriptor is the fixed GATT topology: one service, one
// characteristic and its client configuration descriptor.
type ServiceDescriptor struct {
	ServiceID        string
	CharacteristicID string
	CharacteristicOp Capability
	DescriptorID     string
	DescriptorOp     Capability
}

// NewServiceDescriptor validates and canonicalizes the service and
// characteristic identifiers. Both must be UUIDs; 16-bit short forms
// ("a000", "0xa000") are expanded over the Bluetooth base UUID.
func NewServiceDescriptor(serviceID, characteristicID string) (ServiceDescriptor, error) {
	svc, err := CanonicalUUID(serviceID)
	if err != nil {
		return ServiceDescriptor{}, fmt.Errorf("invalid service UUID: %w", err)
	}
	chr, err := CanonicalUUID(characteristicID)
	if err != nil {
		return ServiceDescriptor{}, fmt.Errorf("invalid characteristic UUID: %w", err)
	}
	if svc == chr {
		return ServiceDescriptor{}, fmt.Errorf("service and characteristic UUIDs must differ: %s", svc)
	}

	return ServiceDescriptor{
		ServiceID:        svc,
		CharacteristicID: chr,
		CharacteristicOp: CapRead | CapNotify,
		DescriptorID:     CCCDUUID,
		DescriptorOp:     CapRead | CapWrite,
	}, nil
}

// DefaultServiceDescriptor returns the descriptor built from the default identifiers.
func DefaultServiceDescriptor() ServiceDescriptor {
	d, err := NewServiceDescriptor(DefaultServiceUUID, DefaultCharacteristicUUID)
	if err != nil {
		panic(err)
	}
	return d
}

// IsCharacteristic reports whether id names the published characteristic
func (d ServiceDescriptor) IsCharacteristic(id string) bool {
	return sameUUID(d.CharacteristicID, id)
}

// IsConfigDescriptor reports whether id names the client configuration descriptor
func (d ServiceDescriptor) IsConfigDescriptor(id string) bool {
	return sameUUID(d.DescriptorID, id)
}

// CanonicalUUID returns the lowercase dashed 128-bit form of a UUID string.
func CanonicalUUID(s string) (string, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(s) == 4 {
		s = "0000" + s + bluetoothBaseSuffix
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%q: %w", s, err)
	}
	return u.String(), nil
}

func sameUUID(canonical, other string) bool {
	c, err := CanonicalUUID(other)
	if err != nil {
		return false
	}
	return c == canonical
}
