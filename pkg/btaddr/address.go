// Package btaddr provides the canonical BLE address type and the device
// classification derived from advertised manufacturer data.
package btaddr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAddress is returned when a string does not parse as a 48-bit
// BLE MAC address.
var ErrInvalidAddress = errors.New("btaddr: invalid address")

// Address is an immutable 48-bit BLE MAC address. The zero value is not a
// valid address; construct one with Parse or FromBytes.
type Address struct {
	raw [6]byte
}

// Parse accepts a colon-separated hex MAC address in any case, e.g.
// "aa:bb:cc:dd:ee:ff" or "AA:BB:CC:DD:EE:FF", and returns the canonical
// Address.
func Parse(s string) (Address, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	var a Address
	for i, p := range parts {
		if len(p) != 2 {
			return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		a.raw[i] = byte(v)
	}
	return a, nil
}

// FromBytes builds an Address from 6 raw bytes in on-wire order.
func FromBytes(b [6]byte) Address {
	return Address{raw: b}
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() [6]byte {
	return a.raw
}

// String renders the address in canonical upper-hex colon form.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		a.raw[0], a.raw[1], a.raw[2], a.raw[3], a.raw[4], a.raw[5])
}

// IsZero reports whether this is the unset zero value.
func (a Address) IsZero() bool {
	return a.raw == [6]byte{}
}

// DeviceType classifies a discovered device from its advertised
// manufacturer data.
type DeviceType int

const (
	// DeviceUnknown is used when the manufacturer identifier is absent or
	// unrecognized.
	DeviceUnknown DeviceType = iota
	// DeviceBT510 identifies a Laird/Ezurio BT510 sensor node.
	DeviceBT510
	// DeviceDummy identifies the sentinel test device.
	DeviceDummy
)

func (t DeviceType) String() string {
	switch t {
	case DeviceBT510:
		return "bt510"
	case DeviceDummy:
		return "dummy"
	default:
		return "unknown"
	}
}

// Company identifiers recognized in manufacturer-data advertisements.
const (
	CompanyIDBT510 uint16 = 0x0077
	CompanyIDDummy uint16 = 0x0000
)

// ClassifyCompanyID maps the first manufacturer-data company identifier in
// an advertisement to a DeviceType. An absent or unrecognized identifier
// yields DeviceUnknown.
func ClassifyCompanyID(companyID uint16, present bool) DeviceType {
	if !present {
		return DeviceUnknown
	}
	switch companyID {
	case CompanyIDBT510:
		return DeviceBT510
	case CompanyIDDummy:
		return DeviceDummy
	default:
		return DeviceUnknown
	}
}

// SensorType is the one-to-one mapping of a DeviceType onto the sensor
// implementation bound to it. DeviceUnknown has no corresponding
// SensorType.
type SensorType int

const (
	SensorNone SensorType = iota
	SensorBT510
	SensorDummy
)

func (t SensorType) String() string {
	switch t {
	case SensorBT510:
		return "bt510"
	case SensorDummy:
		return "dummy"
	default:
		return "none"
	}
}

// SensorTypeFor returns the SensorType bound to a DeviceType, and false if
// the device type has no associated sensor (DeviceUnknown).
func SensorTypeFor(d DeviceType) (SensorType, bool) {
	switch d {
	case DeviceBT510:
		return SensorBT510, true
	case DeviceDummy:
		return SensorDummy, true
	default:
		return SensorNone, false
	}
}
