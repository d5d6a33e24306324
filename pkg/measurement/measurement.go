// Package measurement defines the typed, immutable measurement record
// produced by the BT510 codec from either an advertisement payload or a
// downloaded log entry.
package measurement

import "time"

// Kind enumerates the categories of value a sensor can report.
type Kind int

const (
	Temperature Kind = iota
	Battery
	Movement
	Other
)

func (k Kind) String() string {
	switch k {
	case Temperature:
		return "temperature"
	case Battery:
		return "battery"
	case Movement:
		return "movement"
	default:
		return "other"
	}
}

// Origin records where a Measurement was extracted from.
type Origin int

const (
	Advertisement Origin = iota
	Log
)

func (o Origin) String() string {
	if o == Advertisement {
		return "advertisement"
	}
	return "log"
}

// Units used by the Measurement.Unit field.
const (
	UnitCelsius = "°C"
	UnitVolts   = "V"
	UnitNone    = ""
)

// Measurement is an immutable, fully-decoded sensor reading. Movement
// events carry no value; the second result of Value reports whether the
// value is meaningful.
type Measurement struct {
	Kind      Kind
	value     float64
	hasValue  bool
	Unit      string
	Origin    Origin
	Timestamp time.Time
}

// New constructs a Measurement with a present value.
func New(kind Kind, value float64, unit string, origin Origin, ts time.Time) Measurement {
	return Measurement{Kind: kind, value: value, hasValue: true, Unit: unit, Origin: origin, Timestamp: ts}
}

// NewWithoutValue constructs a valueless Measurement, used for Movement
// events which are defined without a numeric reading.
func NewWithoutValue(kind Kind, origin Origin, ts time.Time) Measurement {
	return Measurement{Kind: kind, hasValue: false, Unit: UnitNone, Origin: origin, Timestamp: ts}
}

// Value returns the measurement's numeric value and whether one is
// present.
func (m Measurement) Value() (float64, bool) {
	return m.value, m.hasValue
}
