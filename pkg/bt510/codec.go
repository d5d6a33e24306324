// Package bt510 implements the wire codec for the Laird/Ezurio BT510
// sensor family: scalar decoders for temperature and battery readings, the
// on-device log entry format, and the manufacturer-data advertisement
// layout.
package bt510

import (
	"encoding/binary"
	"time"

	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/measurement"
)

// Event type codes carried in byte 6 of a LogEntry.
const (
	EventTemperature byte = 1
	EventBatteryGood byte = 12
	EventBatteryBad  byte = 13
	EventBattery     byte = 16
)

// logEntrySize is the fixed wire size of one BT510 log entry.
const logEntrySize = 8

// advertisementRecordOffset is the byte offset of the well-known record
// type within the BT510 manufacturer-data blob, observed from a single
// reference payload. A full implementation would walk the TLV structure
// instead; see DESIGN.md for why this offset is kept as-is.
const advertisementRecordOffset = 19

// DecodeTemperature interprets a 16-bit wire value as two's-complement
// hundredths of a degree Celsius.
func DecodeTemperature(raw uint16) float64 {
	return float64(int16(raw)) / 100.0
}

// EncodeTemperature is the inverse of DecodeTemperature, rounding to the
// nearest hundredth of a degree before truncating to the wire's 16-bit
// two's-complement form.
func EncodeTemperature(celsius float64) uint16 {
	hundredths := int32(celsius*100 + signOf(celsius)*0.5)
	return uint16(int16(hundredths))
}

func signOf(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// DecodeBattery interprets a 16-bit wire value as millivolts and returns
// volts.
func DecodeBattery(raw uint16) float64 {
	return float64(raw) / 1000.0
}

// ParseLog walks an 8-byte-stride log buffer and returns the measurements
// for every recognized event type, in input order. Unrecognized event
// types are silently skipped: no measurement is emitted and no error is
// raised. Trailing bytes shorter than one stride are discarded. A nil or
// empty input yields an empty result.
func ParseLog(data []byte) []measurement.Measurement {
	n := len(data) / logEntrySize
	out := make([]measurement.Measurement, 0, n)

	for i := 0; i+logEntrySize <= len(data); i += logEntrySize {
		stride := data[i : i+logEntrySize]
		epoch := binary.LittleEndian.Uint32(stride[0:4])
		raw16 := binary.LittleEndian.Uint16(stride[4:6])
		event := stride[6]

		ts := time.Unix(int64(epoch), 0).UTC()

		switch event {
		case EventTemperature:
			out = append(out, measurement.New(measurement.Temperature, DecodeTemperature(raw16), measurement.UnitCelsius, measurement.Log, ts))
		case EventBatteryGood, EventBatteryBad, EventBattery:
			out = append(out, measurement.New(measurement.Battery, DecodeBattery(raw16), measurement.UnitVolts, measurement.Log, ts))
		default:
			// Unrecognized event type (including Movement): no measurement.
		}
	}

	return out
}

// ParseAdvertisement decodes the single measurement described at the
// well-known record offset of a BT510 manufacturer-data blob. It does not
// check the company ID; mfgData is decoded as given. An unrecognized record
// type, or a blob too short to hold one, yields no measurement without
// being an error.
func ParseAdvertisement(mfgData []byte, capturedAt time.Time) (measurement.Measurement, bool) {
	if len(mfgData) < advertisementRecordOffset+1+2 {
		return measurement.Measurement{}, false
	}

	recordType := mfgData[advertisementRecordOffset]
	raw16 := binary.LittleEndian.Uint16(mfgData[advertisementRecordOffset+1 : advertisementRecordOffset+3])

	switch recordType {
	case EventTemperature:
		return measurement.New(measurement.Temperature, DecodeTemperature(raw16), measurement.UnitCelsius, measurement.Advertisement, capturedAt), true
	case EventBatteryGood, EventBatteryBad, EventBattery:
		return measurement.New(measurement.Battery, DecodeBattery(raw16), measurement.UnitVolts, measurement.Advertisement, capturedAt), true
	default:
		return measurement.Measurement{}, false
	}
}
