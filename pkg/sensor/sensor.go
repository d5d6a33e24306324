// Package sensor is the facade binding a Session's JSON-RPC transport to
// the BT510 wire codec: log download, advertisement parsing, and
// configuration get/set, plus a bounded measurement-delivery channel.
package sensor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/bt510"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/bttoken"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/events"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/measurement"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/session"
)

// MaxLogEntriesPerRequest bounds how many log entries a single readLog
// call asks for.
const MaxLogEntriesPerRequest = 128

// measurementChannelDepth bounds the Sensor's measurement delivery
// channel; a slow consumer drops rather than stalling log download.
const measurementChannelDepth = 256

// LogCallback is invoked once per decoded batch during DownloadLog. It
// returns true to acknowledge the batch (causing an ackLog call) or false
// to leave the entries on the device for a future download.
type LogCallback func(batch []measurement.Measurement) (accept bool)

// Sensor binds a Session to the BT510 JSON-RPC method set and codec.
type Sensor struct {
	sess *session.Session
	tok  *bttoken.Token
	bus  *events.Bus

	maxLogEntriesPerRequest int
	measurements            chan measurement.Measurement
}

// New returns a Sensor driving requests through sess. tok, if non-nil, is
// checked for validity by the underlying session before each request.
func New(sess *session.Session, tok *bttoken.Token, bus *events.Bus) *Sensor {
	return &Sensor{
		sess:                    sess,
		tok:                     tok,
		bus:                     bus,
		maxLogEntriesPerRequest: MaxLogEntriesPerRequest,
		measurements:            make(chan measurement.Measurement, measurementChannelDepth),
	}
}

// SetMaxLogEntriesPerRequest overrides the per-readLog batch size bound
// (max_log_entries_per_request); n <= 0 is ignored and the default stands.
func (s *Sensor) SetMaxLogEntriesPerRequest(n int) {
	if n > 0 {
		s.maxLogEntriesPerRequest = n
	}
}

// Measurements returns the channel every decoded Measurement (from both
// advertisements and downloaded log entries) is delivered on.
func (s *Sensor) Measurements() <-chan measurement.Measurement {
	return s.measurements
}

func (s *Sensor) deliver(m measurement.Measurement) {
	select {
	case s.measurements <- m:
	default:
		// Slow consumer: drop rather than block discovery/log download.
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{Kind: events.MeasurementReceived, Measurement: m})
	}
}

// ParseAdvertisement decodes a BT510 advertisement payload without
// connecting, delivering the measurement (if any) on the Measurements
// channel and also returning it.
func (s *Sensor) ParseAdvertisement(mfgData []byte, capturedAt time.Time) (measurement.Measurement, bool) {
	m, ok := bt510.ParseAdvertisement(mfgData, capturedAt)
	if ok {
		s.deliver(m)
	}
	return m, ok
}

// GetConfiguration issues a `get` request for the named properties and
// returns the typed mapping result, accepting both the canonical and the
// flattened response shapes the firmware produces.
func (s *Sensor) GetConfiguration(ctx context.Context, properties []string) (map[string]interface{}, error) {
	resp, err := s.sess.Request(ctx, s.tok, "get", properties)
	if err != nil {
		return nil, fmt.Errorf("sensor: get: %w", err)
	}
	m, present, err := resp.AsMap()
	if err != nil {
		return nil, fmt.Errorf("sensor: get: %w", err)
	}
	if !present {
		return nil, nil
	}
	return m, nil
}

// SetConfiguration issues a `set` request with the given property→value
// map and reports whether the device acknowledged with "ok".
func (s *Sensor) SetConfiguration(ctx context.Context, properties map[string]interface{}) (bool, error) {
	resp, err := s.sess.Request(ctx, s.tok, "set", properties)
	if err != nil {
		return false, fmt.Errorf("sensor: set: %w", err)
	}
	ok, _ := resp.AsBool()
	return ok, nil
}

// Dump issues the diagnostics `dump` request and returns the raw result
// bytes without interpreting their shape.
func (s *Sensor) Dump(ctx context.Context) (json.RawMessage, error) {
	resp, err := s.sess.Request(ctx, s.tok, "dump", nil)
	if err != nil {
		return nil, fmt.Errorf("sensor: dump: %w", err)
	}
	return resp.AsRaw(), nil
}

// DownloadLog drives the prepareLog -> readLog(N) -> decode -> callback
// -> ackLog(N) loop until the entry count prepareLog reported has been
// read; the device is not asked again for entries added meanwhile. mode is
// forwarded to prepareLog without interpretation; codes beyond 0 are
// undocumented firmware behavior.
func (s *Sensor) DownloadLog(ctx context.Context, mode int, cb LogCallback) (int, error) {
	resp, err := s.sess.Request(ctx, s.tok, "prepareLog", mode)
	if err != nil {
		return 0, fmt.Errorf("sensor: prepareLog: %w", err)
	}
	available, ok := resp.AsInt()
	if !ok {
		return 0, fmt.Errorf("sensor: prepareLog: unexpected result shape")
	}

	total := 0
	for available > 0 {
		n := available
		if n > s.maxLogEntriesPerRequest {
			n = s.maxLogEntriesPerRequest
		}

		resp, err := s.sess.Request(ctx, s.tok, "readLog", n)
		if err != nil {
			return total, fmt.Errorf("sensor: readLog: %w", err)
		}
		encoded, ok := resp.AsString()
		if !ok {
			return total, fmt.Errorf("sensor: readLog: unexpected result shape")
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return total, fmt.Errorf("sensor: readLog: invalid base64: %w", err)
		}

		batch := bt510.ParseLog(raw)
		accept := true
		if cb != nil {
			accept = cb(batch)
		}
		for _, m := range batch {
			s.deliver(m)
		}

		if accept {
			ackResp, err := s.sess.Request(ctx, s.tok, "ackLog", n)
			if err != nil {
				return total, fmt.Errorf("sensor: ackLog: %w", err)
			}
			acked, _ := ackResp.AsInt()
			total += acked
		}

		available -= n
	}

	return total, nil
}
