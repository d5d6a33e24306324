// Package events is the gateway's multi-subscriber fan-out: the Scanner
// and per-device Sessions publish lifecycle events, and any number of
// outside consumers (a CLI status printer, a future MQTT forwarder) can
// subscribe to a bounded channel of them without ever blocking the
// producer.
package events

import (
	"sync"
	"time"

	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btaddr"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/measurement"
)

// Kind identifies an Event's payload shape.
type Kind int

const (
	ScanStarted Kind = iota
	ScanCompleted
	ScanFailed
	DeviceDiscovered
	Connected
	Disconnected
	RequestFailed
	DeviceFailed
	MeasurementReceived
)

func (k Kind) String() string {
	switch k {
	case ScanStarted:
		return "scan_started"
	case ScanCompleted:
		return "scan_completed"
	case ScanFailed:
		return "scan_failed"
	case DeviceDiscovered:
		return "device_discovered"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case RequestFailed:
		return "request_failed"
	case DeviceFailed:
		return "device_failed"
	case MeasurementReceived:
		return "measurement_received"
	default:
		return "unknown"
	}
}

// Event is a single published gateway occurrence. Only the field(s)
// relevant to Kind are populated.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	// ScanStarted / ScanCompleted
	Prefixes []string
	Duration time.Duration
	Count    int

	// DeviceDiscovered / Connected / Disconnected / RequestFailed / DeviceFailed
	Address       btaddr.Address
	Name          string
	MatchedPrefix string

	// ScanFailed / RequestFailed / DeviceFailed
	ErrKind string
	Detail  string

	// MeasurementReceived
	Measurement measurement.Measurement
}

// subscriberBuffer is the per-subscriber channel depth.
const subscriberBuffer = 100

// Bus is a bounded multi-subscriber event fan-out. The zero value is not
// usable; construct with New.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
}

// New returns an empty, ready-to-use Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe returns a channel that receives every published Event from
// this point on. Callers must eventually Unsubscribe to release it.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription previously returned by
// Subscribe. It is a no-op if ch is not a current subscriber.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// Publish fans ev out to every current subscriber. A subscriber whose
// channel is full is skipped rather than blocking the producer.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
