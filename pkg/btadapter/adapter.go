// Package btadapter narrows the platform BLE stack down to the handful of
// operations the gateway core needs: adapter power/discovery, device
// connection, GATT discovery, notification subscription, and
// write-without-response. Concrete implementations wrap a real BLE stack
// (see blez.go for the tinygo.org/x/bluetooth/BlueZ-backed one); tests use
// an in-memory fake satisfying the same interfaces.
package btadapter

import (
	"context"
	"fmt"
	"time"

	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btaddr"
)

// ErrorKind classifies an AdapterError.
type ErrorKind int

const (
	KindUnavailable ErrorKind = iota
	KindTimeout
	KindProtocol
	KindIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	default:
		return "io"
	}
}

// AdapterError wraps every failure the adapter facade can produce with a
// classification the session manager and scanner use to decide on
// retries.
type AdapterError struct {
	Kind ErrorKind
	Err  error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("btadapter: %s: %v", e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError wraps err with the given classification. A nil err
// yields a nil *AdapterError.
func NewAdapterError(kind ErrorKind, err error) *AdapterError {
	if err == nil {
		return nil
	}
	return &AdapterError{Kind: kind, Err: err}
}

// AdvertisementSnapshot is an immutable view of a single device's most
// recently observed advertisement, produced by the adapter per discovery
// tick.
type AdvertisementSnapshot struct {
	Address          btaddr.Address
	LocalName        string
	ManufacturerData map[uint16][]byte
	RSSIDbm          int16
	LastSeen         time.Time
}

// Adapter is the facade over the platform Bluetooth adapter.
type Adapter interface {
	// PowerOn ensures the adapter is enabled, retrying once internally if
	// the stack reports it is off, before surfacing KindUnavailable.
	PowerOn(ctx context.Context) error

	// StartDiscovery begins scanning; discovered devices accumulate and
	// are retrieved with EnumerateDevices.
	StartDiscovery(ctx context.Context) error

	// StopDiscovery halts scanning. It is always safe to call even if no
	// scan is in progress.
	StopDiscovery() error

	// EnumerateDevices returns a snapshot of every device observed so far,
	// each with its most recent advertisement. Starting a new discovery
	// does not clear devices seen earlier.
	EnumerateDevices() []AdvertisementSnapshot

	// Connect establishes a GATT connection to the given address.
	Connect(ctx context.Context, addr btaddr.Address) (Device, error)
}

// Device is a single connected (or connectable) BLE peer.
type Device interface {
	Address() btaddr.Address
	Disconnect() error
	IsConnected() bool
	GetService(ctx context.Context, uuid string) (Service, error)
	GetServices(ctx context.Context) ([]Service, error)
}

// Service is a GATT service on a connected Device.
type Service interface {
	UUID() string
	GetCharacteristic(ctx context.Context, uuid string) (Characteristic, error)
	GetCharacteristics(ctx context.Context) ([]Characteristic, error)
}

// Characteristic is a GATT characteristic supporting notify and
// write-without-response.
type Characteristic interface {
	UUID() string
	SubscribeNotifications(handler func([]byte)) error
	Unsubscribe() error
	WriteWithoutResponse(data []byte) (int, error)
}
