package btadapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btaddr"
)

// FakeAdapter is an in-memory Adapter used by session/sensor/scanner tests
// so they can exercise connect/discover/notify/write flows without real
// Bluetooth hardware.
type FakeAdapter struct {
	mu         sync.Mutex
	poweredOn  bool
	discovered map[btaddr.Address]*AdvertisementSnapshot
	devices    map[btaddr.Address]*FakeDevice

	// ConnectErr, when set, is returned by Connect instead of looking up
	// a registered device.
	ConnectErr error
}

// NewFakeAdapter returns an empty FakeAdapter.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		discovered: make(map[btaddr.Address]*AdvertisementSnapshot),
		devices:    make(map[btaddr.Address]*FakeDevice),
	}
}

// Seed registers a device's advertisement and connect target.
func (a *FakeAdapter) Seed(snap AdvertisementSnapshot, dev *FakeDevice) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discovered[snap.Address] = &snap
	a.devices[snap.Address] = dev
}

func (a *FakeAdapter) PowerOn(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.poweredOn = true
	return nil
}

func (a *FakeAdapter) StartDiscovery(ctx context.Context) error { return nil }
func (a *FakeAdapter) StopDiscovery() error                     { return nil }

func (a *FakeAdapter) EnumerateDevices() []AdvertisementSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AdvertisementSnapshot, 0, len(a.discovered))
	for _, s := range a.discovered {
		out = append(out, *s)
	}
	return out
}

func (a *FakeAdapter) Connect(ctx context.Context, addr btaddr.Address) (Device, error) {
	if a.ConnectErr != nil {
		return nil, a.ConnectErr
	}
	a.mu.Lock()
	dev, ok := a.devices[addr]
	a.mu.Unlock()
	if !ok {
		return nil, NewAdapterError(KindTimeout, fmt.Errorf("no fake device registered for %s", addr))
	}
	dev.mu.Lock()
	dev.connected = true
	dev.mu.Unlock()
	return dev, nil
}

// FakeDevice is an in-memory Device/Service/Characteristic tree.
type FakeDevice struct {
	mu         sync.Mutex
	addr       btaddr.Address
	connected  bool
	services   map[string]*FakeService
	DisconnErr error
}

// NewFakeDevice returns a device with no services registered.
func NewFakeDevice(addr btaddr.Address) *FakeDevice {
	return &FakeDevice{addr: addr, services: make(map[string]*FakeService)}
}

// WithService attaches a service keyed by UUID string.
func (d *FakeDevice) WithService(uuid string, svc *FakeService) *FakeDevice {
	d.services[uuid] = svc
	return d
}

func (d *FakeDevice) Address() btaddr.Address { return d.addr }

func (d *FakeDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DisconnErr != nil {
		return d.DisconnErr
	}
	d.connected = false
	return nil
}

func (d *FakeDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *FakeDevice) GetService(ctx context.Context, uuid string) (Service, error) {
	svc, ok := d.services[uuid]
	if !ok {
		return nil, NewAdapterError(KindProtocol, fmt.Errorf("service %s not found", uuid))
	}
	return svc, nil
}

func (d *FakeDevice) GetServices(ctx context.Context) ([]Service, error) {
	out := make([]Service, 0, len(d.services))
	for _, s := range d.services {
		out = append(out, s)
	}
	return out, nil
}

// FakeService is an in-memory Service.
type FakeService struct {
	uuid            string
	characteristics map[string]*FakeCharacteristic
}

// NewFakeService returns a service with no characteristics registered.
func NewFakeService(uuid string) *FakeService {
	return &FakeService{uuid: uuid, characteristics: make(map[string]*FakeCharacteristic)}
}

// WithCharacteristic attaches a characteristic keyed by UUID string.
func (s *FakeService) WithCharacteristic(uuid string, ch *FakeCharacteristic) *FakeService {
	s.characteristics[uuid] = ch
	return s
}

func (s *FakeService) UUID() string { return s.uuid }

func (s *FakeService) GetCharacteristic(ctx context.Context, uuid string) (Characteristic, error) {
	ch, ok := s.characteristics[uuid]
	if !ok {
		return nil, NewAdapterError(KindProtocol, fmt.Errorf("characteristic %s not found", uuid))
	}
	return ch, nil
}

func (s *FakeService) GetCharacteristics(ctx context.Context) ([]Characteristic, error) {
	out := make([]Characteristic, 0, len(s.characteristics))
	for _, c := range s.characteristics {
		out = append(out, c)
	}
	return out, nil
}

// FakeCharacteristic is an in-memory Characteristic. Writes are recorded
// and, when Responder is set, fed back through the subscribed handler so
// tests can simulate a request/response round trip.
type FakeCharacteristic struct {
	mu        sync.Mutex
	uuid      string
	handler   func([]byte)
	Writes    [][]byte
	WriteErr  error
	Responder func(written []byte, notify func([]byte))
}

// NewFakeCharacteristic returns a characteristic with no responder.
func NewFakeCharacteristic(uuid string) *FakeCharacteristic {
	return &FakeCharacteristic{uuid: uuid}
}

func (c *FakeCharacteristic) UUID() string { return c.uuid }

func (c *FakeCharacteristic) SubscribeNotifications(handler func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	return nil
}

// Notify delivers data to the subscribed handler, as a real peripheral's
// notification would.
func (c *FakeCharacteristic) Notify(data []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(data)
	}
}

func (c *FakeCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
	return nil
}

func (c *FakeCharacteristic) WriteWithoutResponse(data []byte) (int, error) {
	c.mu.Lock()
	if c.WriteErr != nil {
		err := c.WriteErr
		c.mu.Unlock()
		return 0, err
	}
	cp := append([]byte(nil), data...)
	c.Writes = append(c.Writes, cp)
	responder := c.Responder
	h := c.handler
	c.mu.Unlock()

	if responder != nil {
		responder(cp, func(b []byte) {
			if h != nil {
				h(b)
			}
		})
	}
	return len(data), nil
}
