package btadapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btaddr"
	"tinygo.org/x/bluetooth"
)

// BlueZAdapter is the tinygo.org/x/bluetooth-backed Adapter, which on Linux
// talks to the platform stack over BlueZ/D-Bus.
type BlueZAdapter struct {
	mu      sync.Mutex
	adapter *bluetooth.Adapter

	scanMu   sync.Mutex
	scanning bool
	stopScan chan struct{}

	observedMu sync.Mutex
	observed   map[btaddr.Address]*AdvertisementSnapshot
}

// NewBlueZAdapter wraps the process-wide default adapter.
func NewBlueZAdapter() *BlueZAdapter {
	return &BlueZAdapter{
		adapter:  bluetooth.DefaultAdapter,
		observed: make(map[btaddr.Address]*AdvertisementSnapshot),
	}
}

func (a *BlueZAdapter) PowerOn(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.adapter.Enable()
	if err == nil {
		return nil
	}

	// One retry before surfacing: BlueZ occasionally reports the adapter
	// off for a moment right after boot or an rfkill toggle.
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := a.adapter.Enable(); err != nil {
		return NewAdapterError(KindUnavailable, fmt.Errorf("enable adapter: %w", err))
	}
	return nil
}

func (a *BlueZAdapter) StartDiscovery(ctx context.Context) error {
	a.scanMu.Lock()
	if a.scanning {
		a.scanMu.Unlock()
		return NewAdapterError(KindProtocol, fmt.Errorf("discovery already in progress"))
	}
	a.scanning = true
	a.stopScan = make(chan struct{})
	a.scanMu.Unlock()

	scanErr := make(chan error, 1)
	go func() {
		err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case <-a.stopScan:
				adapter.StopScan()
				return
			default:
			}
			a.record(result)
		})
		scanErr <- err
	}()

	// The underlying Scan call blocks for the lifetime of the scan, so we
	// only wait long enough to surface an immediate start failure (a
	// disabled adapter, typically) without blocking the caller for the
	// whole discovery window.
	select {
	case err := <-scanErr:
		a.scanMu.Lock()
		a.scanning = false
		a.scanMu.Unlock()
		if err != nil {
			return NewAdapterError(KindUnavailable, err)
		}
		return nil
	case <-time.After(200 * time.Millisecond):
		return nil
	case <-ctx.Done():
		a.StopDiscovery()
		return ctx.Err()
	}
}

func (a *BlueZAdapter) StopDiscovery() error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()
	if !a.scanning {
		return nil
	}
	a.scanning = false
	if a.stopScan != nil {
		close(a.stopScan)
		a.stopScan = nil
	}
	if err := a.adapter.StopScan(); err != nil {
		return NewAdapterError(KindIO, err)
	}
	return nil
}

func (a *BlueZAdapter) record(result bluetooth.ScanResult) {
	addr, err := btaddr.Parse(result.Address.String())
	if err != nil {
		return
	}

	mfg := make(map[uint16][]byte)
	for _, elem := range result.ManufacturerData() {
		mfg[elem.CompanyID] = append([]byte(nil), elem.Data...)
	}

	snap := &AdvertisementSnapshot{
		Address:          addr,
		LocalName:        result.LocalName(),
		ManufacturerData: mfg,
		RSSIDbm:          result.RSSI,
		LastSeen:         time.Now(),
	}

	a.observedMu.Lock()
	a.observed[addr] = snap
	a.observedMu.Unlock()
}

func (a *BlueZAdapter) EnumerateDevices() []AdvertisementSnapshot {
	a.observedMu.Lock()
	defer a.observedMu.Unlock()
	out := make([]AdvertisementSnapshot, 0, len(a.observed))
	for _, snap := range a.observed {
		out = append(out, *snap)
	}
	return out
}

func (a *BlueZAdapter) Connect(ctx context.Context, addr btaddr.Address) (Device, error) {
	mac, err := bluetooth.ParseMAC(addr.String())
	if err != nil {
		return nil, NewAdapterError(KindProtocol, fmt.Errorf("parse address: %w", err))
	}
	target := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		dev, err := a.adapter.Connect(target, params)
		resCh <- result{dev, err}
	}()

	select {
	case r := <-resCh:
		if r.err != nil {
			return nil, NewAdapterError(KindTimeout, fmt.Errorf("connect to %s: %w", addr, r.err))
		}
		return &blezDevice{addr: addr, dev: r.dev, connected: true}, nil
	case <-ctx.Done():
		return nil, NewAdapterError(KindTimeout, ctx.Err())
	}
}

// blezDevice wraps a connected bluetooth.Device.
type blezDevice struct {
	mu        sync.Mutex
	addr      btaddr.Address
	dev       bluetooth.Device
	connected bool
}

func (d *blezDevice) Address() btaddr.Address { return d.addr }

func (d *blezDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dev.Disconnect(); err != nil {
		return NewAdapterError(KindIO, err)
	}
	d.connected = false
	return nil
}

func (d *blezDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *blezDevice) GetServices(ctx context.Context) ([]Service, error) {
	svcs, err := d.dev.DiscoverServices(nil)
	if err != nil {
		return nil, NewAdapterError(KindProtocol, fmt.Errorf("discover services: %w", err))
	}
	out := make([]Service, 0, len(svcs))
	for _, s := range svcs {
		out = append(out, &blezService{svc: s})
	}
	return out, nil
}

func (d *blezDevice) GetService(ctx context.Context, uuid string) (Service, error) {
	u, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, NewAdapterError(KindProtocol, fmt.Errorf("parse service uuid %s: %w", uuid, err))
	}
	svcs, err := d.dev.DiscoverServices([]bluetooth.UUID{u})
	if err != nil || len(svcs) == 0 {
		return nil, NewAdapterError(KindProtocol, fmt.Errorf("discover service %s: %w", uuid, err))
	}
	return &blezService{svc: svcs[0]}, nil
}

type blezService struct {
	svc bluetooth.DeviceService
}

func (s *blezService) UUID() string { return s.svc.UUID().String() }

func (s *blezService) GetCharacteristics(ctx context.Context) ([]Characteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, NewAdapterError(KindProtocol, fmt.Errorf("discover characteristics: %w", err))
	}
	out := make([]Characteristic, 0, len(chars))
	for _, c := range chars {
		out = append(out, &blezCharacteristic{ch: c})
	}
	return out, nil
}

func (s *blezService) GetCharacteristic(ctx context.Context, uuid string) (Characteristic, error) {
	u, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, NewAdapterError(KindProtocol, fmt.Errorf("parse characteristic uuid %s: %w", uuid, err))
	}
	chars, err := s.svc.DiscoverCharacteristics([]bluetooth.UUID{u})
	if err != nil || len(chars) == 0 {
		return nil, NewAdapterError(KindProtocol, fmt.Errorf("discover characteristic %s: %w", uuid, err))
	}
	return &blezCharacteristic{ch: chars[0]}, nil
}

type blezCharacteristic struct {
	ch bluetooth.DeviceCharacteristic
}

func (c *blezCharacteristic) UUID() string { return c.ch.UUID().String() }

func (c *blezCharacteristic) SubscribeNotifications(handler func([]byte)) error {
	err := c.ch.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		handler(data)
	})
	if err != nil {
		return NewAdapterError(KindProtocol, fmt.Errorf("enable notifications: %w", err))
	}
	return nil
}

func (c *blezCharacteristic) Unsubscribe() error {
	if err := c.ch.EnableNotifications(nil); err != nil {
		return NewAdapterError(KindProtocol, fmt.Errorf("disable notifications: %w", err))
	}
	return nil
}

func (c *blezCharacteristic) WriteWithoutResponse(data []byte) (int, error) {
	n, err := c.ch.WriteWithoutResponse(data)
	if err != nil {
		return 0, NewAdapterError(KindIO, fmt.Errorf("write: %w", err))
	}
	return n, nil
}
