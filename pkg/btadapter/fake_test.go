package btadapter

import (
	"context"
	"testing"

	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btaddr"
)

func TestFakeAdapterConnectDiscoverNotifyWrite(t *testing.T) {
	addr, err := btaddr.Parse("AA:BB:CC:DD:EE:01")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	ch := NewFakeCharacteristic("569a2001-b87f-490c-92cb-11ba5ea5167c")
	ch.Responder = func(written []byte, notify func([]byte)) {
		notify([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}`))
	}
	svc := NewFakeService("569a1101-b87f-490c-92cb-11ba5ea5167c").WithCharacteristic(ch.UUID(), ch)
	dev := NewFakeDevice(addr).WithService(svc.UUID(), svc)

	a := NewFakeAdapter()
	a.Seed(AdvertisementSnapshot{Address: addr, LocalName: "BT510"}, dev)

	ctx := context.Background()
	if err := a.PowerOn(ctx); err != nil {
		t.Fatalf("PowerOn: %v", err)
	}

	got, err := a.Connect(ctx, addr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !got.IsConnected() {
		t.Fatal("expected device to report connected")
	}

	gotSvc, err := got.GetService(ctx, svc.UUID())
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	gotCh, err := gotSvc.GetCharacteristic(ctx, ch.UUID())
	if err != nil {
		t.Fatalf("GetCharacteristic: %v", err)
	}

	received := make(chan []byte, 1)
	if err := gotCh.SubscribeNotifications(func(b []byte) { received <- b }); err != nil {
		t.Fatalf("SubscribeNotifications: %v", err)
	}

	n, err := gotCh.WriteWithoutResponse([]byte(`{"jsonrpc":"2.0","method":"get","params":["mtu"],"id":1}`))
	if err != nil || n == 0 {
		t.Fatalf("WriteWithoutResponse: n=%d err=%v", n, err)
	}

	select {
	case b := <-received:
		if string(b) != `{"jsonrpc":"2.0","id":1,"result":"ok"}` {
			t.Fatalf("unexpected notification payload: %s", b)
		}
	default:
		t.Fatal("expected a notification to have been delivered synchronously")
	}

	if err := got.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got.IsConnected() {
		t.Fatal("expected device to report disconnected")
	}
}

func TestFakeAdapterConnectUnknownAddress(t *testing.T) {
	addr, _ := btaddr.Parse("AA:BB:CC:DD:EE:02")
	a := NewFakeAdapter()
	if _, err := a.Connect(context.Background(), addr); err == nil {
		t.Fatal("expected an error connecting to an unregistered address")
	}
}

func TestAdapterErrorUnwrap(t *testing.T) {
	base := context.DeadlineExceeded
	wrapped := NewAdapterError(KindTimeout, base)
	if wrapped.Unwrap() != base {
		t.Fatalf("Unwrap() = %v, want %v", wrapped.Unwrap(), base)
	}
	if NewAdapterError(KindTimeout, nil) != nil {
		t.Fatal("NewAdapterError with nil err should return nil")
	}
}
