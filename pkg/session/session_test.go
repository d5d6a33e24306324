package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btadapter"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btaddr"
)

func newFakeRig(t *testing.T) (*btadapter.FakeAdapter, btaddr.Address, *btadapter.FakeCharacteristic) {
	t.Helper()
	addr, err := btaddr.Parse("AA:BB:CC:DD:EE:10")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cmdChar := btadapter.NewFakeCharacteristic(CommandCharUUID)
	respChar := btadapter.NewFakeCharacteristic(ResponseCharUUID)
	svc := btadapter.NewFakeService(PrimaryServiceUUID).
		WithCharacteristic(CommandCharUUID, cmdChar).
		WithCharacteristic(ResponseCharUUID, respChar)
	dev := btadapter.NewFakeDevice(addr).WithService(PrimaryServiceUUID, svc)

	a := btadapter.NewFakeAdapter()
	a.Seed(btadapter.AdvertisementSnapshot{Address: addr}, dev)

	// The response characteristic is what echoes notifications, but
	// Request writes to the command characteristic; wire the command
	// characteristic's responder to notify through the response
	// characteristic's subscribed handler for realism.
	cmdChar.Responder = func(written []byte, _ func([]byte)) {
		var req struct {
			ID     uint32      `json:"id"`
			Method string      `json:"method"`
			Params interface{} `json:"params"`
		}
		if err := json.Unmarshal(written, &req); err != nil {
			return
		}
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "ok"}
		b, _ := json.Marshal(resp)
		respChar.Notify(b)
	}

	return a, addr, respChar
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectBackoff = []time.Duration{time.Millisecond}
	cfg.StabilizationDelay = time.Millisecond
	cfg.RetryDelay = time.Millisecond
	cfg.RequestTimeout = 500 * time.Millisecond
	return cfg
}

func TestSessionOpenRequestClose(t *testing.T) {
	a, addr, _ := newFakeRig(t)
	s := New(a, addr, testConfig(), nil, nil)

	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("State() = %v, want Ready", s.State())
	}

	// Open is idempotent once Ready.
	if err := s.Open(ctx); err != nil {
		t.Fatalf("second Open: %v", err)
	}

	resp, err := s.Request(ctx, nil, "set", map[string]interface{}{"sensorName": "abc"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	str, ok := resp.AsString()
	if !ok || str != "ok" {
		t.Fatalf("AsString() = %q, %v, want ok", str, ok)
	}
	if s.State() != StateReady {
		t.Fatalf("State() after Request = %v, want Ready", s.State())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("State() after Close = %v, want Closed", s.State())
	}
	// Idempotent.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSessionRequestTimesOutAndFails(t *testing.T) {
	a, addr, _ := newFakeRig(t)
	cfg := testConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	cfg.MaxCommandRetries = 2
	cfg.RetryDelay = time.Millisecond
	s := New(a, addr, cfg, nil, nil)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Strip the responder so no response ever arrives.
	svc, _ := s.device.GetService(context.Background(), PrimaryServiceUUID)
	cmdChar, _ := svc.GetCharacteristic(context.Background(), CommandCharUUID)
	cmdChar.(*btadapter.FakeCharacteristic).Responder = nil

	_, err := s.Request(context.Background(), nil, "get", []string{"sensorName"})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if s.State() != StateFailed {
		t.Fatalf("State() = %v, want Failed after exhausted retries", s.State())
	}
}

func TestSessionRequestNotReadyBeforeOpen(t *testing.T) {
	a, addr, _ := newFakeRig(t)
	s := New(a, addr, testConfig(), nil, nil)
	if _, err := s.Request(context.Background(), nil, "get", nil); err != ErrNotReady {
		t.Fatalf("Request before Open = %v, want ErrNotReady", err)
	}
}

func TestSessionRetriesUseFreshIDs(t *testing.T) {
	a, addr, respChar := newFakeRig(t)
	cfg := testConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	cfg.MaxCommandRetries = 3
	cfg.RetryDelay = time.Millisecond
	s := New(a, addr, cfg, nil, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	var seenIDs []uint32
	rawCmdChar := s.commandChar.(*btadapter.FakeCharacteristic)
	rawCmdChar.Responder = func(written []byte, _ func([]byte)) {
		var req struct {
			ID uint32 `json:"id"`
		}
		json.Unmarshal(written, &req)
		seenIDs = append(seenIDs, req.ID)
		if len(seenIDs) < 2 {
			return // drop the first attempt to force a retry
		}
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": "ok"}
		b, _ := json.Marshal(resp)
		respChar.Notify(b)
	}

	_, err := s.Request(context.Background(), nil, "get", []string{"mtu"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if len(seenIDs) != 2 || seenIDs[0] == seenIDs[1] {
		t.Fatalf("expected two distinct ids across retries, got %v", seenIDs)
	}
}

func TestSessionCloseCancelsInflightRequest(t *testing.T) {
	a, addr, _ := newFakeRig(t)
	cfg := testConfig()
	cfg.RequestTimeout = 2 * time.Second
	cfg.MaxCommandRetries = 1
	s := New(a, addr, cfg, nil, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// No responder: the request waiter blocks until closed.
	s.commandChar.(*btadapter.FakeCharacteristic).Responder = nil

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), nil, "get", []string{"mtu"})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected the in-flight request to fail once the session closed")
		}
	case <-time.After(time.Second):
		t.Fatal("request did not unblock after Close")
	}
}
