package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btadapter"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btaddr"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/bttoken"
)

func addr(t *testing.T, s string) btaddr.Address {
	t.Helper()
	a, err := btaddr.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return a
}

func TestScanOnceDispatchesExactlyOncePerAddress(t *testing.T) {
	a1 := addr(t, "AA:BB:CC:DD:EE:01")
	a := btadapter.NewFakeAdapter()
	a.Seed(btadapter.AdvertisementSnapshot{Address: a1, LocalName: "BT510-1"}, btadapter.NewFakeDevice(a1))

	pool := bttoken.New(2, 0)
	defer pool.Close()

	var dispatches int32
	worker := func(ctx context.Context, snap btadapter.AdvertisementSnapshot, prefix string) {
		atomic.AddInt32(&dispatches, 1)
	}

	s := New(a, pool, nil, worker, nil)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := s.ScanOnce(ctx, []string{"BT510"}, 1200*time.Millisecond)
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("ScanOnce dispatched = %d, want 1 (admission control must dedupe repeated discoveries within a scan)", n)
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&dispatches) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&dispatches) != 1 {
		t.Fatalf("worker invoked %d times, want exactly 1", dispatches)
	}
}

func TestScanOnceFiltersByPrefix(t *testing.T) {
	a1 := addr(t, "AA:BB:CC:DD:EE:02")
	a := btadapter.NewFakeAdapter()
	a.Seed(btadapter.AdvertisementSnapshot{Address: a1, LocalName: "OtherDevice"}, btadapter.NewFakeDevice(a1))

	pool := bttoken.New(2, 0)
	defer pool.Close()

	s := New(a, pool, nil, nil, nil)
	defer s.Close()

	n, err := s.ScanOnce(context.Background(), []string{"BT510"}, 1200*time.Millisecond)
	if err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("ScanOnce dispatched = %d, want 0 (name does not match prefix)", n)
	}
}

func TestScanOnceBusyReturnsErrScanBusy(t *testing.T) {
	a := btadapter.NewFakeAdapter()
	pool := bttoken.New(2, 0)
	defer pool.Close()

	s := New(a, pool, nil, nil, nil)
	defer s.Close()

	// The first scan must hold the mutex for well past the second caller's
	// 1s wait; with the 1s poll cadence a 1.5s window keeps it held ~2s.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.ScanOnce(context.Background(), []string{"x"}, 1500*time.Millisecond)
	}()
	time.Sleep(20 * time.Millisecond) // let the first scan grab the mutex

	if _, err := s.ScanOnce(context.Background(), []string{"x"}, 10*time.Millisecond); err != ErrScanBusy {
		t.Fatalf("second ScanOnce = %v, want ErrScanBusy", err)
	}
	wg.Wait()
}

func TestAutoscanUsesConfigSnapshotTakenAtTick(t *testing.T) {
	a1 := addr(t, "AA:BB:CC:DD:EE:04")
	a := btadapter.NewFakeAdapter()
	a.Seed(btadapter.AdvertisementSnapshot{Address: a1, LocalName: "NEW-sensor"}, btadapter.NewFakeDevice(a1))

	pool := bttoken.New(2, 0)
	defer pool.Close()

	dispatched := make(chan string, 1)
	worker := func(ctx context.Context, snap btadapter.AdvertisementSnapshot, prefix string) {
		select {
		case dispatched <- prefix:
		default:
		}
	}

	s := New(a, pool, nil, worker, nil)
	defer s.Close()

	s.ConfigureAutoscan([]string{"OLD"}, 150*time.Millisecond, 50*time.Millisecond, true)
	s.StartAutoscan()
	defer s.StopAutoscan()

	// Replace the schedule while the loop is still asleep; the very next
	// tick must already scan with the new prefixes.
	s.ConfigureAutoscan([]string{"NEW"}, 150*time.Millisecond, 50*time.Millisecond, true)

	select {
	case prefix := <-dispatched:
		if prefix != "NEW" {
			t.Fatalf("autoscan dispatched with prefix %q, want the reconfigured NEW", prefix)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected a worker dispatch from the reconfigured autoscan tick")
	}
}

func TestAutoscanDisableDuringSleepIsHonored(t *testing.T) {
	a1 := addr(t, "AA:BB:CC:DD:EE:05")
	a := btadapter.NewFakeAdapter()
	a.Seed(btadapter.AdvertisementSnapshot{Address: a1, LocalName: "BT510-x"}, btadapter.NewFakeDevice(a1))

	pool := bttoken.New(2, 0)
	defer pool.Close()

	var dispatches int32
	worker := func(ctx context.Context, snap btadapter.AdvertisementSnapshot, prefix string) {
		atomic.AddInt32(&dispatches, 1)
	}

	s := New(a, pool, nil, worker, nil)
	defer s.Close()

	s.ConfigureAutoscan([]string{"BT510"}, 150*time.Millisecond, 50*time.Millisecond, true)
	s.StartAutoscan()
	defer s.StopAutoscan()

	s.ConfigureAutoscan([]string{"BT510"}, 150*time.Millisecond, 50*time.Millisecond, false)

	time.Sleep(500 * time.Millisecond)
	if n := atomic.LoadInt32(&dispatches); n != 0 {
		t.Fatalf("worker dispatched %d times after autoscan was disabled mid-sleep, want 0", n)
	}
}

func TestTryMarkForProcessingRespectsCooldown(t *testing.T) {
	a := btadapter.NewFakeAdapter()
	pool := bttoken.New(2, 0)
	defer pool.Close()
	s := New(a, pool, nil, nil, nil)
	defer s.Close()

	addr1 := addr(t, "AA:BB:CC:DD:EE:03")
	if !s.tryMarkForProcessing(addr1) {
		t.Fatal("expected first admission to succeed")
	}
	if s.tryMarkForProcessing(addr1) {
		t.Fatal("expected second admission to be rejected while still in-process")
	}
	s.clearInProcess(addr1)
	if s.tryMarkForProcessing(addr1) {
		t.Fatal("expected admission to be rejected within the cooldown window even after clearing in-process")
	}
}
