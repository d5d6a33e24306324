// Package scanner implements the gateway's discovery control loop: it
// sustains BLE advertisement scanning within bounded resources, applies
// admission control so each device is dispatched to at most one worker
// per cooldown window, and never lets a slow or failing worker stall the
// scan itself.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btadapter"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btaddr"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/bttoken"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/events"
)

const (
	// cooldown is the minimum time between two dispatches for the same
	// address.
	cooldown = 5 * time.Minute
	// sweepMaxAge purges last-seen entries older than this.
	sweepMaxAge = 1 * time.Hour
	// sweepInterval is how often the background sweeper runs.
	sweepInterval = 10 * time.Minute
	// scanMutexTimeout bounds how long a scan waits for the mutex before
	// giving up for this tick.
	scanMutexTimeout = 1 * time.Second
	// tokenAcquireTimeout bounds how long a scan waits for a BT token.
	tokenAcquireTimeout = 60 * time.Second
	// pollInterval is the discovery-loop enumeration cadence.
	pollInterval = 1 * time.Second
	// errorBackoff is how long the autoscan loop waits after an uncaught
	// scan error before trying again.
	errorBackoff = 60 * time.Second
	// shutdownBudget bounds how long StopAutoscan waits for cooperative
	// shutdown before abandoning the loop goroutine.
	shutdownBudget = 5 * time.Second
)

// ErrScanBusy is returned by ScanOnce when another scan already holds the
// scan mutex and the 1s wait elapses.
var ErrScanBusy = errors.New("scanner: a scan is already in progress")

// WorkerFunc is invoked, fire-and-forget, for every newly admitted
// device. It owns the device's entire lifecycle (token acquisition,
// session open/request/close) and must not block indefinitely; the
// scanner only guarantees the address is removed from in-process tracking
// once WorkerFunc returns.
type WorkerFunc func(ctx context.Context, snap btadapter.AdvertisementSnapshot, matchedPrefix string)

// Config is the atomically-replaceable autoscan schedule and filter set.
type Config struct {
	Prefixes []string
	Interval time.Duration
	Duration time.Duration
	Enabled  bool
}

// Scanner is the discovery control loop: one configuration lock, one scan
// mutex, and two maps tracking admission state.
type Scanner struct {
	adapter btadapter.Adapter
	tokens  *bttoken.Pool
	bus     *events.Bus
	worker  WorkerFunc
	log     *slog.Logger

	cfgMu sync.Mutex
	cfg   Config

	scanSem chan struct{}

	stateMu    sync.Mutex
	lastSeenAt map[btaddr.Address]time.Time
	inProcess  map[btaddr.Address]bool

	// minRSSI is the configured min_rssi threshold (dBm); 0 means
	// unfiltered since real RSSI readings are always negative.
	minRSSI int32

	autoscanCancel context.CancelFunc
	autoscanDone   chan struct{}

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New returns a Scanner with autoscan disabled and no configured
// prefixes. worker may be nil, in which case admitted devices are simply
// dropped from in-process tracking without any side effect — useful for
// discovery-only testing.
func New(adapter btadapter.Adapter, tokens *bttoken.Pool, bus *events.Bus, worker WorkerFunc, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	s := &Scanner{
		adapter:    adapter,
		tokens:     tokens,
		bus:        bus,
		worker:     worker,
		log:        log,
		scanSem:    make(chan struct{}, 1),
		lastSeenAt: make(map[btaddr.Address]time.Time),
		inProcess:  make(map[btaddr.Address]bool),
		sweepStop:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// SetMinRSSI sets the min_rssi admission threshold: devices whose
// advertisement RSSI falls below dbm are skipped before prefix matching.
// A value of 0 (the default) disables the filter.
func (s *Scanner) SetMinRSSI(dbm int) {
	atomic.StoreInt32(&s.minRSSI, int32(dbm))
}

// ConfigureAutoscan atomically replaces the filter set and schedule.
func (s *Scanner) ConfigureAutoscan(prefixes []string, interval, duration time.Duration, enabled bool) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = Config{Prefixes: prefixes, Interval: interval, Duration: duration, Enabled: enabled}
}

func (s *Scanner) snapshotConfig() Config {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

// ScanOnce runs a single scan for up to duration and returns the count of
// newly dispatched devices. It returns ErrScanBusy if another scan holds
// the mutex for longer than the 1s wait.
func (s *Scanner) ScanOnce(ctx context.Context, prefixes []string, duration time.Duration) (int, error) {
	if !s.tryLockScan(scanMutexTimeout) {
		s.publish(events.Event{Kind: events.ScanFailed, Prefixes: prefixes, ErrKind: "busy", Detail: ErrScanBusy.Error()})
		return 0, ErrScanBusy
	}
	defer s.unlockScan()
	return s.runScan(ctx, prefixes, duration)
}

func (s *Scanner) tryLockScan(timeout time.Duration) bool {
	select {
	case s.scanSem <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Scanner) unlockScan() {
	<-s.scanSem
}

func (s *Scanner) runScan(ctx context.Context, prefixes []string, duration time.Duration) (int, error) {
	start := time.Now()
	s.publish(events.Event{Kind: events.ScanStarted, Prefixes: prefixes, Duration: duration})

	tokCtx, cancel := context.WithTimeout(ctx, tokenAcquireTimeout)
	tok, err := s.tokens.Acquire(tokCtx)
	cancel()
	if err != nil {
		s.log.Warn("scan aborted: could not acquire bt token", "error", err)
		s.publish(events.Event{Kind: events.ScanCompleted, Prefixes: prefixes, Duration: time.Since(start), Count: 0})
		return 0, nil
	}
	defer tok.Release()

	if err := s.adapter.StartDiscovery(ctx); err != nil {
		s.log.Warn("scan: start_discovery failed", "error", err)
	}
	defer func() {
		if err := s.adapter.StopDiscovery(); err != nil {
			s.log.Warn("scan: stop_discovery failed", "error", err)
		}
	}()

	dispatched := 0
	scanEnd := time.Now().Add(duration)

	for time.Now().Before(scanEnd) {
		for _, snap := range s.adapter.EnumerateDevices() {
			if min := atomic.LoadInt32(&s.minRSSI); min != 0 && int32(snap.RSSIDbm) < min {
				continue
			}
			prefix, ok := matchPrefix(snap.LocalName, prefixes)
			if !ok {
				continue
			}
			if !s.tryMarkForProcessing(snap.Address) {
				continue
			}
			dispatched++
			s.publish(events.Event{Kind: events.DeviceDiscovered, Address: snap.Address, Name: snap.LocalName, MatchedPrefix: prefix})

			snap := snap
			go s.runWorker(snap, prefix)
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			scanEnd = time.Time{} // force loop exit
		}
		if scanEnd.IsZero() {
			break
		}
	}

	s.publish(events.Event{Kind: events.ScanCompleted, Prefixes: prefixes, Duration: time.Since(start), Count: dispatched})
	return dispatched, nil
}

func (s *Scanner) runWorker(snap btadapter.AdvertisementSnapshot, prefix string) {
	defer s.clearInProcess(snap.Address)
	if s.worker == nil {
		return
	}
	s.worker(context.Background(), snap, prefix)
}

func matchPrefix(alias string, prefixes []string) (string, bool) {
	if alias == "" {
		return "", false
	}
	lower := strings.ToLower(alias)
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if strings.HasPrefix(lower, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}

// tryMarkForProcessing is the atomic admission control: it rejects an
// address already in-process or still within its cooldown window, and
// otherwise marks it seen-now and in-process in one update.
func (s *Scanner) tryMarkForProcessing(addr btaddr.Address) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.inProcess[addr] {
		return false
	}
	if last, ok := s.lastSeenAt[addr]; ok && time.Since(last) < cooldown {
		return false
	}
	s.lastSeenAt[addr] = time.Now()
	s.inProcess[addr] = true
	return true
}

func (s *Scanner) clearInProcess(addr btaddr.Address) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	delete(s.inProcess, addr)
}

func (s *Scanner) publish(ev events.Event) {
	if s.bus == nil {
		return
	}
	ev.Timestamp = time.Now()
	s.bus.Publish(ev)
}

func (s *Scanner) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.sweepStop:
			return
		}
	}
}

func (s *Scanner) sweepExpired() {
	cutoff := time.Now().Add(-sweepMaxAge)
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for addr, seen := range s.lastSeenAt {
		if seen.Before(cutoff) {
			delete(s.lastSeenAt, addr)
		}
	}
}

// StartAutoscan launches the background schedule loop if not already
// running.
func (s *Scanner) StartAutoscan() {
	if s.autoscanCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.autoscanCancel = cancel
	s.autoscanDone = make(chan struct{})
	go s.autoscanLoop(ctx)
}

// StopAutoscan cancels the loop and waits up to shutdownBudget for it to
// finish cooperatively; it does not block forever on a wedged worker.
func (s *Scanner) StopAutoscan() {
	if s.autoscanCancel == nil {
		return
	}
	s.autoscanCancel()
	select {
	case <-s.autoscanDone:
	case <-time.After(shutdownBudget):
		s.log.Warn("autoscan loop did not stop within shutdown budget, abandoning")
	}
	s.autoscanCancel = nil
}

// Close stops the background sweeper (and autoscan, if running). Callers
// embedding a Scanner for the process lifetime should defer Close.
func (s *Scanner) Close() {
	s.StopAutoscan()
	close(s.sweepStop)
	<-s.sweepDone
}

func (s *Scanner) autoscanLoop(ctx context.Context) {
	defer close(s.autoscanDone)

	nextAllowed := time.Time{}
	for {
		interval := s.snapshotConfig().Interval
		if interval <= 0 {
			interval = time.Minute
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		// Snapshot on wake, not before the sleep, so a ConfigureAutoscan
		// call made during the wait governs the scan this tick fires.
		cfg := s.snapshotConfig()
		if !cfg.Enabled || len(cfg.Prefixes) == 0 {
			continue
		}
		if time.Now().Before(nextAllowed) {
			continue
		}

		if !s.tryLockScan(scanMutexTimeout) {
			s.log.Info("autoscan tick skipped: scan mutex busy")
			s.publish(events.Event{Kind: events.ScanFailed, Prefixes: cfg.Prefixes, ErrKind: "busy", Detail: ErrScanBusy.Error()})
			continue
		}
		_, err := s.runScan(ctx, cfg.Prefixes, cfg.Duration)
		s.unlockScan()
		if err != nil {
			s.log.Error("autoscan tick failed, backing off", "error", err)
			s.publish(events.Event{Kind: events.ScanFailed, Prefixes: cfg.Prefixes, ErrKind: "error", Detail: err.Error()})
			nextAllowed = time.Now().Add(errorBackoff)
		}
	}
}
