// Package session implements the per-device BLE connection: a small state
// machine that owns exactly one adapter connection, exactly one
// notification subscription, and a single-flight JSON-RPC request
// protocol layered on top of them.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btadapter"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btaddr"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/btbuffer"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/bttoken"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/events"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/jsonrpc"
	"github.com/Pat-79/Sensor-Gateway-sub001/pkg/logger"
	"github.com/google/uuid"
)

// State is a position in the session state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateInitializing
	StateReady
	StateRequesting
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateRequesting:
		return "requesting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Sentinel errors for failure modes not naturally represented by an
// existing wrapped error.
var (
	ErrNotReady       = errors.New("session: not ready")
	ErrClosed         = errors.New("session: closed")
	ErrTimeout        = errors.New("session: timed out waiting for response")
	ErrIDMismatch     = errors.New("session: response id did not match request id")
	ErrServiceMissing = errors.New("session: primary service missing")
	ErrCharMissing    = errors.New("session: required characteristic missing")
)

// RpcError mirrors a JSON-RPC error object surfaced by the sensor.
type RpcError struct {
	Code    int
	Message string
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("session: rpc error %d: %s", e.Code, e.Message)
}

// Session is the per-device connection and request state machine. It is
// not safe to Open from multiple goroutines concurrently, but Request is
// internally single-flight and safe to call repeatedly once Ready.
type Session struct {
	adapter btadapter.Adapter
	addr    btaddr.Address
	cfg     Config
	bus     *events.Bus
	id      string
	log     *logger.Logger

	device      btadapter.Device
	service     btadapter.Service
	commandChar btadapter.Characteristic
	respChar    btadapter.Characteristic

	buf      *btbuffer.Buffer
	ids      *jsonrpc.IDAllocator
	notifyCh chan struct{}

	stateMu sync.Mutex
	state   State
	failErr error

	reqMu sync.Mutex

	closeOnce sync.Once
	closing   chan struct{}
}

// New returns a Session in the Idle state for the given device address.
// bus may be nil, in which case lifecycle events are simply not published;
// log may be nil, in which case the process-wide logger is used.
func New(adapter btadapter.Adapter, addr btaddr.Address, cfg Config, bus *events.Bus, log *logger.Logger) *Session {
	if log == nil {
		log = logger.Global()
	}
	id := uuid.NewString()
	return &Session{
		adapter:  adapter,
		addr:     addr,
		cfg:      cfg,
		bus:      bus,
		id:       id,
		log:      log.ForDevice(addr.String(), id),
		buf:      btbuffer.New(),
		ids:      jsonrpc.NewIDAllocator(),
		notifyCh: make(chan struct{}, 1),
		closing:  make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the session's current state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Address returns the device address this session is bound to.
func (s *Session) Address() btaddr.Address { return s.addr }

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

func (s *Session) fail(err error) {
	s.stateMu.Lock()
	s.state = StateFailed
	s.failErr = err
	s.stateMu.Unlock()
	s.log.Warn("session failed", "error", err)
	s.publish(events.Event{Kind: events.DeviceFailed, Address: s.addr, Detail: err.Error()})
}

func (s *Session) publish(ev events.Event) {
	if s.bus == nil {
		return
	}
	ev.Timestamp = time.Now()
	ev.Address = s.addr
	s.bus.Publish(ev)
}

// Open drives Idle -> Connecting -> Initializing -> Ready. It is
// idempotent once Ready: a second call returns nil immediately.
func (s *Session) Open(ctx context.Context) error {
	if s.State() == StateReady {
		return nil
	}

	s.setState(StateConnecting)

	var dev btadapter.Device
	var err error
	for attempt := 0; attempt < s.cfg.ConnectRetries; attempt++ {
		dev, err = s.adapter.Connect(ctx, s.addr)
		if err == nil {
			break
		}
		s.log.Debug("connect attempt failed", "attempt", attempt+1, "error", err)
		if attempt == s.cfg.ConnectRetries-1 {
			break
		}
		delay := lastOrDefault(s.cfg.ConnectBackoff, attempt, time.Second)
		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			s.fail(sleepErr)
			return sleepErr
		}
	}
	if err != nil {
		wrapped := fmt.Errorf("connect to %s after %d attempts: %w", s.addr, s.cfg.ConnectRetries, err)
		s.fail(wrapped)
		return wrapped
	}
	s.device = dev

	if sleepErr := sleepCtx(ctx, s.cfg.StabilizationDelay); sleepErr != nil {
		s.fail(sleepErr)
		_ = s.device.Disconnect()
		return sleepErr
	}

	s.setState(StateInitializing)
	if err := s.initialize(ctx); err != nil {
		s.fail(err)
		_ = s.device.Disconnect()
		return err
	}

	s.setState(StateReady)
	s.log.Debug("session ready")
	s.publish(events.Event{Kind: events.Connected})
	return nil
}

func (s *Session) initialize(ctx context.Context) error {
	if !serviceAllowed(s.cfg.PrimaryServiceUUID, s.cfg.AllowedServiceUUIDs) {
		return fmt.Errorf("%w: %s not in service_uuid_allowlist", ErrServiceMissing, s.cfg.PrimaryServiceUUID)
	}

	svc, err := s.device.GetService(ctx, s.cfg.PrimaryServiceUUID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceMissing, err)
	}
	s.service = svc

	respChar, err := svc.GetCharacteristic(ctx, s.cfg.ResponseCharUUID)
	if err != nil {
		return fmt.Errorf("%w: response characteristic: %v", ErrCharMissing, err)
	}
	cmdChar, err := svc.GetCharacteristic(ctx, s.cfg.CommandCharUUID)
	if err != nil {
		return fmt.Errorf("%w: command characteristic: %v", ErrCharMissing, err)
	}

	if err := respChar.SubscribeNotifications(s.onNotification); err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}

	s.respChar = respChar
	s.commandChar = cmdChar
	return nil
}

func (s *Session) onNotification(data []byte) {
	s.buf.Append(data)
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// Request sends method/params as a JSON-RPC call and waits for the
// correlated response, making up to cfg.MaxCommandRetries attempts with a
// fresh id on each attempt. tok, if non-nil, is checked for validity
// before every attempt; an expired token fails the session immediately.
func (s *Session) Request(ctx context.Context, tok *bttoken.Token, method string, params interface{}) (*jsonrpc.Response, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	if s.State() != StateReady {
		return nil, ErrNotReady
	}
	s.setState(StateRequesting)

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxCommandRetries; attempt++ {
		if tok != nil && !tok.Valid() {
			err := fmt.Errorf("%w for session %s", bttoken.ErrTokenExpired, s.addr)
			s.fail(err)
			return nil, err
		}

		resp, err := s.attemptRequest(ctx, method, params)
		if err == nil {
			s.setState(StateReady)
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
			break
		}
		s.log.Debug("request attempt failed", "method", method, "attempt", attempt+1, "error", err)
		s.publish(events.Event{Kind: events.RequestFailed, ErrKind: requestErrKind(err), Detail: err.Error()})
		if errors.Is(err, ErrIDMismatch) {
			break
		}
		if attempt < s.cfg.MaxCommandRetries-1 {
			if sleepErr := sleepCtx(ctx, s.cfg.RetryDelay); sleepErr != nil {
				lastErr = sleepErr
				break
			}
		}
	}

	// Cancellation is cooperative, not a device failure.
	if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, ErrClosed) {
		return nil, lastErr
	}

	s.fail(fmt.Errorf("request %s failed after retries: %w", method, lastErr))
	return nil, lastErr
}

func (s *Session) attemptRequest(ctx context.Context, method string, params interface{}) (*jsonrpc.Response, error) {
	id := s.ids.Next()
	req := jsonrpc.Request{Method: method, Params: params, ID: id}
	data, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	s.buf.Clear()
	for offset := 0; offset < len(data); offset += s.cfg.MTU {
		end := offset + s.cfg.MTU
		if end > len(data) {
			end = len(data)
		}
		if _, err := s.commandChar.WriteWithoutResponse(data[offset:end]); err != nil {
			return nil, fmt.Errorf("write chunk: %w", err)
		}
	}

	return s.waitForResponse(ctx, id)
}

func (s *Session) waitForResponse(ctx context.Context, id uint32) (*jsonrpc.Response, error) {
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-s.notifyCh:
		case <-deadline.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closing:
			return nil, ErrClosed
		}

		snapshot := s.buf.Snapshot()
		obj, ok := jsonrpc.ExtractFirstObject(snapshot)
		if !ok {
			continue
		}
		resp, err := jsonrpc.ParseResponse(obj)
		if err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		if resp.ID != id {
			return nil, ErrIDMismatch
		}
		if resp.Err != nil {
			return nil, &RpcError{Code: resp.Err.Code, Message: resp.Err.Message}
		}
		return resp, nil
	}
}

// Close transitions to Closing then Closed, unconditionally clearing the
// notification subscription and disconnecting even if the session had
// already failed. Close is idempotent.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.closing)

		if s.respChar != nil {
			_ = s.respChar.Unsubscribe()
		}
		if s.device != nil {
			if err := s.device.Disconnect(); err != nil {
				closeErr = err
			}
		}

		s.setState(StateClosed)
		s.log.Debug("session closed")
		s.publish(events.Event{Kind: events.Disconnected})
	})
	return closeErr
}

// requestErrKind maps a per-attempt request error onto the coarse kind
// carried in RequestFailed events.
func requestErrKind(err error) string {
	var rpcErr *RpcError
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrIDMismatch):
		return "protocol"
	case errors.As(err, &rpcErr):
		return "rpc"
	default:
		return "io"
	}
}

// serviceAllowed reports whether uuid may be used, honoring an empty
// allowlist as "allow any service".
func serviceAllowed(uuid string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, allowed := range allowlist {
		if strings.EqualFold(uuid, allowed) {
			return true
		}
	}
	return false
}

func lastOrDefault(ds []time.Duration, i int, fallback time.Duration) time.Duration {
	if len(ds) == 0 {
		return fallback
	}
	if i < len(ds) {
		return ds[i]
	}
	return ds[len(ds)-1]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
