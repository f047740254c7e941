// Package modem drives a SimCom SIM7600-family USB LTE modem through its AT
// command port: voice call control, SMS, caller ID and in-call audio routing.
//
// The Modem owns two pieces of shared state: the serial transport and the
// current CallInfo. A single mutex serializes AT command/response exchanges,
// a monitor goroutine polls call status twice a second and parses unsolicited
// result codes, and a reconnect guard allows at most one recovery attempt
// when the USB device drops. Call state only ever moves forward; a finished
// call stays finished until the next Dial or RING starts a new one.
package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callyx/pkg/phone"
)

// Sentinel errors returned by Modem operations.
var (
	ErrDeviceNotFound = errors.New("modem: no supported USB modem found")
	ErrModemClosed    = errors.New("modem: closed")
	ErrNotConnected   = errors.New("modem: transport not connected")
	ErrCallActive     = errors.New("modem: a call is already active")
	ErrNoActiveCall   = errors.New("modem: no active call")
	ErrNoIncomingCall = errors.New("modem: no incoming call")
	ErrSIMNotReady    = errors.New("modem: SIM not ready")
	ErrATTimeout      = errors.New("modem: AT command timed out")
)

// CallState is one node of the call state machine.
type CallState string

// Call states. Transitions are forward-only; Ended and Failed are terminal.
const (
	CallIdle      CallState = "idle"
	CallDialing   CallState = "dialing"
	CallRinging   CallState = "ringing"
	CallIncoming  CallState = "incoming"
	CallConnected CallState = "connected"
	CallEnded     CallState = "ended"
	CallFailed    CallState = "failed"
)

// Terminal reports whether the state is final for its call.
func (s CallState) Terminal() bool { return s == CallEnded || s == CallFailed }

// Direction tells which side initiated the call.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// CallInfo is a snapshot of the current (or most recent) call. ConnectTime
// is zero until the call reaches connected; EndTime is zero until it reaches
// a terminal state.
type CallInfo struct {
	State       CallState
	Number      phone.Number
	Direction   Direction
	StartTime   time.Time
	ConnectTime time.Time
	EndTime     time.Time
}

// callTransitions lists the legal forward edges of the state machine.
var callTransitions = map[CallState][]CallState{
	CallIdle:      {CallDialing, CallIncoming},
	CallDialing:   {CallRinging, CallConnected, CallEnded, CallFailed},
	CallRinging:   {CallConnected, CallEnded, CallFailed},
	CallIncoming:  {CallConnected, CallEnded, CallFailed},
	CallConnected: {CallEnded, CallFailed},
	CallEnded:     {},
	CallFailed:    {},
}

func transitionAllowed(from, to CallState) bool {
	return slices.Contains(callTransitions[from], to)
}

// activeState reports whether a call in state s still occupies the line.
func activeState(s CallState) bool {
	switch s {
	case CallDialing, CallRinging, CallIncoming, CallConnected:
		return true
	}
	return false
}

// Default configuration values.
const (
	defaultPollInterval      = 500 * time.Millisecond
	defaultATTimeout         = 5 * time.Second
	defaultVolume            = 3
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = 2 * time.Second

	simReadyAttempts = 5
	simReadyDelay    = time.Second
)

// Config configures a Modem. The zero value works for a standard single
// SIM7600 on a desktop Linux host.
type Config struct {
	// Port overrides USB discovery with an explicit serial device path.
	Port string

	// Volume is the in-call loudspeaker level (AT+CLVL). Zero selects the
	// default level.
	Volume int

	// PollInterval is the cadence of the AT+CLCC status poll. Defaults to
	// 500ms.
	PollInterval time.Duration

	// ATTimeout bounds a single AT command/response exchange. Defaults to 5s.
	ATTimeout time.Duration

	// ReconnectAttempts and ReconnectDelay shape the async recovery loop
	// after the USB device disappears. Defaults: 5 attempts, 2s apart.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// Logger receives modem lifecycle and AT trace logs. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// OpenTransport opens the byte pipe to the AT function. Defaults to the
	// USB serial implementation; tests and serial-over-network bridges can
	// substitute their own.
	OpenTransport func(path string) (Transport, error)

	// ATObserver, when set, receives every AT exchange for metrics. Must not
	// block.
	ATObserver func(cmd string, elapsed time.Duration, err error)

	// OnReconnect, when set, is invoked with the attempt count after a
	// successful transport recovery. Must not block.
	OnReconnect func(attempts int)
}

// Modem is the controller for one cellular modem. All methods are safe for
// concurrent use.
type Modem struct {
	cfg Config
	log *slog.Logger

	// atMu serializes AT command/response exchanges on the transport.
	atMu sync.Mutex

	trMu sync.Mutex
	tr   Transport

	// reconnectMu allows at most one in-flight reconnect attempt.
	reconnectMu  sync.Mutex
	reconnecting bool

	mu          sync.Mutex
	call        CallInfo
	seenInCLCC  bool
	pollPaused  bool
	closed      bool
	stateCBs    []func(CallInfo)
	smsCBs      []func(sender phone.Number, body string)
	monitorStop chan struct{}
	monitorDone chan struct{}

	incoming chan CallInfo
	done     chan struct{}
}

// New creates a Modem from cfg. No I/O happens until Open.
func New(cfg Config) *Modem {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ATTimeout <= 0 {
		cfg.ATTimeout = defaultATTimeout
	}
	if cfg.Volume <= 0 {
		cfg.Volume = defaultVolume
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OpenTransport == nil {
		cfg.OpenTransport = openSerial
	}
	return &Modem{
		cfg:      cfg,
		log:      cfg.Logger,
		call:     CallInfo{State: CallIdle},
		incoming: make(chan CallInfo, 1),
		done:     make(chan struct{}),
	}
}

// Open locates the modem, opens its AT port, runs the init sequence and
// starts the background monitor. ctx bounds the SIM-ready wait.
func (m *Modem) Open(ctx context.Context) error {
	if m.isClosed() {
		return ErrModemClosed
	}
	path, err := m.portPath()
	if err != nil {
		return err
	}
	tr, err := m.cfg.OpenTransport(path)
	if err != nil {
		return fmt.Errorf("modem: open transport: %w", err)
	}
	m.setTransport(tr)
	if err := m.initSequence(ctx); err != nil {
		m.closeTransport()
		return err
	}
	m.startMonitor()
	m.log.Info("modem: ready", "port", path)
	return nil
}

// Close stops the monitor, hangs up any active call and releases the
// transport. Safe to call multiple times.
func (m *Modem) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	active := activeState(m.call.State)
	m.mu.Unlock()
	close(m.done)

	m.stopMonitor()
	if active && m.transport() != nil {
		_, _ = m.sendAT("AT+CHUP", m.cfg.ATTimeout)
		m.setState(CallEnded)
	}
	m.closeTransport()
	return nil
}

// Ready reports whether the transport is open and usable.
func (m *Modem) Ready() bool {
	return !m.isClosed() && m.transport() != nil
}

// Info returns a snapshot of the current call.
func (m *Modem) Info() CallInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call
}

// OnStateChange registers cb to run after every call state transition. cb is
// invoked on the monitor goroutine and must not block or issue modem
// commands; hand the snapshot to a channel if more work is needed.
func (m *Modem) OnStateChange(cb func(CallInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCBs = append(m.stateCBs, cb)
}

// OnSMS registers cb to run with the sender and decoded body after an
// inbound message has been read and deleted from the SIM. Same constraints
// as OnStateChange.
func (m *Modem) OnSMS(cb func(sender phone.Number, body string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.smsCBs = append(m.smsCBs, cb)
}

// WaitForIncoming blocks until a call rings in, returning its snapshot.
func (m *Modem) WaitForIncoming(ctx context.Context) (CallInfo, error) {
	if info := m.Info(); info.State == CallIncoming {
		return info, nil
	}
	for {
		select {
		case <-ctx.Done():
			return CallInfo{}, ctx.Err()
		case <-m.done:
			return CallInfo{}, ErrModemClosed
		case <-m.incoming:
			// The notification may be stale if the caller already gave up.
			if info := m.Info(); info.State == CallIncoming {
				return info, nil
			}
		}
	}
}

// Dial places an outbound voice call. It returns once the modem has accepted
// the dial; the monitor advances the call to connected when the remote party
// answers (watch Info or OnStateChange).
func (m *Modem) Dial(ctx context.Context, number phone.Number) error {
	if m.isClosed() {
		return ErrModemClosed
	}
	if !number.IsValid() {
		return fmt.Errorf("modem: dial: invalid number %q", number)
	}
	m.mu.Lock()
	if activeState(m.call.State) {
		m.mu.Unlock()
		return ErrCallActive
	}
	m.call = CallInfo{
		State:     CallIdle,
		Number:    number,
		Direction: DirectionOutbound,
		StartTime: time.Now(),
	}
	m.seenInCLCC = false
	m.mu.Unlock()

	if err := m.prepareCallAudio(); err != nil {
		return fmt.Errorf("modem: dial %s: %w", number, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.setState(CallDialing)
	resp, err := m.sendAT("ATD"+number.String()+";", m.cfg.ATTimeout)
	if err != nil {
		m.setState(CallFailed)
		return fmt.Errorf("modem: dial %s: %w", number, err)
	}
	if !hasOK(resp) {
		m.setState(CallFailed)
		return fmt.Errorf("modem: dial %s: modem answered %q", number, summarize(resp))
	}
	m.setState(CallRinging)
	return nil
}

// Answer accepts the currently ringing inbound call.
func (m *Modem) Answer(ctx context.Context) error {
	if m.isClosed() {
		return ErrModemClosed
	}
	m.mu.Lock()
	st := m.call.State
	m.mu.Unlock()
	if st != CallIncoming {
		return fmt.Errorf("modem: answer: call state %q: %w", st, ErrNoIncomingCall)
	}
	if err := m.prepareCallAudio(); err != nil {
		return fmt.Errorf("modem: answer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, err := m.sendAT("ATA", m.cfg.ATTimeout)
	if err != nil {
		return fmt.Errorf("modem: answer: %w", err)
	}
	if !hasOK(resp) {
		// The caller likely hung up while we were answering; the monitor
		// resolves the final state from the next CLCC poll.
		return fmt.Errorf("modem: answer: modem answered %q", summarize(resp))
	}
	m.setState(CallConnected)
	return nil
}

// Reject declines the currently ringing inbound call.
func (m *Modem) Reject() error {
	if m.isClosed() {
		return ErrModemClosed
	}
	m.mu.Lock()
	st := m.call.State
	m.mu.Unlock()
	if st != CallIncoming {
		return fmt.Errorf("modem: reject: call state %q: %w", st, ErrNoIncomingCall)
	}
	if _, err := m.sendAT("AT+CHUP", m.cfg.ATTimeout); err != nil {
		return fmt.Errorf("modem: reject: %w", err)
	}
	m.setState(CallEnded)
	return nil
}

// Hangup terminates the active call. Calling it with no call in progress is
// a no-op, so cleanup paths can invoke it unconditionally.
func (m *Modem) Hangup() error {
	if m.isClosed() {
		return ErrModemClosed
	}
	m.mu.Lock()
	active := activeState(m.call.State)
	m.mu.Unlock()
	if !active {
		return nil
	}
	if _, err := m.sendAT("AT+CHUP", m.cfg.ATTimeout); err != nil {
		return fmt.Errorf("modem: hangup: %w", err)
	}
	// Even an ERROR response means there is nothing left to hang up.
	m.setState(CallEnded)
	return nil
}

// prepareCallAudio routes voice to the headset jack, sets the volume and
// enables the modem's echo canceller before a call leg opens. Volume and
// echo failures are logged but do not block the call.
func (m *Modem) prepareCallAudio() error {
	resp, err := m.sendAT("AT+CSDVC=1", m.cfg.ATTimeout)
	if err != nil {
		return fmt.Errorf("route audio to headset: %w", err)
	}
	if !hasOK(resp) {
		return fmt.Errorf("route audio to headset: modem answered %q", summarize(resp))
	}
	if resp, err := m.sendAT(fmt.Sprintf("AT+CLVL=%d", m.cfg.Volume), m.cfg.ATTimeout); err != nil || !hasOK(resp) {
		m.log.Warn("modem: set volume failed", "level", m.cfg.Volume, "error", err, "response", summarize(resp))
	}
	if resp, err := m.sendAT("AT+CECM=1", m.cfg.ATTimeout); err != nil || !hasOK(resp) {
		m.log.Warn("modem: enable echo suppression failed", "error", err, "response", summarize(resp))
	}
	return nil
}

// initSequence puts the modem into the operating mode every other feature
// assumes: no command echo, SIM unlocked, text-mode SMS with buffered
// new-message URCs, and caller ID presentation.
func (m *Modem) initSequence(ctx context.Context) error {
	if resp, err := m.sendAT("ATE0", m.cfg.ATTimeout); err != nil {
		return fmt.Errorf("modem: disable echo: %w", err)
	} else if !hasOK(resp) {
		return fmt.Errorf("modem: disable echo: modem answered %q", summarize(resp))
	}

	ready := false
	for attempt := 1; attempt <= simReadyAttempts; attempt++ {
		resp, err := m.sendAT("AT+CPIN?", m.cfg.ATTimeout)
		if err != nil {
			return fmt.Errorf("modem: query SIM: %w", err)
		}
		if strings.Contains(resp, "READY") {
			ready = true
			break
		}
		m.log.Debug("modem: SIM not ready", "attempt", attempt, "response", summarize(resp))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(simReadyDelay):
		}
	}
	if !ready {
		return ErrSIMNotReady
	}

	for _, cmd := range []string{"AT+CMGF=1", "AT+CNMI=2,1", "AT+CLIP=1"} {
		resp, err := m.sendAT(cmd, m.cfg.ATTimeout)
		if err != nil {
			return fmt.Errorf("modem: init %s: %w", cmd, err)
		}
		if !hasOK(resp) {
			return fmt.Errorf("modem: init %s: modem answered %q", cmd, summarize(resp))
		}
	}
	return nil
}

// setState applies a forward-only transition and fires the state callbacks.
// Illegal transitions are dropped: URC noise must never move a call
// backwards or out of a terminal state. Returns whether the transition was
// applied.
func (m *Modem) setState(to CallState) bool {
	m.mu.Lock()
	from := m.call.State
	if !transitionAllowed(from, to) {
		m.mu.Unlock()
		return false
	}
	now := time.Now()
	m.call.State = to
	switch {
	case to == CallConnected:
		m.call.ConnectTime = now
	case to.Terminal():
		m.call.EndTime = now
	}
	info := m.call
	cbs := slices.Clone(m.stateCBs)
	m.mu.Unlock()

	m.log.Info("modem: call state",
		"from", string(from),
		"to", string(to),
		"number", info.Number.String(),
		"direction", string(info.Direction),
	)
	for _, cb := range cbs {
		cb(info)
	}
	return true
}

// beginIncoming starts a fresh inbound CallInfo and notifies waiters. The
// number may be empty when caller ID is withheld or has not arrived yet.
func (m *Modem) beginIncoming(number phone.Number) {
	m.mu.Lock()
	if activeState(m.call.State) {
		// Call waiting while another call is up; the single-call machine
		// ignores it and the network will divert or drop it.
		m.mu.Unlock()
		return
	}
	m.call = CallInfo{
		State:     CallIdle,
		Number:    number,
		Direction: DirectionInbound,
		StartTime: time.Now(),
	}
	m.seenInCLCC = false
	m.mu.Unlock()

	m.setState(CallIncoming)

	info := m.Info()
	select {
	case m.incoming <- info:
	default:
		// Replace a stale unconsumed notification with the fresh one.
		select {
		case <-m.incoming:
		default:
		}
		select {
		case m.incoming <- info:
		default:
		}
	}
}

// setNumber fills in the caller ID on an inbound call once CLIP or CLCC
// reports it.
func (m *Modem) setNumber(number phone.Number) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call.Direction == DirectionInbound && m.call.Number == "" {
		m.call.Number = number
	}
}

func (m *Modem) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Modem) suspendPoll() {
	m.mu.Lock()
	m.pollPaused = true
	m.mu.Unlock()
}

func (m *Modem) resumePoll() {
	m.mu.Lock()
	m.pollPaused = false
	m.mu.Unlock()
}

func (m *Modem) pollSuspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollPaused
}

func (m *Modem) transport() Transport {
	m.trMu.Lock()
	defer m.trMu.Unlock()
	return m.tr
}

func (m *Modem) setTransport(tr Transport) {
	m.trMu.Lock()
	m.tr = tr
	m.trMu.Unlock()
}

func (m *Modem) closeTransport() {
	m.trMu.Lock()
	tr := m.tr
	m.tr = nil
	m.trMu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
}

// portPath resolves the serial device path, preferring the configured
// override and falling back to USB discovery.
func (m *Modem) portPath() (string, error) {
	if m.cfg.Port != "" {
		return m.cfg.Port, nil
	}
	return DiscoverPort()
}
