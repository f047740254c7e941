package modem_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/callyx/internal/modem"
	"github.com/MrWong99/callyx/pkg/phone"
)

// fakeTransport scripts the modem side of the serial line. Writes are
// recorded and answered through the respond func; push injects unsolicited
// bytes the next read will deliver, the way a real modem buffers URCs.
type fakeTransport struct {
	mu       sync.Mutex
	rbuf     bytes.Buffer
	sent     []string
	respond  func(cmd string) string
	failWith error
	closed   bool
}

func newFakeTransport(respond func(cmd string) string) *fakeTransport {
	if respond == nil {
		respond = respondOK
	}
	return &fakeTransport{respond: respond}
}

// respondOK plays a healthy idle modem.
func respondOK(cmd string) string {
	if cmd == "AT+CPIN?" {
		return "\r\n+CPIN: READY\r\n\r\nOK\r\n"
	}
	return "\r\nOK\r\n"
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	if f.closed {
		return 0, errors.New("fake transport closed")
	}
	cmd := strings.TrimSpace(string(p))
	f.sent = append(f.sent, cmd)
	if r := f.respond(cmd); r != "" {
		f.rbuf.WriteString(r)
	}
	return len(p), nil
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	if f.closed {
		return 0, errors.New("fake transport closed")
	}
	if f.rbuf.Len() == 0 {
		return 0, nil
	}
	return f.rbuf.Read(p)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) push(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rbuf.WriteString(s)
}

func (f *fakeTransport) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func (f *fakeTransport) wrote(cmd string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sent {
		if s == cmd {
			return true
		}
	}
	return false
}

func (f *fakeTransport) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(ft *fakeTransport) modem.Config {
	return modem.Config{
		Port:          "/dev/ttyFAKE",
		PollInterval:  10 * time.Millisecond,
		ATTimeout:     time.Second,
		Logger:        discardLogger(),
		OpenTransport: func(string) (modem.Transport, error) { return ft, nil },
	}
}

func openTestModem(t *testing.T, ft *fakeTransport) *modem.Modem {
	t.Helper()
	m := modem.New(testConfig(ft))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitForState(t *testing.T, m *modem.Modem, want modem.CallState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Info().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("call state = %q, want %q", m.Info().State, want)
}

func clccCount(ft *fakeTransport) int {
	n := 0
	for _, cmd := range ft.sentCommands() {
		if cmd == "AT+CLCC" {
			n++
		}
	}
	return n
}

// waitForCLCCPolls blocks until the monitor has issued at least n status
// polls, so a test knows the modem has seen the current scripted listing.
func waitForCLCCPolls(t *testing.T, ft *fakeTransport, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if clccCount(ft) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("monitor issued %d status polls, want at least %d", clccCount(ft), n)
}

// scriptedModem answers AT+CLCC with a swappable listing so tests can walk a
// call through its states.
type scriptedModem struct {
	mu   sync.Mutex
	clcc string
}

func newScriptedModem() *scriptedModem {
	return &scriptedModem{clcc: "\r\nOK\r\n"}
}

func (s *scriptedModem) respond(cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case cmd == "AT+CLCC":
		return s.clcc
	case cmd == "AT+CPIN?":
		return "\r\n+CPIN: READY\r\n\r\nOK\r\n"
	default:
		return "\r\nOK\r\n"
	}
}

func (s *scriptedModem) setCLCC(listing string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clcc = listing
}

func TestOpenRunsInitSequence(t *testing.T) {
	ft := newFakeTransport(nil)
	openTestModem(t, ft)

	want := []string{"ATE0", "AT+CPIN?", "AT+CMGF=1", "AT+CNMI=2,1", "AT+CLIP=1"}
	sent := ft.sentCommands()
	if len(sent) < len(want) {
		t.Fatalf("sent %d commands %v, want at least %d", len(sent), sent, len(want))
	}
	for i, cmd := range want {
		if sent[i] != cmd {
			t.Errorf("init command %d = %q, want %q", i, sent[i], cmd)
		}
	}
}

func TestOpenBailsOutWhenSIMStuck(t *testing.T) {
	ft := newFakeTransport(func(cmd string) string {
		if cmd == "AT+CPIN?" {
			return "\r\n+CPIN: SIM PIN\r\n\r\nOK\r\n"
		}
		return "\r\nOK\r\n"
	})
	m := modem.New(testConfig(ft))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := m.Open(ctx)
	if err == nil {
		t.Fatal("Open() with locked SIM returned nil error")
	}
	_ = m.Close()
}

func TestDialWalksThroughCallStates(t *testing.T) {
	script := newScriptedModem()
	ft := newFakeTransport(script.respond)
	m := openTestModem(t, ft)

	ctx := context.Background()
	if err := m.Dial(ctx, phone.Number("17025551234")); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	info := m.Info()
	if info.State != modem.CallRinging {
		t.Fatalf("state after Dial = %q, want %q", info.State, modem.CallRinging)
	}
	if info.Direction != modem.DirectionOutbound {
		t.Errorf("direction = %q, want %q", info.Direction, modem.DirectionOutbound)
	}
	if !ft.wrote("ATD17025551234;") {
		t.Errorf("dial command not sent, got %v", ft.sentCommands())
	}
	if !ft.wrote("AT+CSDVC=1") {
		t.Error("audio was not routed to the headset before dialing")
	}

	script.setCLCC("\r\n+CLCC: 1,0,0,0,0,\"17025551234\",129\r\n\r\nOK\r\n")
	waitForState(t, m, modem.CallConnected)
	if m.Info().ConnectTime.IsZero() {
		t.Error("ConnectTime not set on connected call")
	}

	script.setCLCC("\r\nOK\r\n")
	waitForState(t, m, modem.CallEnded)
	if m.Info().EndTime.IsZero() {
		t.Error("EndTime not set on ended call")
	}
}

func TestDialRejectsSecondCall(t *testing.T) {
	m := openTestModem(t, newFakeTransport(nil))
	ctx := context.Background()
	if err := m.Dial(ctx, phone.Number("17025551234")); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	err := m.Dial(ctx, phone.Number("17025559999"))
	if !errors.Is(err, modem.ErrCallActive) {
		t.Fatalf("second Dial() error = %v, want ErrCallActive", err)
	}
}

func TestDialFailsOnModemError(t *testing.T) {
	ft := newFakeTransport(func(cmd string) string {
		if strings.HasPrefix(cmd, "ATD") {
			return "\r\nNO CARRIER\r\n"
		}
		return respondOK(cmd)
	})
	m := openTestModem(t, ft)
	err := m.Dial(context.Background(), phone.Number("17025551234"))
	if err == nil {
		t.Fatal("Dial() with NO CARRIER returned nil error")
	}
	if got := m.Info().State; got != modem.CallFailed {
		t.Errorf("state = %q, want %q", got, modem.CallFailed)
	}
}

func TestHangupEndsActiveCall(t *testing.T) {
	script := newScriptedModem()
	ft := newFakeTransport(script.respond)
	m := openTestModem(t, ft)

	if err := m.Dial(context.Background(), phone.Number("17025551234")); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := m.Hangup(); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	if !ft.wrote("AT+CHUP") {
		t.Error("AT+CHUP not sent")
	}
	if got := m.Info().State; got != modem.CallEnded {
		t.Errorf("state = %q, want %q", got, modem.CallEnded)
	}
}

func TestHangupWithoutCallIsNoOp(t *testing.T) {
	ft := newFakeTransport(nil)
	m := openTestModem(t, ft)
	if err := m.Hangup(); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	if ft.wrote("AT+CHUP") {
		t.Error("AT+CHUP sent with no call in progress")
	}
}

func TestIncomingCallRingsAndAnswers(t *testing.T) {
	script := newScriptedModem()
	ft := newFakeTransport(script.respond)
	m := openTestModem(t, ft)

	var transitions []modem.CallState
	var tmu sync.Mutex
	m.OnStateChange(func(info modem.CallInfo) {
		tmu.Lock()
		transitions = append(transitions, info.State)
		tmu.Unlock()
	})

	ft.push("\r\nRING\r\n+CLIP: \"17025551234\",145\r\n")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := m.WaitForIncoming(ctx)
	if err != nil {
		t.Fatalf("WaitForIncoming() error = %v", err)
	}
	if info.State != modem.CallIncoming {
		t.Fatalf("incoming state = %q, want %q", info.State, modem.CallIncoming)
	}
	if info.Number != phone.Number("17025551234") {
		t.Errorf("caller ID = %q, want %q", info.Number, "17025551234")
	}
	if info.Direction != modem.DirectionInbound {
		t.Errorf("direction = %q, want %q", info.Direction, modem.DirectionInbound)
	}

	// Keep the listing showing the call so the empty-listing heuristic
	// cannot end it while we answer.
	script.setCLCC("\r\n+CLCC: 1,1,4,0,0,\"17025551234\",129\r\n\r\nOK\r\n")
	if err := m.Answer(ctx); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if !ft.wrote("ATA") {
		t.Error("ATA not sent")
	}
	script.setCLCC("\r\n+CLCC: 1,1,0,0,0,\"17025551234\",129\r\n\r\nOK\r\n")
	if got := m.Info().State; got != modem.CallConnected {
		t.Errorf("state = %q, want %q", got, modem.CallConnected)
	}

	tmu.Lock()
	defer tmu.Unlock()
	if len(transitions) < 2 || transitions[0] != modem.CallIncoming || transitions[len(transitions)-1] != modem.CallConnected {
		t.Errorf("transitions = %v, want incoming then connected", transitions)
	}
}

func TestIncomingCallerGivesUp(t *testing.T) {
	script := newScriptedModem()
	ft := newFakeTransport(script.respond)
	m := openTestModem(t, ft)

	ft.push("\r\nRING\r\n+CLIP: \"17025551234\",145\r\n")
	waitForState(t, m, modem.CallIncoming)

	// The listing reports the waiting call at least once, then goes quiet.
	script.setCLCC("\r\n+CLCC: 1,1,4,0,0,\"17025551234\",129\r\n\r\nOK\r\n")
	waitForCLCCPolls(t, ft, clccCount(ft)+1)
	script.setCLCC("\r\nOK\r\n")
	waitForState(t, m, modem.CallEnded)
}

func TestAnswerRequiresIncomingCall(t *testing.T) {
	m := openTestModem(t, newFakeTransport(nil))
	err := m.Answer(context.Background())
	if !errors.Is(err, modem.ErrNoIncomingCall) {
		t.Fatalf("Answer() error = %v, want ErrNoIncomingCall", err)
	}
}

func TestRejectDeclinesIncomingCall(t *testing.T) {
	ft := newFakeTransport(nil)
	m := openTestModem(t, ft)

	ft.push("\r\nRING\r\n")
	waitForState(t, m, modem.CallIncoming)
	if err := m.Reject(); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if !ft.wrote("AT+CHUP") {
		t.Error("AT+CHUP not sent")
	}
	if got := m.Info().State; got != modem.CallEnded {
		t.Errorf("state = %q, want %q", got, modem.CallEnded)
	}
}

func TestVoiceCallEndURCEndsCall(t *testing.T) {
	ft := newFakeTransport(nil)
	m := openTestModem(t, ft)

	if err := m.Dial(context.Background(), phone.Number("17025551234")); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	ft.push("\r\nVOICE CALL: END: 000042\r\n")
	waitForState(t, m, modem.CallEnded)
}

func TestWaitForIncomingUnblocksOnClose(t *testing.T) {
	m := openTestModem(t, newFakeTransport(nil))

	errCh := make(chan error, 1)
	go func() {
		_, err := m.WaitForIncoming(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = m.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, modem.ErrModemClosed) {
			t.Fatalf("WaitForIncoming() error = %v, want ErrModemClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForIncoming() did not unblock on Close")
	}
}

func TestOperationsAfterClose(t *testing.T) {
	m := openTestModem(t, newFakeTransport(nil))
	_ = m.Close()

	if err := m.Dial(context.Background(), phone.Number("17025551234")); !errors.Is(err, modem.ErrModemClosed) {
		t.Errorf("Dial() after Close error = %v, want ErrModemClosed", err)
	}
	if err := m.Hangup(); !errors.Is(err, modem.ErrModemClosed) {
		t.Errorf("Hangup() after Close error = %v, want ErrModemClosed", err)
	}
	if m.Ready() {
		t.Error("Ready() = true after Close")
	}
}
