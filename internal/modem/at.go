package modem

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/term"
)

// Transport is the byte pipe to the modem's AT function.
type Transport interface {
	io.ReadWriteCloser
}

const (
	serialSpeed = 115200

	// readChunk caps a single read from the port; responses are accumulated
	// chunk by chunk until a final result code arrives.
	readChunk = 512

	// readSlice bounds one blocking read so the response loop can honor its
	// overall deadline.
	readSlice = 100 * time.Millisecond

	// pollTick is the pause between empty reads while waiting for response
	// bytes.
	pollTick = 10 * time.Millisecond
)

// openSerial opens the USB serial tty in raw mode at the modem's fixed
// speed.
func openSerial(path string) (Transport, error) {
	t, err := term.Open(path, term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("modem: open %s: %w", path, err)
	}
	if err := t.SetSpeed(serialSpeed); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("modem: set speed on %s: %w", path, err)
	}
	if err := t.SetReadTimeout(readSlice); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("modem: set read timeout on %s: %w", path, err)
	}
	return t, nil
}

// sendAT runs one command/response exchange under the AT mutex and returns
// the raw response text, final result code included.
func (m *Modem) sendAT(cmd string, timeout time.Duration) (string, error) {
	m.atMu.Lock()
	defer m.atMu.Unlock()
	return m.exchange(cmd, timeout, isFinalResponse)
}

// exchange writes cmd and reads until done reports the response complete.
// Callers must hold atMu. A transport error that looks like the USB device
// vanished kicks off the async reconnect.
func (m *Modem) exchange(cmd string, timeout time.Duration, done func(string) bool) (string, error) {
	tr := m.transport()
	if tr == nil {
		return "", ErrNotConnected
	}
	start := time.Now()
	resp, err := transact(tr, cmd, timeout, done)
	elapsed := time.Since(start)
	if m.cfg.ATObserver != nil {
		m.cfg.ATObserver(cmd, elapsed, err)
	}
	if cmd != "AT+CLCC" {
		m.log.Debug("modem: at", "cmd", cmd, "elapsed", elapsed, "error", err)
	}
	if isDeviceGone(err) {
		m.log.Warn("modem: device lost during AT exchange", "cmd", cmd, "error", err)
		m.beginReconnect()
	}
	return resp, err
}

func transact(tr Transport, cmd string, timeout time.Duration, done func(string) bool) (string, error) {
	if _, err := tr.Write([]byte(cmd + "\r\n")); err != nil {
		return "", fmt.Errorf("modem: write %s: %w", cmd, err)
	}
	return readUntil(tr, timeout, done)
}

// readUntil accumulates reads of up to readChunk bytes until done(buffer)
// reports completion or the deadline passes. Empty reads and read timeouts
// are not errors; the port is polled again after a short tick.
func readUntil(tr Transport, timeout time.Duration, done func(string) bool) (string, error) {
	deadline := time.Now().Add(timeout)
	var buf strings.Builder
	chunk := make([]byte, readChunk)
	for {
		n, err := tr.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if done(buf.String()) {
				return buf.String(), nil
			}
		}
		if err != nil && !errors.Is(err, io.EOF) && !os.IsTimeout(err) {
			return buf.String(), fmt.Errorf("modem: read: %w", err)
		}
		if time.Now().After(deadline) {
			return buf.String(), fmt.Errorf("modem: %q: %w after %s", cmdLabel(buf.String()), ErrATTimeout, timeout)
		}
		if n == 0 {
			time.Sleep(pollTick)
		}
	}
}

// cmdLabel picks something identifying out of a partial response for timeout
// messages. With echo disabled the buffer is usually empty on timeout.
func cmdLabel(partial string) string {
	partial = strings.TrimSpace(partial)
	if partial == "" {
		return "no response"
	}
	if len(partial) > 40 {
		partial = partial[:40]
	}
	return partial
}

// isFinalResponse reports whether the accumulated response contains a final
// result code on its own line.
func isFinalResponse(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		if isFinalResultLine(strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}

func isFinalResultLine(line string) bool {
	switch line {
	case "OK", "ERROR", "NO CARRIER", "BUSY", "NO ANSWER", "NO DIALTONE":
		return true
	}
	return strings.HasPrefix(line, "+CME ERROR") || strings.HasPrefix(line, "+CMS ERROR")
}

// hasOK reports whether the response carries a bare OK line.
func hasOK(resp string) bool {
	for _, line := range strings.Split(resp, "\n") {
		if strings.TrimSpace(line) == "OK" {
			return true
		}
	}
	return false
}

// hasErrorLine reports whether the response carries any error result code.
func hasErrorLine(resp string) bool {
	for _, line := range strings.Split(resp, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "ERROR" || strings.HasPrefix(trimmed, "+CME ERROR") || strings.HasPrefix(trimmed, "+CMS ERROR") {
			return true
		}
	}
	return false
}

// summarize flattens a multi-line modem response into one log-friendly line.
func summarize(resp string) string {
	return strings.Join(strings.Fields(resp), " ")
}

// isDeviceGone matches the transport errors the kernel raises when the USB
// serial device disappears mid-exchange.
func isDeviceGone(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such device")
}
