package modem

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/MrWong99/callyx/pkg/phone"
)

const (
	// smsPromptTimeout bounds the wait for the "> " body prompt after CMGS.
	smsPromptTimeout = 5 * time.Second
	// smsResultTimeout bounds the network submit after the body is sent.
	smsResultTimeout = 15 * time.Second
)

// SendSMS submits one text-mode message. The status poll is suspended for
// the duration so the prompt/body handshake is not interleaved with a CLCC
// exchange.
func (m *Modem) SendSMS(ctx context.Context, number phone.Number, body string) error {
	if m.isClosed() {
		return ErrModemClosed
	}
	if !number.IsValid() {
		return fmt.Errorf("modem: send sms: invalid number %q", number)
	}
	m.suspendPoll()
	defer m.resumePoll()
	m.atMu.Lock()
	defer m.atMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	// Text mode may have been lost across a reconnect; set it per send.
	if resp, err := m.exchange("AT+CMGF=1", m.cfg.ATTimeout, isFinalResponse); err != nil {
		return fmt.Errorf("modem: send sms: text mode: %w", err)
	} else if !hasOK(resp) {
		return fmt.Errorf("modem: send sms: text mode: modem answered %q", summarize(resp))
	}

	resp, err := m.exchange(`AT+CMGS="`+number.String()+`"`, smsPromptTimeout, smsPromptDone)
	if err != nil {
		return fmt.Errorf("modem: send sms to %s: %w", number, err)
	}
	if hasErrorLine(resp) {
		return fmt.Errorf("modem: send sms to %s: modem answered %q", number, summarize(resp))
	}

	tr := m.transport()
	if tr == nil {
		return ErrNotConnected
	}
	if _, err := tr.Write([]byte(body + "\x1a")); err != nil {
		return fmt.Errorf("modem: send sms body: %w", err)
	}
	final, err := readUntil(tr, smsResultTimeout, isFinalResponse)
	if err != nil {
		return fmt.Errorf("modem: send sms to %s: %w", number, err)
	}
	if !hasOK(final) {
		return fmt.Errorf("modem: send sms to %s: modem answered %q", number, summarize(final))
	}
	m.log.Info("modem: SMS sent", "to", number.String(), "chars", len(body))
	return nil
}

// smsPromptDone stops the CMGS read once the body prompt or an error code
// arrives.
func smsPromptDone(s string) bool {
	return strings.Contains(s, ">") || hasErrorLine(s)
}

// parseCMGR extracts sender and body from a text-mode stored-message read:
//
//	+CMGR: "REC UNREAD","+17025551234",,"24/08/20,14:33:02-28"
//	Hello there
//	OK
//
// Multi-line bodies are joined with newlines. The second quoted field of the
// header is the sender.
func parseCMGR(resp string) (sender, body string, ok bool) {
	lines := strings.Split(resp, "\n")
	header := -1
	for i, raw := range lines {
		if strings.HasPrefix(strings.TrimSpace(raw), "+CMGR:") {
			header = i
			break
		}
	}
	if header < 0 {
		return "", "", false
	}
	fields := quotedFields(lines[header])
	if len(fields) < 2 {
		return "", "", false
	}
	sender = fields[1]

	var bodyLines []string
	for _, raw := range lines[header+1:] {
		line := strings.TrimRight(raw, "\r")
		if isFinalResultLine(strings.TrimSpace(line)) {
			break
		}
		bodyLines = append(bodyLines, line)
	}
	body = strings.TrimSpace(strings.Join(bodyLines, "\n"))
	return sender, body, true
}

// isUCS2Hex reports whether the body looks like a UCS-2 hex dump: non-empty,
// a multiple of four hex digits and nothing else. Modems store non-ASCII
// messages this way in text mode.
func isUCS2Hex(s string) bool {
	if len(s) == 0 || len(s)%4 != 0 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// ucs2Decode converts a big-endian UCS-2 hex dump into a string. Surrogate
// pairs decode to their code points, so emoji survive.
func ucs2Decode(s string) (string, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("modem: ucs2: %w", err)
	}
	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		units = append(units, uint16(raw[i])<<8|uint16(raw[i+1]))
	}
	return string(utf16.Decode(units)), nil
}
