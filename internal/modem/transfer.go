package modem

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/callyx/pkg/phone"
)

// transferLegWait bounds how long the second leg may take to come up before
// the three-way merge is abandoned.
const transferLegWait = 30 * time.Second

// Transfer hands the connected call to target. It first asks the network
// for an explicit transfer; if the modem rejects that, it falls back to a
// three-way path: hold the original, dial target, wait for an active+held
// pair, then merge. Any failure on the fallback path resumes the original
// call before returning the error.
func (m *Modem) Transfer(ctx context.Context, target phone.Number) error {
	if m.isClosed() {
		return ErrModemClosed
	}
	m.mu.Lock()
	st := m.call.State
	m.mu.Unlock()
	if st != CallConnected {
		return fmt.Errorf("modem: transfer: call state %q: %w", st, ErrNoActiveCall)
	}
	if !target.IsValid() {
		return fmt.Errorf("modem: transfer: invalid number %q", target)
	}
	m.suspendPoll()
	defer m.resumePoll()

	resp, err := m.sendAT(`AT+CTFR="`+target.String()+`"`, m.cfg.ATTimeout)
	if err != nil {
		return fmt.Errorf("modem: transfer to %s: %w", target, err)
	}
	if hasOK(resp) {
		m.log.Info("modem: call transferred", "target", target.String())
		m.setState(CallEnded)
		return nil
	}

	m.log.Info("modem: explicit transfer unavailable, merging three-way", "target", target.String())

	if resp, err := m.sendAT("AT+CHLD=2", m.cfg.ATTimeout); err != nil {
		return fmt.Errorf("modem: transfer: hold call: %w", err)
	} else if !hasOK(resp) {
		return fmt.Errorf("modem: transfer: hold call: modem answered %q", summarize(resp))
	}

	if resp, err := m.sendAT("ATD"+target.String()+";", m.cfg.ATTimeout); err != nil || !hasOK(resp) {
		// No second call exists yet; CHLD=2 toggles the held call back.
		_, _ = m.sendAT("AT+CHLD=2", m.cfg.ATTimeout)
		if err != nil {
			return fmt.Errorf("modem: transfer: dial %s: %w", target, err)
		}
		return fmt.Errorf("modem: transfer: dial %s: modem answered %q", target, summarize(resp))
	}

	if err := m.waitSecondLeg(ctx); err != nil {
		// Drop the new leg and resume the held original.
		_, _ = m.sendAT("AT+CHLD=1", m.cfg.ATTimeout)
		return fmt.Errorf("modem: transfer to %s: %w", target, err)
	}

	resp, err = m.sendAT("AT+CHLD=3", m.cfg.ATTimeout)
	if err != nil {
		_, _ = m.sendAT("AT+CHLD=1", m.cfg.ATTimeout)
		return fmt.Errorf("modem: transfer: merge: %w", err)
	}
	if hasErrorLine(resp) || strings.Contains(resp, "VOICE CALL: END") {
		_, _ = m.sendAT("AT+CHLD=1", m.cfg.ATTimeout)
		return fmt.Errorf("modem: transfer: merge: modem answered %q", summarize(resp))
	}
	m.log.Info("modem: three-way merge up", "target", target.String())
	return nil
}

// waitSecondLeg polls the call listing until it shows the new leg active
// alongside the held original.
func (m *Modem) waitSecondLeg(ctx context.Context) error {
	deadline := time.Now().Add(transferLegWait)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := m.sendAT("AT+CLCC", clccTimeout)
		if err != nil {
			return err
		}
		var active, held bool
		for _, raw := range strings.Split(resp, "\n") {
			line := strings.TrimSpace(raw)
			if !strings.HasPrefix(line, "+CLCC:") {
				continue
			}
			if e, ok := parseCLCC(line); ok {
				switch e.stat {
				case 0:
					active = true
				case 1:
					held = true
				}
			}
		}
		if active && held {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("modem: second leg not up within %s", transferLegWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
	}
}
