package modem

import (
	"context"
	"time"
)

// beginReconnect launches the async recovery goroutine unless one is
// already running or the modem is closed. Called from the AT layer when a
// transport error indicates the USB device vanished.
func (m *Modem) beginReconnect() {
	m.reconnectMu.Lock()
	if m.reconnecting || m.isClosed() {
		m.reconnectMu.Unlock()
		return
	}
	m.reconnecting = true
	m.reconnectMu.Unlock()
	go m.reconnect()
}

// reconnect tears down the dead transport and tries to bring the modem back:
// release the port, wait, then re-discover, re-open and re-init with a
// bounded number of attempts. The monitor is restarted on success. Any call
// that was in flight is over; its voice path died with the device.
func (m *Modem) reconnect() {
	defer func() {
		m.reconnectMu.Lock()
		m.reconnecting = false
		m.reconnectMu.Unlock()
	}()

	m.endActiveCall()
	m.stopMonitor()
	m.closeTransport()
	m.log.Warn("modem: transport lost, reconnecting",
		"attempts", m.cfg.ReconnectAttempts,
		"delay", m.cfg.ReconnectDelay,
	)
	if !m.sleepUnlessClosed(m.cfg.ReconnectDelay) {
		return
	}

	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		err := m.reopen()
		if err == nil {
			m.startMonitor()
			m.log.Info("modem: reconnected", "attempt", attempt)
			if m.cfg.OnReconnect != nil {
				m.cfg.OnReconnect(attempt)
			}
			return
		}
		m.log.Warn("modem: reconnect attempt failed",
			"attempt", attempt,
			"max_attempts", m.cfg.ReconnectAttempts,
			"error", err,
		)
		if attempt < m.cfg.ReconnectAttempts {
			if !m.sleepUnlessClosed(m.cfg.ReconnectDelay) {
				return
			}
		}
	}
	m.log.Error("modem: reconnect failed, giving up", "attempts", m.cfg.ReconnectAttempts)
}

// reopen runs one full discovery, open and init cycle.
func (m *Modem) reopen() error {
	if m.isClosed() {
		return ErrModemClosed
	}
	path, err := m.portPath()
	if err != nil {
		return err
	}
	tr, err := m.cfg.OpenTransport(path)
	if err != nil {
		return err
	}
	m.setTransport(tr)
	ctx, cancel := m.closeContext()
	defer cancel()
	if err := m.initSequence(ctx); err != nil {
		m.closeTransport()
		return err
	}
	return nil
}

// closeContext returns a context that cancels when the modem closes.
func (m *Modem) closeContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// sleepUnlessClosed waits for d, aborting early when the modem closes.
// Returns false on abort.
func (m *Modem) sleepUnlessClosed(d time.Duration) bool {
	select {
	case <-m.done:
		return false
	case <-time.After(d):
		return true
	}
}
