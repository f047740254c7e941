package modem

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/callyx/pkg/phone"
)

// clccTimeout bounds the status poll; CLCC answers fast on a healthy modem.
const clccTimeout = 2 * time.Second

// clccEntry is one parsed +CLCC line.
//
//	+CLCC: <id>,<dir>,<stat>,<mode>,<mpty>,"<number>",<type>
//
// dir is 0 for mobile-originated, 1 for mobile-terminated. stat values used
// here: 0 active, 1 held, 2 dialing, 3 alerting, 4 incoming.
type clccEntry struct {
	id     int
	dir    int
	stat   int
	number string
}

func (m *Modem) startMonitor() {
	stop := make(chan struct{})
	mdone := make(chan struct{})
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.monitorStop = stop
	m.monitorDone = mdone
	m.mu.Unlock()
	go m.monitorLoop(stop, mdone)
}

func (m *Modem) stopMonitor() {
	m.mu.Lock()
	stop, mdone := m.monitorStop, m.monitorDone
	m.monitorStop, m.monitorDone = nil, nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		<-mdone
	}
}

// monitorLoop polls call status and drains unsolicited result codes. All
// state callbacks fire on this goroutine.
func (m *Modem) monitorLoop(stop, mdone chan struct{}) {
	defer close(mdone)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if m.pollSuspended() {
				continue
			}
			m.pollOnce()
		}
	}
}

func (m *Modem) pollOnce() {
	resp, err := m.sendAT("AT+CLCC", clccTimeout)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			return
		}
		m.log.Debug("modem: status poll failed", "error", err)
		return
	}
	m.handleMonitorResponse(resp)
}

// handleMonitorResponse digests one poll read: the +CLCC listing plus any
// unsolicited lines the modem buffered since the last exchange. Events are
// collected first so caller ID from a trailing +CLIP line is attached before
// the incoming notification fires.
func (m *Modem) handleMonitorResponse(resp string) {
	var (
		entries    []clccEntry
		ringSeen   bool
		endSeen    bool
		clipNumber string
		smsIndexes []int
	)
	for _, raw := range strings.Split(resp, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
		case strings.HasPrefix(line, "+CLCC:"):
			if e, ok := parseCLCC(line); ok {
				entries = append(entries, e)
			} else {
				m.log.Warn("modem: unparseable CLCC line", "line", line)
			}
		case line == "RING":
			ringSeen = true
		case strings.HasPrefix(line, "+CLIP:"):
			clipNumber = firstQuoted(line)
		case strings.HasPrefix(line, "+CMTI:"):
			if idx, ok := parseCMTI(line); ok {
				smsIndexes = append(smsIndexes, idx)
			} else {
				m.log.Warn("modem: unparseable CMTI line", "line", line)
			}
		case strings.HasPrefix(line, "VOICE CALL: END"), line == "NO CARRIER":
			endSeen = true
		}
	}

	incomingNumber := phone.Normalize(clipNumber)
	for _, e := range entries {
		if e.dir == 1 && e.number != "" && incomingNumber == "" {
			incomingNumber = phone.Normalize(e.number)
		}
	}
	if ringSeen || hasStat(entries, 4) {
		m.beginIncoming(incomingNumber)
	}
	if incomingNumber != "" {
		// Late caller ID for a ring already in progress.
		m.setNumber(incomingNumber)
	}

	m.applyCLCC(entries)

	if endSeen {
		m.endActiveCall()
	}

	for _, idx := range smsIndexes {
		m.readIncomingSMS(idx)
	}
}

// applyCLCC advances the call state machine from the listing. An empty
// listing means the line is free: a connected call has ended, and a ringing
// or incoming call that the listing reported at least once has been given up
// on.
func (m *Modem) applyCLCC(entries []clccEntry) {
	if len(entries) == 0 {
		m.mu.Lock()
		st := m.call.State
		seen := m.seenInCLCC
		m.mu.Unlock()
		switch {
		case st == CallConnected:
			m.setState(CallEnded)
		case (st == CallRinging || st == CallIncoming) && seen:
			m.setState(CallEnded)
		}
		return
	}

	m.mu.Lock()
	if activeState(m.call.State) {
		m.seenInCLCC = true
	}
	m.mu.Unlock()

	switch {
	case hasStat(entries, 0):
		m.setState(CallConnected)
	case hasStat(entries, 3):
		m.setState(CallRinging)
	}
}

// endActiveCall is the modem-reported call end (VOICE CALL: END, NO
// CARRIER). Unlike the empty-listing heuristic it is definitive.
func (m *Modem) endActiveCall() {
	m.mu.Lock()
	active := activeState(m.call.State)
	m.mu.Unlock()
	if active {
		m.setState(CallEnded)
	}
}

// readIncomingSMS fetches, decodes and deletes the stored message, then
// notifies the SMS callbacks. Runs on the monitor goroutine.
func (m *Modem) readIncomingSMS(idx int) {
	resp, err := m.sendAT(fmt.Sprintf("AT+CMGR=%d", idx), m.cfg.ATTimeout)
	if err != nil {
		m.log.Warn("modem: read SMS failed", "index", idx, "error", err)
		return
	}
	sender, body, ok := parseCMGR(resp)
	if !ok {
		m.log.Warn("modem: unparseable SMS", "index", idx, "response", summarize(resp))
	}
	if isUCS2Hex(body) {
		if decoded, err := ucs2Decode(body); err == nil {
			body = decoded
		} else {
			m.log.Warn("modem: UCS-2 decode failed", "index", idx, "error", err)
		}
	}
	// Delete regardless of parse outcome so the SIM store cannot fill up.
	if _, err := m.sendAT(fmt.Sprintf("AT+CMGD=%d", idx), m.cfg.ATTimeout); err != nil {
		m.log.Warn("modem: delete SMS failed", "index", idx, "error", err)
	}
	if !ok {
		return
	}

	from := phone.Normalize(sender)
	m.log.Info("modem: SMS received", "from", from.String(), "chars", len(body))
	m.mu.Lock()
	cbs := slices.Clone(m.smsCBs)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(from, body)
	}
}

func hasStat(entries []clccEntry, stat int) bool {
	for _, e := range entries {
		if e.stat == stat {
			return true
		}
	}
	return false
}

// parseCLCC parses one +CLCC listing line.
func parseCLCC(line string) (clccEntry, bool) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "+CLCC:"))
	fields := strings.Split(rest, ",")
	if len(fields) < 6 {
		return clccEntry{}, false
	}
	id, err1 := strconv.Atoi(strings.TrimSpace(fields[0]))
	dir, err2 := strconv.Atoi(strings.TrimSpace(fields[1]))
	stat, err3 := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err1 != nil || err2 != nil || err3 != nil {
		return clccEntry{}, false
	}
	return clccEntry{
		id:     id,
		dir:    dir,
		stat:   stat,
		number: strings.Trim(strings.TrimSpace(fields[5]), `"`),
	}, true
}

// parseCMTI extracts the storage index from a new-message notification such
// as `+CMTI: "SM",3`.
func parseCMTI(line string) (int, bool) {
	comma := strings.LastIndex(line, ",")
	if comma < 0 {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimSpace(line[comma+1:]))
	if err != nil {
		return 0, false
	}
	return idx, true
}

var quotedRe = regexp.MustCompile(`"([^"]*)"`)

// firstQuoted returns the first double-quoted field of a URC line.
func firstQuoted(s string) string {
	match := quotedRe.FindStringSubmatch(s)
	if match == nil {
		return ""
	}
	return match[1]
}

// quotedFields returns every double-quoted field of a response line.
func quotedFields(s string) []string {
	var out []string
	for _, match := range quotedRe.FindAllStringSubmatch(s, -1) {
		out = append(out, match[1])
	}
	return out
}
