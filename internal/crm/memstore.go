package crm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callyx/pkg/phone"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// journalEntry is one line of the JSONL persistence file. Exactly one of the
// two payloads is set.
type journalEntry struct {
	Lead    *Lead    `json:"lead,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// MemStore is a thread-safe, in-memory implementation of [Store]. With a
// persist path it appends every write to a JSONL journal and replays it on
// open, which is durability enough for a single-box deployment.
type MemStore struct {
	mu       sync.RWMutex
	leads    map[phone.Number]Lead
	messages []Message

	journal *os.File
}

// NewMemStore returns an initialised, empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		leads: make(map[phone.Number]Lead),
	}
}

// OpenMemStore returns a [MemStore] backed by the JSONL journal at path. The
// journal is replayed into memory first; a missing file starts empty.
func OpenMemStore(path string) (*MemStore, error) {
	s := NewMemStore()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("crm: open journal %q: %w", path, err)
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			f.Close()
			return nil, fmt.Errorf("crm: journal %q line %d: %w", path, line, err)
		}
		switch {
		case entry.Lead != nil:
			s.leads[entry.Lead.Phone] = *entry.Lead
		case entry.Message != nil:
			s.messages = append(s.messages, *entry.Message)
		}
	}
	if err := sc.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("crm: read journal %q: %w", path, err)
	}

	s.journal = f
	return s, nil
}

// LeadByPhone implements [Store.LeadByPhone].
func (s *MemStore) LeadByPhone(ctx context.Context, number phone.Number) (Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.leads[number]
	if !ok {
		return Lead{}, ErrNotFound
	}
	return l, nil
}

// SearchLeads implements [Store.SearchLeads]. Results are ordered by name for
// deterministic output.
func (s *MemStore) SearchLeads(ctx context.Context, query string) ([]Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Lead, 0, len(s.leads))
	for _, l := range s.leads {
		if matchesQuery(l, query) {
			result = append(result, l)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Phone < result[j].Phone
	})
	return result, nil
}

// UpsertLead implements [Store.UpsertLead].
func (s *MemStore) UpsertLead(ctx context.Context, lead Lead) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.leads[lead.Phone]; ok {
		lead.CreatedAt = prev.CreatedAt
	} else {
		if lead.CreatedAt.IsZero() {
			lead.CreatedAt = now
		}
	}
	lead.UpdatedAt = now
	s.leads[lead.Phone] = lead
	return s.appendLocked(journalEntry{Lead: &lead})
}

// LogInteraction implements [Store.LogInteraction]. The note is appended to
// the lead's notes field with a date prefix.
func (s *MemStore) LogInteraction(ctx context.Context, number phone.Number, note string) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leads[number]
	if !ok {
		l = Lead{Phone: number, Autopilot: true, CreatedAt: now}
	}
	stamp := now.Format("2006-01-02")
	if l.Notes != "" {
		l.Notes += "\n"
	}
	l.Notes += stamp + ": " + note
	l.UpdatedAt = now
	s.leads[number] = l
	return s.appendLocked(journalEntry{Lead: &l})
}

// LogMessage implements [Store.LogMessage].
func (s *MemStore) LogMessage(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ThreadID == "" {
		msg.ThreadID = ThreadKey(msg)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return s.appendLocked(journalEntry{Message: &msg})
}

// Thread implements [Store.Thread].
func (s *MemStore) Thread(ctx context.Context, number phone.Number, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := string(number)
	var result []Message
	for _, m := range s.messages {
		if m.ThreadID == key {
			result = append(result, m)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// Close closes the journal file if one is open.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

// appendLocked writes one journal line. Callers hold the write lock. Stores
// without a journal are memory-only and the write is a no-op.
func (s *MemStore) appendLocked(entry journalEntry) error {
	if s.journal == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("crm: encode journal entry: %w", err)
	}
	if _, err := s.journal.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("crm: append journal: %w", err)
	}
	return nil
}
