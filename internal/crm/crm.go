// Package crm holds the lead store and the append-only message log.
//
// The rest of the system treats contact data as two narrow contracts: a
// key/value lookup by normalized phone number ([Store.LeadByPhone]) and an
// append-only interaction log ([Store.LogMessage], [Store.LogInteraction]).
// Two implementations exist: [MemStore] for single-box deployments and tests,
// and the pgx-backed store in the postgres subpackage.
//
// The store outlives calls and SMS threads; every operation is atomic on its
// own and there are no cross-call transactions.
package crm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/callyx/pkg/phone"
)

// ErrNotFound is returned when no lead exists under the requested phone number.
var ErrNotFound = errors.New("crm: lead not found")

// Channel identifies the medium a message travelled over.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Direction distinguishes inbound from outbound messages.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Lead is one contact record, keyed by normalized phone number.
type Lead struct {
	// Phone is the canonical key. Always stored normalized.
	Phone phone.Number `json:"phone"`

	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
	Notes   string `json:"notes,omitempty"`

	// Status is free-form pipeline state ("new", "contacted", "booked", ...).
	Status string `json:"status,omitempty"`

	// Sentiment is the last recorded disposition ("positive", "neutral",
	// "negative").
	Sentiment string `json:"sentiment,omitempty"`

	// Autopilot controls whether the SMS router replies to this lead without
	// owner involvement. New leads default to true.
	Autopilot bool `json:"autopilot"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one entry in the append-only message log.
type Message struct {
	ID        string       `json:"id"`
	Channel   Channel      `json:"channel"`
	Direction Direction    `json:"direction"`
	From      phone.Number `json:"from"`
	To        phone.Number `json:"to"`
	Body      string       `json:"body"`

	// ThreadID groups messages exchanged with one remote number. It is the
	// remote party's normalized number regardless of direction.
	ThreadID string `json:"thread_id"`

	CreatedAt time.Time `json:"created_at"`

	// Status tracks delivery ("sent", "received", "failed").
	Status string `json:"status,omitempty"`
}

// Store is the contract the call agent and SMS router program against.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// LeadByPhone returns the lead stored under the normalized number.
	// Returns [ErrNotFound] when the caller is unknown.
	LeadByPhone(ctx context.Context, number phone.Number) (Lead, error)

	// SearchLeads returns leads whose name, company, or phone contains the
	// query, case-insensitive. An empty query returns all leads.
	SearchLeads(ctx context.Context, query string) ([]Lead, error)

	// UpsertLead inserts or replaces the lead keyed by lead.Phone. CreatedAt
	// is preserved on replace; UpdatedAt is set by the store.
	UpsertLead(ctx context.Context, lead Lead) error

	// LogInteraction appends a timestamped note to the lead's record,
	// creating the lead if it does not exist yet.
	LogInteraction(ctx context.Context, number phone.Number, note string) error

	// LogMessage appends one message to the log. The store assigns ID,
	// ThreadID, and CreatedAt when empty.
	LogMessage(ctx context.Context, msg Message) error

	// Thread returns the most recent messages exchanged with the given
	// remote number, oldest first, capped at limit.
	Thread(ctx context.Context, number phone.Number, limit int) ([]Message, error)

	// Close releases store resources.
	Close() error
}

// LeadVars flattens a lead into the lowercase placeholder map used for
// persona and greeting substitution ({NAME}, {COMPANY}, ...).
func LeadVars(l Lead) map[string]string {
	vars := make(map[string]string, 4)
	if l.Name != "" {
		vars["name"] = l.Name
	}
	if l.Company != "" {
		vars["company"] = l.Company
	}
	if l.Notes != "" {
		vars["notes"] = l.Notes
	}
	if l.Status != "" {
		vars["status"] = l.Status
	}
	return vars
}

// LeadSource adapts a [Store] to the caller-background lookup the call agent
// uses on inbound calls. Lookup failures degrade to "unknown caller" instead
// of blocking the answer.
type LeadSource struct {
	Store Store
	Log   *slog.Logger
}

// LeadContext returns placeholder values for the caller, or false when the
// caller is unknown.
func (s LeadSource) LeadContext(ctx context.Context, number phone.Number) (map[string]string, bool) {
	if s.Store == nil {
		return nil, false
	}
	lead, err := s.Store.LeadByPhone(ctx, number)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && s.Log != nil {
			s.Log.Warn("lead lookup failed", "number", number.Display(), "err", err)
		}
		return nil, false
	}
	return LeadVars(lead), true
}

// ThreadKey returns the canonical thread key for a message: the remote side
// of the exchange.
func ThreadKey(msg Message) string {
	if msg.Direction == DirectionOut {
		return string(msg.To)
	}
	return string(msg.From)
}

// matchesQuery reports whether the lead matches a substring search.
func matchesQuery(l Lead, query string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(l.Name), q) ||
		strings.Contains(strings.ToLower(l.Company), q) {
		return true
	}
	digits := strings.Map(keepDigits, q)
	return digits != "" && strings.Contains(string(l.Phone), digits)
}

func keepDigits(r rune) rune {
	if r >= '0' && r <= '9' {
		return r
	}
	return -1
}
