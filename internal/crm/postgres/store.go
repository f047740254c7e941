// Package postgres provides the pgx-backed implementation of [crm.Store].
//
// Leads live in one table keyed by normalized phone; messages are an
// append-only table indexed by thread. [Migrate] runs on every open and is
// idempotent.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callyx/internal/crm"
	"github.com/MrWong99/callyx/pkg/phone"
)

// Compile-time interface check.
var _ crm.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS leads (
    phone       TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL DEFAULT '',
    company     TEXT         NOT NULL DEFAULT '',
    notes       TEXT         NOT NULL DEFAULT '',
    status      TEXT         NOT NULL DEFAULT '',
    sentiment   TEXT         NOT NULL DEFAULT '',
    autopilot   BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_name ON leads (lower(name));

CREATE TABLE IF NOT EXISTS messages (
    id          TEXT         PRIMARY KEY DEFAULT md5(random()::text || clock_timestamp()::text),
    channel     TEXT         NOT NULL,
    direction   TEXT         NOT NULL,
    from_phone  TEXT         NOT NULL,
    to_phone    TEXT         NOT NULL,
    body        TEXT         NOT NULL,
    thread_id   TEXT         NOT NULL,
    status      TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_thread
    ON messages (thread_id, created_at);
`

// Store is the PostgreSQL-backed lead store and message log. All operations
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("crm postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("crm postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("crm postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("crm postgres: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates the leads and messages tables if they do not exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("crm postgres: migrate: %w", err)
	}
	return nil
}

// LeadByPhone implements [crm.Store.LeadByPhone].
func (s *Store) LeadByPhone(ctx context.Context, number phone.Number) (crm.Lead, error) {
	const q = `
		SELECT phone, name, company, notes, status, sentiment, autopilot, created_at, updated_at
		FROM   leads
		WHERE  phone = $1`

	row := s.pool.QueryRow(ctx, q, string(number))
	lead, err := scanLead(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crm.Lead{}, crm.ErrNotFound
		}
		return crm.Lead{}, fmt.Errorf("crm postgres: lead by phone: %w", err)
	}
	return lead, nil
}

// SearchLeads implements [crm.Store.SearchLeads] with a case-insensitive
// substring match over name, company, and phone.
func (s *Store) SearchLeads(ctx context.Context, query string) ([]crm.Lead, error) {
	const q = `
		SELECT phone, name, company, notes, status, sentiment, autopilot, created_at, updated_at
		FROM   leads
		WHERE  $1 = ''
		   OR  lower(name)    LIKE '%' || lower($1) || '%'
		   OR  lower(company) LIKE '%' || lower($1) || '%'
		   OR  phone          LIKE '%' || $2 || '%'
		ORDER  BY name, phone`

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, query)
	if digits == "" {
		// Phone columns are digits only, so this fragment can never match.
		digits = "x"
	}

	rows, err := s.pool.Query(ctx, q, query, digits)
	if err != nil {
		return nil, fmt.Errorf("crm postgres: search leads: %w", err)
	}
	leads, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crm.Lead, error) {
		return scanLead(row)
	})
	if err != nil {
		return nil, fmt.Errorf("crm postgres: scan leads: %w", err)
	}
	return leads, nil
}

// UpsertLead implements [crm.Store.UpsertLead].
func (s *Store) UpsertLead(ctx context.Context, lead crm.Lead) error {
	const q = `
		INSERT INTO leads (phone, name, company, notes, status, sentiment, autopilot)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (phone) DO UPDATE SET
		    name       = EXCLUDED.name,
		    company    = EXCLUDED.company,
		    notes      = EXCLUDED.notes,
		    status     = EXCLUDED.status,
		    sentiment  = EXCLUDED.sentiment,
		    autopilot  = EXCLUDED.autopilot,
		    updated_at = now()`

	_, err := s.pool.Exec(ctx, q,
		string(lead.Phone), lead.Name, lead.Company, lead.Notes, lead.Status, lead.Sentiment, lead.Autopilot)
	if err != nil {
		return fmt.Errorf("crm postgres: upsert lead: %w", err)
	}
	return nil
}

// LogInteraction implements [crm.Store.LogInteraction].
func (s *Store) LogInteraction(ctx context.Context, number phone.Number, note string) error {
	stamp := time.Now().Format("2006-01-02")
	const q = `
		INSERT INTO leads (phone, notes)
		VALUES ($1, $2)
		ON CONFLICT (phone) DO UPDATE SET
		    notes      = CASE WHEN leads.notes = '' THEN $2
		                      ELSE leads.notes || E'\n' || $2 END,
		    updated_at = now()`

	_, err := s.pool.Exec(ctx, q, string(number), stamp+": "+note)
	if err != nil {
		return fmt.Errorf("crm postgres: log interaction: %w", err)
	}
	return nil
}

// LogMessage implements [crm.Store.LogMessage].
func (s *Store) LogMessage(ctx context.Context, msg crm.Message) error {
	if msg.ThreadID == "" {
		msg.ThreadID = crm.ThreadKey(msg)
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	const q = `
		INSERT INTO messages (channel, direction, from_phone, to_phone, body, thread_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, q,
		string(msg.Channel), string(msg.Direction),
		string(msg.From), string(msg.To),
		msg.Body, msg.ThreadID, msg.Status, created)
	if err != nil {
		return fmt.Errorf("crm postgres: log message: %w", err)
	}
	return nil
}

// Thread implements [crm.Store.Thread]. Messages come back oldest first.
func (s *Store) Thread(ctx context.Context, number phone.Number, limit int) ([]crm.Message, error) {
	const q = `
		SELECT id, channel, direction, from_phone, to_phone, body, thread_id, status, created_at
		FROM  (SELECT * FROM messages
		       WHERE  thread_id = $1
		       ORDER  BY created_at DESC
		       LIMIT  $2) recent
		ORDER BY created_at`

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, q, string(number), limit)
	if err != nil {
		return nil, fmt.Errorf("crm postgres: thread: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (crm.Message, error) {
		var (
			m            crm.Message
			channel, dir string
			from, to     string
		)
		if err := row.Scan(&m.ID, &channel, &dir, &from, &to, &m.Body, &m.ThreadID, &m.Status, &m.CreatedAt); err != nil {
			return crm.Message{}, err
		}
		m.Channel = crm.Channel(channel)
		m.Direction = crm.Direction(dir)
		m.From = phone.Number(from)
		m.To = phone.Number(to)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("crm postgres: scan messages: %w", err)
	}
	return msgs, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (crm.Lead, error) {
	var (
		l     crm.Lead
		phNum string
	)
	if err := row.Scan(&phNum, &l.Name, &l.Company, &l.Notes, &l.Status, &l.Sentiment, &l.Autopilot, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return crm.Lead{}, err
	}
	l.Phone = phone.Number(phNum)
	return l, nil
}
