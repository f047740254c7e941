// Package crmtool provides built-in MCP tools that expose the lead store to
// the call assistant, so a live call can pull up who it is talking to and
// write back what happened.
//
// Three tools are exported via [NewTools]:
//   - "lookup_lead"     — find a lead by phone number or fuzzy name.
//   - "log_crm_note"    — append a timestamped note to a lead's record.
//   - "recent_messages" — recent SMS thread with a phone number.
//
// All handlers are safe for concurrent use.
package crmtool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/callyx/internal/crm"
	"github.com/MrWong99/callyx/internal/mcp/tools"
	"github.com/MrWong99/callyx/pkg/phone"
	"github.com/MrWong99/callyx/pkg/types"
)

// defaultThreadLimit caps recent_messages results when limit is not provided.
const defaultThreadLimit = 5

// lookupLeadArgs is the JSON-decoded input for the "lookup_lead" tool.
type lookupLeadArgs struct {
	// Phone is the number to look up. Takes precedence over Name.
	Phone string `json:"phone,omitempty"`

	// Name is a contact name to resolve; fuzzy and phonetic matching apply.
	Name string `json:"name,omitempty"`
}

// logNoteArgs is the JSON-decoded input for the "log_crm_note" tool.
type logNoteArgs struct {
	// Phone identifies the lead the note belongs to.
	Phone string `json:"phone"`

	// Note is the free-text note to append.
	Note string `json:"note"`
}

// recentMessagesArgs is the JSON-decoded input for the "recent_messages" tool.
type recentMessagesArgs struct {
	// Phone is the remote number whose thread to fetch.
	Phone string `json:"phone"`

	// Limit caps the number of messages returned. Defaults to 5 when ≤ 0.
	Limit int `json:"limit,omitempty"`
}

// leadView is the JSON shape returned to the model for a lead.
type leadView struct {
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Company   string `json:"company,omitempty"`
	Status    string `json:"status,omitempty"`
	Sentiment string `json:"sentiment,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// messageView is the JSON shape returned to the model for one thread message.
type messageView struct {
	Direction string `json:"direction"`
	Body      string `json:"body"`
	At        string `json:"at"`
}

func newLookupLeadHandler(store crm.Store) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a lookupLeadArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("crmtool: lookup_lead: failed to parse arguments: %w", err)
		}

		var lead crm.Lead
		switch {
		case a.Phone != "":
			number := phone.Normalize(a.Phone)
			l, err := store.LeadByPhone(ctx, number)
			if err != nil {
				if errors.Is(err, crm.ErrNotFound) {
					return fmt.Sprintf("no lead on file for %s", number.Display()), nil
				}
				return "", fmt.Errorf("crmtool: lookup_lead: %w", err)
			}
			lead = l
		case a.Name != "":
			l, ok := crm.ResolveName(ctx, store, a.Name)
			if !ok {
				return fmt.Sprintf("no lead matches the name %q", a.Name), nil
			}
			lead = l
		default:
			return "", fmt.Errorf("crmtool: lookup_lead: phone or name is required")
		}

		out, err := json.Marshal(leadView{
			Name:      lead.Name,
			Phone:     lead.Phone.Display(),
			Company:   lead.Company,
			Status:    lead.Status,
			Sentiment: lead.Sentiment,
			Notes:     lead.Notes,
		})
		if err != nil {
			return "", fmt.Errorf("crmtool: lookup_lead: failed to encode result: %w", err)
		}
		return string(out), nil
	}
}

func newLogNoteHandler(store crm.Store) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a logNoteArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("crmtool: log_crm_note: failed to parse arguments: %w", err)
		}
		if strings.TrimSpace(a.Note) == "" {
			return "", fmt.Errorf("crmtool: log_crm_note: note must not be empty")
		}
		number := phone.Normalize(a.Phone)
		if !number.IsValid() {
			return "", fmt.Errorf("crmtool: log_crm_note: %q is not a valid phone number", a.Phone)
		}
		if err := store.LogInteraction(ctx, number, strings.TrimSpace(a.Note)); err != nil {
			return "", fmt.Errorf("crmtool: log_crm_note: %w", err)
		}
		return "note recorded for " + number.Display(), nil
	}
}

func newRecentMessagesHandler(store crm.Store) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a recentMessagesArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("crmtool: recent_messages: failed to parse arguments: %w", err)
		}
		number := phone.Normalize(a.Phone)
		if !number.IsValid() {
			return "", fmt.Errorf("crmtool: recent_messages: %q is not a valid phone number", a.Phone)
		}
		limit := a.Limit
		if limit <= 0 {
			limit = defaultThreadLimit
		}

		msgs, err := store.Thread(ctx, number, limit)
		if err != nil {
			return "", fmt.Errorf("crmtool: recent_messages: %w", err)
		}
		views := make([]messageView, len(msgs))
		for i, m := range msgs {
			views[i] = messageView{
				Direction: string(m.Direction),
				Body:      m.Body,
				At:        m.CreatedAt.Format("2006-01-02 15:04"),
			}
		}
		out, err := json.Marshal(views)
		if err != nil {
			return "", fmt.Errorf("crmtool: recent_messages: failed to encode result: %w", err)
		}
		return string(out), nil
	}
}

// NewTools returns the CRM tools backed by the given store, ready for
// registration with the MCP Host.
func NewTools(store crm.Store) []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "lookup_lead",
				Description: "Look up a contact in the CRM by phone number or by name (fuzzy matching allowed). Returns name, phone, company, status, sentiment, and notes.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"phone": map[string]any{
							"type":        "string",
							"description": "Phone number to look up. Takes precedence over name.",
						},
						"name": map[string]any{
							"type":        "string",
							"description": "Contact name to resolve when the number is unknown.",
						},
					},
				},
				EstimatedDurationMs: 10,
				MaxDurationMs:       200,
				Idempotent:          true,
				CacheableSeconds:    60,
			},
			Handler:     newLookupLeadHandler(store),
			DeclaredP50: 10,
			DeclaredMax: 200,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "log_crm_note",
				Description: "Append a timestamped note to a contact's CRM record, creating the record if it does not exist. Use this to save commitments, preferences, and outcomes learned during the conversation.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"phone": map[string]any{
							"type":        "string",
							"description": "Phone number identifying the contact.",
						},
						"note": map[string]any{
							"type":        "string",
							"description": "The note text to append.",
						},
					},
					"required": []string{"phone", "note"},
				},
				EstimatedDurationMs: 10,
				MaxDurationMs:       200,
			},
			Handler:     newLogNoteHandler(store),
			DeclaredP50: 10,
			DeclaredMax: 200,
		},
		{
			Definition: types.ToolDefinition{
				Name:        "recent_messages",
				Description: "Fetch the most recent SMS messages exchanged with a phone number, oldest first.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"phone": map[string]any{
							"type":        "string",
							"description": "The remote phone number whose thread to fetch.",
						},
						"limit": map[string]any{
							"type":        "integer",
							"description": "Maximum number of messages to return. Defaults to 5.",
						},
					},
					"required": []string{"phone"},
				},
				EstimatedDurationMs: 10,
				MaxDurationMs:       200,
				Idempotent:          true,
			},
			Handler:     newRecentMessagesHandler(store),
			DeclaredP50: 10,
			DeclaredMax: 200,
		},
	}
}
