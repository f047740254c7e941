package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/callyx/internal/crm"
	"github.com/MrWong99/callyx/pkg/phone"
	"github.com/MrWong99/callyx/pkg/types"
)

// Builtin tool names. External MCP tools share the same namespace, so these
// shadow any server tool with the same name.
const (
	toolSearchContacts = "search_contacts"
	toolMakeCall       = "make_call"
	toolSendSMS        = "send_sms"
)

// searchLimit caps contact search results handed back to the model.
const searchLimit = 5

// builtinTools returns the definitions of the tools the router implements
// itself. send_sms is only offered when a send function is wired.
func (r *Router) builtinTools() []types.ToolDefinition {
	defs := []types.ToolDefinition{
		{
			Name:        toolSearchContacts,
			Description: "Search the contact list by name, company, or phone fragment. Returns up to 5 matches as JSON.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Name, company, or phone number fragment to search for."},
				},
				"required": []string{"query"},
			},
			EstimatedDurationMs: 10,
			MaxDurationMs:       200,
			Idempotent:          true,
		},
		{
			Name:        toolMakeCall,
			Description: "Queue an outbound phone call. The call is placed when the line is free, not immediately. Provide either a contact name or a phone number.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"contact":   map[string]any{"type": "string", "description": "Contact name to call. Resolved against the contact list, fuzzy matching allowed."},
					"phone":     map[string]any{"type": "string", "description": "Phone number to call when no contact name is known."},
					"objective": map[string]any{"type": "string", "description": "What the call should accomplish, phrased as an instruction."},
				},
				"required": []string{"objective"},
			},
			EstimatedDurationMs: 20,
			MaxDurationMs:       500,
		},
	}
	if r.send != nil {
		defs = append(defs, types.ToolDefinition{
			Name:        toolSendSMS,
			Description: "Send a text message to a contact or phone number.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"contact": map[string]any{"type": "string", "description": "Contact name to text."},
					"phone":   map[string]any{"type": "string", "description": "Phone number to text when no contact name is known."},
					"message": map[string]any{"type": "string", "description": "The message body."},
				},
				"required": []string{"message"},
			},
			EstimatedDurationMs: 2000,
			MaxDurationMs:       10000,
		})
	}
	return defs
}

// toolset assembles the tool definitions offered to a persona: builtins plus
// whatever the external host serves within the persona's tier, filtered by
// the persona's whitelist.
func (r *Router) toolset(persona Persona) []types.ToolDefinition {
	defs := r.builtinTools()
	if r.external != nil {
		for _, d := range r.external.AvailableTools(persona.Tier) {
			if slices.ContainsFunc(defs, func(b types.ToolDefinition) bool { return b.Name == d.Name }) {
				continue
			}
			defs = append(defs, d)
		}
	}
	if persona.Tools == nil {
		return defs
	}
	allowed := defs[:0]
	for _, d := range defs {
		if slices.Contains(persona.Tools, d.Name) {
			allowed = append(allowed, d)
		}
	}
	return allowed
}

// executeTool dispatches one tool call, builtins first, then the external
// host.
func (r *Router) executeTool(ctx context.Context, name, args string) (string, error) {
	switch name {
	case toolSearchContacts:
		return r.execSearchContacts(ctx, args)
	case toolMakeCall:
		return r.execMakeCall(ctx, args)
	case toolSendSMS:
		return r.execSendSMS(ctx, args)
	}
	if r.external == nil {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	result, err := r.external.ExecuteTool(ctx, name, args)
	if err != nil {
		return "", err
	}
	if result.IsError {
		return "tool failed: " + result.Content, nil
	}
	return result.Content, nil
}

func (r *Router) execSearchContacts(ctx context.Context, args string) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("search_contacts: bad arguments: %w", err)
	}
	leads, err := r.store.SearchLeads(ctx, in.Query)
	if err != nil {
		return "", fmt.Errorf("search_contacts: %w", err)
	}
	if len(leads) == 0 {
		return "no contacts matched " + in.Query, nil
	}
	if len(leads) > searchLimit {
		leads = leads[:searchLimit]
	}
	type hit struct {
		Name    string `json:"name"`
		Company string `json:"company,omitempty"`
		Phone   string `json:"phone"`
		Status  string `json:"status,omitempty"`
	}
	hits := make([]hit, len(leads))
	for i, l := range leads {
		hits[i] = hit{Name: l.Name, Company: l.Company, Phone: l.Phone.Display(), Status: l.Status}
	}
	return compactJSON(hits), nil
}

func (r *Router) execMakeCall(ctx context.Context, args string) (string, error) {
	var in struct {
		Contact   string `json:"contact"`
		Phone     string `json:"phone"`
		Objective string `json:"objective"`
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("make_call: bad arguments: %w", err)
	}
	if strings.TrimSpace(in.Objective) == "" {
		return "make_call needs an objective", nil
	}

	job := Job{Objective: strings.TrimSpace(in.Objective)}
	switch {
	case in.Contact != "":
		lead, ok := crm.ResolveName(ctx, r.store, in.Contact)
		if !ok {
			return fmt.Sprintf("no contact found matching %q; ask for the phone number instead", in.Contact), nil
		}
		job.Number = lead.Phone
		job.ContactName = lead.Name
	case in.Phone != "":
		job.Number = phone.Normalize(in.Phone)
		if !job.Number.IsValid() {
			return fmt.Sprintf("%q is not a dialable phone number", in.Phone), nil
		}
	default:
		return "make_call needs a contact name or a phone number", nil
	}

	receipt, err := r.enqueue(job)
	if err != nil {
		return "call could not be queued: " + err.Error(), nil
	}
	return receipt, nil
}

func (r *Router) execSendSMS(ctx context.Context, args string) (string, error) {
	if r.send == nil {
		return "sending texts is not available", nil
	}
	var in struct {
		Contact string `json:"contact"`
		Phone   string `json:"phone"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("send_sms: bad arguments: %w", err)
	}
	if strings.TrimSpace(in.Message) == "" {
		return "send_sms needs a message", nil
	}

	var to phone.Number
	name := ""
	switch {
	case in.Contact != "":
		lead, ok := crm.ResolveName(ctx, r.store, in.Contact)
		if !ok {
			return fmt.Sprintf("no contact found matching %q", in.Contact), nil
		}
		to = lead.Phone
		name = lead.Name
	case in.Phone != "":
		to = phone.Normalize(in.Phone)
		if !to.IsValid() {
			return fmt.Sprintf("%q is not a valid phone number", in.Phone), nil
		}
	default:
		return "send_sms needs a contact name or a phone number", nil
	}

	if err := r.send(ctx, to, in.Message); err != nil {
		return "", fmt.Errorf("send_sms: %w", err)
	}
	r.logMessage(ctx, crm.Message{
		Channel:   crm.ChannelSMS,
		Direction: crm.DirectionOut,
		From:      r.owner.Callback,
		To:        to,
		Body:      in.Message,
		Status:    "sent",
	})
	if name != "" {
		return "text sent to " + name, nil
	}
	return "text sent to " + to.Display(), nil
}
