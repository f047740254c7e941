// Package sms routes inbound text messages to the right agent persona and
// turns them into replies, outbound calls, or outbound texts.
//
// [Router.Process] is the single entry point: normalize the sender, pick a
// persona (the owner gets the personal assistant on a deep tool budget,
// everyone else the receptionist on a fast one), rebuild the conversation
// from the message log, and run the model's tool loop until it answers in
// plain text. Owner messages first pass through a literal command grammar
// ("call john and remind him about the meeting") that skips the model
// entirely.
//
// Calls requested over SMS are never placed inline — the modem has one line
// and it may be busy. They are queued as [Job] values and drained by the
// outer scheduler via [Router.PendingCall].
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callyx/internal/crm"
	"github.com/MrWong99/callyx/internal/mcp"
	"github.com/MrWong99/callyx/pkg/phone"
	"github.com/MrWong99/callyx/pkg/provider/llm"
	"github.com/MrWong99/callyx/pkg/types"
)

// MaxReplyLen caps reply text. Carriers split longer bodies into multipart
// messages that arrive out of order often enough to garble the reply.
const MaxReplyLen = 300

// defaultMaxHistory is how many prior messages of the thread feed the prompt.
const defaultMaxHistory = 5

// defaultQueueSize bounds the pending-call queue.
const defaultQueueSize = 16

const defaultMaxToolRounds = 5

// ErrQueueFull is returned when the pending-call queue cannot take another
// job.
var ErrQueueFull = errors.New("sms: pending call queue is full")

// Job is one outbound call requested over SMS, consumed by the outer
// scheduler.
type Job struct {
	// Number is the normalized destination.
	Number phone.Number

	// Objective is what the call should accomplish.
	Objective string

	// ContactName is the resolved lead name, empty for raw numbers.
	ContactName string

	// AgentID optionally selects a configured agent persona for the call.
	AgentID string

	// Context carries extra key/value pairs for prompt placeholders
	// ({NAME}, {TRANSFER_NUMBER}, ...) on this one call.
	Context map[string]string

	// Requested is when the job was queued.
	Requested time.Time
}

// Persona is one agent the router can speak as.
type Persona struct {
	// ID names the persona in logs and job records.
	ID string

	// Prompt is the system-prompt persona text. Supports {MY_NAME}-style
	// placeholders.
	Prompt string

	// Tier bounds the tool latency this persona's surface tolerates.
	Tier types.BudgetTier

	// Tools whitelists tool names. Nil means every available tool.
	Tools []string
}

// Owner identifies who the assistant works for.
type Owner struct {
	Name     string
	Phone    phone.Number
	Callback phone.Number
	Company  string
	City     string
}

// Config carries the dependencies for one [Router].
type Config struct {
	// LLM is the completion backend. Must not be nil.
	LLM llm.Provider

	// Store is the lead store and message log. Must not be nil.
	Store crm.Store

	// External is the MCP tool host for search_web and friends. Nil disables
	// external tools.
	External mcp.Host

	// Send delivers an outbound SMS, normally [modem.Modem.SendSMS]. Nil
	// disables the send_sms tool and the owner "text" command.
	Send func(ctx context.Context, number phone.Number, body string) error

	// Owner gates the personal-assistant persona and fills placeholders.
	Owner Owner

	// Assistant is the persona for owner messages. A zero value gets a
	// built-in default on a deep budget.
	Assistant Persona

	// Receptionist is the persona for everyone else. A zero value gets a
	// built-in default on a fast budget.
	Receptionist Persona

	// MaxHistory bounds the thread context. Defaults to 5.
	MaxHistory int

	// QueueSize bounds the pending-call queue. Defaults to 16.
	QueueSize int

	// MaxToolRounds bounds the tool loop per message. Defaults to 5.
	MaxToolRounds int

	// Temperature is passed through to every completion. Defaults to 0.7.
	Temperature float64

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Router dispatches inbound SMS to agent personas. Safe for concurrent use,
// though the modem delivers messages one at a time in practice.
type Router struct {
	llm           llm.Provider
	store         crm.Store
	external      mcp.Host
	send          func(ctx context.Context, number phone.Number, body string) error
	owner         Owner
	assistant     Persona
	receptionist  Persona
	maxHistory    int
	maxToolRounds int
	temperature   float64
	log           *slog.Logger

	mu      sync.Mutex
	pending []Job
	maxJobs int
}

// NewRouter validates cfg and builds a router.
func NewRouter(cfg Config) (*Router, error) {
	if cfg.LLM == nil {
		return nil, errors.New("sms: router needs an LLM provider")
	}
	if cfg.Store == nil {
		return nil, errors.New("sms: router needs a store")
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Owner.Phone = phone.Normalize(string(cfg.Owner.Phone))
	cfg.Owner.Callback = phone.Normalize(string(cfg.Owner.Callback))
	if cfg.Assistant.Prompt == "" {
		cfg.Assistant = Persona{
			ID: "personal_assistant",
			Prompt: "You are {MY_NAME}'s personal assistant, texting with {MY_NAME}. " +
				"Be concise and useful. Use your tools to look up contacts, place " +
				"calls, and send texts when asked.",
			Tier: types.BudgetDeep,
		}
	}
	if cfg.Receptionist.Prompt == "" {
		cfg.Receptionist = Persona{
			ID: "receptionist",
			Prompt: "You are the receptionist for {COMPANY} in {CITY}, texting on " +
				"behalf of {MY_NAME}. Be brief, friendly, and professional. Never " +
				"reveal that you are automated unless asked directly.",
			Tier: types.BudgetFast,
		}
	}
	return &Router{
		llm:           cfg.LLM,
		store:         cfg.Store,
		external:      cfg.External,
		send:          cfg.Send,
		owner:         cfg.Owner,
		assistant:     cfg.Assistant,
		receptionist:  cfg.Receptionist,
		maxHistory:    cfg.MaxHistory,
		maxToolRounds: cfg.MaxToolRounds,
		temperature:   cfg.Temperature,
		log:           cfg.Logger,
		maxJobs:       cfg.QueueSize,
	}, nil
}

// Process handles one inbound message and returns the reply text, or the
// empty string when no reply should be sent (autopilot off, or a command that
// produced only side effects).
func (r *Router) Process(ctx context.Context, sender phone.Number, body string) (string, error) {
	sender = phone.Normalize(string(sender))
	body = strings.TrimSpace(body)
	if body == "" {
		return "", nil
	}
	isOwner := sender == r.owner.Phone && sender != ""

	// Thread context is read before the inbound message is appended so the
	// current text is not duplicated into the history.
	history, err := r.store.Thread(ctx, sender, r.maxHistory)
	if err != nil {
		r.log.Warn("thread history unavailable", "sender", sender.Display(), "err", err)
		history = nil
	}
	r.logMessage(ctx, crm.Message{
		Channel:   crm.ChannelSMS,
		Direction: crm.DirectionIn,
		From:      sender,
		To:        r.owner.Callback,
		Body:      body,
		Status:    "received",
	})

	lead, haveLead := r.lookupLead(ctx, sender)

	if isOwner {
		if reply, handled := r.ownerCommand(ctx, body); handled {
			return r.reply(ctx, sender, reply)
		}
	} else if haveLead && !lead.Autopilot {
		r.log.Info("autopilot off, staying silent", "sender", sender.Display())
		return "", nil
	}

	persona := r.receptionist
	if isOwner {
		persona = r.assistant
	}

	reply, err := r.generate(ctx, persona, sender, body, history, lead, haveLead)
	if err != nil {
		return "", err
	}
	return r.reply(ctx, sender, reply)
}

// PendingCall pops the oldest queued call job.
func (r *Router) PendingCall() (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return Job{}, false
	}
	job := r.pending[0]
	r.pending = slices.Delete(r.pending, 0, 1)
	return job, true
}

// HasPendingCalls reports whether any call jobs are queued.
func (r *Router) HasPendingCalls() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) > 0
}

// PendingCount returns how many call jobs are queued.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// enqueue adds a call job and returns a human-readable receipt.
func (r *Router) enqueue(job Job) (string, error) {
	job.Requested = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) >= r.maxJobs {
		return "", ErrQueueFull
	}
	r.pending = append(r.pending, job)

	who := job.ContactName
	if who == "" {
		who = job.Number.Display()
	}
	return fmt.Sprintf("Call to %s queued (#%d): %s", who, len(r.pending), job.Objective), nil
}

// generate runs the persona's model with its tool set until it answers in
// plain text.
func (r *Router) generate(ctx context.Context, persona Persona, sender phone.Number, body string, history []crm.Message, lead crm.Lead, haveLead bool) (string, error) {
	vars := r.placeholderVars()
	if haveLead {
		for k, v := range crm.LeadVars(lead) {
			vars[k] = v
		}
	}

	prompt := expand(persona.Prompt, vars)
	if haveLead && lead.Name != "" {
		prompt += "\n\nYou are texting with " + lead.Name + "."
	}

	messages := make([]types.Message, 0, len(history)+1)
	for _, m := range history {
		role := "user"
		if m.Direction == crm.DirectionOut {
			role = "assistant"
		}
		messages = append(messages, types.Message{Role: role, Content: m.Body})
	}
	messages = append(messages, types.Message{Role: "user", Content: body})

	req := llm.CompletionRequest{
		SystemPrompt: prompt,
		Temperature:  r.temperature,
	}
	tools := r.toolset(persona)
	if len(tools) > 0 && r.llm.Capabilities().SupportsToolCalling {
		req.Tools = tools
	}

	for round := 0; round < r.maxToolRounds; round++ {
		req.Messages = slices.Clone(messages)
		resp, err := r.llm.Complete(ctx, req)
		if err != nil {
			return "", fmt.Errorf("sms: completion: %w", err)
		}
		if len(resp.ToolCalls) == 0 {
			return strings.TrimSpace(resp.Content), nil
		}
		messages = append(messages, types.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			result, terr := r.executeTool(ctx, tc.Name, tc.Arguments)
			if terr != nil {
				result = "tool failed: " + terr.Error()
				r.log.Warn("tool execution failed", "tool", tc.Name, "error", terr)
			}
			messages = append(messages, types.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}
	return "", fmt.Errorf("sms: tool loop did not settle within %d rounds", r.maxToolRounds)
}

// reply trims, persists, and returns the outbound text.
func (r *Router) reply(ctx context.Context, to phone.Number, text string) (string, error) {
	text = trimReply(text)
	if text == "" {
		return "", nil
	}
	r.logMessage(ctx, crm.Message{
		Channel:   crm.ChannelSMS,
		Direction: crm.DirectionOut,
		From:      r.owner.Callback,
		To:        to,
		Body:      text,
		Status:    "replied",
	})
	return text, nil
}

func (r *Router) logMessage(ctx context.Context, msg crm.Message) {
	if err := r.store.LogMessage(ctx, msg); err != nil {
		r.log.Warn("message not persisted", "err", err)
	}
}

func (r *Router) lookupLead(ctx context.Context, number phone.Number) (crm.Lead, bool) {
	lead, err := r.store.LeadByPhone(ctx, number)
	if err != nil {
		if !errors.Is(err, crm.ErrNotFound) {
			r.log.Warn("lead lookup failed", "number", number.Display(), "err", err)
		}
		return crm.Lead{}, false
	}
	return lead, true
}

// placeholderVars returns the owner-level substitution map. Keys are lowercase
// so expand's verbatim-then-lowercase lookup finds {MY_NAME} and {my_name}
// alike.
func (r *Router) placeholderVars() map[string]string {
	return map[string]string{
		"my_name":         r.owner.Name,
		"company":         r.owner.Company,
		"city":            r.owner.City,
		"callback_number": string(r.owner.Callback),
	}
}

// trimReply cuts the reply to [MaxReplyLen] runes at a word boundary where
// possible.
func trimReply(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= MaxReplyLen {
		return text
	}
	cut := string(runes[:MaxReplyLen])
	if idx := strings.LastIndexByte(cut, ' '); idx > MaxReplyLen/2 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}

// placeholderRe matches {NAME}-style substitution slots.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9_]*)\}`)

// expand substitutes placeholders from vars, trying the key verbatim and then
// lowercased. Unknown placeholders stay in place.
func expand(s string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := vars[key]; ok {
			return v
		}
		if v, ok := vars[strings.ToLower(key)]; ok {
			return v
		}
		return m
	})
}

// compactJSON renders v for a tool result, falling back to %v on marshal
// failure.
func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
