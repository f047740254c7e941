package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/callyx/pkg/phone"
	"github.com/MrWong99/callyx/pkg/provider/llm"
	"github.com/MrWong99/callyx/pkg/types"
)

// TransferMarker is the literal substring the model includes in a reply to
// request a handoff to a human. It is stripped before synthesis.
const TransferMarker = "[TRANSFER]"

// ObjectiveCompleteMarker is the literal substring a realtime session is
// instructed to emit in its final turn once the objective is achieved.
const ObjectiveCompleteMarker = "OBJECTIVE_COMPLETE"

// ContextTransferNumber is the call-context key that names the handoff
// target. [Assistant.TransferNumber] reads it.
const ContextTransferNumber = "transfer_number"

// greetingSeed is the synthetic user turn that prompts the opening line on an
// outbound call, as if the remote party had just picked up.
const greetingSeed = "Hello?"

// basePrompt sets the speaking style and the two line-control conventions:
// close with a farewell, hand off with the transfer marker.
const basePrompt = "You are a polite, efficient assistant on a live phone call. " +
	"Speak naturally in one or two short sentences per reply. Never use lists, " +
	"markdown, or stage directions. When the objective is achieved, wrap up and " +
	"end your final reply with a brief farewell such as \"goodbye\" or \"have a " +
	"good day\". If the caller needs a human, include the literal marker " +
	TransferMarker + " in your reply."

// realtimeBase is the speech-to-speech variant of [basePrompt]. The session
// has no farewell detector on its audio path, so completion is signalled with
// a literal marker in the transcript instead.
const realtimeBase = "You are a polite, efficient assistant on a live phone call. " +
	"Speak naturally in one or two short sentences per reply. When the objective " +
	"is fully achieved, say a brief closing line and include the literal marker " +
	ObjectiveCompleteMarker + " at the end of that final reply. If the caller " +
	"needs a human, include the literal marker " + TransferMarker + " in your reply."

// farewells are the closing phrases that mark a reply as the end of the call.
// Matched against the end of the reply after trailing punctuation is removed.
var farewells = []string{
	"goodbye",
	"bye",
	"have a good day",
	"take care",
	"thanks for your time",
}

const defaultMaxToolRounds = 5

// AssistantConfig carries the dependencies for one [Assistant].
type AssistantConfig struct {
	// LLM is the completion backend. Must not be nil.
	LLM llm.Provider

	// Tools is the tool set offered to the model. Only used when ToolExec is
	// set and the provider reports tool-calling support.
	Tools []types.ToolDefinition

	// ToolExec executes one tool call and returns its result text. A nil
	// ToolExec disables tool calling entirely.
	ToolExec func(ctx context.Context, name, args string) (string, error)

	// Temperature is passed through to every completion. Defaults to 0.7.
	Temperature float64

	// MaxTokens caps each completion. Zero means the provider default.
	MaxTokens int

	// MaxToolRounds bounds the tool loop within one response. Defaults to 5.
	MaxToolRounds int

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnTurn is invoked for every turn appended to the history, in order.
	// It runs on the calling goroutine with the assistant lock held, so it
	// must return quickly and must not call back into the Assistant.
	OnTurn func(types.Turn)
}

// Assistant is the stateful LLM side of one call. It owns the system prompt,
// the message history, and the synchronous tool loop. Instances are scoped to
// a single call; the history is never reset, it dies with the call.
//
// Assistant is safe for concurrent use, though the engines call it from a
// single turn goroutine in practice.
type Assistant struct {
	llm           llm.Provider
	tools         []types.ToolDefinition
	toolExec      func(ctx context.Context, name, args string) (string, error)
	temperature   float64
	maxTokens     int
	maxToolRounds int
	log           *slog.Logger
	onTurn        func(types.Turn)

	mu        sync.Mutex
	objective string
	callCtx   map[string]string
	knowledge string
	notes     []string
	messages  []types.Message
	turns     []types.Turn
}

// NewAssistant builds an assistant around the given provider. It returns an
// error when the provider is missing.
func NewAssistant(cfg AssistantConfig) (*Assistant, error) {
	if cfg.LLM == nil {
		return nil, errors.New("convo: assistant needs an LLM provider")
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Assistant{
		llm:           cfg.LLM,
		tools:         slices.Clone(cfg.Tools),
		toolExec:      cfg.ToolExec,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		maxToolRounds: cfg.MaxToolRounds,
		log:           cfg.Logger,
		onTurn:        cfg.OnTurn,
	}, nil
}

// SetObjective installs the call objective and the context key/values the
// system prompt is built from. The context key "transfer_number" also names
// the handoff target returned by [Assistant.TransferNumber].
func (a *Assistant) SetObjective(objective string, callCtx map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objective = objective
	a.callCtx = maps.Clone(callCtx)
}

// SetKnowledge attaches retrieved background knowledge to the system prompt.
// An empty string removes it.
func (a *Assistant) SetKnowledge(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.knowledge = strings.TrimSpace(text)
}

// AddNote appends a behavioural instruction to the system prompt for the rest
// of the call, such as the no-reintroduction note after a canned greeting.
func (a *Assistant) AddNote(note string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notes = append(a.notes, note)
}

// SeedGreeting primes the model history with an already-played greeting,
// without an LLM call. Used on inbound calls where the owner configures the
// greeting text. The greeting is not part of the turn transcript; that
// starts with the caller's first utterance.
func (a *Assistant) SeedGreeting(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, types.Message{Role: "assistant", Content: text})
}

// InitialGreeting generates the opening line of an outbound call as if the
// remote party had said "Hello?", seeding the history with that exchange.
func (a *Assistant) InitialGreeting(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generateLocked(ctx, greetingSeed)
}

// GenerateResponse appends userText to the history, runs the model (executing
// any tool calls synchronously until it answers in plain text), appends the
// reply, and returns it.
func (a *Assistant) GenerateResponse(ctx context.Context, userText string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generateLocked(ctx, userText)
}

func (a *Assistant) generateLocked(ctx context.Context, userText string) (string, error) {
	a.messages = append(a.messages, types.Message{Role: "user", Content: userText})
	a.appendTurnLocked(types.Turn{Role: types.RoleUser, Text: userText})
	a.trimLocked()

	req := llm.CompletionRequest{
		SystemPrompt: a.systemPromptLocked(),
		Temperature:  a.temperature,
		MaxTokens:    a.maxTokens,
	}
	if a.toolExec != nil && len(a.tools) > 0 && a.llm.Capabilities().SupportsToolCalling {
		req.Tools = a.tools
	}

	for round := 0; round < a.maxToolRounds; round++ {
		req.Messages = slices.Clone(a.messages)
		resp, err := a.llm.Complete(ctx, req)
		if err != nil {
			return "", fmt.Errorf("convo: completion: %w", err)
		}
		if len(resp.ToolCalls) == 0 || a.toolExec == nil {
			text := strings.TrimSpace(resp.Content)
			a.messages = append(a.messages, types.Message{Role: "assistant", Content: text})
			a.appendTurnLocked(types.Turn{Role: types.RoleAssistant, Text: text})
			return text, nil
		}
		a.messages = append(a.messages, types.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			result, terr := a.toolExec(ctx, tc.Name, tc.Arguments)
			if terr != nil {
				// Feed the failure back as a result so the model can recover
				// in conversation instead of the call dying.
				result = "tool failed: " + terr.Error()
				a.log.Warn("tool execution failed", "tool", tc.Name, "error", terr)
			}
			a.messages = append(a.messages, types.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
			a.appendTurnLocked(types.Turn{
				Role: types.RoleToolResult,
				Text: result,
				Tool: &types.ToolUse{Name: tc.Name, Arguments: tc.Arguments, Result: result},
			})
		}
	}
	return "", fmt.Errorf("convo: tool loop did not settle within %d rounds", a.maxToolRounds)
}

// ShouldEndCall reports whether text closes the call, true when it ends in a
// standard farewell phrase after trailing punctuation is removed.
func (a *Assistant) ShouldEndCall(text string) bool {
	t := strings.ToLower(strings.TrimRight(strings.TrimSpace(text), ".,!?\"' "))
	for _, f := range farewells {
		if strings.HasSuffix(t, f) {
			return true
		}
	}
	return false
}

// ShouldTransfer reports whether text requests a handoff to a human.
func (a *Assistant) ShouldTransfer(text string) bool {
	return strings.Contains(text, TransferMarker)
}

// TransferNumber returns the handoff target dictated by the call context, or
// the empty number when none was configured.
func (a *Assistant) TransferNumber() phone.Number {
	a.mu.Lock()
	defer a.mu.Unlock()
	raw := a.callCtx[ContextTransferNumber]
	if raw == "" {
		return ""
	}
	return phone.Normalize(raw)
}

// History returns a snapshot of the turn history so far.
func (a *Assistant) History() []types.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.turns)
}

func (a *Assistant) appendTurnLocked(t types.Turn) {
	a.turns = append(a.turns, t)
	if a.onTurn != nil {
		a.onTurn(t)
	}
}

func (a *Assistant) systemPromptLocked() string {
	return buildPrompt(basePrompt, a.objective, a.callCtx, a.knowledge, a.notes)
}

// trimLocked drops the oldest messages while the history exceeds the model's
// input budget, always realigning the front to a user message so no provider
// sees a dangling tool exchange.
func (a *Assistant) trimLocked() {
	caps := a.llm.Capabilities()
	budget := caps.ContextWindow - caps.MaxOutputTokens
	if caps.ContextWindow <= 0 || budget <= 0 {
		return
	}
	for len(a.messages) > 2 {
		n, err := a.llm.CountTokens(a.messages)
		if err != nil || n <= budget {
			return
		}
		a.messages = a.messages[1:]
		for len(a.messages) > 1 && a.messages[0].Role != "user" {
			a.messages = a.messages[1:]
		}
	}
}

// RealtimeInstructions builds the session instructions for the speech-to-
// speech engine from the same objective and context the cascade assistant
// uses, with completion signalled by [ObjectiveCompleteMarker] instead of a
// farewell.
func RealtimeInstructions(objective string, callCtx map[string]string, knowledge string) string {
	return buildPrompt(realtimeBase, objective, callCtx, knowledge, nil)
}

func buildPrompt(base, objective string, callCtx map[string]string, knowledge string, notes []string) string {
	var b strings.Builder
	b.WriteString(base)
	if objective != "" {
		b.WriteString("\n\nObjective: ")
		b.WriteString(objective)
	}
	if len(callCtx) > 0 {
		b.WriteString("\n\nKnown details:")
		for _, k := range slices.Sorted(maps.Keys(callCtx)) {
			fmt.Fprintf(&b, "\n- %s: %s", k, callCtx[k])
		}
	}
	if knowledge != "" {
		b.WriteString("\n\nBackground knowledge:\n")
		b.WriteString(knowledge)
	}
	for _, n := range notes {
		b.WriteString("\n\n")
		b.WriteString(n)
	}
	return b.String()
}
