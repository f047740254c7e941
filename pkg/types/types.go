// Package types defines the shared types used across all Callyx packages.
//
// These types form the lingua franca between providers, the conversation
// engine, the call agent, and the SMS router. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

// Role identifies who produced a conversation turn.
type Role string

const (
	// RoleUser is the remote party on a call, or the SMS sender.
	RoleUser Role = "user"

	// RoleAssistant is the AI agent.
	RoleAssistant Role = "assistant"

	// RoleToolResult is the output of a tool execution fed back to the model.
	RoleToolResult Role = "tool_result"
)

// Turn is one entry in a conversation transcript. Tool invocations occupy
// their own turns so the transcript is a complete causal record of the call.
type Turn struct {
	// Role is who produced this turn.
	Role Role `json:"role"`

	// Text is the spoken or written content. For tool_result turns it is the
	// tool output as given back to the model.
	Text string `json:"text"`

	// Tool is set when this turn records a tool invocation.
	Tool *ToolUse `json:"tool,omitempty"`
}

// ToolUse records a single tool invocation and its outcome.
type ToolUse struct {
	// Name is the tool that was invoked.
	Name string `json:"name"`

	// Arguments is the JSON-encoded argument payload the model supplied.
	Arguments string `json:"arguments"`

	// Result is the tool output, empty if the call failed.
	Result string `json:"result,omitempty"`
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// EstimatedDurationMs is the declared p50 latency for budget tier assignment.
	EstimatedDurationMs int

	// MaxDurationMs is the declared p99 upper bound, used as a hard timeout.
	MaxDurationMs int

	// Idempotent indicates whether the tool can be safely retried.
	Idempotent bool

	// CacheableSeconds is how long results can be cached (0 = never).
	CacheableSeconds int
}

// BudgetTier controls which tools are visible to the LLM based on latency
// constraints. A live phone call tolerates far less tool latency than an SMS
// exchange, so the conversation engine runs FAST while the SMS personal
// assistant runs DEEP.
type BudgetTier int

const (
	// BudgetFast allows only tools with ≤ 500ms estimated latency.
	BudgetFast BudgetTier = iota

	// BudgetStandard allows tools with ≤ 1500ms estimated latency.
	BudgetStandard

	// BudgetDeep allows all tools regardless of latency.
	BudgetDeep
)

// String returns the human-readable name of the budget tier.
func (t BudgetTier) String() string {
	switch t {
	case BudgetFast:
		return "FAST"
	case BudgetStandard:
		return "STANDARD"
	case BudgetDeep:
		return "DEEP"
	default:
		return "UNKNOWN"
	}
}

// MaxLatencyMs returns the maximum tool latency for this tier.
func (t BudgetTier) MaxLatencyMs() int {
	switch t {
	case BudgetFast:
		return 500
	case BudgetStandard:
		return 1500
	case BudgetDeep:
		return 4000
	default:
		return 500
	}
}
