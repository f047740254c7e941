// Package realtime defines the Provider interface for realtime speech-to-speech
// backends.
//
// A realtime provider wraps a voice AI service that accepts raw audio input and
// returns synthesised audio output in a single, stateful session — bypassing the
// separate STT → LLM → TTS pipeline entirely. Examples include the OpenAI
// Realtime API and the Gemini Live API.
//
// The central abstraction is SessionHandle: a bidirectional, multiplexed channel
// that carries audio, transcripts, and tool calls concurrently. One session maps
// to one phone call, so sessions live for seconds to minutes and are torn down
// when the line drops.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"time"

	"github.com/MrWong99/callyx/pkg/provider/tts"
	"github.com/MrWong99/callyx/pkg/types"
)

// ToolCallHandler is a callback invoked by the session whenever the underlying
// model requests a tool call. The handler receives the tool name and a
// JSON-encoded arguments string and must return either a result string (to be
// injected back into the session as tool output) or an error.
//
// The handler must not block for longer than necessary; long-running tools should
// be offloaded to a goroutine and the result injected asynchronously if the
// provider permits it. The handler may be called from the session's internal
// receive goroutine — implementors must not call blocking session methods from
// within the handler to avoid deadlocks.
type ToolCallHandler func(name string, args string) (string, error)

// Transcript is a finalised piece of speech recognised during a live session:
// either the remote party's words as the model heard them, or the agent's own
// spoken response as generated text.
type Transcript struct {
	// Role identifies the speaker: RoleUser for the remote party,
	// RoleAssistant for the agent.
	Role types.Role

	// Text is the recognised or generated utterance.
	Text string

	// Timestamp is when the transcript was finalised.
	Timestamp time.Time
}

// ContextItem is a text message injected into the session's context
// mid-conversation. It is used to add background knowledge, objective updates,
// or retrieved CRM notes without resending the full conversation history.
type ContextItem struct {
	// Role is the speaker role for this context item. Typical values match LLM
	// message roles: "system", "user", "assistant".
	Role string

	// Content is the text content of the context item.
	Content string
}

// SessionConfig is the initial configuration for a new realtime session.
// The configuration is fixed for the lifetime of the call: tools and
// instructions are chosen when the call is placed and do not change until
// the line drops.
type SessionConfig struct {
	// Voice defines the voice the model will use for synthesised speech output.
	Voice tts.VoiceProfile

	// Instructions is the system-level prompt that defines the call objective,
	// the persona, and behavioural constraints. Equivalent to a system message
	// in the LLM paradigm.
	Instructions string

	// Tools is the set of tool definitions offered to the model for this call.
	// Tool calls are surfaced via the ToolCallHandler set with OnToolCall.
	Tools []types.ToolDefinition
}

// Capabilities describes static properties of the realtime provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// ContextWindow is the maximum token count (or provider-equivalent unit) the
	// model can maintain across the session.
	ContextWindow int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// InputRate is the sample rate in Hz the provider expects for SendAudio
	// chunks. Callers must resample line audio to this rate before sending.
	InputRate int

	// OutputRate is the sample rate in Hz of the PCM emitted on the Audio
	// channel.
	OutputRate int

	// Voices lists the voice profiles available for this provider.
	Voices []tts.VoiceProfile
}

// SessionHandle represents an open realtime session. It is an interface so that
// test code can supply mock implementations without a live provider connection.
//
// The session is the hot path of the voice pipeline — every method must return
// quickly. Audio I/O is channel-based to avoid blocking the caller's audio
// goroutine. All methods must be safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a raw PCM16 little-endian audio chunk to the provider
	// for processing. The chunk must be mono at the provider's InputRate.
	// Returns an error if the session is closed or if the provider cannot accept
	// the chunk (e.g., buffer full, network error).
	SendAudio(chunk []byte) error

	// Audio returns a read-only channel that emits raw PCM audio byte slices as
	// the model synthesises its spoken response. The channel is closed when the
	// session ends or when a mid-stream error occurs. After the channel closes,
	// call [SessionHandle.Err] to check whether the session ended cleanly.
	// Consumers must drain this channel promptly to prevent backpressure from
	// stalling the provider's receive loop.
	Audio() <-chan []byte

	// Err returns the error that caused the Audio channel to close prematurely,
	// or nil if the session ended cleanly. Callers should check Err after the
	// Audio channel is closed.
	Err() error

	// Transcripts returns a read-only channel that emits Transcript values for
	// both the remote party's speech (as recognised by the model) and the
	// agent's responses (as generated text). The channel is closed when the
	// session ends.
	Transcripts() <-chan Transcript

	// OnError registers a callback for non-fatal error events from the provider,
	// such as a single unintelligible audio buffer. Fatal errors terminate the
	// session and are reported via Err instead. Only one handler can be active
	// at a time; passing nil clears the handler.
	OnError(handler func(error))

	// OnToolCall registers a handler that is invoked synchronously whenever the
	// model requests a tool call. Only one handler can be active at a time; calling
	// OnToolCall again replaces the previous handler. Passing nil clears the handler.
	// See ToolCallHandler for concurrency constraints.
	OnToolCall(handler ToolCallHandler)

	// InjectTextContext inserts one or more ContextItems into the session's rolling
	// context. This is used to surface state the model should know about (the
	// line connected, a CRM match, retrieved knowledge) without waiting for the
	// remote party to speak. Implementations append items in order.
	InjectTextContext(items []ContextItem) error

	// TriggerResponse asks the model to produce a spoken response now, without
	// waiting for further audio input. Used on inbound calls where the agent
	// must greet first, and to recover when the remote party answers silently.
	TriggerResponse() error

	// Interrupt signals the provider to stop generating the current response and
	// discard any buffered audio. Use this when the line drops mid-response or
	// the call controller needs to cut the agent off. Returns an error if the
	// provider does not support interruption.
	Interrupt() error

	// Close terminates the session, releases all resources, and closes the Audio
	// and Transcripts channels. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime speech-to-speech backend.
//
// Implementations must be safe for concurrent use. The call agent opens at most
// one session per active call, but the SMS router may place calls back to back.
type Provider interface {
	// Connect establishes a new realtime session with the given configuration.
	// The returned SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the session cannot be established (e.g., authentication
	// failure, invalid voice, or ctx already cancelled). The caller owns the
	// SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's underlying model.
	// The result is assumed to be constant for the lifetime of the Provider instance.
	Capabilities() Capabilities
}
