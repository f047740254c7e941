// Package convo drives the conversational half of a phone call.
//
// Three pieces cooperate:
//
//   - [Assistant] owns the LLM side of one call: the system prompt built from
//     the objective and call context, the growing message history, and the
//     synchronous tool loop that runs until the model answers in plain text.
//   - [Engine] is the cascade pipeline: audio frames from the router feed the
//     VAD, complete utterances go through STT, the Assistant produces a reply,
//     TTS renders it, and playback goes back out through the router with the
//     speaking flag held for the duration.
//   - [RealtimeEngine] replaces the cascade with a single speech-to-speech
//     session; the model hears the line directly and speaks back, and the
//     engine only moves audio, watches transcripts for completion markers,
//     and executes tool calls.
//
// Both engines end a run the same three ways: the conversation reaches a
// terminal [State], the modem reports the line dropped, or the maximum call
// duration expires. The [Outcome] they return carries everything the call
// agent needs for the log record.
//
// All state mutation happens on the engine's own goroutines; the caller only
// observes snapshots through [Outcome] and the OnState callback.
package convo

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/callyx/internal/modem"
	"github.com/MrWong99/callyx/pkg/audio"
	"github.com/MrWong99/callyx/pkg/phone"
	"github.com/MrWong99/callyx/pkg/types"
)

// State is the conversation phase of a running call.
type State string

const (
	// StateIdle is the state before Run starts.
	StateIdle State = "idle"
	// StateListening means input frames flow into the VAD.
	StateListening State = "listening"
	// StateProcessing means an utterance is in STT or the LLM. No input
	// frames are consumed while processing.
	StateProcessing State = "processing"
	// StateSpeaking means assistant audio is playing. All input captured
	// while speaking is dropped, and the input queue is cleared on the way
	// out.
	StateSpeaking State = "speaking"
	// StateCompleted means the assistant closed the call with a farewell, or
	// the objective-complete marker was seen, or the maximum duration forced
	// an end.
	StateCompleted State = "completed"
	// StateFailed means an unrecoverable pipeline error ended the call.
	StateFailed State = "failed"
	// StateTransferring means the assistant asked for a handoff to a human.
	StateTransferring State = "transferring"
)

// Terminal reports whether the conversation is over. Terminal states are
// absorbing for the rest of the run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTransferring
}

// AudioPort is the slice of [audio.Router] the engines drive. It is an
// interface so tests can run the pipeline against scripted audio.
type AudioPort interface {
	// ReadFrame returns the next queued input frame without blocking.
	ReadFrame() (audio.Frame, bool)
	// Write plays a pipeline-rate buffer, returning once the device accepted
	// all samples.
	Write(samples []int16) error
	// WriteAndWait plays a buffer and returns after the final samples have
	// actually sounded.
	WriteAndWait(samples []int16) error
	// ClearInput drops all queued input frames.
	ClearInput() int
	// SetSpeaking marks whether assistant playback is in progress.
	SetSpeaking(v bool)
}

// LineMonitor reports the live state of the call the engine is speaking on.
// [modem.Modem] satisfies it.
type LineMonitor interface {
	Info() modem.CallInfo
}

// Outcome is what a finished engine run hands to the call agent. It is
// returned even when Run fails, so the partial transcript still reaches the
// call log.
type Outcome struct {
	// State is the final conversation state. A line drop mid-conversation
	// leaves the last non-terminal state in place; the success grading below
	// then falls back to the turn count.
	State State

	// TimedOut is set when the maximum call duration forced the completion.
	TimedOut bool

	// Transcript is the full ordered turn history, tool invocations included.
	Transcript []types.Turn

	// TransferTo is the handoff target, set only when State is
	// [StateTransferring].
	TransferTo phone.Number

	// Collected holds details extracted from the conversation text, keyed
	// price, time and confirmation. See [ExtractCollected].
	Collected map[string]string
}

// Success reports whether the call met its goal: a natural completion or
// transfer counts, and so does any conversation of at least four turns, which
// grades calls the remote party ended without a detectable farewell.
func (o *Outcome) Success() bool {
	if !o.TimedOut && (o.State == StateCompleted || o.State == StateTransferring) {
		return true
	}
	return len(o.Transcript) >= 4
}

// Sentinel results used to unwind the engine goroutine group. They never
// escape Run.
var (
	errConversationDone = errors.New("convo: conversation reached a terminal state")
	errLineDropped      = errors.New("convo: line dropped")
	errMaxDuration      = errors.New("convo: maximum call duration reached")
)

// watchLine polls the modem until the call leaves the line or the maximum
// duration passes. onTimeout runs before the duration sentinel is returned so
// the engine can mark the outcome before the group unwinds.
func watchLine(ctx context.Context, line LineMonitor, poll, maxDuration time.Duration, onTimeout func()) error {
	deadline := time.NewTimer(maxDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			onTimeout()
			return errMaxDuration
		case <-ticker.C:
			if info := line.Info(); info.State.Terminal() {
				return errLineDropped
			}
		}
	}
}
