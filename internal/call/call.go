// Package call composes the modem, the audio router, and a conversation
// engine into complete phone calls.
//
// [Agent] is the long-lived entry point. [Agent.Outbound] dials a number and
// drives the conversation for a [Job]; [Agent.Inbound] waits for the line to
// ring, answers with the owner's persona and greeting, and optionally texts
// the owner a summary afterwards. Every call ends with the same teardown
// sequence no matter how it went: hang up, stop the recording, stop the
// audio stream, write the log record.
//
// An Agent handles one call at a time; the modem has a single line. Callers
// that queue work, such as the SMS router, run jobs back to back.
package call

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callyx/internal/convo"
	"github.com/MrWong99/callyx/internal/modem"
	"github.com/MrWong99/callyx/pkg/audio"
	"github.com/MrWong99/callyx/pkg/phone"
	"github.com/MrWong99/callyx/pkg/types"
)

// EngineKind selects the conversation pipeline for a call.
type EngineKind string

const (
	// EngineCascade is the STT → LLM → TTS pipeline.
	EngineCascade EngineKind = "cascade"
	// EngineRealtime is the speech-to-speech session pipeline.
	EngineRealtime EngineKind = "realtime"
)

// Line is the slice of [modem.Modem] the agent drives. It is an interface so
// tests can script call progress without serial hardware.
type Line interface {
	// Ready reports whether the modem is open and the SIM is registered.
	Ready() bool
	// Open connects and initialises the modem.
	Open(ctx context.Context) error
	// Dial starts an outbound call and returns once the command is accepted.
	// Connection progress is observed through Info.
	Dial(ctx context.Context, number phone.Number) error
	// Answer picks up a ringing inbound call.
	Answer(ctx context.Context) error
	// Reject declines a ringing inbound call.
	Reject() error
	// Hangup ends the active call. Safe to call on an idle line.
	Hangup() error
	// Info returns a snapshot of the current call.
	Info() modem.CallInfo
	// WaitForIncoming blocks until a call rings in or ctx ends.
	WaitForIncoming(ctx context.Context) (modem.CallInfo, error)
	// Transfer hands the active call to another number.
	Transfer(ctx context.Context, target phone.Number) error
	// SendSMS delivers a text message.
	SendSMS(ctx context.Context, number phone.Number, body string) error
}

var _ Line = (*modem.Modem)(nil)

// Audio is the slice of [audio.Router] the agent manages around a call: the
// stream lifecycle and the recording, plus the frame I/O the conversation
// engines use.
type Audio interface {
	convo.AudioPort
	// Start opens the capture and playback streams on the named devices.
	Start(inputName, outputName string) error
	// Stop closes the streams and releases the devices.
	Stop() error
	// StartRecording begins capturing both directions.
	StartRecording()
	// StopRecording writes the captured call to a WAV file at path and
	// returns the path written, or "" when nothing was captured.
	StopRecording(path string) (string, error)
}

var _ Audio = (*audio.Router)(nil)

// LeadSource supplies caller background for inbound calls. Implementations
// return placeholder values and call-context fields, keyed lowercase
// ("name", "company", "notes"), or false when the caller is unknown.
type LeadSource interface {
	LeadContext(ctx context.Context, number phone.Number) (map[string]string, bool)
}

// Job describes one outbound call.
type Job struct {
	// Number is the destination. Must be valid.
	Number phone.Number

	// Objective is what the agent should accomplish on the call.
	Objective string

	// Context holds key/value details the agent may need, such as names,
	// party sizes, or the transfer_number handoff target.
	Context map[string]string

	// Knowledge is retrieved background text for the system prompt.
	Knowledge string

	// Engine overrides the agent's default pipeline when set.
	Engine EngineKind
}

// Result is the outcome of one completed or attempted call.
type Result struct {
	// Success reports whether the call met its goal. A natural completion
	// or transfer counts, and so does any conversation of at least four
	// turns.
	Success bool

	// Summary is a one-line description of how the call went. For calls
	// that never connected it names the reason.
	Summary string

	// State is the final conversation state.
	State convo.State

	// Transcript is the full ordered turn history.
	Transcript []types.Turn

	// Collected holds details extracted from the conversation text.
	Collected map[string]string

	// TransferredTo is the handoff target when the call was transferred.
	TransferredTo phone.Number

	// RecordingPath is the WAV file of the call, empty when nothing was
	// captured.
	RecordingPath string

	// LogPath is the JSON log record written for the call.
	LogPath string

	// Duration is the connected time, zero for calls that never connected.
	Duration time.Duration
}

// EventKind distinguishes the notifications a running call emits.
type EventKind string

const (
	// EventState carries a conversation state change.
	EventState EventKind = "state"
	// EventTranscript carries one finished transcript turn.
	EventTranscript EventKind = "transcript"
	// EventAnswerHint fires when outbound ringback gives way to a voice
	// before the modem confirms the connect. Advisory only.
	EventAnswerHint EventKind = "answer_hint"
)

// Event is one UI-facing notification from a running call.
type Event struct {
	Kind  EventKind
	State convo.State
	Turn  types.Turn
}

const defaultEventBuffer = 64

// Events fans call progress out to an observer without ever blocking the
// call pipeline. When the buffer is full, new events are dropped and
// counted; a slow or absent consumer costs notifications, never audio.
type Events struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewEvents creates an event stream with the given buffer. A non-positive
// buffer uses the default of 64.
func NewEvents(buffer int) *Events {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Events{ch: make(chan Event, buffer)}
}

// C is the receive side of the stream. It is never closed; consumers stop
// reading when the call is done.
func (e *Events) C() <-chan Event { return e.ch }

// Dropped returns how many events were discarded because the buffer was
// full.
func (e *Events) Dropped() uint64 { return e.dropped.Load() }

func (e *Events) publish(ev Event) {
	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
}
