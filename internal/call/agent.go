package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/MrWong99/callyx/internal/convo"
	"github.com/MrWong99/callyx/internal/modem"
	"github.com/MrWong99/callyx/pkg/dsp"
	"github.com/MrWong99/callyx/pkg/phone"
	"github.com/MrWong99/callyx/pkg/provider/llm"
	"github.com/MrWong99/callyx/pkg/provider/realtime"
	"github.com/MrWong99/callyx/pkg/provider/stt"
	"github.com/MrWong99/callyx/pkg/provider/tts"
	"github.com/MrWong99/callyx/pkg/types"
	"github.com/MrWong99/callyx/pkg/vad"
)

const (
	defaultDialTimeout = 60 * time.Second
	defaultDialPoll    = 500 * time.Millisecond
)

// defaultPersona answers inbound calls when the owner has not configured one.
const defaultPersona = "You are answering the phone on behalf of the owner, " +
	"who is unavailable right now. Find out who is calling and why, be brief " +
	"and polite, and take a message."

// ErrNoAnswer means the far end never picked up within the dial timeout.
var ErrNoAnswer = errors.New("call: no answer")

// InboundConfig shapes how answered calls are handled.
type InboundConfig struct {
	// Persona is the role text for answered calls. Supports {PLACEHOLDER}
	// substitution from Vars and from the caller's lead fields.
	Persona string

	// Greeting is spoken verbatim right after answering, with the same
	// substitution. Empty asks the model for an opening line instead.
	Greeting string

	// SMSSummary texts the owner a one-line summary after each call.
	SMSSummary bool

	// Callback is the owner's number for summaries.
	Callback phone.Number

	// Vars are the owner-level placeholder values, such as MY_NAME,
	// COMPANY, and CITY.
	Vars map[string]string
}

// Config carries the dependencies and settings for an [Agent].
type Config struct {
	// Line is the modem. Required.
	Line Line

	// Audio is the router. Required.
	Audio Audio

	// LLM, STT, and TTS back the cascade pipeline.
	LLM llm.Provider
	STT stt.Transcriber
	TTS tts.Synthesizer

	// Realtime backs the speech-to-speech pipeline.
	Realtime realtime.Provider

	// Engine is the default pipeline. Defaults to [EngineCascade].
	Engine EngineKind

	// InputDevice and OutputDevice name the audio devices wired to the
	// modem's headset jack. Empty selects the system defaults.
	InputDevice  string
	OutputDevice string

	// VAD configures utterance segmentation; the zero value uses the
	// detector defaults. Classifier is optional.
	VAD        vad.Config
	Classifier vad.Classifier

	// Voice selects the realtime session voice.
	Voice tts.VoiceProfile

	// Tools is offered to the model on every call. ToolExec executes one
	// call; nil disables tools.
	Tools    []types.ToolDefinition
	ToolExec func(ctx context.Context, name, args string) (string, error)

	// LogDir receives one JSON record per call. Empty means the working
	// directory.
	LogDir string

	// RecordingDir receives call WAV files. Empty means the working
	// directory.
	RecordingDir string

	// Inbound shapes answered calls.
	Inbound InboundConfig

	// Leads enriches inbound calls with caller background. Optional.
	Leads LeadSource

	// MaxDuration force-ends conversations. Zero uses the engine default.
	MaxDuration time.Duration

	// DialTimeout bounds the wait for an outbound call to be answered.
	// Defaults to 60 seconds.
	DialTimeout time.Duration

	// DialPoll is how often call progress is checked while dialing.
	// Defaults to 500ms.
	DialPoll time.Duration

	// AnswerHint enables the ringback-cessation detector while dialing.
	// The hint is logged and published as an [EventAnswerHint]; the modem's
	// call listing stays authoritative for the connected transition.
	AnswerHint bool

	// Events receives state and transcript notifications. Optional.
	Events *Events

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Agent places and answers calls. One call runs at a time; Outbound and
// Inbound must not overlap.
type Agent struct {
	line  Line
	audio Audio

	llm      llm.Provider
	stt      stt.Transcriber
	tts      tts.Synthesizer
	realtime realtime.Provider

	engine     EngineKind
	inputDev   string
	outputDev  string
	vadCfg     vad.Config
	classifier vad.Classifier
	voice      tts.VoiceProfile
	tools      []types.ToolDefinition
	toolExec   func(ctx context.Context, name, args string) (string, error)

	logDir  string
	recDir  string
	inbound InboundConfig
	leads   LeadSource

	maxDuration time.Duration
	dialTimeout time.Duration
	dialPoll    time.Duration
	answerHint  bool

	events *Events
	log    *slog.Logger
}

// New validates the configuration and builds an agent.
func New(cfg Config) (*Agent, error) {
	switch {
	case cfg.Line == nil:
		return nil, errors.New("call: agent needs a modem line")
	case cfg.Audio == nil:
		return nil, errors.New("call: agent needs an audio router")
	}
	if cfg.Engine == "" {
		cfg.Engine = EngineCascade
	}
	switch cfg.Engine {
	case EngineCascade:
		switch {
		case cfg.LLM == nil:
			return nil, errors.New("call: cascade engine needs an LLM provider")
		case cfg.STT == nil:
			return nil, errors.New("call: cascade engine needs a transcriber")
		case cfg.TTS == nil:
			return nil, errors.New("call: cascade engine needs a synthesizer")
		}
	case EngineRealtime:
		if cfg.Realtime == nil {
			return nil, errors.New("call: realtime engine needs a provider")
		}
	default:
		return nil, fmt.Errorf("call: unknown engine kind %q", cfg.Engine)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.DialPoll <= 0 {
		cfg.DialPoll = defaultDialPoll
	}
	if cfg.Inbound.Persona == "" {
		cfg.Inbound.Persona = defaultPersona
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Agent{
		line:        cfg.Line,
		audio:       cfg.Audio,
		llm:         cfg.LLM,
		stt:         cfg.STT,
		tts:         cfg.TTS,
		realtime:    cfg.Realtime,
		engine:      cfg.Engine,
		inputDev:    cfg.InputDevice,
		outputDev:   cfg.OutputDevice,
		vadCfg:      cfg.VAD,
		classifier:  cfg.Classifier,
		voice:       cfg.Voice,
		tools:       cfg.Tools,
		toolExec:    cfg.ToolExec,
		logDir:      cfg.LogDir,
		recDir:      cfg.RecordingDir,
		inbound:     cfg.Inbound,
		leads:       cfg.Leads,
		maxDuration: cfg.MaxDuration,
		dialTimeout: cfg.DialTimeout,
		dialPoll:    cfg.DialPoll,
		answerHint:  cfg.AnswerHint,
		events:      cfg.Events,
		log:         cfg.Logger,
	}, nil
}

// Outbound dials job.Number and drives the conversation until it ends, then
// runs the teardown sequence and writes the call log.
//
// A returned error means no call could be attempted, such as a missing
// modem or audio device. Everything after the dial, including setup
// failures like an unanswered ring, produces a Result instead; its Success
// and Summary fields say how the call went.
func (a *Agent) Outbound(ctx context.Context, job Job) (*Result, error) {
	if !job.Number.IsValid() {
		return nil, fmt.Errorf("call: invalid number %q", string(job.Number))
	}
	kind := a.engine
	if job.Engine != "" {
		kind = job.Engine
	}
	a.log.Info("placing call",
		"number", job.Number.Display(),
		"objective", job.Objective,
		"engine", string(kind))

	if err := a.ensureLine(ctx); err != nil {
		return nil, err
	}
	if err := a.audio.Start(a.inputDev, a.outputDev); err != nil {
		return nil, fmt.Errorf("call: start audio: %w", err)
	}
	a.audio.StartRecording()

	rec := logRecord{
		Timestamp: time.Now(),
		Phone:     job.Number.String(),
		Direction: string(modem.DirectionOutbound),
		Objective: job.Objective,
		Context:   job.Context,
		Engine:    string(kind),
	}

	if err := a.line.Dial(ctx, job.Number); err != nil {
		a.log.Warn("dial failed", "err", err)
		return a.abort(rec, false, fmt.Sprintf("dial failed: %v", err)), nil
	}
	if err := a.waitConnected(ctx); err != nil {
		summary := err.Error()
		if errors.Is(err, ErrNoAnswer) {
			summary = fmt.Sprintf("no answer within %s", a.dialTimeout)
		}
		a.log.Warn("call setup failed", "err", err)
		return a.abort(rec, false, summary), nil
	}
	connected := time.Now()
	a.log.Info("call connected", "number", job.Number.Display())

	conv, err := a.newConversation(kind, job.Objective, job.Context, job.Knowledge, "")
	if err != nil {
		a.log.Error("conversation setup failed", "err", err)
		return a.abort(rec, false, fmt.Sprintf("conversation setup failed: %v", err)), nil
	}
	outcome, runErr := conv.Run(ctx)
	return a.finish(ctx, rec, connected, outcome, runErr, false), nil
}

// Inbound blocks until a call rings in, answers it, and runs the
// receptionist conversation with the owner's persona and greeting. When the
// owner enabled SMS summaries, a one-line report is texted to the callback
// number afterwards.
func (a *Agent) Inbound(ctx context.Context) (*Result, error) {
	if err := a.ensureLine(ctx); err != nil {
		return nil, err
	}
	a.log.Info("waiting for incoming call")
	info, err := a.line.WaitForIncoming(ctx)
	if err != nil {
		return nil, fmt.Errorf("call: wait for incoming: %w", err)
	}
	caller := info.Number
	a.log.Info("incoming call", "from", caller.Display())

	vars := maps.Clone(a.inbound.Vars)
	if vars == nil {
		vars = make(map[string]string)
	}
	callCtx := map[string]string{"caller": caller.Display()}
	if a.leads != nil {
		if fields, ok := a.leads.LeadContext(ctx, caller); ok {
			for k, v := range fields {
				vars[k] = v
				callCtx[k] = v
			}
			a.log.Info("caller recognized", "from", caller.Display(), "fields", len(fields))
		}
	}
	persona := expand(a.inbound.Persona, vars)
	greeting := expand(a.inbound.Greeting, vars)

	if err := a.audio.Start(a.inputDev, a.outputDev); err != nil {
		if rejErr := a.line.Reject(); rejErr != nil {
			a.log.Warn("reject failed", "err", rejErr)
		}
		return nil, fmt.Errorf("call: start audio: %w", err)
	}
	a.audio.StartRecording()

	rec := logRecord{
		Timestamp: time.Now(),
		Phone:     caller.String(),
		Direction: string(modem.DirectionInbound),
		Objective: persona,
		Context:   callCtx,
		Engine:    string(a.engine),
	}

	if err := a.line.Answer(ctx); err != nil {
		a.log.Warn("answer failed", "err", err)
		return a.abort(rec, true, fmt.Sprintf("answer failed: %v", err)), nil
	}
	connected := time.Now()

	conv, err := a.newConversation(a.engine, persona, callCtx, "", greeting)
	if err != nil {
		a.log.Error("conversation setup failed", "err", err)
		return a.abort(rec, true, fmt.Sprintf("conversation setup failed: %v", err)), nil
	}
	outcome, runErr := conv.Run(ctx)
	res := a.finish(ctx, rec, connected, outcome, runErr, true)

	if a.inbound.SMSSummary && a.inbound.Callback.IsValid() {
		a.notifyOwner(ctx, caller, res)
	}
	return res, nil
}

// ensureLine opens the modem when it is not already ready.
func (a *Agent) ensureLine(ctx context.Context) error {
	if a.line.Ready() {
		return nil
	}
	if err := a.line.Open(ctx); err != nil {
		return fmt.Errorf("call: open modem: %w", err)
	}
	return nil
}

// waitConnected polls the line until the outbound call is answered. It
// fails when the far end ends the call, the dial timeout passes, or ctx is
// cancelled. With the answer hint enabled, queued input audio is fed to the
// ringback detector on every poll; the hint never advances the state.
func (a *Agent) waitConnected(ctx context.Context) error {
	deadline := time.NewTimer(a.dialTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.dialPoll)
	defer ticker.Stop()
	var hint *dsp.RingbackDetector
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrNoAnswer
		case <-ticker.C:
			if a.answerHint && a.pollAnswerHint(&hint) {
				a.log.Info("answer hint: ringback gave way to voice")
				if a.events != nil {
					a.events.publish(Event{Kind: EventAnswerHint})
				}
			}
			info := a.line.Info()
			switch {
			case info.State == modem.CallConnected:
				return nil
			case info.State.Terminal():
				return fmt.Errorf("line %s before the call was answered", info.State)
			}
		}
	}
}

// pollAnswerHint drains queued input frames into the ringback detector. The
// detector is built lazily because the sample rate comes from the stream.
func (a *Agent) pollAnswerHint(det **dsp.RingbackDetector) bool {
	for {
		f, ok := a.audio.ReadFrame()
		if !ok {
			return false
		}
		if *det == nil {
			*det = dsp.NewRingbackDetector(f.Rate)
		}
		if (*det).Process(f.Samples).Answered {
			return true
		}
	}
}

// conversation is the common surface of the two engine kinds.
type conversation interface {
	Run(ctx context.Context) (*convo.Outcome, error)
}

// newConversation builds the per-call engine for the requested kind.
func (a *Agent) newConversation(kind EngineKind, objective string, callCtx map[string]string, knowledge, greeting string) (conversation, error) {
	switch kind {
	case EngineCascade:
		if a.llm == nil || a.stt == nil || a.tts == nil {
			return nil, errors.New("call: cascade providers not configured")
		}
		assistant, err := convo.NewAssistant(convo.AssistantConfig{
			LLM:      a.llm,
			Tools:    a.tools,
			ToolExec: a.toolExec,
			Logger:   a.log,
			OnTurn:   a.turnCallback(),
		})
		if err != nil {
			return nil, err
		}
		assistant.SetObjective(objective, callCtx)
		if knowledge != "" {
			assistant.SetKnowledge(knowledge)
		}
		return convo.NewEngine(convo.EngineConfig{
			Audio:       a.audio,
			VAD:         vad.New(a.vadCfg, a.classifier),
			STT:         a.stt,
			TTS:         a.tts,
			Assistant:   assistant,
			Line:        a.line,
			Greeting:    greeting,
			MaxDuration: a.maxDuration,
			Logger:      a.log,
			OnState:     a.stateCallback(),
		})

	case EngineRealtime:
		if a.realtime == nil {
			return nil, errors.New("call: realtime provider not configured")
		}
		return convo.NewRealtimeEngine(convo.RealtimeConfig{
			Provider: a.realtime,
			Session: realtime.SessionConfig{
				Voice:        a.voice,
				Instructions: convo.RealtimeInstructions(objective, callCtx, knowledge),
				Tools:        a.tools,
			},
			Audio:       a.audio,
			Line:        a.line,
			ToolExec:    a.toolExec,
			Greeting:    greeting,
			TransferTo:  phone.Normalize(callCtx[convo.ContextTransferNumber]),
			MaxDuration: a.maxDuration,
			Logger:      a.log,
			OnState:     a.stateCallback(),
			OnTurn:      a.turnCallback(),
		})

	default:
		return nil, fmt.Errorf("call: unknown engine kind %q", kind)
	}
}

func (a *Agent) stateCallback() func(convo.State) {
	if a.events == nil {
		return nil
	}
	return func(s convo.State) {
		a.events.publish(Event{Kind: EventState, State: s})
	}
}

func (a *Agent) turnCallback() func(types.Turn) {
	if a.events == nil {
		return nil
	}
	return func(t types.Turn) {
		a.events.publish(Event{Kind: EventTranscript, Turn: t})
	}
}

// abort ends a call that never reached the conversation. The teardown
// sequence still runs so a half-dialed line is hung up and the log record is
// written, with no transcript.
func (a *Agent) abort(rec logRecord, inbound bool, summary string) *Result {
	rec.Success = false
	rec.Summary = summary
	logPath, recPath := a.teardown(&rec, inbound, false)
	return &Result{
		Success:       false,
		Summary:       summary,
		State:         convo.StateFailed,
		RecordingPath: recPath,
		LogPath:       logPath,
	}
}

// finish grades the outcome, executes a requested transfer, runs the
// teardown sequence, and assembles the Result.
func (a *Agent) finish(ctx context.Context, rec logRecord, connected time.Time, outcome *convo.Outcome, runErr error, inbound bool) *Result {
	transferred := false
	if outcome.State == convo.StateTransferring && outcome.TransferTo.IsValid() {
		if err := a.line.Transfer(ctx, outcome.TransferTo); err != nil {
			a.log.Warn("transfer failed, hanging up instead",
				"target", outcome.TransferTo.Display(), "err", err)
		} else {
			transferred = true
			a.log.Info("call transferred", "target", outcome.TransferTo.Display())
		}
	}
	if runErr != nil {
		a.log.Error("conversation ended with error", "err", runErr)
	}

	rec.Success = outcome.Success()
	rec.Summary = summarize(outcome, runErr)
	rec.Collected = outcome.Collected
	rec.Transcript = outcome.Transcript
	rec.Duration = time.Since(connected).Seconds()
	logPath, recPath := a.teardown(&rec, inbound, transferred)

	res := &Result{
		Success:       rec.Success,
		Summary:       rec.Summary,
		State:         outcome.State,
		Transcript:    outcome.Transcript,
		Collected:     outcome.Collected,
		RecordingPath: recPath,
		LogPath:       logPath,
		Duration:      time.Since(connected),
	}
	if transferred {
		res.TransferredTo = outcome.TransferTo
	}
	a.log.Info("call finished",
		"state", string(outcome.State),
		"success", res.Success,
		"turns", len(res.Transcript),
		"duration", res.Duration.Round(time.Second))
	return res
}

// notifyOwner texts the post-call summary to the owner's callback number.
// The send gets its own deadline so a cancelled run context cannot skip it.
func (a *Agent) notifyOwner(ctx context.Context, caller phone.Number, res *Result) {
	smsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	body := fmt.Sprintf("Call from %s: %s", caller.Display(), res.Summary)
	if err := a.line.SendSMS(smsCtx, a.inbound.Callback, body); err != nil {
		a.log.Warn("owner summary not sent", "err", err)
	}
}
