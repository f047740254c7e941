package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callyx/pkg/audio"
	"github.com/MrWong99/callyx/pkg/phone"
	"github.com/MrWong99/callyx/pkg/provider/realtime"
	"github.com/MrWong99/callyx/pkg/types"
)

// defaultOutputGap is the silence on the session's audio stream that counts
// as the end of a model speech burst. The input gate drops line audio for the
// whole burst and the queue is cleared when it ends.
const defaultOutputGap = 500 * time.Millisecond

// RealtimeConfig carries the dependencies for one [RealtimeEngine].
type RealtimeConfig struct {
	// Provider is the speech-to-speech backend. Required.
	Provider realtime.Provider

	// Session is the session configuration. Build Instructions with
	// [RealtimeInstructions] so completion and transfer markers are
	// requested.
	Session realtime.SessionConfig

	// Audio is the router slice line audio moves through. Required.
	Audio AudioPort

	// Line reports the modem call state. Required.
	Line LineMonitor

	// ToolExec executes tool calls surfaced by the session. Nil disables
	// tool handling.
	ToolExec func(ctx context.Context, name, args string) (string, error)

	// Greeting, when set, is handed to the model as the opening line to
	// speak on an inbound call.
	Greeting string

	// TransferTo is the handoff target used when the model emits the
	// transfer marker.
	TransferTo phone.Number

	// MaxDuration force-ends the call. Defaults to 5 minutes.
	MaxDuration time.Duration

	// LinePoll is how often the modem state is checked. Defaults to 500ms.
	LinePoll time.Duration

	// FramePoll is the input drain interval. Defaults to 10ms.
	FramePoll time.Duration

	// OutputGap is the silence that ends a model speech burst. Defaults to
	// 500ms.
	OutputGap time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnState, when set, is invoked on every conversation state change on an
	// engine goroutine and must not block.
	OnState func(State)

	// OnTurn, when set, is invoked for every transcript turn on an engine
	// goroutine and must not block.
	OnTurn func(types.Turn)
}

// RealtimeEngine drives one call over a speech-to-speech session. The model
// hears the line directly and speaks back; the engine moves audio between
// the router and the session, executes tool calls, and watches the
// transcript stream for the completion and transfer markers.
//
// Create one per call and call [RealtimeEngine.Run] once.
type RealtimeEngine struct {
	provider   realtime.Provider
	sessionCfg realtime.SessionConfig
	audio      AudioPort
	line       LineMonitor
	toolExec   func(ctx context.Context, name, args string) (string, error)
	greeting   string
	transferTo phone.Number

	maxDuration time.Duration
	linePoll    time.Duration
	framePoll   time.Duration
	outputGap   time.Duration
	log         *slog.Logger
	onState     func(State)
	onTurn      func(types.Turn)

	speaking atomic.Bool

	mu          sync.Mutex
	state       State
	timedOut    bool
	transferred bool
	turns       []types.Turn
}

// NewRealtimeEngine validates the configuration and builds the engine.
func NewRealtimeEngine(cfg RealtimeConfig) (*RealtimeEngine, error) {
	switch {
	case cfg.Provider == nil:
		return nil, errors.New("convo: realtime engine needs a provider")
	case cfg.Audio == nil:
		return nil, errors.New("convo: realtime engine needs an audio port")
	case cfg.Line == nil:
		return nil, errors.New("convo: realtime engine needs a line monitor")
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = defaultMaxCallDuration
	}
	if cfg.LinePoll <= 0 {
		cfg.LinePoll = defaultLinePoll
	}
	if cfg.FramePoll <= 0 {
		cfg.FramePoll = defaultFramePoll
	}
	if cfg.OutputGap <= 0 {
		cfg.OutputGap = defaultOutputGap
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RealtimeEngine{
		provider:    cfg.Provider,
		sessionCfg:  cfg.Session,
		audio:       cfg.Audio,
		line:        cfg.Line,
		toolExec:    cfg.ToolExec,
		greeting:    cfg.Greeting,
		transferTo:  cfg.TransferTo,
		maxDuration: cfg.MaxDuration,
		linePoll:    cfg.LinePoll,
		framePoll:   cfg.FramePoll,
		outputGap:   cfg.OutputGap,
		log:         cfg.Logger,
		onState:     cfg.OnState,
		onTurn:      cfg.OnTurn,
		state:       StateIdle,
	}, nil
}

// State returns the current conversation state.
func (e *RealtimeEngine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run connects the session and moves audio until the model signals
// completion or transfer, the line drops, the maximum duration passes, or
// ctx is cancelled. The returned [Outcome] is non-nil even on error. Run
// must be called at most once.
func (e *RealtimeEngine) Run(ctx context.Context) (*Outcome, error) {
	caps := e.provider.Capabilities()
	inRate, outRate := caps.InputRate, caps.OutputRate
	if inRate <= 0 {
		inRate = audio.PipelineRate
	}
	if outRate <= 0 {
		outRate = audio.PipelineRate
	}

	sess, err := e.provider.Connect(ctx, e.sessionCfg)
	if err != nil {
		e.setState(StateFailed)
		return e.outcome(), fmt.Errorf("convo: connect realtime session: %w", err)
	}
	defer sess.Close()

	if e.toolExec != nil {
		sess.OnToolCall(func(name, args string) (string, error) {
			result, terr := e.toolExec(ctx, name, args)
			if terr != nil {
				e.log.Warn("tool execution failed", "tool", name, "error", terr)
				result = "tool failed: " + terr.Error()
			}
			e.appendTurn(types.Turn{
				Role: types.RoleToolResult,
				Text: result,
				Tool: &types.ToolUse{Name: name, Arguments: args, Result: result},
			})
			return result, nil
		})
	}
	sess.OnError(func(err error) {
		e.log.Warn("realtime session error", "error", err)
	})

	if e.greeting != "" {
		item := realtime.ContextItem{
			Role:    "system",
			Content: "You have just answered the call. Open with this greeting, then continue naturally: " + e.greeting,
		}
		if err := sess.InjectTextContext([]realtime.ContextItem{item}); err != nil {
			e.log.Warn("greeting injection failed", "error", err)
		}
	}

	e.setState(StateListening)
	if err := sess.TriggerResponse(); err != nil {
		e.setState(StateFailed)
		return e.outcome(), fmt.Errorf("convo: trigger opening response: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pumpInput(gctx, sess, inRate) })
	g.Go(func() error { return e.pumpOutput(gctx, sess, outRate) })
	g.Go(func() error { return e.watchTranscripts(gctx, sess) })
	g.Go(func() error {
		return watchLine(gctx, e.line, e.linePoll, e.maxDuration, e.markTimedOut)
	})

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, errConversationDone):
		err = nil
	case errors.Is(err, errLineDropped):
		e.log.Info("line dropped, conversation over")
		err = nil
	case errors.Is(err, errMaxDuration):
		e.log.Info("conversation hit max duration", "limit", e.maxDuration)
		e.setState(StateCompleted)
		err = nil
	default:
		if !e.State().Terminal() {
			e.setState(StateFailed)
		}
	}
	return e.outcome(), err
}

// pumpInput streams line audio into the session. Frames captured while the
// model's own speech is playing are dropped here, which is the realtime
// equivalent of the cascade engine's speaking gate.
func (e *RealtimeEngine) pumpInput(ctx context.Context, sess realtime.SessionHandle, inRate int) error {
	ticker := time.NewTicker(e.framePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for {
			f, ok := e.audio.ReadFrame()
			if !ok {
				break
			}
			if e.speaking.Load() {
				continue
			}
			samples := audio.ToRate(f.Samples, f.Rate, inRate)
			if err := sess.SendAudio(audio.SamplesToBytes(samples)); err != nil {
				return fmt.Errorf("convo: send audio: %w", err)
			}
		}
	}
}

// pumpOutput plays the session's synthesized audio. A burst of chunks holds
// the speaking state; outputGap of silence ends the burst, clears the input
// backlog, and reopens the line to the model.
func (e *RealtimeEngine) pumpOutput(ctx context.Context, sess realtime.SessionHandle, outRate int) error {
	gap := time.NewTimer(e.outputGap)
	if !gap.Stop() {
		<-gap.C
	}
	defer gap.Stop()

	audioCh := sess.Audio()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gap.C:
			e.endSpeech()
		case chunk, ok := <-audioCh:
			if !ok {
				e.endSpeech()
				if err := sess.Err(); err != nil {
					return fmt.Errorf("convo: realtime session: %w", err)
				}
				return errConversationDone
			}
			e.beginSpeech()
			samples := audio.ToRate(audio.BytesToSamples(chunk), outRate, audio.PipelineRate)
			if err := e.audio.Write(samples); err != nil {
				return fmt.Errorf("convo: playback: %w", err)
			}
			// Stop, drain, reset: a stale expiry must not end the burst the
			// moment the next iteration selects (per the time.Timer docs).
			if !gap.Stop() {
				select {
				case <-gap.C:
				default:
				}
			}
			gap.Reset(e.outputGap)
		}
	}
}

func (e *RealtimeEngine) beginSpeech() {
	if e.speaking.CompareAndSwap(false, true) {
		e.audio.SetSpeaking(true)
		e.setState(StateSpeaking)
	}
}

func (e *RealtimeEngine) endSpeech() {
	if e.speaking.CompareAndSwap(true, false) {
		e.audio.SetSpeaking(false)
		e.audio.ClearInput()
		e.setState(StateListening)
	}
}

// watchTranscripts records both sides of the conversation and ends the run
// when the model's text carries the transfer or objective-complete marker.
func (e *RealtimeEngine) watchTranscripts(ctx context.Context, sess realtime.SessionHandle) error {
	transcripts := sess.Transcripts()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-transcripts:
			if !ok {
				return nil
			}
			e.appendTurn(types.Turn{Role: t.Role, Text: t.Text})
			if t.Role != types.RoleAssistant {
				continue
			}
			switch {
			case strings.Contains(t.Text, TransferMarker):
				e.markTransferred()
				e.setState(StateTransferring)
				return errConversationDone
			case strings.Contains(t.Text, ObjectiveCompleteMarker):
				e.setState(StateCompleted)
				return errConversationDone
			}
		}
	}
}

func (e *RealtimeEngine) appendTurn(t types.Turn) {
	e.mu.Lock()
	e.turns = append(e.turns, t)
	cb := e.onTurn
	e.mu.Unlock()
	if cb != nil {
		cb(t)
	}
}

func (e *RealtimeEngine) setState(s State) {
	e.mu.Lock()
	if e.state == s || e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	old := e.state
	e.state = s
	cb := e.onState
	e.mu.Unlock()

	e.log.Debug("conversation state", "from", string(old), "to", string(s))
	if cb != nil {
		cb(s)
	}
}

func (e *RealtimeEngine) markTimedOut() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Terminal() {
		e.timedOut = true
	}
}

func (e *RealtimeEngine) markTransferred() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transferred = true
}

func (e *RealtimeEngine) outcome() *Outcome {
	e.mu.Lock()
	o := &Outcome{
		State:      e.state,
		TimedOut:   e.timedOut,
		Transcript: slices.Clone(e.turns),
	}
	if e.transferred {
		o.TransferTo = e.transferTo
	}
	e.mu.Unlock()
	o.Collected = ExtractCollected(transcriptText(o.Transcript))
	return o
}
