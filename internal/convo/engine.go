package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callyx/pkg/audio"
	"github.com/MrWong99/callyx/pkg/phone"
	"github.com/MrWong99/callyx/pkg/provider/stt"
	"github.com/MrWong99/callyx/pkg/provider/tts"
	"github.com/MrWong99/callyx/pkg/vad"
)

const (
	defaultMaxCallDuration = 5 * time.Minute
	defaultLinePoll        = 500 * time.Millisecond
	defaultFramePoll       = 10 * time.Millisecond
)

// greetingPlayedNote tells the model a canned greeting already went out on an
// inbound call, so its first generated reply must not introduce the agent
// again.
const greetingPlayedNote = "A greeting has already been played on this call. " +
	"Do not introduce yourself again; respond to what the caller says."

// presenceFallback stands in for the remote party's first utterance when the
// recognizer returns nothing for it. A cold speech model regularly misses the
// pickup greeting, and going silent there kills the call before it starts.
const presenceFallback = "Hello?"

// apologyLine is spoken in place of a reply when the model or synthesis
// fails mid-call. The remote party hears a recovery prompt instead of dead
// air and the engine keeps listening.
const apologyLine = "I'm having trouble responding, could you repeat that?"

// EngineConfig carries the dependencies for one cascade [Engine].
type EngineConfig struct {
	// Audio is the router slice the engine reads frames from and plays
	// replies through. Required.
	Audio AudioPort

	// VAD segments the input stream into utterances. Required. The engine
	// owns it for the duration of the run and resets it around playback.
	VAD *vad.Detector

	// STT transcribes complete utterances. Required.
	STT stt.Transcriber

	// TTS renders replies. Required.
	TTS tts.Synthesizer

	// Assistant is the per-call LLM conversation. Required. The caller
	// installs the objective and context before Run.
	Assistant *Assistant

	// Line reports the modem call state; the run ends when the line does.
	// Required.
	Line LineMonitor

	// Greeting, when set, is spoken verbatim at the start instead of asking
	// the model for an opening line. Used on inbound calls.
	Greeting string

	// MaxDuration force-ends the call. Defaults to 5 minutes.
	MaxDuration time.Duration

	// LinePoll is how often the modem state is checked. Defaults to 500ms.
	LinePoll time.Duration

	// FramePoll is the input drain interval. Defaults to 10ms.
	FramePoll time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnState, when set, is invoked on every conversation state change. It
	// runs on an engine goroutine and must not block.
	OnState func(State)
}

// Engine runs the cascade pipeline for one connected call: frames in through
// the VAD, utterances through STT, replies from the [Assistant], audio out
// through TTS and the router. Create one per call and call [Engine.Run] once.
type Engine struct {
	audio     AudioPort
	vad       *vad.Detector
	stt       stt.Transcriber
	tts       tts.Synthesizer
	assistant *Assistant
	line      LineMonitor
	greeting  string

	maxDuration time.Duration
	linePoll    time.Duration
	framePoll   time.Duration
	log         *slog.Logger
	onState     func(State)

	// turnCount is only touched on the turn goroutine.
	turnCount int

	mu         sync.Mutex
	state      State
	timedOut   bool
	transferTo phone.Number
}

// NewEngine validates the configuration and builds a cascade engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	switch {
	case cfg.Audio == nil:
		return nil, errors.New("convo: engine needs an audio port")
	case cfg.VAD == nil:
		return nil, errors.New("convo: engine needs a VAD detector")
	case cfg.STT == nil:
		return nil, errors.New("convo: engine needs a transcriber")
	case cfg.TTS == nil:
		return nil, errors.New("convo: engine needs a synthesizer")
	case cfg.Assistant == nil:
		return nil, errors.New("convo: engine needs an assistant")
	case cfg.Line == nil:
		return nil, errors.New("convo: engine needs a line monitor")
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
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		audio:       cfg.Audio,
		vad:         cfg.VAD,
		stt:         cfg.STT,
		tts:         cfg.TTS,
		assistant:   cfg.Assistant,
		line:        cfg.Line,
		greeting:    cfg.Greeting,
		maxDuration: cfg.MaxDuration,
		linePoll:    cfg.LinePoll,
		framePoll:   cfg.FramePoll,
		log:         cfg.Logger,
		onState:     cfg.OnState,
		state:       StateIdle,
	}, nil
}

// State returns the current conversation state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run drives the conversation until it reaches a terminal state, the line
// drops, the maximum duration passes, or ctx is cancelled. The returned
// [Outcome] is non-nil even on error so the partial transcript can be
// logged. Run must be called at most once.
func (e *Engine) Run(ctx context.Context) (*Outcome, error) {
	e.vad.Reset()
	e.setState(StateListening)

	if err := e.playGreeting(ctx); err != nil {
		e.setState(StateFailed)
		return e.outcome(), fmt.Errorf("convo: greeting: %w", err)
	}
	e.setState(StateListening)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.turnLoop(gctx) })
	g.Go(func() error {
		return watchLine(gctx, e.line, e.linePoll, e.maxDuration, e.markTimedOut)
	})

	err := g.Wait()
	switch {
	case err == nil, errors.Is(err, errConversationDone):
		err = nil
	case errors.Is(err, errLineDropped):
		e.log.Info("line dropped, conversation over", "turns", e.turnCount)
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

// playGreeting speaks the opening line: the configured text on inbound calls
// (seeded into history with the no-reintroduction note), or a generated one
// on outbound calls.
func (e *Engine) playGreeting(ctx context.Context) error {
	if e.greeting != "" {
		e.assistant.AddNote(greetingPlayedNote)
		e.assistant.SeedGreeting(e.greeting)
		return e.say(ctx, e.greeting)
	}
	text, err := e.assistant.InitialGreeting(ctx)
	if err != nil {
		return err
	}
	if spoken := StripMarkers(text); spoken != "" {
		return e.say(ctx, spoken)
	}
	return nil
}

// turnLoop drains input frames through the VAD and handles each completed
// utterance in place. While an utterance is in STT, the LLM, or playback, no
// frames are consumed; the router queue absorbs the backlog and playback ends
// with an explicit clear.
func (e *Engine) turnLoop(ctx context.Context) error {
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
			for _, ev := range e.vad.Process(f) {
				if ev.Type != vad.SpeechEnd {
					continue
				}
				done, err := e.handleUtterance(ctx, ev.Utterance)
				if err != nil {
					return err
				}
				if done {
					return errConversationDone
				}
			}
		}
	}
}

// handleUtterance runs one conversational turn. It reports done=true when the
// reply ended or transferred the call.
func (e *Engine) handleUtterance(ctx context.Context, utt *vad.Utterance) (bool, error) {
	if !utt.EnergyOK {
		e.log.Debug("utterance below energy floor, dropped",
			"rms", int(utt.RMS), "seconds", fmt.Sprintf("%.2f", utt.Duration()))
		return false, nil
	}

	e.setState(StateProcessing)
	text, err := e.stt.Transcribe(ctx, utt.Samples, utt.Rate)
	if err != nil {
		// One bad utterance should not end the call; drop it and keep
		// listening.
		e.log.Warn("transcription failed, utterance dropped", "error", err)
		e.setState(StateListening)
		return false, nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		if e.turnCount > 0 {
			e.setState(StateListening)
			return false, nil
		}
		// The VAD heard speech even though the recognizer produced nothing.
		// The remote party is present, so let the first exchange happen.
		e.log.Debug("empty transcript on first turn, treating callee as present")
		text = presenceFallback
	}

	reply, err := e.assistant.GenerateResponse(ctx, text)
	if err != nil {
		// A model failure on one turn must not drop the call. Apologize
		// and wait for the caller to try again.
		e.log.Warn("response generation failed, apologizing", "error", err)
		e.apologize(ctx)
		e.setState(StateListening)
		return false, nil
	}
	e.turnCount++

	if spoken := StripMarkers(reply); spoken != "" {
		if err := e.say(ctx, spoken); err != nil {
			// The reply was never heard, so its end/transfer markers do
			// not apply. Stay in the call.
			e.log.Warn("reply playback failed, apologizing", "error", err)
			e.apologize(ctx)
			e.setState(StateListening)
			return false, nil
		}
	}

	switch {
	case e.assistant.ShouldTransfer(reply):
		e.setTransfer(e.assistant.TransferNumber())
		e.setState(StateTransferring)
		return true, nil
	case e.assistant.ShouldEndCall(reply):
		e.setState(StateCompleted)
		return true, nil
	default:
		e.setState(StateListening)
		return false, nil
	}
}

// apologize speaks the fixed recovery line after a mid-call model failure.
// When even the apology cannot be played, the turn is dropped silently.
func (e *Engine) apologize(ctx context.Context) {
	if err := e.say(ctx, apologyLine); err != nil {
		e.log.Warn("apology playback failed", "error", err)
	}
}

// say synthesizes text and plays it with the speaking flag held. On the way
// out, whatever the microphone picked up during playback is discarded and the
// VAD starts fresh, so the agent never answers itself.
func (e *Engine) say(ctx context.Context, text string) error {
	frame, err := e.tts.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("convo: synthesize: %w", err)
	}
	if len(frame.Samples) == 0 {
		return nil
	}
	samples := frame.Samples
	if frame.Rate != audio.PipelineRate {
		samples = audio.ToRate(samples, frame.Rate, audio.PipelineRate)
	}

	e.setState(StateSpeaking)
	e.audio.SetSpeaking(true)
	defer func() {
		e.audio.SetSpeaking(false)
		e.audio.ClearInput()
		e.vad.Reset()
	}()
	if err := e.audio.WriteAndWait(samples); err != nil {
		return fmt.Errorf("convo: playback: %w", err)
	}
	return nil
}

func (e *Engine) setState(s State) {
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

// markTimedOut flags the outcome before the duration sentinel unwinds the
// group. A terminal state that won the race keeps its natural grading.
func (e *Engine) markTimedOut() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Terminal() {
		e.timedOut = true
	}
}

func (e *Engine) setTransfer(n phone.Number) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transferTo = n
}

func (e *Engine) outcome() *Outcome {
	transcript := e.assistant.History()
	e.mu.Lock()
	o := &Outcome{
		State:      e.state,
		TimedOut:   e.timedOut,
		Transcript: transcript,
		TransferTo: e.transferTo,
	}
	e.mu.Unlock()
	o.Collected = ExtractCollected(transcriptText(transcript))
	return o
}
