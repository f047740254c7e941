package convo_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callyx/internal/convo"
	"github.com/MrWong99/callyx/pkg/audio"
	"github.com/MrWong99/callyx/pkg/phone"
	"github.com/MrWong99/callyx/pkg/provider/realtime"
	rtmock "github.com/MrWong99/callyx/pkg/provider/realtime/mock"
	"github.com/MrWong99/callyx/pkg/types"
)

type rtFixture struct {
	sess     *rtmock.Session
	provider *rtmock.Provider
	audio    *fakeAudio
	line     *fakeLine
	engine   *convo.RealtimeEngine
}

func newRTFixture(t *testing.T, mutate func(*convo.RealtimeConfig)) *rtFixture {
	t.Helper()
	fx := &rtFixture{
		sess: &rtmock.Session{
			AudioCh:       make(chan []byte, 16),
			TranscriptsCh: make(chan realtime.Transcript, 16),
		},
		audio: &fakeAudio{},
		line:  connectedLine(),
	}
	fx.provider = &rtmock.Provider{Session: fx.sess}
	cfg := convo.RealtimeConfig{
		Provider: fx.provider,
		Session: realtime.SessionConfig{
			Instructions: convo.RealtimeInstructions("confirm the appointment", nil, ""),
		},
		Audio:       fx.audio,
		Line:        fx.line,
		MaxDuration: 5 * time.Second,
		LinePoll:    5 * time.Millisecond,
		FramePoll:   time.Millisecond,
		OutputGap:   100 * time.Millisecond,
		Logger:      discardLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	var err error
	fx.engine, err = convo.NewRealtimeEngine(cfg)
	if err != nil {
		t.Fatalf("NewRealtimeEngine: %v", err)
	}
	return fx
}

func (fx *rtFixture) start(ctx context.Context) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		o, err := fx.engine.Run(ctx)
		ch <- runResult{o, err}
	}()
	return ch
}

func TestRealtimeObjectiveMarkerCompletes(t *testing.T) {
	fx := newRTFixture(t, nil)

	done := fx.start(context.Background())
	fx.sess.TranscriptsCh <- realtime.Transcript{Role: types.RoleUser, Text: "yes tomorrow at 10am works"}
	fx.sess.TranscriptsCh <- realtime.Transcript{Role: types.RoleAssistant, Text: "You are confirmed for 10am tomorrow. OBJECTIVE_COMPLETE"}

	o, err := awaitRun(t, done)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.State != convo.StateCompleted || o.TimedOut {
		t.Fatalf("outcome state = %s timedOut=%v, want completed", o.State, o.TimedOut)
	}
	if !o.Success() {
		t.Error("completed call graded unsuccessful")
	}
	if len(o.Transcript) != 2 || o.Transcript[0].Role != types.RoleUser || o.Transcript[1].Role != types.RoleAssistant {
		t.Errorf("transcript = %+v", o.Transcript)
	}
	if got := o.Collected["schedule"]; got != "tomorrow" {
		t.Errorf("collected time = %q, want %q", got, "tomorrow")
	}
	if fx.sess.TriggerResponseCallCount != 1 {
		t.Errorf("TriggerResponse called %d times, want 1", fx.sess.TriggerResponseCallCount)
	}
	if fx.sess.CloseCallCount != 1 {
		t.Errorf("session Close called %d times, want 1", fx.sess.CloseCallCount)
	}
	if ins := fx.provider.ConnectCalls[0].Cfg.Instructions; !strings.Contains(ins, "OBJECTIVE_COMPLETE") {
		t.Errorf("session instructions do not request the completion marker:\n%s", ins)
	}
}

func TestRealtimePlaysModelAudioAndGatesInput(t *testing.T) {
	fx := newRTFixture(t, func(cfg *convo.RealtimeConfig) {
		cfg.OutputGap = 150 * time.Millisecond
	})

	done := fx.start(context.Background())

	burst := tone(3000, 240)
	fx.sess.AudioCh <- audio.SamplesToBytes(burst)
	waitUntil(t, "model audio playback", func() bool { return fx.audio.writeCount() == 1 })

	// Captured while the model is speaking: must be dropped by the gate.
	fx.audio.push(pcmFrames(2222, 1)...)
	waitUntil(t, "gated frame consumed", func() bool { return fx.audio.queued() == 0 })

	// The output gap ends the burst and clears the backlog.
	waitUntil(t, "speech burst end", func() bool { return fx.audio.clearCount() == 1 })

	// Captured after the burst: must reach the session.
	fx.audio.push(pcmFrames(1111, 1)...)
	waitUntil(t, "open-line frame consumed", func() bool { return fx.audio.queued() == 0 })
	fx.line.drop()

	o, err := awaitRun(t, done)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.State != convo.StateListening {
		t.Errorf("state = %s, want listening after line drop", o.State)
	}

	if got := fx.audio.writtenAt(0); !slices.Equal(got, burst) {
		t.Errorf("played %d samples, want the model burst unchanged", len(got))
	}
	if n := len(fx.sess.SendAudioCalls); n != 1 {
		t.Fatalf("session received %d chunks, want only the post-burst frame", n)
	}
	want := audio.SamplesToBytes(tone(1111, 240))
	if got := fx.sess.SendAudioCalls[0].Chunk; !slices.Equal(got, want) {
		t.Errorf("forwarded chunk = %d bytes, want the 1111-amplitude frame", len(got))
	}

	events := fx.audio.eventLog()
	wantOrder := []string{"speak=on", "write", "speak=off", "clear"}
	idx := 0
	for _, ev := range events {
		if idx < len(wantOrder) && ev == wantOrder[idx] {
			idx++
		}
	}
	if idx != len(wantOrder) {
		t.Errorf("audio events = %v, want %v in order", events, wantOrder)
	}
}

func TestRealtimeTransferMarker(t *testing.T) {
	fx := newRTFixture(t, func(cfg *convo.RealtimeConfig) {
		cfg.TransferTo = phone.Number("17025550123")
	})

	done := fx.start(context.Background())
	fx.sess.TranscriptsCh <- realtime.Transcript{
		Role: types.RoleAssistant,
		Text: "Connecting you to the owner now. [TRANSFER]",
	}

	o, err := awaitRun(t, done)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.State != convo.StateTransferring {
		t.Fatalf("state = %s, want transferring", o.State)
	}
	if o.TransferTo != phone.Number("17025550123") {
		t.Errorf("TransferTo = %q, want 17025550123", o.TransferTo)
	}
	if !o.Success() {
		t.Error("transfer graded unsuccessful")
	}
}

func TestRealtimeSessionErrorSurfaces(t *testing.T) {
	fx := newRTFixture(t, nil)
	fx.sess.SessionErr = errors.New("websocket torn down")

	done := fx.start(context.Background())
	close(fx.sess.AudioCh)

	o, err := awaitRun(t, done)
	if err == nil || !strings.Contains(err.Error(), "realtime session") {
		t.Fatalf("err = %v, want wrapped session error", err)
	}
	if o.State != convo.StateFailed {
		t.Errorf("state = %s, want failed", o.State)
	}
}

func TestRealtimeSessionEndWithoutError(t *testing.T) {
	fx := newRTFixture(t, nil)

	done := fx.start(context.Background())
	close(fx.sess.AudioCh)

	o, err := awaitRun(t, done)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.State != convo.StateListening {
		t.Errorf("state = %s, want the last non-terminal state", o.State)
	}
	if o.Success() {
		t.Error("empty session graded successful")
	}
}

func TestRealtimeToolCallsRecorded(t *testing.T) {
	fx := newRTFixture(t, func(cfg *convo.RealtimeConfig) {
		cfg.ToolExec = func(_ context.Context, name, args string) (string, error) {
			if name == "get_movie_showtimes" {
				return "7pm and 9:30pm", nil
			}
			return "", errors.New("unknown tool")
		}
	})

	done := fx.start(context.Background())
	waitUntil(t, "tool handler registration", func() bool { return fx.sess.Handler() != nil })

	result, err := fx.sess.Handler()("get_movie_showtimes", `{"title":"Dune"}`)
	if err != nil || result != "7pm and 9:30pm" {
		t.Fatalf("tool call = %q, %v", result, err)
	}
	// Failures come back as text so the model can recover in conversation.
	result, err = fx.sess.Handler()("bogus", "{}")
	if err != nil || result != "tool failed: unknown tool" {
		t.Fatalf("failed tool call = %q, %v", result, err)
	}

	fx.sess.TranscriptsCh <- realtime.Transcript{Role: types.RoleAssistant, Text: "All done. OBJECTIVE_COMPLETE"}
	o, runErr := awaitRun(t, done)
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}

	if len(o.Transcript) != 3 {
		t.Fatalf("transcript has %d turns, want 3: %+v", len(o.Transcript), o.Transcript)
	}
	first := o.Transcript[0]
	if first.Role != types.RoleToolResult || first.Tool == nil || first.Tool.Name != "get_movie_showtimes" {
		t.Errorf("first tool turn = %+v", first)
	}
	if first.Tool != nil && first.Tool.Result != "7pm and 9:30pm" {
		t.Errorf("tool result = %q", first.Tool.Result)
	}
}

func TestRealtimeGreetingInjected(t *testing.T) {
	const canned = "Hi, you have reached Alex's assistant."
	fx := newRTFixture(t, func(cfg *convo.RealtimeConfig) {
		cfg.Greeting = canned
	})

	done := fx.start(context.Background())
	fx.sess.TranscriptsCh <- realtime.Transcript{Role: types.RoleAssistant, Text: "Talk soon. OBJECTIVE_COMPLETE"}
	if _, err := awaitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(fx.sess.InjectTextContextCalls) != 1 {
		t.Fatalf("InjectTextContext called %d times, want 1", len(fx.sess.InjectTextContextCalls))
	}
	items := fx.sess.InjectTextContextCalls[0].Items
	if len(items) != 1 || items[0].Role != "system" || !strings.Contains(items[0].Content, canned) {
		t.Errorf("injected items = %+v, want a system item carrying the greeting", items)
	}
	if fx.sess.TriggerResponseCallCount != 1 {
		t.Errorf("TriggerResponse called %d times, want 1", fx.sess.TriggerResponseCallCount)
	}
}

func TestRealtimeResamplesToProviderRates(t *testing.T) {
	fx := newRTFixture(t, nil)
	fx.provider.Caps = realtime.Capabilities{InputRate: 16000, OutputRate: 48000}

	done := fx.start(context.Background())

	fx.audio.push(pcmFrames(1111, 1)...)
	waitUntil(t, "input forwarded", func() bool { return fx.audio.queued() == 0 })

	fx.sess.AudioCh <- audio.SamplesToBytes(tone(3000, 480))
	waitUntil(t, "model audio playback", func() bool { return fx.audio.writeCount() == 1 })
	fx.line.drop()

	if _, err := awaitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := len(fx.sess.SendAudioCalls); n != 1 {
		t.Fatalf("session received %d chunks, want 1", n)
	}
	if got := len(fx.sess.SendAudioCalls[0].Chunk); got != 320 {
		t.Errorf("sent chunk is %d bytes, want 320 after resampling 24k to 16k", got)
	}
	if got := len(fx.audio.writtenAt(0)); got != 240 {
		t.Errorf("played %d samples, want 240 after downsampling 48k to 24k", got)
	}
}

func TestRealtimeMaxDuration(t *testing.T) {
	fx := newRTFixture(t, func(cfg *convo.RealtimeConfig) {
		cfg.MaxDuration = 50 * time.Millisecond
	})

	o, err := fx.engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.State != convo.StateCompleted || !o.TimedOut {
		t.Errorf("outcome = %s timedOut=%v, want completed and timed out", o.State, o.TimedOut)
	}
	if o.Success() {
		t.Error("silent timed-out call graded successful")
	}
}

func TestRealtimeLineDrop(t *testing.T) {
	fx := newRTFixture(t, nil)

	done := fx.start(context.Background())
	fx.line.drop()

	o, err := awaitRun(t, done)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.State != convo.StateListening {
		t.Errorf("state = %s, want listening", o.State)
	}
}

func TestRealtimeConnectFailure(t *testing.T) {
	fx := newRTFixture(t, nil)
	fx.provider.ConnectErr = errors.New("gateway busy")

	o, err := fx.engine.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connect") {
		t.Fatalf("err = %v, want connect failure", err)
	}
	if o == nil || o.State != convo.StateFailed {
		t.Fatalf("outcome = %+v, want failed state", o)
	}
}

func TestRealtimeTriggerFailure(t *testing.T) {
	fx := newRTFixture(t, nil)
	fx.sess.TriggerResponseErr = errors.New("no active session")

	o, err := fx.engine.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "trigger") {
		t.Fatalf("err = %v, want trigger failure", err)
	}
	if o.State != convo.StateFailed {
		t.Errorf("state = %s, want failed", o.State)
	}
}

func TestNewRealtimeEngineValidation(t *testing.T) {
	valid := func() convo.RealtimeConfig {
		return convo.RealtimeConfig{
			Provider: &rtmock.Provider{},
			Audio:    &fakeAudio{},
			Line:     connectedLine(),
		}
	}
	if _, err := convo.NewRealtimeEngine(valid()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*convo.RealtimeConfig)
	}{
		{"provider", func(c *convo.RealtimeConfig) { c.Provider = nil }},
		{"audio", func(c *convo.RealtimeConfig) { c.Audio = nil }},
		{"line", func(c *convo.RealtimeConfig) { c.Line = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if _, err := convo.NewRealtimeEngine(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
