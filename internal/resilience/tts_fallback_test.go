package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/callyx/pkg/audio"
	"github.com/MrWong99/callyx/pkg/provider/tts"
	ttsmock "github.com/MrWong99/callyx/pkg/provider/tts/mock"
)

func TestTTSFallback_Synthesize_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Synthesizer{
		Frames: []audio.Frame{{Samples: []int16{1, 2, 3}, Rate: 24000}},
	}
	secondary := &ttsmock.Synthesizer{
		Frames: []audio.Frame{{Samples: []int16{9}, Rate: 24000}},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	frame, err := fb.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frame.Samples) != 3 || frame.Rate != 24000 {
		t.Fatalf("frame = %d samples at %d Hz, want 3 at 24000", len(frame.Samples), frame.Rate)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	primary := &ttsmock.Synthesizer{Err: errors.New("primary down")}
	secondary := &ttsmock.Synthesizer{
		Frames: []audio.Frame{{Samples: []int16{7, 8}, Rate: 22050}},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	frame, err := fb.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frame.Samples) != 2 || frame.Rate != 22050 {
		t.Fatalf("frame = %d samples at %d Hz, want 2 at 22050", len(frame.Samples), frame.Rate)
	}
	if secondary.Texts()[0] != "hello" {
		t.Fatalf("secondary received %q, want %q", secondary.Texts()[0], "hello")
	}
}

func TestTTSFallback_Synthesize_AllFail(t *testing.T) {
	primary := &ttsmock.Synthesizer{Err: errors.New("primary down")}
	secondary := &ttsmock.Synthesizer{Err: errors.New("secondary down")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Synthesize(context.Background(), "hello")
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_ListVoices_Failover(t *testing.T) {
	primary := &ttsmock.Synthesizer{
		ListVoicesErr: errors.New("primary down"),
	}
	secondary := &ttsmock.Synthesizer{
		ListVoicesResult: []tts.VoiceProfile{
			{ID: "v1", Name: "Alice"},
			{ID: "v2", Name: "Bob"},
		},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].Name != "Alice" {
		t.Fatalf("voices[0].Name = %q, want Alice", voices[0].Name)
	}
}

func TestTTSFallback_Close_ClosesAllBackends(t *testing.T) {
	primary := &ttsmock.Synthesizer{}
	secondary := &ttsmock.Synthesizer{}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	if err := fb.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !primary.Closed() || !secondary.Closed() {
		t.Fatal("Close must close every backend")
	}
}
