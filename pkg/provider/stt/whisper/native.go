// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/callyx/pkg/provider/stt"
)

// Compile-time assertion that NativeProvider satisfies stt.Transcriber.
var _ stt.Transcriber = (*NativeProvider)(nil)

// NativeProvider implements [stt.Transcriber] using the whisper.cpp Go
// bindings, eliminating HTTP overhead entirely. The model is loaded once at
// construction and shared across calls; each Transcribe gets its own
// whisper context, so concurrent calls do not interfere.
type NativeProvider struct {
	model    whisperlib.Model
	language string

	closeOnce sync.Once
	closeErr  error
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// NewNative loads the whisper.cpp model from modelPath and runs a short
// silent warm-up inference so the first caller does not pay the lazy
// allocation cost mid-conversation. The caller must Close the provider when
// done.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	p.warmup()
	return p, nil
}

// warmup pushes half a second of silence through the model. Failure is not
// fatal; the first real utterance just pays the cost instead.
func (p *NativeProvider) warmup() {
	if _, err := p.infer(make([]float32, stt.ModelRate/2)); err != nil {
		slog.Warn("whisper: warm-up inference failed", "error", err)
	}
}

// Transcribe resamples the utterance to the model rate, converts it to the
// float32 format whisper.cpp expects and runs inference.
func (p *NativeProvider) Transcribe(ctx context.Context, samples []int16, rate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if stt.TooShort(samples, rate) {
		return "", nil
	}
	return p.infer(samplesToFloat32(stt.ToModelRate(samples, rate)))
}

// infer runs whisper.cpp on float32 mono samples using a fresh context and
// returns the concatenated segment text. Contexts are not thread-safe but
// the shared model is, hence one context per call.
func (p *NativeProvider) infer(samples []float32) (string, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", p.language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Close releases the whisper model. Safe to call more than once.
func (p *NativeProvider) Close() error {
	p.closeOnce.Do(func() {
		if p.model != nil {
			p.closeErr = p.model.Close()
		}
	})
	return p.closeErr
}
