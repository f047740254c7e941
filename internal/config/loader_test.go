package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/callyx/internal/config"
)

func TestValidate_DuplicateAgentIDs(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  stt:
    name: whisper-native
  tts:
    name: coqui
agents:
  - id: reception
    engine: cascade
  - id: reception
    engine: cascade
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate agent ids, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_CascadeRequiresPipelineProviders(t *testing.T) {
	t.Parallel()
	yaml := `
agents:
  - id: reception
    engine: cascade
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for cascade engine without providers, got nil")
	}
	if !strings.Contains(err.Error(), "LLM provider") {
		t.Errorf("error should mention LLM provider, got: %v", err)
	}
	if !strings.Contains(err.Error(), "STT provider") {
		t.Errorf("error should mention STT provider, got: %v", err)
	}
	if !strings.Contains(err.Error(), "TTS provider") {
		t.Errorf("error should mention TTS provider, got: %v", err)
	}
}

func TestValidate_RealtimeRequiresRealtimeProvider(t *testing.T) {
	t.Parallel()
	yaml := `
agents:
  - id: reception
    engine: realtime
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for realtime engine without provider, got nil")
	}
	if !strings.Contains(err.Error(), "realtime provider") {
		t.Errorf("error should mention realtime provider, got: %v", err)
	}
}

func TestValidate_CascadeWithProvidersIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  stt:
    name: whisper-native
  tts:
    name: coqui
agents:
  - id: reception
    engine: cascade
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_RealtimeWithProviderIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  realtime:
    name: openai-realtime
agents:
  - id: assistant
    engine: realtime
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
modem:
  volume: 9
agents:
  - id: a1
    engine: cascade
  - id: a1
    engine: realtime
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	// Should report both the duplicate id and the volume range.
	errStr := err.Error()
	if !strings.Contains(errStr, "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
	if !strings.Contains(errStr, "volume") {
		t.Errorf("error should mention volume, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	// Check that "openai" is in the LLM list.
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"openai\"")
	}
}
