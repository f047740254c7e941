package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/MrWong99/callyx/internal/mcp"
	"github.com/MrWong99/callyx/pkg/phone"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram", "whisper", "whisper-native"},
	"tts":        {"elevenlabs", "coqui"},
	"realtime":   {"openai-realtime", "gemini-live"},
	"embeddings": {"openai", "ollama"},
	"vad":        {"energy", "silero"},
}

// maxModemVolume is the upper bound of the AT+CLVL loudness scale.
const maxModemVolume = 5

// Load reads the YAML configuration file at path and returns validated
// [Settings]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML settings from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Settings, error) {
	cfg := &Settings{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Settings) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("realtime", cfg.Providers.Realtime.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// Modem
	if cfg.Modem.Volume < 0 || cfg.Modem.Volume > maxModemVolume {
		errs = append(errs, fmt.Errorf("modem.volume %d is out of range [0, %d]", cfg.Modem.Volume, maxModemVolume))
	}
	if cfg.Modem.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("modem.poll_interval must not be negative"))
	}

	// Owner numbers must canonicalise if present.
	if cfg.Owner.Phone != "" && !phone.Normalize(cfg.Owner.Phone).IsValid() {
		errs = append(errs, fmt.Errorf("owner.phone %q is not a dialable number", cfg.Owner.Phone))
	}
	if cfg.Owner.CallbackNumber != "" && !phone.Normalize(cfg.Owner.CallbackNumber).IsValid() {
		errs = append(errs, fmt.Errorf("owner.callback_number %q is not a dialable number", cfg.Owner.CallbackNumber))
	}

	// Agent duplicate id detection plus engine ↔ provider cross-validation.
	agentIDsSeen := make(map[string]int, len(cfg.Agents))
	for i, ag := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if ag.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := agentIDsSeen[ag.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of agents[%d]", prefix, ag.ID, prev))
			}
			agentIDsSeen[ag.ID] = i
		}
		if ag.Type != "" && !ag.Type.IsValid() {
			errs = append(errs, fmt.Errorf("%s.type %q is invalid; valid values: personal_assistant, receptionist, sales_rep, researcher", prefix, ag.Type))
		}
		if ag.ModelTier != "" && !ag.ModelTier.IsValid() {
			errs = append(errs, fmt.Errorf("%s.model_tier %q is invalid; valid values: fast, standard, deep", prefix, ag.ModelTier))
		}
		if ag.Engine != "" && !ag.Engine.IsValid() {
			errs = append(errs, fmt.Errorf("%s.engine %q is invalid; valid values: cascade, realtime", prefix, ag.Engine))
		}

		switch ag.Engine {
		case EngineCascade:
			if cfg.Providers.LLM.Name == "" {
				errs = append(errs, fmt.Errorf("%s: engine %q requires an LLM provider but providers.llm is not configured", prefix, ag.Engine))
			}
			if cfg.Providers.STT.Name == "" {
				errs = append(errs, fmt.Errorf("%s: engine %q requires an STT provider but providers.stt is not configured", prefix, ag.Engine))
			}
			if cfg.Providers.TTS.Name == "" {
				errs = append(errs, fmt.Errorf("%s: engine %q requires a TTS provider but providers.tts is not configured", prefix, ag.Engine))
			}
		case EngineRealtime:
			if cfg.Providers.Realtime.Name == "" {
				errs = append(errs, fmt.Errorf("%s: engine %q requires a realtime provider but providers.realtime is not configured", prefix, ag.Engine))
			}
		}
	}

	// Incoming
	if cfg.Incoming.AgentID != "" {
		if _, ok := agentIDsSeen[cfg.Incoming.AgentID]; !ok {
			errs = append(errs, fmt.Errorf("incoming.agent_id %q does not match any agents[].id", cfg.Incoming.AgentID))
		}
	}
	if cfg.Incoming.Enabled && cfg.Incoming.SMSSummary && cfg.Owner.Phone == "" {
		slog.Warn("incoming.sms_summary is enabled but owner.phone is empty; summaries will not be sent")
	}

	// Provider availability warnings
	if cfg.Providers.LLM.Name == "" && cfg.Providers.Realtime.Name == "" {
		slog.Warn("no LLM or realtime provider configured; calls and SMS replies will not be able to generate responses")
	}

	// Knowledge ↔ embeddings
	if cfg.Knowledge.PostgresDSN != "" && cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, fmt.Errorf("knowledge.postgres_dsn is set but providers.embeddings is not configured"))
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Knowledge.PostgresDSN != "" && cfg.Knowledge.EmbeddingDimensions <= 0 {
		slog.Warn("knowledge.embedding_dimensions is not set; defaulting to 1536")
	}

	// Calls
	if cfg.Calls.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("calls.max_duration must not be negative"))
	}

	// MCP integration servers
	for i, srv := range cfg.Integrations.Servers {
		prefix := fmt.Sprintf("integrations.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// AgentByID returns the agent record with the given id, or false.
func (s *Settings) AgentByID(id string) (AgentSpec, bool) {
	for _, ag := range s.Agents {
		if ag.ID == id {
			return ag, true
		}
	}
	return AgentSpec{}, false
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
