// Command callyx is the main entry point for the Callyx phone agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/callyx/internal/app"
	"github.com/MrWong99/callyx/internal/config"
	"github.com/MrWong99/callyx/internal/observe"
	"github.com/MrWong99/callyx/internal/resilience"
	"github.com/MrWong99/callyx/internal/sms"
	"github.com/MrWong99/callyx/pkg/phone"
	"github.com/MrWong99/callyx/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/callyx/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/callyx/pkg/provider/embeddings/openai"
	"github.com/MrWong99/callyx/pkg/provider/llm"
	"github.com/MrWong99/callyx/pkg/provider/llm/anyllm"
	"github.com/MrWong99/callyx/pkg/provider/realtime"
	geminilive "github.com/MrWong99/callyx/pkg/provider/realtime/gemini"
	oarealtime "github.com/MrWong99/callyx/pkg/provider/realtime/openai"
	"github.com/MrWong99/callyx/pkg/provider/stt"
	"github.com/MrWong99/callyx/pkg/provider/stt/deepgram"
	"github.com/MrWong99/callyx/pkg/provider/stt/whisper"
	"github.com/MrWong99/callyx/pkg/provider/tts"
	"github.com/MrWong99/callyx/pkg/provider/tts/coqui"
	"github.com/MrWong99/callyx/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/callyx/pkg/vad"
	"github.com/MrWong99/callyx/pkg/vad/silero"
)

const usage = `usage: callyx [--config file] <command> [args]

commands:
  run                          run the agent (default)
  listen                       run the agent with inbound answering forced on
  call <phone> <objective...>  place one outbound call and exit
  sms-test <from> <body...>    route one text through the SMS router and print the reply
`

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	command := "run"
	args := flag.Args()
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callyx: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callyx: %v\n", err)
		}
		return 1
	}
	if command == "listen" {
		cfg.Incoming.Enabled = true
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("callyx starting",
		"config", *configPath,
		"command", command,
		"modem_port", cfg.Modem.Port,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "callyx"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	switch command {
	case "run", "listen":
		return runDaemon(ctx, application, cfg, *configPath, logLevel)
	case "call":
		return runCall(ctx, application, args)
	case "sms-test":
		return runSMSTest(ctx, application, args)
	default:
		fmt.Fprintf(os.Stderr, "callyx: unknown command %q\n%s", command, usage)
		return 2
	}
}

// runDaemon is the long-running mode: SMS command loop, queued outbound
// calls, inbound answering when enabled.
func runDaemon(ctx context.Context, application *app.App, cfg *config.Settings, configPath string, logLevel *slog.LevelVar) int {
	printStartupSummary(cfg)

	// Log level changes apply live; anything else needs a restart.
	watcher, err := config.NewWatcher(configPath, func(old, new *config.Settings) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(new.Server.LogLevel))
			slog.Info("log level changed", "level", new.Server.LogLevel)
		}
		if d.AgentsChanged || d.OwnerChanged || d.IncomingChanged {
			slog.Warn("config changed on disk — agent, owner, and incoming settings apply on next restart")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("agent ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runCall places one outbound call and exits with the call's outcome.
func runCall(ctx context.Context, application *app.App, args []string) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	agentID := fs.String("agent", "", "configured agent persona to speak as")
	callCtx := contextFlag{}
	fs.Var(callCtx, "context", "extra key=value for prompt placeholders (repeatable)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: callyx call [--agent id] [--context k=v]... <phone> <objective...>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 2 {
		fs.Usage()
		return 2
	}
	number := phone.Normalize(fs.Arg(0))
	if !number.IsValid() {
		fmt.Fprintf(os.Stderr, "callyx: %q is not a dialable number\n", fs.Arg(0))
		return 2
	}
	objective := strings.Join(fs.Args()[1:], " ")

	defer shutdownQuiet(application)

	if err := application.Open(ctx); err != nil {
		slog.Error("modem not ready", "err", err)
		return 1
	}
	res, err := application.Call(ctx, sms.Job{
		Number:    number,
		Objective: objective,
		AgentID:   *agentID,
		Context:   callCtx,
		Requested: time.Now(),
	})
	if err != nil {
		slog.Error("call failed", "err", err)
		return 1
	}

	fmt.Printf("call to %s: %s\n", number.Display(), res.Summary)
	for k, v := range res.Collected {
		fmt.Printf("  %s: %s\n", k, v)
	}
	if !res.Success {
		return 1
	}
	return 0
}

// runSMSTest feeds one text through the SMS router without touching the
// modem, printing whatever reply would have been sent.
func runSMSTest(ctx context.Context, application *app.App, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: callyx sms-test <from> <body...>")
		return 2
	}
	sender := phone.Normalize(args[0])
	body := strings.Join(args[1:], " ")

	defer shutdownQuiet(application)

	reply, err := application.Router().Process(ctx, sender, body)
	if err != nil {
		slog.Error("sms processing failed", "err", err)
		return 1
	}
	if reply == "" {
		fmt.Println("(no reply)")
	} else {
		fmt.Println(reply)
	}
	if n := application.Router().PendingCount(); n > 0 {
		fmt.Printf("(%d call job(s) queued — they are not placed in sms-test mode)\n", n)
	}
	return 0
}

func shutdownQuiet(application *app.App) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown error", "err", err)
	}
}

// contextFlag collects repeated --context key=value pairs.
type contextFlag map[string]string

func (c contextFlag) String() string {
	pairs := make([]string, 0, len(c))
	for k, v := range c {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (c contextFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	c[k] = v
	return nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with Callyx. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram", "whisper", "whisper-native"},
	"tts":        {"elevenlabs", "coqui"},
	"realtime":   {"openai-realtime", "gemini-live"},
	"embeddings": {"openai", "ollama"},
	"vad":        {"energy", "silero"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			return anyLLM(providerName, entry)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, elevenlabs.WithVoice(voice))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, coqui.WithVoice(voice))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Realtime ──────────────────────────────────────────────────────────────

	reg.RegisterRealtime("openai-realtime", func(entry config.ProviderEntry) (realtime.Provider, error) {
		var opts []oarealtime.Option
		if entry.Model != "" {
			opts = append(opts, oarealtime.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oarealtime.WithBaseURL(entry.BaseURL))
		}
		return oarealtime.New(entry.APIKey, opts...), nil
	})

	reg.RegisterRealtime("gemini-live", func(entry config.ProviderEntry) (realtime.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Classifier, error) {
		var opts []vad.EnergyOption
		if th := optFloat(entry.Options, "threshold"); th > 0 {
			opts = append(opts, vad.WithEnergyThreshold(th))
		}
		return vad.NewEnergyClassifier(opts...), nil
	})

	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Classifier, error) {
		var opts []silero.Option
		if path := optString(entry.Options, "model_path"); path != "" {
			opts = append(opts, silero.WithModelPath(path))
		}
		if path := optString(entry.Options, "library_path"); path != "" {
			opts = append(opts, silero.WithLibraryPath(path))
		}
		if th := optFloat(entry.Options, "threshold"); th > 0 {
			opts = append(opts, silero.WithThreshold(float32(th)))
		}
		return silero.New(opts...), nil
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// anyLLM builds an any-llm backed provider from a config entry.
func anyLLM(providerName string, entry config.ProviderEntry) (llm.Provider, error) {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(providerName, entry.Model, opts...)
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
//
// The LLM, STT, and TTS entries accept an optional "fallback" block in their
// options; when present the provider is wrapped in a circuit-breaking
// failover group with the fallback as the second backend.
func buildProviders(cfg *config.Settings, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "llm", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			ps.LLM = p
			if fb, ok := fallbackEntry(cfg.Providers.LLM.Options); ok {
				sec, err := reg.CreateLLM(fb)
				if err != nil {
					return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
				}
				group := resilience.NewLLMFallback(p, name, resilience.FallbackConfig{})
				group.AddFallback(fb.Name, sec)
				ps.LLM = group
				slog.Info("provider fallback configured", "kind", "llm", "primary", name, "fallback", fb.Name)
			}
			slog.Info("provider created", "kind", "llm", "name", name)
		}
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "stt", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		} else {
			ps.STT = p
			if fb, ok := fallbackEntry(cfg.Providers.STT.Options); ok {
				sec, err := reg.CreateSTT(fb)
				if err != nil {
					return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
				}
				group := resilience.NewSTTFallback(p, name, resilience.FallbackConfig{})
				group.AddFallback(fb.Name, sec)
				ps.STT = group
				slog.Info("provider fallback configured", "kind", "stt", "primary", name, "fallback", fb.Name)
			}
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "tts", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.TTS = p
			if fb, ok := fallbackEntry(cfg.Providers.TTS.Options); ok {
				sec, err := reg.CreateTTS(fb)
				if err != nil {
					return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
				}
				group := resilience.NewTTSFallback(p, name, resilience.FallbackConfig{})
				group.AddFallback(fb.Name, sec)
				ps.TTS = group
				slog.Info("provider fallback configured", "kind", "tts", "primary", name, "fallback", fb.Name)
			}
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	if name := cfg.Providers.Realtime.Name; name != "" {
		p, err := reg.CreateRealtime(cfg.Providers.Realtime)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "realtime", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create realtime provider %q: %w", name, err)
		} else {
			ps.Realtime = p
			slog.Info("provider created", "kind", "realtime", "name", name)
		}
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "embeddings", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			ps.Embeddings = p
			slog.Info("provider created", "kind", "embeddings", "name", name)
		}
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "vad", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		} else {
			ps.Classifier = p
			slog.Info("provider created", "kind", "vad", "name", name)
		}
	}

	return ps, nil
}

// fallbackEntry extracts a secondary provider from an options map:
//
//	options:
//	  fallback:
//	    name: ollama
//	    model: llama3.2
//	    base_url: http://localhost:11434
func fallbackEntry(opts map[string]any) (config.ProviderEntry, bool) {
	if opts == nil {
		return config.ProviderEntry{}, false
	}
	raw, ok := opts["fallback"].(map[string]any)
	if !ok {
		return config.ProviderEntry{}, false
	}
	entry := config.ProviderEntry{
		Name:    optString(raw, "name"),
		APIKey:  optString(raw, "api_key"),
		BaseURL: optString(raw, "base_url"),
		Model:   optString(raw, "model"),
	}
	return entry, entry.Name != ""
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Settings) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Callyx — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Realtime", cfg.Providers.Realtime.Name, cfg.Providers.Realtime.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("Modem port", cfg.Modem.Port, "")
	if cfg.Incoming.Enabled {
		fmt.Printf("║  Incoming calls  : %-19s ║\n", "answering")
	} else {
		fmt.Printf("║  Incoming calls  : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Agents          : %-19d ║\n", len(cfg.Agents))
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.Integrations.Servers))
	if cfg.Server.MetricsAddr != "" {
		fmt.Printf("║  Metrics addr    : %-19s ║\n", cfg.Server.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar lets the config
// watcher adjust verbosity at runtime.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a numeric value from a provider Options map[string]any.
// YAML decodes bare numbers as int or float64 depending on the literal.
func optFloat(opts map[string]any, key string) float64 {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
