// Package app wires all Callyx subsystems into a running agent process.
//
// [New] builds the dependency graph from a loaded [config.Settings]: the CRM
// store, the knowledge retriever, the MCP tool host, the modem line, the
// audio router, and the SMS router. [App.Run] then drives the single phone
// line: inbound texts are dispatched to the SMS router, queued call jobs are
// placed when the line is free, and — when enabled — the line is answered
// between jobs. [App.Shutdown] tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithLine, WithStore,
// WithMCPHost, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callyx/internal/call"
	"github.com/MrWong99/callyx/internal/config"
	"github.com/MrWong99/callyx/internal/crm"
	crmpg "github.com/MrWong99/callyx/internal/crm/postgres"
	"github.com/MrWong99/callyx/internal/knowledge"
	"github.com/MrWong99/callyx/internal/mcp"
	"github.com/MrWong99/callyx/internal/mcp/mcphost"
	"github.com/MrWong99/callyx/internal/mcp/tier"
	"github.com/MrWong99/callyx/internal/mcp/tools"
	"github.com/MrWong99/callyx/internal/mcp/tools/crmtool"
	"github.com/MrWong99/callyx/internal/mcp/tools/knowledgetool"
	"github.com/MrWong99/callyx/internal/modem"
	"github.com/MrWong99/callyx/internal/observe"
	"github.com/MrWong99/callyx/internal/sms"
	"github.com/MrWong99/callyx/pkg/audio"
	"github.com/MrWong99/callyx/pkg/phone"
	"github.com/MrWong99/callyx/pkg/provider/embeddings"
	"github.com/MrWong99/callyx/pkg/provider/llm"
	"github.com/MrWong99/callyx/pkg/provider/realtime"
	"github.com/MrWong99/callyx/pkg/provider/stt"
	"github.com/MrWong99/callyx/pkg/provider/tts"
	"github.com/MrWong99/callyx/pkg/types"
	"github.com/MrWong99/callyx/pkg/vad"
)

// queuePoll is how often an idle inbound wait checks for queued call jobs.
// A queued job aborts the wait, so this is also the worst-case delay before
// a queued call is placed.
const queuePoll = time.Second

// idlePoll is the queue check cadence when the inbound listener is disabled.
const idlePoll = 2 * time.Second

// toolTimeout caps one tool execution during a live call.
const toolTimeout = 30 * time.Second

// smsBuffer bounds the inbound text queue between the modem callback and the
// dispatch goroutine. Overflow is dropped and counted, never blocks the
// modem monitor.
const smsBuffer = 32

// Providers holds one interface value per provider slot. Nil means the slot
// is not configured. Populated by main via the config registry.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Transcriber
	TTS        tts.Synthesizer
	Realtime   realtime.Provider
	Embeddings embeddings.Provider
	Classifier vad.Classifier
}

// Line is the modem surface the app drives: everything the call agent needs
// plus SMS delivery callbacks and teardown.
type Line interface {
	call.Line
	OnSMS(cb func(sender phone.Number, body string))
	Close() error
}

var _ Line = (*modem.Modem)(nil)

// builtinRegistrar is the optional host surface for in-process tools. The
// injected mock host in tests does not implement it; builtins are skipped.
type builtinRegistrar interface {
	RegisterBuiltin(tool mcphost.BuiltinTool) error
}

type inboundText struct {
	sender phone.Number
	body   string
}

// App owns all subsystem lifetimes and drives the phone line.
type App struct {
	cfg       *config.Settings
	providers *Providers

	store     crm.Store
	retriever knowledge.Retriever
	host      mcp.Host
	line      Line
	audio     call.Audio
	router    *sms.Router
	selector  *tier.Selector

	metrics    *observe.Metrics
	metricsSrv *observe.Server

	smsCh chan inboundText
	log   *slog.Logger

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a CRM store instead of creating one from config.
func WithStore(s crm.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRetriever injects a knowledge retriever instead of creating one from
// config.
func WithRetriever(r knowledge.Retriever) Option {
	return func(a *App) { a.retriever = r }
}

// WithMCPHost injects an MCP host instead of creating one from config.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.host = h }
}

// WithLine injects a modem line instead of opening serial hardware.
func WithLine(l Line) Option {
	return func(a *App) { a.line = l }
}

// WithAudio injects an audio router instead of creating a portaudio-backed
// one.
func WithAudio(au call.Audio) Option {
	return func(a *App) { a.audio = au }
}

// WithMetrics injects a metrics set. Defaults to the no-op set.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: store connection, knowledge
// index build, MCP server registration plus calibration, and SMS router
// assembly. The modem is not opened until Run.
func New(ctx context.Context, cfg *config.Settings, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		smsCh:     make(chan inboundText, smsBuffer),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.selector = tier.NewSelector()

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initKnowledge(ctx); err != nil {
		return nil, fmt.Errorf("app: init knowledge: %w", err)
	}
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}
	a.initLine()
	a.initAudio()
	if err := a.initSMS(); err != nil {
		return nil, fmt.Errorf("app: init sms: %w", err)
	}
	a.initMetricsServer()
	return a, nil
}

// initStore selects the CRM backend: Postgres when a DSN is configured, the
// journaled in-memory store when a persist path is set, plain memory
// otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch {
	case a.cfg.CRM.PostgresDSN != "":
		st, err := crmpg.NewStore(ctx, a.cfg.CRM.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("crm store ready", "backend", "postgres")
	case a.cfg.CRM.PersistPath != "":
		st, err := crm.OpenMemStore(a.cfg.CRM.PersistPath)
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("crm store ready", "backend", "memory", "persist", a.cfg.CRM.PersistPath)
	default:
		a.store = crm.NewMemStore()
		a.log.Info("crm store ready", "backend", "memory")
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

// initKnowledge builds the retriever: the pgvector semantic index when a DSN
// and an embeddings provider are configured, the keyword retriever when only
// a directory is set, a no-op otherwise.
func (a *App) initKnowledge(ctx context.Context) error {
	if a.retriever != nil {
		return nil
	}
	k := a.cfg.Knowledge
	switch {
	case k.PostgresDSN != "":
		if a.providers.Embeddings == nil {
			return errors.New("knowledge.postgres_dsn requires an embeddings provider")
		}
		idx, err := knowledge.NewSemanticIndex(ctx, k.PostgresDSN, a.providers.Embeddings)
		if err != nil {
			return err
		}
		if k.Dir != "" {
			if err := idx.IndexDir(ctx, k.Dir); err != nil {
				a.log.Warn("knowledge indexing failed, retrieval may be stale", "dir", k.Dir, "err", err)
			}
		}
		a.retriever = idx
		a.closers = append(a.closers, idx.Close)
		a.log.Info("knowledge retriever ready", "backend", "semantic")
	case k.Dir != "":
		kw, err := knowledge.NewKeyword(k.Dir)
		if err != nil {
			return err
		}
		a.retriever = kw
		a.log.Info("knowledge retriever ready", "backend", "keyword", "dir", k.Dir)
	default:
		a.retriever = knowledge.None{}
	}
	return nil
}

// initMCP sets up the tool host: external servers from config, then the
// built-in CRM and knowledge tools, then a calibration pass.
func (a *App) initMCP(ctx context.Context) error {
	if a.host == nil {
		host := mcphost.New()
		a.host = host
		a.closers = append(a.closers, host.Close)
	}

	for _, srv := range a.cfg.Integrations.Servers {
		if err := a.host.RegisterServer(ctx, serverConfig(srv)); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		a.log.Info("registered MCP server", "name", srv.Name, "transport", string(srv.Transport))
	}

	if reg, ok := a.host.(builtinRegistrar); ok {
		builtins := crmtool.NewTools(a.store)
		builtins = append(builtins, knowledgetool.NewTools(a.retriever)...)
		for _, t := range builtins {
			if err := registerBuiltin(reg, t); err != nil {
				return fmt.Errorf("register builtin tool %q: %w", t.Definition.Name, err)
			}
		}
	}

	if err := a.host.Calibrate(ctx); err != nil {
		a.log.Warn("MCP calibration failed, using declared latencies", "err", err)
	}
	return nil
}

func registerBuiltin(reg builtinRegistrar, t tools.Tool) error {
	return reg.RegisterBuiltin(mcphost.BuiltinTool{
		Definition:  t.Definition,
		Handler:     t.Handler,
		DeclaredP50: t.DeclaredP50,
		DeclaredMax: t.DeclaredMax,
	})
}

// serverConfig maps one config server block to the host's connection config.
func serverConfig(srv config.MCPServerConfig) mcp.ServerConfig {
	out := mcp.ServerConfig{
		Name:      srv.Name,
		Transport: srv.Transport,
		Command:   srv.Command,
		URL:       srv.URL,
		Env:       srv.Env,
	}
	if srv.Auth != nil {
		auth := &mcp.AuthConfig{Token: srv.Auth.Token}
		if srv.Auth.OAuth != nil {
			auth.OAuth = &mcp.OAuthConfig{
				ClientID:     srv.Auth.OAuth.ClientID,
				ClientSecret: srv.Auth.OAuth.ClientSecret,
				TokenURL:     srv.Auth.OAuth.TokenURL,
				Scopes:       srv.Auth.OAuth.Scopes,
			}
		}
		out.Auth = auth
	}
	return out
}

// initLine creates the modem controller. No I/O happens until Run.
func (a *App) initLine() {
	if a.line != nil {
		return
	}
	m := modem.New(modem.Config{
		Port:         a.cfg.Modem.Port,
		Volume:       a.cfg.Modem.Volume,
		PollInterval: a.cfg.Modem.PollInterval,
		Logger:       a.log.With("component", "modem"),
		ATObserver: func(cmd string, elapsed time.Duration, err error) {
			a.metrics.ATCommandDuration.Record(context.Background(), elapsed.Seconds())
		},
		OnReconnect: func(attempts int) {
			a.metrics.ModemReconnects.Add(context.Background(), 1)
		},
	})
	a.line = m
	a.closers = append(a.closers, m.Close)
}

// initAudio creates the portaudio router. Devices are opened per call.
func (a *App) initAudio() {
	if a.audio != nil {
		return
	}
	r := audio.NewRouter(audio.WithRouterLogger(a.log.With("component", "audio")))
	a.audio = r
	a.closers = append(a.closers, func() error {
		if err := r.Stop(); err != nil && !errors.Is(err, audio.ErrNotStarted) {
			return err
		}
		return nil
	})
}

// initSMS assembles the SMS router with the configured personas.
func (a *App) initSMS() error {
	owner := sms.Owner{
		Name:     a.cfg.Owner.MyName,
		Phone:    phone.Normalize(a.cfg.Owner.Phone),
		Callback: phone.Normalize(a.ownerCallback()),
		Company:  a.cfg.Owner.Company,
		City:     a.cfg.Owner.City,
	}
	cfg := sms.Config{
		LLM:      a.providers.LLM,
		Store:    a.store,
		External: a.host,
		Send:     a.line.SendSMS,
		Owner:    owner,
		Logger:   a.log.With("component", "sms"),
	}
	if spec, ok := a.agentByType(config.AgentPersonalAssistant); ok {
		cfg.Assistant = personaFromSpec(spec)
	}
	if spec, ok := a.agentByType(config.AgentReceptionist); ok {
		cfg.Receptionist = personaFromSpec(spec)
	}
	r, err := sms.NewRouter(cfg)
	if err != nil {
		return err
	}
	a.router = r
	return nil
}

// initMetricsServer builds the /metrics and /healthz listener when an address
// is configured. Empty metrics_addr disables the endpoint.
func (a *App) initMetricsServer() {
	addr := a.cfg.Server.MetricsAddr
	if addr == "" {
		return
	}
	a.metricsSrv = observe.NewServer(addr, a.metrics,
		observe.Checker{Name: "modem", Check: func(ctx context.Context) error {
			if !a.line.Ready() {
				return errors.New("modem not ready")
			}
			return nil
		}},
		observe.Checker{Name: "crm", Check: func(ctx context.Context) error {
			_, err := a.store.SearchLeads(ctx, "")
			return err
		}},
	)
}

// ownerCallback is the number the agent hands out and texts summaries to.
func (a *App) ownerCallback() string {
	if a.cfg.Owner.CallbackNumber != "" {
		return a.cfg.Owner.CallbackNumber
	}
	return a.cfg.Owner.Phone
}

func (a *App) agentByType(t config.AgentType) (config.AgentSpec, bool) {
	for _, spec := range a.cfg.Agents {
		if spec.Type == t {
			return spec, true
		}
	}
	return config.AgentSpec{}, false
}

func personaFromSpec(spec config.AgentSpec) sms.Persona {
	return sms.Persona{
		ID:     spec.ID,
		Prompt: spec.PersonaPrompt,
		Tier:   spec.ModelTier.Budget(),
		Tools:  spec.ToolsAllowed,
	}
}

// Router exposes the SMS router, mainly for the CLI's sms-test subcommand.
func (a *App) Router() *sms.Router { return a.router }

// Open readies the modem line without starting the run loop. One-shot
// callers use it before Call; Run opens the line itself.
func (a *App) Open(ctx context.Context) error {
	if a.line.Ready() {
		return nil
	}
	if err := a.line.Open(ctx); err != nil {
		return fmt.Errorf("app: open modem: %w", err)
	}
	return nil
}

// Run opens the modem and drives the line until ctx is cancelled: inbound
// texts are dispatched as they arrive, queued call jobs are placed when the
// line is free, and the line is answered between jobs when the inbound
// listener is enabled. Run returns the ctx error on cancellation.
func (a *App) Run(ctx context.Context) error {
	if err := a.Open(ctx); err != nil {
		return err
	}
	a.line.OnSMS(a.enqueueSMS)

	if a.metricsSrv != nil {
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil {
				a.log.Error("metrics listener failed", "addr", a.cfg.Server.MetricsAddr, "err", err)
			}
		}()
		a.log.Info("metrics listening", "addr", a.cfg.Server.MetricsAddr)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.dispatchSMS(ctx)
	}()

	a.log.Info("app running",
		"incoming", a.cfg.Incoming.Enabled,
		"agents", len(a.cfg.Agents),
		"mcp_servers", len(a.cfg.Integrations.Servers))

	for ctx.Err() == nil {
		if job, ok := a.router.PendingCall(); ok {
			a.placeCall(ctx, job)
			continue
		}
		if a.cfg.Incoming.Enabled {
			a.answerOnce(ctx)
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(idlePoll):
		}
	}

	wg.Wait()
	return ctx.Err()
}

// enqueueSMS is the modem callback. It never blocks the monitor goroutine;
// overflow is dropped and counted.
func (a *App) enqueueSMS(sender phone.Number, body string) {
	select {
	case a.smsCh <- inboundText{sender: sender, body: body}:
	default:
		a.metrics.QueueDrops.Add(context.Background(), 1)
		a.log.Warn("inbound text dropped, queue full", "sender", sender.Display())
	}
}

// dispatchSMS consumes inbound texts one at a time: route through the SMS
// router, send the reply when there is one.
func (a *App) dispatchSMS(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.smsCh:
			a.metrics.RecordSMS(ctx, "in")
			reply, err := a.router.Process(ctx, msg.sender, msg.body)
			if err != nil {
				a.log.Warn("sms processing failed", "sender", msg.sender.Display(), "err", err)
				continue
			}
			if reply == "" {
				continue
			}
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			if err := a.line.SendSMS(sendCtx, msg.sender, reply); err != nil {
				a.log.Warn("reply not sent", "to", msg.sender.Display(), "err", err)
			} else {
				a.metrics.RecordSMS(ctx, "out")
			}
			cancel()
		}
	}
}

// answerOnce blocks until the line rings and answers it. A queued call job
// aborts the wait — but only while the line is still idle, never once a call
// is ringing or live.
func (a *App) answerOnce(ctx context.Context) {
	agent, err := a.newAgent(a.inboundEngine(), types.BudgetStandard)
	if err != nil {
		a.log.Error("inbound agent setup failed", "err", err)
		a.sleep(ctx, idlePoll)
		return
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var counted bool
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		ticker := time.NewTicker(queuePoll)
		defer ticker.Stop()
		for {
			select {
			case <-waitCtx.Done():
				return
			case <-ticker.C:
				state := a.line.Info().State
				if !counted && state != modem.CallIdle && !state.Terminal() {
					counted = true
					a.metrics.ActiveCalls.Add(ctx, 1)
				}
				if state == modem.CallIdle && a.router.HasPendingCalls() {
					cancel()
					return
				}
			}
		}
	}()

	res, err := agent.Inbound(waitCtx)
	cancel()
	<-watcherDone
	if counted {
		a.metrics.ActiveCalls.Add(ctx, -1)
	}
	if err != nil {
		if waitCtx.Err() != nil {
			return
		}
		a.log.Warn("inbound call failed", "err", err)
		a.sleep(ctx, idlePoll)
		return
	}
	a.metrics.CallDuration.Record(ctx, res.Duration.Seconds())
	a.metrics.RecordCallOutcome(ctx, outcomeLabel(res))
	a.selector.RecordTurn()
}

// placeCall runs one queued outbound job and texts the owner the result.
func (a *App) placeCall(ctx context.Context, job sms.Job) {
	res, err := a.Call(ctx, job)
	if err != nil {
		return
	}
	a.reportCallResult(ctx, job, res)
}

// Call places one outbound call right now: pick the tool tier, retrieve
// background knowledge, build the per-call agent, and dial. It backs both
// the run loop's queue and the CLI's call subcommand. The modem must be
// open ([App.Open] or [App.Run]).
func (a *App) Call(ctx context.Context, job sms.Job) (*call.Result, error) {
	spec, haveSpec := a.cfg.AgentByID(job.AgentID)

	engine := a.defaultEngine()
	var override types.BudgetTier
	objective := job.Objective
	if haveSpec {
		if spec.Engine != "" {
			engine = call.EngineKind(spec.Engine)
		}
		override = spec.ModelTier.Budget()
		if spec.PersonaPrompt != "" {
			objective = a.expandOwner(spec.PersonaPrompt) + "\n\nYour objective: " + job.Objective
		}
	}

	a.selector.SetBacklog(a.router.PendingCount())
	toolTier := a.selector.Select(job.Objective, override)

	background, err := a.retriever.Retrieve(ctx, job.Objective)
	if err != nil {
		a.log.Warn("knowledge retrieval failed", "err", err)
		background = ""
	}

	agent, err := a.newAgent(engine, toolTier)
	if err != nil {
		a.log.Error("outbound agent setup failed", "number", job.Number.Display(), "err", err)
		return nil, err
	}

	callCtx := make(map[string]string, len(job.Context)+1)
	maps.Copy(callCtx, job.Context)
	if job.ContactName != "" {
		callCtx["contact"] = job.ContactName
	}

	a.metrics.ActiveCalls.Add(ctx, 1)
	res, err := agent.Outbound(ctx, call.Job{
		Number:    job.Number,
		Objective: objective,
		Context:   callCtx,
		Knowledge: background,
		Engine:    engine,
	})
	a.metrics.ActiveCalls.Add(ctx, -1)
	if err != nil {
		a.log.Error("outbound call failed", "number", job.Number.Display(), "err", err)
		a.metrics.RecordCallOutcome(ctx, "error")
		return nil, err
	}
	a.metrics.CallDuration.Record(ctx, res.Duration.Seconds())
	a.metrics.RecordCallOutcome(ctx, outcomeLabel(res))
	a.selector.RecordTurn()

	if err := a.store.LogInteraction(ctx, job.Number, "call: "+res.Summary); err != nil {
		a.log.Warn("call not logged to crm", "err", err)
	}
	return res, nil
}

// reportCallResult texts the owner how an SMS-requested call went. The send
// gets its own deadline so a cancelled run context cannot skip it.
func (a *App) reportCallResult(ctx context.Context, job sms.Job, res *call.Result) {
	callback := phone.Normalize(a.ownerCallback())
	if !callback.IsValid() {
		return
	}
	who := job.ContactName
	if who == "" {
		who = job.Number.Display()
	}
	body := fmt.Sprintf("Call to %s: %s", who, res.Summary)

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := a.line.SendSMS(sendCtx, callback, body); err != nil {
		a.log.Warn("call report not sent", "err", err)
		return
	}
	a.metrics.RecordSMS(ctx, "out")
}

// newAgent builds a per-call agent with the tool set the tier admits. The
// agent itself is cheap wiring; the line and audio router are shared.
func (a *App) newAgent(engine call.EngineKind, toolTier types.BudgetTier) (*call.Agent, error) {
	return call.New(call.Config{
		Line:         a.line,
		Audio:        a.audio,
		LLM:          a.providers.LLM,
		STT:          a.providers.STT,
		TTS:          a.providers.TTS,
		Realtime:     a.providers.Realtime,
		Engine:       engine,
		InputDevice:  a.cfg.Modem.InputDevice,
		OutputDevice: a.cfg.Modem.OutputDevice,
		Classifier:   a.providers.Classifier,
		Tools:        a.host.AvailableTools(toolTier),
		ToolExec:     a.execTool,
		LogDir:       a.cfg.Calls.LogDir,
		RecordingDir: a.cfg.Calls.RecordingDir,
		Inbound: call.InboundConfig{
			Persona:    a.inboundPersona(),
			Greeting:   a.cfg.Incoming.Greeting,
			SMSSummary: a.cfg.Incoming.SMSSummary,
			Callback:   phone.Normalize(a.ownerCallback()),
			Vars:       a.ownerVars(),
		},
		Leads:       crm.LeadSource{Store: a.store, Log: a.log},
		MaxDuration: a.cfg.Calls.MaxDuration,
		AnswerHint:  a.cfg.Calls.AnswerHint,
		Logger:      a.log,
	})
}

// execTool routes a model tool call through the MCP host. Application-level
// tool errors come back as text so the model can react to them.
func (a *App) execTool(ctx context.Context, name, args string) (string, error) {
	// The realtime session's tool handler carries no deadline of its own.
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	start := time.Now()
	result, err := a.host.ExecuteTool(ctx, name, args)
	a.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		a.metrics.RecordToolCall(ctx, name, "error")
		return "", err
	}
	if result.IsError {
		a.metrics.RecordToolCall(ctx, name, "error")
		return "tool failed: " + result.Content, nil
	}
	a.metrics.RecordToolCall(ctx, name, "ok")
	return result.Content, nil
}

// defaultEngine picks the pipeline the configured providers can back.
func (a *App) defaultEngine() call.EngineKind {
	if a.providers.STT == nil || a.providers.TTS == nil {
		if a.providers.Realtime != nil {
			return call.EngineRealtime
		}
	}
	return call.EngineCascade
}

// inboundEngine resolves the pipeline for answered calls: the incoming
// agent's engine when one is configured, the default otherwise.
func (a *App) inboundEngine() call.EngineKind {
	if spec, ok := a.cfg.AgentByID(a.cfg.Incoming.AgentID); ok && spec.Engine != "" {
		return call.EngineKind(spec.Engine)
	}
	return a.defaultEngine()
}

// inboundPersona resolves the persona text for answered calls: the incoming
// agent's prompt wins over the literal incoming.persona setting.
func (a *App) inboundPersona() string {
	if spec, ok := a.cfg.AgentByID(a.cfg.Incoming.AgentID); ok && spec.PersonaPrompt != "" {
		return spec.PersonaPrompt
	}
	return a.cfg.Incoming.Persona
}

// ownerVars is the owner-level placeholder map fed into persona and greeting
// templates.
func (a *App) ownerVars() map[string]string {
	return map[string]string{
		"MY_NAME":         a.cfg.Owner.MyName,
		"COMPANY":         a.cfg.Owner.Company,
		"CITY":            a.cfg.Owner.City,
		"CALLBACK_NUMBER": a.ownerCallback(),
	}
}

// expandOwner substitutes {MY_NAME}-style placeholders in persona text.
func (a *App) expandOwner(s string) string {
	for key, val := range a.ownerVars() {
		s = strings.ReplaceAll(s, "{"+key+"}", val)
	}
	return s
}

func (a *App) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// outcomeLabel maps a call result to the metrics outcome attribute.
func outcomeLabel(res *call.Result) string {
	switch {
	case res.TransferredTo.IsValid():
		return "transferred"
	case res.Success:
		return "completed"
	case strings.HasPrefix(res.Summary, "no answer"):
		return "no_answer"
	default:
		return "failed"
	}
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: when ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if a.metricsSrv != nil {
			if err := a.metricsSrv.Shutdown(ctx); err != nil {
				a.log.Warn("metrics server shutdown error", "err", err)
			}
		}
		if err := a.line.Hangup(); err != nil {
			a.log.Warn("hangup on shutdown failed", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
