package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/szaher/aida/internal/assembler"
	"github.com/szaher/aida/internal/config"
	"github.com/szaher/aida/internal/events"
	"github.com/szaher/aida/internal/expr"
	"github.com/szaher/aida/internal/llm"
	"github.com/szaher/aida/internal/memory"
	"github.com/szaher/aida/internal/mode"
	"github.com/szaher/aida/internal/orchestrator"
	"github.com/szaher/aida/internal/session"
	"github.com/szaher/aida/internal/speech"
	"github.com/szaher/aida/internal/telemetry"
	"github.com/szaher/aida/internal/tools"
)

// idleWarning is shown when a session nears its idle timeout.
const idleWarning = "Are you still there? I'll end this conversation soon if I don't hear from you."

// app holds the components shared by every command.
type app struct {
	cfg     *config.Config
	viper   *viper.Viper
	logger  *slog.Logger
	level   *slog.LevelVar
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	emitter events.Emitter
	gateway *memory.Gateway

	salience *expr.Policy
	tools    *tools.Registry
	orch     *orchestrator.Orchestrator
	sessions *session.Registry

	closers []func(context.Context) error
}

// conversationOptions configures how sessions deliver answers.
type conversationOptions struct {
	printer mode.Printer
	speaker mode.Speaker
	onWarn  func(*session.Session)
	onEvict func(*session.Session)
}

// newApp loads configuration and opens the memory backend. Logs go to
// logOut.
func newApp(ctx context.Context, logOut io.Writer) (*app, error) {
	cfg, v, err := config.Load(config.Options{File: configFile})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, viper: v, level: new(slog.LevelVar)}
	a.setLevel(cfg.Log.Level)
	a.logger = telemetry.NewLogger(logOut, a.level, cfg.Secrets()...)
	a.metrics = telemetry.NewMetrics()
	a.tracer = telemetry.NewTracer(telemetry.LogExporter(a.logger))

	emitters := events.Multi{events.LogEmitter{Logger: a.logger}}
	if eventsFile != "" {
		f, err := os.OpenFile(eventsFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening events file: %w", err)
		}
		jsonl := events.NewJSONLEmitter(f)
		emitters = append(emitters, jsonl)
		a.closers = append(a.closers, func(context.Context) error {
			return errors.Join(jsonl.Err(), f.Close())
		})
	}
	a.emitter = emitters

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	a.gateway = memory.NewGateway(store,
		memory.WithLogger(a.logger),
		memory.WithMetrics(a.metrics),
		memory.WithQueryTimeout(cfg.Memory.QueryTimeout),
		memory.WithWriteQueue(cfg.Memory.WriteQueue, cfg.Memory.Workers),
		memory.WithCache(cfg.Memory.CacheSize, cfg.Memory.CacheTTL),
		memory.WithBackendName(cfg.Memory.Backend),
	)
	// Closers run in reverse, so queued writes drain before the store closes.
	a.closers = append(a.closers, func(context.Context) error {
		closeStore()
		return nil
	}, a.gateway.Close)

	return a, nil
}

// setLevel applies a configured level; --verbose always wins.
func (a *app) setLevel(name string) {
	if verbose {
		a.level.Set(slog.LevelDebug)
		return
	}
	lvl, err := telemetry.ParseLevel(name)
	if err != nil {
		lvl = slog.LevelInfo
	}
	a.level.Set(lvl)
}

// openStore selects the vector store backend.
func openStore(ctx context.Context, cfg *config.Config) (memory.Store, func(), error) {
	noop := func() {}
	embedder := func() memory.Embedder {
		return memory.NewOpenAIEmbedder(cfg.LLM.OpenAIAPIKey, cfg.LLM.OpenAIBaseURL, cfg.Embedding.Model)
	}
	switch cfg.Memory.Backend {
	case "qdrant":
		q := memory.NewQdrantStore(cfg.Qdrant.URL, cfg.Qdrant.Collection, embedder(),
			memory.WithQdrantAPIKey(cfg.Qdrant.APIKey),
			memory.WithQdrantDimensions(cfg.Embedding.Dimensions),
		)
		if err := q.EnsureCollection(ctx); err != nil {
			return nil, nil, fmt.Errorf("opening qdrant memory: %w", err)
		}
		return q, noop, nil
	case "postgres":
		p, err := memory.NewPostgresStore(ctx, cfg.Postgres.DSN, embedder(), cfg.Embedding.Dimensions)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres memory: %w", err)
		}
		if err := p.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, nil, fmt.Errorf("preparing postgres memory: %w", err)
		}
		return p, p.Close, nil
	default:
		return memory.NewInMemoryStore(), noop, nil
	}
}

// startConversation builds the tool registry, the orchestrator and the
// session registry, and starts watching the config file.
func (a *app) startConversation(opts conversationOptions) error {
	cfg := a.cfg

	salience, err := expr.NewPolicy(cfg.Orchestrator.Salience)
	if err != nil {
		return fmt.Errorf("salience policy: %w", err)
	}
	a.salience = salience

	a.tools = tools.NewRegistry(
		tools.WithDefaultTimeout(cfg.Orchestrator.ToolTimeout),
		tools.WithLogger(a.logger),
		tools.WithMetrics(a.metrics),
		tools.WithTracer(a.tracer),
	)
	if cfg.Search.APIKey == "" {
		a.logger.Warn("search.api_key not set; web_search calls will fail")
	}
	searcher := tools.NewPerplexitySearcher(tools.PerplexityConfig{
		APIKey:        cfg.Search.APIKey,
		URL:           cfg.Search.URL,
		Model:         cfg.Search.Model,
		Timeout:       cfg.Search.Timeout,
		Retries:       cfg.Search.Retries,
		SafeTransport: cfg.Search.SafeDial,
	})
	if err := a.tools.Register(tools.NewWebSearch(searcher, cfg.Search.MaxChars)); err != nil {
		return err
	}
	if err := a.tools.Register(tools.NewMemoryLookup(a.gateway, cfg.Memory.TopK)); err != nil {
		return err
	}

	client, model := llm.NewClient(cfg.Model, llm.Credentials{
		AnthropicAPIKey: cfg.LLM.AnthropicAPIKey,
		OpenAIAPIKey:    cfg.LLM.OpenAIAPIKey,
		OpenAIBaseURL:   cfg.LLM.OpenAIBaseURL,
		OllamaHost:      cfg.LLM.OllamaHost,
	})
	asm := assembler.New(a.gateway,
		assembler.WithBudget(assembler.Budget{
			Total:  cfg.Budget.Total,
			System: cfg.Budget.System,
			Memory: cfg.Budget.Memory,
		}),
		assembler.WithTopK(cfg.Memory.TopK),
		assembler.WithDedupThreshold(cfg.Memory.DedupThreshold),
		assembler.WithLogger(a.logger),
	)
	a.orch = orchestrator.New(client, asm, a.tools,
		orchestrator.WithModel(model),
		orchestrator.WithSystemPrompt(cfg.SystemPrompt),
		orchestrator.WithMaxTokens(cfg.MaxTokens),
		orchestrator.WithTemperature(cfg.Temperature),
		orchestrator.WithMaxIterations(cfg.Orchestrator.MaxIterations),
		orchestrator.WithTurnTimeout(cfg.Orchestrator.TurnTimeout),
		orchestrator.WithMemory(a.gateway),
		orchestrator.WithSalience(a.salience),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithTracer(a.tracer),
	)

	factory := func(sess *orchestrator.Session, extra ...mode.Option) *mode.Controller {
		mopts := []mode.Option{
			mode.WithGreeting(cfg.Voice.Greeting),
			mode.WithListenTimeout(cfg.Voice.ListenTimeout),
			mode.WithEmitter(a.emitter),
			mode.WithLogger(a.logger),
			mode.WithMetrics(a.metrics),
		}
		if opts.printer != nil {
			mopts = append(mopts, mode.WithPrinter(opts.printer))
		}
		if opts.speaker != nil {
			mopts = append(mopts, mode.WithSpeaker(opts.speaker))
		}
		return mode.New(a.orch, sess, append(mopts, extra...)...)
	}
	sopts := []session.Option{
		session.WithIdleTimeout(cfg.Session.IdleTimeout),
		session.WithWarnAfter(cfg.Session.WarnAfter),
		session.WithSweepEvery(cfg.Session.SweepEvery),
		session.WithMaxTurns(cfg.Session.MaxTurns),
		session.WithEmitter(a.emitter),
		session.WithLogger(a.logger),
		session.WithMetrics(a.metrics),
	}
	if opts.onWarn != nil {
		sopts = append(sopts, session.OnIdleWarning(opts.onWarn))
	}
	if opts.onEvict != nil {
		sopts = append(sopts, session.OnEvict(opts.onEvict))
	}
	a.sessions = session.NewRegistry(factory, sopts...)
	if err := a.sessions.Start(); err != nil {
		return err
	}
	a.closers = append(a.closers, a.sessions.Stop)

	if config.Watch(a.viper, a.logger, a.reload) {
		a.logger.Debug("watching config file", "file", a.viper.ConfigFileUsed())
	}
	return nil
}

// reload applies the settings that can change while running.
func (a *app) reload(cfg *config.Config) {
	a.setLevel(cfg.Log.Level)
	if err := a.salience.Set(cfg.Orchestrator.Salience); err != nil {
		a.logger.Warn("salience policy not reloaded", "error", err)
		return
	}
	a.logger.Info("settings reloaded", "log_level", a.level.Level().String(), "salience", a.salience.Source())
}

// speaker returns the configured text-to-speech speaker, or nil when no
// key is set.
func (a *app) speaker() mode.Speaker {
	if a.cfg.TTS.APIKey == "" {
		a.logger.Warn("tts.api_key not set; answers will be text only")
		return nil
	}
	sp := speech.NewElevenLabsSpeaker(speech.ElevenLabsConfig{
		APIKey:   a.cfg.TTS.APIKey,
		VoiceID:  a.cfg.TTS.VoiceID,
		Model:    a.cfg.TTS.Model,
		AudioDir: a.cfg.Voice.AudioDir,
		Player:   a.cfg.Voice.Player,
	})
	if err := a.scheduleAudioCleanup(sp); err != nil {
		a.logger.Warn("audio cleanup not scheduled", "error", err)
	}
	return sp
}

// scheduleAudioCleanup removes synthesized answers older than
// voice.audio_retention, once now and then every ten minutes.
func (a *app) scheduleAudioCleanup(sp *speech.ElevenLabsSpeaker) error {
	retention := a.cfg.Voice.AudioRetention
	if retention <= 0 {
		return nil
	}
	sweep := func() {
		n, err := sp.Cleanup(retention)
		if err != nil {
			a.logger.Warn("audio cleanup failed", "error", err)
		}
		if n > 0 {
			a.logger.Debug("old audio removed", "files", n, "dir", a.cfg.Voice.AudioDir)
		}
	}
	cronLog := cron.PrintfLogger(slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn))
	c := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	if _, err := c.AddFunc("@every 10m", sweep); err != nil {
		return fmt.Errorf("schedule audio cleanup: %w", err)
	}
	sweep()
	c.Start()
	a.closers = append(a.closers, func(ctx context.Context) error {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
		return nil
	})
	return nil
}

// context attaches the --correlation-id flag, or a fresh ID.
func (a *app) context(ctx context.Context) context.Context {
	return telemetry.WithCorrelationID(ctx, correlationID)
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
