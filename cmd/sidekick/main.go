// Command sidekick runs an interactive LLM agent over stdin/stdout: prompts
// arrive as lines (plain text or {"message": ...}), the agent streams model
// output and tool activity as JSON events on stdout, and diagnostics go to
// stderr. EOF on stdin ends the process once the current turn finishes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"goa.design/sidekick/features/model/anthropic"
	"goa.design/sidekick/features/model/middleware"
	"goa.design/sidekick/features/model/openai"
	mongoarchive "goa.design/sidekick/features/session/mongo"
	pulsemirror "goa.design/sidekick/features/stream/pulse"
	pulseclient "goa.design/sidekick/features/stream/pulse/clients/pulse"
	fstools "goa.design/sidekick/features/tools/fs"
	"goa.design/sidekick/runtime/agent"
	"goa.design/sidekick/runtime/config"
	"goa.design/sidekick/runtime/credentials"
	"goa.design/sidekick/runtime/emit"
	"goa.design/sidekick/runtime/events"
	"goa.design/sidekick/runtime/input"
	"goa.design/sidekick/runtime/model"
	"goa.design/sidekick/runtime/session"
	"goa.design/sidekick/runtime/telemetry"
	"goa.design/sidekick/runtime/tools"
	"goa.design/sidekick/runtime/transport"
)

// errInterrupted reports that the user asked the process to stop.
var errInterrupted = errors.New("interrupted")

func main() {
	var (
		configF  = flag.String("config", "", "Configuration file path (optional)")
		modelF   = flag.String("model", "", "Model reference, provider/model or bare (overrides config)")
		systemF  = flag.String("system", "", "System prompt (overrides config)")
		dialectF = flag.String("dialect", "", `Output dialect: "o" or "c" (overrides config)`)
		compactF = flag.Bool("compact", false, "Emit one JSON object per line instead of pretty-printing")
		literalF = flag.Bool("literal", false, "Disable stdin burst coalescing, one prompt per line")
		rootF    = flag.String("root", ".", "Directory exposed to the filesystem tools")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// All logs go to stderr: stdout carries only the event stream.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(),
		log.WithFormat(format), log.WithOutput(os.Stderr))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		fatal(ctx, err)
	}
	if *modelF != "" {
		cfg.Agent.Model = *modelF
	}
	if *systemF != "" {
		cfg.Agent.System = *systemF
	}
	if *dialectF != "" {
		cfg.Output.Dialect = *dialectF
	}
	if *compactF {
		cfg.Output.Compact = true
	}
	if *literalF {
		cfg.Input.CoalesceMs = -1
	}

	err = run(ctx, cfg, *rootF)
	switch {
	case errors.Is(err, errInterrupted):
		os.Exit(130)
	case err != nil:
		fatal(ctx, err)
	}
}

func run(ctx context.Context, cfg *config.Config, root string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The transport interrupt channel aborts in-progress retry sleeps when
	// the user signals; per-request deadlines never do.
	interrupt := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(interrupt)
	}()

	metrics := telemetry.NewMetrics()

	bus := events.NewBus(0)
	bus.Instrument(metrics)
	defer bus.Close()

	// The request timeout bounds connect and response headers only. Body
	// lifetime belongs to the stream readers, which enforce their own chunk
	// and step deadlines.
	httpClient := transport.New(&http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.Timeouts.Request(),
		},
	}, transport.Options{
		RetryBudget: cfg.Timeouts.RetryBudget(),
		MaxDelay:    cfg.Timeouts.MaxDelay(),
		MinInterval: cfg.Timeouts.MinInterval(),
		Interrupt:   interrupt,
		Metrics:     metrics,
	}, bus)

	creds := credentials.Serialized(staticCredentials(cfg))

	models, err := buildRegistry(ctx, cfg, httpClient, creds, bus)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	readFile, err := fstools.NewReadFile(root)
	if err != nil {
		return err
	}
	glob, err := fstools.NewGlob(root)
	if err != nil {
		return err
	}
	if err := registry.Register(readFile); err != nil {
		return err
	}
	if err := registry.Register(glob); err != nil {
		return err
	}

	store := session.NewStore(bus)

	processor, err := agent.New(store, models, registry, bus, agent.Options{
		Temperature: cfg.Agent.Temperature,
		MaxTokens:   cfg.Agent.MaxTokens,
		Metrics:     metrics,
		Tracer:      telemetry.NewTracer(),
	})
	if err != nil {
		return err
	}

	// Output emitter: the only stdout writer.
	emitter := emit.New(os.Stdout, emit.Options{
		Dialect: emit.Dialect(cfg.Output.Dialect),
		Compact: cfg.Output.Compact,
	})
	emitCh, unsubEmit := bus.Subscribe(events.Filter{})
	emitDone := make(chan struct{})
	go func() {
		defer close(emitDone)
		if err := emitter.Run(emitCh); err != nil {
			log.Error(ctx, err)
		}
	}()
	defer func() { unsubEmit(); <-emitDone }()

	if err := startSinks(ctx, cfg, bus); err != nil {
		return err
	}

	provider, modelID := splitModelRef(cfg.Agent.Model)
	sess := store.Create(session.Options{
		Provider: provider,
		Model:    modelID,
		System:   cfg.Agent.System,
	})
	log.Print(ctx, log.KV{K: "msg", V: "session ready"},
		log.KV{K: "session", V: sess.ID},
		log.KV{K: "model", V: cfg.Agent.Model})

	queue := input.New(os.Stdin, input.Options{CoalesceWindow: cfg.Input.Coalesce()})
	defer queue.Close()

	for {
		prompt, err := queue.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, context.Canceled):
			return errInterrupted
		case err != nil:
			return err
		}
		if err := processor.Prompt(ctx, sess.ID, prompt.Message); err != nil {
			if ctx.Err() != nil {
				return errInterrupted
			}
			// Turn errors are already emitted as error events; only config
			// and wiring failures abort the process.
			log.Error(ctx, err, log.KV{K: "session", V: sess.ID})
		}
	}
}

// staticCredentials builds the credential resolver from the provider config.
func staticCredentials(cfg *config.Config) credentials.Resolver {
	entries := make(map[string]credentials.StaticEntry)
	for name, p := range cfg.Providers {
		entry := credentials.StaticEntry{Key: p.Key(), BaseURL: p.BaseURL}
		switch name {
		case anthropic.ProviderID:
			entry.Header = "x-api-key"
		default:
			entry.Header = "Authorization"
			entry.Prefix = "Bearer "
		}
		entries[name] = entry
	}
	return credentials.NewStatic(entries)
}

// buildRegistry registers the provider adapters, wraps each with an adaptive
// rate limiter, and loads the model catalog.
func buildRegistry(ctx context.Context, cfg *config.Config, doer transportDoer, creds credentials.Resolver, bus *events.Bus) (*model.Registry, error) {
	registry := model.NewRegistry(cfg.Resolution.Prefer)

	budgets := clusterBudgets(ctx, cfg)

	if _, ok := cfg.Providers[anthropic.ProviderID]; ok {
		client, err := anthropic.New(doer, creds, bus, anthropic.Options{
			BaseURL:      cfg.Providers[anthropic.ProviderID].BaseURL,
			ChunkTimeout: cfg.Timeouts.Chunk(),
			StepTimeout:  cfg.Timeouts.Step(),
		})
		if err != nil {
			return nil, err
		}
		limiter := middleware.NewAdaptiveRateLimiter(ctx, budgets, anthropic.ProviderID, 0, 0)
		if err := registry.Register(anthropic.ProviderID, limiter.Middleware()(client)); err != nil {
			return nil, err
		}
	}
	if _, ok := cfg.Providers[openai.ProviderID]; ok {
		client, err := openai.New(doer, creds, bus, openai.Options{
			BaseURL:      cfg.Providers[openai.ProviderID].BaseURL,
			ChunkTimeout: cfg.Timeouts.Chunk(),
			StepTimeout:  cfg.Timeouts.Step(),
		})
		if err != nil {
			return nil, err
		}
		limiter := middleware.NewAdaptiveRateLimiter(ctx, budgets, openai.ProviderID, 0, 0)
		if err := registry.Register(openai.ProviderID, limiter.Middleware()(client)); err != nil {
			return nil, err
		}
	}

	for provider, modelRates := range cfg.Catalog {
		for id, rates := range modelRates {
			r := rates
			if err := registry.AddModel(model.ModelInfo{Provider: provider, ID: id, Rates: &r}); err != nil {
				return nil, err
			}
		}
	}
	return registry, nil
}

// clusterBudgets joins the shared rate limit map when Redis is configured.
// Without Redis the limiters stay process-local.
func clusterBudgets(ctx context.Context, cfg *config.Config) *rmap.Map {
	if cfg.Sinks.Pulse.RedisAddr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Sinks.Pulse.RedisAddr,
		Password: cfg.Sinks.Pulse.RedisPassword,
	})
	m, err := rmap.Join(ctx, "sidekick-tpm", rdb)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "shared rate limit map unavailable, using local limits"})
		return nil
	}
	return m
}

// startSinks wires the optional Mongo archive and Pulse mirror.
func startSinks(ctx context.Context, cfg *config.Config, bus *events.Bus) error {
	if uri := cfg.Sinks.Mongo.URI; uri != "" {
		client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(uri))
		if err != nil {
			return fmt.Errorf("mongo sink: %w", err)
		}
		archive, err := mongoarchive.New(mongoarchive.Options{
			Client:   client,
			Database: cfg.Sinks.Mongo.Database,
		})
		if err != nil {
			return fmt.Errorf("mongo sink: %w", err)
		}
		ch, _ := bus.Subscribe(events.Filter{})
		go archive.Run(ctx, ch)
		log.Print(ctx, log.KV{K: "msg", V: "mongo archive enabled"},
			log.KV{K: "database", V: cfg.Sinks.Mongo.Database})
	}

	if addr := cfg.Sinks.Pulse.RedisAddr; addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Sinks.Pulse.RedisPassword,
		})
		client, err := pulseclient.New(pulseclient.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("pulse sink: %w", err)
		}
		mirror, err := pulsemirror.NewMirror(client)
		if err != nil {
			return fmt.Errorf("pulse sink: %w", err)
		}
		ch, _ := bus.Subscribe(events.Filter{})
		go mirror.Run(ctx, ch)
		log.Print(ctx, log.KV{K: "msg", V: "pulse mirror enabled"},
			log.KV{K: "redis", V: addr})
	}
	return nil
}

// splitModelRef splits "provider/model" at the first slash. Bare references
// resolve through the registry precedence list.
func splitModelRef(ref string) (provider, modelID string) {
	if i := strings.Index(ref, "/"); i > 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}

// transportDoer matches the Doer interface shared by the provider adapters.
type transportDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// fatal writes a final JSON error object to stderr and exits non-zero.
func fatal(ctx context.Context, err error) {
	log.Error(ctx, err)
	_ = json.NewEncoder(os.Stderr).Encode(map[string]string{
		"type":  "error",
		"error": err.Error(),
	})
	os.Exit(1)
}
