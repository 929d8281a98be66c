// Command orchestra runs configured services from the command line: one-off
// synchronous calls, background dispatches, queue dispatches, and the queue
// worker loop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"github.com/sashabaranov/go-openai"
	tclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	mongostore "github.com/simcore-ai/orchestra/features/callstore/mongo"
	anthropicprovider "github.com/simcore-ai/orchestra/features/provider/anthropic"
	bedrockprovider "github.com/simcore-ai/orchestra/features/provider/bedrock"
	"github.com/simcore-ai/orchestra/features/provider/middleware"
	openaiprovider "github.com/simcore-ai/orchestra/features/provider/openai"
	pulserunner "github.com/simcore-ai/orchestra/features/runner/pulse"
	temporalrunner "github.com/simcore-ai/orchestra/features/runner/temporal"
	"github.com/simcore-ai/orchestra/runtime/app"
	"github.com/simcore-ai/orchestra/runtime/dispatch"
	"github.com/simcore-ai/orchestra/runtime/identity"
	"github.com/simcore-ai/orchestra/runtime/provider"
	"github.com/simcore-ai/orchestra/runtime/service"
	"github.com/simcore-ai/orchestra/runtime/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestra:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		serviceF = flag.String("service", "", "service identity to invoke (required except in worker mode)")
		payloadF = flag.String("context", "{}", "JSON payload passed to the service")
		modeF    = flag.String("mode", "start", "start | astart | schedule | aschedule | worker")
		configF  = flag.String("config", envOr("ORCHESTRA_CONFIG", "orchestra.yaml"), "configuration file")
	)
	flag.Parse()

	cfg, err := app.LoadConfig(*configF)
	if err != nil {
		return err
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	}

	clients, err := buildClients(ctx, cfg, rdb)
	if err != nil {
		return err
	}

	a, err := app.New(app.Options{
		Mode:          app.Mode(cfg.Mode),
		Clients:       clients,
		DefaultClient: cfg.DefaultClient,
		DefaultRunner: cfg.DefaultRunner,
		Logger:        telemetry.NewClueLogger(),
		Metrics:       telemetry.NewClueMetrics(),
		Tracer:        telemetry.NewClueTracer(),
	})
	if err != nil {
		return err
	}

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	queueRunner, err := registerRunners(cfg, a, store, rdb)
	if err != nil {
		return err
	}

	services, err := buildServices(cfg)
	if err != nil {
		return err
	}

	if *modeF == "worker" {
		return runWorker(ctx, cfg, a, services, store, rdb)
	}

	if *serviceF == "" {
		return errors.New("-service is required")
	}
	id, err := identity.Parse(*serviceF)
	if err != nil {
		return err
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(*payloadF), &payload); err != nil {
		return fmt.Errorf("parse -context: %w", err)
	}

	factory, ok := services.Lookup(id)
	if !ok {
		return fmt.Errorf("service %s is not configured", id)
	}
	svc, err := factory(a)
	if err != nil {
		return err
	}

	var call *dispatch.Call
	switch *modeF {
	case "start":
		call, err = svc.Do(ctx, payload, service.WithRunner("local"))
	case "astart":
		call, err = svc.Dispatch(ctx, payload, service.WithRunner("background"))
	case "schedule":
		if queueRunner == "" {
			return errors.New("schedule requires a configured queue runner (redis or temporal)")
		}
		call, err = svc.Dispatch(ctx, payload, service.WithRunner(queueRunner))
		if err == nil {
			call, err = awaitCall(ctx, svc, queueRunner, call)
		}
	case "aschedule":
		if queueRunner == "" {
			return errors.New("aschedule requires a configured queue runner (redis or temporal)")
		}
		call, err = svc.Dispatch(ctx, payload, service.WithRunner(queueRunner))
	default:
		return fmt.Errorf("unknown mode %q", *modeF)
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(call, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if call.Status == dispatch.StatusFailed {
		return fmt.Errorf("call %s failed: %s", call.ID, call.Error)
	}
	return nil
}

// buildClients constructs the provider clients declared in the config.
// Providers with a tpm budget are wrapped in the adaptive rate limiter; the
// budget is shared across processes through redis when available.
func buildClients(ctx context.Context, cfg *app.Config, rdb *redis.Client) (map[string]provider.Client, error) {
	clients := make(map[string]provider.Client, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		kind := pc.Kind
		if kind == "" {
			kind = name
		}
		switch kind {
		case openaiprovider.ProviderName:
			sdkCfg := openai.DefaultConfig(pc.APIKey)
			if pc.BaseURL != "" {
				sdkCfg.BaseURL = pc.BaseURL
			}
			c, err := openaiprovider.New(openaiprovider.Options{
				Client:       openai.NewClientWithConfig(sdkCfg),
				DefaultModel: pc.Model,
			})
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			clients[name] = c
		case anthropicprovider.ProviderName:
			c, err := anthropicprovider.NewFromAPIKey(pc.APIKey, pc.Model)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			clients[name] = c
		case bedrockprovider.ProviderName:
			runtime := bedrockruntime.New(bedrockruntime.Options{Region: pc.Region})
			c, err := bedrockprovider.New(runtime, bedrockprovider.Options{DefaultModel: pc.Model})
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			clients[name] = c
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", name, kind)
		}
	}

	var budget *rmap.Map
	for name, pc := range cfg.Providers {
		if pc.TPM <= 0 {
			continue
		}
		if rdb != nil && budget == nil {
			m, err := rmap.Join(ctx, "orchestra:ratelimit", rdb)
			if err != nil {
				return nil, fmt.Errorf("join rate limit map: %w", err)
			}
			budget = m
		}
		limiter := middleware.NewAdaptiveLimiter(ctx, budget, "tpm:"+name, pc.TPM, pc.MaxTPM)
		clients[name] = limiter.Wrap(clients[name])
	}
	return clients, nil
}

// buildStore connects the Mongo call store when configured.
func buildStore(cfg *app.Config) (*mongostore.Store, error) {
	if cfg.Mongo.URI == "" {
		return nil, nil
	}
	client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	return mongostore.New(mongostore.Options{
		Client:     client,
		Database:   cfg.Mongo.Database,
		Collection: cfg.Mongo.Collection,
		Timeout:    cfg.Mongo.Timeout,
	})
}

// registerRunners wires the local runners plus any queue runners the config
// enables, and returns the preferred queue runner name.
func registerRunners(cfg *app.Config, a *app.App, store *mongostore.Store, rdb *redis.Client) (string, error) {
	if err := dispatch.RegisterRunner("local", dispatch.NewLocalRunner()); err != nil {
		return "", err
	}
	if err := dispatch.RegisterRunner("background", dispatch.NewBackgroundRunner(a.Logger())); err != nil {
		return "", err
	}

	queueRunner := ""
	if rdb != nil {
		pc, err := pulserunner.NewClient(pulserunner.ClientOptions{Redis: rdb})
		if err != nil {
			return "", err
		}
		r, err := pulserunner.NewRunner(pulserunner.RunnerOptions{
			Client: pc,
			Store:  callStore(store),
			Logger: a.Logger(),
		})
		if err != nil {
			return "", err
		}
		if err := dispatch.RegisterRunner(pulserunner.RunnerName, r); err != nil {
			return "", err
		}
		queueRunner = pulserunner.RunnerName
	}
	if cfg.Temporal.HostPort != "" {
		r, err := temporalrunner.NewRunner(temporalrunner.Options{
			ClientOptions: &tclient.Options{
				HostPort:  cfg.Temporal.HostPort,
				Namespace: cfg.Temporal.Namespace,
			},
			TaskQueue: cfg.Temporal.TaskQueue,
			Store:     callStore(store),
			Logger:    a.Logger(),
		})
		if err != nil {
			return "", err
		}
		if err := dispatch.RegisterRunner(temporalrunner.RunnerName, r); err != nil {
			return "", err
		}
		queueRunner = temporalrunner.RunnerName
	}
	if cfg.DefaultRunner == pulserunner.RunnerName || cfg.DefaultRunner == temporalrunner.RunnerName {
		if _, err := dispatch.LookupRunner(cfg.DefaultRunner); err != nil {
			return "", fmt.Errorf("default runner %q is not configured", cfg.DefaultRunner)
		}
		queueRunner = cfg.DefaultRunner
	}
	return queueRunner, nil
}

// buildServices turns the config service declarations into a registry of
// factories. A malformed identity key fails startup so a typo'd service
// never silently disappears.
func buildServices(cfg *app.Config) (*service.Registry, error) {
	reg := service.NewRegistry()
	for name, sc := range cfg.Services {
		id, err := identity.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("config service %q: %w", name, err)
		}
		sc := sc
		factory := service.Factory(func(a *app.App) (*service.Service, error) {
			return service.New(service.Options{
				Identity:        id,
				App:             a,
				Instruction:     sc.Instruction,
				Model:           sc.Model,
				Client:          sc.Client,
				MaxOutputTokens: sc.MaxOutputTokens,
				Timeout:         sc.Timeout,
			})
		})
		if err := reg.Register(context.Background(), id, factory, false); err != nil {
			return nil, fmt.Errorf("config service %q: %w", name, err)
		}
	}
	return reg, nil
}

// runWorker consumes the queue until interrupted.
func runWorker(ctx context.Context, cfg *app.Config, a *app.App, services *service.Registry, store *mongostore.Store, rdb *redis.Client) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Temporal.HostPort != "" {
		c, err := tclient.Dial(tclient.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		})
		if err != nil {
			return fmt.Errorf("temporal dial: %w", err)
		}
		defer c.Close()
		w, err := temporalrunner.NewWorker(temporalrunner.WorkerOptions{
			Client:    c,
			App:       a,
			Services:  services,
			TaskQueue: cfg.Temporal.TaskQueue,
			Store:     callStore(store),
			Logger:    a.Logger(),
		})
		if err != nil {
			return err
		}
		w.Start()
		defer w.Stop()
		log.Printf(ctx, "temporal worker started on %s", cfg.Temporal.TaskQueue)
	}

	if rdb != nil {
		pc, err := pulserunner.NewClient(pulserunner.ClientOptions{Redis: rdb})
		if err != nil {
			return err
		}
		w, err := pulserunner.NewWorker(pulserunner.WorkerOptions{
			Client:   pc,
			App:      a,
			Services: services,
			Store:    callStore(store),
			Logger:   a.Logger(),
		})
		if err != nil {
			return err
		}
		log.Printf(ctx, "pulse worker started on %s", pulserunner.DefaultStream)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	if cfg.Temporal.HostPort == "" {
		return errors.New("worker mode requires redis or temporal configuration")
	}
	<-ctx.Done()
	return nil
}

// awaitCall polls the runner until the dispatched call reaches a terminal
// state.
func awaitCall(ctx context.Context, svc *service.Service, runner string, call *dispatch.Call) (*dispatch.Call, error) {
	deadline := time.NewTimer(10 * time.Minute)
	defer deadline.Stop()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return call, ctx.Err()
		case <-deadline.C:
			return call, fmt.Errorf("call %s did not complete in time", call.ID)
		case <-tick.C:
			latest, err := svc.Status(ctx, runner, call.ID)
			if err != nil {
				if errors.Is(err, dispatch.ErrStatusUnsupported) {
					return call, err
				}
				continue
			}
			if latest.Terminal() {
				return latest, nil
			}
		}
	}
}

// callStore adapts the nilable store pointer to the runner interfaces.
func callStore(store *mongostore.Store) pulserunner.CallStore {
	if store == nil {
		return nil
	}
	return store
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
