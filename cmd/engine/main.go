package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/zeromicro/go-zero/core/stores/redis"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/swing-engine/internal/adapters"
	"github.com/Rajchodisetti/swing-engine/internal/alerts"
	"github.com/Rajchodisetti/swing-engine/internal/config"
	"github.com/Rajchodisetti/swing-engine/internal/engine"
	"github.com/Rajchodisetti/swing-engine/internal/httpapi"
	"github.com/Rajchodisetti/swing-engine/internal/observ"
	"github.com/Rajchodisetti/swing-engine/internal/outbox"
	"github.com/Rajchodisetti/swing-engine/internal/portfolio"
	"github.com/Rajchodisetti/swing-engine/internal/publish"
	"github.com/Rajchodisetti/swing-engine/internal/risk"
	"github.com/Rajchodisetti/swing-engine/internal/transport"
)

var version = "dev"

func main() {
	var cfgPath string
	var envPath string
	flag.StringVar(&cfgPath, "config", "configs/engine.yaml", "config path")
	flag.StringVar(&envPath, "env-file", ".env", "dotenv file, ignored when missing")
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: failed to load %s: %v", envPath, err)
	}

	cfg, err := config.Load(cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: %s not found, using defaults", cfgPath)
		cfg, err = config.Default(), nil
	}
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	config.ApplyEnv(&cfg)

	if err := observ.InitLogger(cfg.Logging.Level, cfg.Logging.Development); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer observ.Sync()
	observ.SetVersion(version)

	warnings, err := cfg.Validate()
	if err != nil {
		observ.LogError("config_invalid", err, nil)
		os.Exit(1)
	}
	for _, w := range warnings {
		observ.LogWarn("config_missing", map[string]any{"setting": w})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		observ.LogError("engine_exit", err, nil)
		observ.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Root) error {
	db, err := portfolio.OpenDB(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	if err := portfolio.Migrate(db); err != nil {
		return err
	}
	if err := outbox.Migrate(db); err != nil {
		return err
	}

	stack, err := adapters.NewStack(cfg.Broker)
	if err != nil {
		return err
	}
	journal, err := outbox.NewJournal(cfg.Storage.JournalPath)
	if err != nil {
		return err
	}
	slack := alerts.NewSlackClient(cfg.Alerts.Slack)
	defer slack.Close()

	var lease *engine.RedisLease
	if cfg.Redis.Enabled {
		client := redis.New(cfg.Redis.Addr, redis.WithPass(cfg.Redis.Password))
		lease = engine.NewRedisLease(client, time.Duration(cfg.Redis.LeaseSeconds)*time.Second)
		observ.Log("redis_lease_enabled", map[string]any{"addr": cfg.Redis.Addr})
	}

	session, err := engine.NewSession(cfg.Session)
	if err != nil {
		return err
	}
	opts, err := engine.OptionsFromConfig(cfg.Engine)
	if err != nil {
		return err
	}
	hub := publish.NewHub(256)
	eng, err := engine.New(engine.Deps{
		Store:   portfolio.NewStore(db),
		Guard:   outbox.NewGuard(db, time.Duration(cfg.Engine.StaleMarkerSeconds)*time.Second),
		Gateway: stack.Gateway,
		Cooldown: risk.NewCooldown(risk.CooldownConfig{
			OrderCooldown:   opts.OrderCooldown,
			FailureCooldown: opts.FailureCooldown,
		}),
		Hub:     hub,
		Journal: journal,
		Alerts:  slack,
		Lease:   lease,
		Session: session,
	}, opts)
	if err != nil {
		return err
	}

	observ.Log("startup", map[string]any{
		"env":            cfg.Env,
		"broker":         stack.Kind,
		"tick_interval":  opts.TickInterval.String(),
		"workers":        opts.Workers,
		"timezone":       cfg.Session.Timezone,
		"feed_enabled":   cfg.Feed.Enabled,
		"slack_enabled":  cfg.Alerts.Slack.Enabled,
		"slack_commands": cfg.Alerts.Slack.SigningSecret != "",
		"redis_enabled":  cfg.Redis.Enabled,
	})

	if _, err := eng.Recover(ctx); err != nil {
		return err
	}

	var slashHandler http.Handler
	if cfg.Alerts.Slack.SigningSecret != "" {
		slashHandler = httpapi.NewSlackCommands(cfg.Alerts.Slack, eng)
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewServer(eng, hub, slashHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		observ.Log("http_listening", map[string]any{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		observ.SetComponentHealth("scheduler", true, "")
		return engine.NewScheduler(eng).Run(ctx)
	})
	g.Go(func() error {
		return engine.NewArchiver(eng, cfg.Archive.RetentionDays).
			Run(ctx, time.Duration(cfg.Archive.IntervalMinutes)*time.Minute)
	})
	g.Go(func() error {
		return eng.RunBalancePoller(ctx, time.Duration(cfg.Balance.PollIntervalSeconds)*time.Second)
	})

	switch {
	case cfg.Feed.Enabled:
		feed := transport.NewOrderFeed(transport.Config{
			URL: cfg.Feed.BaseURL,
			Reconnect: transport.ReconnectConfig{
				InitialDelayMs: cfg.Feed.Reconnect.InitialDelayMs,
				MaxDelayMs:     cfg.Feed.Reconnect.MaxDelayMs,
				JitterMs:       cfg.Feed.Reconnect.JitterMs,
			},
		})
		g.Go(func() error { return feed.Run(ctx) })
		g.Go(func() error { return eng.ConsumeFeed(ctx, feed) })
	case stack.Feed != nil:
		g.Go(func() error { return eng.ConsumeFeed(ctx, stack.Feed) })
	default:
		observ.LogWarn("order_feed_disabled", map[string]any{"broker": stack.Kind})
	}

	err = g.Wait()
	observ.Log("shutdown", map[string]any{"error": errString(err)})
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
