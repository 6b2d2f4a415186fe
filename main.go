// Command chatbot is the main entrypoint for the Twitch chat bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Builds the permission resolver over the stored groups and seeds the
//     defaults on first start.
//   - Starts background jobs: changelog flush scheduler, chat bot, watched
//     time credit, stream status poller and the Redis invalidation listener.
//   - Exposes an HTTP server with /healthz, /readyz, /metrics and admin routes.
//
// Shutdown is graceful on SIGINT/SIGTERM; pending changelog entries are
// flushed before exit.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gempir/go-twitch-irc/v4"
	"github.com/joho/godotenv"

	"github.com/onnwee/chatbot/changelog"
	"github.com/onnwee/chatbot/chat"
	"github.com/onnwee/chatbot/config"
	"github.com/onnwee/chatbot/db"
	"github.com/onnwee/chatbot/permissions"
	"github.com/onnwee/chatbot/rates"
	"github.com/onnwee/chatbot/server"
	"github.com/onnwee/chatbot/telemetry"
	"github.com/onnwee/chatbot/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdown, err := telemetry.InitTracing("chatbot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded statements cover deployments
	// started without the migrations directory on disk.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cl := changelog.New(db.NewUserStore(database),
		changelog.WithLockTimeout(cfg.LockTimeout),
		changelog.WithFlushConcurrency(cfg.FlushConcurrency),
	)
	scheduler := changelog.NewScheduler(cl, cfg.FlushInterval)

	resolver, bus, err := buildResolver(ctx, cfg, database, cl)
	if err != nil {
		slog.Error("permission setup failed", slog.Any("err", err))
		os.Exit(1)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	if bus != nil {
		go func() {
			if err := bus.Listen(ctx, resolver.Invalidate); err != nil && ctx.Err() == nil {
				slog.Error("permission bus stopped", slog.Any("err", err), slog.String("component", "permissions_bus"))
			}
		}()
	}

	presence := chat.NewPresence(cfg.PresenceTTL)
	status := &chat.StreamStatus{}
	if cfg.HelixReady() && cfg.TwitchChannel != "" {
		helix := &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		}
		go chat.StartStreamPoller(ctx, helix, cfg.TwitchChannel, cfg.StreamPollInterval, status)
	} else {
		slog.Info("stream poller disabled (missing TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET); channel treated as offline")
	}
	go chat.StartWatchedJob(ctx, cl, presence, status, chat.WatchedConfig{
		Interval:      cfg.WatchedInterval,
		PointsOnline:  cfg.PointsPerIntervalOnline,
		PointsOffline: cfg.PointsPerIntervalOffline,
	})

	if err := cfg.ValidateChatReady(); err == nil {
		token := cfg.TwitchOAuthToken
		if !strings.HasPrefix(token, "oauth:") {
			token = "oauth:" + token
		}
		client := twitch.NewClient(cfg.TwitchBotUsername, token)
		bot := chat.NewBot(chat.Config{Channel: cfg.TwitchChannel, PointsPerMessage: cfg.PointsPerMessage}, cl, resolver, presence, client)
		go bot.Run(ctx, client)
	} else {
		slog.Info("chat bot disabled", slog.Any("reason", err))
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		deps := server.Deps{DB: database, Users: cl, Flusher: scheduler, Permissions: resolver, MaxPending: 50000}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	wg.Wait()
}

// buildResolver seeds permission groups on first start and wires the
// resolver. The returned bus is nil when REDIS_ADDR is unset.
func buildResolver(ctx context.Context, cfg *config.Config, database *sql.DB, cl *changelog.Changelog) (*permissions.Resolver, *permissions.Bus, error) {
	log := slog.Default().With(slog.String("component", "permissions"))
	store := db.NewPermissionStore(database)

	existing, err := store.ListPermissionGroups(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(existing) == 0 {
		groups := permissions.DefaultGroups()
		if cfg.PermissionsFile != "" {
			if groups, err = permissions.LoadFile(cfg.PermissionsFile); err != nil {
				return nil, nil, err
			}
		}
		if err := permissions.Seed(ctx, store, groups); err != nil {
			return nil, nil, err
		}
		log.Info("seeded permission groups", slog.Int("groups", len(groups)))
	}

	registry := permissions.NewStoreRegistry(store)
	if err := registry.Reload(ctx); err != nil {
		return nil, nil, err
	}

	ranks, err := db.NewRankStore(database).ListRanks(ctx)
	if err != nil {
		return nil, nil, err
	}
	exchange, err := rates.Parse(cfg.MainCurrency, cfg.ExchangeRates)
	if err != nil {
		return nil, nil, err
	}
	attrs := permissions.NewAttributeProvider(cl, permissions.AttributeConfig{
		Ranks:        permissions.NewWatchedRanks(ranks),
		Rates:        exchange,
		MainCurrency: cfg.MainCurrency,
	})

	opts := []permissions.ResolverOption{permissions.WithCache(permissions.NewCache())}
	var bus *permissions.Bus
	if cfg.RedisAddr != "" {
		client, err := permissions.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		bus = permissions.NewBus(client, "")
		opts = append(opts, permissions.WithNotifier(bus))
	} else {
		log.Info("permission bus disabled (REDIS_ADDR not set); invalidations stay local")
	}

	identity := permissions.Identity{Broadcaster: cfg.TwitchChannel, Owners: cfg.BotOwners}
	return permissions.NewResolver(registry, attrs, identity, opts...), bus, nil
}
