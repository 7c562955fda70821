// Command chat-tender is the stream chat companion bot. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Builds the platform client (YouTube or Twitch) and the reply pipeline.
//   - Runs the stream acquisition loop and the OAuth token refresher.
//   - Exposes an HTTP server with health, status, metrics, and operator endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/joho/godotenv"
	"github.com/onnwee/chat-tender/config"
	"github.com/onnwee/chat-tender/db"
	"github.com/onnwee/chat-tender/gamify"
	"github.com/onnwee/chat-tender/oauth"
	"github.com/onnwee/chat-tender/platform"
	"github.com/onnwee/chat-tender/responder"
	"github.com/onnwee/chat-tender/server"
	"github.com/onnwee/chat-tender/session"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/trigger"
	"github.com/onnwee/chat-tender/twitchapi"
	"github.com/onnwee/chat-tender/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

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
		// unknown level -> keep info but note once using temporary logger
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

	// Config
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateBotReady(); err != nil {
		slog.Error("configuration incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chat-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; deployments predating the schema_migrations
	// table fall back to the embedded bootstrap SQL.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting embedded bootstrap",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded bootstrap migration completed",
			slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed",
			slog.String("component", "db_migrate"))
	}

	tokens := &db.TokenStoreAdapter{DB: database}

	// Platform client
	var client platform.Client
	var channelID string
	switch cfg.Platform {
	case config.PlatformTwitch:
		channelID = cfg.TwitchChannel
		client = twitchapi.NewChatClient(twitchapi.ChatConfig{
			Channel:    cfg.TwitchChannel,
			Username:   cfg.TwitchBotUsername,
			OAuthToken: cfg.TwitchOAuthToken,
			Tokens:     tokens,
			Helix: &twitchapi.HelixClient{
				AppTokenSource: &twitchapi.TokenSource{
					ClientID:     cfg.TwitchClientID,
					ClientSecret: cfg.TwitchClientSecret,
				},
				ClientID: cfg.TwitchClientID,
			},
		})
	default:
		channelID = cfg.YouTubeChannelID
		client = youtubeapi.New(youtubeapi.Config{
			ClientID:     cfg.YouTubeClientID,
			ClientSecret: cfg.YouTubeClientSecret,
			RedirectURL:  cfg.YouTubeRedirectURL,
			QPS:          cfg.APIQPS,
			Burst:        cfg.APIBurst,
		}, tokens)
	}

	// Manual trigger sources: flag file for shell access, in-memory for the
	// operator API.
	fileTrigger := trigger.NewFile(cfg.TriggerFile)
	go fileTrigger.Watch(ctx)
	memTrigger := trigger.NewMemory()
	triggers := trigger.NewMulti(fileTrigger, memTrigger)

	// Reply generators: external responder when configured, canned banter as
	// the fallback.
	var primary session.Generator
	if cfg.ResponderURL != "" {
		primary = responder.NewHTTPGenerator(cfg.ResponderURL, cfg.ResponderToken)
	}
	fallback, err := responder.LoadBanter(cfg.BanterFile)
	if err != nil {
		slog.Error("banter load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Moderation gamification
	store := gamify.NewStore(database)
	commands := gamify.NewCommands(gamify.CommandsConfig{
		Prefix:     cfg.CommandPrefix,
		Sink:       gamify.NewRetrying(store),
		Board:      store,
		Moderators: cfg.Moderators,
	})

	processor := session.NewProcessor(session.ProcessorConfig{
		Filter:        session.NewFilter(cfg.TriggerTokens, cfg.BotChannelIDs),
		Primary:       primary,
		Fallback:      fallback,
		Commands:      commands,
		CommandPrefix: cfg.CommandPrefix,
	})

	clock := clockwork.NewRealClock()
	throttle := session.NewThrottle()
	bot := session.NewBot(session.BotConfig{
		ChannelID:       channelID,
		Greeting:        cfg.Greeting,
		Client:          client,
		Processor:       processor,
		Throttle:        throttle,
		Sender:          session.NewSender(client, throttle, clock),
		Trigger:         triggers,
		Journal:         &db.KVJournal{DB: database},
		Clock:           clock,
		PollInterval:    cfg.PollInterval,
		ViewerPollEvery: cfg.ViewerPollEvery,
	})
	go func() {
		if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("bot loop exited", slog.Any("err", err))
		}
	}()

	// Centralized OAuth token refresher for the active platform
	switch cfg.Platform {
	case config.PlatformTwitch:
		if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
			oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
				res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
				if err != nil {
					return "", "", time.Time{}, "", err
				}
				return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
			})
		}
	case config.PlatformYouTube:
		if cfg.YouTubeClientID != "" {
			oc := &oauth2.Config{
				ClientID:     cfg.YouTubeClientID,
				ClientSecret: cfg.YouTubeClientSecret,
				Endpoint:     google.Endpoint,
				RedirectURL:  cfg.YouTubeRedirectURL,
			}
			oauth.StartRefresher(ctx, database, "youtube", 10*time.Minute, 20*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
				newTok, err := oc.TokenSource(rctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
				if err != nil {
					return "", "", time.Time{}, "", err
				}
				return newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, "", nil
			})
		}
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
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

	// HTTP server (health/status/metrics/operator API)
	go func() {
		deps := server.Deps{
			DB:       database,
			Bot:      bot,
			Trigger:  memTrigger,
			Board:    store,
			Platform: cfg.Platform,
		}
		if err := server.Start(ctx, deps, cfg.Addr()); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
