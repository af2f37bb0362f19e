package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/auth"
	"github.com/whisper/pairing/internal/block"
	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/gateway"
	"github.com/whisper/pairing/internal/likes"
	"github.com/whisper/pairing/internal/logging"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/messaging"
	"github.com/whisper/pairing/internal/profile"
	"github.com/whisper/pairing/internal/ratelimit"
	"github.com/whisper/pairing/internal/relay"
	"github.com/whisper/pairing/internal/scoring"
	"github.com/whisper/pairing/internal/session"
	"github.com/whisper/pairing/internal/ws"
)

func main() {
	configPath := flag.String("config", os.Getenv("PAIR_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root := logging.New(cfg.Logging)
	log := logging.Component(root, "pairserver")
	if err := run(cfg, root, log); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func run(cfg config.Config, root, log zerolog.Logger) error {
	ctx := context.Background()
	if root.GetLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	// --- NATS (optional) ---
	var publisher matching.Publisher
	if cfg.NATS.URL != "" {
		nc, err := messaging.NewNATSClient(cfg.NATS, root)
		if err != nil {
			return err
		}
		defer nc.Close()
		publisher = matching.NewNATSPublisher(nc, logging.Component(root, "events"))
	}

	deps := gateway.Deps{Rules: ratelimit.RulesFrom(cfg.RateLimit)}

	// --- Redis (optional) ---
	if cfg.Redis.Addr != "" {
		rdb, err := session.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer closeRedis(rdb, log)
		deps.Presence = session.NewStore(rdb, cfg.Server.Name)
		deps.Limiter = ratelimit.NewLimiter(rdb, logging.Component(root, "ratelimit"))
		deps.Blocks = block.NewStore(rdb)
		deps.Profiles = profile.NewRedisSource(rdb)
	}

	// --- Postgres (optional) ---
	if cfg.Postgres.DSN != "" {
		db, err := likes.Open(ctx, cfg.Postgres.DSN, 30)
		if err != nil {
			return err
		}
		defer closeDB(db, log)
		if cfg.Postgres.Migrate {
			if err := likes.Migrate(db); err != nil {
				return err
			}
		}
		deps.Likes = likes.NewPostgresStore(db)
	} else {
		deps.Likes = likes.NewMemoryStore()
	}

	deps.Directory = session.NewDirectory()
	deps.Resolver = matching.NewResolver(
		matching.Config{Strategy: cfg.Matching.Strategy},
		scoring.NewScorer(cfg.Matching.RecentMatchLimit),
		deps.Directory,
		publisher,
		logging.Component(root, "matcher"),
	)
	deps.Relay = relay.New(deps.Resolver, deps.Directory, cfg.Matching.MaxPayloadBytes, logging.Component(root, "relay"))

	gw := gateway.New(deps, logging.Component(root, "gateway"))
	dispatcher := ws.NewMessageDispatcher(logging.Component(root, "dispatcher"))
	gw.Register(dispatcher)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	server, err := ws.NewServer(cfg.Server, gw.Hooks(verifier, cfg.Auth.Required, dispatcher.Dispatch), logging.Component(root, "ws"))
	if err != nil {
		return err
	}
	gw.Routes(server.Engine())

	log.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Str("server_name", cfg.Server.Name).
		Str("strategy", cfg.Matching.Strategy).
		Int("recent_match_limit", cfg.Matching.RecentMatchLimit).
		Bool("redis", cfg.Redis.Addr != "").
		Bool("nats", cfg.NATS.URL != "").
		Bool("postgres", cfg.Postgres.DSN != "").
		Bool("auth", verifier.Enabled()).
		Msg("pairing server starting")

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
	return <-errCh
}

func closeRedis(rdb *redis.Client, log zerolog.Logger) {
	if err := rdb.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close")
	}
}

func closeDB(db *sql.DB, log zerolog.Logger) {
	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("postgres close")
	}
}
