package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"asyv_realtime/internal/config"
	"asyv_realtime/internal/domain"
	"asyv_realtime/internal/httpserver"
	"asyv_realtime/internal/presence"
	"asyv_realtime/internal/security"
	"asyv_realtime/internal/service"
	"asyv_realtime/internal/store/postgres"
	"asyv_realtime/internal/store/sqlite"
	"asyv_realtime/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("component", "server").Msg("could not read .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Str("component", "server").Msg("failed to load config")
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Str("component", "server").Msg("server stopped")
	}
	log.Info().Str("component", "server").Msg("server stopped")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	zerolog.SetGlobalLevel(level)
}

type repositories struct {
	users         domain.UserDirectory
	conversations domain.ConversationRepository
	participants  domain.ParticipantRepository
	messages      domain.MessageRepository
}

func openStore(cfg *config.Config) (*sql.DB, *repositories, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := sqlite.Migrate(db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return db, &repositories{
			users:         sqlite.NewUserRepo(db),
			conversations: sqlite.NewConversationRepo(db),
			participants:  sqlite.NewParticipantRepo(db),
			messages:      sqlite.NewMessageRepo(db),
		}, nil
	default:
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return db, &repositories{
			users:         postgres.NewUserRepo(db),
			conversations: postgres.NewConversationRepo(db),
			participants:  postgres.NewParticipantRepo(db),
			messages:      postgres.NewMessageRepo(db),
		}, nil
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	db, repos, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	rdb, err := presence.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	store := presence.NewStore(rdb, repos.users, presence.Options{
		Prefix:  cfg.PresencePrefix,
		TTL:     cfg.PresenceTTL,
		Retries: uint64(cfg.StoreRetries),
	})
	defer store.Close()

	convSvc := service.NewConversationService(repos.conversations, repos.users)
	msgSvc := service.NewMessageService(repos.conversations, repos.participants, repos.messages)

	hub := ws.NewHub()
	var relay *ws.Relay
	if cfg.RelayEnabled {
		relay = ws.NewRelay(rdb, cfg.RelayChannel, hub)
		hub.SetRelay(relay)
	}

	// Outlives the signal context so in-flight events and disconnect
	// bookkeeping can finish during the drain.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	gw := ws.NewGateway(workCtx, hub, store, convSvc, msgSvc, repos.users, ws.Options{
		AllowedOrigins: cfg.CORSOrigins,
		HandlerTimeout: cfg.HandlerTimeout,
	})

	var tokens *security.TokenService
	if cfg.RESTEnabled() {
		tokens = security.NewTokenService(cfg.JWTSecret, time.Hour)
	}

	router := httpserver.NewRouter(httpserver.Deps{
		Config:        cfg,
		Presence:      store,
		Gateway:       gw,
		Hub:           hub,
		Conversations: convSvc,
		Messages:      msgSvc,
		Users:         repos.users,
		Tokens:        tokens,
		HealthChecks: map[string]func(context.Context) error{
			"database": db.PingContext,
			"redis":    store.Ping,
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("component", "server").Str("addr", srv.Addr).
			Str("db", cfg.DatabaseDriver).Bool("rest", tokens != nil).Bool("relay", relay != nil).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("component", "server").Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		hub.Close()
		if werr := gw.Wait(shutdownCtx); werr != nil {
			log.Warn().Err(werr).Str("component", "server").Msg("connections did not drain in time")
		}
		return err
	})

	g.Go(func() error {
		return store.RunCleanup(gctx, cfg.CleanupInterval)
	})

	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}

	return g.Wait()
}
