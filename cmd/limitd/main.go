// limitd is the limit-server daemon: multi-tenant realtime messaging
// over HTTP + WebSocket, backed by a SQL event log and a Redis
// cache/fan-out fabric.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/Limit-LAB/limit-server/internal/auth"
	"github.com/Limit-LAB/limit-server/internal/cache"
	"github.com/Limit-LAB/limit-server/internal/config"
	"github.com/Limit-LAB/limit-server/internal/crypto"
	"github.com/Limit-LAB/limit-server/internal/event"
	"github.com/Limit-LAB/limit-server/internal/limits"
	"github.com/Limit-LAB/limit-server/internal/logging"
	"github.com/Limit-LAB/limit-server/internal/queue"
	"github.com/Limit-LAB/limit-server/internal/repo"
	"github.com/Limit-LAB/limit-server/internal/server"
	"github.com/Limit-LAB/limit-server/internal/store"
)

// Token lifetime written into the privacy row of a provisioned user,
// in seconds. Adjustable per user afterwards.
const provisionedJWTExpiration = 7 * 24 * 60 * 60

func main() {
	var (
		debug   = flag.Bool("debug", false, "enable debug logging (overrides LIMIT_LOG_LEVEL)")
		keygen  = flag.Bool("keygen", false, "generate a server keypair, print it in env form, and exit")
		addUser = flag.String("add-user", "",
			"provision a user from a base64 P-256 public key, print the new user id, and exit")
	)
	flag.Parse()

	// Keygen runs before config load: it produces the values config
	// requires.
	if *keygen {
		secret, public, err := crypto.GenerateKeypair()
		if err != nil {
			fmt.Fprintf(os.Stderr, "keygen failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("LIMIT_SERVER_SECRET_KEY=%s\n", secret)
		fmt.Printf("LIMIT_SERVER_PUBLIC_KEY=%s\n", public)
		return
	}

	bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})
	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("config load failed")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting limitd")
	cfg.LogConfig(logger)

	if *addUser != "" {
		if err := provisionUser(cfg, logger, *addUser); err != nil {
			logger.Fatal().Err(err).Msg("user provisioning failed")
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("limitd failed")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	st, err := store.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap store: %w", err)
	}

	c, err := cache.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}
	defer c.Close()

	if cfg.MemoryLimit == 0 {
		if detected, err := limits.DetectMemoryLimit(); err != nil {
			logger.Warn().Err(err).Msg("cgroup memory limit unreadable")
		} else if detected > 0 {
			cfg.MemoryLimit = detected
			logger.Info().Int64("memory_limit", detected).Msg("memory limit detected from cgroup")
		}
	}

	limiter := limits.NewAuthLimiter(cfg.AuthRate, cfg.AuthBurst, logger)
	defer limiter.Stop()

	q := queue.New(cfg.QueueCapacity, logger)
	creds := repo.New(c, st, q, logger)
	tokens := auth.NewManager(cfg.JWTSecret)
	guard := limits.NewStreamGuard(cfg.MaxStreams, cfg.CPURejectThreshold, cfg.MemoryLimit, logger)

	authSvc := auth.NewService(creds, tokens, limiter, logger)
	eventSvc := event.NewService(cfg, creds, st, c, q, tokens, logger)

	srv := server.New(cfg, authSvc, eventSvc, guard, q, logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	// Drain order: server first so no new work arrives, then the
	// queue so accepted writes land, then the stores via the defers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http drain incomplete")
	}
	q.Stop()

	logger.Info().Msg("limitd stopped")
	return nil
}

// provisionUser creates the five rows a new account needs: key
// material with the ECDH-derived shared secret, privacy defaults, an
// initial passcode, an empty profile, and the self-subscription that
// routes direct messages.
func provisionUser(cfg *config.Config, logger zerolog.Logger, userPubkey string) error {
	ctx := context.Background()

	shared, err := crypto.DeriveShared(cfg.ServerSecretKey, userPubkey)
	if err != nil {
		return fmt.Errorf("derive shared key: %w", err)
	}
	passcode, err := auth.GeneratePasscode()
	if err != nil {
		return fmt.Errorf("generate passcode: %w", err)
	}

	st, err := store.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap store: %w", err)
	}

	id := uuid.NewString()
	if err := st.CreateUser(ctx, store.User{ID: id, Pubkey: userPubkey, Sharedkey: shared}); err != nil {
		return err
	}
	if err := st.SetPrivacySettings(ctx, store.PrivacySettings{
		ID:            id,
		Avatar:        "private",
		LastSeen:      "private",
		JoinedGroups:  "private",
		Forwards:      "private",
		JWTExpiration: provisionedJWTExpiration,
	}); err != nil {
		return err
	}
	if err := st.SetPasscode(ctx, id, passcode); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := st.UpsertProfile(ctx, store.Profile{ID: id, LastModified: &now}); err != nil {
		return err
	}
	if err := st.AddSubscription(ctx, store.Subscription{
		UserID: id, SubscribedTo: id, ChannelType: "message",
	}); err != nil {
		return err
	}

	logger.Info().Str("user_id", id).Msg("user provisioned")
	fmt.Println(id)
	return nil
}
