package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nikstep/browseragent/internal/auth"
	"github.com/nikstep/browseragent/internal/browser"
	"github.com/nikstep/browseragent/internal/llm"
	"github.com/nikstep/browseragent/internal/store"
	"github.com/nikstep/browseragent/internal/supervisor"
)

const (
	envListenAddr = "SERVER_ADDR"
	envJWTSecret  = "AUTH_JWT_SECRET"
	envJWTExpiry  = "AUTH_JWT_EXPIRY_MINUTES"
	envStoreDSN   = "STORE_DSN"
	envMaxSteps   = "AGENT_MAX_STEPS"

	defaultListenAddr = ":8080"
	defaultStoreDSN   = "agent.db"
	defaultMaxSteps   = 25
	defaultJWTExpiry  = 60 * time.Minute

	shutdownGrace = 10 * time.Second
)

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	llmClient, err := llm.NewClientWithLogger(log.With().Str("comp", "llm").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("llm init")
	}

	launcher, err := browser.NewLauncher(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("browser init")
	}
	defer launcher.Close()

	db, err := store.Open(storeDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("store init")
	}

	verifier := auth.NewJWTVerifier(os.Getenv(envJWTSecret), jwtExpiry())

	hub := supervisor.NewHub(supervisor.Deps{
		Auth:     verifier,
		Store:    db,
		Launcher: launcher,
		Vision:   llmClient,
		MaxSteps: maxSteps(),
	}, log.With().Str("comp", "supervisor").Logger())

	srv := &http.Server{
		Addr:    listenAddr(),
		Handler: hub.Mux(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func listenAddr() string {
	if v := os.Getenv(envListenAddr); v != "" {
		return v
	}
	return defaultListenAddr
}

func storeDSN() string {
	if v := os.Getenv(envStoreDSN); v != "" {
		return v
	}
	return defaultStoreDSN
}

func maxSteps() int {
	if v := os.Getenv(envMaxSteps); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultMaxSteps
}

func jwtExpiry() time.Duration {
	if v := os.Getenv(envJWTExpiry); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Minute
		}
	}
	return defaultJWTExpiry
}
