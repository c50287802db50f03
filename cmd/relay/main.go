package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/chatlog/relay/internal/agent"
	"github.com/chatlog/relay/internal/config"
	"github.com/chatlog/relay/internal/httpapi"
	"github.com/chatlog/relay/internal/ingest"
	"github.com/chatlog/relay/internal/logger"
	"github.com/chatlog/relay/internal/metrics"
	"github.com/chatlog/relay/internal/session"
	"github.com/chatlog/relay/internal/sessionlog"
	"github.com/chatlog/relay/internal/store"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("starting relay",
		slog.String("port", cfg.Port),
		slog.String("instance_id", logger.GetInstanceID()))

	gin.SetMode(cfg.GinMode)

	st, closeStore, err := buildStore(cfg, log)
	if err != nil {
		log.Error("failed to initialize store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeStore()

	sessionLog := sessionlog.New(st, log)
	m := metrics.NewDefault()
	invoker := agent.NewInvoker(time.Duration(cfg.AgentRequestTimeoutMinutes)*time.Minute, log)
	pipeline := ingest.New(sessionLog, log, ingest.Options{})
	sessions := session.NewService(sessionLog, invoker, pipeline, m, log, cfg.DefaultAgents)

	if cfg.NatsURL != "" {
		broadcaster, err := session.NewStopBroadcaster(cfg.NatsURL, sessions, log)
		if err != nil {
			log.Error("failed to connect to nats", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer broadcaster.Close()
		sessions.SetBroadcaster(broadcaster)
		log.Info("distributed stop enabled", slog.String("nats_url", cfg.NatsURL))
	}

	api := httpapi.NewServer(sessions, sessionLog, m, log, cfg)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: splitOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type", "Authorization",
			httpapi.HeaderActorID, httpapi.HeaderRequestID, httpapi.HeaderResumeActiveGen,
		},
		ExposedHeaders: []string{
			store.HeaderNextOffset, store.HeaderCursor, store.HeaderUpToDate,
			httpapi.HeaderRequestID,
		},
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: corsHandler.Handler(api.Router()),
	}

	go func() {
		log.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", slog.String("error", err.Error()))
	}
	log.Info("stopped")
}

// buildStore picks the stream store backend from configuration: Postgres
// when DATABASE_URL is set, the remote HTTP store when ELECTRIC_URL is set,
// in-memory otherwise.
func buildStore(cfg *config.Config, log *logger.Logger) (store.Store, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := store.NewPostgresStore(cfg.DatabaseURL, store.PostgresOptions{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Minute,
			ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Minute,
			PollInterval:    cfg.LivePollInterval(),
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("using postgres store")
		return pg, func() { _ = pg.Close() }, nil

	case cfg.ElectricURL != "":
		log.Info("using remote store", slog.String("url", cfg.ElectricURL))
		return store.NewRemoteStore(cfg.ElectricURL, nil), func() {}, nil

	default:
		log.Warn("using in-memory store, sessions will not survive restarts")
		return store.NewMemoryStore(), func() {}, nil
	}
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
