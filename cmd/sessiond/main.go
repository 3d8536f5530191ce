// Command sessiond serves the session trust and risk engine over HTTP
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wispberry-tech/wispy-trust/core"
	"github.com/wispberry-tech/wispy-trust/core/geo"
	"github.com/wispberry-tech/wispy-trust/core/notify"
	"github.com/wispberry-tech/wispy-trust/core/storage"
	"github.com/wispberry-tech/wispy-trust/internal/config"
	"github.com/wispberry-tech/wispy-trust/internal/logging"
	"github.com/wispberry-tech/wispy-trust/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("sessiond exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.OTLPEndpoint, cfg.OTLPInsecure, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var geolocator core.Geolocator
	if cfg.GeoEnabled {
		geolocator = geo.NewProvider(geo.Config{
			Endpoint:          cfg.GeoEndpoint,
			Timeout:           cfg.GeoTimeout,
			RequestsPerMinute: cfg.GeoRatePerMinute,
		})
	}

	broker := notify.NewBroker(notify.DefaultBufferSize, logger)
	defer broker.Close()
	sinks := notify.Multi{notify.NewLogNotifier(logger), broker}
	if cfg.KafkaEnabled {
		kafkaNotifier := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer kafkaNotifier.Close()
		sinks = append(sinks, kafkaNotifier)
	}

	service, err := core.NewSessionService(core.Config{
		Storage:       store,
		Geolocator:    geolocator,
		Notifier:      sinks,
		Logger:        logger,
		SessionConfig: cfg.SessionConfig(),
	})
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to initialize session service: %w", err)
	}
	defer service.Close()

	sweeper := core.NewSweeper(service)
	go sweeper.Run(ctx)
	defer sweeper.Stop()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(service, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Session server starting", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down session server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (core.Storage, error) {
	switch {
	case cfg.DatabaseURL != "":
		logger.Info("Using PostgreSQL session store")
		return storage.NewPostgresStorage(ctx, cfg.DatabaseURL)
	case cfg.SQLitePath != "":
		logger.Info("Using SQLite session store", "path", cfg.SQLitePath)
		return storage.NewSQLiteStorage(cfg.SQLitePath)
	default:
		logger.Warn("No database configured, sessions are kept in memory")
		return storage.NewMemoryStorage(), nil
	}
}

func newRouter(service *core.SessionService, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Device-Fingerprint"},
		MaxAge:         300,
	}))

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			resp := service.CreateSessionHandler(r)
			writeJSON(w, resp.StatusCode, resp)
		})
		r.Post("/validate", func(w http.ResponseWriter, r *http.Request) {
			resp := service.ValidateSessionHandler(r)
			writeJSON(w, resp.StatusCode, resp)
		})

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
				resp := service.RevokeSessionHandler(r, chi.URLParam(r, "sessionID"))
				writeJSON(w, resp.StatusCode, resp)
			})
			r.Post("/activity", func(w http.ResponseWriter, r *http.Request) {
				resp := service.LogActivityHandler(r, chi.URLParam(r, "sessionID"))
				writeJSON(w, resp.StatusCode, resp)
			})
			r.Post("/lock", func(w http.ResponseWriter, r *http.Request) {
				resp := service.LockSessionHandler(r, chi.URLParam(r, "sessionID"))
				writeJSON(w, resp.StatusCode, resp)
			})
			r.Post("/step-up", func(w http.ResponseWriter, r *http.Request) {
				resp := service.RequireStepUpHandler(r, chi.URLParam(r, "sessionID"))
				writeJSON(w, resp.StatusCode, resp)
			})
			r.Post("/step-up/complete", func(w http.ResponseWriter, r *http.Request) {
				resp := service.CompleteStepUpHandler(r, chi.URLParam(r, "sessionID"))
				writeJSON(w, resp.StatusCode, resp)
			})
			r.Post("/freeze", func(w http.ResponseWriter, r *http.Request) {
				resp := service.FreezeSessionHandler(r, chi.URLParam(r, "sessionID"))
				writeJSON(w, resp.StatusCode, resp)
			})
			r.Post("/unfreeze", func(w http.ResponseWriter, r *http.Request) {
				resp := service.UnfreezeSessionHandler(r, chi.URLParam(r, "sessionID"))
				writeJSON(w, resp.StatusCode, resp)
			})
		})
	})

	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
			resp := service.ListSessionsHandler(r, chi.URLParam(r, "userID"))
			writeJSON(w, resp.StatusCode, resp)
		})
		r.Post("/conflicts/resolve", func(w http.ResponseWriter, r *http.Request) {
			resp := service.ResolveConflictsHandler(r, chi.URLParam(r, "userID"))
			writeJSON(w, resp.StatusCode, resp)
		})
		r.Post("/scan", func(w http.ResponseWriter, r *http.Request) {
			resp := service.ScanUserHandler(r, chi.URLParam(r, "userID"))
			writeJSON(w, resp.StatusCode, resp)
		})
		r.Get("/policy", func(w http.ResponseWriter, r *http.Request) {
			resp := service.GetPolicyHandler(r, chi.URLParam(r, "userID"))
			writeJSON(w, resp.StatusCode, resp)
		})
		r.Put("/policy", func(w http.ResponseWriter, r *http.Request) {
			resp := service.SetPolicyHandler(r, chi.URLParam(r, "userID"))
			writeJSON(w, resp.StatusCode, resp)
		})
	})

	r.Post("/policy/validate", func(w http.ResponseWriter, r *http.Request) {
		resp := service.ValidatePolicyHandler(r)
		writeJSON(w, resp.StatusCode, resp)
	})
	r.Post("/risk", func(w http.ResponseWriter, r *http.Request) {
		resp := service.RiskHandler(r)
		writeJSON(w, resp.StatusCode, resp)
	})

	// Routes behind session validation
	r.Group(func(r chi.Router) {
		r.Use(service.SessionMiddleware)
		r.Get("/me/session", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, core.SessionResponse{Session: core.GetSessionFromContext(r)})
		})
		r.With(core.RequireStepUpCleared).Delete("/me/sessions/others", func(w http.ResponseWriter, r *http.Request) {
			resp := service.RevokeOtherSessionsHandler(r)
			writeJSON(w, resp.StatusCode, resp)
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
