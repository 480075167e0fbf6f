package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Healer-AI/p8fs-sub003/internal/affinity"
	"github.com/Healer-AI/p8fs-sub003/internal/auth"
	"github.com/Healer-AI/p8fs-sub003/internal/config"
	"github.com/Healer-AI/p8fs-sub003/internal/dreaming"
	"github.com/Healer-AI/p8fs-sub003/internal/embeddings"
	"github.com/Healer-AI/p8fs-sub003/internal/health"
	"github.com/Healer-AI/p8fs-sub003/internal/llm"
	"github.com/Healer-AI/p8fs-sub003/internal/models"
	"github.com/Healer-AI/p8fs-sub003/internal/nameindex"
	"github.com/Healer-AI/p8fs-sub003/internal/rem"
	"github.com/Healer-AI/p8fs-sub003/internal/repository"
	"github.com/Healer-AI/p8fs-sub003/internal/session"
	"github.com/Healer-AI/p8fs-sub003/internal/storage"
	"github.com/Healer-AI/p8fs-sub003/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without it", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Embedding service first; the storage provider needs the dimension
	// table for DDL generation.
	embedSvc, err := embeddings.NewService(cfg.Embeddings, nil, logger)
	if err != nil {
		logger.Fatal("Failed to build embedding service", zap.Error(err))
	}

	store, err := storage.Connect(ctx, cfg.Storage, embedSvc.Dimensions(), logger)
	if err != nil {
		logger.Fatal("Failed to connect storage", zap.Error(err))
	}
	defer store.Close()

	// Wire the Redis vector cache in behind the service now that the
	// provider owns the client.
	embedSvc.SetCache(embeddings.NewRedisCache(store.KV()))

	textProvider := cfg.Embeddings.DefaultProvider
	imageProvider := textProvider
	for _, pc := range cfg.Embeddings.Providers {
		if pc.Kind == "remote_image" {
			imageProvider = pc.ID
			break
		}
	}

	descriptors := models.CoreDescriptors(textProvider, imageProvider)
	index := nameindex.New(store, descriptors, logger)
	repo := repository.New(store, index, embedSvc, logger)
	for _, desc := range descriptors {
		if _, err := repo.RegisterModel(ctx, desc, false); err != nil {
			logger.Fatal("Failed to register model",
				zap.String("table", desc.Table),
				zap.Error(err),
			)
		}
	}

	engine := rem.NewEngine(repo, logger)
	sessions := session.NewManager(repo, cfg.Session, logger)
	llmClient := llm.NewClient(cfg.LLM, logger)
	builder := affinity.New(repo, llmClient, cfg.Affinity, logger)
	enricher := dreaming.NewResourceEnricher(repo, builder, logger)
	worker := dreaming.NewWorker(repo, llmClient, llmClient, enricher, cfg.Dreaming, logger)
	if err := worker.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to ensure jobs table", zap.Error(err))
	}

	go store.RunKVSweeper(ctx, time.Minute)
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Dreaming worker exited", zap.Error(err))
		}
	}()

	checks := health.NewManager(logger)
	checks.RegisterStorage(store)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", checks.LivenessHandler())
	mux.Handle("/readyz", checks.ReadinessHandler())
	mux.Handle("/v1/query", authMiddleware(cfg, logger, queryHandler(engine, logger)))
	mux.Handle("/v1/dream", authMiddleware(cfg, logger, dreamHandler(worker, logger)))
	mux.Handle("/v1/threads", authMiddleware(cfg, logger, threadHandler(sessions, logger)))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown incomplete", zap.Error(err))
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// authMiddleware resolves the tenant from a Bearer token. With auth disabled
// (development) the X-Tenant-ID and X-User-ID headers stand in; the core
// never derives tenant from the network path.
func authMiddleware(cfg *config.Config, logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var uc auth.UserContext
		if cfg.Auth.Enabled {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			parsed, err := auth.ParseClaims(token, cfg.JWTSecret())
			if err != nil {
				logger.Debug("Token rejected", zap.Error(err))
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			uc = parsed
		} else {
			uc = auth.UserContext{
				UserID:   r.Header.Get("X-User-ID"),
				TenantID: r.Header.Get("X-Tenant-ID"),
			}
		}
		if uc.TenantID == "" {
			http.Error(w, "tenant missing", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUserContext(r.Context(), uc)))
	})
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryErrorResponse struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func queryHandler(engine *rem.Engine, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		tenantID := auth.TenantID(r.Context())
		if tenantID == "" {
			http.Error(w, "tenant missing", http.StatusForbidden)
			return
		}

		result, err := engine.Execute(r.Context(), tenantID, req.Query)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			var qe *rem.QueryError
			status := http.StatusInternalServerError
			kind := rem.KindInternal
			if errors.As(err, &qe) {
				kind = qe.Kind
				switch qe.Kind {
				case rem.KindParse, rem.KindUnsupportedSQL, rem.KindUnknownTable, rem.KindDepthExceeded:
					status = http.StatusBadRequest
				case rem.KindVectorUnavailable, rem.KindDimensionMismatch:
					status = http.StatusUnprocessableEntity
				}
			}
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(queryErrorResponse{Kind: kind, Error: err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(result)
	})
}

type dreamRequest struct {
	Mode       string `json:"mode"`
	DataWindow string `json:"data_window"`
}

func dreamHandler(worker *dreaming.Worker, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req dreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		tenantID := auth.TenantID(r.Context())
		if tenantID == "" {
			http.Error(w, "tenant missing", http.StatusForbidden)
			return
		}
		if req.DataWindow == "" {
			req.DataWindow = time.Now().UTC().Format("2006-01-02")
		}

		job, err := worker.Submit(r.Context(), tenantID, dreaming.Mode(req.Mode), req.DataWindow)
		if err != nil {
			logger.Warn("Dream submit failed", zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":      job.ID,
			"status":      job.Status,
			"mode":        job.Mode,
			"data_window": job.DataWindow,
		})
	})
}

type threadRequest struct {
	Action      string `json:"action"` // open, append, close, reload
	SessionID   string `json:"session_id,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`
	Name        string `json:"name,omitempty"`
	Agent       string `json:"agent,omitempty"`
	SessionType string `json:"session_type,omitempty"`
	Role        string `json:"role,omitempty"`
	Content     string `json:"content,omitempty"`
	Decompress  bool   `json:"decompress,omitempty"`
}

func threadHandler(sessions *session.Manager, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req threadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		uc, err := auth.GetUserContext(r.Context())
		if err != nil {
			http.Error(w, "tenant missing", http.StatusForbidden)
			return
		}

		var t *session.Thread
		switch req.Action {
		case "open":
			t, err = sessions.OpenThread(r.Context(), uc.TenantID, uc.UserID, req.ThreadID, req.Name, req.Agent, req.SessionType)
		case "append":
			t, err = sessions.ReloadThread(r.Context(), uc.TenantID, req.SessionID, false)
			if err == nil {
				err = sessions.AppendMessage(r.Context(), t, session.Message{Role: req.Role, Content: req.Content})
			}
		case "close":
			t, err = sessions.ReloadThread(r.Context(), uc.TenantID, req.SessionID, false)
			if err == nil {
				err = sessions.CloseThread(r.Context(), t)
			}
		case "reload":
			t, err = sessions.ReloadThread(r.Context(), uc.TenantID, req.SessionID, req.Decompress)
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}
		if err != nil {
			logger.Warn("Thread action failed", zap.String("action", req.Action), zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"session_id": t.SessionID,
			"thread_id":  t.ThreadID,
			"messages":   t.Messages,
		})
	})
}
