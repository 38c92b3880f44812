// Package server provides the ailex HTTP API server.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jxucoder/ailex/internal/artifact"
	"github.com/jxucoder/ailex/internal/catalog"
	"github.com/jxucoder/ailex/internal/config"
	"github.com/jxucoder/ailex/internal/dialogue"
	"github.com/jxucoder/ailex/internal/github"
	"github.com/jxucoder/ailex/internal/oracle"
	"github.com/jxucoder/ailex/internal/session"
	ailexslack "github.com/jxucoder/ailex/internal/slack"
	ailextelegram "github.com/jxucoder/ailex/internal/telegram"
)

// SecretHeader carries the shared secret when one is configured.
const SecretHeader = "Ailex-Shared-Secret"

const (
	requestTimeout  = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
	maxToolsLimit   = 100
)

// Server is the ailex HTTP API server.
type Server struct {
	config   *config.Config
	sessions *session.Store
	catalog  *catalog.Store
	machine  *dialogue.Machine
	metrics  *dialogue.Metrics
	registry *prometheus.Registry
	router   chi.Router
	logger   *zap.Logger

	// sockets is canceled on shutdown to end open chat sockets.
	sockets      context.Context
	closeSockets context.CancelFunc

	slackBot    *ailexslack.Bot    // nil if Slack is not configured
	telegramBot *ailextelegram.Bot // nil if Telegram is not configured
}

// components are the collaborators New wires from the config.
type components struct {
	catalog   *catalog.Store
	oracle    dialogue.Classifier
	generator artifact.Generator
	gists     dialogue.Publisher
}

// New creates a new Server with all dependencies. The only fatal failure
// is an unusable catalog database or a missing oracle backend.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cat, err := catalog.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initializing catalog: %w", err)
	}

	llm, err := oracle.NewClientFromConfig(cfg)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("initializing oracle: %w", err)
	}
	gw := oracle.NewGateway(llm, cfg.Dialogue.Instructions, cfg.OracleTimeout, logger.Named("oracle"))

	var gen artifact.Generator = artifact.TemplateGenerator{}
	if cfg.ArtifactGenerator == config.GeneratorLLM {
		gen = &artifact.OracleGenerator{Writer: gw, Logger: logger.Named("generator")}
		logger.Info("artifact generator: llm")
	}

	var gists dialogue.Publisher
	if cfg.GistEnabled() {
		gists = github.NewClient(cfg.GitHubToken)
		logger.Info("gist publishing enabled")
	}

	s, err := newServer(cfg, components{
		catalog:   cat,
		oracle:    gw,
		generator: gen,
		gists:     gists,
	}, logger)
	if err != nil {
		cat.Close()
		return nil, err
	}

	if cfg.SlackEnabled() {
		s.slackBot = ailexslack.NewBot(cfg.SlackBotToken, cfg.SlackAppToken, s.machine, logger.Named("slack"))
		logger.Info("slack bot enabled (Socket Mode)")
	}

	if cfg.TelegramEnabled() {
		tgBot, err := ailextelegram.NewBot(cfg.TelegramBotToken, s.machine, logger.Named("telegram"))
		if err != nil {
			logger.Warn("failed to initialize Telegram bot", zap.Error(err))
		} else {
			s.telegramBot = tgBot
			logger.Info("telegram bot enabled (long polling)")
		}
	}

	return s, nil
}

func newServer(cfg *config.Config, c components, logger *zap.Logger) (*Server, error) {
	artifacts, err := artifact.NewStore(cfg.ArtifactCacheSize)
	if err != nil {
		return nil, fmt.Errorf("initializing artifact store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := dialogue.MustNewMetrics(registry)

	sessions := session.NewStore()
	machine := dialogue.New(dialogue.Deps{
		Sessions:  sessions,
		Oracle:    c.oracle,
		Artifacts: artifacts,
		Generator: c.generator,
		Catalog:   c.catalog,
		Gists:     c.gists,
		Dialogue:  cfg.Dialogue,
		Metrics:   metrics,
		Logger:    logger.Named("dialogue"),
	})

	sockets, closeSockets := context.WithCancel(context.Background())
	s := &Server{
		config:       cfg,
		sessions:     sessions,
		catalog:      c.catalog,
		machine:      machine,
		metrics:      metrics,
		registry:     registry,
		logger:       logger,
		sockets:      sockets,
		closeSockets: closeSockets,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server, the idle sweep and the configured bots until
// ctx is canceled or one of them fails.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              s.config.ServerAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.closeSockets)

	g.Go(func() error {
		s.logger.Info("ailex server listening", zap.String("addr", s.config.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	sweeper := &session.Sweeper{
		Store:    s.sessions,
		Interval: s.config.SweepInterval,
		MaxIdle:  s.config.MaxIdle,
		OnEvict: func(string) {
			s.metrics.RecordEviction()
			s.metrics.SetActive(s.sessions.Len())
		},
		Logger: s.logger.Named("sweeper"),
	}
	g.Go(func() error { return sweeper.Run(ctx) })

	// Bot failures are logged and do not take the API down.
	if s.slackBot != nil {
		g.Go(func() error {
			if err := s.slackBot.Run(ctx); err != nil {
				s.logger.Error("slack bot stopped", zap.Error(err))
			}
			return nil
		})
	}
	if s.telegramBot != nil {
		g.Go(func() error {
			if err := s.telegramBot.Run(ctx); err != nil {
				s.logger.Error("telegram bot stopped", zap.Error(err))
			}
			return nil
		})
	}

	err := g.Wait()
	return errors.Join(err, s.catalog.Close())
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.requireSecret)

		r.Get("/ws/chat", s.handleChatSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Route("/api", func(r chi.Router) {
				r.Post("/turns", s.handleTurn)
				r.Post("/sessions/{userID}/start", s.handleStart)
				r.Get("/sessions/{userID}", s.handleGetSession)
				r.Get("/artifacts/{userID}", s.handleGetArtifact)
				r.Get("/tools", s.handleListTools)
			})
			r.Post("/generate_tool", s.handleGenerateTool)
		})
	})

	return r
}

// requireSecret rejects requests without the shared secret when one is set.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.config.SharedSecret
		if secret != "" {
			got := r.Header.Get(SecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				writeError(w, http.StatusForbidden, "Forbidden")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// --- Request/Response types ---

type turnRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

type turnResponse struct {
	Reply       string         `json:"reply"`
	State       dialogue.State `json:"state"`
	Status      string         `json:"status,omitempty"`
	ArtifactURL string         `json:"artifact_url,omitempty"`
	GistURL     string         `json:"gist_url,omitempty"`
}

type generateRequest struct {
	Task   string         `json:"task"`
	Params map[string]any `json:"params"`
	UserID string         `json:"user_id"`
}

type generateResponse struct {
	Name        string `json:"name"`
	FileName    string `json:"file_name"`
	Code        string `json:"code"`
	ArtifactURL string `json:"artifact_url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	reply, err := s.machine.HandleTurn(r.Context(), req.UserID, req.Message)
	if errors.Is(err, dialogue.ErrEmptyTurn) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("turn failed", zap.String("user_id", req.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to handle turn")
		return
	}

	writeJSON(w, http.StatusOK, s.turnResponse(req.UserID, reply))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	reply := s.machine.Start(r.Context(), userID)
	writeJSON(w, http.StatusOK, s.turnResponse(userID, reply))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "userID"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := s.machine.Artifact(chi.URLParam(r, "userID"))
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load artifact")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": art.FileName}))
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(art.Data)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	limit := catalog.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxToolsLimit)
	}

	tools, err := s.catalog.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.logger.Error("listing tools failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tools")
		return
	}
	if tools == nil {
		tools = []*catalog.Tool{}
	}
	writeJSON(w, http.StatusOK, tools)
}

// handleGenerateTool produces an artifact straight from a task and
// parameters, without a dialogue.
func (s *Server) handleGenerateTool(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		strings.TrimSpace(req.Task) == "" || len(req.Params) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid data")
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = "api"
	}

	art, err := s.machine.Produce(r.Context(), userID, req.Task, req.Params)
	if err != nil {
		s.logger.Error("generate_tool failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate tool")
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Name:        strings.TrimSuffix(art.FileName, ".zip"),
		FileName:    art.FileName,
		Code:        art.Code,
		ArtifactURL: s.artifactURL(userID),
	})
}

// --- Helpers ---

func (s *Server) turnResponse(userID string, reply *dialogue.Reply) turnResponse {
	resp := turnResponse{
		Reply:   reply.Text,
		State:   reply.State,
		Status:  reply.Status,
		GistURL: reply.GistURL,
	}
	if reply.Artifact != nil {
		resp.ArtifactURL = s.artifactURL(userID)
	}
	return resp
}

// artifactURL is where userID's archive can be downloaded. It is relative
// unless a public URL is configured.
func (s *Server) artifactURL(userID string) string {
	return s.config.PublicURL + "/api/artifacts/" + url.PathEscape(userID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
