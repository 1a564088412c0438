package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/saferun-engine/internal/infra/auth"
	"github.com/xela07ax/saferun-engine/internal/repository/postgres"
	"github.com/xela07ax/saferun-engine/internal/service"
	"go.uber.org/zap"
)

type Server struct {
	router *chi.Mux
	logger *zap.Logger

	svc *service.AnalysisService

	// Проверка RS256 токенов; nil — API работает открытым (локальный режим)
	authValidator auth.TokenValidator
}

// NewServer инициализирует submission API со всеми зависимостями
func NewServer(svc *service.AnalysisService, validator auth.TokenValidator, logger *zap.Logger) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		logger:        logger.Named("submission-api"),
		svc:           svc,
		authValidator: validator,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР ---
	r.Group(func(r chi.Router) {
		if s.authValidator != nil {
			r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		}

		r.Post("/v1/analyze", s.handleAnalyze)
		r.Route("/v1/reports", func(r chi.Router) {
			r.Get("/{id}", s.handleGetReport)
		})
		r.Route("/v1/sessions", func(r chi.Router) {
			r.Post("/{id}/cancel", s.handleCancelSession)
		})
	})
}

type analyzeRequest struct {
	FilePath        string                  `json:"file_path"`
	SecurityLevel   string                  `json:"security_level"`
	IsolationMethod string                  `json:"isolation_method"`
	Limits          *service.LimitOverrides `json:"limits"`

	// Необязательный ID сессии: задав его, вызыватель может отменить
	// еще идущий анализ параллельным POST /v1/sessions/{id}/cancel
	SessionID string `json:"session_id"`
}

// handleAnalyze — синхронная сдача файла на анализ. Ответ приходит
// только после терминального состояния сессии.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	report, err := s.svc.Analyze(r.Context(), service.AnalyzeParams{
		FilePath:  req.FilePath,
		Level:     req.SecurityLevel,
		Method:    req.IsolationMethod,
		SessionID: req.SessionID,
		Overrides: req.Limits,
	})
	if err != nil {
		// Нечитаемый файл — проблема запроса, а не движка
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("analyze failed",
			zap.String("trace_id", extractTraceID(r.Context())),
			zap.Error(err),
		)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, err := s.svc.GetReport(r.Context(), id)
	switch {
	case errors.Is(err, service.ErrArchiveDisabled):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, postgres.ErrReportNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error("report lookup failed", zap.String("id", id), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// handleCancelSession — оперативный стоп-кран: сессия гасится на любом
// инстансе через Redis Pub/Sub
func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}

	if err := s.svc.CancelSession(r.Context(), id); err != nil {
		s.logger.Error("cancel broadcast failed", zap.String("session_id", id), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
