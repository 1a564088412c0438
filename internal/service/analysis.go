package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/saferun-engine/internal/domain"
	"github.com/xela07ax/saferun-engine/internal/engine"
	"github.com/xela07ax/saferun-engine/internal/infra"
	"go.uber.org/zap"
)

// ErrArchiveDisabled — движок работает без базы, выдача по ID недоступна
var ErrArchiveDisabled = errors.New("report archive is disabled")

// Executor — оркестратор с точки зрения сервисного слоя
type Executor interface {
	Execute(ctx context.Context, req domain.ExecutionRequest) domain.ExecutionReport
}

// ReportStore — чтение архива для выдачи отчетов по ID
type ReportStore interface {
	GetByID(ctx context.Context, id string) (*domain.ExecutionReport, error)
}

// Archiver — асинхронная персистентность готовых отчетов
type Archiver interface {
	Log(r domain.ExecutionReport)
}

// LimitOverrides — явные перекрытия лимитов уровня в запросе.
// nil-поле означает «взять из профиля уровня».
type LimitOverrides struct {
	MemoryMB             *int64 `json:"memory_mb,omitempty"`
	CPUPercent           *int   `json:"cpu_percent,omitempty"`
	ExecutionTimeSeconds *int   `json:"execution_time_seconds,omitempty"`
	NetworkAccess        *bool  `json:"network_access,omitempty"`
}

// AnalyzeParams — разобранный запрос submission API
type AnalyzeParams struct {
	FilePath string
	Level    string
	Method   string

	// SessionID вызыватель может выбрать сам, чтобы отменять сессию
	// параллельным запросом; пустой заменяется сгенерированным
	SessionID string

	Overrides *LimitOverrides
}

// AnalysisService — синхронный фасад над движком: хэш → кэш →
// исполнение → архив. Единственная точка входа внешних вызывателей.
type AnalysisService struct {
	orchestrator Executor
	cache        *VerdictCache // nil — кэш выключен
	archive      Archiver      // nil — архив выключен
	reports      ReportStore   // nil — выдача по ID недоступна
	cancels      *engine.CancelHub
	sandboxCfg   *infra.SandboxConfig
	metrics      *engine.Metrics
	logger       *zap.Logger
}

func NewAnalysisService(
	orchestrator Executor,
	cache *VerdictCache,
	archive Archiver,
	reports ReportStore,
	cancels *engine.CancelHub,
	sandboxCfg *infra.SandboxConfig,
	metrics *engine.Metrics,
	logger *zap.Logger,
) *AnalysisService {
	return &AnalysisService{
		orchestrator: orchestrator,
		cache:        cache,
		archive:      archive,
		reports:      reports,
		cancels:      cancels,
		sandboxCfg:   sandboxCfg,
		metrics:      metrics,
		logger:       logger.With(zap.String("mod", "analysis")),
	}
}

// Analyze — единственная точка входа анализа. Синхронна для
// вызывателя независимо от внутренней конкуренции движка.
func (s *AnalysisService) Analyze(ctx context.Context, p AnalyzeParams) (domain.ExecutionReport, error) {
	if p.FilePath == "" {
		return domain.ExecutionReport{}, fmt.Errorf("file_path is required")
	}

	fileHash, err := hashFile(p.FilePath)
	if err != nil {
		return domain.ExecutionReport{}, fmt.Errorf("target file is not readable: %w", err)
	}

	level, ok := domain.ParseSecurityLevel(orDefault(p.Level, s.sandboxCfg.DefaultSecurityLevel))
	if !ok {
		s.logger.Warn("unknown security level, using medium", zap.String("level", p.Level))
	}
	method, ok := domain.ParseIsolationMethod(orDefault(p.Method, s.sandboxCfg.IsolationMethod))
	if !ok {
		s.logger.Warn("unknown isolation method, using container", zap.String("method", p.Method))
	}

	// Повторная сдача известного образца вердикт не передетонирует
	if s.cache != nil {
		if cached, hit := s.cache.Get(ctx, fileHash); hit {
			s.metrics.VerdictCacheHits.Inc()
			s.logger.Info("verdict served from cache",
				zap.String("hash", fileHash),
				zap.String("final_state", string(cached.FinalState)),
			)
			return *cached, nil
		}
	}

	limits := s.sandboxCfg.LimitsFor(level)
	applyOverrides(&limits, p.Overrides)

	// Перекрытие таймаута не пробивает потолок конфигурации: иначе
	// соединение submission API закроется раньше, чем придет вердикт
	if max := s.sandboxCfg.MaxExecutionTimeout(); max > 0 && limits.ExecutionTimeout > max {
		s.logger.Warn("execution timeout override clamped",
			zap.Duration("requested", limits.ExecutionTimeout),
			zap.Duration("max", max),
		)
		limits.ExecutionTimeout = max
	}

	// ID сессии фиксируется до запуска: он попадает в лог старта, и
	// ручка отмены может целиться в сессию до терминального состояния
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	req := domain.ExecutionRequest{
		TargetPath: p.FilePath,
		Level:      level,
		Method:     method,
		Limits:     limits,
		SessionID:  sessionID,
	}

	rep := s.orchestrator.Execute(ctx, req)
	rep.FileHash = fileHash

	// Failed не кэшируем: недоступный рантайм — преходящее состояние
	if s.cache != nil && rep.FinalState != domain.StateFailed {
		s.cache.Put(ctx, rep)
	}
	if s.archive != nil {
		s.archive.Log(rep)
	}

	return rep, nil
}

// GetReport достает архивный отчет по ID
func (s *AnalysisService) GetReport(ctx context.Context, id string) (*domain.ExecutionReport, error) {
	if s.reports == nil {
		return nil, ErrArchiveDisabled
	}
	return s.reports.GetByID(ctx, id)
}

// CancelSession транслирует отмену сессии на все инстансы
func (s *AnalysisService) CancelSession(ctx context.Context, sessionID string) error {
	return s.cancels.Broadcast(ctx, sessionID)
}

func applyOverrides(limits *domain.ResourceLimits, o *LimitOverrides) {
	if o == nil {
		return
	}
	if o.MemoryMB != nil {
		limits.MemoryBytes = *o.MemoryMB * 1024 * 1024
	}
	if o.CPUPercent != nil {
		limits.CPUPercent = *o.CPUPercent
	}
	if o.ExecutionTimeSeconds != nil {
		limits.ExecutionTimeout = time.Duration(*o.ExecutionTimeSeconds) * time.Second
	}
	if o.NetworkAccess != nil {
		limits.NetworkAccess = *o.NetworkAccess
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
