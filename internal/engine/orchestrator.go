package engine

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/saferun-engine/internal/detector"
	"github.com/xela07ax/saferun-engine/internal/domain"
	"github.com/xela07ax/saferun-engine/internal/isolation"
	"github.com/xela07ax/saferun-engine/internal/monitor"
	"go.uber.org/zap"
)

// BackendSelector выбирает бэкенд изоляции под запрос
type BackendSelector interface {
	Select(ctx context.Context, method domain.IsolationMethod) (isolation.Backend, bool, error)
}

// Blacklist — проверка запрещенных идентификаторов приложений
type Blacklist interface {
	IsBlacklisted(name string) bool
}

// OrchestratorConfig — ритм наблюдения одной сессии
type OrchestratorConfig struct {
	SampleInterval     time.Duration
	BreachGraceSamples int
}

// SandboxOrchestrator — конечный автомат одной сессии анализа:
// Pending → Preparing → Running/Monitoring → {Completed, TimedOut,
// Blocked, Failed}. Единственный компонент, знающий полный lifecycle.
type SandboxOrchestrator struct {
	selector  BackendSelector
	detector  *detector.Detector
	blacklist Blacklist
	cancels   *CancelHub
	metrics   *Metrics
	logger    *zap.Logger
	cfg       OrchestratorConfig
}

func NewOrchestrator(
	selector BackendSelector,
	det *detector.Detector,
	blacklist Blacklist,
	cancels *CancelHub,
	metrics *Metrics,
	logger *zap.Logger,
	cfg OrchestratorConfig,
) *SandboxOrchestrator {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 500 * time.Millisecond
	}
	if cfg.BreachGraceSamples <= 0 {
		cfg.BreachGraceSamples = 3
	}
	return &SandboxOrchestrator{
		selector:  selector,
		detector:  det,
		blacklist: blacklist,
		cancels:   cancels,
		metrics:   metrics,
		logger:    logger.With(zap.String("mod", "orchestrator")),
		cfg:       cfg,
	}
}

// session — мутабельное состояние одного запуска. Живет только внутри
// Execute и принадлежит ровно одному запросу.
type session struct {
	id        string
	state     domain.SessionState
	startedAt time.Time
	events    []domain.MonitoredEvent
	score     domain.ThreatScore
	exitCode  int
}

// Execute прогоняет запрос через полный lifecycle и всегда возвращает
// отчет — Failed тоже валидный исход анализа враждебного файла, а не
// паника. Блокирует вызывателя до терминального состояния.
func (o *SandboxOrchestrator) Execute(ctx context.Context, req domain.ExecutionRequest) domain.ExecutionReport {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	sess := &session{
		id:        sessionID,
		state:     domain.StatePending,
		startedAt: time.Now(),
	}
	log := o.logger.With(
		zap.String("session_id", sess.id),
		zap.String("target", req.TargetPath),
	)

	// ID объявляется до первого перехода автомата: оператор должен
	// знать, куда целиться отменой, пока сессия еще жива
	log.Info("session started",
		zap.String("level", string(req.Level)),
		zap.String("method", string(req.Method)),
	)

	// Запуск блэклистнутого приложения не начинается вовсе: Blocked
	// без единого Prepare (и, по инварианту, без Teardown).
	if target := filepath.Base(req.TargetPath); o.blacklist != nil && o.blacklist.IsBlacklisted(target) {
		o.metrics.BreachesTotal.WithLabelValues(string(BreachBlacklist)).Inc()
		log.Warn("target is blacklisted, refusing to launch", zap.String("app", target))
		return o.finalize(sess, req, domain.StateBlocked, "blacklisted application: "+target, req.Method)
	}

	sess.state = domain.StatePreparing

	backend, fellBack, err := o.selector.Select(ctx, req.Method)
	if err != nil {
		o.metrics.BackendFailures.WithLabelValues("select").Inc()
		return o.finalize(sess, req, domain.StateFailed, "backend selection: "+err.Error(), req.Method)
	}
	method := backend.Method()
	if fellBack {
		log.Warn("requested isolation unavailable, fell back",
			zap.String("requested", string(req.Method)),
			zap.String("actual", string(method)),
		)
	}

	handle, err := backend.Prepare(ctx, req.Limits)
	if err != nil {
		o.metrics.BackendFailures.WithLabelValues("prepare").Inc()
		return o.finalize(sess, req, domain.StateFailed, "prepare sandbox: "+err.Error(), method)
	}

	// Жесткий инвариант: ровно один Teardown на каждый удачный Prepare,
	// на любом пути выхода. Teardown идет после фиксации вердикта,
	// его отказ терминальное состояние не меняет.
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer tcancel()
		if err := backend.Teardown(tctx, handle); err != nil {
			log.Warn("teardown failed", zap.Error(err))
		}
	}()

	cancelCh, unregister := o.cancels.Register(sess.id)
	defer unregister()

	sess.state = domain.StateRunning
	if err := backend.Launch(ctx, handle, req.TargetPath); err != nil {
		o.metrics.BackendFailures.WithLabelValues("launch").Inc()
		return o.finalize(sess, req, domain.StateFailed, "launch target: "+err.Error(), method)
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	// Процессный бэкенд дает живой PID — к нему цепляется коллектор
	// активности; контейнерный наблюдается через CollectStats.
	var collectors []monitor.Collector
	if handle.PID > 0 {
		collectors = append(collectors, monitor.NewProcessCollector(handle.PID, o.logger))
	}
	mon := monitor.New(o.logger, o.cfg.SampleInterval, collectors...)
	go mon.Run(runCtx)

	breaches := make(chan Breach, 4)
	limiter := NewResourceLimiter(
		req.Limits, o.cfg.SampleInterval, o.cfg.BreachGraceSamples,
		func(c context.Context) (domain.ResourceUsageSample, error) {
			return backend.CollectStats(c, handle)
		},
		mon.Publish, breaches, o.logger,
	)
	go limiter.Run(runCtx)

	sess.state = domain.StateMonitoring

	// Скоринг — единственный владелец events/score. Монитор отдает
	// события в детерминированном порядке, поэтому счет воспроизводим
	// независимо от реального джиттера.
	scoreDone := make(chan struct{})
	go func() {
		defer close(scoreDone)
		for evt := range mon.Events() {
			sess.events = append(sess.events, evt)
			sess.score = o.detector.Observe(evt, sess.score)
			o.metrics.EventsObserved.WithLabelValues(string(evt.Category)).Inc()

			// Порождение блэклистнутого приложения — немедленный брич
			if evt.Category == domain.CategoryProcessOp && o.blacklist != nil &&
				o.blacklist.IsBlacklisted(evt.Attr("image")) {
				select {
				case breaches <- Breach{
					Kind:   BreachBlacklist,
					Reason: "spawned blacklisted application: " + evt.Attr("image"),
				}:
				default: // брич уже в очереди, второй не нужен
				}
			}
		}
	}()

	state, diag := o.await(ctx, handle, breaches, cancelCh, sess)

	// Всё, кроме чистого выхода цели, гасится принудительно
	if state != domain.StateCompleted {
		kctx, kcancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := backend.EnforceKill(kctx, handle); err != nil {
			log.Warn("enforce kill failed", zap.Error(err))
		}
		kcancel()
	}

	stopRun() // останавливает лимитер и тикер монитора
	mon.Stop()
	<-scoreDone

	return o.finalize(sess, req, state, diag, method)
}

// await ждет первый из исходов: выход цели, брич, отмена.
// Tie-break зафиксирован: брич Blocked-типа бьет таймаут в одном окне
// наблюдения — это более конкретный, более уверенный сигнал.
func (o *SandboxOrchestrator) await(
	ctx context.Context,
	handle *isolation.Handle,
	breaches chan Breach,
	cancelCh <-chan struct{},
	sess *session,
) (domain.SessionState, string) {
	select {
	case res := <-handle.Done():
		sess.exitCode = res.ExitCode
		// Брич, пришедший в то же окно, что и выход, конкретнее
		select {
		case br := <-breaches:
			return o.breachState(br)
		default:
		}
		return domain.StateCompleted, ""

	case br := <-breaches:
		if br.Kind == BreachTimeout {
			br = preferBlocking(br, breaches)
		}
		return o.breachState(br)

	case <-cancelCh:
		// Внешняя отмена — брич-эквивалент
		o.metrics.BreachesTotal.WithLabelValues(string(BreachCancelled)).Inc()
		return domain.StateBlocked, "cancelled by operator"

	case <-ctx.Done():
		o.metrics.BreachesTotal.WithLabelValues(string(BreachCancelled)).Inc()
		return domain.StateBlocked, "cancelled: " + ctx.Err().Error()
	}
}

// preferBlocking осушает очередь бричей: если рядом с таймаутом лежит
// Blocked-сигнал, выигрывает он
func preferBlocking(br Breach, breaches chan Breach) Breach {
	for {
		select {
		case extra := <-breaches:
			if extra.Kind != BreachTimeout {
				return extra
			}
		default:
			return br
		}
	}
}

func (o *SandboxOrchestrator) breachState(br Breach) (domain.SessionState, string) {
	o.metrics.BreachesTotal.WithLabelValues(string(br.Kind)).Inc()
	if br.Kind == BreachTimeout {
		return domain.StateTimedOut, br.Reason
	}
	return domain.StateBlocked, br.Reason
}

// finalize собирает неизменяемый отчет и фиксирует метрики.
// Вызывается ровно один раз на Execute.
func (o *SandboxOrchestrator) finalize(
	sess *session,
	req domain.ExecutionRequest,
	state domain.SessionState,
	diag string,
	method domain.IsolationMethod,
) domain.ExecutionReport {
	sess.state = state
	finished := time.Now()

	report := domain.ExecutionReport{
		ID:         uuid.New().String(),
		Request:    req,
		FinalState: state,
		Diagnostic: diag,
		Summary: domain.SessionSummary{
			SessionID:  sess.id,
			Backend:    method,
			StartedAt:  sess.startedAt,
			FinishedAt: finished,
			ExitCode:   sess.exitCode,
			EventCount: len(sess.events),
		},
		Events:    sess.events,
		CreatedAt: finished,
	}

	// Failed несет диагноз вместо вердикта: песочница не поднялась,
	// поведение цели не наблюдалось
	if state != domain.StateFailed {
		report.Score = sess.score
		report.Level = o.detector.Classify(sess.score)
	}

	o.metrics.SessionsTotal.WithLabelValues(string(state)).Inc()
	o.metrics.SessionDuration.WithLabelValues(string(state)).Observe(finished.Sub(sess.startedAt).Seconds())

	o.logger.Info("session finished",
		zap.String("session_id", sess.id),
		zap.String("final_state", string(state)),
		zap.Float64("score", report.Score.Aggregate),
		zap.String("threat_level", report.Level.String()),
		zap.Int("events", len(sess.events)),
	)
	return report
}
