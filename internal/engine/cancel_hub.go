package engine

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/saferun-engine/internal/infra"
	"go.uber.org/zap"
)

// CancelHub раздает сигналы внешней отмены по живым сессиям.
// Отмена приходит локально (HTTP-ручка этого инстанса) или по
// Redis Pub/Sub — тогда ее исполнит тот инстанс, который владеет
// сессией. Отмена безопасна в любом состоянии сессии.
type CancelHub struct {
	mu       sync.Mutex
	sessions map[string]chan struct{}

	rdb    *redis.Client // nil — только локальные отмены
	logger *zap.Logger
}

func NewCancelHub(rdb *redis.Client, logger *zap.Logger) *CancelHub {
	return &CancelHub{
		sessions: make(map[string]chan struct{}),
		rdb:      rdb,
		logger:   logger.With(zap.String("mod", "cancel-hub")),
	}
}

// Register заводит канал отмены для сессии. Возвращенный unregister
// обязателен на всех путях выхода из сессии.
func (h *CancelHub) Register(sessionID string) (<-chan struct{}, func()) {
	ch := make(chan struct{})

	h.mu.Lock()
	h.sessions[sessionID] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.sessions, sessionID)
		h.mu.Unlock()
	}
}

// Cancel будит локальную сессию. Неизвестный ID — не ошибка:
// сессия могла уже завершиться или жить на другом инстансе.
func (h *CancelHub) Cancel(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	close(ch)
	delete(h.sessions, sessionID) // повторный Cancel — no-op
	h.logger.Info("session cancel delivered", zap.String("session_id", sessionID))
	return true
}

// Broadcast доставляет отмену всем инстансам через Pub/Sub
// и сразу будит локальную сессию, если она наша.
func (h *CancelHub) Broadcast(ctx context.Context, sessionID string) error {
	h.Cancel(sessionID)
	if h.rdb == nil {
		return nil
	}
	return h.rdb.Publish(ctx, infra.RedisChanSessionCancel, sessionID+":on").Err()
}

// StartListener слушает распределенные отмены
func (h *CancelHub) StartListener(ctx context.Context) {
	if h.rdb == nil {
		return
	}
	ListenStateResilient(ctx, h.rdb, h.logger, infra.RedisChanSessionCancel,
		func() error { return nil }, // состояние отмен не синхронизируется
		func(sig Signal) {
			if sig.On {
				h.Cancel(sig.ID)
			}
		},
	)
}
