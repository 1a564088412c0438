package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/saferun-engine/internal/infra"
	"go.uber.org/zap"
)

// BlacklistManager держит множество запрещенных идентификаторов
// приложений: seed из конфига плюс распределенное состояние в Redis
// с live-обновлениями через Pub/Sub. Проверка на hot path ходит
// только в RAM.
type BlacklistManager struct {
	mu   sync.RWMutex
	apps map[string]struct{}

	seed   []string
	rdb    *redis.Client // nil — локальный режим, только seed
	logger *zap.Logger
}

func NewBlacklistManager(rdb *redis.Client, seed []string, logger *zap.Logger) *BlacklistManager {
	return &BlacklistManager{
		apps:   make(map[string]struct{}),
		seed:   seed,
		rdb:    rdb,
		logger: logger.With(zap.String("mod", "blacklist")),
	}
}

// Init прогревает L1 из seed и подтягивает распределенное состояние
func (m *BlacklistManager) Init(ctx context.Context) error {
	if m.rdb == nil {
		m.replace(m.seed)
		return nil
	}

	if err := WarmupState(ctx, m.rdb, m.logger, m.seed,
		infra.RedisKeyBlacklistSet, infra.RedisKeyLockBlacklist, m.replace); err != nil {
		return err
	}

	// Добираем то, что другие инстансы уже положили в общий set
	members, err := m.rdb.SMembers(ctx, infra.RedisKeyBlacklistSet).Result()
	if err != nil {
		m.logger.Warn("could not read shared blacklist, using seed only", zap.Error(err))
		return nil
	}
	m.mu.Lock()
	for _, id := range members {
		m.apps[normalizeApp(id)] = struct{}{}
	}
	m.mu.Unlock()
	return nil
}

// StartListener подписывается на изменения блэклиста в реальном времени
func (m *BlacklistManager) StartListener(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanBlacklist,
		func() error { return m.Init(ctx) }, // Переподключение
		m.apply,
	)
}

// apply — обработчик control-plane сигнала: on добавляет, off удаляет
func (m *BlacklistManager) apply(sig Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sig.On {
		m.apps[normalizeApp(sig.ID)] = struct{}{}
	} else {
		delete(m.apps, normalizeApp(sig.ID))
	}
}

// IsBlacklisted — максимально быстрая проверка для Hot Path.
// Принимает и полный путь, и голое имя приложения.
func (m *BlacklistManager) IsBlacklisted(name string) bool {
	if name == "" {
		return false
	}
	key := normalizeApp(name)

	m.mu.RLock()
	defer m.mu.RUnlock()
	_, blocked := m.apps[key]
	return blocked
}

func (m *BlacklistManager) replace(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m.apps[normalizeApp(id)] = struct{}{}
	}
}

func normalizeApp(name string) string {
	return strings.ToLower(filepath.Base(strings.TrimSpace(name)))
}
