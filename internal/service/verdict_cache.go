package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/saferun-engine/internal/domain"
	"github.com/xela07ax/saferun-engine/internal/infra"
	"go.uber.org/zap"
)

// VerdictCache кэширует вердикты по SHA-256 файла: повторная сдача
// того же образца не детонирует его заново, а возвращает прошлый
// отчет. Ошибки Redis деградируют в промах — кэш не смеет ломать
// анализ.
type VerdictCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewVerdictCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *VerdictCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &VerdictCache{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With(zap.String("mod", "verdict-cache")),
	}
}

func (c *VerdictCache) Get(ctx context.Context, fileHash string) (*domain.ExecutionReport, bool) {
	raw, err := c.rdb.Get(ctx, infra.VerdictKey(fileHash)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("verdict cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var rep domain.ExecutionReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		c.logger.Warn("corrupt cached verdict, ignoring", zap.String("hash", fileHash), zap.Error(err))
		return nil, false
	}
	return &rep, true
}

func (c *VerdictCache) Put(ctx context.Context, rep domain.ExecutionReport) {
	if rep.FileHash == "" {
		return
	}

	raw, err := json.Marshal(rep)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, infra.VerdictKey(rep.FileHash), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("verdict cache write failed", zap.Error(err))
	}
}
