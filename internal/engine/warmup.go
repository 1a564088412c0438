package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WarmupState прогревает двухуровневое состояние: локальную мапу (L1)
// через callback и общий Redis set (L2). Заливать L2 имеет право один
// инстанс — право разыгрывается распределенным SetNX-локом.
func WarmupState(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	seed []string,
	redisKey string,
	lockKey string,
	updateL1 func([]string),
) error {
	updateL1(seed)

	if len(seed) == 0 {
		return nil
	}

	// Проигравший лок не ждет: его L1 уже прогрет
	ok, err := rdb.SetNX(ctx, lockKey, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil
	}

	count, err := rdb.SCard(ctx, redisKey).Result()
	if err != nil {
		logger.Warn("could not check shared set size, seeding anyway",
			zap.String("key", redisKey), zap.Error(err))
		count = 0
	}
	if count > 0 {
		return nil
	}

	logger.Info("shared state is empty, seeding from config",
		zap.String("key", redisKey), zap.Int("count", len(seed)))

	members := make([]interface{}, len(seed))
	for i, id := range seed {
		members[i] = id
	}
	return rdb.SAdd(ctx, redisKey, members...).Err()
}
