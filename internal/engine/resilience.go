package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Signal — сообщение control-plane канала. Формат полезной нагрузки
// один на весь движок: "<id>:<on|off>", где id — имя приложения в
// блэклисте или ID сессии для отмены.
type Signal struct {
	ID string
	On bool
}

func parseSignal(payload string) (Signal, bool) {
	id, state, ok := strings.Cut(payload, ":")
	if !ok || id == "" {
		return Signal{}, false
	}
	return Signal{ID: id, On: state == "on" || state == "true"}, true
}

// ListenStateResilient — живучая подписка на control-plane канал:
// переподключается при обрывах и на каждом удачном коннекте дергает
// onReconnect для досинхронизации пропущенного состояния.
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onSignal func(Signal),
) {
	for {
		if !consumeChannel(ctx, rdb, logger, channel, onReconnect, onSignal) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// consumeChannel держит одну подписку до обрыва. false — пора выходить.
func consumeChannel(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onSignal func(Signal),
) bool {
	pubsub := rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(5 * time.Second):
			return true
		}
	}

	if err := onReconnect(); err != nil {
		logger.Error("sync failed on reconnect", zap.Error(err))
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-ch:
			if !ok {
				return true
			}
			sig, ok := parseSignal(msg.Payload)
			if !ok {
				logger.Error("invalid signal payload",
					zap.String("chan", channel), zap.String("payload", msg.Payload))
				continue
			}
			onSignal(sig)
		}
	}
}
