package isolation

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardSettings — настройки защитной обвязки вокруг контейнерного рантайма
type GuardSettings struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration

	// OnStateChange дергается при переключении Circuit Breaker,
	// open=true когда трафик к рантайму заблокирован.
	OnStateChange func(open bool)
}

// Guard оборачивает control-plane вызовы рантайма (create/cp/stats/
// kill/rm) в Rate Limiter + Circuit Breaker + Retries. Запуск самой
// цели через Guard не ходит: перезапускать образец малвари нельзя.
type Guard struct {
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewGuard(name string, s GuardSettings) *Guard {
	if s.MaxRequests == 0 {
		s.MaxRequests = 3
	}
	if s.Interval == 0 {
		s.Interval = 5 * time.Second
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			if s.OnStateChange != nil {
				s.OnStateChange(to == gobreaker.StateOpen)
			}
		},
	})

	// Лимитер: демон рантайма плохо переносит шквал CLI-вызовов
	limiter := rate.NewLimiter(rate.Limit(50), 10)

	return &Guard{cb: cb, limiter: limiter}
}

// Do прогоняет операцию через всю обвязку
func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) (string, error)) (string, error) {
	// 1. Rate Limiter
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var finalData string

	// 2. Circuit Breaker
	cbResult, err := g.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Рантайм сам сказал, когда повторять
				var bErr *RuntimeBusyError
				if errors.As(err, &bErr) {
					return bErr.RetryAfter
				}

				// Иначе — стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			var callErr error
			finalData, callErr = op(tCtx)
			return callErr
		})

		return finalData, retryErr
	})

	if err != nil {
		return "", err
	}

	return cbResult.(string), nil
}
