package isolation

import (
	"errors"
	"fmt"
	"time"
)

// Таксономия отказов бэкенда. Все три означают «песочницу не удалось
// поднять» независимо от поведения цели и мапятся оркестратором в
// терминальное состояние Failed.
var (
	// ErrBackendUnavailable — нативный механизм изоляции недостижим
	// (нет контейнерного рантайма, демон не отвечает).
	ErrBackendUnavailable = errors.New("isolation backend unavailable")

	// ErrResourceAllocation — среда не принимает запрошенные лимиты
	ErrResourceAllocation = errors.New("resource allocation failed")

	// ErrLaunchFailed — цель не стартовала (нет интерпретатора,
	// permission denied, битый файл).
	ErrLaunchFailed = errors.New("launch failed")
)

// RuntimeBusyError — рантайм временно перегружен (registry 429,
// заполненная очередь демона). Несет подсказку, когда повторять;
// политика задержек в Guard ее читает через errors.As.
type RuntimeBusyError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *RuntimeBusyError) Error() string {
	return fmt.Sprintf("runtime busy: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *RuntimeBusyError) Unwrap() error { return e.Cause }
