package domain

import "time"

// SessionState — состояние конечного автомата оркестратора
type SessionState string

const (
	StatePending    SessionState = "pending"
	StatePreparing  SessionState = "preparing"
	StateRunning    SessionState = "running"
	StateMonitoring SessionState = "monitoring"

	// Терминальные состояния
	StateCompleted SessionState = "completed" // Цель вышла сама, в пределах таймаута
	StateTimedOut  SessionState = "timed_out" // Таймаут наступил раньше выхода
	StateBlocked   SessionState = "blocked"   // Блэклист-операция или жесткий брич лимитов
	StateFailed    SessionState = "failed"    // Песочницу не удалось поднять вообще
)

// Terminal сообщает, является ли состояние конечным
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateBlocked, StateFailed:
		return true
	}
	return false
}

// SessionSummary — краткая сводка прожитой сессии для отчета
type SessionSummary struct {
	SessionID  string          `json:"session_id"`
	Backend    IsolationMethod `json:"backend"` // Фактический бэкенд (с учетом фоллбэка)
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	ExitCode   int             `json:"exit_code"`
	EventCount int             `json:"event_count"`
}

// Duration считает длительность сессии
func (s SessionSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// ExecutionReport — итоговый неизменяемый отчет анализа.
// Возвращается вызывателю всегда, даже когда песочница не поднялась:
// в этом случае FinalState=failed и вместо вердикта — Diagnostic.
type ExecutionReport struct {
	ID        string           `json:"id"`
	Request   ExecutionRequest `json:"request"`
	FileHash  string           `json:"file_hash,omitempty"` // SHA-256 цели

	FinalState SessionState `json:"final_state"`

	// Diagnostic отличает «не смогли посадить файл в песочницу» от
	// «посадили и он был заблокирован» — это разные действия оператора.
	Diagnostic string `json:"diagnostic,omitempty"`

	Summary SessionSummary   `json:"summary"`
	Score   ThreatScore      `json:"score"`
	Level   ThreatLevel      `json:"threat_level"`
	Events  []MonitoredEvent `json:"events,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
