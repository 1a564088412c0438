package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/saferun-engine/internal/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

// ErrReportNotFound — отчета с таким ID в архиве нет
var ErrReportNotFound = errors.New("report not found")

type ReportRepo struct {
	db *sql.DB
}

func NewReportRepo(connString string) (*ReportRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &ReportRepo{db: db}, nil
}

func (r *ReportRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *ReportRepo) Close() error {
	return r.db.Close()
}

// WriteBatch пишет пачку отчетов одним INSERT. Плоские колонки — для
// выборок и дашбордов, полный отчет лежит рядом как JSONB.
func (r *ReportRepo) WriteBatch(ctx context.Context, reports []domain.ExecutionReport) error {
	if len(reports) == 0 {
		return nil
	}

	// Количество колонок в таблице execution_reports
	numFields := 12
	placeholderStr := ""
	vals := make([]interface{}, 0, len(reports)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, rep := range reports {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11, p+12)

		full, _ := json.Marshal(rep)

		vals = append(vals,
			rep.ID, rep.Summary.SessionID, rep.Request.TargetPath, rep.FileHash,
			string(rep.Request.Level), string(rep.Summary.Backend),
			string(rep.FinalState), rep.Level.String(), rep.Score.Aggregate,
			rep.Diagnostic, full, rep.CreatedAt,
		)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		"INSERT INTO execution_reports (id, session_id, target_path, file_hash, security_level, isolation_method, final_state, threat_level, score, diagnostic, report, created_at) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}

// GetByID достает полный отчет из JSONB-колонки
func (r *ReportRepo) GetByID(ctx context.Context, id string) (*domain.ExecutionReport, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		"SELECT report FROM execution_reports WHERE id = $1", id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query report %s: %w", id, err)
	}

	var rep domain.ExecutionReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &rep, nil
}
