package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogUsage(ctx context.Context, log *UsageLog) error {
	query := `
		INSERT INTO enhance_usage_logs (tenant_id, request_id, provider, operation, task_id, mode, status, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.TenantID, log.RequestID, log.Provider, log.Operation,
		log.TaskID, log.Mode, log.Status, log.LatencyMs,
	).Scan(&log.ID, &log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error) {
	query := `
		SELECT id, tenant_id, request_id, provider, operation, task_id, mode, status, latency_ms, created_at
		FROM enhance_usage_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var logs []*UsageLog
	for rows.Next() {
		var l UsageLog
		err := rows.Scan(
			&l.ID, &l.TenantID, &l.RequestID, &l.Provider, &l.Operation,
			&l.TaskID, &l.Mode, &l.Status, &l.LatencyMs, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) SummarizeByTenant(ctx context.Context, tenantID string, from, to time.Time) (*Summary, error) {
	query := `
		SELECT status, COUNT(*), COALESCE(AVG(latency_ms), 0)
		FROM enhance_usage_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		GROUP BY status
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer rows.Close()

	sum := &Summary{ByStatus: map[string]int64{}}
	var weighted float64
	for rows.Next() {
		var (
			status string
			count  int64
			avg    float64
		)
		if err := rows.Scan(&status, &count, &avg); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		sum.ByStatus[status] = count
		sum.Total += count
		weighted += avg * float64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage summary: %w", err)
	}
	if sum.Total > 0 {
		sum.AvgLatency = weighted / float64(sum.Total)
	}

	return sum, nil
}
