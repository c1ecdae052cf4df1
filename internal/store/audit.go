package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"scene-render-service/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresAudit writes job lifecycle events to Postgres.
type PostgresAudit struct {
	pool *pgxpool.Pool
}

// NewPostgresAudit creates a pooled connection to Postgres.
func NewPostgresAudit(ctx context.Context, dsn string) (*PostgresAudit, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresAudit{pool: pool}, nil
}

func (a *PostgresAudit) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// AppendAudit adds an audit row.
func (a *PostgresAudit) AppendAudit(ctx context.Context, ev models.AuditEvent) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO job_audit (job_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, ev.JobID, ev.Event, ev.Detail, ev.Recorded)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// History returns the events of one job in the order they were recorded.
func (a *PostgresAudit) History(ctx context.Context, jobID string) ([]models.AuditEvent, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT job_id, event, detail, recorded_at FROM job_audit
		WHERE job_id = $1 ORDER BY recorded_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		if err := rows.Scan(&ev.JobID, &ev.Event, &ev.Detail, &ev.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RunMigrations executes the embedded SQL migrations in order.
func (a *PostgresAudit) RunMigrations(ctx context.Context) error {
	names, err := migrationNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		content, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := a.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
