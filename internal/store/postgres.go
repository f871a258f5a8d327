package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store against a relational schema, grounded on
// the teacher's PostgresStore (tuned pool config, ON CONFLICT upserts).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool and pings it once.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) ListScripts(ctx context.Context, tenantID uint64) ([]Script, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, plugin_id, name, compiled_source, enabled
		FROM scripts WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Script
	for rows.Next() {
		var sc Script
		if err := rows.Scan(&sc.ID, &sc.TenantID, &sc.PluginID, &sc.Name, &sc.CompiledSource, &sc.Enabled); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListIntervalTimers(ctx context.Context, tenantID uint64) ([]IntervalTimer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, name, interval_minutes, interval_cron, last_run
		FROM interval_timers WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IntervalTimer
	for rows.Next() {
		var t IntervalTimer
		if err := rows.Scan(&t.TenantID, &t.Name, &t.Interval.Minutes, &t.Interval.CronExpr, &t.LastRun); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertIntervalTimer(ctx context.Context, timer IntervalTimer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO interval_timers (tenant_id, name, interval_minutes, interval_cron, last_run)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			interval_minutes = EXCLUDED.interval_minutes,
			interval_cron = EXCLUDED.interval_cron,
			last_run = CASE WHEN EXCLUDED.last_run = '0001-01-01 00:00:00+00'::timestamptz
				THEN interval_timers.last_run ELSE EXCLUDED.last_run END`,
		timer.TenantID, timer.Name, timer.Interval.Minutes, timer.Interval.CronExpr, timer.LastRun)
	return err
}

func (s *PostgresStore) UpdateIntervalTimerLastRun(ctx context.Context, tenantID uint64, name string, lastRun time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE interval_timers SET last_run = $1 WHERE tenant_id = $2 AND name = $3`,
		lastRun, tenantID, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	if err := task.Validate(); err != nil {
		return Task{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, err
	}
	defer tx.Rollback(ctx)

	if task.UniqueKey != nil {
		var existingID uint64
		err := tx.QueryRow(ctx, `
			SELECT id FROM scheduled_tasks
			WHERE tenant_id = $1 AND namespace = $2 AND unique_key = $3`,
			task.TenantID, task.Namespace, *task.UniqueKey).Scan(&existingID)
		if err == nil {
			_, err = tx.Exec(ctx, `
				UPDATE scheduled_tasks SET data = $1, execute_at = $2, plugin_id = $3
				WHERE id = $4`, []byte(task.Data), task.ExecuteAt, task.PluginID, existingID)
			if err != nil {
				return Task{}, err
			}
			task.ID = existingID
			return task, tx.Commit(ctx)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Task{}, err
		}
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM scheduled_tasks WHERE tenant_id = $1`, task.TenantID).Scan(&count); err != nil {
		return Task{}, err
	}
	if count >= MaxTasksPerTenant {
		return Task{}, ErrTaskCapExceeded
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO scheduled_tasks (tenant_id, namespace, unique_key, data, execute_at, plugin_id)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		task.TenantID, task.Namespace, task.UniqueKey, []byte(task.Data), task.ExecuteAt, task.PluginID).Scan(&task.ID)
	if err != nil {
		return Task{}, err
	}
	return task, tx.Commit(ctx)
}

func (s *PostgresStore) NextTaskTime(ctx context.Context, tenantID uint64, excludePending []uint64, activeBuckets []string) (*time.Time, error) {
	if excludePending == nil {
		excludePending = []uint64{}
	}
	query := `
		SELECT MIN(execute_at) FROM scheduled_tasks
		WHERE tenant_id = $1 AND NOT (id = ANY($2))`
	args := []interface{}{tenantID, excludePending}
	if len(activeBuckets) > 0 {
		query += ` AND namespace = ANY($3)`
		args = append(args, activeBuckets)
	}

	var t *time.Time
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) DueTasks(ctx context.Context, tenantID uint64, now time.Time, excludePending []uint64, activeBuckets []string) ([]Task, error) {
	if excludePending == nil {
		excludePending = []uint64{}
	}
	query := `
		SELECT id, tenant_id, namespace, unique_key, data, execute_at, plugin_id
		FROM scheduled_tasks
		WHERE tenant_id = $1 AND execute_at <= $2 AND NOT (id = ANY($3))`
	args := []interface{}{tenantID, now, excludePending}
	if len(activeBuckets) > 0 {
		query += ` AND namespace = ANY($4)`
		args = append(args, activeBuckets)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var data []byte
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Namespace, &t.UniqueKey, &data, &t.ExecuteAt, &t.PluginID); err != nil {
			return nil, err
		}
		t.Data = data
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteTask(ctx context.Context, tenantID uint64, taskID uint64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scheduled_tasks WHERE tenant_id = $1 AND id = $2`, tenantID, taskID)
	return err
}

func (s *PostgresStore) CountTasks(ctx context.Context, tenantID uint64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scheduled_tasks WHERE tenant_id = $1`, tenantID).Scan(&count)
	return count, err
}

func (s *PostgresStore) BucketGet(ctx context.Context, tenantID uint64, namespace, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT value, expires_at FROM bucket_kv
		WHERE tenant_id = $1 AND namespace = $2 AND key = $3`, tenantID, namespace, key).Scan(&value, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expiresAt != nil && time.Now().After(*expiresAt) {
		_ = s.BucketDelete(ctx, tenantID, namespace, key)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *PostgresStore) BucketSet(ctx context.Context, tenantID uint64, namespace, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bucket_kv (tenant_id, namespace, key, value, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, namespace, key) DO UPDATE SET
			value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		tenantID, namespace, key, value, expiresAt)
	return err
}

func (s *PostgresStore) BucketDelete(ctx context.Context, tenantID uint64, namespace, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bucket_kv WHERE tenant_id = $1 AND namespace = $2 AND key = $3`, tenantID, namespace, key)
	return err
}

func (s *PostgresStore) BucketList(ctx context.Context, tenantID uint64, namespace string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM bucket_kv WHERE tenant_id = $1 AND namespace = $2`, tenantID, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
