package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/syatt-io/perfwatch/internal/db"
	"github.com/syatt-io/perfwatch/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_job":        `SELECT id, site_id, device, kind, status, scheduled_for, started_at, completed_at, error, retry_count, created_at, updated_at FROM jobs WHERE id = $1`,
	"append_sample":  `INSERT INTO samples (id, site_id, device, page_type, measured_at, metrics) VALUES ($1, $2, $3, $4, $5, $6)`,
	"latest_sample":  `SELECT id, site_id, device, page_type, measured_at, metrics FROM samples WHERE site_id = $1 AND device = $2 ORDER BY measured_at DESC LIMIT 1`,
	"query_history":  `SELECT (metrics->>$1)::float8 FROM samples WHERE site_id = $2 AND device = $3 AND measured_at >= $4 AND measured_at < $5 AND metrics->>$1 IS NOT NULL ORDER BY measured_at ASC`,
	"active_anomaly": `SELECT id, site_id, device, metric, value, expected_min, expected_max, deviation_std, confidence, status, created_at, updated_at, resolved_at FROM anomalies WHERE site_id = $1 AND device = $2 AND metric = $3 AND status = 'active' ORDER BY created_at DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for use by subsystems
// that need direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sites (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name               TEXT NOT NULL,
	url                TEXT NOT NULL,
	page_type          TEXT NOT NULL DEFAULT 'home',
	monitoring_enabled BOOLEAN NOT NULL DEFAULT true,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	site_id       TEXT NOT NULL REFERENCES sites(id),
	device        TEXT NOT NULL,
	kind          TEXT NOT NULL DEFAULT 'collect',
	status        TEXT NOT NULL DEFAULT 'pending',
	scheduled_for TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	error         TEXT NOT NULL DEFAULT '',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS samples (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	site_id     TEXT NOT NULL REFERENCES sites(id),
	device      TEXT NOT NULL,
	page_type   TEXT NOT NULL DEFAULT '',
	measured_at TIMESTAMPTZ NOT NULL,
	metrics     JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	batch_id    TEXT NOT NULL,
	site_id     TEXT NOT NULL,
	device      TEXT NOT NULL,
	run_index   INTEGER NOT NULL,
	measured_at TIMESTAMPTZ NOT NULL,
	metrics     JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS anomalies (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	site_id       TEXT NOT NULL,
	device        TEXT NOT NULL,
	metric        TEXT NOT NULL,
	value         DOUBLE PRECISION NOT NULL,
	expected_min  DOUBLE PRECISION NOT NULL,
	expected_max  DOUBLE PRECISION NOT NULL,
	deviation_std DOUBLE PRECISION NOT NULL,
	confidence    DOUBLE PRECISION NOT NULL,
	status        TEXT NOT NULL DEFAULT 'active',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_site_device ON jobs(site_id, device);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active_per_pair ON jobs(site_id, device)
	WHERE status IN ('pending', 'queued', 'running');
CREATE INDEX IF NOT EXISTS idx_samples_site_device ON samples(site_id, device, measured_at);
CREATE INDEX IF NOT EXISTS idx_samples_metrics ON samples USING GIN (metrics);
CREATE INDEX IF NOT EXISTS idx_raw_runs_batch ON raw_runs(batch_id);
CREATE INDEX IF NOT EXISTS idx_anomalies_site_metric ON anomalies(site_id, device, metric, status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// -- Sites --

func (s *PostgresStore) CreateSite(ctx context.Context, site model.Site) (*model.Site, error) {
	if site.ID == "" {
		site.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	site.CreatedAt = now
	site.UpdatedAt = now
	if site.PageType == "" {
		site.PageType = "home"
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sites (id, name, url, page_type, monitoring_enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		site.ID, site.Name, site.URL, site.PageType, site.MonitoringEnabled, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert site")
	}
	return &site, nil
}

func (s *PostgresStore) GetSite(ctx context.Context, id string) (*model.Site, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, url, page_type, monitoring_enabled, created_at, updated_at
		 FROM sites WHERE id = $1`, id)
	return scanPgSite(row)
}

func (s *PostgresStore) ListSites(ctx context.Context, enabledOnly bool) ([]model.Site, error) {
	query := `SELECT id, name, url, page_type, monitoring_enabled, created_at, updated_at FROM sites`
	if enabledOnly {
		query += ` WHERE monitoring_enabled = true`
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sites")
	}
	defer rows.Close()

	var sites []model.Site
	for rows.Next() {
		site, err := scanPgSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, *site)
	}
	return sites, eris.Wrap(rows.Err(), "postgres: list sites iterate")
}

func (s *PostgresStore) SetSiteEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sites SET monitoring_enabled = $1, updated_at = $2 WHERE id = $3`,
		enabled, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set site enabled %s", id)
	}
	return checkPgRowsAffected(tag, id)
}

// -- Jobs --

func (s *PostgresStore) CreateJob(ctx context.Context, job model.Job) (*model.Job, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.JobPending
	}
	if job.Kind == "" {
		job.Kind = model.JobKindCollect
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, site_id, device, kind, status, scheduled_for, error, retry_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, '', 0, $7, $8)`,
		job.ID, job.SiteID, string(job.Device), string(job.Kind), string(job.Status),
		job.ScheduledFor, now, now,
	)
	if isPgUniqueViolation(err) {
		// The partial unique index on active (site_id, device) held off a
		// concurrent scheduler. The pair already has a live job.
		return nil, eris.Wrapf(ErrConflict, "active job exists for (%s, %s)", job.SiteID, job.Device)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}
	return &job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanPgJob(row)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.SiteID != "" {
		query += fmt.Sprintf(` AND site_id = $%d`, argIdx)
		args = append(args, filter.SiteID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	return s.queryJobs(ctx, query, args...)
}

func (s *PostgresStore) ListActiveJobs(ctx context.Context, siteID string, device model.DeviceProfile) ([]model.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE site_id = $1 AND device = $2 AND status IN ('pending', 'queued', 'running')`,
		siteID, string(device),
	)
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id string, from, to model.JobStatus) error {
	now := time.Now().UTC()
	var query string
	args := []any{string(to)}
	switch to {
	case model.JobRunning:
		query = `UPDATE jobs SET status = $1, started_at = $2, updated_at = $3 WHERE id = $4 AND status = $5`
		args = append(args, now, now)
	case model.JobCompleted, model.JobFailed:
		query = `UPDATE jobs SET status = $1, completed_at = $2, updated_at = $3 WHERE id = $4 AND status = $5`
		args = append(args, now, now)
	default:
		query = `UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
		args = append(args, now)
	}
	args = append(args, id, string(from))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition job %s", id)
	}
	return checkPgTransition(tag)
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, from model.JobStatus, errMsg string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, error = $2, completed_at = $3, updated_at = $4 WHERE id = $5 AND status = $6`,
		string(model.JobFailed), errMsg, now, now, id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", id)
	}
	return checkPgTransition(tag)
}

func (s *PostgresStore) RequeueJob(ctx context.Context, id string, from model.JobStatus, nextRun time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, retry_count = retry_count + 1, scheduled_for = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(model.JobPending), nextRun.UTC(), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue job %s", id)
	}
	return checkPgTransition(tag)
}

func (s *PostgresStore) ListJobsOlderThan(ctx context.Context, states []model.JobStatus, age time.Duration) ([]model.Job, error) {
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(states))
	args := make([]any, 0, len(states)+1)
	for i, st := range states {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, string(st))
	}
	cutoff := time.Now().UTC().Add(-age)
	args = append(args, cutoff)

	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN (`+strings.Join(placeholders, ", ")+`) AND updated_at <= $`+fmt.Sprint(len(states)+1),
		args...,
	)
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: query jobs iterate")
}

// -- Samples --

func (s *PostgresStore) AppendSample(ctx context.Context, sample model.MetricSample) error {
	metricsJSON, err := json.Marshal(sample.Metrics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metrics")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO samples (id, site_id, device, page_type, measured_at, metrics) VALUES ($1, $2, $3, $4, $5, $6)`,
		sample.ID, sample.SiteID, string(sample.Device), sample.PageType, sample.MeasuredAt, metricsJSON,
	)
	return eris.Wrap(err, "postgres: append sample")
}

func (s *PostgresStore) LatestSample(ctx context.Context, siteID string, device model.DeviceProfile) (*model.MetricSample, error) {
	var sm model.MetricSample
	var metricsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, site_id, device, page_type, measured_at, metrics FROM samples
		 WHERE site_id = $1 AND device = $2 ORDER BY measured_at DESC LIMIT 1`,
		siteID, string(device),
	).Scan(&sm.ID, &sm.SiteID, &sm.Device, &sm.PageType, &sm.MeasuredAt, &metricsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest sample")
	}
	if err := json.Unmarshal(metricsJSON, &sm.Metrics); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal metrics")
	}
	return &sm, nil
}

func (s *PostgresStore) QueryHistory(ctx context.Context, siteID string, device model.DeviceProfile, metric model.Metric, since, before time.Time) ([]float64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT (metrics->>$1)::float8 FROM samples
		 WHERE site_id = $2 AND device = $3 AND measured_at >= $4 AND measured_at < $5
		   AND metrics->>$1 IS NOT NULL
		 ORDER BY measured_at ASC`,
		string(metric), siteID, string(device), since, before,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query history")
	}
	defer rows.Close()

	var vals []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history value")
		}
		vals = append(vals, v)
	}
	return vals, eris.Wrap(rows.Err(), "postgres: query history iterate")
}

var rawRunColumns = []string{"id", "batch_id", "site_id", "device", "run_index", "measured_at", "metrics"}

func (s *PostgresStore) InsertRawRuns(ctx context.Context, runs []model.RawRun) error {
	if len(runs) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(runs))
	for _, r := range runs {
		metricsJSON, err := json.Marshal(r.Metrics)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal run metrics")
		}
		rows = append(rows, []any{r.ID, r.BatchID, r.SiteID, string(r.Device), r.RunIndex, r.MeasuredAt, metricsJSON})
	}

	_, err := db.CopyFrom(ctx, s.pool, "raw_runs", rawRunColumns, rows)
	return eris.Wrap(err, "postgres: insert raw runs")
}

func (s *PostgresStore) DeleteRawRunsOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM raw_runs WHERE measured_at <= $1`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete raw runs")
	}
	return int(tag.RowsAffected()), nil
}

// -- Anomalies --

func (s *PostgresStore) CreateAnomaly(ctx context.Context, rec model.AnomalyRecord) (*model.AnomalyRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = model.AnomalyActive
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO anomalies (id, site_id, device, metric, value, expected_min, expected_max, deviation_std, confidence, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.SiteID, string(rec.Device), string(rec.Metric), rec.Value,
		rec.ExpectedMin, rec.ExpectedMax, rec.DeviationStd, rec.Confidence,
		string(rec.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert anomaly")
	}
	return &rec, nil
}

func (s *PostgresStore) UpdateAnomaly(ctx context.Context, rec model.AnomalyRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE anomalies SET value = $1, expected_min = $2, expected_max = $3, deviation_std = $4, confidence = $5, updated_at = $6
		 WHERE id = $7`,
		rec.Value, rec.ExpectedMin, rec.ExpectedMax, rec.DeviationStd, rec.Confidence,
		time.Now().UTC(), rec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update anomaly %s", rec.ID)
	}
	return checkPgRowsAffected(tag, rec.ID)
}

func (s *PostgresStore) GetActiveAnomaly(ctx context.Context, siteID string, device model.DeviceProfile, metric model.Metric) (*model.AnomalyRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies
		 WHERE site_id = $1 AND device = $2 AND metric = $3 AND status = 'active'
		 ORDER BY created_at DESC LIMIT 1`,
		siteID, string(device), string(metric),
	)

	rec, err := scanPgAnomaly(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]model.AnomalyRecord, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.SiteID != "" {
		query += fmt.Sprintf(` AND site_id = $%d`, argIdx)
		args = append(args, filter.SiteID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	return s.queryAnomalies(ctx, query, args...)
}

func (s *PostgresStore) ListActiveAnomaliesOlderThan(ctx context.Context, age time.Duration) ([]model.AnomalyRecord, error) {
	cutoff := time.Now().UTC().Add(-age)
	return s.queryAnomalies(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE status = 'active' AND created_at <= $1`,
		cutoff,
	)
}

func (s *PostgresStore) SetAnomalyStatus(ctx context.Context, id string, from, to model.AnomalyStatus) error {
	now := time.Now().UTC()
	var tag pgconn.CommandTag
	var err error
	if to == model.AnomalyResolved || to == model.AnomalyFalsePositive {
		tag, err = s.pool.Exec(ctx,
			`UPDATE anomalies SET status = $1, resolved_at = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
			string(to), now, now, id, string(from),
		)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE anomalies SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
			string(to), now, id, string(from),
		)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: set anomaly status %s", id)
	}
	return checkPgTransition(tag)
}

func (s *PostgresStore) queryAnomalies(ctx context.Context, query string, args ...any) ([]model.AnomalyRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query anomalies")
	}
	defer rows.Close()

	var recs []model.AnomalyRecord
	for rows.Next() {
		rec, err := scanPgAnomaly(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: query anomalies iterate")
}

// helpers

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func checkPgRowsAffected(tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "id %s", id)
	}
	return nil
}

func checkPgTransition(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func scanPgSite(row pgx.Row) (*model.Site, error) {
	var site model.Site
	err := row.Scan(&site.ID, &site.Name, &site.URL, &site.PageType,
		&site.MonitoringEnabled, &site.CreatedAt, &site.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan site")
	}
	return &site, nil
}

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	err := row.Scan(&j.ID, &j.SiteID, &j.Device, &j.Kind, &j.Status,
		&j.ScheduledFor, &j.StartedAt, &j.CompletedAt, &j.Error, &j.RetryCount,
		&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}
	return &j, nil
}

func scanPgAnomaly(row pgx.Row) (*model.AnomalyRecord, error) {
	var rec model.AnomalyRecord
	err := row.Scan(&rec.ID, &rec.SiteID, &rec.Device, &rec.Metric, &rec.Value,
		&rec.ExpectedMin, &rec.ExpectedMax, &rec.DeviationStd, &rec.Confidence,
		&rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan anomaly")
	}
	return &rec, nil
}
