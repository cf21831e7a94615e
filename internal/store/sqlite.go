package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/syatt-io/perfwatch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sites (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	url                TEXT NOT NULL,
	page_type          TEXT NOT NULL DEFAULT 'home',
	monitoring_enabled INTEGER NOT NULL DEFAULT 1,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	site_id       TEXT NOT NULL REFERENCES sites(id),
	device        TEXT NOT NULL,
	kind          TEXT NOT NULL DEFAULT 'collect',
	status        TEXT NOT NULL DEFAULT 'pending',
	scheduled_for DATETIME NOT NULL,
	started_at    DATETIME,
	completed_at  DATETIME,
	error         TEXT NOT NULL DEFAULT '',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS samples (
	id          TEXT PRIMARY KEY,
	site_id     TEXT NOT NULL REFERENCES sites(id),
	device      TEXT NOT NULL,
	page_type   TEXT NOT NULL DEFAULT '',
	measured_at DATETIME NOT NULL,
	metrics     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_runs (
	id          TEXT PRIMARY KEY,
	batch_id    TEXT NOT NULL,
	site_id     TEXT NOT NULL,
	device      TEXT NOT NULL,
	run_index   INTEGER NOT NULL,
	measured_at DATETIME NOT NULL,
	metrics     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS anomalies (
	id            TEXT PRIMARY KEY,
	site_id       TEXT NOT NULL,
	device        TEXT NOT NULL,
	metric        TEXT NOT NULL,
	value         REAL NOT NULL,
	expected_min  REAL NOT NULL,
	expected_max  REAL NOT NULL,
	deviation_std REAL NOT NULL,
	confidence    REAL NOT NULL,
	status        TEXT NOT NULL DEFAULT 'active',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	resolved_at   DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_site_device ON jobs(site_id, device);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active_per_pair ON jobs(site_id, device)
	WHERE status IN ('pending', 'queued', 'running');
CREATE INDEX IF NOT EXISTS idx_samples_site_device ON samples(site_id, device, measured_at);
CREATE INDEX IF NOT EXISTS idx_raw_runs_batch ON raw_runs(batch_id);
CREATE INDEX IF NOT EXISTS idx_anomalies_site_metric ON anomalies(site_id, device, metric, status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// -- Sites --

func (s *SQLiteStore) CreateSite(ctx context.Context, site model.Site) (*model.Site, error) {
	if site.ID == "" {
		site.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	site.CreatedAt = now
	site.UpdatedAt = now
	if site.PageType == "" {
		site.PageType = "home"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sites (id, name, url, page_type, monitoring_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		site.ID, site.Name, site.URL, site.PageType, site.MonitoringEnabled, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert site")
	}
	return &site, nil
}

func (s *SQLiteStore) GetSite(ctx context.Context, id string) (*model.Site, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, page_type, monitoring_enabled, created_at, updated_at
		 FROM sites WHERE id = ?`, id)
	return scanSite(row)
}

func (s *SQLiteStore) ListSites(ctx context.Context, enabledOnly bool) ([]model.Site, error) {
	query := `SELECT id, name, url, page_type, monitoring_enabled, created_at, updated_at FROM sites`
	if enabledOnly {
		query += ` WHERE monitoring_enabled = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sites")
	}
	defer rows.Close()

	var sites []model.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, *site)
	}
	return sites, eris.Wrap(rows.Err(), "sqlite: list sites iterate")
}

func (s *SQLiteStore) SetSiteEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sites SET monitoring_enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set site enabled %s", id)
	}
	return checkRowsAffected(res, id)
}

// -- Jobs --

func (s *SQLiteStore) CreateJob(ctx context.Context, job model.Job) (*model.Job, error) {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, site_id, device, kind, status, scheduled_for, error, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, '', 0, ?, ?)`,
		job.ID, job.SiteID, string(job.Device), string(job.Kind), string(job.Status),
		job.ScheduledFor, now, now,
	)
	if isSQLiteUniqueViolation(err) {
		// The partial unique index on active (site_id, device) held off a
		// concurrent scheduler. The pair already has a live job.
		return nil, eris.Wrapf(ErrConflict, "active job exists for (%s, %s)", job.SiteID, job.Device)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}
	return &job, nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const jobColumns = `id, site_id, device, kind, status, scheduled_for, started_at, completed_at, error, retry_count, created_at, updated_at`

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SiteID != "" {
		query += ` AND site_id = ?`
		args = append(args, filter.SiteID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	return s.queryJobs(ctx, query, args...)
}

func (s *SQLiteStore) ListActiveJobs(ctx context.Context, siteID string, device model.DeviceProfile) ([]model.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE site_id = ? AND device = ? AND status IN ('pending', 'queued', 'running')`,
		siteID, string(device),
	)
}

func (s *SQLiteStore) TransitionJob(ctx context.Context, id string, from, to model.JobStatus) error {
	now := time.Now().UTC()
	var query string
	args := []any{string(to)}
	switch to {
	case model.JobRunning:
		query = `UPDATE jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`
		args = append(args, now, now)
	case model.JobCompleted, model.JobFailed:
		query = `UPDATE jobs SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`
		args = append(args, now, now)
	default:
		query = `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
		args = append(args, now)
	}
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition job %s", id)
	}
	return checkTransition(res)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, from model.JobStatus, errMsg string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.JobFailed), errMsg, now, now, id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return checkTransition(res)
}

func (s *SQLiteStore) RequeueJob(ctx context.Context, id string, from model.JobStatus, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, retry_count = retry_count + 1, scheduled_for = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.JobPending), nextRun.UTC(), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue job %s", id)
	}
	return checkTransition(res)
}

func (s *SQLiteStore) ListJobsOlderThan(ctx context.Context, states []model.JobStatus, age time.Duration) ([]model.Job, error) {
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(states))
	args := make([]any, 0, len(states)+1)
	for i, st := range states {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	cutoff := time.Now().UTC().Add(-age)
	args = append(args, cutoff)

	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN (`+strings.Join(placeholders, ", ")+`) AND updated_at <= ?`,
		args...,
	)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: query jobs iterate")
}

// -- Samples --

func (s *SQLiteStore) AppendSample(ctx context.Context, sample model.MetricSample) error {
	metricsJSON, err := json.Marshal(sample.Metrics)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metrics")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO samples (id, site_id, device, page_type, measured_at, metrics) VALUES (?, ?, ?, ?, ?, ?)`,
		sample.ID, sample.SiteID, string(sample.Device), sample.PageType, sample.MeasuredAt, string(metricsJSON),
	)
	return eris.Wrap(err, "sqlite: append sample")
}

func (s *SQLiteStore) LatestSample(ctx context.Context, siteID string, device model.DeviceProfile) (*model.MetricSample, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, site_id, device, page_type, measured_at, metrics FROM samples
		 WHERE site_id = ? AND device = ? ORDER BY measured_at DESC LIMIT 1`,
		siteID, string(device),
	)

	var sm model.MetricSample
	var metricsJSON string
	err := row.Scan(&sm.ID, &sm.SiteID, &sm.Device, &sm.PageType, &sm.MeasuredAt, &metricsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest sample")
	}
	if err := json.Unmarshal([]byte(metricsJSON), &sm.Metrics); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal metrics")
	}
	return &sm, nil
}

func (s *SQLiteStore) QueryHistory(ctx context.Context, siteID string, device model.DeviceProfile, metric model.Metric, since, before time.Time) ([]float64, error) {
	path := fmt.Sprintf("$.%s", metric)
	rows, err := s.db.QueryContext(ctx,
		`SELECT json_extract(metrics, ?) FROM samples
		 WHERE site_id = ? AND device = ? AND measured_at >= ? AND measured_at < ?
		   AND json_extract(metrics, ?) IS NOT NULL
		 ORDER BY measured_at ASC`,
		path, siteID, string(device), since, before, path,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query history")
	}
	defer rows.Close()

	var vals []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history value")
		}
		vals = append(vals, v)
	}
	return vals, eris.Wrap(rows.Err(), "sqlite: query history iterate")
}

func (s *SQLiteStore) InsertRawRuns(ctx context.Context, runs []model.RawRun) error {
	if len(runs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin raw runs tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range runs {
		metricsJSON, err := json.Marshal(r.Metrics)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run metrics")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO raw_runs (id, batch_id, site_id, device, run_index, measured_at, metrics)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.BatchID, r.SiteID, string(r.Device), r.RunIndex, r.MeasuredAt, string(metricsJSON),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert raw run")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit raw runs")
}

func (s *SQLiteStore) DeleteRawRunsOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM raw_runs WHERE measured_at <= ?`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete raw runs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// -- Anomalies --

const anomalyColumns = `id, site_id, device, metric, value, expected_min, expected_max, deviation_std, confidence, status, created_at, updated_at, resolved_at`

func (s *SQLiteStore) CreateAnomaly(ctx context.Context, rec model.AnomalyRecord) (*model.AnomalyRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = model.AnomalyActive
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anomalies (id, site_id, device, metric, value, expected_min, expected_max, deviation_std, confidence, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SiteID, string(rec.Device), string(rec.Metric), rec.Value,
		rec.ExpectedMin, rec.ExpectedMax, rec.DeviationStd, rec.Confidence,
		string(rec.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert anomaly")
	}
	return &rec, nil
}

func (s *SQLiteStore) UpdateAnomaly(ctx context.Context, rec model.AnomalyRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE anomalies SET value = ?, expected_min = ?, expected_max = ?, deviation_std = ?, confidence = ?, updated_at = ?
		 WHERE id = ?`,
		rec.Value, rec.ExpectedMin, rec.ExpectedMax, rec.DeviationStd, rec.Confidence,
		time.Now().UTC(), rec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update anomaly %s", rec.ID)
	}
	return checkRowsAffected(res, rec.ID)
}

func (s *SQLiteStore) GetActiveAnomaly(ctx context.Context, siteID string, device model.DeviceProfile, metric model.Metric) (*model.AnomalyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies
		 WHERE site_id = ? AND device = ? AND metric = ? AND status = 'active'
		 ORDER BY created_at DESC LIMIT 1`,
		siteID, string(device), string(metric),
	)

	rec, err := scanAnomaly(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]model.AnomalyRecord, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SiteID != "" {
		query += ` AND site_id = ?`
		args = append(args, filter.SiteID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	return s.queryAnomalies(ctx, query, args...)
}

func (s *SQLiteStore) ListActiveAnomaliesOlderThan(ctx context.Context, age time.Duration) ([]model.AnomalyRecord, error) {
	cutoff := time.Now().UTC().Add(-age)
	return s.queryAnomalies(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE status = 'active' AND created_at <= ?`,
		cutoff,
	)
}

func (s *SQLiteStore) SetAnomalyStatus(ctx context.Context, id string, from, to model.AnomalyStatus) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if to == model.AnomalyResolved || to == model.AnomalyFalsePositive {
		res, err = s.db.ExecContext(ctx,
			`UPDATE anomalies SET status = ?, resolved_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), now, now, id, string(from),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE anomalies SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), now, id, string(from),
		)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: set anomaly status %s", id)
	}
	return checkTransition(res)
}

func (s *SQLiteStore) queryAnomalies(ctx context.Context, query string, args ...any) ([]model.AnomalyRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query anomalies")
	}
	defer rows.Close()

	var recs []model.AnomalyRecord
	for rows.Next() {
		rec, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: query anomalies iterate")
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "id %s", id)
	}
	return nil
}

// checkTransition maps a zero-row conditional update to ErrConflict: the
// record exists in a different state, or not at all. Either way the
// caller lost the race.
func checkTransition(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSite(row scannable) (*model.Site, error) {
	var site model.Site
	err := row.Scan(&site.ID, &site.Name, &site.URL, &site.PageType,
		&site.MonitoringEnabled, &site.CreatedAt, &site.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan site")
	}
	return &site, nil
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&j.ID, &j.SiteID, &j.Device, &j.Kind, &j.Status,
		&j.ScheduledFor, &startedAt, &completedAt, &j.Error, &j.RetryCount,
		&j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}

func scanAnomaly(row scannable) (*model.AnomalyRecord, error) {
	var rec model.AnomalyRecord
	var resolvedAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.SiteID, &rec.Device, &rec.Metric, &rec.Value,
		&rec.ExpectedMin, &rec.ExpectedMax, &rec.DeviationStd, &rec.Confidence,
		&rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan anomaly")
	}

	if resolvedAt.Valid {
		rec.ResolvedAt = &resolvedAt.Time
	}
	return &rec, nil
}
