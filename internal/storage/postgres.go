package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB is the PostgreSQL-backed Store. Duplicate registrations are rejected by
// the primary key on (name, version); the ON CONFLICT clause turns the
// constraint violation into ErrConflict without aborting the connection.
type DB struct {
	pool *pgxpool.Pool
}

// Options tune the connection pool.
type Options struct {
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
}

// New creates a new database-backed store.
func New(ctx context.Context, dsn string, opts Options) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if opts.MaxConns > 0 {
		config.MaxConns = int32(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		config.MinConns = int32(opts.MinConns)
	}
	if opts.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = opts.ConnMaxLifetime
	}
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// EnsureSchema creates the registry tables if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS models (
			name              TEXT NOT NULL,
			version           TEXT NOT NULL,
			image             TEXT NOT NULL,
			title             TEXT NOT NULL DEFAULT '',
			short_description TEXT NOT NULL DEFAULT '',
			authors           TEXT NOT NULL DEFAULT '',
			examples          JSONB NOT NULL DEFAULT '[]',
			readme            TEXT NOT NULL DEFAULT '',
			aligned_output    BOOLEAN NOT NULL DEFAULT TRUE,
			registered_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (name, version)
		);
		CREATE TABLE IF NOT EXISTS predictions (
			id             TEXT PRIMARY KEY,
			model_name     TEXT NOT NULL,
			model_version  TEXT NOT NULL,
			image          TEXT NOT NULL,
			input_records  INT NOT NULL,
			output_records INT NOT NULL,
			exit_code      INT NOT NULL,
			duration_ms    BIGINT NOT NULL,
			status         TEXT NOT NULL,
			stderr_tail    TEXT NOT NULL DEFAULT '',
			request_ip     TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			completed_at   TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS predictions_model_idx
			ON predictions (model_name, created_at DESC);`

	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

func (db *DB) Put(ctx context.Context, record *ModelRecord) error {
	examples, err := json.Marshal(record.Examples)
	if err != nil {
		return fmt.Errorf("encoding examples: %w", err)
	}

	registeredAt := record.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO models (name, version, image, title, short_description,
			authors, examples, readme, aligned_output, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (name, version) DO NOTHING`

	tag, err := db.pool.Exec(ctx, query,
		record.Name, record.Version, record.Image,
		record.Title, record.ShortDescription, record.Authors,
		examples, record.Readme, record.AlignedOutput, registeredAt,
	)
	if err != nil {
		return fmt.Errorf("inserting model %s: %w", record.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	record.RegisteredAt = registeredAt
	return nil
}

func (db *DB) Get(ctx context.Context, name, version string) (*ModelRecord, error) {
	const fields = `name, version, image, title, short_description,
		authors, examples, readme, aligned_output, registered_at`

	var row pgx.Row
	if version == "" || version == VersionLatest {
		row = db.pool.QueryRow(ctx, `
			SELECT `+fields+` FROM models
			WHERE name = $1
			ORDER BY registered_at DESC
			LIMIT 1`, name)
	} else {
		row = db.pool.QueryRow(ctx, `
			SELECT `+fields+` FROM models
			WHERE name = $1 AND version = $2`, name, version)
	}

	record, err := scanModel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying model %s:%s: %w", name, version, err)
	}
	return record, nil
}

func (db *DB) List(ctx context.Context, allVersions bool) ([]ModelRecord, error) {
	const fields = `name, version, image, title, short_description,
		authors, examples, readme, aligned_output, registered_at`

	query := `
		SELECT DISTINCT ON (name) ` + fields + `
		FROM models
		ORDER BY name, registered_at DESC`
	if allVersions {
		query = `SELECT ` + fields + ` FROM models ORDER BY name, registered_at DESC`
	}

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying models: %w", err)
	}
	defer rows.Close()

	var results []ModelRecord
	for rows.Next() {
		record, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning model row: %w", err)
		}
		results = append(results, *record)
	}
	return results, rows.Err()
}

func (db *DB) Delete(ctx context.Context, name, version string) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM models WHERE name = $1 AND version = $2`, name, version)
	if err != nil {
		return fmt.Errorf("deleting model %s:%s: %w", name, version, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LogPrediction inserts a prediction audit record.
func (db *DB) LogPrediction(ctx context.Context, pred *PredictionRecord) error {
	query := `
		INSERT INTO predictions (id, model_name, model_version, image,
			input_records, output_records, exit_code, duration_ms, status,
			stderr_tail, request_ip, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := db.pool.Exec(ctx, query,
		pred.ID, pred.ModelName, pred.ModelVersion, pred.Image,
		pred.InputRecords, pred.OutputRecords, pred.ExitCode,
		pred.DurationMS, pred.Status,
		truncateForDB(pred.StderrTail, 65535),
		pred.RequestIP, pred.CreatedAt, pred.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting prediction: %w", err)
	}
	return nil
}

// ListPredictions queries the audit log with optional filters.
func (db *DB) ListPredictions(ctx context.Context, filter PredictionFilter) ([]PredictionRecord, error) {
	query := `
		SELECT id, model_name, model_version, image, input_records,
			output_records, exit_code, duration_ms, status, stderr_tail,
			request_ip, created_at, completed_at
		FROM predictions
		WHERE ($1 = '' OR model_name = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.ModelName, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying predictions: %w", err)
	}
	defer rows.Close()

	var results []PredictionRecord
	for rows.Next() {
		var pred PredictionRecord
		if err := rows.Scan(
			&pred.ID, &pred.ModelName, &pred.ModelVersion, &pred.Image,
			&pred.InputRecords, &pred.OutputRecords, &pred.ExitCode,
			&pred.DurationMS, &pred.Status, &pred.StderrTail,
			&pred.RequestIP, &pred.CreatedAt, &pred.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning prediction row: %w", err)
		}
		results = append(results, pred)
	}
	return results, rows.Err()
}

func scanModel(row pgx.Row) (*ModelRecord, error) {
	var record ModelRecord
	var examples []byte
	if err := row.Scan(
		&record.Name, &record.Version, &record.Image,
		&record.Title, &record.ShortDescription, &record.Authors,
		&examples, &record.Readme, &record.AlignedOutput, &record.RegisteredAt,
	); err != nil {
		return nil, err
	}
	if len(examples) > 0 {
		if err := json.Unmarshal(examples, &record.Examples); err != nil {
			return nil, fmt.Errorf("decoding examples: %w", err)
		}
	}
	return &record, nil
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
