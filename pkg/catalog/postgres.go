package catalog

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
	"github.com/ajitpratap0/vendorflow/pkg/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS vendorflow_tasks (
	task_id     TEXT PRIMARY KEY,
	id          TEXT NOT NULL,
	run_id      TEXT NOT NULL DEFAULT '',
	asset       TEXT NOT NULL DEFAULT '',
	stage       TEXT NOT NULL DEFAULT '',
	connector   TEXT NOT NULL,
	task_type   TEXT NOT NULL,
	status      TEXT NOT NULL,
	handle      JSONB NOT NULL,
	stored      JSONB,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS vendorflow_tasks_run_idx ON vendorflow_tasks (run_id, recorded_at);
`

const upsertEntry = `
INSERT INTO vendorflow_tasks (task_id, id, run_id, asset, stage, connector, task_type, status, handle, stored, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (task_id) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	asset = EXCLUDED.asset,
	stage = EXCLUDED.stage,
	connector = EXCLUDED.connector,
	task_type = EXCLUDED.task_type,
	status = EXCLUDED.status,
	handle = EXCLUDED.handle,
	stored = EXCLUDED.stored,
	recorded_at = EXCLUDED.recorded_at
RETURNING id`

const selectColumns = `SELECT id, run_id, asset, stage, connector, handle, stored, recorded_at FROM vendorflow_tasks`

// PostgresStore keeps entries in a vendorflow_tasks table
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects, checks the connection and creates the table if
// it does not exist
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "catalog dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse catalog dsn")
	}
	poolConfig.MaxConns = 4
	poolConfig.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create catalog connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "catalog database is unreachable")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create catalog table")
	}

	logger.Info("catalog connected", zap.String("kind", "postgres"))
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Record upserts entry. The id of an existing row is kept.
func (s *PostgresStore) Record(ctx context.Context, entry Entry) (Entry, error) {
	entry, err := prepare(entry, time.Now())
	if err != nil {
		return Entry{}, err
	}

	handle, err := json.Marshal(entry.Handle)
	if err != nil {
		return Entry{}, errors.Wrap(err, errors.ErrorTypeData, "failed to encode task handle")
	}
	var stored []byte
	if len(entry.Stored) > 0 {
		if stored, err = json.Marshal(entry.Stored); err != nil {
			return Entry{}, errors.Wrap(err, errors.ErrorTypeData, "failed to encode stored locations")
		}
	}

	var id string
	err = s.pool.QueryRow(ctx, upsertEntry,
		entry.Handle.TaskID, entry.ID.String(), entry.RunID, entry.Asset, entry.Stage, entry.Connector,
		string(entry.Handle.Type), string(entry.Handle.Status), handle, stored, entry.RecordedAt,
	).Scan(&id)
	if err != nil {
		return Entry{}, errors.Wrap(err, errors.ErrorTypeConnection, "failed to record task").
			WithDetail("task_id", entry.Handle.TaskID)
	}
	if entry.ID, err = uuid.Parse(id); err != nil {
		return Entry{}, errors.Wrap(err, errors.ErrorTypeData, "catalog row has a malformed id")
	}

	s.logger.Debug("task recorded",
		zap.String("task_id", entry.Handle.TaskID),
		zap.String("status", entry.Handle.Status.String()))
	return entry, nil
}

// Get returns the entry for taskID
func (s *PostgresStore) Get(ctx context.Context, taskID string) (Entry, error) {
	row := s.pool.QueryRow(ctx, selectColumns+` WHERE task_id = $1`, taskID)
	entry, err := scanEntry(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return Entry{}, notFound(taskID)
	}
	if err != nil {
		return Entry{}, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read task").
			WithDetail("task_id", taskID)
	}
	return entry, nil
}

// List returns the entries of one run in recording order. An empty runID
// lists everything.
func (s *PostgresStore) List(ctx context.Context, runID string) ([]Entry, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if runID == "" {
		rows, err = s.pool.Query(ctx, selectColumns+` ORDER BY recorded_at, task_id`)
	} else {
		rows, err = s.pool.Query(ctx, selectColumns+` WHERE run_id = $1 ORDER BY recorded_at, task_id`, runID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list tasks")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read catalog row")
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list tasks")
	}
	return out, nil
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// rowScanner is satisfied by pgx rows and database/sql rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry          Entry
		id             string
		handle, stored []byte
	)
	if err := row.Scan(&id, &entry.RunID, &entry.Asset, &entry.Stage, &entry.Connector, &handle, &stored, &entry.RecordedAt); err != nil {
		return Entry{}, err
	}

	var err error
	if entry.ID, err = uuid.Parse(id); err != nil {
		return Entry{}, err
	}
	var h task.Handle
	if err := json.Unmarshal(handle, &h); err != nil {
		return Entry{}, err
	}
	entry.Handle = h
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &entry.Stored); err != nil {
			return Entry{}, err
		}
	}
	return entry, nil
}
