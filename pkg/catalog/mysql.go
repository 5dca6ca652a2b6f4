package catalog

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS vendorflow_tasks (
	task_id     VARCHAR(191) NOT NULL PRIMARY KEY,
	id          CHAR(36) NOT NULL,
	run_id      VARCHAR(191) NOT NULL DEFAULT '',
	asset       VARCHAR(191) NOT NULL DEFAULT '',
	stage       VARCHAR(64) NOT NULL DEFAULT '',
	connector   VARCHAR(64) NOT NULL,
	task_type   VARCHAR(64) NOT NULL,
	status      VARCHAR(32) NOT NULL,
	handle      JSON NOT NULL,
	stored      JSON NULL,
	recorded_at DATETIME(6) NOT NULL,
	INDEX vendorflow_tasks_run_idx (run_id, recorded_at)
)`

const mysqlUpsertEntry = `
INSERT INTO vendorflow_tasks (task_id, id, run_id, asset, stage, connector, task_type, status, handle, stored, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	run_id = VALUES(run_id),
	asset = VALUES(asset),
	stage = VALUES(stage),
	connector = VALUES(connector),
	task_type = VALUES(task_type),
	status = VALUES(status),
	handle = VALUES(handle),
	stored = VALUES(stored),
	recorded_at = VALUES(recorded_at)`

// MySQLStore keeps entries in a vendorflow_tasks table on MySQL
type MySQLStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// mysqlDSN forces the driver settings the store relies on: DATETIME columns
// scan into time.Time in UTC
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse catalog dsn")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// NewMySQLStore connects, checks the connection and creates the table if it
// does not exist
func NewMySQLStore(ctx context.Context, dsn string, logger *zap.Logger) (*MySQLStore, error) {
	if dsn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "catalog dsn is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	formatted, err := mysqlDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", formatted)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to open catalog database")
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "catalog database is unreachable")
	}
	if _, err := db.ExecContext(ctx, mysqlSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create catalog table")
	}

	logger.Info("catalog connected", zap.String("kind", "mysql"))
	return &MySQLStore{db: db, logger: logger}, nil
}

// Record upserts entry. The id of an existing row is kept.
func (s *MySQLStore) Record(ctx context.Context, entry Entry) (Entry, error) {
	entry, err := prepare(entry, time.Now())
	if err != nil {
		return Entry{}, err
	}

	handle, err := json.Marshal(entry.Handle)
	if err != nil {
		return Entry{}, errors.Wrap(err, errors.ErrorTypeData, "failed to encode task handle")
	}
	var stored interface{}
	if len(entry.Stored) > 0 {
		b, err := json.Marshal(entry.Stored)
		if err != nil {
			return Entry{}, errors.Wrap(err, errors.ErrorTypeData, "failed to encode stored locations")
		}
		stored = string(b)
	}

	_, err = s.db.ExecContext(ctx, mysqlUpsertEntry,
		entry.Handle.TaskID, entry.ID.String(), entry.RunID, entry.Asset, entry.Stage, entry.Connector,
		string(entry.Handle.Type), string(entry.Handle.Status), string(handle), stored, entry.RecordedAt,
	)
	if err != nil {
		return Entry{}, errors.Wrap(err, errors.ErrorTypeConnection, "failed to record task").
			WithDetail("task_id", entry.Handle.TaskID)
	}

	kept, err := s.Get(ctx, entry.Handle.TaskID)
	if err != nil {
		return Entry{}, err
	}
	entry.ID = kept.ID

	s.logger.Debug("task recorded",
		zap.String("task_id", entry.Handle.TaskID),
		zap.String("status", entry.Handle.Status.String()))
	return entry, nil
}

// Get returns the entry for taskID
func (s *MySQLStore) Get(ctx context.Context, taskID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE task_id = ?`, taskID)
	entry, err := scanEntry(row)
	if stderrors.Is(err, sql.ErrNoRows) {
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
func (s *MySQLStore) List(ctx context.Context, runID string) ([]Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if runID == "" {
		rows, err = s.db.QueryContext(ctx, selectColumns+` ORDER BY recorded_at, task_id`)
	} else {
		rows, err = s.db.QueryContext(ctx, selectColumns+` WHERE run_id = ? ORDER BY recorded_at, task_id`, runID)
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

// Close closes the connection pool
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
