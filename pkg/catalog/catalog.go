// Package catalog records finished remote tasks so later runs and the CLI can
// look up what a pipeline produced. Only terminal handles are stored.
package catalog

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/vendorflow/pkg/config"
	"github.com/ajitpratap0/vendorflow/pkg/errors"
	"github.com/ajitpratap0/vendorflow/pkg/task"
)

// Entry is one recorded task
type Entry struct {
	ID         uuid.UUID         `json:"id"`
	RunID      string            `json:"run_id,omitempty"`
	Asset      string            `json:"asset,omitempty"`
	Stage      string            `json:"stage,omitempty"`
	Connector  string            `json:"connector"`
	Handle     task.Handle       `json:"handle"`
	Stored     map[string]string `json:"stored,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// Store persists entries keyed by task id. Recording the same task twice
// replaces the earlier entry.
type Store interface {
	Record(ctx context.Context, entry Entry) (Entry, error)
	Get(ctx context.Context, taskID string) (Entry, error)
	List(ctx context.Context, runID string) ([]Entry, error)
	Close() error
}

// New builds the store described by cfg
func New(ctx context.Context, cfg config.CatalogConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, logger)
	case "mysql":
		return NewMySQLStore(ctx, cfg.DSN, logger)
	case "mongo":
		return NewMongoStore(ctx, cfg.DSN, cfg.Database, logger)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown catalog kind %q", cfg.Kind)
	}
}

// prepare validates entry and fills the generated fields
func prepare(entry Entry, now time.Time) (Entry, error) {
	if entry.Handle.TaskID == "" {
		return Entry{}, errors.New(errors.ErrorTypeValidation, "catalog entry has no task id")
	}
	if !entry.Handle.Status.IsTerminal() {
		return Entry{}, errors.Newf(errors.ErrorTypeValidation, "task %s is %s; only finished tasks are recorded",
			entry.Handle.TaskID, entry.Handle.Status).WithDetail("task_id", entry.Handle.TaskID)
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = now.UTC()
	}
	entry.Handle = *entry.Handle.Clone()
	return entry, nil
}

// ErrNotFound is wrapped by lookups of unknown tasks
var ErrNotFound = stderrors.New("task not found in catalog")

func notFound(taskID string) error {
	return errors.Wrap(ErrNotFound, errors.ErrorTypeData, "lookup failed").WithDetail("task_id", taskID)
}

// IsNotFound reports whether err came from a lookup of an unknown task
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound)
}
