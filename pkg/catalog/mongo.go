package catalog

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
	"github.com/ajitpratap0/vendorflow/pkg/task"
)

const mongoCollection = "vendorflow_tasks"

// mongoDocument is the stored shape of an Entry. The task id is the
// document _id so upserts replace by task.
type mongoDocument struct {
	TaskID     string            `bson:"_id"`
	ID         string            `bson:"id"`
	RunID      string            `bson:"run_id"`
	Asset      string            `bson:"asset"`
	Stage      string            `bson:"stage"`
	Connector  string            `bson:"connector"`
	Handle     mongoHandle       `bson:"handle"`
	Stored     map[string]string `bson:"stored,omitempty"`
	RecordedAt time.Time         `bson:"recorded_at"`
}

type mongoHandle struct {
	Type         string            `bson:"task_type"`
	Source       string            `bson:"source,omitempty"`
	Status       string            `bson:"status"`
	Progress     int               `bson:"progress"`
	ResultURLs   map[string]string `bson:"result_urls,omitempty"`
	ThumbnailURL string            `bson:"thumbnail_url,omitempty"`
	Error        string            `bson:"error,omitempty"`
	CreatedAt    time.Time         `bson:"created_at"`
	FinishedAt   time.Time         `bson:"finished_at"`
}

func toDocument(entry Entry) mongoDocument {
	h := entry.Handle
	doc := mongoDocument{
		TaskID:     h.TaskID,
		ID:         entry.ID.String(),
		RunID:      entry.RunID,
		Asset:      entry.Asset,
		Stage:      entry.Stage,
		Connector:  entry.Connector,
		Stored:     entry.Stored,
		RecordedAt: entry.RecordedAt,
		Handle: mongoHandle{
			Type:         string(h.Type),
			Source:       string(h.Source),
			Status:       string(h.Status),
			Progress:     h.Progress,
			ThumbnailURL: h.ThumbnailURL,
			Error:        h.Error,
			CreatedAt:    h.CreatedAt,
			FinishedAt:   h.FinishedAt,
		},
	}
	if len(h.ResultURLs) > 0 {
		doc.Handle.ResultURLs = make(map[string]string, len(h.ResultURLs))
		for f, u := range h.ResultURLs {
			doc.Handle.ResultURLs[string(f)] = u
		}
	}
	return doc
}

func (d mongoDocument) entry() (Entry, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return Entry{}, errors.Wrap(err, errors.ErrorTypeData, "catalog document has a malformed id").
			WithDetail("task_id", d.TaskID)
	}
	entry := Entry{
		ID:         id,
		RunID:      d.RunID,
		Asset:      d.Asset,
		Stage:      d.Stage,
		Connector:  d.Connector,
		Stored:     d.Stored,
		RecordedAt: d.RecordedAt.UTC(),
		Handle: task.Handle{
			TaskID:       d.TaskID,
			Type:         task.Type(d.Handle.Type),
			Source:       task.Source(d.Handle.Source),
			Status:       task.Status(d.Handle.Status),
			Progress:     d.Handle.Progress,
			ThumbnailURL: d.Handle.ThumbnailURL,
			Error:        d.Handle.Error,
			CreatedAt:    d.Handle.CreatedAt,
			FinishedAt:   d.Handle.FinishedAt,
		},
	}
	if len(d.Handle.ResultURLs) > 0 {
		entry.Handle.ResultURLs = make(map[task.Format]string, len(d.Handle.ResultURLs))
		for f, u := range d.Handle.ResultURLs {
			entry.Handle.ResultURLs[task.Format(f)] = u
		}
	}
	return entry, nil
}

// MongoStore keeps entries in a vendorflow_tasks collection
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoStore connects to uri, checks the connection and ensures the run
// index exists. An empty database selects "vendorflow".
func NewMongoStore(ctx context.Context, uri, database string, logger *zap.Logger) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "catalog dsn is required")
	}
	if database == "" {
		database = "vendorflow"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := options.Client().ApplyURI(uri).SetMaxPoolSize(4)
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse catalog uri")
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to catalog")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "catalog database is unreachable")
	}

	coll := client.Database(database).Collection(mongoCollection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "recorded_at", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create catalog index")
	}

	logger.Info("catalog connected", zap.String("kind", "mongo"), zap.String("database", database))
	return &MongoStore{client: client, collection: coll, logger: logger}, nil
}

// Record upserts entry. The id of an existing document is kept.
func (s *MongoStore) Record(ctx context.Context, entry Entry) (Entry, error) {
	entry, err := prepare(entry, time.Now())
	if err != nil {
		return Entry{}, err
	}
	doc := toDocument(entry)

	update := bson.M{
		"$set": bson.M{
			"run_id":      doc.RunID,
			"asset":       doc.Asset,
			"stage":       doc.Stage,
			"connector":   doc.Connector,
			"handle":      doc.Handle,
			"stored":      doc.Stored,
			"recorded_at": doc.RecordedAt,
		},
		"$setOnInsert": bson.M{"id": doc.ID},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var saved mongoDocument
	err = s.collection.FindOneAndUpdate(ctx, bson.M{"_id": doc.TaskID}, update, opts).Decode(&saved)
	if err != nil {
		return Entry{}, errors.Wrap(err, errors.ErrorTypeConnection, "failed to record task").
			WithDetail("task_id", doc.TaskID)
	}
	if entry.ID, err = uuid.Parse(saved.ID); err != nil {
		return Entry{}, errors.Wrap(err, errors.ErrorTypeData, "catalog document has a malformed id")
	}

	s.logger.Debug("task recorded",
		zap.String("task_id", doc.TaskID),
		zap.String("status", entry.Handle.Status.String()))
	return entry, nil
}

// Get returns the entry for taskID
func (s *MongoStore) Get(ctx context.Context, taskID string) (Entry, error) {
	var doc mongoDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": taskID}).Decode(&doc)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return Entry{}, notFound(taskID)
	}
	if err != nil {
		return Entry{}, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read task").
			WithDetail("task_id", taskID)
	}
	return doc.entry()
}

// List returns the entries of one run in recording order. An empty runID
// lists everything.
func (s *MongoStore) List(ctx context.Context, runID string) ([]Entry, error) {
	filter := bson.M{}
	if runID != "" {
		filter["run_id"] = runID
	}
	opts := options.Find().SetSort(bson.D{{Key: "recorded_at", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list tasks")
	}
	var docs []mongoDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to list tasks")
	}

	out := make([]Entry, 0, len(docs))
	for _, doc := range docs {
		entry, err := doc.entry()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// Close disconnects the client
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
