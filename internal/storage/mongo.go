package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/casedesk/internal/types"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store on a MongoDB collection. A conditional update is
// a ReplaceOne whose filter carries the expected statuses and version.
type MongoStore struct {
	client *mongo.Client
	col    *mongo.Collection
	logger zerolog.Logger
}

// NewMongoStore connects to MongoDB and ensures the collection indexes
func NewMongoStore(ctx context.Context, cfg MongoConfig, logger zerolog.Logger) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	store := NewMongoStoreFromCollection(client.Database(cfg.Database).Collection(cfg.Collection), logger)
	store.client = client
	if err := store.EnsureIndexes(ctx); err != nil {
		return nil, err
	}

	logger.Info().
		Str("database", cfg.Database).
		Str("collection", cfg.Collection).
		Msg("MongoDB store initialized")
	return store, nil
}

// NewMongoStoreFromCollection wraps an existing collection
func NewMongoStoreFromCollection(col *mongo.Collection, logger zerolog.Logger) *MongoStore {
	return &MongoStore{col: col, logger: logger}
}

// EnsureIndexes creates the unique case key and the listing indexes
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "case_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "status", Value: 1}, {Key: "assigned_handler", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create mongo indexes: %w", err)
	}
	return nil
}

// CreateQuery inserts a new query document
func (s *MongoStore) CreateQuery(ctx context.Context, q *types.Query) error {
	_, err := s.col.InsertOne(ctx, q)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert query: %w", err)
	}
	return nil
}

// GetQuery loads one query document
func (s *MongoStore) GetQuery(ctx context.Context, tenantID, caseID string) (*types.Query, error) {
	var q types.Query
	err := s.col.FindOne(ctx, caseKeyFilter(tenantID, caseID)).Decode(&q)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load query: %w", err)
	}
	return &q, nil
}

// UpdateQuery replaces the document if it still matches cond
func (s *MongoStore) UpdateQuery(ctx context.Context, q *types.Query, cond Condition) error {
	next := q.Clone()
	next.Version = cond.Version + 1

	res, err := s.col.ReplaceOne(ctx, conditionFilter(q.TenantID, q.CaseID, cond), next)
	if err != nil {
		return fmt.Errorf("failed to replace query: %w", err)
	}
	if res.MatchedCount == 0 {
		count, err := s.col.CountDocuments(ctx, caseKeyFilter(q.TenantID, q.CaseID))
		if err != nil {
			return fmt.Errorf("failed to check query existence: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}

	q.Version = next.Version
	return nil
}

// ListQueries returns the documents matching filter, oldest first
func (s *MongoStore) ListQueries(ctx context.Context, filter Filter) ([]types.Query, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "case_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.col.Find(ctx, listFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}
	result := make([]types.Query, 0)
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("failed to decode queries: %w", err)
	}
	return result, nil
}

// Close disconnects the client if this store owns it
func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func caseKeyFilter(tenantID, caseID string) bson.M {
	return bson.M{"tenant_id": tenantID, "case_id": caseID}
}

func conditionFilter(tenantID, caseID string, cond Condition) bson.M {
	f := caseKeyFilter(tenantID, caseID)
	f["status"] = bson.M{"$in": cond.Statuses}
	f["version"] = cond.Version
	return f
}

func listFilter(filter Filter) bson.M {
	f := bson.M{}
	if filter.TenantID != "" {
		f["tenant_id"] = filter.TenantID
	}
	if len(filter.Statuses) > 0 {
		f["status"] = bson.M{"$in": filter.Statuses}
	}
	if filter.Handler != "" {
		f["assigned_handler"] = filter.Handler
	}
	if !filter.ExpiresBefore.IsZero() {
		f["expires_at"] = bson.M{"$lt": filter.ExpiresBefore}
	}
	return f
}
