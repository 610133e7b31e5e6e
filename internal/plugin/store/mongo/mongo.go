// Package mongo implements the chat log store on MongoDB. A unique compound
// index on (user_id, rank) plays the same arbiter role the Postgres unique
// constraint does for concurrent appends.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chatlog-io/chatlog-service/internal/config"
	"github.com/chatlog-io/chatlog-service/internal/model"
	registrycache "github.com/chatlog-io/chatlog-service/internal/registry/cache"
	registrymigrate "github.com/chatlog-io/chatlog-service/internal/registry/migrate"
	registrystore "github.com/chatlog-io/chatlog-service/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const dbName = "chatlog_service"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.ChatLogStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}

			return &MongoStore{
				client:   client,
				db:       client.Database(dbName),
				cache:    registrycache.LogCacheFromContext(ctx),
				cacheTTL: cfg.CacheTTL,
			}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "mongo" {
		return nil // skip if not using mongo
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(dbName)

	collections := map[string][]mongo.IndexModel{
		"users": nil,
		"log_entries": {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "rank", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("unique_rank_per_user"),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}

	for name, indexes := range collections {
		db.CreateCollection(ctx, name)
		if len(indexes) > 0 {
			if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
				return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
			}
		}
	}
	log.Info("Mongo schema migration complete")
	return nil
}

// MongoStore implements ChatLogStore using the official MongoDB driver.
type MongoStore struct {
	client   *mongo.Client
	db       *mongo.Database
	cache    registrycache.ChatLogCache
	cacheTTL time.Duration
}

func (s *MongoStore) users() *mongo.Collection   { return s.db.Collection("users") }
func (s *MongoStore) entries() *mongo.Collection { return s.db.Collection("log_entries") }

// entryDoc is the persisted shape of a log entry.
type entryDoc struct {
	ID           string    `bson:"_id"`
	UserID       string    `bson:"user_id"`
	Rank         int       `bson:"rank"`
	RequestText  string    `bson:"request_text"`
	ResponseText string    `bson:"response_text"`
	CreatedAt    time.Time `bson:"created_at"`
}

func (d entryDoc) toModel() model.LogEntry {
	return model.LogEntry{
		ID:           d.ID,
		UserID:       d.UserID,
		Rank:         d.Rank,
		RequestText:  d.RequestText,
		ResponseText: d.ResponseText,
		CreatedAt:    d.CreatedAt,
	}
}

func (s *MongoStore) RegisterUser(ctx context.Context, userID string) error {
	if userID == "" {
		return &registrystore.ValidationError{Field: "userId", Message: "must not be empty"}
	}
	_, err := s.users().UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$setOnInsert": bson.M{"created_at": time.Now().UTC()}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}
	return nil
}

func (s *MongoStore) MaxRank(ctx context.Context, userID string) (int, error) {
	var doc entryDoc
	err := s.entries().FindOne(ctx,
		bson.M{"user_id": userID},
		options.FindOne().SetSort(bson.D{{Key: "rank", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read max rank: %w", err)
	}
	return doc.Rank, nil
}

func (s *MongoStore) Append(ctx context.Context, entry model.LogEntry) error {
	if entry.Rank < 1 {
		return &registrystore.ValidationError{Field: "rank", Message: "must be positive"}
	}
	n, err := s.users().CountDocuments(ctx, bson.M{"_id": entry.UserID})
	if err != nil {
		return fmt.Errorf("failed to check user: %w", err)
	}
	if n == 0 {
		return &registrystore.NotFoundError{Resource: "user", ID: entry.UserID}
	}

	_, err = s.entries().InsertOne(ctx, bson.M{
		"_id":           entry.ID,
		"user_id":       entry.UserID,
		"rank":          entry.Rank,
		"request_text":  entry.RequestText,
		"response_text": entry.ResponseText,
		"created_at":    entry.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &registrystore.ConflictError{
				Message: fmt.Sprintf("rank %d already taken for user %s", entry.Rank, entry.UserID),
			}
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	s.invalidate(ctx, entry.UserID)
	return nil
}

func (s *MongoStore) ReadAll(ctx context.Context, userID string) ([]model.LogEntry, error) {
	if s.cache != nil && s.cache.Available() {
		if cached, ok, err := s.cache.Get(ctx, userID); err == nil && ok {
			return cached, nil
		}
	}
	entries, err := s.find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, err
	}
	if s.cache != nil && s.cache.Available() {
		if err := s.cache.Set(ctx, userID, entries, s.cacheTTL); err != nil {
			log.Debug("Failed to populate log cache", "user", userID, "err", err)
		}
	}
	return entries, nil
}

func (s *MongoStore) ReadRange(ctx context.Context, userID string, lo, hi int) ([]model.LogEntry, error) {
	return s.find(ctx, bson.M{
		"user_id": userID,
		"rank":    bson.M{"$gte": lo, "$lte": hi},
	})
}

func (s *MongoStore) find(ctx context.Context, filter bson.M) ([]model.LogEntry, error) {
	cursor, err := s.entries().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "rank", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []model.LogEntry
	for cursor.Next(ctx) {
		var doc entryDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode entry: %w", err)
		}
		entries = append(entries, doc.toModel())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	return entries, nil
}

func (s *MongoStore) DeleteRange(ctx context.Context, userID string, lo, hi int) (int64, error) {
	result, err := s.entries().DeleteMany(ctx, bson.M{
		"user_id": userID,
		"rank":    bson.M{"$gte": lo, "$lte": hi},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete log range: %w", err)
	}
	s.invalidate(ctx, userID)
	return result.DeletedCount, nil
}

func (s *MongoStore) Rerank(ctx context.Context, userID string) (int, error) {
	cursor, err := s.entries().Find(ctx,
		bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "rank", Value: 1}}),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to read entries for rerank: %w", err)
	}
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return 0, fmt.Errorf("failed to decode entries for rerank: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	// Remove-and-reinsert, same as the Postgres backend: updating ranks in
	// place would collide on the unique index whenever an entry moves into a
	// still-occupied slot.
	if _, err := s.entries().DeleteMany(ctx, bson.M{"user_id": userID}); err != nil {
		return 0, fmt.Errorf("failed to clear entries for rerank: %w", err)
	}
	renumbered := make([]interface{}, len(docs))
	for i, doc := range docs {
		doc["rank"] = i + 1
		doc["_id"] = model.EntryID(userID, i+1)
		renumbered[i] = doc
	}
	if _, err := s.entries().InsertMany(ctx, renumbered); err != nil {
		return 0, fmt.Errorf("failed to reinsert reranked entries: %w", err)
	}
	s.invalidate(ctx, userID)
	return len(docs), nil
}

func (s *MongoStore) CountUsers(ctx context.Context) (int64, error) {
	n, err := s.users().CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

func (s *MongoStore) CountEntries(ctx context.Context) (int64, error) {
	n, err := s.entries().CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

func (s *MongoStore) invalidate(ctx context.Context, userID string) {
	if s.cache == nil || !s.cache.Available() {
		return
	}
	if err := s.cache.Remove(ctx, userID); err != nil {
		log.Warn("Failed to invalidate log cache", "user", userID, "err", err)
	}
}
