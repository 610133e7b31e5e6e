// Package postgres implements the chat log store on PostgreSQL via GORM.
// Rank uniqueness is enforced by the database: concurrent appends racing for
// the same rank surface as unique-constraint violations which the service
// layer retries with a freshly computed rank.
package postgres

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
	"github.com/chatlog-io/chatlog-service/internal/security"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.ChatLogStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			return &PostgresStore{
				db:       db,
				cache:    registrycache.LogCacheFromContext(ctx),
				cacheTTL: cfg.CacheTTL,
			}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }
func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != "postgres" {
		return nil // skip if not using postgres
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}

// PostgresStore implements ChatLogStore using GORM + PostgreSQL.
type PostgresStore struct {
	db       *gorm.DB
	cache    registrycache.ChatLogCache
	cacheTTL time.Duration
}

// translateError maps Postgres SQLSTATE codes onto the typed store errors the
// service layer dispatches on. 23505 is unique_violation (the rank race),
// 23503 is foreign_key_violation (unregistered user).
func translateError(err error, entry model.LogEntry) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return &registrystore.ConflictError{
				Message: fmt.Sprintf("rank %d already taken for user %s", entry.Rank, entry.UserID),
			}
		case "23503":
			return &registrystore.NotFoundError{Resource: "user", ID: entry.UserID}
		}
	}
	return err
}

func (s *PostgresStore) RegisterUser(ctx context.Context, userID string) error {
	if userID == "" {
		return &registrystore.ValidationError{Field: "userId", Message: "must not be empty"}
	}
	user := model.User{ID: userID, CreatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&user).Error
	if err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}
	return nil
}

func (s *PostgresStore) MaxRank(ctx context.Context, userID string) (int, error) {
	var maxRank int
	err := s.db.WithContext(ctx).
		Model(&model.LogEntry{}).
		Select("COALESCE(MAX(rank), 0)").
		Where("user_id = ?", userID).
		Scan(&maxRank).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read max rank: %w", err)
	}
	return maxRank, nil
}

func (s *PostgresStore) Append(ctx context.Context, entry model.LogEntry) error {
	if entry.Rank < 1 {
		return &registrystore.ValidationError{Field: "rank", Message: "must be positive"}
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return translateError(err, entry)
	}
	s.invalidate(ctx, entry.UserID)
	return nil
}

func (s *PostgresStore) ReadAll(ctx context.Context, userID string) ([]model.LogEntry, error) {
	if s.cache != nil && s.cache.Available() {
		if entries, ok, err := s.cache.Get(ctx, userID); err == nil && ok {
			return entries, nil
		}
	}

	var entries []model.LogEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("rank ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}

	if s.cache != nil && s.cache.Available() {
		if err := s.cache.Set(ctx, userID, entries, s.cacheTTL); err != nil {
			log.Debug("Failed to populate log cache", "user", userID, "err", err)
		}
	}
	return entries, nil
}

func (s *PostgresStore) ReadRange(ctx context.Context, userID string, lo, hi int) ([]model.LogEntry, error) {
	var entries []model.LogEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND rank >= ? AND rank <= ?", userID, lo, hi).
		Order("rank ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read log range: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) DeleteRange(ctx context.Context, userID string, lo, hi int) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND rank >= ? AND rank <= ?", userID, lo, hi).
		Delete(&model.LogEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete log range: %w", result.Error)
	}
	s.invalidate(ctx, userID)
	return result.RowsAffected, nil
}

// Rerank rewrites ranks to 1..N in creation order inside one transaction.
// Entries are removed and reinserted rather than updated in place: in-place
// rank updates would trip the unique (user_id, rank) constraint whenever an
// entry moves into a slot another row still occupies.
func (s *PostgresStore) Rerank(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entries []model.LogEntry
		if err := tx.
			Where("user_id = ?", userID).
			Order("created_at ASC, rank ASC").
			Find(&entries).Error; err != nil {
			return fmt.Errorf("failed to read entries for rerank: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		if err := tx.
			Where("user_id = ?", userID).
			Delete(&model.LogEntry{}).Error; err != nil {
			return fmt.Errorf("failed to clear entries for rerank: %w", err)
		}
		for i := range entries {
			entries[i].Rank = i + 1
			entries[i].ID = model.EntryID(userID, i+1)
		}
		if err := tx.Create(&entries).Error; err != nil {
			return fmt.Errorf("failed to reinsert reranked entries: %w", err)
		}
		n = len(entries)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, userID)
	return n, nil
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.User{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountEntries(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.LogEntry{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) invalidate(ctx context.Context, userID string) {
	if s.cache == nil || !s.cache.Available() {
		return
	}
	if err := s.cache.Remove(ctx, userID); err != nil {
		log.Warn("Failed to invalidate log cache", "user", userID, "err", err)
	}
}
