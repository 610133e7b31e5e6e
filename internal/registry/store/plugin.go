package store

import (
	"context"
	"fmt"

	"github.com/chatlog-io/chatlog-service/internal/model"
)

// ChatLogStore is the primary data access interface for the per-user ranked
// chat log. All read results are ordered by rank ascending.
type ChatLogStore interface {
	// RegisterUser creates the parent user record. Idempotent. The append
	// path never creates it implicitly.
	RegisterUser(ctx context.Context, userID string) error

	// MaxRank returns the highest rank stored for the user, 0 when the log
	// is empty. Read failures must be propagated, never defaulted: a caller
	// that assumed rank 1 on error would overwrite an existing entry.
	MaxRank(ctx context.Context, userID string) (int, error)

	// Append inserts exactly one entry. Returns *ConflictError when the
	// (userID, rank) pair or the entry ID already exists, and *NotFoundError
	// when the user record is missing.
	Append(ctx context.Context, entry model.LogEntry) error

	// ReadAll returns the user's full log. No pagination: truncating raw
	// entries could split a conversation mid-run.
	ReadAll(ctx context.Context, userID string) ([]model.LogEntry, error)

	// ReadRange returns entries with lo <= rank <= hi.
	ReadRange(ctx context.Context, userID string, lo, hi int) ([]model.LogEntry, error)

	// DeleteRange deletes entries with lo <= rank <= hi and reports how many
	// rows were removed. Ranks above hi are left untouched.
	DeleteRange(ctx context.Context, userID string, lo, hi int) (int64, error)

	// Rerank rewrites the user's ranks to 1..N in creation order, rewriting
	// entry IDs to match, and returns N. Maintenance operation: idempotent,
	// but callers must ensure no concurrent writers for the user.
	Rerank(ctx context.Context, userID string) (int, error)

	// Admin stats surface.
	CountUsers(ctx context.Context) (int64, error)
	CountEntries(ctx context.Context) (int64, error)
}

// Loader creates a store from the config carried in ctx.
type Loader func(ctx context.Context) (ChatLogStore, error)

// Plugin represents a store backend plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
