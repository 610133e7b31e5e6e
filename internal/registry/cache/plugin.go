package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chatlog-io/chatlog-service/internal/model"
)

type logCacheKey struct{}

// WithLogCacheContext returns a new context carrying the given ChatLogCache.
func WithLogCacheContext(ctx context.Context, c ChatLogCache) context.Context {
	return context.WithValue(ctx, logCacheKey{}, c)
}

// LogCacheFromContext retrieves the ChatLogCache from the context.
// Returns nil if none was set.
func LogCacheFromContext(ctx context.Context) ChatLogCache {
	c, _ := ctx.Value(logCacheKey{}).(ChatLogCache)
	return c
}

// ChatLogCache caches the full entry log per user. Only raw entries are ever
// cached; conversations are always recomputed from them. Store backends must
// Remove on every append, delete, and rerank so a cached log can never drift
// from storage.
type ChatLogCache interface {
	Available() bool
	Get(ctx context.Context, userID string) ([]model.LogEntry, bool, error)
	Set(ctx context.Context, userID string, entries []model.LogEntry, ttl time.Duration) error
	Remove(ctx context.Context, userID string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (ChatLogCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
