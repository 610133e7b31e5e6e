package noop

import (
	"context"
	"time"

	"github.com/chatlog-io/chatlog-service/internal/model"
	"github.com/chatlog-io/chatlog-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.ChatLogCache, error) {
			return &noopLogCache{}, nil
		},
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

type noopLogCache struct{}

func (n *noopLogCache) Available() bool { return false }
func (n *noopLogCache) Get(_ context.Context, _ string) ([]model.LogEntry, bool, error) {
	return nil, false, nil
}
func (n *noopLogCache) Set(_ context.Context, _ string, _ []model.LogEntry, _ time.Duration) error {
	return nil
}
func (n *noopLogCache) Remove(_ context.Context, _ string) error { return nil }

var _ cache.ChatLogCache = (*noopLogCache)(nil)
