package metrics

import (
	"context"
	"time"

	"github.com/chatlog-io/chatlog-service/internal/model"
	"github.com/chatlog-io/chatlog-service/internal/registry/store"
	"github.com/chatlog-io/chatlog-service/internal/security"
)

// Wrap returns a ChatLogStore that records StoreLatency for every operation.
func Wrap(inner store.ChatLogStore) store.ChatLogStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ChatLogStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) RegisterUser(ctx context.Context, userID string) error {
	defer observe("register_user", time.Now())
	return m.inner.RegisterUser(ctx, userID)
}

func (m *metricsStore) MaxRank(ctx context.Context, userID string) (int, error) {
	defer observe("max_rank", time.Now())
	return m.inner.MaxRank(ctx, userID)
}

func (m *metricsStore) Append(ctx context.Context, entry model.LogEntry) error {
	defer observe("append", time.Now())
	return m.inner.Append(ctx, entry)
}

func (m *metricsStore) ReadAll(ctx context.Context, userID string) ([]model.LogEntry, error) {
	defer observe("read_all", time.Now())
	return m.inner.ReadAll(ctx, userID)
}

func (m *metricsStore) ReadRange(ctx context.Context, userID string, lo, hi int) ([]model.LogEntry, error) {
	defer observe("read_range", time.Now())
	return m.inner.ReadRange(ctx, userID, lo, hi)
}

func (m *metricsStore) DeleteRange(ctx context.Context, userID string, lo, hi int) (int64, error) {
	defer observe("delete_range", time.Now())
	return m.inner.DeleteRange(ctx, userID, lo, hi)
}

func (m *metricsStore) Rerank(ctx context.Context, userID string) (int, error) {
	defer observe("rerank", time.Now())
	return m.inner.Rerank(ctx, userID)
}

func (m *metricsStore) CountUsers(ctx context.Context) (int64, error) {
	defer observe("count_users", time.Now())
	return m.inner.CountUsers(ctx)
}

func (m *metricsStore) CountEntries(ctx context.Context) (int64, error) {
	defer observe("count_entries", time.Now())
	return m.inner.CountEntries(ctx)
}
