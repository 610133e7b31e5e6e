package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatlog-io/chatlog-service/internal/model"
	registrystore "github.com/chatlog-io/chatlog-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(userID string, rank int) model.LogEntry {
	return model.LogEntry{
		ID:           model.EntryID(userID, rank),
		UserID:       userID,
		Rank:         rank,
		RequestText:  "q",
		ResponseText: "a",
		CreatedAt:    time.Now().UTC(),
	}
}

func TestAppendRequiresUser(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.Append(ctx, entry("nobody", 1))
	var notFound *registrystore.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestAppendDuplicateRank(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.RegisterUser(ctx, "u"))
	require.NoError(t, s.Append(ctx, entry("u", 1)))

	err := s.Append(ctx, entry("u", 1))
	var conflict *registrystore.ConflictError
	assert.True(t, errors.As(err, &conflict))
}

func TestReadAllSortedByRank(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.RegisterUser(ctx, "u"))
	for _, rank := range []int{3, 1, 2} {
		require.NoError(t, s.Append(ctx, entry("u", rank)))
	}

	entries, err := s.ReadAll(ctx, "u")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Rank)
	}
}

func TestDeleteRangeAndMaxRank(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.RegisterUser(ctx, "u"))
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(ctx, entry("u", i)))
	}

	deleted, err := s.DeleteRange(ctx, "u", 4, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	maxRank, err := s.MaxRank(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 3, maxRank)
}

func TestRerankClosesGaps(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.RegisterUser(ctx, "u"))

	base := time.Now().UTC()
	for i, rank := range []int{1, 4, 7} {
		e := entry("u", rank)
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Append(ctx, e))
	}

	n, err := s.Rerank(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entries, err := s.ReadAll(ctx, "u")
	require.NoError(t, err)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Rank)
		assert.Equal(t, model.EntryID("u", i+1), e.ID)
	}
}
