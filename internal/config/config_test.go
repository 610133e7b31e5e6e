package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ModeProd, cfg.Mode)
	assert.Equal(t, "postgres", cfg.DatastoreType)
	assert.True(t, cfg.DatastoreMigrateAtStart)
	assert.Equal(t, 3, cfg.AppendRetryLimit)
	assert.Positive(t, cfg.AppendRetryBackoff)
	assert.Positive(t, cfg.HistoryWindow)
	assert.Equal(t, 8080, cfg.Listener.Port)
}

func TestContextRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBURL = "postgres://localhost/chatlog"

	ctx := WithContext(context.Background(), &cfg)
	got := FromContext(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "postgres://localhost/chatlog", got.DBURL)

	// Absent config resolves to nil, not a panic.
	assert.Nil(t, FromContext(context.Background()))
}
