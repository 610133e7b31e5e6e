package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chatlog-io/chatlog-service/internal/conversation"
	"github.com/chatlog-io/chatlog-service/internal/model"
	"github.com/chatlog-io/chatlog-service/internal/plugin/llm/static"
	"github.com/chatlog-io/chatlog-service/internal/plugin/store/memory"
	registryllm "github.com/chatlog-io/chatlog-service/internal/registry/llm"
	registrystore "github.com/chatlog-io/chatlog-service/internal/registry/store"
	"github.com/chatlog-io/chatlog-service/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{RetryLimit: 3, RetryBackoff: time.Millisecond, HistoryWindow: 20}
}

func newTestService(t *testing.T) (*Service, *memory.MemoryStore) {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.RegisterUser(context.Background(), "u"))
	svc := New(store, &static.StaticResponder{}, session.NewTracker(), testOptions())
	return svc, store
}

func TestSendMessageAppendsAtNextRank(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	r1, err := svc.SendMessage(ctx, "u", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, r1.Rank)
	assert.Equal(t, "u:1", r1.EntryID)
	assert.Equal(t, "echo: hello", r1.ResponseText)
	assert.Equal(t, "1", r1.ConversationToken)

	r2, err := svc.SendMessage(ctx, "u", "again", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r2.Rank)
	// Same session: the conversation token stays anchored at the first rank.
	assert.Equal(t, r1.SessionID, r2.SessionID)
	assert.Equal(t, "1", r2.ConversationToken)
}

func TestSendMessageEmptyRejected(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.SendMessage(context.Background(), "u", "", nil)
	var validation *registrystore.ValidationError
	assert.True(t, errors.As(err, &validation))
}

func TestSendMessageUnknownUser(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.SendMessage(context.Background(), "stranger", "hi", nil)
	var notFound *registrystore.NotFoundError
	assert.True(t, errors.As(err, &notFound), "append for an unregistered user must fail, got %v", err)
}

func TestSendMessageLLMFailureStoresNothing(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.RegisterUser(ctx, "u"))
	responder := &static.StaticResponder{Err: &registryllm.Error{Kind: registryllm.KindQuota, Message: "rate limited"}}
	svc := New(store, responder, session.NewTracker(), testOptions())

	_, err := svc.SendMessage(ctx, "u", "hi", nil)
	require.Error(t, err)
	assert.Equal(t, registryllm.KindQuota, registryllm.KindOf(err))

	entries, err := store.ReadAll(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, entries, "a failed generation must not append")
}

// staleRankStore simulates a concurrent writer: the first MaxRank read returns
// a value that is stale by the time Append runs.
type staleRankStore struct {
	registrystore.ChatLogStore
	staleReads int
}

func (s *staleRankStore) MaxRank(ctx context.Context, userID string) (int, error) {
	maxRank, err := s.ChatLogStore.MaxRank(ctx, userID)
	if err != nil {
		return 0, err
	}
	if s.staleReads > 0 && maxRank > 0 {
		s.staleReads--
		return maxRank - 1, nil
	}
	return maxRank, nil
}

func TestSendMessageRetriesRankCollision(t *testing.T) {
	inner := memory.New()
	ctx := context.Background()
	require.NoError(t, inner.RegisterUser(ctx, "u"))
	store := &staleRankStore{ChatLogStore: inner, staleReads: 1}
	svc := New(store, &static.StaticResponder{}, session.NewTracker(), testOptions())

	_, err := svc.SendMessage(ctx, "u", "first", nil)
	require.NoError(t, err)

	// Second send reads a stale max rank, collides, and must retry with a
	// freshly computed rank.
	r, err := svc.SendMessage(ctx, "u", "second", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Rank)

	entries, err := inner.ReadAll(ctx, "u")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[1].RequestText)
}

func TestSendMessageRetryLimitExhausted(t *testing.T) {
	inner := memory.New()
	ctx := context.Background()
	require.NoError(t, inner.RegisterUser(ctx, "u"))
	// Every rank read is stale: all attempts collide.
	store := &staleRankStore{ChatLogStore: inner, staleReads: 100}
	svc := New(store, &static.StaticResponder{}, session.NewTracker(), testOptions())

	_, err := svc.SendMessage(ctx, "u", "first", nil)
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, "u", "second", nil)
	require.Error(t, err)
	var conflict *registrystore.ConflictError
	assert.True(t, errors.As(err, &conflict), "exhausted retries surface the last conflict, got %v", err)
}

// deadlineAppendStore fails Append with a deadline error, as if the write
// raced the request deadline.
type deadlineAppendStore struct {
	registrystore.ChatLogStore
}

func (s deadlineAppendStore) Append(ctx context.Context, entry model.LogEntry) error {
	return context.DeadlineExceeded
}

func TestSendMessageDeadlineIsOutcomeUnknown(t *testing.T) {
	inner := memory.New()
	ctx := context.Background()
	require.NoError(t, inner.RegisterUser(ctx, "u"))
	svc := New(deadlineAppendStore{inner}, &static.StaticResponder{}, session.NewTracker(), testOptions())

	_, err := svc.SendMessage(ctx, "u", "hi", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutcomeUnknown), "deadline on append must report unknown outcome, got %v", err)
}

func TestListConversationsNewestFirst(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.SendMessage(ctx, "u", fmt.Sprintf("msg %d", i+1), nil)
		require.NoError(t, err)
	}
	// Carve a gap: ranks {1,2,3,4,5} -> {1,2,5} leaves two conversations.
	_, err := store.DeleteRange(ctx, "u", 3, 4)
	require.NoError(t, err)

	summaries, err := svc.ListConversations(ctx, "u", 0, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "5", summaries[0].Token)
	assert.Equal(t, "1", summaries[1].Token)
	assert.Equal(t, 1, summaries[0].Length)
	assert.Equal(t, 2, summaries[1].Length)
}

func TestListConversationsPagination(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := svc.SendMessage(ctx, "u", "m", nil)
		require.NoError(t, err)
	}
	// Split into three conversations: {1,2}, {4}, {6}.
	_, err := store.DeleteRange(ctx, "u", 3, 3)
	require.NoError(t, err)
	_, err = store.DeleteRange(ctx, "u", 5, 5)
	require.NoError(t, err)

	page, err := svc.ListConversations(ctx, "u", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "4", page[0].Token)

	empty, err := svc.ListConversations(ctx, "u", 10, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGetConversation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, "u", "what is go", nil)
	require.NoError(t, err)

	view, found, err := svc.GetConversation(ctx, "u", "1")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, view.Messages, 2)
	assert.Equal(t, conversation.RoleUser, view.Messages[0].Role)
	assert.Equal(t, "what is go", view.Messages[0].Content)
	assert.Equal(t, conversation.RoleAssistant, view.Messages[1].Role)

	// Malformed and unknown tokens: not found, never an error.
	_, found, err = svc.GetConversation(ctx, "u", "banana")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = svc.GetConversation(ctx, "u", "42")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteConversationRemovesRun(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.SendMessage(ctx, "u", "m", nil)
		require.NoError(t, err)
	}
	// Split {1,2} from {4,5}.
	_, err := store.DeleteRange(ctx, "u", 3, 3)
	require.NoError(t, err)

	deleted, err := svc.DeleteConversation(ctx, "u", "4")
	require.NoError(t, err)
	assert.True(t, deleted)

	entries, err := store.ReadAll(ctx, "u")
	require.NoError(t, err)
	ranks := make([]int, len(entries))
	for i, e := range entries {
		ranks[i] = e.Rank
	}
	assert.Equal(t, []int{1, 2}, ranks, "only the contiguous run starting at 4 is removed")
}

func TestDeleteConversationStopsAtGap(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := svc.SendMessage(ctx, "u", "m", nil)
		require.NoError(t, err)
	}
	// Ranks {1,2} | {4,5} | ... delete starting at 1 must stop at the gap.
	_, err := store.DeleteRange(ctx, "u", 3, 3)
	require.NoError(t, err)
	_, err = store.DeleteRange(ctx, "u", 6, 6)
	require.NoError(t, err)

	deleted, err := svc.DeleteConversation(ctx, "u", "1")
	require.NoError(t, err)
	assert.True(t, deleted)

	entries, err := store.ReadAll(ctx, "u")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 4, entries[0].Rank)
	assert.Equal(t, 5, entries[1].Rank)
}

func TestDeleteConversationMalformedToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, "u", "m", nil)
	require.NoError(t, err)

	deleted, err := svc.DeleteConversation(ctx, "u", "not-a-token")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = svc.DeleteConversation(ctx, "u", "99")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDeleteActiveConversationClearsSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	r, err := svc.SendMessage(ctx, "u", "m", nil)
	require.NoError(t, err)

	deleted, err := svc.DeleteConversation(ctx, "u", r.ConversationToken)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok := svc.Tracker().Current("u")
	assert.False(t, ok, "deleting the anchored conversation must drop the session")

	// Next send starts a fresh conversation at the next rank, not rank 1:
	// deleted ranks are never reused.
	r2, err := svc.SendMessage(ctx, "u", "m", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r2.Rank)
}

func TestRerankClosesGapsAndClearsSession(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.SendMessage(ctx, "u", "m", nil)
		require.NoError(t, err)
	}
	_, err := store.DeleteRange(ctx, "u", 2, 3)
	require.NoError(t, err)

	n, err := svc.Rerank(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, ok := svc.Tracker().Current("u")
	assert.False(t, ok, "rerank invalidates rank-based anchors")

	// The whole log reads back as one contiguous conversation.
	summaries, err := svc.ListConversations(ctx, "u", 0, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "1", summaries[0].Token)
	assert.Equal(t, 3, summaries[0].Length)

	// Next append lands at N+1.
	r, err := svc.SendMessage(ctx, "u", "after", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, r.Rank)
}

func TestHistoryWindowSentToProvider(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.RegisterUser(ctx, "u"))
	responder := &recordingResponder{}
	opts := testOptions()
	opts.HistoryWindow = 4
	svc := New(store, responder, session.NewTracker(), opts)

	for i := 0; i < 4; i++ {
		_, err := svc.SendMessage(ctx, "u", fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
	}

	// The 4th send sees 3 prior exchanges = 6 messages, capped at 4.
	require.NotEmpty(t, responder.lastHistory)
	assert.Len(t, responder.lastHistory, 4)
	assert.Equal(t, "assistant", responder.lastHistory[len(responder.lastHistory)-1].Role)
}

type recordingResponder struct {
	lastHistory []registryllm.Message
}

func (r *recordingResponder) Name() string { return "recording" }
func (r *recordingResponder) Generate(ctx context.Context, req registryllm.Request) (string, error) {
	r.lastHistory = req.History
	return "ok", nil
}
