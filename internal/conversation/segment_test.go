package conversation

import (
	"strings"
	"testing"
	"time"

	"github.com/chatlog-io/chatlog-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entriesWithRanks(userID string, ranks ...int) []model.LogEntry {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entries := make([]model.LogEntry, 0, len(ranks))
	for i, r := range ranks {
		entries = append(entries, model.LogEntry{
			ID:           model.EntryID(userID, r),
			UserID:       userID,
			Rank:         r,
			RequestText:  "question",
			ResponseText: "answer",
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		})
	}
	return entries
}

func TestSegmentEmptyLog(t *testing.T) {
	runs := Segment(nil)
	assert.Empty(t, runs)

	runs = Segment([]model.LogEntry{})
	assert.Empty(t, runs)
}

func TestSegmentContiguousLogIsOneConversation(t *testing.T) {
	runs := Segment(entriesWithRanks("u", 1, 2, 3, 4))
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].StartRank)
	assert.Equal(t, 4, runs[0].EndRank())
	assert.Len(t, runs[0].Entries, 4)
}

func TestSegmentSplitsAtGapsNewestFirst(t *testing.T) {
	runs := Segment(entriesWithRanks("u", 1, 2, 3, 5, 6))
	require.Len(t, runs, 2)

	// Newest (highest start rank) first.
	assert.Equal(t, 5, runs[0].StartRank)
	assert.Len(t, runs[0].Entries, 2)
	assert.Equal(t, 1, runs[1].StartRank)
	assert.Len(t, runs[1].Entries, 3)
}

func TestSegmentSingleRankGapIsABoundary(t *testing.T) {
	// A gap of exactly one rank still breaks contiguity.
	runs := Segment(entriesWithRanks("u", 1, 3))
	require.Len(t, runs, 2)
	assert.Equal(t, 3, runs[0].StartRank)
	assert.Equal(t, 1, runs[1].StartRank)
}

func TestSegmentContiguityLaw(t *testing.T) {
	for _, run := range Segment(entriesWithRanks("u", 2, 3, 7, 8, 9, 20)) {
		for i, e := range run.Entries {
			assert.Equal(t, run.Entries[0].Rank+i, e.Rank)
		}
	}
}

func TestSegmentCoverageLaw(t *testing.T) {
	input := entriesWithRanks("u", 1, 2, 5, 6, 9)
	seen := map[string]int{}
	for _, run := range Segment(input) {
		for _, e := range run.Entries {
			seen[e.ID]++
		}
	}
	require.Len(t, seen, len(input))
	for _, e := range input {
		assert.Equal(t, 1, seen[e.ID], "entry %s dropped or duplicated", e.ID)
	}
}

func TestSegmentIsIdempotent(t *testing.T) {
	input := entriesWithRanks("u", 1, 2, 4, 5, 8)
	first := Segment(input)
	second := Segment(input)
	assert.Equal(t, first, second)
}

func TestRunEnd(t *testing.T) {
	entries := entriesWithRanks("u", 1, 2, 3, 5, 6)

	end, ok := RunEnd(entries, 1)
	require.True(t, ok)
	assert.Equal(t, 3, end)

	end, ok = RunEnd(entries, 5)
	require.True(t, ok)
	assert.Equal(t, 6, end)

	// startRank with no entry.
	_, ok = RunEnd(entries, 4)
	assert.False(t, ok)

	_, ok = RunEnd(nil, 1)
	assert.False(t, ok)
}

func TestMessagesExpansion(t *testing.T) {
	entry := model.LogEntry{
		ID:           model.EntryID("u", 7),
		UserID:       "u",
		Rank:         7,
		RequestText:  "how do ranks work?",
		ResponseText: "they are per-user monotonic integers",
		CreatedAt:    time.Now(),
	}
	msgs := Messages(Conversation{StartRank: 7, Entries: []model.LogEntry{entry}})
	require.Len(t, msgs, 2)

	assert.Equal(t, entry.ID+"_user", msgs[0].ID)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, entry.RequestText, msgs[0].Content)

	assert.Equal(t, entry.ID+"_assistant", msgs[1].ID)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, entry.ResponseText, msgs[1].Content)
}

func TestSummarizeTruncation(t *testing.T) {
	long := strings.Repeat("x", 200)
	entries := entriesWithRanks("u", 1)
	entries[0].RequestText = long

	s := Summarize(Segment(entries)[0])
	assert.Equal(t, strings.Repeat("x", 50)+"...", s.Title)
	assert.Equal(t, strings.Repeat("x", 100)+"...", s.Preview)
	assert.Equal(t, "1", s.Token)
	assert.Equal(t, 1, s.Length)

	// Short text passes through untruncated.
	entries[0].RequestText = "short"
	s = Summarize(Segment(entries)[0])
	assert.Equal(t, "short", s.Title)
	assert.Equal(t, "short", s.Preview)
}

func TestParseToken(t *testing.T) {
	rank, ok := ParseToken("42")
	require.True(t, ok)
	assert.Equal(t, 42, rank)

	for _, bad := range []string{"", "abc", "-1", "0", "1.5", "1e3", " 1"} {
		_, ok := ParseToken(bad)
		assert.False(t, ok, "token %q should be rejected", bad)
	}

	// Round-trip.
	assert.Equal(t, "17", Token(17))
}
