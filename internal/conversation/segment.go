// Package conversation reconstructs logical conversations from a user's flat
// ranked log. Conversations are derived, never persisted: they are recomputed
// from entries on every read, so there is no second source of truth to drift.
package conversation

import (
	"time"

	"github.com/chatlog-io/chatlog-service/internal/model"
)

const (
	titleDisplayLength   = 50
	previewDisplayLength = 100
)

// Roles of the two display messages each entry expands into.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is a maximal run of log entries whose ranks are consecutive
// integers. StartRank is its durable identity.
type Conversation struct {
	StartRank int
	Entries   []model.LogEntry
}

// EndRank returns the rank of the run's last entry.
func (c Conversation) EndRank() int {
	return c.StartRank + len(c.Entries) - 1
}

// Token returns the conversation's external identity.
func (c Conversation) Token() string {
	return Token(c.StartRank)
}

// Segment splits a rank-ascending log into maximal contiguous-rank runs,
// ordered newest-first (highest StartRank first). Any rank discontinuity is a
// run boundary, including a gap of exactly one: a true run requires
// consecutive integers. Gapped input is valid, never an error; a gap is a
// session boundary whether it came from an explicit new session or from a
// deletion elsewhere in the log. An empty log yields an empty result.
func Segment(entries []model.LogEntry) []Conversation {
	if len(entries) == 0 {
		return []Conversation{}
	}

	var runs []Conversation
	for i, e := range entries {
		if i == 0 || entries[i-1].Rank+1 != e.Rank {
			runs = append(runs, Conversation{StartRank: e.Rank})
		}
		cur := &runs[len(runs)-1]
		cur.Entries = append(cur.Entries, e)
	}

	// Newest conversation first for display.
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	return runs
}

// RunEnd walks forward from startRank and returns the last rank of the
// contiguous run beginning there. Reports false when no entry has rank
// startRank. entries must be rank-ascending; entries below startRank are
// skipped. This is the same contiguity rule Segment applies, reused by the
// range deleter to find a conversation's end.
func RunEnd(entries []model.LogEntry, startRank int) (int, bool) {
	i := 0
	for i < len(entries) && entries[i].Rank < startRank {
		i++
	}
	if i == len(entries) || entries[i].Rank != startRank {
		return 0, false
	}
	end := startRank
	for i+1 < len(entries) && entries[i+1].Rank == end+1 {
		end++
		i++
	}
	return end, true
}

// Summary is the lightweight conversation representation for lists.
type Summary struct {
	Token     string    `json:"token"`
	Title     string    `json:"title"`
	Preview   string    `json:"preview"`
	StartRank int       `json:"startRank"`
	Length    int       `json:"length"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summarize derives the display summary for one conversation. Title and
// preview come from the first entry's request text, truncated to fixed
// display lengths.
func Summarize(c Conversation) Summary {
	first := c.Entries[0]
	return Summary{
		Token:     c.Token(),
		Title:     truncate(first.RequestText, titleDisplayLength),
		Preview:   truncate(first.RequestText, previewDisplayLength),
		StartRank: c.StartRank,
		Length:    len(c.Entries),
		CreatedAt: first.CreatedAt,
	}
}

// Message is one display message. Each entry expands into exactly two:
// the request as "user" and the response as "assistant", in that order.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Messages expands a conversation's entries into display messages. Message
// IDs derive from the entry ID so re-reads are deterministic and idempotent.
func Messages(c Conversation) []Message {
	msgs := make([]Message, 0, 2*len(c.Entries))
	for _, e := range c.Entries {
		msgs = append(msgs,
			Message{ID: e.ID + "_user", Role: RoleUser, Content: e.RequestText, CreatedAt: e.CreatedAt},
			Message{ID: e.ID + "_assistant", Role: RoleAssistant, Content: e.ResponseText, CreatedAt: e.CreatedAt},
		)
	}
	return msgs
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
