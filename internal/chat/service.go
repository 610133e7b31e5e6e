// Package chat orchestrates the send/read/delete flows over the ranked log:
// rank allocation, collision retry, conversation reconstruction, and the
// session bookkeeping around them.
package chat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chatlog-io/chatlog-service/internal/conversation"
	"github.com/chatlog-io/chatlog-service/internal/model"
	registryllm "github.com/chatlog-io/chatlog-service/internal/registry/llm"
	registrystore "github.com/chatlog-io/chatlog-service/internal/registry/store"
	"github.com/chatlog-io/chatlog-service/internal/security"
	"github.com/chatlog-io/chatlog-service/internal/session"
)

// ErrOutcomeUnknown reports an append whose result could not be observed: the
// request timed out after it may have reached the store, so the entry may or
// may not exist server-side (at-least-once). Callers must not report it as a
// plain failure.
var ErrOutcomeUnknown = errors.New("append outcome unknown: the entry may have been stored")

// Options tunes the append retry policy and history window.
type Options struct {
	// RetryLimit bounds rank-collision and transient-error retries per send.
	RetryLimit int
	// RetryBackoff is the base delay between retries, doubled each attempt.
	RetryBackoff time.Duration
	// HistoryWindow caps the prior messages sent to the model provider.
	HistoryWindow int
}

// DefaultOptions mirror the config defaults for direct library use.
func DefaultOptions() Options {
	return Options{
		RetryLimit:    3,
		RetryBackoff:  50 * time.Millisecond,
		HistoryWindow: 20,
	}
}

// Service wires the session tracker, log store, and model provider together.
// Safe for concurrent use.
type Service struct {
	store     registrystore.ChatLogStore
	responder registryllm.Responder
	tracker   *session.Tracker
	opts      Options
}

// New creates a Service. responder may be nil when the caller only needs the
// read/delete surface (e.g. admin tooling).
func New(store registrystore.ChatLogStore, responder registryllm.Responder, tracker *session.Tracker, opts Options) *Service {
	if opts.RetryLimit < 1 {
		opts.RetryLimit = 1
	}
	if opts.HistoryWindow < 0 {
		opts.HistoryWindow = 0
	}
	return &Service{store: store, responder: responder, tracker: tracker, opts: opts}
}

// Tracker exposes the session tracker for the session API surface.
func (s *Service) Tracker() *session.Tracker {
	return s.tracker
}

// SendResult is the outcome of one stored exchange.
type SendResult struct {
	EntryID           string    `json:"entryId"`
	Rank              int       `json:"rank"`
	SessionID         string    `json:"sessionId"`
	ConversationToken string    `json:"conversationToken"`
	ResponseText      string    `json:"responseText"`
	CreatedAt         time.Time `json:"createdAt"`
}

// SendMessage generates a reply for text and appends the exchange to the
// user's log. The session is started lazily when none is active. The next
// rank is computed immediately before each append attempt; a duplicate-rank
// rejection means another writer won the race, so the rank is re-fetched and
// the append retried a bounded number of times.
func (s *Service) SendMessage(ctx context.Context, userID, text string, attachments []string) (*SendResult, error) {
	if text == "" {
		return nil, &registrystore.ValidationError{Field: "message", Message: "must not be empty"}
	}
	if s.responder == nil {
		return nil, &registryllm.Error{Kind: registryllm.KindConfiguration, Message: "no model provider configured"}
	}

	sess, ok := s.tracker.Current(userID)
	if !ok {
		sess = s.tracker.StartNew(userID)
	}

	history, err := s.history(ctx, userID, sess)
	if err != nil {
		// History is context for the model, not correctness: degrade to an
		// empty window rather than failing the send.
		log.Warn("Failed to load history for send", "user", userID, "err", err)
		history = nil
	}

	reply, err := s.responder.Generate(ctx, registryllm.Request{
		Message:     text,
		Attachments: attachments,
		History:     history,
	})
	if err != nil {
		return nil, err
	}

	entry, err := s.append(ctx, userID, text, reply)
	if err != nil {
		return nil, err
	}

	// Anchor the session on its first stored entry so later reads can keep
	// this conversation selected.
	s.tracker.Anchor(userID, sess.ID, entry.Rank)
	startRank := sess.StartRank
	if startRank == 0 {
		startRank = entry.Rank
	}

	return &SendResult{
		EntryID:           entry.ID,
		Rank:              entry.Rank,
		SessionID:         sess.ID,
		ConversationToken: conversation.Token(startRank),
		ResponseText:      entry.ResponseText,
		CreatedAt:         entry.CreatedAt,
	}, nil
}

// append runs the rank-allocate/insert loop. Rank collisions and transient
// storage errors are retried with backoff; referential integrity and
// validation failures are final.
func (s *Service) append(ctx context.Context, userID, request, response string) (*model.LogEntry, error) {
	backoff := s.opts.RetryBackoff

	var lastErr error
	for attempt := 0; attempt < s.opts.RetryLimit; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrOutcomeUnknown, ctx.Err())
			}
			backoff *= 2
		}

		maxRank, err := s.store.MaxRank(ctx, userID)
		if err != nil {
			// Never default the rank on a failed read: rank 1 would collide
			// with (or shadow) an existing entry.
			return nil, fmt.Errorf("failed to allocate next rank: %w", err)
		}
		rank := maxRank + 1

		entry := model.LogEntry{
			ID:           model.EntryID(userID, rank),
			UserID:       userID,
			Rank:         rank,
			RequestText:  request,
			ResponseText: response,
			CreatedAt:    time.Now().UTC(),
		}

		err = s.store.Append(ctx, entry)
		if err == nil {
			return &entry, nil
		}

		var conflict *registrystore.ConflictError
		var notFound *registrystore.NotFoundError
		var validation *registrystore.ValidationError
		switch {
		case errors.As(err, &conflict):
			if security.RankCollisionsTotal != nil {
				security.RankCollisionsTotal.Inc()
			}
			log.Debug("Rank collision, retrying append", "user", userID, "rank", rank, "attempt", attempt+1)
			lastErr = err
		case errors.As(err, &notFound), errors.As(err, &validation):
			return nil, err
		case errors.Is(err, context.DeadlineExceeded):
			// The insert may have landed before the deadline fired.
			return nil, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
		default:
			log.Warn("Transient append failure, retrying", "user", userID, "rank", rank, "attempt", attempt+1, "err", err)
			lastErr = err
		}
	}
	return nil, fmt.Errorf("append failed after %d attempts: %w", s.opts.RetryLimit, lastErr)
}

// history returns the active conversation's messages, newest window last, for
// the model provider. Empty when the session has no stored entries yet.
func (s *Service) history(ctx context.Context, userID string, sess session.Session) ([]registryllm.Message, error) {
	if sess.StartRank == 0 || s.opts.HistoryWindow == 0 {
		return nil, nil
	}
	entries, err := s.store.ReadAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, run := range conversation.Segment(entries) {
		if run.StartRank != sess.StartRank {
			continue
		}
		msgs := conversation.Messages(run)
		if len(msgs) > s.opts.HistoryWindow {
			msgs = msgs[len(msgs)-s.opts.HistoryWindow:]
		}
		out := make([]registryllm.Message, len(msgs))
		for i, m := range msgs {
			out[i] = registryllm.Message{Role: m.Role, Content: m.Content}
		}
		return out, nil
	}
	return nil, nil
}

// ListConversations segments the user's full log and returns newest-first
// summaries. offset/limit paginate the derived conversation list, never raw
// entries, so a conversation is never split across pages.
func (s *Service) ListConversations(ctx context.Context, userID string, offset, limit int) ([]conversation.Summary, error) {
	entries, err := s.store.ReadAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	runs := conversation.Segment(entries)

	if offset < 0 {
		offset = 0
	}
	if offset >= len(runs) {
		return []conversation.Summary{}, nil
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}

	summaries := make([]conversation.Summary, len(runs))
	for i, run := range runs {
		summaries[i] = conversation.Summarize(run)
	}
	return summaries, nil
}

// View is one conversation expanded for display.
type View struct {
	conversation.Summary
	Messages []conversation.Message `json:"messages"`
}

// GetConversation returns the expanded conversation addressed by token.
// Reports found=false for malformed tokens (before any storage call) and for
// start ranks with no entry.
func (s *Service) GetConversation(ctx context.Context, userID, token string) (*View, bool, error) {
	startRank, ok := conversation.ParseToken(token)
	if !ok {
		return nil, false, nil
	}
	entries, err := s.store.ReadAll(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	for _, run := range conversation.Segment(entries) {
		if run.StartRank == startRank {
			return &View{
				Summary:  conversation.Summarize(run),
				Messages: conversation.Messages(run),
			}, true, nil
		}
	}
	return nil, false, nil
}

// DeleteConversation removes the maximal contiguous run starting at the
// token's rank. Entries before it and entries past the first gap are left
// untouched; the log intentionally tolerates the resulting permanent gap.
// Reports false without touching storage for malformed tokens, and false when
// no entry has the start rank.
func (s *Service) DeleteConversation(ctx context.Context, userID, token string) (bool, error) {
	startRank, ok := conversation.ParseToken(token)
	if !ok {
		return false, nil
	}

	entries, err := s.store.ReadRange(ctx, userID, startRank, math.MaxInt32)
	if err != nil {
		return false, err
	}
	endRank, ok := conversation.RunEnd(entries, startRank)
	if !ok {
		return false, nil
	}

	deleted, err := s.store.DeleteRange(ctx, userID, startRank, endRank)
	if err != nil {
		return false, err
	}

	// Never leave the tracker pointing at ranks that no longer exist.
	s.tracker.ClearIfAnchored(userID, startRank)

	log.Info("Deleted conversation", "user", userID, "startRank", startRank, "endRank", endRank, "entries", deleted)
	return deleted > 0, nil
}

// Rerank restores full rank contiguity 1..N for the user and returns N.
// Maintenance operation: session anchors reference ranks, so the user's
// session is cleared afterwards.
func (s *Service) Rerank(ctx context.Context, userID string) (int, error) {
	n, err := s.store.Rerank(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.tracker.Clear(userID)
	log.Info("Rerank pass complete", "user", userID, "entries", n)
	return n, nil
}
