// Package memory implements the chat log store in process memory. Used by
// tests and single-node evaluation setups; contents do not survive a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	registrystore "github.com/chatlog-io/chatlog-service/internal/registry/store"

	"github.com/chatlog-io/chatlog-service/internal/model"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrystore.ChatLogStore, error) {
			return New(), nil
		},
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// MemoryStore implements ChatLogStore with in-process maps. Safe for
// concurrent use; a single mutex is enough at the scale it serves.
type MemoryStore struct {
	mu      sync.Mutex
	users   map[string]bool
	entries map[string][]model.LogEntry // per user, kept sorted by rank
}

// New creates an empty MemoryStore.
func New() *MemoryStore {
	return &MemoryStore{
		users:   map[string]bool{},
		entries: map[string][]model.LogEntry{},
	}
}

func (s *MemoryStore) RegisterUser(ctx context.Context, userID string) error {
	if userID == "" {
		return &registrystore.ValidationError{Field: "userId", Message: "must not be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = true
	return nil
}

func (s *MemoryStore) MaxRank(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.entries[userID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Rank, nil
}

func (s *MemoryStore) Append(ctx context.Context, entry model.LogEntry) error {
	if entry.Rank < 1 {
		return &registrystore.ValidationError{Field: "rank", Message: "must be positive"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.users[entry.UserID] {
		return &registrystore.NotFoundError{Resource: "user", ID: entry.UserID}
	}
	for _, e := range s.entries[entry.UserID] {
		if e.Rank == entry.Rank {
			return &registrystore.ConflictError{
				Message: fmt.Sprintf("rank %d already taken for user %s", entry.Rank, entry.UserID),
			}
		}
	}

	log := append(s.entries[entry.UserID], entry)
	sort.Slice(log, func(i, j int) bool { return log[i].Rank < log[j].Rank })
	s.entries[entry.UserID] = log
	return nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, userID string) ([]model.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.LogEntry, len(s.entries[userID]))
	copy(out, s.entries[userID])
	return out, nil
}

func (s *MemoryStore) ReadRange(ctx context.Context, userID string, lo, hi int) ([]model.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LogEntry
	for _, e := range s.entries[userID] {
		if e.Rank >= lo && e.Rank <= hi {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteRange(ctx context.Context, userID string, lo, hi int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []model.LogEntry
	var deleted int64
	for _, e := range s.entries[userID] {
		if e.Rank >= lo && e.Rank <= hi {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.entries[userID] = kept
	return deleted, nil
}

func (s *MemoryStore) Rerank(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.entries[userID]
	if len(log) == 0 {
		return 0, nil
	}
	sort.Slice(log, func(i, j int) bool {
		if !log[i].CreatedAt.Equal(log[j].CreatedAt) {
			return log[i].CreatedAt.Before(log[j].CreatedAt)
		}
		return log[i].Rank < log[j].Rank
	})
	for i := range log {
		log[i].Rank = i + 1
		log[i].ID = model.EntryID(userID, i+1)
	}
	s.entries[userID] = log
	return len(log), nil
}

func (s *MemoryStore) CountUsers(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.users)), nil
}

func (s *MemoryStore) CountEntries(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, log := range s.entries {
		total += int64(len(log))
	}
	return total, nil
}
