// Package likes persists like-peer decisions. Likes are recorded by the
// resolver in memory for the lifetime of a connection; this store keeps them
// afterwards so mutual likes can be looked up later.
package likes

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrSelfLike is returned when from and to are the same participant.
var ErrSelfLike = errors.New("likes: participant cannot like itself")

// Like is one recorded like.
type Like struct {
	From   string
	To     string
	Mutual bool
	At     time.Time
}

// Store records likes. Implementations are safe for concurrent use.
type Store interface {
	// Record stores that from likes to. When mutual is true the reverse like
	// is marked mutual as well.
	Record(ctx context.Context, from, to string, mutual bool) error
	// Liked returns the ids id has liked, most recent first.
	Liked(ctx context.Context, id string) ([]Like, error)
	// Mutuals returns the ids id shares a mutual like with.
	Mutuals(ctx context.Context, id string) ([]string, error)
}

// MemoryStore keeps likes in process. It is used when no database is
// configured and in tests.
type MemoryStore struct {
	mu    sync.Mutex
	likes map[string]map[string]*Like // from -> to -> like
	now   func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{likes: make(map[string]map[string]*Like), now: time.Now}
}

func (s *MemoryStore) Record(_ context.Context, from, to string, mutual bool) error {
	if from == to {
		return ErrSelfLike
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out, ok := s.likes[from]
	if !ok {
		out = make(map[string]*Like)
		s.likes[from] = out
	}
	out[to] = &Like{From: from, To: to, Mutual: mutual, At: s.now()}
	if mutual {
		if back, ok := s.likes[to][from]; ok {
			back.Mutual = true
		}
	}
	return nil
}

func (s *MemoryStore) Liked(_ context.Context, id string) ([]Like, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]Like, 0, len(s.likes[id]))
	for _, l := range s.likes[id] {
		res = append(res, *l)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].At.After(res[j].At) })
	return res, nil
}

func (s *MemoryStore) Mutuals(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []string
	for to, l := range s.likes[id] {
		if l.Mutual {
			res = append(res, to)
		}
	}
	sort.Strings(res)
	return res, nil
}
