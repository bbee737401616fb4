package mesh

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"

	"swarmmesh/internal/proto"
)

// DefaultTacticTTL bounds how long a shared tactic stays actionable. Detection
// systems adapt, so stale countermeasures age out instead of lingering.
const DefaultTacticTTL = time.Hour

const defaultMaxTactics = 1024

// TacticStore keeps the per-node view of shared countermeasures. Entries carry
// their own expiry; an LRU with a single TTL cannot express that, so this is a
// plain mutex map swept by the cleanup cycle.
type TacticStore struct {
	mu      sync.Mutex
	clock   mclock.Clock
	max     int
	tactics map[string]proto.Tactic
}

func NewTacticStore(max int, clock mclock.Clock) *TacticStore {
	if clock == nil {
		clock = mclock.System{}
	}
	if max <= 0 {
		max = defaultMaxTactics
	}
	return &TacticStore{
		clock:   clock,
		max:     max,
		tactics: make(map[string]proto.Tactic),
	}
}

func (s *TacticStore) nowMs() int64 {
	return time.Unix(0, 0).Add(time.Duration(s.clock.Now())).UnixMilli()
}

// Put stores a tactic, replacing any previous version with the same id.
// Already-expired tactics are rejected.
func (s *TacticStore) Put(t proto.Tactic) bool {
	if t.TacticID == "" || !proto.KnownCategory(t.Category) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowMs()
	if t.ExpiresAt > 0 && t.ExpiresAt <= now {
		return false
	}
	if _, ok := s.tactics[t.TacticID]; !ok && len(s.tactics) >= s.max {
		s.evictOldestLocked()
	}
	s.tactics[t.TacticID] = t
	return true
}

// evictOldestLocked drops the entry closest to expiry to make room.
func (s *TacticStore) evictOldestLocked() {
	var victim string
	var soonest int64
	for id, t := range s.tactics {
		if victim == "" || t.ExpiresAt < soonest {
			victim = id
			soonest = t.ExpiresAt
		}
	}
	if victim != "" {
		delete(s.tactics, victim)
	}
}

func (s *TacticStore) Get(id string) (proto.Tactic, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tactics[id]
	if !ok {
		return proto.Tactic{}, false
	}
	if t.ExpiresAt > 0 && t.ExpiresAt <= s.nowMs() {
		return proto.Tactic{}, false
	}
	return t, true
}

// Best returns the unexpired tactic with the highest effectiveness in the
// given category.
func (s *TacticStore) Best(category proto.TacticCategory) (proto.Tactic, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowMs()
	var best proto.Tactic
	found := false
	for _, t := range s.tactics {
		if t.Category != category {
			continue
		}
		if t.ExpiresAt > 0 && t.ExpiresAt <= now {
			continue
		}
		if !found || t.Effectiveness > best.Effectiveness {
			best = t
			found = true
		}
	}
	return best, found
}

// ByCategory returns unexpired tactics in a category, most effective first.
func (s *TacticStore) ByCategory(category proto.TacticCategory) []proto.Tactic {
	s.mu.Lock()
	now := s.nowMs()
	var out []proto.Tactic
	for _, t := range s.tactics {
		if t.Category != category {
			continue
		}
		if t.ExpiresAt > 0 && t.ExpiresAt <= now {
			continue
		}
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Effectiveness != out[j].Effectiveness {
			return out[i].Effectiveness > out[j].Effectiveness
		}
		return out[i].TacticID < out[j].TacticID
	})
	return out
}

// OwnedBy returns up to limit unexpired tactics shared by the given node,
// newest first. The sync cycle re-broadcasts these.
func (s *TacticStore) OwnedBy(nodeID string, limit int) []proto.Tactic {
	s.mu.Lock()
	now := s.nowMs()
	var out []proto.Tactic
	for _, t := range s.tactics {
		if t.SharedBy != nodeID {
			continue
		}
		if t.ExpiresAt > 0 && t.ExpiresAt <= now {
			continue
		}
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].TacticID < out[j].TacticID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Purge drops expired entries and returns how many were removed.
func (s *TacticStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowMs()
	removed := 0
	for id, t := range s.tactics {
		if t.ExpiresAt > 0 && t.ExpiresAt <= now {
			delete(s.tactics, id)
			removed++
		}
	}
	return removed
}

func (s *TacticStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tactics)
}
