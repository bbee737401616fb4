package mesh

import (
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"

	"swarmmesh/internal/proto"
)

func simTactic(id string, category proto.TacticCategory, effectiveness float64, expiresAtMs int64) proto.Tactic {
	return proto.Tactic{
		TacticID:      id,
		Category:      category,
		Name:          id,
		Effectiveness: effectiveness,
		SharedBy:      "node-x",
		ExpiresAt:     expiresAtMs,
	}
}

func TestTacticStorePutValidation(t *testing.T) {
	s := NewTacticStore(0, new(mclock.Simulated))
	if s.Put(proto.Tactic{TacticID: "", Category: proto.CategoryRateAdaptation}) {
		t.Fatal("empty id accepted")
	}
	if s.Put(simTactic("t1", "weather-control", 0.5, 60_000)) {
		t.Fatal("unknown category accepted")
	}
	if !s.Put(simTactic("t1", proto.CategoryRateAdaptation, 0.5, 60_000)) {
		t.Fatal("valid tactic rejected")
	}
	if s.Len() != 1 {
		t.Fatalf("len: %d", s.Len())
	}
}

func TestTacticStoreRejectsExpired(t *testing.T) {
	sim := new(mclock.Simulated)
	s := NewTacticStore(0, sim)
	sim.Run(2 * time.Minute)
	if s.Put(simTactic("old", proto.CategoryRateAdaptation, 0.5, 60_000)) {
		t.Fatal("already-expired tactic accepted")
	}
}

func TestTacticStoreBestPrefersEffectiveness(t *testing.T) {
	s := NewTacticStore(0, new(mclock.Simulated))
	s.Put(simTactic("weak", proto.CategoryHeaderMutation, 0.3, 60_000))
	s.Put(simTactic("strong", proto.CategoryHeaderMutation, 0.9, 60_000))
	s.Put(simTactic("other", proto.CategoryNetworkRouting, 1.0, 60_000))

	best, ok := s.Best(proto.CategoryHeaderMutation)
	if !ok || best.TacticID != "strong" {
		t.Fatalf("best: %+v", best)
	}
	if _, ok := s.Best(proto.CategoryCaptchaBypass); ok {
		t.Fatal("best for empty category")
	}
}

func TestTacticStoreExpiryAndPurge(t *testing.T) {
	sim := new(mclock.Simulated)
	s := NewTacticStore(0, sim)
	s.Put(simTactic("short", proto.CategoryHeaderMutation, 0.9, 60_000))
	s.Put(simTactic("long", proto.CategoryHeaderMutation, 0.3, 600_000))

	sim.Run(2 * time.Minute)
	// expired entries are invisible even before the purge runs
	best, ok := s.Best(proto.CategoryHeaderMutation)
	if !ok || best.TacticID != "long" {
		t.Fatalf("best after expiry: %+v", best)
	}
	if _, ok := s.Get("short"); ok {
		t.Fatal("expired tactic still readable")
	}
	if removed := s.Purge(); removed != 1 {
		t.Fatalf("purged: %d", removed)
	}
	if s.Len() != 1 {
		t.Fatalf("len after purge: %d", s.Len())
	}
}

func TestTacticStoreReplacesById(t *testing.T) {
	s := NewTacticStore(0, new(mclock.Simulated))
	s.Put(simTactic("t1", proto.CategoryHeaderMutation, 0.3, 60_000))
	s.Put(simTactic("t1", proto.CategoryHeaderMutation, 0.8, 60_000))
	if s.Len() != 1 {
		t.Fatalf("len: %d", s.Len())
	}
	got, ok := s.Get("t1")
	if !ok || got.Effectiveness != 0.8 {
		t.Fatalf("replacement lost: %+v", got)
	}
}

func TestTacticStoreEvictsClosestToExpiry(t *testing.T) {
	s := NewTacticStore(2, new(mclock.Simulated))
	s.Put(simTactic("soon", proto.CategoryHeaderMutation, 0.5, 30_000))
	s.Put(simTactic("later", proto.CategoryHeaderMutation, 0.5, 300_000))
	s.Put(simTactic("new", proto.CategoryHeaderMutation, 0.5, 120_000))

	if s.Len() != 2 {
		t.Fatalf("len: %d", s.Len())
	}
	if _, ok := s.Get("soon"); ok {
		t.Fatal("closest-to-expiry entry survived eviction")
	}
	for _, id := range []string{"later", "new"} {
		if _, ok := s.Get(id); !ok {
			t.Fatalf("entry %s evicted", id)
		}
	}
}

func TestTacticStoreOwnedBy(t *testing.T) {
	s := NewTacticStore(0, new(mclock.Simulated))
	for i := 0; i < 5; i++ {
		tac := simTactic(fmt.Sprintf("t%d", i), proto.CategoryBehaviorMimicry, 0.5, 600_000)
		tac.SharedBy = "me"
		tac.CreatedAt = int64(i)
		s.Put(tac)
	}
	other := simTactic("theirs", proto.CategoryBehaviorMimicry, 0.5, 600_000)
	s.Put(other)

	got := s.OwnedBy("me", 3)
	if len(got) != 3 {
		t.Fatalf("limit not applied: %d", len(got))
	}
	if got[0].TacticID != "t4" {
		t.Fatalf("not newest-first: %v", got[0].TacticID)
	}
	for _, tac := range got {
		if tac.SharedBy != "me" {
			t.Fatalf("foreign tactic included: %+v", tac)
		}
	}
}
