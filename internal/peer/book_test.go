package peer

import (
	"encoding/hex"
	"path/filepath"
	"testing"

	"swarmmesh/internal/crypto"
)

func TestBookRoundTrip(t *testing.T) {
	b := NewBook(filepath.Join(t.TempDir(), "peers.jsonl"))
	pub, _, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	id := crypto.NodeIDFromPub(pub)
	c := Contact{
		NodeID: hex.EncodeToString(id[:]),
		PubKey: hex.EncodeToString(pub),
		Addr:   "10.0.0.2:7946",
		Region: "eu-west",
	}
	if err := b.Append(c); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := b.Load(10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].NodeID != c.NodeID || got[0].Addr != c.Addr {
		t.Fatalf("round trip mismatch: %v", got)
	}
}

func TestBookDropsForgedContacts(t *testing.T) {
	b := NewBook(filepath.Join(t.TempDir(), "peers.jsonl"))
	pub, _, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	forged := Contact{
		NodeID: "0000000000000000000000000000000000000000000000000000000000000000",
		PubKey: hex.EncodeToString(pub),
	}
	if err := b.Append(forged); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := b.Load(10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("forged contact survived load: %v", got)
	}
}

func TestBookDeduplicates(t *testing.T) {
	b := NewBook(filepath.Join(t.TempDir(), "peers.jsonl"))
	c := Contact{NodeID: "abc", Addr: "10.0.0.3:7946"}
	for i := 0; i < 3; i++ {
		if err := b.Append(c); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := b.Load(10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 contact, got %d", len(got))
	}
}

func TestNilBookIsInert(t *testing.T) {
	var b *Book
	if err := b.Append(Contact{NodeID: "x"}); err != nil {
		t.Fatalf("append on nil book: %v", err)
	}
	got, err := b.Load(10)
	if err != nil || got != nil {
		t.Fatalf("load on nil book: %v %v", got, err)
	}
}
