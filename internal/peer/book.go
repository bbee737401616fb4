package peer

import (
	"encoding/hex"
	"encoding/json"

	"swarmmesh/internal/crypto"
	"swarmmesh/internal/store"
)

// Contact is a persisted peer record used to re-seed the directory after a
// restart. Only contact hints are stored; mesh state is not durable.
type Contact struct {
	NodeID string `json:"node_id"`
	PubKey string `json:"pubkey,omitempty"`
	Addr   string `json:"addr,omitempty"`
	Region string `json:"region,omitempty"`
}

// Book is the JSONL seed book on disk.
type Book struct {
	path string
}

func NewBook(path string) *Book {
	return &Book{path: path}
}

func (b *Book) Append(c Contact) error {
	if b == nil || b.path == "" || c.NodeID == "" {
		return nil
	}
	return store.AppendJSONL(b.path, c)
}

// Load returns up to limit contacts, newest last, dropping records whose
// node id does not match the embedded public key.
func (b *Book) Load(limit int) ([]Contact, error) {
	if b == nil || b.path == "" {
		return nil, nil
	}
	raws, err := store.ReadLastJSONL(b.path, limit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(raws))
	out := make([]Contact, 0, len(raws))
	for _, raw := range raws {
		var c Contact
		if err := json.Unmarshal(raw, &c); err != nil || c.NodeID == "" {
			continue
		}
		if c.PubKey != "" {
			pub, err := hex.DecodeString(c.PubKey)
			if err != nil || !crypto.IsPublicKey(pub) {
				continue
			}
			if hexID(crypto.NodeIDFromPub(pub)) != c.NodeID {
				continue
			}
		}
		if _, dup := seen[c.NodeID]; dup {
			continue
		}
		seen[c.NodeID] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}

func hexID(id [32]byte) string {
	return hex.EncodeToString(id[:])
}
