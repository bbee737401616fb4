package crypto

import (
	"bytes"
	"testing"
)

func TestNodeIDDerivationIsStable(t *testing.T) {
	pub, _, err := GenKeypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	a := NodeIDFromPub(pub)
	b := NodeIDFromPub(pub)
	if a != b {
		t.Fatal("node id derivation not deterministic")
	}
	other, _, err := GenKeypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if NodeIDFromPub(other) == a {
		t.Fatal("distinct keys derived the same node id")
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	digest := SHA3_256([]byte("message"))
	sig, err := Sign(priv, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Verify(pub, digest, sig) {
		t.Fatal("valid signature rejected")
	}
	if Verify(pub, SHA3_256([]byte("other")), sig) {
		t.Fatal("signature verified against wrong digest")
	}
	sig[0] ^= 0xff
	if Verify(pub, digest, sig) {
		t.Fatal("tampered signature verified")
	}
}

func TestXSealOpen(t *testing.T) {
	key := bytes.Repeat([]byte{7}, XKeySize)
	plaintext := []byte("sealed payload")
	aad := []byte("msg-1")

	nonce, ct, err := XSeal(key, plaintext, aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := XOpen(key, nonce, ct, aad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("plaintext mismatch: %q", got)
	}
	if _, err := XOpen(key, nonce, ct, []byte("msg-2")); err == nil {
		t.Fatal("open succeeded with wrong aad")
	}
	wrongKey := bytes.Repeat([]byte{8}, XKeySize)
	if _, err := XOpen(wrongKey, nonce, ct, aad); err == nil {
		t.Fatal("open succeeded with wrong key")
	}
}

func TestXSealRejectsBadKey(t *testing.T) {
	if _, _, err := XSeal([]byte("short"), []byte("p"), nil); err == nil {
		t.Fatal("short key accepted")
	}
}

func TestLoadOrCreateKeypair(t *testing.T) {
	dir := t.TempDir()
	pub1, priv1, err := LoadOrCreateKeypair(dir)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	pub2, priv2, err := LoadOrCreateKeypair(dir)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !bytes.Equal(pub1, pub2) || !bytes.Equal(priv1, priv2) {
		t.Fatal("keypair not stable across loads")
	}
}
