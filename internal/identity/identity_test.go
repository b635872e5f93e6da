package identity

import (
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
)

func TestNewIdentityHasPrefixAndMnemonic(t *testing.T) {
	id, mnemonic, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !strings.HasPrefix(id.ID, "tab1") {
		t.Fatalf("expected tab1 prefix, got %q", id.ID)
	}
	if len(strings.Fields(mnemonic)) != 24 {
		t.Fatalf("expected 24-word mnemonic, got %d words", len(strings.Fields(mnemonic)))
	}
}

func TestFromMnemonicIsDeterministic(t *testing.T) {
	_, mnemonic, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	a, err := FromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("FromMnemonic failed: %v", err)
	}
	b, err := FromMnemonic(" " + mnemonic + " ")
	if err != nil {
		t.Fatalf("FromMnemonic with whitespace failed: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("resume must yield the same identity: %q vs %q", a.ID, b.ID)
	}
}

func TestFromMnemonicRejectsInvalidInput(t *testing.T) {
	if _, err := FromMnemonic(""); !errors.Is(err, ErrMnemonicRequired) {
		t.Fatalf("expected ErrMnemonicRequired, got %v", err)
	}
	if _, err := FromMnemonic("definitely not a mnemonic"); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
}

func TestSignVerifiesAgainstPublishedKey(t *testing.T) {
	id, mnemonic, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	payload := []byte("lifecycle-start")
	sig := id.Sign(payload)
	if !ed25519.Verify(id.SigningPublicKey, payload, sig) {
		t.Fatal("signature must verify against the identity's public key")
	}
	// A resumed identity signs with the same key.
	resumed, err := FromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("FromMnemonic failed: %v", err)
	}
	if !ed25519.Verify(resumed.SigningPublicKey, payload, sig) {
		t.Fatal("resumed identity must carry the same signing key")
	}
	if ed25519.Verify(id.SigningPublicKey, []byte("tampered"), sig) {
		t.Fatal("signature must not verify a different payload")
	}
}

func TestVerifyID(t *testing.T) {
	id, _, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := VerifyID(id.ID, id.SigningPublicKey); err != nil {
		t.Fatalf("VerifyID failed on matching key: %v", err)
	}
	other, _, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := VerifyID(id.ID, other.SigningPublicKey); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
	if err := VerifyID(id.ID, []byte("short")); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}
