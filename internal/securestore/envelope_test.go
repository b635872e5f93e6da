package securestore

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	plaintext := []byte(`{"session_id":"tab-session-1","seq":9}`)
	sealed, err := Seal("hunter2", plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("tab-session-1")) {
		t.Fatalf("sealed output leaks plaintext")
	}
	opened, err := Open("hunter2", sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("expected round trip, got %q", opened)
	}
}

func TestOpenWrongPassphrase(t *testing.T) {
	sealed, err := Seal("right", []byte("data"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := Open("wrong", sealed); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestOpenRejectsUnwrappedData(t *testing.T) {
	if _, err := Open("pass", []byte("just some bytes")); !errors.Is(err, ErrPlaintext) {
		t.Fatalf("expected ErrPlaintext, got %v", err)
	}
	if _, err := Open("pass", []byte("TABENC1\nnot-json")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
