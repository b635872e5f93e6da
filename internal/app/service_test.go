package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"sharedtab/go-backend/internal/identity"
	"sharedtab/go-backend/internal/transport"
)

func testServiceConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Transport.Backend = transport.BackendMesh
	cfg.Transport.OpenTimeout = 500 * time.Millisecond
	cfg.Transport.ConnectTimeout = 500 * time.Millisecond
	return cfg
}

func TestServiceMintsAndResumesIdentity(t *testing.T) {
	cfg := testServiceConfig(t)
	mesh := transport.NewMesh()

	first, err := NewServiceWithBackend(cfg, mesh.Endpoint())
	if err != nil {
		t.Fatalf("NewServiceWithBackend failed: %v", err)
	}
	if !strings.HasPrefix(first.PeerID(), "tab1") {
		t.Fatalf("expected tab1 peer id, got %q", first.PeerID())
	}
	if words := strings.Fields(first.RecoveryMnemonic()); len(words) != 24 {
		t.Fatalf("expected 24 word mnemonic, got %d words", len(words))
	}

	// Same data dir resumes the same peer identity.
	second, err := NewServiceWithBackend(cfg, mesh.Endpoint())
	if err != nil {
		t.Fatalf("second construction failed: %v", err)
	}
	if second.PeerID() != first.PeerID() {
		t.Fatalf("expected identity resume, got %q vs %q", second.PeerID(), first.PeerID())
	}
}

func TestServiceRecoverIdentity(t *testing.T) {
	cfg := testServiceConfig(t)
	mesh := transport.NewMesh()
	donor, err := NewServiceWithBackend(cfg, mesh.Endpoint())
	if err != nil {
		t.Fatalf("NewServiceWithBackend failed: %v", err)
	}

	other := testServiceConfig(t)
	svc, err := NewServiceWithBackend(other, mesh.Endpoint())
	if err != nil {
		t.Fatalf("NewServiceWithBackend failed: %v", err)
	}
	got, err := svc.RecoverIdentity(donor.RecoveryMnemonic())
	if err != nil {
		t.Fatalf("RecoverIdentity failed: %v", err)
	}
	if got != donor.PeerID() {
		t.Fatalf("expected recovered id %q, got %q", donor.PeerID(), got)
	}
	if _, err := svc.RecoverIdentity("not a mnemonic"); !errors.Is(err, identity.ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
	// The stored identity must survive a rejected recovery attempt.
	if svc.PeerID() != donor.PeerID() {
		t.Fatalf("rejected recovery must not replace the identity, got %q", svc.PeerID())
	}
}

func TestServiceLifecycleGuards(t *testing.T) {
	cfg := testServiceConfig(t)
	mesh := transport.NewMesh()
	svc, err := NewServiceWithBackend(cfg, mesh.Endpoint())
	if err != nil {
		t.Fatalf("NewServiceWithBackend failed: %v", err)
	}
	if _, err := svc.GetSnapshot(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}

	ctx := context.Background()
	if err := svc.StartNetworking(ctx); err != nil {
		t.Fatalf("StartNetworking failed: %v", err)
	}
	if err := svc.StartNetworking(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if _, err := svc.RecoverIdentity(svc.RecoveryMnemonic()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected recovery to be blocked while started, got %v", err)
	}

	if _, err := svc.CreateSession("Trip Tab"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	snap, err := svc.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if snap.AuthorityID() != svc.PeerID() {
		t.Fatalf("expected self as authority, got %q", snap.AuthorityID())
	}

	if err := svc.StopNetworking(ctx); err != nil {
		t.Fatalf("StopNetworking failed: %v", err)
	}
	if err := svc.StopNetworking(ctx); err != nil {
		t.Fatalf("repeated stop must be a no-op, got %v", err)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("TAB_DATA_DIR", "/tmp/tabdata")
	t.Setenv("TAB_TRANSPORT", transport.BackendMesh)
	t.Setenv("TAB_PEER_RATE_BURST", "99")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.DataDir != "/tmp/tabdata" {
		t.Fatalf("expected env data dir, got %q", cfg.DataDir)
	}
	if cfg.Transport.Backend != transport.BackendMesh {
		t.Fatalf("expected mesh backend, got %q", cfg.Transport.Backend)
	}
	if cfg.Coordinator.PeerRateBurst != 99 {
		t.Fatalf("expected burst override, got %d", cfg.Coordinator.PeerRateBurst)
	}
}

func TestLoadConfigRejectsBadBootstrapNodes(t *testing.T) {
	t.Setenv("TAB_BOOTSTRAP_NODES", "not-a-multiaddr")
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("expected invalid bootstrap node to be rejected")
	}
}
