package coord

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"sharedtab/go-backend/internal/ledger"
	"sharedtab/go-backend/internal/platform/runtime"
	"sharedtab/go-backend/internal/storage"
	"sharedtab/go-backend/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testPeer struct {
	id    string
	node  *transport.Node
	coord *Coordinator
	hub   *runtime.Hub
}

func newTestPeer(t *testing.T, mesh *transport.Mesh, id string, store *storage.Store) *testPeer {
	t.Helper()
	cfg := transport.DefaultConfig()
	cfg.OpenTimeout = 500 * time.Millisecond
	cfg.ConnectTimeout = 500 * time.Millisecond
	node := transport.NewNode(cfg, mesh.Endpoint())
	node.SetIdentity(id)
	if _, err := node.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	hub := runtime.NewHub(256)
	c := New(DefaultConfig(), node, store, hub, discardLogger())
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return &testPeer{id: id, node: node, coord: c, hub: hub}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (p *testPeer) snapshot(t *testing.T) ledger.Snapshot {
	t.Helper()
	s, err := p.coord.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	return s
}

func mustSubmit(t *testing.T, p *testPeer, intent Intent) {
	t.Helper()
	if err := p.coord.SubmitIntent(intent); err != nil {
		t.Fatalf("SubmitIntent(%s) failed: %v", intent.Kind, err)
	}
}

// startedSession creates an authority with participant balances seeded, a
// member joined, an unbounded bank pool, and the ledger running.
func startedSession(t *testing.T, mesh *transport.Mesh) (*testPeer, *testPeer) {
	t.Helper()
	auth := newTestPeer(t, mesh, "tab1-auth", nil)
	member := newTestPeer(t, mesh, "tab1-member", nil)

	if _, err := auth.coord.CreateSession("Trip Tab"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := member.coord.Join(context.Background(), "tab1-auth"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	waitFor(t, "member admitted", func() bool {
		return len(member.snapshot(t).Participants) == 2
	})

	bal := int64(100)
	yes := true
	mustSubmit(t, auth, Intent{Kind: IntentSetBalance, TargetID: "tab1-auth", Balance: &bal})
	mustSubmit(t, auth, Intent{Kind: IntentCreatePool, TargetID: "bank", DisplayName: "Bank", Unbounded: &yes})
	mustSubmit(t, auth, Intent{Kind: IntentStart})
	waitFor(t, "member sees running ledger", func() bool {
		return member.snapshot(t).Phase == ledger.PhaseRunning
	})
	return auth, member
}

func TestCreateSessionMakesAuthority(t *testing.T) {
	mesh := transport.NewMesh()
	p := newTestPeer(t, mesh, "tab1-auth", nil)
	snap, err := p.coord.CreateSession("Trip Tab")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if snap.AuthorityID() != "tab1-auth" {
		t.Fatalf("expected self as authority, got %q", snap.AuthorityID())
	}
	st, err := p.coord.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Role != RoleAuthority {
		t.Fatalf("expected authority role, got %q", st.Role)
	}
	if _, err := p.coord.CreateSession("Another"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
}

func TestIntentWithoutSessionIsRejected(t *testing.T) {
	mesh := transport.NewMesh()
	p := newTestPeer(t, mesh, "tab1-solo", nil)
	err := p.coord.SubmitIntent(Intent{Kind: IntentTransfer, SourceID: "a", DestID: "b", Amount: 1})
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestJoinAdmitsWhileForming(t *testing.T) {
	mesh := transport.NewMesh()
	auth := newTestPeer(t, mesh, "tab1-auth", nil)
	member := newTestPeer(t, mesh, "tab1-member", nil)

	if _, err := auth.coord.CreateSession("Trip Tab"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := member.coord.Join(context.Background(), "tab1-auth"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	waitFor(t, "both sides converge", func() bool {
		a, m := auth.snapshot(t), member.snapshot(t)
		return len(a.Participants) == 2 && a.Seq == m.Seq
	})
	st, err := member.coord.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Role != RoleMember || st.AuthorityID != "tab1-auth" {
		t.Fatalf("expected member of tab1-auth, got %+v", st)
	}
}

func TestAuthorityTransferConvergesEverywhere(t *testing.T) {
	mesh := transport.NewMesh()
	auth, member := startedSession(t, mesh)

	mustSubmit(t, auth, Intent{Kind: IntentTransfer, SourceID: "tab1-auth", DestID: "tab1-member", Amount: 30})
	waitFor(t, "transfer replicated", func() bool {
		m := member.snapshot(t)
		return m.Participants["tab1-member"].Balance == 30
	})
	a := auth.snapshot(t)
	if a.Participants["tab1-auth"].Balance != 70 {
		t.Fatalf("expected authority balance 70, got %d", a.Participants["tab1-auth"].Balance)
	}
	if got := len(a.Transfers(false)); got != 1 {
		t.Fatalf("expected one recorded transfer, got %d", got)
	}
}

func TestBroadcastBurstConverges(t *testing.T) {
	mesh := transport.NewMesh()
	auth, member := startedSession(t, mesh)

	// Commit far more mutations than the per-peer burst allowance. Each one
	// produces a broadcast, and every broadcast must land: a shed snapshot
	// would leave the member stale with no resync path.
	burst := DefaultConfig().PeerRateBurst + 30
	for i := 0; i < burst; i++ {
		mustSubmit(t, auth, Intent{Kind: IntentTransfer, SourceID: "tab1-auth", DestID: "tab1-member", Amount: 1})
	}
	waitFor(t, "member converges past the burst window", func() bool {
		a, m := auth.snapshot(t), member.snapshot(t)
		return m.Seq == a.Seq && m.Participants["tab1-member"].Balance == int64(burst)
	})
}

func TestMemberForwardedTransferAppearsExactlyOnce(t *testing.T) {
	mesh := transport.NewMesh()
	auth, member := startedSession(t, mesh)

	mustSubmit(t, member, Intent{Kind: IntentTransfer, TransferID: "txn-1", SourceID: "tab1-auth", DestID: "tab1-member", Amount: 25})
	waitFor(t, "forwarded transfer applied", func() bool {
		return member.snapshot(t).Participants["tab1-member"].Balance == 25
	})
	for _, p := range []*testPeer{auth, member} {
		count := 0
		for _, tr := range p.snapshot(t).Transfers(true) {
			if tr.ID == "txn-1" {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("peer %s: expected txn-1 exactly once, got %d", p.id, count)
		}
	}

	// A replay of the same request is rejected by the duplicate guard and
	// never lands a second time.
	_, errCh, cancel := member.hub.Subscribe(0)
	defer cancel()
	mustSubmit(t, member, Intent{Kind: IntentTransfer, TransferID: "txn-1", SourceID: "tab1-auth", DestID: "tab1-member", Amount: 25})
	waitFor(t, "duplicate rejection surfaced", func() bool {
		for {
			select {
			case n := <-errCh:
				if n.Method == runtime.MethodSyncError {
					return true
				}
			default:
				return false
			}
		}
	})
	if got := member.snapshot(t).Participants["tab1-member"].Balance; got != 25 {
		t.Fatalf("duplicate must not apply twice: expected 25, got %d", got)
	}
}

func TestForwardedInsufficientFundsGetsErrorEnvelope(t *testing.T) {
	mesh := transport.NewMesh()
	_, member := startedSession(t, mesh)

	before := member.snapshot(t).Seq
	_, notifications, cancel := member.hub.Subscribe(0)
	defer cancel()

	mustSubmit(t, member, Intent{Kind: IntentTransfer, SourceID: "tab1-member", DestID: "tab1-auth", Amount: 1000})
	waitFor(t, "rejection notification", func() bool {
		select {
		case n := <-notifications:
			return n.Method == runtime.MethodSyncError
		default:
			return false
		}
	})
	if member.snapshot(t).Seq != before {
		t.Fatalf("rejected transfer must not advance member state")
	}
}

func TestMemberNeverMutatesOwnSnapshotForIntent(t *testing.T) {
	mesh := transport.NewMesh()
	_, member := startedSession(t, mesh)
	before := member.snapshot(t).Seq

	mustSubmit(t, member, Intent{Kind: IntentTransfer, SourceID: "tab1-auth", DestID: "tab1-member", Amount: 5})
	// The member's local state only changes once the authority's broadcast
	// arrives, never synchronously with the submit.
	waitFor(t, "broadcast round trip", func() bool {
		return member.snapshot(t).Seq > before
	})
	if got := member.snapshot(t).Participants["tab1-member"].Balance; got != 5 {
		t.Fatalf("expected balance 5 after broadcast, got %d", got)
	}
}

func TestPoolIntentsAreAuthorityLocal(t *testing.T) {
	mesh := transport.NewMesh()
	_, member := startedSession(t, mesh)
	yes := true
	err := member.coord.SubmitIntent(Intent{Kind: IntentCreatePool, TargetID: "p2", Unbounded: &yes})
	if !errors.Is(err, ErrNotAuthority) {
		t.Fatalf("expected ErrNotAuthority, got %v", err)
	}
}

func TestDisconnectFlipsLivenessAndRebroadcasts(t *testing.T) {
	mesh := transport.NewMesh()
	auth := newTestPeer(t, mesh, "tab1-auth", nil)
	m1 := newTestPeer(t, mesh, "tab1-m1", nil)
	m2 := newTestPeer(t, mesh, "tab1-m2", nil)

	if _, err := auth.coord.CreateSession("Trip Tab"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	for _, m := range []*testPeer{m1, m2} {
		if err := m.coord.Join(context.Background(), "tab1-auth"); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}
	waitFor(t, "all admitted", func() bool {
		return len(auth.snapshot(t).Participants) == 3
	})
	mustSubmit(t, auth, Intent{Kind: IntentStart})

	m2.node.Shutdown()
	waitFor(t, "m2 marked offline everywhere", func() bool {
		a := auth.snapshot(t).Participants["tab1-m2"]
		b := m1.snapshot(t).Participants["tab1-m2"]
		return !a.Online && !b.Online
	})
	// Balance and history stay untouched.
	if got := auth.snapshot(t).Participants["tab1-m2"].Balance; got != 0 {
		t.Fatalf("disconnect must not touch balance, got %d", got)
	}
}

func TestMemberReconnectReceivesCurrentSnapshot(t *testing.T) {
	mesh := transport.NewMesh()
	auth, member := startedSession(t, mesh)

	member.coord.Stop()
	member.node.Shutdown()
	waitFor(t, "authority sees member offline", func() bool {
		return !auth.snapshot(t).Participants["tab1-member"].Online
	})

	// A transfer happens while the member is away.
	mustSubmit(t, auth, Intent{Kind: IntentTransfer, SourceID: "tab1-auth", DestID: "tab1-member", Amount: 40})

	// Same identity rejoins with a fresh process and empty state.
	rejoined := newTestPeer(t, mesh, "tab1-member", nil)
	if err := rejoined.coord.Join(context.Background(), "tab1-auth"); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	waitFor(t, "rejoined member catches up", func() bool {
		s := rejoined.snapshot(t)
		return s.Participants["tab1-member"].Balance == 40 && s.Participants["tab1-member"].Online
	})
	if got := len(auth.snapshot(t).Participants); got != 2 {
		t.Fatalf("reconnect must not duplicate participants, got %d", got)
	}
}

func TestUnknownIdentityRejectedOnceRunning(t *testing.T) {
	mesh := transport.NewMesh()
	auth, _ := startedSession(t, mesh)

	stranger := newTestPeer(t, mesh, "tab1-stranger", nil)
	_, notifications, cancel := stranger.hub.Subscribe(0)
	defer cancel()
	if err := stranger.coord.Join(context.Background(), "tab1-auth"); err != nil {
		t.Fatalf("Join dial failed: %v", err)
	}
	waitFor(t, "stranger receives rejection", func() bool {
		select {
		case n := <-notifications:
			return n.Method == runtime.MethodSyncError
		default:
			return false
		}
	})
	if got := len(auth.snapshot(t).Participants); got != 2 {
		t.Fatalf("stranger must not be admitted mid-session, got %d participants", got)
	}
}

func TestAuthorityUnreachableRejectsIntentsLocally(t *testing.T) {
	mesh := transport.NewMesh()
	auth, member := startedSession(t, mesh)

	auth.coord.Stop()
	auth.node.Shutdown()
	waitFor(t, "member notices authority loss", func() bool {
		st, err := member.coord.Status()
		return err == nil && st.AuthorityUnreachable
	})

	err := member.coord.SubmitIntent(Intent{Kind: IntentTransfer, SourceID: "tab1-member", DestID: "tab1-auth", Amount: 1})
	if !errors.Is(err, ErrAuthorityUnreachable) {
		t.Fatalf("expected ErrAuthorityUnreachable, got %v", err)
	}
}

func TestRestorePersistedSnapshotAsMergeCandidate(t *testing.T) {
	mesh := transport.NewMesh()
	dir := t.TempDir()
	store := storage.New(dir, "")

	snap, err := ledger.Begin("tabs-restore", "tab1-auth", "Trip Tab", time.Now())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := store.Save(storage.KeySnapshot, raw); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	p := newTestPeer(t, mesh, "tab1-auth", store)
	got := p.snapshot(t)
	if got.SessionID != "tabs-restore" {
		t.Fatalf("expected restored session, got %q", got.SessionID)
	}
	st, err := p.coord.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Role != RoleAuthority {
		t.Fatalf("restored authority must resume its role, got %q", st.Role)
	}
}

func TestCloseFreezesLedgerAcrossPeers(t *testing.T) {
	mesh := transport.NewMesh()
	auth, member := startedSession(t, mesh)
	mustSubmit(t, auth, Intent{Kind: IntentClose})
	waitFor(t, "member sees closed ledger", func() bool {
		return member.snapshot(t).Phase == ledger.PhaseClosed
	})
	st, err := auth.coord.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Role != RoleClosed {
		t.Fatalf("expected closed role, got %q", st.Role)
	}
	if err := auth.coord.SubmitIntent(Intent{Kind: IntentTransfer, SourceID: "tab1-auth", DestID: "tab1-member", Amount: 1}); !errors.Is(err, ledger.ErrLedgerNotRunning) {
		t.Fatalf("expected ErrLedgerNotRunning, got %v", err)
	}
}
