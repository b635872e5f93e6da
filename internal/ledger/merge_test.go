package ledger

import (
	"math/rand"
	"testing"
)

func snapshotAtSeq(session string, seq uint64) Snapshot {
	return Snapshot{
		SessionID:    session,
		Phase:        PhaseRunning,
		Seq:          seq,
		Participants: map[string]Participant{},
		Pools:        map[string]Pool{},
	}
}

func TestMergeAdoptsIncomingWhenLocalHasNoSession(t *testing.T) {
	incoming := snapshotAtSeq("tab-session-1", 7)
	got := Merge(Snapshot{}, incoming)
	if got.SessionID != "tab-session-1" || got.Seq != 7 {
		t.Fatalf("expected incoming adopted, got session=%q seq=%d", got.SessionID, got.Seq)
	}
}

func TestMergeKeepsLocalOnStaleOrEqualSequence(t *testing.T) {
	local := snapshotAtSeq("tab-session-1", 5)
	for _, seq := range []uint64{1, 4, 5} {
		got := Merge(local, snapshotAtSeq("tab-session-1", seq))
		if got.Seq != 5 {
			t.Fatalf("incoming seq %d must be rejected, got seq %d", seq, got.Seq)
		}
	}
}

func TestMergeKeepsLocalOnForeignSession(t *testing.T) {
	local := snapshotAtSeq("tab-session-1", 5)
	got := Merge(local, snapshotAtSeq("tab-session-2", 50))
	if got.SessionID != "tab-session-1" || got.Seq != 5 {
		t.Fatalf("foreign session must not replace local, got session=%q seq=%d", got.SessionID, got.Seq)
	}
}

func TestMergeAdoptsHigherSequence(t *testing.T) {
	local := snapshotAtSeq("tab-session-1", 5)
	got := Merge(local, snapshotAtSeq("tab-session-1", 6))
	if got.Seq != 6 {
		t.Fatalf("expected seq 6 adopted, got %d", got.Seq)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	local := snapshotAtSeq("tab-session-1", 5)
	incoming := snapshotAtSeq("tab-session-1", 9)
	once := Merge(local, incoming)
	twice := Merge(once, incoming)
	if once.Seq != twice.Seq || once.SessionID != twice.SessionID {
		t.Fatalf("merge must be idempotent: once seq=%d, twice seq=%d", once.Seq, twice.Seq)
	}
}

func TestMergeConvergesRegardlessOfArrivalOrder(t *testing.T) {
	broadcasts := make([]Snapshot, 0, 20)
	for seq := uint64(1); seq <= 20; seq++ {
		broadcasts = append(broadcasts, snapshotAtSeq("tab-session-1", seq))
	}
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		shuffled := append([]Snapshot(nil), broadcasts...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		var local Snapshot
		for _, b := range shuffled {
			local = Merge(local, b)
		}
		if local.Seq != 20 {
			t.Fatalf("trial %d: expected convergence to seq 20, got %d", trial, local.Seq)
		}
	}
}
