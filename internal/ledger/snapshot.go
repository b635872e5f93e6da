package ledger

import "time"

const (
	PhaseForming = "forming"
	PhaseRunning = "running"
	PhaseClosed  = "closed"
)

const (
	EntryKindTransfer = "transfer"
	EntryKindVoid     = "void"
)

type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Balance     int64     `json:"balance"`
	Authority   bool      `json:"authority"`
	Online      bool      `json:"online"`
	JoinedAt    time.Time `json:"joined_at"`
}

type Pool struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Balance     int64  `json:"balance"`
	Unbounded   bool   `json:"unbounded"`
}

// Transfer amounts are minor currency units; the engine never touches floats.
type Transfer struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	SourceID  string    `json:"source_id"`
	DestID    string    `json:"dest_id"`
	Amount    int64     `json:"amount"`
}

type VoidMarker struct {
	TransferID string    `json:"transfer_id"`
	VoidedAt   time.Time `json:"voided_at"`
}

// Entry is the append-only history element. Exactly one of Transfer or Void
// is set, discriminated by Kind; a transfer counts as voided when a later
// void entry names its ID. The record itself is never rewritten.
type Entry struct {
	Kind     string      `json:"kind"`
	Transfer *Transfer   `json:"transfer,omitempty"`
	Void     *VoidMarker `json:"void,omitempty"`
}

// Snapshot is the full ledger state. All engine operations treat it as an
// immutable value: mutators return a fresh copy with Seq incremented and
// never write through the input.
type Snapshot struct {
	SessionID    string                 `json:"session_id"`
	DisplayName  string                 `json:"display_name"`
	Phase        string                 `json:"phase"`
	Seq          uint64                 `json:"seq"`
	Participants map[string]Participant `json:"participants"`
	Pools        map[string]Pool        `json:"pools"`
	Entries      []Entry                `json:"entries"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// HasSession reports whether the snapshot belongs to a session at all.
// A zero Snapshot has no session and loses every merge.
func (s Snapshot) HasSession() bool {
	return s.SessionID != ""
}

func (s Snapshot) Participant(id string) (Participant, bool) {
	p, ok := s.Participants[id]
	return p, ok
}

func (s Snapshot) Pool(id string) (Pool, bool) {
	p, ok := s.Pools[id]
	return p, ok
}

// AuthorityID returns the identity holding the authority flag, or "" for an
// empty snapshot.
func (s Snapshot) AuthorityID() string {
	for id, p := range s.Participants {
		if p.Authority {
			return id
		}
	}
	return ""
}

// TransferByID scans the history for a transfer entry with the given ID.
func (s Snapshot) TransferByID(id string) (Transfer, bool) {
	for _, e := range s.Entries {
		if e.Kind == EntryKindTransfer && e.Transfer != nil && e.Transfer.ID == id {
			return *e.Transfer, true
		}
	}
	return Transfer{}, false
}

// IsVoided reports whether a void entry names the transfer ID.
func (s Snapshot) IsVoided(transferID string) bool {
	for _, e := range s.Entries {
		if e.Kind == EntryKindVoid && e.Void != nil && e.Void.TransferID == transferID {
			return true
		}
	}
	return false
}

// Transfers returns the recorded transfers in causal order, skipping voided
// ones when includeVoided is false.
func (s Snapshot) Transfers(includeVoided bool) []Transfer {
	out := make([]Transfer, 0, len(s.Entries))
	for _, e := range s.Entries {
		if e.Kind != EntryKindTransfer || e.Transfer == nil {
			continue
		}
		if !includeVoided && s.IsVoided(e.Transfer.ID) {
			continue
		}
		out = append(out, *e.Transfer)
	}
	return out
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Participants = make(map[string]Participant, len(s.Participants))
	for id, p := range s.Participants {
		out.Participants[id] = p
	}
	out.Pools = make(map[string]Pool, len(s.Pools))
	for id, p := range s.Pools {
		out.Pools[id] = p
	}
	out.Entries = append([]Entry(nil), s.Entries...)
	return out
}

func (s Snapshot) commit(now time.Time) Snapshot {
	s.Seq++
	s.UpdatedAt = now.UTC()
	return s
}
