package ledger

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrAlreadyRunning     = errors.New("ledger already running")
	ErrLedgerNotRunning   = errors.New("ledger is not running")
	ErrLedgerClosed       = errors.New("ledger is closed")
	ErrNoParticipants     = errors.New("ledger has no participants")
	ErrEmptyID            = errors.New("identity must not be empty")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrUnknownPool        = errors.New("unknown pool")
	ErrDuplicatePool      = errors.New("pool already exists")
	ErrUnknownEndpoint    = errors.New("unknown transfer endpoint")
	ErrSameEndpoint       = errors.New("transfer endpoints are identical")
	ErrNonPositiveAmount  = errors.New("transfer amount must be positive")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateTransfer  = errors.New("transfer already recorded")
	ErrUnknownTransfer    = errors.New("unknown transfer")
	ErrAlreadyVoided      = errors.New("transfer already voided")
)

// Begin creates a forming session owned by authorityID. The authority starts
// as the only participant, at zero balance, with Seq 1.
func Begin(sessionID, authorityID, displayName string, now time.Time) (Snapshot, error) {
	sessionID = strings.TrimSpace(sessionID)
	authorityID = strings.TrimSpace(authorityID)
	if sessionID == "" || authorityID == "" {
		return Snapshot{}, ErrEmptyID
	}
	now = now.UTC()
	return Snapshot{
		SessionID:   sessionID,
		DisplayName: strings.TrimSpace(displayName),
		Phase:       PhaseForming,
		Seq:         1,
		Participants: map[string]Participant{
			authorityID: {
				ID:        authorityID,
				Authority: true,
				Online:    true,
				JoinedAt:  now,
			},
		},
		Pools:     map[string]Pool{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// AdmitParticipant adds a new identity while the ledger is forming. Admitting
// an identity already present is a no-op and returns the snapshot unchanged.
func AdmitParticipant(s Snapshot, id, displayName string, now time.Time) (Snapshot, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return s, ErrEmptyID
	}
	if _, ok := s.Participants[id]; ok {
		return s, nil
	}
	if s.Phase != PhaseForming {
		return s, phaseError(s)
	}
	out := s.clone()
	out.Participants[id] = Participant{
		ID:          id,
		DisplayName: strings.TrimSpace(displayName),
		Online:      true,
		JoinedAt:    now.UTC(),
	}
	return out.commit(now), nil
}

func RenameParticipant(s Snapshot, id, displayName string, now time.Time) (Snapshot, error) {
	if s.Phase == PhaseClosed {
		return s, ErrLedgerClosed
	}
	p, ok := s.Participants[id]
	if !ok {
		return s, ErrUnknownParticipant
	}
	out := s.clone()
	p.DisplayName = strings.TrimSpace(displayName)
	out.Participants[id] = p
	return out.commit(now), nil
}

// SetParticipantBalance seeds a starting balance. Balances are frozen once
// the ledger starts; only transfers move them afterwards.
func SetParticipantBalance(s Snapshot, id string, balance int64, now time.Time) (Snapshot, error) {
	if s.Phase != PhaseForming {
		return s, phaseError(s)
	}
	p, ok := s.Participants[id]
	if !ok {
		return s, ErrUnknownParticipant
	}
	out := s.clone()
	p.Balance = balance
	out.Participants[id] = p
	return out.commit(now), nil
}

func CreatePool(s Snapshot, id, displayName string, balance int64, unbounded bool, now time.Time) (Snapshot, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return s, ErrEmptyID
	}
	if s.Phase != PhaseForming {
		return s, phaseError(s)
	}
	if _, ok := s.Pools[id]; ok {
		return s, ErrDuplicatePool
	}
	if _, ok := s.Participants[id]; ok {
		return s, ErrDuplicatePool
	}
	out := s.clone()
	out.Pools[id] = Pool{
		ID:          id,
		DisplayName: strings.TrimSpace(displayName),
		Balance:     balance,
		Unbounded:   unbounded,
	}
	return out.commit(now), nil
}

// PoolUpdate carries optional pool mutations; nil fields are left alone.
type PoolUpdate struct {
	DisplayName *string
	Balance     *int64
	Unbounded   *bool
}

// UpdatePool renames a pool at any point before close. Balance and unbounded
// changes are forming-phase only.
func UpdatePool(s Snapshot, id string, upd PoolUpdate, now time.Time) (Snapshot, error) {
	if s.Phase == PhaseClosed {
		return s, ErrLedgerClosed
	}
	p, ok := s.Pools[id]
	if !ok {
		return s, ErrUnknownPool
	}
	if (upd.Balance != nil || upd.Unbounded != nil) && s.Phase != PhaseForming {
		return s, ErrAlreadyRunning
	}
	out := s.clone()
	if upd.DisplayName != nil {
		p.DisplayName = strings.TrimSpace(*upd.DisplayName)
	}
	if upd.Balance != nil {
		p.Balance = *upd.Balance
	}
	if upd.Unbounded != nil {
		p.Unbounded = *upd.Unbounded
	}
	out.Pools[id] = p
	return out.commit(now), nil
}

// ApplyTransfer debits the source and credits the destination, skipping
// either side when it is an unbounded pool, and appends the transfer to the
// history. All checks run before any state is produced; a failed transfer
// leaves the input untouched.
func ApplyTransfer(s Snapshot, t Transfer, now time.Time) (Snapshot, error) {
	if s.Phase != PhaseRunning {
		return s, ErrLedgerNotRunning
	}
	if t.Amount <= 0 {
		return s, ErrNonPositiveAmount
	}
	if t.SourceID == t.DestID {
		return s, ErrSameEndpoint
	}
	src, ok := s.endpoint(t.SourceID)
	if !ok {
		return s, ErrUnknownEndpoint
	}
	if _, ok := s.endpoint(t.DestID); !ok {
		return s, ErrUnknownEndpoint
	}
	if t.ID != "" {
		if _, ok := s.TransferByID(t.ID); ok {
			return s, ErrDuplicateTransfer
		}
	}
	if !src.unbounded && src.balance < t.Amount {
		return s, ErrInsufficientFunds
	}

	out := s.clone()
	out.adjustBalance(t.SourceID, -t.Amount)
	out.adjustBalance(t.DestID, t.Amount)
	rec := t
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now.UTC()
	}
	out.Entries = append(out.Entries, Entry{Kind: EntryKindTransfer, Transfer: &rec})
	return out.commit(now), nil
}

// VoidTransfer appends a void marker for a recorded transfer and reverses its
// balance effect. The original entry stays in the history; corrections add a
// replacement transfer afterwards if one is wanted. Reversal may leave an
// endpoint negative; voiding is not subject to the insufficient-funds check.
func VoidTransfer(s Snapshot, transferID string, now time.Time) (Snapshot, error) {
	if s.Phase != PhaseRunning {
		return s, ErrLedgerNotRunning
	}
	t, ok := s.TransferByID(transferID)
	if !ok {
		return s, ErrUnknownTransfer
	}
	if s.IsVoided(transferID) {
		return s, ErrAlreadyVoided
	}
	out := s.clone()
	out.adjustBalance(t.SourceID, t.Amount)
	out.adjustBalance(t.DestID, -t.Amount)
	out.Entries = append(out.Entries, Entry{Kind: EntryKindVoid, Void: &VoidMarker{
		TransferID: transferID,
		VoidedAt:   now.UTC(),
	}})
	return out.commit(now), nil
}

// SetParticipantOnline flips the liveness flag. This is the one mutation still
// permitted after close.
func SetParticipantOnline(s Snapshot, id string, online bool, now time.Time) (Snapshot, error) {
	p, ok := s.Participants[id]
	if !ok {
		return s, ErrUnknownParticipant
	}
	if p.Online == online {
		return s, nil
	}
	out := s.clone()
	p.Online = online
	out.Participants[id] = p
	return out.commit(now), nil
}

func RenameLedger(s Snapshot, displayName string, now time.Time) (Snapshot, error) {
	if s.Phase == PhaseClosed {
		return s, ErrLedgerClosed
	}
	out := s.clone()
	out.DisplayName = strings.TrimSpace(displayName)
	return out.commit(now), nil
}

// Start moves the ledger from forming to running.
func Start(s Snapshot, now time.Time) (Snapshot, error) {
	switch s.Phase {
	case PhaseRunning:
		return s, ErrAlreadyRunning
	case PhaseClosed:
		return s, ErrLedgerClosed
	}
	if len(s.Participants) == 0 {
		return s, ErrNoParticipants
	}
	out := s.clone()
	out.Phase = PhaseRunning
	return out.commit(now), nil
}

// Close ends the session. Closing an already closed ledger is a no-op.
func Close(s Snapshot, now time.Time) (Snapshot, error) {
	if s.Phase == PhaseClosed {
		return s, nil
	}
	out := s.clone()
	out.Phase = PhaseClosed
	return out.commit(now), nil
}

type endpointState struct {
	balance   int64
	unbounded bool
}

func (s Snapshot) endpoint(id string) (endpointState, bool) {
	if p, ok := s.Participants[id]; ok {
		return endpointState{balance: p.Balance}, true
	}
	if p, ok := s.Pools[id]; ok {
		return endpointState{balance: p.Balance, unbounded: p.Unbounded}, true
	}
	return endpointState{}, false
}

// adjustBalance applies a delta to a participant or bounded pool in place on
// an already cloned snapshot. Unbounded pools are never touched.
func (s *Snapshot) adjustBalance(id string, delta int64) {
	if p, ok := s.Participants[id]; ok {
		p.Balance += delta
		s.Participants[id] = p
		return
	}
	if p, ok := s.Pools[id]; ok && !p.Unbounded {
		p.Balance += delta
		s.Pools[id] = p
	}
}

func phaseError(s Snapshot) error {
	if s.Phase == PhaseClosed {
		return ErrLedgerClosed
	}
	return ErrAlreadyRunning
}
