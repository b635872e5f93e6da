package coord

import (
	"errors"
	"fmt"

	"sharedtab/go-backend/internal/ledger"
	"sharedtab/go-backend/internal/platform/runtime"
	"sharedtab/go-backend/internal/protocol"
)

// Intent kinds accepted by SubmitIntent. Transfer, void, start, close and the
// renames run at any peer; pool and balance shaping are authority-local
// because the wire protocol has no envelope for them.
const (
	IntentTransfer          = "transfer"
	IntentVoidTransfer      = "void-transfer"
	IntentStart             = "start"
	IntentClose             = "close"
	IntentAdmit             = "admit"
	IntentRenameParticipant = "rename-participant"
	IntentRenameLedger      = "rename-ledger"
	IntentSetBalance        = "set-balance"
	IntentCreatePool        = "create-pool"
	IntentUpdatePool        = "update-pool"
)

// Intent is a local mutation request. Fields are interpreted per Kind;
// pointer fields distinguish "unset" from zero values.
type Intent struct {
	Kind        string `json:"kind"`
	TransferID  string `json:"transfer_id,omitempty"`
	SourceID    string `json:"source_id,omitempty"`
	DestID      string `json:"dest_id,omitempty"`
	Amount      int64  `json:"amount,omitempty"`
	TargetID    string `json:"target_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Balance     *int64 `json:"balance,omitempty"`
	Unbounded   *bool  `json:"unbounded,omitempty"`
}

func (c *Coordinator) handleIntent(intent Intent) error {
	switch c.role {
	case RoleAuthority:
		err := c.applyAuthorityIntent(intent, "", "")
		recordIntent(intent.Kind, err == nil)
		return err
	case RoleMember:
		if c.authorityDown {
			recordIntent(intent.Kind, false)
			return ErrAuthorityUnreachable
		}
		err := c.forwardIntent(intent)
		recordIntent(intent.Kind, err == nil)
		return err
	default:
		recordIntent(intent.Kind, false)
		return ErrNoSession
	}
}

// applyAuthorityIntent runs an intent through the engine and, when state
// advanced, rebroadcasts the full snapshot — including to the originator, so
// every peer converges on the same value. requester is non-empty for
// forwarded member requests and receives a synthesized error on rejection.
func (c *Coordinator) applyAuthorityIntent(intent Intent, requester, requestID string) error {
	next, err := c.applyIntent(c.snapshot, intent)
	if err != nil {
		if requester != "" {
			c.sendError(requester, err, requestID)
		}
		return err
	}
	if next.Seq != c.snapshot.Seq {
		c.adopt(next)
		c.broadcastSnapshot()
	}
	return nil
}

func (c *Coordinator) applyIntent(s ledger.Snapshot, intent Intent) (ledger.Snapshot, error) {
	now := c.now()
	switch intent.Kind {
	case IntentTransfer:
		t := ledger.Transfer{
			ID:        intent.TransferID,
			SourceID:  intent.SourceID,
			DestID:    intent.DestID,
			Amount:    intent.Amount,
			CreatedAt: now.UTC(),
		}
		if t.ID == "" {
			t.ID = mintID("txn")
		}
		return ledger.ApplyTransfer(s, t, now)
	case IntentVoidTransfer:
		return ledger.VoidTransfer(s, intent.TransferID, now)
	case IntentStart:
		return ledger.Start(s, now)
	case IntentClose:
		return ledger.Close(s, now)
	case IntentAdmit:
		return ledger.AdmitParticipant(s, intent.TargetID, intent.DisplayName, now)
	case IntentRenameParticipant:
		return ledger.RenameParticipant(s, intent.TargetID, intent.DisplayName, now)
	case IntentRenameLedger:
		return ledger.RenameLedger(s, intent.DisplayName, now)
	case IntentSetBalance:
		if intent.Balance == nil {
			return s, fmt.Errorf("%w: set-balance requires a balance", ErrUnknownIntent)
		}
		return ledger.SetParticipantBalance(s, intent.TargetID, *intent.Balance, now)
	case IntentCreatePool:
		var balance int64
		if intent.Balance != nil {
			balance = *intent.Balance
		}
		unbounded := intent.Unbounded != nil && *intent.Unbounded
		return ledger.CreatePool(s, intent.TargetID, intent.DisplayName, balance, unbounded, now)
	case IntentUpdatePool:
		upd := ledger.PoolUpdate{Balance: intent.Balance, Unbounded: intent.Unbounded}
		if intent.DisplayName != "" {
			name := intent.DisplayName
			upd.DisplayName = &name
		}
		return ledger.UpdatePool(s, intent.TargetID, upd, now)
	default:
		return s, fmt.Errorf("%w: %q", ErrUnknownIntent, intent.Kind)
	}
}

// forwardIntent packages a member intent as a request envelope and sends it
// to the authority only. The member never mutates its own snapshot here; the
// change lands via the authority's rebroadcast.
func (c *Coordinator) forwardIntent(intent Intent) error {
	env := protocol.Envelope{From: c.node.ID(), SentAt: c.now().UTC()}
	switch intent.Kind {
	case IntentTransfer:
		id := intent.TransferID
		if id == "" {
			// Minting the ID on the requesting side lets the authority
			// reject a duplicate if the request is ever replayed.
			id = mintID("txn")
		}
		env.Kind = protocol.KindTransferRequest
		env.TransferRequest = &protocol.TransferRequest{
			ID:        id,
			Timestamp: c.now().UTC(),
			SourceID:  intent.SourceID,
			DestID:    intent.DestID,
			Amount:    intent.Amount,
		}
	case IntentStart:
		env.Kind = protocol.KindLifecycleStart
		env.LifecycleStart = &protocol.LifecycleStart{StartedAt: c.now().UTC()}
	case IntentClose:
		env.Kind = protocol.KindLifecycleEnd
		env.LifecycleEnd = &protocol.LifecycleEnd{EndedAt: c.now().UTC()}
	case IntentRenameParticipant:
		env.Kind = protocol.KindRename
		env.Rename = &protocol.Rename{ParticipantID: intent.TargetID, DisplayName: intent.DisplayName}
	default:
		return fmt.Errorf("%w: %s", ErrNotAuthority, intent.Kind)
	}

	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	authority := c.currentAuthority()
	if authority == "" {
		return ErrNoSession
	}
	if err := c.node.Send(authority, raw); err != nil {
		c.authorityDown = true
		c.hub.Publish(runtime.MethodAuthorityUnreachable, authority)
		return fmt.Errorf("%w: %v", ErrAuthorityUnreachable, err)
	}
	return nil
}

// intentFromEnvelope converts a validated member request into the equivalent
// local intent for the authority to apply.
func intentFromEnvelope(env protocol.Envelope) (Intent, string, bool) {
	switch env.Kind {
	case protocol.KindTransferRequest:
		req := env.TransferRequest
		return Intent{
			Kind:       IntentTransfer,
			TransferID: req.ID,
			SourceID:   req.SourceID,
			DestID:     req.DestID,
			Amount:     req.Amount,
		}, req.ID, true
	case protocol.KindLifecycleStart:
		return Intent{Kind: IntentStart}, "", true
	case protocol.KindLifecycleEnd:
		return Intent{Kind: IntentClose}, "", true
	case protocol.KindRename:
		return Intent{
			Kind:        IntentRenameParticipant,
			TargetID:    env.Rename.ParticipantID,
			DisplayName: env.Rename.DisplayName,
		}, "", true
	default:
		return Intent{}, "", false
	}
}

// errorCode maps engine failures onto wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient-funds"
	case errors.Is(err, ledger.ErrUnknownEndpoint):
		return "unknown-endpoint"
	case errors.Is(err, ledger.ErrSameEndpoint):
		return "same-endpoint"
	case errors.Is(err, ledger.ErrNonPositiveAmount):
		return "non-positive-amount"
	case errors.Is(err, ledger.ErrLedgerNotRunning):
		return "ledger-not-running"
	case errors.Is(err, ledger.ErrAlreadyRunning):
		return "already-running"
	case errors.Is(err, ledger.ErrLedgerClosed):
		return "ledger-closed"
	case errors.Is(err, ledger.ErrNoParticipants):
		return "no-participants"
	case errors.Is(err, ledger.ErrDuplicateTransfer):
		return "duplicate-transfer"
	case errors.Is(err, ledger.ErrUnknownTransfer):
		return "unknown-transfer"
	case errors.Is(err, ledger.ErrAlreadyVoided):
		return "already-voided"
	case errors.Is(err, ledger.ErrUnknownParticipant):
		return "unknown-participant"
	case errors.Is(err, ledger.ErrUnknownPool):
		return "unknown-pool"
	default:
		return "internal"
	}
}
