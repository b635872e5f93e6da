package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sharedtab/go-backend/internal/ledger"
)

// Envelope kinds form a closed set; anything else is dropped at decode time.
const (
	KindTransferRequest = "transfer-request"
	KindStateBroadcast  = "state-broadcast"
	KindLifecycleStart  = "lifecycle-start"
	KindLifecycleEnd    = "lifecycle-end"
	KindRename          = "rename"
	KindError           = "error"
)

var (
	ErrMalformed      = errors.New("protocol: malformed envelope")
	ErrUnknownKind    = errors.New("protocol: unknown envelope kind")
	ErrMissingPayload = errors.New("protocol: missing payload for kind")
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// Envelope is the single wire record exchanged between peers. Exactly one
// payload pointer matching Kind is set; validation here is structural only,
// semantics belong to the ledger engine.
type Envelope struct {
	Kind   string    `json:"kind"`
	From   string    `json:"from,omitempty"`
	SentAt time.Time `json:"sent_at"`

	TransferRequest *TransferRequest `json:"transfer_request,omitempty"`
	StateBroadcast  *StateBroadcast  `json:"state_broadcast,omitempty"`
	LifecycleStart  *LifecycleStart  `json:"lifecycle_start,omitempty"`
	LifecycleEnd    *LifecycleEnd    `json:"lifecycle_end,omitempty"`
	Rename          *Rename          `json:"rename,omitempty"`
	Error           *ErrorPayload    `json:"error,omitempty"`
}

type TransferRequest struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceID  string    `json:"source_id"`
	DestID    string    `json:"dest_id"`
	Amount    int64     `json:"amount"`
}

type StateBroadcast struct {
	Snapshot ledger.Snapshot `json:"snapshot"`
}

type LifecycleStart struct {
	StartedAt time.Time `json:"started_at"`
}

type LifecycleEnd struct {
	EndedAt time.Time `json:"ended_at"`
}

type Rename struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Validate checks envelope structure: known kind and the required fields for
// that kind. It never judges whether the content makes sense against ledger
// state.
func Validate(env Envelope) error {
	switch env.Kind {
	case KindTransferRequest:
		p := env.TransferRequest
		if p == nil {
			return fmt.Errorf("%w %s", ErrMissingPayload, env.Kind)
		}
		if p.SourceID == "" || p.DestID == "" {
			return fmt.Errorf("%w: transfer request requires both endpoints", ErrInvalidPayload)
		}
		if p.Amount <= 0 {
			return fmt.Errorf("%w: transfer request requires a positive amount", ErrInvalidPayload)
		}
	case KindStateBroadcast:
		p := env.StateBroadcast
		if p == nil {
			return fmt.Errorf("%w %s", ErrMissingPayload, env.Kind)
		}
		if !p.Snapshot.HasSession() {
			return fmt.Errorf("%w: broadcast snapshot requires a session id", ErrInvalidPayload)
		}
		if p.Snapshot.Seq == 0 {
			return fmt.Errorf("%w: broadcast snapshot requires a sequence number", ErrInvalidPayload)
		}
	case KindLifecycleStart:
		if env.LifecycleStart == nil {
			return fmt.Errorf("%w %s", ErrMissingPayload, env.Kind)
		}
	case KindLifecycleEnd:
		if env.LifecycleEnd == nil {
			return fmt.Errorf("%w %s", ErrMissingPayload, env.Kind)
		}
	case KindRename:
		p := env.Rename
		if p == nil {
			return fmt.Errorf("%w %s", ErrMissingPayload, env.Kind)
		}
		if p.ParticipantID == "" {
			return fmt.Errorf("%w: rename requires a participant id", ErrInvalidPayload)
		}
	case KindError:
		p := env.Error
		if p == nil {
			return fmt.Errorf("%w %s", ErrMissingPayload, env.Kind)
		}
		if p.Code == "" {
			return fmt.Errorf("%w: error requires a code", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownKind, env.Kind)
	}
	return nil
}

// Encode validates and marshals an envelope. The same validator guards both
// directions so a peer can never emit what it would refuse to accept.
func Encode(env Envelope) ([]byte, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses and structurally validates a raw inbound envelope. Callers
// drop the message on any error; the channel stays open.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := Validate(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
