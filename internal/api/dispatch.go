package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"sharedtab/go-backend/internal/app"
	"sharedtab/go-backend/internal/coord"
	"sharedtab/go-backend/internal/ledger"
)

func (s *Server) dispatchRPC(r *http.Request, method string, rawParams json.RawMessage) (any, *rpcError) {
	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil

	case "identity_get":
		return map[string]string{"peer_id": s.service.PeerID()}, nil

	case "identity_export_mnemonic":
		return map[string]string{"mnemonic": s.service.RecoveryMnemonic()}, nil

	case "identity_recover":
		var p struct {
			Mnemonic string `json:"mnemonic"`
		}
		if err := decodeParams(rawParams, &p); err != nil || p.Mnemonic == "" {
			return nil, rpcInvalidParams()
		}
		peerID, err := s.service.RecoverIdentity(p.Mnemonic)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return map[string]string{"peer_id": peerID}, nil

	case "tab_create":
		var p struct {
			DisplayName string `json:"display_name"`
		}
		if err := decodeParams(rawParams, &p); err != nil {
			return nil, rpcInvalidParams()
		}
		snap, err := s.service.CreateSession(p.DisplayName)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return snap, nil

	case "tab_join":
		var p struct {
			AuthorityID string `json:"authority_id"`
		}
		if err := decodeParams(rawParams, &p); err != nil || p.AuthorityID == "" {
			return nil, rpcInvalidParams()
		}
		if err := s.service.Join(r.Context(), p.AuthorityID); err != nil {
			return nil, mapServiceError(err)
		}
		return map[string]string{"status": "joining"}, nil

	case "tab_get":
		snap, err := s.service.GetSnapshot()
		if err != nil {
			return nil, mapServiceError(err)
		}
		return snap, nil

	case "tab_status":
		st, err := s.service.Status()
		if err != nil {
			return nil, mapServiceError(err)
		}
		return st, nil

	case "tab_start":
		return s.submit(coord.Intent{Kind: coord.IntentStart})

	case "tab_close":
		return s.submit(coord.Intent{Kind: coord.IntentClose})

	case "tab_rename":
		var p struct {
			DisplayName string `json:"display_name"`
		}
		if err := decodeParams(rawParams, &p); err != nil || p.DisplayName == "" {
			return nil, rpcInvalidParams()
		}
		return s.submit(coord.Intent{Kind: coord.IntentRenameLedger, DisplayName: p.DisplayName})

	case "participant_rename":
		var p struct {
			ParticipantID string `json:"participant_id"`
			DisplayName   string `json:"display_name"`
		}
		if err := decodeParams(rawParams, &p); err != nil || p.ParticipantID == "" {
			return nil, rpcInvalidParams()
		}
		return s.submit(coord.Intent{
			Kind:        coord.IntentRenameParticipant,
			TargetID:    p.ParticipantID,
			DisplayName: p.DisplayName,
		})

	case "participant_set_balance":
		var p struct {
			ParticipantID string `json:"participant_id"`
			Balance       *int64 `json:"balance"`
		}
		if err := decodeParams(rawParams, &p); err != nil || p.ParticipantID == "" || p.Balance == nil {
			return nil, rpcInvalidParams()
		}
		return s.submit(coord.Intent{
			Kind:     coord.IntentSetBalance,
			TargetID: p.ParticipantID,
			Balance:  p.Balance,
		})

	case "pool_create":
		var p struct {
			PoolID      string `json:"pool_id"`
			DisplayName string `json:"display_name"`
			Balance     *int64 `json:"balance"`
			Unbounded   *bool  `json:"unbounded"`
		}
		if err := decodeParams(rawParams, &p); err != nil || p.PoolID == "" {
			return nil, rpcInvalidParams()
		}
		return s.submit(coord.Intent{
			Kind:        coord.IntentCreatePool,
			TargetID:    p.PoolID,
			DisplayName: p.DisplayName,
			Balance:     p.Balance,
			Unbounded:   p.Unbounded,
		})

	case "pool_update":
		var p struct {
			PoolID      string `json:"pool_id"`
			DisplayName string `json:"display_name"`
			Balance     *int64 `json:"balance"`
			Unbounded   *bool  `json:"unbounded"`
		}
		if err := decodeParams(rawParams, &p); err != nil || p.PoolID == "" {
			return nil, rpcInvalidParams()
		}
		return s.submit(coord.Intent{
			Kind:        coord.IntentUpdatePool,
			TargetID:    p.PoolID,
			DisplayName: p.DisplayName,
			Balance:     p.Balance,
			Unbounded:   p.Unbounded,
		})

	case "transfer_send":
		var p struct {
			TransferID string `json:"transfer_id"`
			SourceID   string `json:"source_id"`
			DestID     string `json:"dest_id"`
			Amount     int64  `json:"amount"`
		}
		if err := decodeParams(rawParams, &p); err != nil || p.SourceID == "" || p.DestID == "" {
			return nil, rpcInvalidParams()
		}
		return s.submit(coord.Intent{
			Kind:       coord.IntentTransfer,
			TransferID: p.TransferID,
			SourceID:   p.SourceID,
			DestID:     p.DestID,
			Amount:     p.Amount,
		})

	case "transfer_void":
		var p struct {
			TransferID string `json:"transfer_id"`
		}
		if err := decodeParams(rawParams, &p); err != nil || p.TransferID == "" {
			return nil, rpcInvalidParams()
		}
		return s.submit(coord.Intent{Kind: coord.IntentVoidTransfer, TransferID: p.TransferID})

	default:
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	}
}

func (s *Server) submit(intent coord.Intent) (any, *rpcError) {
	if err := s.service.SubmitIntent(intent); err != nil {
		return nil, mapServiceError(err)
	}
	return map[string]string{"status": "accepted"}, nil
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func rpcInvalidParams() *rpcError {
	return &rpcError{Code: -32602, Message: "invalid params"}
}

// mapServiceError assigns stable codes so clients can react to rejection
// classes without parsing messages.
func mapServiceError(err error) *rpcError {
	switch {
	case errors.Is(err, app.ErrNotStarted), errors.Is(err, app.ErrAlreadyStarted):
		return &rpcError{Code: -32001, Message: err.Error()}
	case errors.Is(err, coord.ErrNoSession):
		return &rpcError{Code: -32010, Message: err.Error()}
	case errors.Is(err, coord.ErrNotAuthority):
		return &rpcError{Code: -32011, Message: err.Error()}
	case errors.Is(err, coord.ErrAuthorityUnreachable):
		return &rpcError{Code: -32012, Message: err.Error()}
	case errors.Is(err, coord.ErrAlreadyJoined):
		return &rpcError{Code: -32013, Message: err.Error()}
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return &rpcError{Code: -32020, Message: err.Error()}
	case errors.Is(err, ledger.ErrDuplicateTransfer):
		return &rpcError{Code: -32021, Message: err.Error()}
	case errors.Is(err, ledger.ErrUnknownEndpoint),
		errors.Is(err, ledger.ErrUnknownParticipant),
		errors.Is(err, ledger.ErrUnknownPool),
		errors.Is(err, ledger.ErrUnknownTransfer):
		return &rpcError{Code: -32022, Message: err.Error()}
	case errors.Is(err, ledger.ErrSameEndpoint),
		errors.Is(err, ledger.ErrNonPositiveAmount),
		errors.Is(err, ledger.ErrEmptyID),
		errors.Is(err, ledger.ErrAlreadyVoided),
		errors.Is(err, ledger.ErrDuplicatePool):
		return &rpcError{Code: -32023, Message: err.Error()}
	case errors.Is(err, ledger.ErrLedgerNotRunning),
		errors.Is(err, ledger.ErrLedgerClosed),
		errors.Is(err, ledger.ErrAlreadyRunning),
		errors.Is(err, ledger.ErrNoParticipants):
		return &rpcError{Code: -32024, Message: err.Error()}
	default:
		return &rpcError{Code: -32000, Message: err.Error()}
	}
}
