package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"sharedtab/go-backend/internal/coord"
	"sharedtab/go-backend/internal/identity"
	"sharedtab/go-backend/internal/ledger"
	"sharedtab/go-backend/internal/platform/ledgerlog"
	"sharedtab/go-backend/internal/platform/runtime"
	"sharedtab/go-backend/internal/storage"
	"sharedtab/go-backend/internal/transport"
)

var (
	ErrNotStarted     = errors.New("app: networking is not started")
	ErrAlreadyStarted = errors.New("app: networking is already started")
)

// identityRecord is what lands in the store under KeyIdentity. The mnemonic
// is retained so the owner can read it back; the store seals it at rest when
// a storage secret is configured.
type identityRecord struct {
	Mnemonic string `json:"mnemonic"`
}

// Service composes storage, identity, transport and the coordinator into the
// daemon's single facade. The presentation layer talks only to this type.
type Service struct {
	cfg    Config
	logger *slog.Logger
	store  *storage.Store
	hub    *runtime.Hub

	id       identity.Identity
	mnemonic string

	node  *transport.Node
	coord *coord.Coordinator

	startStopMu sync.Mutex
	started     bool
}

// NewService resolves storage, loads or mints the identity and wires the
// networking stack. Networking stays cold until StartNetworking.
func NewService(cfg Config) (*Service, error) {
	backend, err := transport.NewBackend(cfg.Transport)
	if err != nil {
		return nil, err
	}
	return NewServiceWithBackend(cfg, backend)
}

// NewServiceWithBackend is the test seam: the caller supplies the transport
// backend (typically a private mesh) instead of the configured one.
func NewServiceWithBackend(cfg Config, backend transport.Backend) (*Service, error) {
	logger := buildLogger(cfg.LogLevel)
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	store := storage.New(cfg.DataDir, envString("TAB_STORAGE_SECRET"))

	svc := &Service{
		cfg:    cfg,
		logger: logger,
		store:  store,
		hub:    runtime.NewHub(2048),
	}
	if err := svc.bootstrapIdentity(); err != nil {
		return nil, err
	}

	svc.node = transport.NewNode(cfg.Transport, backend)
	svc.node.SetIdentity(svc.id.ID)
	svc.coord = coord.New(cfg.Coordinator, svc.node, store, svc.hub, logger)
	return svc, nil
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(ledgerlog.WrapHandler(handler))
}

// bootstrapIdentity loads the stored identity or mints a fresh one on first
// run. Rebuilding from the mnemonic keeps the stored record authoritative: a
// copied data dir resumes the same peer ID.
func (s *Service) bootstrapIdentity() error {
	raw, ok, err := s.store.Load(storage.KeyIdentity)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if ok {
		var rec identityRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("identity record unreadable: %w", err)
		}
		id, err := identity.FromMnemonic(rec.Mnemonic)
		if err != nil {
			return err
		}
		s.id, s.mnemonic = id, rec.Mnemonic
		s.logger.Info("identity resumed", "peer_id", id.ID)
		return nil
	}

	id, mnemonic, err := identity.New()
	if err != nil {
		return err
	}
	if err := s.saveIdentity(mnemonic); err != nil {
		return err
	}
	s.id, s.mnemonic = id, mnemonic
	s.logger.Info("identity created", "peer_id", id.ID)
	return nil
}

func (s *Service) saveIdentity(mnemonic string) error {
	raw, err := json.Marshal(identityRecord{Mnemonic: mnemonic})
	if err != nil {
		return err
	}
	return s.store.Save(storage.KeyIdentity, raw)
}

// RecoverIdentity replaces the stored identity with one rebuilt from the
// given recovery mnemonic. Only allowed while networking is stopped.
func (s *Service) RecoverIdentity(mnemonic string) (string, error) {
	s.startStopMu.Lock()
	defer s.startStopMu.Unlock()
	if s.started {
		return "", ErrAlreadyStarted
	}
	// Reject a bad phrase before touching the stored identity or snapshot.
	if !identity.ValidateMnemonic(mnemonic) {
		return "", identity.ErrInvalidMnemonic
	}
	id, err := identity.FromMnemonic(mnemonic)
	if err != nil {
		return "", err
	}
	if err := s.saveIdentity(mnemonic); err != nil {
		return "", err
	}
	// Any snapshot in the store belongs to the previous identity.
	if err := s.store.Delete(storage.KeySnapshot); err != nil {
		return "", err
	}
	s.id, s.mnemonic = id, mnemonic
	s.node.SetIdentity(id.ID)
	s.coord = coord.New(s.cfg.Coordinator, s.node, s.store, s.hub, s.logger)
	s.logger.Info("identity recovered", "peer_id", id.ID)
	return id.ID, nil
}

func (s *Service) PeerID() string { return s.id.ID }

// RecoveryMnemonic exposes the stored recovery phrase to the local owner.
func (s *Service) RecoveryMnemonic() string { return s.mnemonic }

func (s *Service) StartNetworking(ctx context.Context) error {
	s.startStopMu.Lock()
	defer s.startStopMu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if _, err := s.node.Open(ctx); err != nil {
		return err
	}
	s.coord.Start(ctx)
	s.started = true
	s.logger.Info("networking started", "peer_id", s.id.ID, "backend", s.cfg.Transport.Backend)
	return nil
}

func (s *Service) StopNetworking(ctx context.Context) error {
	s.startStopMu.Lock()
	defer s.startStopMu.Unlock()
	if !s.started {
		return nil
	}
	s.coord.Stop()
	s.node.Shutdown()
	s.started = false
	s.logger.Info("networking stopped")
	return nil
}

func (s *Service) requireStarted() error {
	s.startStopMu.Lock()
	defer s.startStopMu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

func (s *Service) CreateSession(displayName string) (ledger.Snapshot, error) {
	if err := s.requireStarted(); err != nil {
		return ledger.Snapshot{}, err
	}
	return s.coord.CreateSession(displayName)
}

func (s *Service) Join(ctx context.Context, authorityID string) error {
	if err := s.requireStarted(); err != nil {
		return err
	}
	return s.coord.Join(ctx, authorityID)
}

func (s *Service) SubmitIntent(intent coord.Intent) error {
	if err := s.requireStarted(); err != nil {
		return err
	}
	return s.coord.SubmitIntent(intent)
}

func (s *Service) GetSnapshot() (ledger.Snapshot, error) {
	if err := s.requireStarted(); err != nil {
		return ledger.Snapshot{}, err
	}
	return s.coord.GetSnapshot()
}

func (s *Service) Status() (coord.Status, error) {
	if err := s.requireStarted(); err != nil {
		return coord.Status{}, err
	}
	return s.coord.Status()
}

// SubscribeNotifications hands out the hub stream regardless of networking
// state, so UIs can attach before the first session exists.
func (s *Service) SubscribeNotifications(fromSeq int64) ([]runtime.Notification, <-chan runtime.Notification, func()) {
	return s.hub.Subscribe(fromSeq)
}
