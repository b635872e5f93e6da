package coord

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sharedtab/go-backend/internal/ledger"
	"sharedtab/go-backend/internal/platform/ratelimiter"
	"sharedtab/go-backend/internal/platform/runtime"
	"sharedtab/go-backend/internal/protocol"
	"sharedtab/go-backend/internal/storage"
	"sharedtab/go-backend/internal/transport"
)

const (
	RoleIdle       = "idle"
	RoleConnecting = "connecting"
	RoleAuthority  = "authority"
	RoleMember     = "member"
	RoleClosed     = "closed"
)

var (
	ErrNoSession            = errors.New("coord: no active session")
	ErrNotAuthority         = errors.New("coord: operation requires the authority")
	ErrAuthorityUnreachable = errors.New("coord: authority unreachable")
	ErrAlreadyJoined        = errors.New("coord: a session is already active")
	ErrUnknownIntent        = errors.New("coord: unknown intent kind")
	ErrStopped              = errors.New("coord: coordinator stopped")
)

type Config struct {
	PeerRateLimit float64       `yaml:"peerRateLimit"`
	PeerRateBurst int           `yaml:"peerRateBurst"`
	PeerRateTTL   time.Duration `yaml:"peerRateTTL"`
	CommandBuffer int           `yaml:"commandBuffer"`
}

func DefaultConfig() Config {
	return Config{
		PeerRateLimit: 25,
		PeerRateBurst: 50,
		PeerRateTTL:   10 * time.Minute,
		CommandBuffer: 64,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = def.CommandBuffer
	}
	if cfg.PeerRateTTL <= 0 {
		cfg.PeerRateTTL = def.PeerRateTTL
	}
	return cfg
}

// Status is the coordinator's connectivity view, surfaced to presentation.
type Status struct {
	Role                 string   `json:"role"`
	SelfID               string   `json:"self_id"`
	SessionID            string   `json:"session_id,omitempty"`
	Seq                  uint64   `json:"seq"`
	AuthorityID          string   `json:"authority_id,omitempty"`
	AuthorityUnreachable bool     `json:"authority_unreachable"`
	ConnectedPeers       []string `json:"connected_peers,omitempty"`
}

// Coordinator owns the process's single snapshot value and serializes every
// mutation through one event loop: local intents, connection events and
// inbound envelopes are each processed to completion before the next, so the
// snapshot needs no locking. Transport dials and broadcasts run off-loop.
type Coordinator struct {
	cfg     Config
	node    *transport.Node
	store   *storage.Store
	hub     *runtime.Hub
	logger  *slog.Logger
	limiter *ratelimiter.PeerLimiter
	now     func() time.Time

	commands chan func()
	stopOnce sync.Once
	stopped  chan struct{}
	loopDone chan struct{}

	// Owned by the event loop; never touched from other goroutines.
	snapshot      ledger.Snapshot
	role          string
	joinTarget    string
	authorityDown bool
}

func New(cfg Config, node *transport.Node, store *storage.Store, hub *runtime.Hub, logger *slog.Logger) *Coordinator {
	cfg = normalizeConfig(cfg)
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = runtime.NewHub(1024)
	}
	return &Coordinator{
		cfg:      cfg,
		node:     node,
		store:    store,
		hub:      hub,
		logger:   logger,
		limiter:  ratelimiter.New(cfg.PeerRateLimit, cfg.PeerRateBurst, cfg.PeerRateTTL),
		now:      time.Now,
		commands: make(chan func(), cfg.CommandBuffer),
		stopped:  make(chan struct{}),
		loopDone: make(chan struct{}),
		role:     RoleIdle,
	}
}

// Start restores any persisted snapshot as a merge candidate and launches the
// event loop. The node must already be open.
func (c *Coordinator) Start(ctx context.Context) {
	c.restore()
	go c.run(ctx)
}

func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
	<-c.loopDone
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		case fn := <-c.commands:
			fn()
		case ev := <-c.node.Events():
			c.handleEvent(ev)
		}
	}
}

// do runs fn on the event loop and waits for it, keeping all snapshot access
// single-flow.
func (c *Coordinator) do(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case c.commands <- wrapped:
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrStopped
	}
}

// CreateSession begins a new forming ledger with this peer as authority.
func (c *Coordinator) CreateSession(displayName string) (ledger.Snapshot, error) {
	var (
		snap ledger.Snapshot
		err  error
	)
	doErr := c.do(func() {
		if c.snapshot.HasSession() {
			err = ErrAlreadyJoined
			return
		}
		snap, err = ledger.Begin(mintID("tabs"), c.node.ID(), displayName, c.now())
		if err != nil {
			return
		}
		c.role = RoleAuthority
		c.adopt(snap)
	})
	if doErr != nil {
		return ledger.Snapshot{}, doErr
	}
	return snap, err
}

// Join dials the session authority. The dial blocks the caller, not the
// event loop; membership is confirmed when the channel opens and the first
// broadcast merges in.
func (c *Coordinator) Join(ctx context.Context, authorityID string) error {
	if err := c.do(func() {
		if c.role == RoleIdle {
			c.role = RoleConnecting
		}
		c.joinTarget = authorityID
	}); err != nil {
		return err
	}

	if err := c.node.Connect(ctx, authorityID); err != nil {
		_ = c.do(func() {
			if c.role == RoleConnecting {
				c.role = RoleIdle
				c.joinTarget = ""
			}
		})
		return err
	}
	return nil
}

// SubmitIntent routes a local intent: applied directly when this peer is the
// authority, forwarded to the authority when a member, rejected otherwise.
func (c *Coordinator) SubmitIntent(intent Intent) error {
	var err error
	if doErr := c.do(func() { err = c.handleIntent(intent) }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Coordinator) GetSnapshot() (ledger.Snapshot, error) {
	var snap ledger.Snapshot
	if err := c.do(func() { snap = c.snapshot }); err != nil {
		return ledger.Snapshot{}, err
	}
	return snap, nil
}

func (c *Coordinator) Status() (Status, error) {
	var st Status
	err := c.do(func() {
		st = Status{
			Role:                 c.role,
			SelfID:               c.node.ID(),
			SessionID:            c.snapshot.SessionID,
			Seq:                  c.snapshot.Seq,
			AuthorityID:          c.currentAuthority(),
			AuthorityUnreachable: c.authorityDown,
			ConnectedPeers:       c.node.ListConnected(),
		}
		if c.snapshot.Phase == ledger.PhaseClosed {
			st.Role = RoleClosed
		}
	})
	return st, err
}

// Subscribe exposes the notification hub to the presentation layer.
func (c *Coordinator) Subscribe(fromSeq int64) ([]runtime.Notification, <-chan runtime.Notification, func()) {
	return c.hub.Subscribe(fromSeq)
}

func (c *Coordinator) currentAuthority() string {
	if id := c.snapshot.AuthorityID(); id != "" {
		return id
	}
	return c.joinTarget
}

// adopt installs a new snapshot, persists it best-effort and announces the
// replacement.
func (c *Coordinator) adopt(next ledger.Snapshot) {
	c.snapshot = next
	c.persist()
	setSeqGauge(next.Seq)
	c.hub.Publish(runtime.MethodSnapshotReplaced, next)
}

func (c *Coordinator) persist() {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(c.snapshot)
	if err != nil {
		c.logger.Error("snapshot marshal failed", "reason", err.Error())
		return
	}
	if err := c.store.Save(storage.KeySnapshot, raw); err != nil {
		c.logger.Warn("snapshot persist failed", "reason", err.Error())
	}
}

// restore loads the persisted snapshot as a merge candidate only; the next
// authority broadcast supersedes it the moment a higher sequence arrives.
func (c *Coordinator) restore() {
	if c.store == nil {
		return
	}
	raw, ok, err := c.store.Load(storage.KeySnapshot)
	if err != nil {
		c.logger.Warn("snapshot restore failed", "reason", err.Error())
		return
	}
	if !ok {
		return
	}
	var snap ledger.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.logger.Warn("persisted snapshot unreadable", "reason", err.Error())
		return
	}
	c.snapshot = ledger.Merge(c.snapshot, snap)
	if !c.snapshot.HasSession() {
		return
	}
	if c.snapshot.AuthorityID() == c.node.ID() {
		c.role = RoleAuthority
		return
	}
	c.role = RoleMember
	c.authorityDown = true
}

// broadcastSnapshot ships the full state to every connected peer. Full-state
// convergence sidesteps patch-ordering hazards entirely; stale arrivals are
// rejected by merge on the receiving side.
func (c *Coordinator) broadcastSnapshot() {
	raw, err := protocol.Encode(protocol.Envelope{
		Kind:           protocol.KindStateBroadcast,
		From:           c.node.ID(),
		SentAt:         c.now().UTC(),
		StateBroadcast: &protocol.StateBroadcast{Snapshot: c.snapshot},
	})
	if err != nil {
		c.logger.Error("broadcast encode failed", "reason", err.Error())
		return
	}
	recordRebroadcast()
	go func() {
		for _, f := range c.node.Broadcast(raw) {
			c.logger.Warn("broadcast delivery failed", "peer_id", f.PeerID, "reason", f.Err.Error())
		}
	}()
}

func (c *Coordinator) sendSnapshotTo(peerID string) {
	raw, err := protocol.Encode(protocol.Envelope{
		Kind:           protocol.KindStateBroadcast,
		From:           c.node.ID(),
		SentAt:         c.now().UTC(),
		StateBroadcast: &protocol.StateBroadcast{Snapshot: c.snapshot},
	})
	if err != nil {
		c.logger.Error("snapshot encode failed", "reason", err.Error())
		return
	}
	go func() {
		if err := c.node.Send(peerID, raw); err != nil {
			c.logger.Warn("snapshot resend failed", "peer_id", peerID, "reason", err.Error())
		}
	}()
}

func (c *Coordinator) encodeError(cause error, requestID string) []byte {
	raw, err := protocol.Encode(protocol.Envelope{
		Kind:   protocol.KindError,
		From:   c.node.ID(),
		SentAt: c.now().UTC(),
		Error: &protocol.ErrorPayload{
			Code:      errorCode(cause),
			Message:   cause.Error(),
			RequestID: requestID,
		},
	})
	if err != nil {
		c.logger.Error("error envelope encode failed", "reason", err.Error())
		return nil
	}
	return raw
}

func (c *Coordinator) sendError(peerID string, cause error, requestID string) {
	raw := c.encodeError(cause, requestID)
	if raw == nil {
		return
	}
	go func() {
		if err := c.node.Send(peerID, raw); err != nil {
			c.logger.Warn("error envelope send failed", "peer_id", peerID, "reason", err.Error())
		}
	}()
}

func mintID(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(buf))
}
