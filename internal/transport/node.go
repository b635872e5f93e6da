package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

const (
	BackendMesh   = "mesh"
	BackendGoWaku = "go-waku"
)

const (
	channelConnecting = "connecting"
	channelOpen       = "open"
)

var (
	ErrFacilitatorUnreachable = errors.New("transport: facilitator unreachable")
	ErrConnectTimeout         = errors.New("transport: connect timed out")
	ErrPeerUnreachable        = errors.New("transport: peer unreachable")
	ErrNotConnected           = errors.New("transport: no open channel to peer")
	ErrNotOpen                = errors.New("transport: node is not open")
)

type EventKind string

const (
	EventPeerConnected    EventKind = "peer-connected"
	EventPeerDisconnected EventKind = "peer-disconnected"
	EventMessageReceived  EventKind = "message-received"
	EventError            EventKind = "error"
)

// Event is the uniform connectivity signal surfaced to the coordinator.
// Events from one peer are delivered in the order they occurred.
type Event struct {
	Kind   EventKind
	PeerID string
	Raw    []byte
	Err    error
}

// SendFailure records one failed delivery during a broadcast. Broadcast
// failures are partial: the remaining channels still receive the message.
type SendFailure struct {
	PeerID string
	Err    error
}

type Config struct {
	Backend          string        `yaml:"backend"`
	Port             int           `yaml:"port"`
	AdvertiseAddress string        `yaml:"advertiseAddress"`
	BootstrapNodes   []string      `yaml:"bootstrapNodes"`
	OpenTimeout      time.Duration `yaml:"openTimeout"`
	ConnectTimeout   time.Duration `yaml:"connectTimeout"`
	EventBuffer      int           `yaml:"eventBuffer"`
}

func DefaultConfig() Config {
	return Config{
		Backend:        BackendMesh,
		Port:           60606,
		OpenTimeout:    10 * time.Second,
		ConnectTimeout: 10 * time.Second,
		EventBuffer:    256,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Backend == "" {
		cfg.Backend = def.Backend
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	return cfg
}

// ValidateBootstrapNodes rejects bootstrap entries that are not multiaddrs.
// Only the go-waku backend dials them, but a bad entry is a config mistake in
// any mode.
func ValidateBootstrapNodes(nodes []string) error {
	for _, n := range nodes {
		if _, err := ma.NewMultiaddr(n); err != nil {
			return fmt.Errorf("transport: invalid bootstrap node %q: %w", n, err)
		}
	}
	return nil
}

// BackendHandler receives connectivity callbacks from a backend. Calls for a
// given peer arrive in occurrence order.
type BackendHandler struct {
	PeerConnected    func(peerID string)
	PeerDisconnected func(peerID string)
	Message          func(from string, raw []byte)
}

// Backend is the externally supplied connection mechanism: the facilitator
// handshake plus reliable per-peer byte channels. The mesh backend is the
// in-process default; go-waku compiles in behind the real_waku build tag.
type Backend interface {
	Open(ctx context.Context, preferredID string, h BackendHandler) (string, error)
	Dial(ctx context.Context, remoteID string) error
	Send(remoteID string, raw []byte) error
	Close(remoteID string) error
	Shutdown()
}

// Node is the uniform per-identity channel abstraction above a Backend. It
// tracks channel state, enforces the open/connect timeouts, and fans
// connectivity into a single ordered event stream.
type Node struct {
	mu       sync.Mutex
	cfg      Config
	backend  Backend
	selfID   string
	opened   bool
	channels map[string]string
	events   chan Event
}

func NewNode(cfg Config, backend Backend) *Node {
	cfg = normalizeConfig(cfg)
	return &Node{
		cfg:      cfg,
		backend:  backend,
		channels: make(map[string]string),
		events:   make(chan Event, cfg.EventBuffer),
	}
}

// SetIdentity pins the identity the node will resume on Open. Leaving it
// unset lets the facilitator mint a fresh one.
func (n *Node) SetIdentity(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.selfID = id
}

func (n *Node) ID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.selfID
}

// Open registers with the facilitator and returns the assigned identity.
// A single attempt is made; after the configured timeout or a rejection the
// call fails with ErrFacilitatorUnreachable and the caller decides whether to
// retry.
func (n *Node) Open(ctx context.Context) (string, error) {
	n.mu.Lock()
	if n.opened {
		id := n.selfID
		n.mu.Unlock()
		return id, nil
	}
	preferred := n.selfID
	timeout := n.cfg.OpenTimeout
	n.mu.Unlock()

	openCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id, err := n.backend.Open(openCtx, preferred, BackendHandler{
		PeerConnected:    n.handlePeerConnected,
		PeerDisconnected: n.handlePeerDisconnected,
		Message:          n.handleMessage,
	})
	if err != nil {
		recordOpenFailure()
		return "", fmt.Errorf("%w: %v", ErrFacilitatorUnreachable, err)
	}

	n.mu.Lock()
	n.selfID = id
	n.opened = true
	n.mu.Unlock()
	return id, nil
}

// Connect opens a bidirectional channel to a peer. It is idempotent while a
// channel is already open or a dial is in flight.
func (n *Node) Connect(ctx context.Context, remoteID string) error {
	n.mu.Lock()
	if !n.opened {
		n.mu.Unlock()
		return ErrNotOpen
	}
	if remoteID == "" || remoteID == n.selfID {
		n.mu.Unlock()
		return fmt.Errorf("%w: invalid remote identity %q", ErrPeerUnreachable, remoteID)
	}
	if _, inFlight := n.channels[remoteID]; inFlight {
		n.mu.Unlock()
		return nil
	}
	n.channels[remoteID] = channelConnecting
	timeout := n.cfg.ConnectTimeout
	n.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := n.backend.Dial(dialCtx, remoteID)
	if err != nil {
		// A timed-out dial discards the partial channel state entirely.
		n.mu.Lock()
		if n.channels[remoteID] == channelConnecting {
			delete(n.channels, remoteID)
		}
		n.mu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrConnectTimeout, remoteID)
		}
		if errors.Is(err, ErrPeerUnreachable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	n.handlePeerConnected(remoteID)
	return nil
}

func (n *Node) Send(remoteID string, raw []byte) error {
	n.mu.Lock()
	state := n.channels[remoteID]
	opened := n.opened
	n.mu.Unlock()
	if !opened {
		return ErrNotOpen
	}
	if state != channelOpen {
		recordSend(false)
		return fmt.Errorf("%w: %s", ErrNotConnected, remoteID)
	}
	if err := n.backend.Send(remoteID, raw); err != nil {
		recordSend(false)
		return err
	}
	recordSend(true)
	return nil
}

// Broadcast sends to every open channel and collects per-peer failures
// instead of aborting on the first one.
func (n *Node) Broadcast(raw []byte) []SendFailure {
	recordBroadcast()
	var failures []SendFailure
	for _, id := range n.ListConnected() {
		if err := n.Send(id, raw); err != nil {
			failures = append(failures, SendFailure{PeerID: id, Err: err})
		}
	}
	return failures
}

func (n *Node) Disconnect(remoteID string) {
	n.mu.Lock()
	_, had := n.channels[remoteID]
	delete(n.channels, remoteID)
	n.mu.Unlock()
	if !had {
		return
	}
	_ = n.backend.Close(remoteID)
	n.emit(Event{Kind: EventPeerDisconnected, PeerID: remoteID})
}

func (n *Node) IsConnected(remoteID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channels[remoteID] == channelOpen
}

func (n *Node) ListConnected() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.channels))
	for id, state := range n.channels {
		if state == channelOpen {
			out = append(out, id)
		}
	}
	return out
}

// Events returns the node's event stream. The channel is buffered; if the
// consumer falls behind, events are counted as dropped rather than blocking
// the backend.
func (n *Node) Events() <-chan Event {
	return n.events
}

func (n *Node) Shutdown() {
	n.mu.Lock()
	peers := make([]string, 0, len(n.channels))
	for id := range n.channels {
		peers = append(peers, id)
	}
	n.channels = make(map[string]string)
	n.opened = false
	n.mu.Unlock()

	for _, id := range peers {
		_ = n.backend.Close(id)
	}
	n.backend.Shutdown()
}

func (n *Node) handlePeerConnected(peerID string) {
	n.mu.Lock()
	if n.channels[peerID] == channelOpen {
		n.mu.Unlock()
		return
	}
	n.channels[peerID] = channelOpen
	n.mu.Unlock()
	n.emit(Event{Kind: EventPeerConnected, PeerID: peerID})
}

func (n *Node) handlePeerDisconnected(peerID string) {
	n.mu.Lock()
	if _, ok := n.channels[peerID]; !ok {
		n.mu.Unlock()
		return
	}
	delete(n.channels, peerID)
	n.mu.Unlock()
	n.emit(Event{Kind: EventPeerDisconnected, PeerID: peerID})
}

func (n *Node) handleMessage(from string, raw []byte) {
	recordReceive()
	n.emit(Event{Kind: EventMessageReceived, PeerID: from, Raw: raw})
}

func (n *Node) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		recordEventDropped()
	}
}
