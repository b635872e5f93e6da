package transport

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/mr-tron/base58/base58"
)

const meshInboxSize = 1024

// Mesh is the in-process facilitator and channel fabric used by the mesh
// backend: a registry of endpoints with pairwise links and per-endpoint
// ordered delivery. One Mesh instance plays the facilitator for every node
// joined to it.
type Mesh struct {
	mu        sync.Mutex
	endpoints map[string]*meshEndpoint
	stallOpen bool
}

type meshEndpoint struct {
	id       string
	handler  BackendHandler
	inbox    chan func()
	links    map[string]struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewMesh() *Mesh {
	return &Mesh{endpoints: make(map[string]*meshEndpoint)}
}

// StallOpen makes registration hang until the caller's context expires,
// standing in for an unresponsive facilitator.
func (m *Mesh) StallOpen(stall bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stallOpen = stall
}

// Endpoint returns a Backend bound to this mesh for a single node.
func (m *Mesh) Endpoint() Backend {
	return &meshBackend{mesh: m}
}

type meshBackend struct {
	mesh *Mesh
	mu   sync.Mutex
	self *meshEndpoint
}

func (b *meshBackend) Open(ctx context.Context, preferredID string, h BackendHandler) (string, error) {
	b.mesh.mu.Lock()
	stalled := b.mesh.stallOpen
	b.mesh.mu.Unlock()
	if stalled {
		<-ctx.Done()
		return "", ctx.Err()
	}

	id := preferredID
	if id == "" {
		id = mintIdentity()
	}

	ep := &meshEndpoint{
		id:      id,
		handler: h,
		inbox:   make(chan func(), meshInboxSize),
		links:   make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	go ep.run()

	b.mesh.mu.Lock()
	if prior, ok := b.mesh.endpoints[id]; ok {
		// Re-registration with the same identity replaces the old endpoint,
		// mirroring a process restart.
		prior.stop()
	}
	b.mesh.endpoints[id] = ep
	b.mesh.mu.Unlock()

	b.mu.Lock()
	b.self = ep
	b.mu.Unlock()
	return id, nil
}

func (b *meshBackend) Dial(ctx context.Context, remoteID string) error {
	self := b.endpoint()
	if self == nil {
		return ErrNotOpen
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mesh.mu.Lock()
	remote, ok := b.mesh.endpoints[remoteID]
	if !ok {
		b.mesh.mu.Unlock()
		return ErrPeerUnreachable
	}
	self.links[remoteID] = struct{}{}
	remote.links[self.id] = struct{}{}
	b.mesh.mu.Unlock()

	// Only the accepting side is notified here; the dialer learns of the
	// channel from Dial returning.
	remote.deliver(func() {
		if remote.handler.PeerConnected != nil {
			remote.handler.PeerConnected(self.id)
		}
	})
	return nil
}

func (b *meshBackend) Send(remoteID string, raw []byte) error {
	self := b.endpoint()
	if self == nil {
		return ErrNotOpen
	}

	b.mesh.mu.Lock()
	remote, ok := b.mesh.endpoints[remoteID]
	if ok {
		_, ok = remote.links[self.id]
	}
	b.mesh.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, remoteID)
	}

	payload := append([]byte(nil), raw...)
	from := self.id
	remote.deliver(func() {
		if remote.handler.Message != nil {
			remote.handler.Message(from, payload)
		}
	})
	return nil
}

func (b *meshBackend) Close(remoteID string) error {
	self := b.endpoint()
	if self == nil {
		return ErrNotOpen
	}

	b.mesh.mu.Lock()
	delete(self.links, remoteID)
	remote, ok := b.mesh.endpoints[remoteID]
	if ok {
		delete(remote.links, self.id)
	}
	b.mesh.mu.Unlock()
	if !ok {
		return nil
	}

	// The channel's close signal: the remote side observes the disconnect.
	from := self.id
	remote.deliver(func() {
		if remote.handler.PeerDisconnected != nil {
			remote.handler.PeerDisconnected(from)
		}
	})
	return nil
}

func (b *meshBackend) Shutdown() {
	self := b.endpoint()
	if self == nil {
		return
	}

	b.mesh.mu.Lock()
	peers := make([]*meshEndpoint, 0, len(self.links))
	for id := range self.links {
		if remote, ok := b.mesh.endpoints[id]; ok {
			delete(remote.links, self.id)
			peers = append(peers, remote)
		}
	}
	if b.mesh.endpoints[self.id] == self {
		delete(b.mesh.endpoints, self.id)
	}
	b.mesh.mu.Unlock()

	for _, remote := range peers {
		r := remote
		from := self.id
		r.deliver(func() {
			if r.handler.PeerDisconnected != nil {
				r.handler.PeerDisconnected(from)
			}
		})
	}
	self.stop()

	b.mu.Lock()
	b.self = nil
	b.mu.Unlock()
}

func (b *meshBackend) endpoint() *meshEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.self
}

// run drains the inbox on a single goroutine so every callback for this
// endpoint fires in enqueue order.
func (ep *meshEndpoint) run() {
	for {
		select {
		case <-ep.done:
			return
		case fn := <-ep.inbox:
			fn()
		}
	}
}

func (ep *meshEndpoint) deliver(fn func()) {
	select {
	case <-ep.done:
	case ep.inbox <- fn:
	default:
		// Inbox overflow drops the callback rather than blocking the sender.
	}
}

func (ep *meshEndpoint) stop() {
	ep.stopOnce.Do(func() { close(ep.done) })
}

func mintIdentity() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for identity minting.
		panic(err)
	}
	h := sha256.Sum256(buf)
	return "tab1" + base58.Encode(h[:20])
}
