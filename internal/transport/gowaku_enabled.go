//go:build real_waku

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	wakuProtocol "github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
)

const (
	tabPubsubTopic  = "/waku/2/default-waku/proto"
	tabContentTopic = "/sharedtab/1/channel/proto"

	frameDial   = "dial"
	frameAccept = "accept"
	frameData   = "data"
	frameClose  = "close"
)

// channelFrame is the virtual-channel framing layered over the relay topic.
// Dial/accept establish a channel between two identities; data carries an
// encoded envelope; close is the channel's own close signal.
type channelFrame struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	To      string `json:"to"`
	Payload []byte `json:"payload,omitempty"`
}

type goWakuBackend struct {
	mu      sync.Mutex
	cfg     Config
	node    *wakuNode.WakuNode
	selfID  string
	handler BackendHandler
	accepts map[string]chan struct{}
	links   map[string]struct{}
}

func newGoWakuBackend(cfg Config) Backend {
	return &goWakuBackend{
		cfg:     cfg,
		accepts: make(map[string]chan struct{}),
		links:   make(map[string]struct{}),
	}
}

func (g *goWakuBackend) Open(ctx context.Context, preferredID string, h BackendHandler) (string, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(g.cfg.Port)))
	if err != nil {
		return "", err
	}
	node, err := wakuNode.New(
		wakuNode.WithHostAddress(hostAddr),
		wakuNode.WithWakuRelay(),
	)
	if err != nil {
		return "", err
	}
	if err := node.Start(ctx); err != nil {
		return "", err
	}
	for _, addr := range g.cfg.BootstrapNodes {
		_ = node.DialPeer(ctx, addr)
	}

	id := preferredID
	if id == "" {
		id = mintIdentity()
	}

	g.mu.Lock()
	g.node = node
	g.selfID = id
	g.handler = h
	g.mu.Unlock()

	if err := g.subscribe(ctx); err != nil {
		node.Stop()
		return "", err
	}
	return id, nil
}

func (g *goWakuBackend) subscribe(ctx context.Context) error {
	g.mu.Lock()
	node := g.node
	selfID := g.selfID
	g.mu.Unlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}

	filter := wakuProtocol.NewContentFilter(tabPubsubTopic, tabContentTopic)
	subs, err := node.Relay().Subscribe(context.Background(), filter)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				var frame channelFrame
				if err := json.Unmarshal(env.Message().Payload, &frame); err != nil {
					continue
				}
				if frame.To != selfID {
					continue
				}
				g.handleFrame(frame)
			}
		}(sub)
	}
	return nil
}

func (g *goWakuBackend) handleFrame(frame channelFrame) {
	g.mu.Lock()
	handler := g.handler
	g.mu.Unlock()

	switch frame.Type {
	case frameDial:
		g.mu.Lock()
		g.links[frame.From] = struct{}{}
		g.mu.Unlock()
		if err := g.publish(context.Background(), channelFrame{Type: frameAccept, From: g.selfID, To: frame.From}); err != nil {
			slog.Warn("channel accept publish failed", "reason", err.Error())
			return
		}
		if handler.PeerConnected != nil {
			handler.PeerConnected(frame.From)
		}
	case frameAccept:
		g.mu.Lock()
		g.links[frame.From] = struct{}{}
		waiter := g.accepts[frame.From]
		delete(g.accepts, frame.From)
		g.mu.Unlock()
		if waiter != nil {
			close(waiter)
		}
	case frameData:
		g.mu.Lock()
		_, linked := g.links[frame.From]
		g.mu.Unlock()
		if linked && handler.Message != nil {
			handler.Message(frame.From, frame.Payload)
		}
	case frameClose:
		g.mu.Lock()
		_, linked := g.links[frame.From]
		delete(g.links, frame.From)
		g.mu.Unlock()
		if linked && handler.PeerDisconnected != nil {
			handler.PeerDisconnected(frame.From)
		}
	}
}

func (g *goWakuBackend) Dial(ctx context.Context, remoteID string) error {
	g.mu.Lock()
	if _, ok := g.links[remoteID]; ok {
		g.mu.Unlock()
		return nil
	}
	waiter, pending := g.accepts[remoteID]
	if !pending {
		waiter = make(chan struct{})
		g.accepts[remoteID] = waiter
	}
	selfID := g.selfID
	g.mu.Unlock()

	if !pending {
		if err := g.publish(ctx, channelFrame{Type: frameDial, From: selfID, To: remoteID}); err != nil {
			return err
		}
	}

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.accepts, remoteID)
		g.mu.Unlock()
		return ctx.Err()
	}
}

func (g *goWakuBackend) Send(remoteID string, raw []byte) error {
	g.mu.Lock()
	_, linked := g.links[remoteID]
	selfID := g.selfID
	g.mu.Unlock()
	if !linked {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.publish(ctx, channelFrame{Type: frameData, From: selfID, To: remoteID, Payload: raw})
}

func (g *goWakuBackend) Close(remoteID string) error {
	g.mu.Lock()
	_, linked := g.links[remoteID]
	delete(g.links, remoteID)
	selfID := g.selfID
	g.mu.Unlock()
	if !linked {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.publish(ctx, channelFrame{Type: frameClose, From: selfID, To: remoteID})
}

func (g *goWakuBackend) Shutdown() {
	g.mu.Lock()
	node := g.node
	g.node = nil
	g.links = make(map[string]struct{})
	g.mu.Unlock()
	if node != nil {
		node.Stop()
	}
}

func (g *goWakuBackend) publish(ctx context.Context, frame channelFrame) error {
	g.mu.Lock()
	node := g.node
	g.mu.Unlock()
	if node == nil {
		return errors.New("go-waku node is nil")
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: tabContentTopic,
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(tabPubsubTopic))
	return err
}
