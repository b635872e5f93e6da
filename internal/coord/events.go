package coord

import (
	"sharedtab/go-backend/internal/ledger"
	"sharedtab/go-backend/internal/platform/runtime"
	"sharedtab/go-backend/internal/protocol"
	"sharedtab/go-backend/internal/transport"
)

func (c *Coordinator) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventMessageReceived:
		c.handleRaw(ev.PeerID, ev.Raw)
	case transport.EventPeerConnected:
		c.handlePeerConnected(ev.PeerID)
	case transport.EventPeerDisconnected:
		c.handlePeerDisconnected(ev.PeerID)
	case transport.EventError:
		c.logger.Warn("transport error", "peer_id", ev.PeerID, "reason", ev.Err.Error())
		c.hub.Publish(runtime.MethodSyncError, ev.Err.Error())
	}
}

func (c *Coordinator) handleRaw(peerID string, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		// Malformed traffic is logged and dropped; the channel stays open.
		c.logger.Warn("dropping invalid envelope", "peer_id", peerID, "reason", err.Error())
		recordEnvelopeDropped("invalid")
		return
	}
	// Only request kinds are throttled. Snapshot broadcasts and error replies
	// must never be shed: convergence rides on the latest snapshot arriving,
	// and a dropped one has no resync path.
	if rateLimited(env.Kind) && !c.limiter.Allow(peerID, c.now()) {
		recordEnvelopeDropped("rate-limited")
		return
	}
	c.handleEnvelope(peerID, env)
}

func rateLimited(kind string) bool {
	switch kind {
	case protocol.KindStateBroadcast, protocol.KindError:
		return false
	}
	return true
}

func (c *Coordinator) handleEnvelope(peerID string, env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindStateBroadcast:
		c.handleBroadcast(peerID, env.StateBroadcast.Snapshot)
	case protocol.KindTransferRequest, protocol.KindLifecycleStart, protocol.KindLifecycleEnd, protocol.KindRename:
		if c.role != RoleAuthority {
			c.logger.Warn("dropping request: not the authority", "peer_id", peerID, "kind", env.Kind)
			recordEnvelopeDropped("not-authority")
			return
		}
		intent, requestID, ok := intentFromEnvelope(env)
		if !ok {
			recordEnvelopeDropped("invalid")
			return
		}
		if err := c.applyAuthorityIntent(intent, peerID, requestID); err != nil {
			c.logger.Info("member request rejected", "peer_id", peerID, "kind", env.Kind, "reason", err.Error())
		}
	case protocol.KindError:
		// A remote rejection of one of our requests: surface, never retry.
		c.logger.Info("request rejected by authority",
			"code", env.Error.Code, "request_id", env.Error.RequestID)
		c.hub.Publish(runtime.MethodSyncError, env.Error)
	}
}

// handleBroadcast feeds an incoming snapshot through merge and adopts the
// result. Authority is never re-derived from message content; it was fixed
// when the session was created.
func (c *Coordinator) handleBroadcast(peerID string, incoming ledger.Snapshot) {
	if c.role == RoleAuthority {
		c.logger.Warn("ignoring broadcast while authority", "peer_id", peerID)
		recordEnvelopeDropped("not-member")
		return
	}
	prev := c.snapshot
	merged := ledger.Merge(prev, incoming)
	if merged.SessionID == prev.SessionID && merged.Seq == prev.Seq && prev.HasSession() {
		recordMerge(false)
		return
	}
	if c.role == RoleIdle || c.role == RoleConnecting {
		c.role = RoleMember
	}
	recordMerge(true)
	c.adopt(merged)
}

func (c *Coordinator) handlePeerConnected(peerID string) {
	c.hub.Publish(runtime.MethodPeerConnected, peerID)
	switch c.role {
	case RoleAuthority:
		c.handleMemberConnected(peerID)
	case RoleConnecting:
		if peerID == c.joinTarget {
			c.role = RoleMember
			c.authorityDown = false
		}
	case RoleMember:
		if peerID == c.currentAuthority() && c.authorityDown {
			c.authorityDown = false
			c.hub.Publish(runtime.MethodAuthorityRestored, peerID)
		}
	}
}

// handleMemberConnected is the authority's admission path. A new identity is
// admitted while forming; a known identity at any phase is a reconnect that
// gets the current snapshot directly instead of being admitted anew.
func (c *Coordinator) handleMemberConnected(peerID string) {
	now := c.now()
	next := c.snapshot

	if next.Phase == ledger.PhaseForming {
		admitted, err := ledger.AdmitParticipant(next, peerID, "", now)
		if err != nil {
			c.sendError(peerID, err, "")
			return
		}
		next = admitted
	}
	if _, known := next.Participant(peerID); !known {
		// Mid-session connection from an identity that was never admitted.
		// The rejection goes out before the channel drops.
		raw := c.encodeError(ledger.ErrAlreadyRunning, "")
		go func() {
			if raw != nil {
				if err := c.node.Send(peerID, raw); err != nil {
					c.logger.Warn("rejection send failed", "peer_id", peerID, "reason", err.Error())
				}
			}
			c.node.Disconnect(peerID)
		}()
		return
	}
	if online, err := ledger.SetParticipantOnline(next, peerID, true, now); err == nil {
		next = online
	}

	changed := next.Seq != c.snapshot.Seq
	if changed {
		c.adopt(next)
	}
	c.sendSnapshotTo(peerID)
	if changed {
		c.broadcastSnapshot()
	}
}

func (c *Coordinator) handlePeerDisconnected(peerID string) {
	c.hub.Publish(runtime.MethodPeerDisconnected, peerID)
	switch c.role {
	case RoleAuthority:
		next, err := ledger.SetParticipantOnline(c.snapshot, peerID, false, c.now())
		if err != nil || next.Seq == c.snapshot.Seq {
			return
		}
		c.adopt(next)
		c.broadcastSnapshot()
	case RoleMember, RoleConnecting:
		if peerID == c.currentAuthority() {
			// Intents are rejected locally until the channel reopens; there
			// is no outbox and no automatic retry.
			c.authorityDown = true
			c.hub.Publish(runtime.MethodAuthorityUnreachable, peerID)
		}
	}
}
