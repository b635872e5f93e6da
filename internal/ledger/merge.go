package ledger

// Merge is the single conflict-resolution rule: last writer wins by sequence
// number within one session. The incoming snapshot is adopted when the local
// one has no session yet, or when both carry the same session and the
// incoming sequence is strictly higher. Everything else keeps local — the
// authority is the only writer, so receivers must never regress.
func Merge(local, incoming Snapshot) Snapshot {
	if !local.HasSession() {
		return incoming
	}
	if incoming.SessionID == local.SessionID && incoming.Seq > local.Seq {
		return incoming
	}
	return local
}
