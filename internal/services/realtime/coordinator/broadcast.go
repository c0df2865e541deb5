package coordinator

import (
	"go.uber.org/zap"
)

// BroadcastRouter fans a message out to the members of one session. It is
// called with the session entry locked, so every recipient observes one
// session's broadcasts in the same order.
type BroadcastRouter struct {
	peers  *peerSet
	logger *zap.Logger
}

// newBroadcastRouter returns a router delivering to peers.
func newBroadcastRouter(peers *peerSet, logger *zap.Logger) *BroadcastRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BroadcastRouter{peers: peers, logger: logger}
}

// Broadcast enqueues msg for every member of entry except exclude and
// returns how many peers accepted it. Delivery is at most once: a full
// outbound queue drops the message for that peer only.
func (r *BroadcastRouter) Broadcast(entry *SessionEntry, msg Message, exclude string) int {
	delivered := 0
	for _, connID := range entry.Members() {
		if connID == exclude {
			continue
		}
		peer, ok := r.peers.get(connID)
		if !ok {
			r.logger.Debug("broadcast skipped unknown peer",
				zap.String("session_id", entry.SessionID()),
				zap.String("connection_id", connID),
			)
			continue
		}
		if !peer.Deliver(msg) {
			r.logger.Warn("outbound queue full, dropping broadcast",
				zap.String("session_id", entry.SessionID()),
				zap.String("connection_id", connID),
				zap.String("event", msg.Event),
			)
			continue
		}
		delivered++
	}
	return delivered
}
