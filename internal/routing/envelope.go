// SPDX-License-Identifier: AGPL-3.0-or-later

// Package routing implements cross-instance message delivery: session
// and node ownership records with TTL renewal, presence heartbeats, and
// per-instance inbox streams used to forward a message to whichever
// instance actually holds the target connection.
package routing

import "encoding/json"

// Kind tags which of the envelope variants a message is.
type Kind string

const (
	// KindSendToSession carries a message meant for a client session
	// connection, addressed by session id.
	KindSendToSession Kind = "send_to_session"
	// KindDispatchToNode carries a job dispatch meant for a worker node
	// connection, addressed by node id.
	KindDispatchToNode Kind = "dispatch_to_node"
	// KindForwardNodeMessage carries a worker node's outbound message
	// (e.g. a result) being relayed back toward the client session that
	// requested it.
	KindForwardNodeMessage Kind = "forward_node_message"
)

// Envelope is the tagged union forwarded over an instance's inbox
// stream. Exactly one of SessionID/NodeID is meaningful depending on
// Kind.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	NodeID    string          `json:"node_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// SendToSession builds an envelope addressed to a session connection.
func SendToSession(sessionID string, data json.RawMessage) Envelope {
	return Envelope{Kind: KindSendToSession, SessionID: sessionID, Data: data}
}

// DispatchToNode builds an envelope addressed to a node connection.
func DispatchToNode(nodeID string, data json.RawMessage) Envelope {
	return Envelope{Kind: KindDispatchToNode, NodeID: nodeID, Data: data}
}

// ForwardNodeMessage builds an envelope relaying a node message back to
// the session that originated the job.
func ForwardNodeMessage(sessionID string, data json.RawMessage) Envelope {
	return Envelope{Kind: KindForwardNodeMessage, SessionID: sessionID, Data: data}
}
