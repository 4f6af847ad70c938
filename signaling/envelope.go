package signaling

import (
	"encoding/json"
	"errors"
)

const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeIceCandidate = "ice-candidate"
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
	TypeRoomJoined   = "room-joined"
	TypeRoomLeft     = "room-left"
	TypeRoomInfo     = "room-info"
	TypeError        = "error"
	TypePing         = "ping"
	TypePong         = "pong"
)

var (
	// ErrInvalidEnvelope indicates the envelope type is missing or unknown.
	ErrInvalidEnvelope = errors.New("signaling: invalid envelope")
	// ErrMissingPeer indicates a relayed envelope lacks its originating peer.
	ErrMissingPeer = errors.New("signaling: envelope missing from_peer")
	// ErrNotConnected indicates the relay session is not established.
	ErrNotConnected = errors.New("signaling: not connected to relay")
	// ErrAlreadyConnected indicates Connect was called on a live session.
	ErrAlreadyConnected = errors.New("signaling: already connected to relay")
)

// Envelope is the JSON control message exchanged with the relay.
//
// The relay forwards offer/answer/ice-candidate envelopes between named
// peers without inspecting sdp or candidate payloads, so both are kept as
// raw JSON here and interpreted only by the connection manager.
type Envelope struct {
	Type      string          `json:"type"`
	FromPeer  string          `json:"from_peer,omitempty"`
	ToPeer    string          `json:"to_peer,omitempty"`
	PeerID    string          `json:"peer_id,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Peers     []string        `json:"peers,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// sourcePeer returns the peer an envelope originated from. The relay tags
// membership events with peer_id and forwarded handshake envelopes with
// from_peer.
func (e Envelope) sourcePeer() string {
	if e.PeerID != "" {
		return e.PeerID
	}
	return e.FromPeer
}
