package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDialTimeout bounds the websocket dial to the relay.
	DefaultDialTimeout = 10 * time.Second
	// DefaultPingInterval sends a relay keep-alive ping on idle sessions.
	DefaultPingInterval = 30 * time.Second
)

// Callbacks are invoked from the client's single read loop, one at a time.
// Handlers must not block; long work belongs on the caller's side.
type Callbacks struct {
	OnRoomMembers func(members []string)
	OnPeerJoined  func(peerID string)
	OnPeerLeft    func(peerID string)
	OnOffer       func(fromPeer string, sdp json.RawMessage)
	OnAnswer      func(fromPeer string, sdp json.RawMessage)
	OnCandidate   func(fromPeer string, candidate json.RawMessage)
	OnRelayError  func(message string)
	OnDisconnect  func(err error)
}

// Options configures a relay session.
type Options struct {
	// RelayURL is the relay base endpoint, e.g. "ws://host:8000/api/signaling".
	// The peer id is appended as "/ws/<peer_id>".
	RelayURL string
	// PeerID is the local peer identifier announced to the relay.
	PeerID string
	// RoomID, when set, is joined right after the session opens.
	RoomID string

	DialTimeout  time.Duration
	PingInterval time.Duration

	Callbacks Callbacks
}

// Client maintains one websocket session to the signaling relay and
// dispatches inbound envelopes by type.
type Client struct {
	options Options
	log     *logrus.Entry

	writeMu sync.Mutex
	conn    *websocket.Conn

	memberMu sync.Mutex
	members  []string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient creates an unconnected relay client.
func NewClient(options Options) (*Client, error) {
	if strings.TrimSpace(options.RelayURL) == "" {
		return nil, errors.New("signaling: relay URL is required")
	}
	if strings.TrimSpace(options.PeerID) == "" {
		return nil, errors.New("signaling: peer ID is required")
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultDialTimeout
	}
	if options.PingInterval <= 0 {
		options.PingInterval = DefaultPingInterval
	}

	return &Client{
		options: options,
		log:     logrus.WithField("component", "signaling"),
		closed:  make(chan struct{}),
	}, nil
}

// Connect opens the relay session and, if a room is configured, joins it.
// Inbound envelopes are dispatched from a background read loop until the
// session ends.
func (c *Client) Connect() error {
	endpoint, err := c.sessionURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.options.DialTimeout}
	conn, _, err := dialer.Dial(endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", endpoint, err)
	}

	c.writeMu.Lock()
	if c.conn != nil {
		c.writeMu.Unlock()
		_ = conn.Close()
		return ErrAlreadyConnected
	}
	c.conn = conn
	c.writeMu.Unlock()

	c.log.WithFields(logrus.Fields{
		"relay":   c.options.RelayURL,
		"peer_id": c.options.PeerID,
	}).Info("connected to signaling relay")

	go c.readLoop(conn)
	go c.pingLoop()

	if c.options.RoomID != "" {
		if err := c.Send(Envelope{Type: TypeJoin, RoomID: c.options.RoomID}); err != nil {
			c.Disconnect()
			return fmt.Errorf("join room %s: %w", c.options.RoomID, err)
		}
	}
	return nil
}

// Disconnect closes the relay session and discards room membership.
// Safe to call more than once.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})

	c.writeMu.Lock()
	conn := c.conn
	c.conn = nil
	c.writeMu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	c.memberMu.Lock()
	c.members = nil
	c.memberMu.Unlock()
}

// Members returns the current room member list in join order.
func (c *Client) Members() []string {
	c.memberMu.Lock()
	defer c.memberMu.Unlock()
	return append([]string(nil), c.members...)
}

// PeerID returns the local peer identifier.
func (c *Client) PeerID() string {
	return c.options.PeerID
}

// Send writes one envelope to the relay.
func (c *Client) Send(envelope Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteJSON(envelope); err != nil {
		return fmt.Errorf("write envelope %q: %w", envelope.Type, err)
	}
	return nil
}

// SendOffer forwards a session description offer to a specific peer.
func (c *Client) SendOffer(toPeer string, sdp json.RawMessage) error {
	return c.Send(Envelope{Type: TypeOffer, ToPeer: toPeer, SDP: sdp})
}

// SendAnswer forwards a session description answer to a specific peer.
func (c *Client) SendAnswer(toPeer string, sdp json.RawMessage) error {
	return c.Send(Envelope{Type: TypeAnswer, ToPeer: toPeer, SDP: sdp})
}

// SendCandidate forwards a connectivity candidate to a specific peer.
func (c *Client) SendCandidate(toPeer string, candidate json.RawMessage) error {
	return c.Send(Envelope{Type: TypeIceCandidate, ToPeer: toPeer, Candidate: candidate})
}

func (c *Client) sessionURL() (string, error) {
	base, err := url.Parse(c.options.RelayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay URL: %w", err)
	}
	// Path holds the decoded form; String() escapes it, so the peer id is
	// appended raw here to avoid double-escaping.
	base.Path = strings.TrimRight(base.Path, "/") + "/ws/" + c.options.PeerID
	return base.String(), nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				err = nil
			default:
				if errors.Is(err, net.ErrClosed) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = nil
				}
			}
			if c.options.Callbacks.OnDisconnect != nil {
				c.options.Callbacks.OnDisconnect(err)
			}
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			c.log.WithField("error", err.Error()).Warn("dropping malformed signaling envelope")
			continue
		}
		c.dispatch(envelope)
	}
}

// dispatch routes one inbound envelope. Malformed envelopes are logged and
// dropped; they never stop the read loop.
func (c *Client) dispatch(envelope Envelope) {
	switch envelope.Type {
	case TypeRoomJoined, TypeRoomInfo:
		c.replaceMembers(envelope.Peers)
		if c.options.Callbacks.OnRoomMembers != nil {
			c.options.Callbacks.OnRoomMembers(c.Members())
		}

	case TypePeerJoined:
		peer := envelope.sourcePeer()
		if peer == "" {
			c.log.Warn("dropping peer-joined envelope without peer id")
			return
		}
		c.addMember(peer)
		if c.options.Callbacks.OnPeerJoined != nil {
			c.options.Callbacks.OnPeerJoined(peer)
		}

	case TypePeerLeft:
		peer := envelope.sourcePeer()
		if peer == "" {
			c.log.Warn("dropping peer-left envelope without peer id")
			return
		}
		c.removeMember(peer)
		if c.options.Callbacks.OnPeerLeft != nil {
			c.options.Callbacks.OnPeerLeft(peer)
		}

	case TypeOffer:
		if envelope.FromPeer == "" || len(envelope.SDP) == 0 {
			c.log.Warn("dropping offer envelope without from_peer or sdp")
			return
		}
		if c.options.Callbacks.OnOffer != nil {
			c.options.Callbacks.OnOffer(envelope.FromPeer, envelope.SDP)
		}

	case TypeAnswer:
		if envelope.FromPeer == "" || len(envelope.SDP) == 0 {
			c.log.Warn("dropping answer envelope without from_peer or sdp")
			return
		}
		if c.options.Callbacks.OnAnswer != nil {
			c.options.Callbacks.OnAnswer(envelope.FromPeer, envelope.SDP)
		}

	case TypeIceCandidate:
		if envelope.FromPeer == "" || len(envelope.Candidate) == 0 {
			c.log.Warn("dropping ice-candidate envelope without from_peer or candidate")
			return
		}
		if c.options.Callbacks.OnCandidate != nil {
			c.options.Callbacks.OnCandidate(envelope.FromPeer, envelope.Candidate)
		}

	case TypeError:
		c.log.WithField("relay_error", envelope.Error).Warn("relay reported an error")
		if c.options.Callbacks.OnRelayError != nil {
			c.options.Callbacks.OnRelayError(envelope.Error)
		}

	case TypePing:
		_ = c.Send(Envelope{Type: TypePong})

	case TypePong, TypeRoomLeft:
		// Keep-alive replies and our own leave confirmation carry no state.

	default:
		c.log.WithField("type", envelope.Type).Warn("dropping envelope with unknown type")
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Send(Envelope{Type: TypePing}); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Client) replaceMembers(members []string) {
	c.memberMu.Lock()
	defer c.memberMu.Unlock()
	c.members = append([]string(nil), members...)
}

// addMember appends a peer, moving it to the end if already present.
func (c *Client) addMember(peerID string) {
	c.memberMu.Lock()
	defer c.memberMu.Unlock()
	for i, member := range c.members {
		if member == peerID {
			c.members = append(append(c.members[:i:i], c.members[i+1:]...), peerID)
			return
		}
	}
	c.members = append(c.members, peerID)
}

func (c *Client) removeMember(peerID string) {
	c.memberMu.Lock()
	defer c.memberMu.Unlock()
	for i, member := range c.members {
		if member == peerID {
			c.members = append(c.members[:i:i], c.members[i+1:]...)
			return
		}
	}
}
