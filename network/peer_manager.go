package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"fluxfile/storage"
)

const (
	// dataChannelLabel names the single transfer channel per peer pair.
	dataChannelLabel = "fluxfile"
	// channelOpenTimeout bounds how long ConnectToPeer waits for the
	// channel to reach the open state.
	channelOpenTimeout = 30 * time.Second
)

var (
	// ErrPeerNotConnected indicates no open channel exists for the peer.
	ErrPeerNotConnected = errors.New("network: peer has no open channel")
	// ErrManagerClosed indicates the manager has been shut down.
	ErrManagerClosed = errors.New("network: manager closed")
	// ErrNoSignaler indicates connect was called before signaling was wired.
	ErrNoSignaler = errors.New("network: no signaler configured")
)

// Signaler carries the three handshake message kinds to a named peer.
// Implemented by signaling.Client; tests use an in-process pair.
type Signaler interface {
	SendOffer(toPeer string, sdp json.RawMessage) error
	SendAnswer(toPeer string, sdp json.RawMessage) error
	SendCandidate(toPeer string, candidate json.RawMessage) error
}

// PeerConnectionState mirrors the underlying session lifecycle.
type PeerConnectionState string

const (
	PeerStateNew          PeerConnectionState = "new"
	PeerStateConnecting   PeerConnectionState = "connecting"
	PeerStateConnected    PeerConnectionState = "connected"
	PeerStateDisconnected PeerConnectionState = "disconnected"
	PeerStateFailed       PeerConnectionState = "failed"
	PeerStateClosed       PeerConnectionState = "closed"
)

// PeerInfo is the externally visible snapshot of one peer record.
type PeerInfo struct {
	PeerID          string
	ConnectionState PeerConnectionState
	ChannelState    ChannelState
}

// ReceivedFile describes one assembled file delivered to the caller.
type ReceivedFile struct {
	ID           string
	FromPeer     string
	Name         string
	Path         string
	Size         int64
	MimeType     string
	RelativePath string
	BatchID      string
}

// ManagerOptions configures the transfer engine.
type ManagerOptions struct {
	// PeerID is the local peer identifier used for signaling and for
	// handshake-glare tie-breaking.
	PeerID string
	// DownloadDir receives assembled files; batch members are placed under
	// DownloadDir/<folderName>/<relativePath>.
	DownloadDir string

	ChunkSize     int
	HighWatermark uint64
	LowWatermark  uint64

	// STUNServers configure ICE; loopback candidates are always allowed so
	// same-machine peers connect without any server.
	STUNServers []string

	// Store, when set, records transfer and batch history best-effort.
	Store *storage.Store

	OnFileProgress   func(TransferProgress)
	OnFolderProgress func(FolderProgress)
	OnFileReceived   func(ReceivedFile)
	OnFolderReceived func(batchID, folderName string, files map[string]ReceivedFile)
	OnPeerState      func(peerID string, state PeerConnectionState)
	OnError          func(error)
}

// peer is one remote peer's record: handshake state plus the resulting
// channel. Owned exclusively by the Manager.
type peer struct {
	id string
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	conn    PeerConnectionState
	channel Channel
	chState ChannelState

	// remoteSet gates candidate application; candidates arriving before
	// the remote description are queued, not dropped.
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	// initiator marks which side sent the offer, for glare tie-breaking.
	initiator bool

	// drained receives one token per buffered-amount-low event; send loops
	// park on it while the outbound buffer is above the high watermark.
	drained chan struct{}
	// chOpen is closed once the data channel reaches the open state.
	chOpen chan struct{}
	closed chan struct{}
}

func (p *peer) connState() PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *peer) channelState() ChannelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return ChannelNone
	}
	return p.chState
}

func (p *peer) openChannel() Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil || p.chState != ChannelOpen {
		return nil
	}
	return p.channel
}

// Manager owns all peer records and transfer state. All registry mutation
// happens inside its own entry points, guarded by the manager's locks.
type Manager struct {
	options ManagerOptions
	log     *logrus.Entry

	signalerMu sync.RWMutex
	signaler   Signaler

	peerMu sync.Mutex
	peers  map[string]*peer

	// sendLocks serializes whole-file send loops per peer so no two
	// transfers interleave binary frames on one channel.
	sendLockMu sync.Mutex
	sendLocks  map[string]*sync.Mutex

	fileMu     sync.Mutex
	outgoing   map[string]*outgoingTransfer
	incoming   map[string]*incomingTransfer
	inBatches  map[string]*incomingBatch
	outBatches map[string]*outgoingBatch

	registry *progressRegistry

	closeOnce sync.Once
	closed    chan struct{}
}

// NewManager creates a transfer engine for one local peer.
func NewManager(options ManagerOptions) (*Manager, error) {
	if strings.TrimSpace(options.PeerID) == "" {
		return nil, errors.New("network: peer ID is required")
	}
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.HighWatermark == 0 {
		options.HighWatermark = DefaultHighWatermark
	}
	if options.LowWatermark == 0 {
		options.LowWatermark = DefaultLowWatermark
	}
	if options.LowWatermark >= options.HighWatermark {
		return nil, errors.New("network: low watermark must be below high watermark")
	}

	return &Manager{
		options:    options,
		log:        logrus.WithField("component", "network"),
		peers:      make(map[string]*peer),
		sendLocks:  make(map[string]*sync.Mutex),
		outgoing:   make(map[string]*outgoingTransfer),
		incoming:   make(map[string]*incomingTransfer),
		inBatches:  make(map[string]*incomingBatch),
		outBatches: make(map[string]*outgoingBatch),
		registry:   newProgressRegistry(),
		closed:     make(chan struct{}),
	}, nil
}

// SetSignaler wires the signaling client used for handshakes.
func (m *Manager) SetSignaler(signaler Signaler) {
	m.signalerMu.Lock()
	m.signaler = signaler
	m.signalerMu.Unlock()
}

func (m *Manager) getSignaler() (Signaler, error) {
	m.signalerMu.RLock()
	defer m.signalerMu.RUnlock()
	if m.signaler == nil {
		return nil, ErrNoSignaler
	}
	return m.signaler, nil
}

// Peers returns a snapshot of all known peer records, sorted by id.
func (m *Manager) Peers() []PeerInfo {
	m.peerMu.Lock()
	defer m.peerMu.Unlock()

	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, PeerInfo{
			PeerID:          p.id,
			ConnectionState: p.connState(),
			ChannelState:    p.channelState(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Transfers returns the live transfer progress map.
func (m *Manager) Transfers() map[string]TransferProgress {
	return m.registry.transferSnapshot()
}

// Batches returns the live batch progress map.
func (m *Manager) Batches() map[string]FolderProgress {
	return m.registry.batchSnapshot()
}

// TransferProgressFor looks up one transfer by id.
func (m *Manager) TransferProgressFor(transferID string) (TransferProgress, bool) {
	return m.registry.transfer(transferID)
}

// BatchProgressFor looks up one batch by id.
func (m *Manager) BatchProgressFor(batchID string) (FolderProgress, bool) {
	return m.registry.batch(batchID)
}

// ConnectToPeer runs the initiator handshake path: create the connection
// and an ordered reliable channel, send the offer, then wait for the
// channel to open. Returns once transfers to the peer can start.
func (m *Manager) ConnectToPeer(peerID string) error {
	select {
	case <-m.closed:
		return ErrManagerClosed
	default:
	}

	signaler, err := m.getSignaler()
	if err != nil {
		return err
	}
	if peerID == m.options.PeerID {
		return errors.New("network: cannot connect to self")
	}

	m.peerMu.Lock()
	if existing, ok := m.peers[peerID]; ok {
		state := existing.connState()
		if state != PeerStateFailed && state != PeerStateClosed {
			chOpen := existing.chOpen
			m.peerMu.Unlock()
			return m.waitChannelOpen(peerID, chOpen)
		}
		m.removePeerLocked(existing)
	}
	p, err := m.newPeer(peerID, true)
	if err != nil {
		m.peerMu.Unlock()
		return err
	}
	m.peers[peerID] = p
	m.peerMu.Unlock()

	dc, err := p.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered: boolPtr(true),
	})
	if err != nil {
		m.teardownPeer(p, PeerStateFailed)
		return fmt.Errorf("create data channel to %s: %w", peerID, err)
	}
	m.wireChannel(p, dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		m.teardownPeer(p, PeerStateFailed)
		return fmt.Errorf("create offer for %s: %w", peerID, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		m.teardownPeer(p, PeerStateFailed)
		return fmt.Errorf("set local description for %s: %w", peerID, err)
	}

	sdp, err := json.Marshal(p.pc.LocalDescription())
	if err != nil {
		m.teardownPeer(p, PeerStateFailed)
		return fmt.Errorf("marshal offer for %s: %w", peerID, err)
	}
	if err := signaler.SendOffer(peerID, sdp); err != nil {
		m.teardownPeer(p, PeerStateFailed)
		return fmt.Errorf("send offer to %s: %w", peerID, err)
	}

	m.log.WithField("peer", peerID).Info("offer sent")
	return m.waitChannelOpen(peerID, p.chOpen)
}

func (m *Manager) waitChannelOpen(peerID string, chOpen <-chan struct{}) error {
	select {
	case <-chOpen:
		return nil
	case <-time.After(channelOpenTimeout):
		return fmt.Errorf("network: channel to %s did not open within %s", peerID, channelOpenTimeout)
	case <-m.closed:
		return ErrManagerClosed
	}
}

// HandleOffer runs the responder handshake path for an inbound offer.
func (m *Manager) HandleOffer(fromPeer string, sdp json.RawMessage) {
	signaler, err := m.getSignaler()
	if err != nil {
		m.reportError(err)
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		m.log.WithFields(logrus.Fields{
			"peer":  fromPeer,
			"error": err.Error(),
		}).Warn("dropping offer with malformed session description")
		return
	}

	m.peerMu.Lock()
	if existing, ok := m.peers[fromPeer]; ok {
		state := existing.connState()
		if state != PeerStateFailed && state != PeerStateClosed {
			// Handshake glare: both sides offered at once. The peer with
			// the smaller id is the canonical offerer; if that is us,
			// ignore their offer and let ours complete.
			if existing.initiator && m.options.PeerID < fromPeer {
				m.peerMu.Unlock()
				m.log.WithField("peer", fromPeer).Debug("ignoring glare offer, local side is canonical offerer")
				return
			}
		}
		m.removePeerLocked(existing)
	}
	p, err := m.newPeer(fromPeer, false)
	if err != nil {
		m.peerMu.Unlock()
		m.reportError(err)
		return
	}
	m.peers[fromPeer] = p
	m.peerMu.Unlock()

	if err := p.pc.SetRemoteDescription(desc); err != nil {
		m.reportError(fmt.Errorf("set remote offer from %s: %w", fromPeer, err))
		m.teardownPeer(p, PeerStateFailed)
		return
	}
	m.flushPendingCandidates(p)

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		m.reportError(fmt.Errorf("create answer for %s: %w", fromPeer, err))
		m.teardownPeer(p, PeerStateFailed)
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		m.reportError(fmt.Errorf("set local answer for %s: %w", fromPeer, err))
		m.teardownPeer(p, PeerStateFailed)
		return
	}

	payload, err := json.Marshal(p.pc.LocalDescription())
	if err != nil {
		m.reportError(fmt.Errorf("marshal answer for %s: %w", fromPeer, err))
		m.teardownPeer(p, PeerStateFailed)
		return
	}
	if err := signaler.SendAnswer(fromPeer, payload); err != nil {
		m.reportError(fmt.Errorf("send answer to %s: %w", fromPeer, err))
		m.teardownPeer(p, PeerStateFailed)
		return
	}

	m.log.WithField("peer", fromPeer).Info("answer sent")
}

// HandleAnswer completes the initiator handshake path.
func (m *Manager) HandleAnswer(fromPeer string, sdp json.RawMessage) {
	p := m.getPeer(fromPeer)
	if p == nil {
		m.log.WithField("peer", fromPeer).Warn("dropping answer for unknown peer")
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		m.log.WithFields(logrus.Fields{
			"peer":  fromPeer,
			"error": err.Error(),
		}).Warn("dropping answer with malformed session description")
		return
	}

	if err := p.pc.SetRemoteDescription(desc); err != nil {
		m.reportError(fmt.Errorf("set remote answer from %s: %w", fromPeer, err))
		m.teardownPeer(p, PeerStateFailed)
		return
	}
	m.flushPendingCandidates(p)
}

// HandleCandidate applies an inbound connectivity candidate. Candidates for
// unknown peers are expected (late or duplicate) and dropped silently.
func (m *Manager) HandleCandidate(fromPeer string, candidate json.RawMessage) {
	p := m.getPeer(fromPeer)
	if p == nil {
		m.log.WithField("peer", fromPeer).Debug("dropping candidate for unknown peer")
		return
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		m.log.WithFields(logrus.Fields{
			"peer":  fromPeer,
			"error": err.Error(),
		}).Warn("dropping malformed candidate")
		return
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(init); err != nil {
		m.log.WithFields(logrus.Fields{
			"peer":  fromPeer,
			"error": err.Error(),
		}).Debug("candidate rejected by connection")
	}
}

// HandlePeerLeft tears down the connection to a peer that left the room.
func (m *Manager) HandlePeerLeft(peerID string) {
	p := m.getPeer(peerID)
	if p == nil {
		return
	}
	m.log.WithField("peer", peerID).Info("peer left, tearing down connection")
	m.teardownPeer(p, PeerStateClosed)
}

// DisconnectPeer closes the connection to one peer. Idempotent.
func (m *Manager) DisconnectPeer(peerID string) {
	if p := m.getPeer(peerID); p != nil {
		m.teardownPeer(p, PeerStateClosed)
	}
}

// Close tears down every peer and stops the engine.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
	})

	m.peerMu.Lock()
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.peerMu.Unlock()

	for _, p := range peers {
		m.teardownPeer(p, PeerStateClosed)
	}
}

func (m *Manager) getPeer(peerID string) *peer {
	m.peerMu.Lock()
	defer m.peerMu.Unlock()
	return m.peers[peerID]
}

// newPeer builds the connection object and registers its lifecycle hooks.
// Caller holds peerMu.
func (m *Manager) newPeer(peerID string, initiator bool) (*peer, error) {
	pc, err := m.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create peer connection for %s: %w", peerID, err)
	}

	p := &peer{
		id:        peerID,
		pc:        pc,
		conn:      PeerStateNew,
		chState:   ChannelNone,
		initiator: initiator,
		drained:   make(chan struct{}, 1),
		chOpen:    make(chan struct{}),
		closed:    make(chan struct{}),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		signaler, err := m.getSignaler()
		if err != nil {
			return
		}
		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			m.reportError(fmt.Errorf("marshal candidate for %s: %w", peerID, err))
			return
		}
		if err := signaler.SendCandidate(peerID, payload); err != nil {
			m.log.WithFields(logrus.Fields{
				"peer":  peerID,
				"error": err.Error(),
			}).Warn("forwarding candidate failed")
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.handleConnectionState(p, state)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			m.log.WithFields(logrus.Fields{
				"peer":  peerID,
				"label": dc.Label(),
			}).Warn("ignoring unexpected data channel")
			return
		}
		m.wireChannel(p, dc)
	})

	return p, nil
}

func (m *Manager) newPeerConnection() (*webrtc.PeerConnection, error) {
	var servers []webrtc.ICEServer
	for _, url := range m.options.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	settings := webrtc.SettingEngine{}
	settings.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// wireChannel adapts the data channel, arms flow control and hooks the
// transfer dispatcher. Used for both self-created and inbound channels.
func (m *Manager) wireChannel(p *peer, dc *webrtc.DataChannel) {
	channel := newDataChannel(dc)

	p.mu.Lock()
	p.channel = channel
	p.chState = ChannelConnecting
	p.mu.Unlock()

	channel.SetBufferedAmountLowThreshold(m.options.LowWatermark)
	channel.OnBufferedAmountLow(func() {
		select {
		case p.drained <- struct{}{}:
		default:
		}
	})

	channel.OnMessage(func(msg ChannelMessage) {
		m.dispatchChannelMessage(p.id, msg)
	})

	channel.OnClose(func() {
		p.mu.Lock()
		p.chState = ChannelClosed
		p.mu.Unlock()
		m.log.WithField("peer", p.id).Info("data channel closed")
		m.teardownPeer(p, PeerStateClosed)
	})

	dc.OnOpen(func() {
		p.mu.Lock()
		p.chState = ChannelOpen
		p.mu.Unlock()
		m.log.WithField("peer", p.id).Info("data channel open")
		select {
		case <-p.chOpen:
		default:
			close(p.chOpen)
		}
	})
}

func (m *Manager) handleConnectionState(p *peer, state webrtc.PeerConnectionState) {
	mapped := mapConnectionState(state)

	p.mu.Lock()
	p.conn = mapped
	p.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"peer":  p.id,
		"state": string(mapped),
	}).Info("peer connection state changed")

	if m.options.OnPeerState != nil {
		m.options.OnPeerState(p.id, mapped)
	}

	switch mapped {
	case PeerStateFailed:
		m.teardownPeer(p, PeerStateFailed)
	case PeerStateClosed:
		m.teardownPeer(p, PeerStateClosed)
	}
}

func mapConnectionState(state webrtc.PeerConnectionState) PeerConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return PeerStateNew
	case webrtc.PeerConnectionStateConnecting:
		return PeerStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return PeerStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return PeerStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerStateFailed
	default:
		return PeerStateClosed
	}
}

// flushPendingCandidates applies candidates queued before the remote
// description was set.
func (m *Manager) flushPendingCandidates(p *peer) {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, init := range pending {
		if err := p.pc.AddICECandidate(init); err != nil {
			m.log.WithFields(logrus.Fields{
				"peer":  p.id,
				"error": err.Error(),
			}).Debug("queued candidate rejected by connection")
		}
	}
}

// teardownPeer closes the channel and connection, removes the record and
// purges that peer's in-flight incoming transfer state. Idempotent.
func (m *Manager) teardownPeer(p *peer, terminal PeerConnectionState) {
	p.mu.Lock()
	select {
	case <-p.closed:
		p.mu.Unlock()
		return
	default:
		close(p.closed)
	}
	channel := p.channel
	p.conn = terminal
	if channel != nil {
		p.chState = ChannelClosed
	}
	p.mu.Unlock()

	if channel != nil {
		_ = channel.Close()
	}
	if p.pc != nil {
		_ = p.pc.Close()
	}

	m.peerMu.Lock()
	if current, ok := m.peers[p.id]; ok && current == p {
		delete(m.peers, p.id)
	}
	m.peerMu.Unlock()

	m.purgePeerTransfers(p.id)

	m.log.WithFields(logrus.Fields{
		"peer":  p.id,
		"state": string(terminal),
	}).Info("peer torn down")
}

func (m *Manager) removePeerLocked(p *peer) {
	delete(m.peers, p.id)
	go m.teardownPeer(p, PeerStateClosed)
}

// sendLock returns the per-peer lock serializing whole-file sends.
func (m *Manager) sendLock(peerID string) *sync.Mutex {
	m.sendLockMu.Lock()
	defer m.sendLockMu.Unlock()
	lock, ok := m.sendLocks[peerID]
	if !ok {
		lock = &sync.Mutex{}
		m.sendLocks[peerID] = lock
	}
	return lock
}

// dispatchChannelMessage routes one inbound frame. Errors here are scoped
// to a single transfer and never stop dispatch.
func (m *Manager) dispatchChannelMessage(peerID string, msg ChannelMessage) {
	if msg.Binary {
		m.handleChunkFrame(peerID, msg.Data)
		return
	}

	control, err := DecodeControlMessage(msg.Data)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"peer":  peerID,
			"error": err.Error(),
		}).Warn("dropping malformed control message")
		return
	}

	switch {
	case control.Meta != nil:
		m.handleMeta(peerID, *control.Meta)
	case control.Complete != nil:
		m.handleComplete(peerID, *control.Complete)
	case control.Cancel != nil:
		m.handleCancel(peerID, *control.Cancel)
	case control.BatchStart != nil:
		m.handleBatchStart(peerID, *control.BatchStart)
	case control.BatchEnd != nil:
		m.handleBatchEnd(peerID, *control.BatchEnd)
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	if m.options.OnError != nil {
		m.options.OnError(err)
	}
}

func boolPtr(v bool) *bool { return &v }
