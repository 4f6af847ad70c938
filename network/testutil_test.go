package network

import (
	"sync"
	"testing"
	"time"
)

// fakeChannel is an in-process Channel. Sends are recorded and optionally
// delivered synchronously to a remote dispatcher, which makes two
// managers talk without any transport underneath.
type fakeChannel struct {
	mu           sync.Mutex
	state        ChannelState
	buffered     uint64
	lowThreshold uint64
	sent         []ChannelMessage

	onMessage func(ChannelMessage)
	onLow     func()
	onClose   func()

	deliverTo func(ChannelMessage)
	sendErr   error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{state: ChannelOpen}
}

func (c *fakeChannel) Label() string { return dataChannelLabel }

func (c *fakeChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) SendBinary(data []byte) error {
	return c.send(ChannelMessage{Binary: true, Data: append([]byte(nil), data...)})
}

func (c *fakeChannel) SendText(data []byte) error {
	return c.send(ChannelMessage{Binary: false, Data: append([]byte(nil), data...)})
}

func (c *fakeChannel) send(msg ChannelMessage) error {
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, msg)
	deliver := c.deliverTo
	c.mu.Unlock()

	if deliver != nil {
		deliver(msg)
	}
	return nil
}

func (c *fakeChannel) sentMessages() []ChannelMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChannelMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeChannel) setBuffered(amount uint64) {
	c.mu.Lock()
	c.buffered = amount
	c.mu.Unlock()
}

func (c *fakeChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.mu.Lock()
	c.lowThreshold = threshold
	c.mu.Unlock()
}

func (c *fakeChannel) OnBufferedAmountLow(handler func()) {
	c.mu.Lock()
	c.onLow = handler
	c.mu.Unlock()
}

func (c *fakeChannel) OnMessage(handler func(ChannelMessage)) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(handler func()) {
	c.mu.Lock()
	c.onClose = handler
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.state = ChannelClosed
	c.mu.Unlock()
	return nil
}

// eventCollector records engine callbacks for assertions.
type eventCollector struct {
	mu        sync.Mutex
	files     []ReceivedFile
	folders   []string
	progress  []TransferProgress
	folderPrg []FolderProgress
	errors    []error
}

func (e *eventCollector) options(downloadDir string) ManagerOptions {
	return ManagerOptions{
		DownloadDir: downloadDir,
		OnFileProgress: func(p TransferProgress) {
			e.mu.Lock()
			e.progress = append(e.progress, p)
			e.mu.Unlock()
		},
		OnFolderProgress: func(p FolderProgress) {
			e.mu.Lock()
			e.folderPrg = append(e.folderPrg, p)
			e.mu.Unlock()
		},
		OnFileReceived: func(f ReceivedFile) {
			e.mu.Lock()
			e.files = append(e.files, f)
			e.mu.Unlock()
		},
		OnFolderReceived: func(batchID, folderName string, files map[string]ReceivedFile) {
			e.mu.Lock()
			e.folders = append(e.folders, batchID)
			e.mu.Unlock()
		},
		OnError: func(err error) {
			e.mu.Lock()
			e.errors = append(e.errors, err)
			e.mu.Unlock()
		},
	}
}

func (e *eventCollector) receivedFiles() []ReceivedFile {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ReceivedFile, len(e.files))
	copy(out, e.files)
	return out
}

func (e *eventCollector) receivedErrors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]error, len(e.errors))
	copy(out, e.errors)
	return out
}

func (e *eventCollector) lastStatus(transferID string) TransferStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	var status TransferStatus
	for _, p := range e.progress {
		if p.ID == transferID {
			status = p.Status
		}
	}
	return status
}

func newTestManager(t *testing.T, peerID string, collector *eventCollector) *Manager {
	t.Helper()

	opts := collector.options(t.TempDir())
	opts.PeerID = peerID
	manager, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(manager.Close)

	return manager
}

// injectPeer registers a connected peer backed by the given channel,
// bypassing the handshake.
func injectPeer(m *Manager, peerID string, channel Channel) *peer {
	p := &peer{
		id:        peerID,
		conn:      PeerStateConnected,
		channel:   channel,
		chState:   ChannelOpen,
		remoteSet: true,
		drained:   make(chan struct{}, 1),
		chOpen:    make(chan struct{}),
		closed:    make(chan struct{}),
	}
	close(p.chOpen)

	m.peerMu.Lock()
	m.peers[peerID] = p
	m.peerMu.Unlock()
	return p
}

// linkManagers wires a in both directions to b. Messages sent by a's
// channel land in b's dispatcher under a's peer id, and vice versa.
func linkManagers(a, b *Manager) (*fakeChannel, *fakeChannel) {
	chanAtoB := newFakeChannel()
	chanBtoA := newFakeChannel()

	chanAtoB.deliverTo = func(msg ChannelMessage) {
		b.dispatchChannelMessage(a.options.PeerID, msg)
	}
	chanBtoA.deliverTo = func(msg ChannelMessage) {
		a.dispatchChannelMessage(b.options.PeerID, msg)
	}

	injectPeer(a, b.options.PeerID, chanAtoB)
	injectPeer(b, a.options.PeerID, chanBtoA)

	return chanAtoB, chanBtoA
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", message)
}
