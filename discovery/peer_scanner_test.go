package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestPeerScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfPeerID:      "self-peer",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-peer", "Self", "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Bob", "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "Carol", "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].PeerID == "peer-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.ListPeers()) == 2
	})
}

func TestPeerScannerRemovalEvent(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfPeerID:      "self-peer",
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("peer-1", "Bob", "10.0.0.2")
				entries <- testServiceEntry("peer-2", "Carol", "10.0.0.3")
			} else {
				entries <- testServiceEntry("peer-2", "Carol", "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].PeerID == "peer-2"
	})

	if !waitForEvent(scanner.Events(), EventPeerRemoved, "peer-1", 2*time.Second) {
		t.Fatalf("expected peer removal event for peer-1")
	}
}

func TestPeerScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		SelfPeerID:      "self-peer",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Bob", "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].PeerID == "peer-1"
	})
}

func TestParseEntryReadsRoomAndFiltersSelf(t *testing.T) {
	entry := testServiceEntry("peer-9", "Dave", "10.0.0.9")
	peer, ok := parseEntry(entry, "someone-else")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if peer.PeerID != "peer-9" || peer.RoomID != "room-1" || peer.DeviceName != "Dave" {
		t.Fatalf("unexpected parsed peer: %+v", peer)
	}

	if _, ok := parseEntry(entry, "peer-9"); ok {
		t.Fatalf("own advertisement must be filtered out")
	}

	if _, ok := parseEntry(&zeroconf.ServiceEntry{Text: []string{"version=1"}}, "x"); ok {
		t.Fatalf("entry without peer_id must be rejected")
	}
}

func testServiceEntry(peerID, instance, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     DefaultAdvertisePort,
		Text: []string{
			"peer_id=" + peerID,
			"room_id=room-1",
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, peerID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event := <-events:
			if event.Type == eventType && event.Peer.PeerID == peerID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
