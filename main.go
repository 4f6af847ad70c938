package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"fluxfile/config"
	"fluxfile/discovery"
	"fluxfile/network"
	"fluxfile/signaling"
	"fluxfile/storage"
)

func main() {
	relayFlag := flag.String("relay", "", "signaling relay URL (overrides config)")
	roomFlag := flag.String("room", "", "signaling room to join (overrides config)")
	downloadFlag := flag.String("download-dir", "", "directory for received files (overrides config)")
	sendFlag := flag.String("send", "", "send a file after connecting: <peer-id>=<path>")
	sendFolderFlag := flag.String("send-folder", "", "send a folder after connecting: <peer-id>=<path>")
	verboseFlag := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verboseFlag {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	if *relayFlag != "" {
		cfg.RelayURL = *relayFlag
	}
	if *roomFlag != "" {
		cfg.RoomID = *roomFlag
	}
	if *downloadFlag != "" {
		cfg.DownloadDir = *downloadFlag
	}

	fmt.Printf("Peer ID:         %s\n", cfg.PeerID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Relay:           %s\n", cfg.RelayURL)
	fmt.Printf("Room:            %s\n", cfg.RoomID)
	fmt.Printf("Download Dir:    %s\n", cfg.DownloadDir)
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	manager, err := network.NewManager(network.ManagerOptions{
		PeerID:        cfg.PeerID,
		DownloadDir:   cfg.DownloadDir,
		ChunkSize:     cfg.ChunkSize,
		HighWatermark: cfg.HighWatermark,
		LowWatermark:  cfg.LowWatermark,
		STUNServers:   cfg.STUNServers,
		Store:         store,
		OnFileProgress: func(p network.TransferProgress) {
			if p.Status != network.StatusActive {
				log.Printf("transfer %s %s %q: %s (%d/%d bytes)",
					p.Direction, p.ID, p.Name, p.Status, p.BytesDone, p.TotalBytes)
			}
		},
		OnFolderProgress: func(p network.FolderProgress) {
			if p.Status != network.StatusActive {
				log.Printf("folder %s %s %q: %s (%d/%d files)",
					p.Direction, p.BatchID, p.FolderName, p.Status, p.CompletedFiles, p.TotalFiles)
			}
		},
		OnFileReceived: func(file network.ReceivedFile) {
			log.Printf("received %q from %s -> %s", file.Name, file.FromPeer, file.Path)
		},
		OnFolderReceived: func(batchID, folderName string, files map[string]network.ReceivedFile) {
			log.Printf("received folder %q (%d files) from batch %s", folderName, len(files), batchID)
		},
		OnPeerState: func(peerID string, state network.PeerConnectionState) {
			log.Printf("peer %s: %s", peerID, state)
		},
		OnError: func(err error) {
			log.Printf("engine error: %v", err)
		},
	})
	if err != nil {
		log.Fatalf("startup failed while creating transfer engine: %v", err)
	}
	defer manager.Close()

	client, err := signaling.NewClient(signaling.Options{
		RelayURL: cfg.RelayURL,
		PeerID:   cfg.PeerID,
		RoomID:   cfg.RoomID,
		Callbacks: signaling.Callbacks{
			OnRoomMembers: func(members []string) {
				log.Printf("room members: %v", members)
			},
			OnPeerJoined: func(peerID string) {
				log.Printf("peer joined room: %s", peerID)
			},
			OnPeerLeft: func(peerID string) {
				manager.HandlePeerLeft(peerID)
			},
			OnOffer: func(fromPeer string, sdp json.RawMessage) {
				manager.HandleOffer(fromPeer, sdp)
			},
			OnAnswer: func(fromPeer string, sdp json.RawMessage) {
				manager.HandleAnswer(fromPeer, sdp)
			},
			OnCandidate: func(fromPeer string, candidate json.RawMessage) {
				manager.HandleCandidate(fromPeer, candidate)
			},
			OnRelayError: func(message string) {
				log.Printf("relay error: %s", message)
			},
			OnDisconnect: func(err error) {
				log.Printf("relay disconnected: %v", err)
			},
		},
	})
	if err != nil {
		log.Fatalf("startup failed while creating signaling client: %v", err)
	}
	manager.SetSignaler(client)

	if err := client.Connect(); err != nil {
		log.Fatalf("startup failed while connecting to relay: %v", err)
	}
	defer client.Disconnect()
	fmt.Println("Signaling:       connected")

	discoveryService, err := discovery.Start(discovery.Config{
		SelfPeerID: cfg.PeerID,
		DeviceName: cfg.DeviceName,
		RoomID:     cfg.RoomID,
	})
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer discoveryService.Stop()
		fmt.Println("Discovery:       running")
		go logDiscoveryEvents(discoveryService.Scanner.Events())
	}

	if *sendFlag != "" {
		go runSend(manager, *sendFlag, false)
	}
	if *sendFolderFlag != "" {
		go runSend(manager, *sendFolderFlag, true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// runSend parses "<peer-id>=<path>", connects to the peer and starts the
// transfer.
func runSend(manager *network.Manager, spec string, folder bool) {
	peerID, path, ok := splitSendSpec(spec)
	if !ok {
		log.Printf("invalid send argument %q, expected <peer-id>=<path>", spec)
		return
	}

	if err := manager.ConnectToPeer(peerID); err != nil {
		log.Printf("connect to %s failed: %v", peerID, err)
		return
	}

	if folder {
		batchID, err := manager.SendFolder(peerID, path)
		if err != nil {
			log.Printf("send folder %q to %s failed: %v", path, peerID, err)
			return
		}
		log.Printf("sending folder %q to %s as batch %s", path, peerID, batchID)
		return
	}

	transferID, err := manager.SendFile(peerID, path)
	if err != nil {
		log.Printf("send %q to %s failed: %v", path, peerID, err)
		return
	}
	log.Printf("sending %q to %s as transfer %s", path, peerID, transferID)
}

func splitSendSpec(spec string) (peerID, path string, ok bool) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '=' {
			if i == 0 || i == len(spec)-1 {
				return "", "", false
			}
			return spec[:i], spec[i+1:], true
		}
	}
	return "", "", false
}

func logDiscoveryEvents(events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventPeerUpserted:
			log.Printf("discovery: peer available id=%s name=%q room=%s",
				event.Peer.PeerID, event.Peer.DeviceName, event.Peer.RoomID)
		case discovery.EventPeerRemoved:
			log.Printf("discovery: peer removed id=%s", event.Peer.PeerID)
		default:
			log.Printf("discovery: event=%s id=%s", event.Type, event.Peer.PeerID)
		}
	}
}
