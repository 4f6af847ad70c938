// Package config persists per-user application settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "fluxfile"
	// DefaultRelayURL is the signaling relay used when no override exists.
	DefaultRelayURL = "ws://localhost:8000"
	// DefaultRoomID is the signaling room joined at startup.
	DefaultRoomID = "default"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// AppConfig contains persistent local settings.
type AppConfig struct {
	PeerID        string   `json:"peer_id"`
	DeviceName    string   `json:"device_name"`
	RelayURL      string   `json:"relay_url"`
	RoomID        string   `json:"room_id"`
	DownloadDir   string   `json:"download_dir"`
	ChunkSize     int      `json:"chunk_size,omitempty"`
	HighWatermark uint64   `json:"high_watermark,omitempty"`
	LowWatermark  uint64   `json:"low_watermark,omitempty"`
	STUNServers   []string `json:"stun_servers,omitempty"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If FLUXFILE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("FLUXFILE_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *AppConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*AppConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *AppConfig {
	deviceName := "FluxFile Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &AppConfig{
		PeerID:      uuid.NewString(),
		DeviceName:  deviceName,
		RelayURL:    DefaultRelayURL,
		RoomID:      DefaultRoomID,
		DownloadDir: filepath.Join(dataDir, "downloads"),
	}
}

func normalizeDefaults(cfg *AppConfig, dataDir string) bool {
	updated := false

	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "FluxFile Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
		updated = true
	}

	if cfg.RoomID == "" {
		cfg.RoomID = DefaultRoomID
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}

	if cfg.ChunkSize < 0 {
		cfg.ChunkSize = 0
		updated = true
	}

	return updated
}
