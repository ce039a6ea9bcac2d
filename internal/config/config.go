package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the per-session ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Server  Server  `toml:"server"`
	Sync    Sync    `toml:"sync"`
	Typing  Typing  `toml:"typing"`
	Pinning Pinning `toml:"pinning"`
}

// Server holds endpoints and credentials for the chat backend.
type Server struct {
	WebSocketURL string `toml:"websocket_url"`
	APIBaseURL   string `toml:"api_base_url"`
	Token        string `toml:"token"`
}

// Sync tunes reconnection, send and pagination behavior.
type Sync struct {
	BackoffBase       duration `toml:"backoff_base"`
	BackoffCap        duration `toml:"backoff_cap"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	SendAckTimeout    duration `toml:"send_ack_timeout"`
	PageSize          int      `toml:"page_size"`
	// DedupeWindow is the assumed server-side TTL for client_msg_id
	// deduplication. Queued sends older than this are not auto-flushed
	// after reconnect; they are marked failed for an explicit retry.
	DedupeWindow duration `toml:"dedupe_window"`
}

// Typing tunes outbound debounce and inbound expiry of typing signals.
type Typing struct {
	Debounce      duration `toml:"debounce"`
	IdleStop      duration `toml:"idle_stop"`
	PeerTTL       duration `toml:"peer_ttl"`
	SweepInterval duration `toml:"sweep_interval"`
}

// Pinning caps how many rooms of each type may be pinned, enforced
// client-side before any round trip.
type Pinning struct {
	MaxGroupRooms  int `toml:"max_group_rooms"`
	MaxDirectRooms int `toml:"max_direct_rooms"`
}

// duration wraps time.Duration so TOML values can be written as "30s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file exists. The limits
// mirror the server's documented policy caps.
func Default() *Config {
	return &Config{
		Sync: Sync{
			BackoffBase:       duration(time.Second),
			BackoffCap:        duration(30 * time.Second),
			HeartbeatInterval: duration(30 * time.Second),
			SendAckTimeout:    duration(15 * time.Second),
			PageSize:          50,
			DedupeWindow:      duration(24 * time.Hour),
		},
		Typing: Typing{
			Debounce:      duration(3 * time.Second),
			IdleStop:      duration(5 * time.Second),
			PeerTTL:       duration(8 * time.Second),
			SweepInterval: duration(2 * time.Second),
		},
		Pinning: Pinning{
			MaxGroupRooms:  2,
			MaxDirectRooms: 3,
		},
	}
}

// Load reads config from the given path, applying defaults for any section
// the file omits. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the sync core cannot operate with.
func (c *Config) Validate() error {
	if c.Sync.BackoffBase.Duration() <= 0 {
		return fmt.Errorf("sync.backoff_base must be positive, got %s", c.Sync.BackoffBase.Duration())
	}
	if c.Sync.BackoffCap.Duration() < c.Sync.BackoffBase.Duration() {
		return fmt.Errorf("sync.backoff_cap %s below sync.backoff_base %s",
			c.Sync.BackoffCap.Duration(), c.Sync.BackoffBase.Duration())
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive, got %d", c.Sync.PageSize)
	}
	if c.Typing.PeerTTL.Duration() <= 0 {
		return fmt.Errorf("typing.peer_ttl must be positive, got %s", c.Typing.PeerTTL.Duration())
	}
	if c.Pinning.MaxGroupRooms < 0 || c.Pinning.MaxDirectRooms < 0 {
		return fmt.Errorf("pinning caps must not be negative")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
