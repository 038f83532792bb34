// Package config loads the playback daemon configuration.
//
// Values come from Default, then an optional YAML file, then command-line
// flags applied by main. Load validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edumarques81/stellar-playback/internal/domain/artwork"
	"github.com/edumarques81/stellar-playback/internal/domain/clocksync"
	"github.com/edumarques81/stellar-playback/internal/domain/player"
	"github.com/edumarques81/stellar-playback/internal/domain/quality"
	"github.com/edumarques81/stellar-playback/internal/domain/queue"
	"github.com/edumarques81/stellar-playback/internal/infra/cache"
	"github.com/edumarques81/stellar-playback/internal/transport/socketio"
)

// Config is the daemon configuration.
type Config struct {
	Listen      string           `yaml:"listen"`
	Debug       bool             `yaml:"debug"`
	Catalog     string           `yaml:"catalog"`
	Database    string           `yaml:"database"`
	MPD         MPDConfig        `yaml:"mpd"`
	Player      PlayerConfig     `yaml:"player"`
	Quality     QualityConfig    `yaml:"quality"`
	Queue       QueueConfig      `yaml:"queue"`
	ClockSync   ClockSyncConfig  `yaml:"clockSync"`
	Socket      SocketConfig     `yaml:"socket"`
	Thumbnails  ThumbnailConfig  `yaml:"thumbnails"`
	Entitlement EntitlementLevel `yaml:"entitlement"`
}

// MPDConfig locates the MPD instance used as the playback engine.
type MPDConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

// PlayerConfig tunes session behaviour.
type PlayerConfig struct {
	DefaultQuality int           `yaml:"defaultQuality"`
	ResolveTimeout time.Duration `yaml:"resolveTimeout"`
	Overlay        bool          `yaml:"overlay"`
}

// QualityConfig holds the quality gate thresholds.
type QualityConfig struct {
	AuthThreshold        int `yaml:"authThreshold"`
	EntitlementThreshold int `yaml:"entitlementThreshold"`
	Baseline             int `yaml:"baseline"`
}

// QueueConfig tunes shuffle history.
type QueueConfig struct {
	HistoryWindow int `yaml:"historyWindow"`
	HistoryLimit  int `yaml:"historyLimit"`
}

// ClockSyncConfig tunes the overlay reconciliation loop.
type ClockSyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	DriftThreshold time.Duration `yaml:"driftThreshold"`
	ResumeAttempts int           `yaml:"resumeAttempts"`
	ResumeBackoff  time.Duration `yaml:"resumeBackoff"`
}

// SocketConfig tunes the Socket.IO transport.
type SocketConfig struct {
	PublishWindow      time.Duration `yaml:"publishWindow"`
	MaxExternalClients int           `yaml:"maxExternalClients"`
}

// ThumbnailConfig tunes notification artwork fetching.
type ThumbnailConfig struct {
	Size  int     `yaml:"size"`
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// EntitlementLevel is the capability tier the daemon plays with.
type EntitlementLevel string

const (
	LevelAnonymous     EntitlementLevel = "anonymous"
	LevelAuthenticated EntitlementLevel = "authenticated"
	LevelEntitled      EntitlementLevel = "entitled"
)

// Entitlement converts the level for the player.
func (l EntitlementLevel) Entitlement() player.Entitlement {
	switch l {
	case LevelEntitled:
		return player.Entitlement{Authenticated: true, Entitled: true}
	case LevelAuthenticated:
		return player.Entitlement{Authenticated: true}
	default:
		return player.Entitlement{}
	}
}

// Default returns the built-in configuration.
func Default() Config {
	clock := clocksync.DefaultConfig()
	policy := quality.DefaultPolicy()
	return Config{
		Listen:   ":3002",
		Catalog:  "catalog.yaml",
		Database: cache.DefaultDBPath,
		MPD: MPDConfig{
			Host: "localhost",
			Port: 6600,
		},
		Player: PlayerConfig{
			DefaultQuality: player.DefaultQualityID,
			ResolveTimeout: player.DefaultResolveTimeout,
			Overlay:        true,
		},
		Quality: QualityConfig{
			AuthThreshold:        policy.AuthThreshold,
			EntitlementThreshold: policy.EntitlementThreshold,
			Baseline:             policy.BaselineID,
		},
		Queue: QueueConfig{
			HistoryWindow: queue.DefaultHistoryWindow,
			HistoryLimit:  queue.DefaultHistoryLimit,
		},
		ClockSync: ClockSyncConfig{
			Interval:       clock.Interval,
			DriftThreshold: clock.DriftThreshold,
			ResumeAttempts: clock.ResumeAttempts,
			ResumeBackoff:  clock.ResumeBackoff,
		},
		Socket: SocketConfig{
			PublishWindow:      socketio.DefaultPublishWindow,
			MaxExternalClients: socketio.DefaultMaxExternalClients,
		},
		Thumbnails: ThumbnailConfig{
			Size:  int(artwork.ThumbMedium),
			Rate:  artwork.DefaultRate,
			Burst: artwork.DefaultBurst,
		},
		Entitlement: LevelAnonymous,
	}
}

// Load reads path on top of Default and validates the result. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return cfg, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Decode(data, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Decode merges a YAML document into cfg. Unknown keys are rejected.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("config file contains multiple documents or trailing content")
	}
	return nil
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen %q: %w", c.Listen, err))
	}
	if c.Catalog == "" {
		errs = append(errs, errors.New("catalog path is required"))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.MPD.Host == "" {
		errs = append(errs, errors.New("mpd host is required"))
	}
	if c.MPD.Port <= 0 || c.MPD.Port > 65535 {
		errs = append(errs, fmt.Errorf("mpd port %d out of range", c.MPD.Port))
	}
	if c.Player.DefaultQuality <= 0 {
		errs = append(errs, fmt.Errorf("default quality %d must be positive", c.Player.DefaultQuality))
	}
	if c.Player.ResolveTimeout <= 0 {
		errs = append(errs, errors.New("resolve timeout must be positive"))
	}
	if c.Quality.AuthThreshold <= 0 || c.Quality.EntitlementThreshold < c.Quality.AuthThreshold {
		errs = append(errs, fmt.Errorf("quality thresholds auth=%d entitlement=%d: entitlement must not be below auth",
			c.Quality.AuthThreshold, c.Quality.EntitlementThreshold))
	}
	if c.Quality.Baseline <= 0 || c.Quality.Baseline > c.Quality.AuthThreshold {
		errs = append(errs, fmt.Errorf("quality baseline %d must be positive and not above the auth threshold", c.Quality.Baseline))
	}
	if c.Queue.HistoryWindow < 0 || c.Queue.HistoryLimit < 1 {
		errs = append(errs, errors.New("queue history window must not be negative and limit must be positive"))
	}
	if c.ClockSync.Interval <= 0 || c.ClockSync.DriftThreshold <= 0 {
		errs = append(errs, errors.New("clock sync interval and drift threshold must be positive"))
	}
	if c.ClockSync.ResumeAttempts < 1 {
		errs = append(errs, errors.New("clock sync resume attempts must be at least 1"))
	}
	if c.ClockSync.ResumeBackoff < 0 {
		errs = append(errs, errors.New("clock sync resume backoff must not be negative"))
	}
	if c.Socket.PublishWindow <= 0 {
		errs = append(errs, errors.New("socket publish window must be positive"))
	}
	if c.Socket.MaxExternalClients < 0 {
		errs = append(errs, errors.New("socket max external clients must not be negative"))
	}
	if c.Thumbnails.Size < 0 {
		errs = append(errs, errors.New("thumbnail size must not be negative"))
	}
	if c.Thumbnails.Rate <= 0 || c.Thumbnails.Burst < 1 {
		errs = append(errs, errors.New("thumbnail rate and burst must be positive"))
	}
	switch c.Entitlement {
	case LevelAnonymous, LevelAuthenticated, LevelEntitled:
	default:
		errs = append(errs, fmt.Errorf("unknown entitlement %q", c.Entitlement))
	}
	return errors.Join(errs...)
}

// Policy returns the quality gate thresholds.
func (c Config) Policy() quality.Policy {
	return quality.Policy{
		AuthThreshold:        c.Quality.AuthThreshold,
		EntitlementThreshold: c.Quality.EntitlementThreshold,
		BaselineID:           c.Quality.Baseline,
	}
}

// NewQueue creates the queue manager with the configured shuffle history.
func (c Config) NewQueue() *queue.Manager {
	return queue.NewManager(
		queue.WithHistoryWindow(c.Queue.HistoryWindow),
		queue.WithHistoryLimit(c.Queue.HistoryLimit),
	)
}

// ClockSyncParams returns the overlay loop parameters.
func (c Config) ClockSyncParams() clocksync.Config {
	return clocksync.Config{
		Interval:       c.ClockSync.Interval,
		DriftThreshold: c.ClockSync.DriftThreshold,
		ResumeAttempts: c.ClockSync.ResumeAttempts,
		ResumeBackoff:  c.ClockSync.ResumeBackoff,
	}
}
