package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/stellarlinkco/pvedge/internal/logging"
)

const (
	DefaultVersion         = "1"
	DefaultUpstream        = "http://localhost:5173"
	DefaultPrefix          = "game-pv"
	DefaultBinaryExtension = ".wasm"
	DefaultBinaryMIME      = "application/wasm"
	DefaultAPIPrefix       = "/api/"
	DefaultOfflineDocument = "/offline.html"
	DefaultFetchWorkers    = 6
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 18790
	DefaultBufSize         = 100
	DefaultDriver          = DriverSQLite
	DefaultMaxGameEntries  = 300
	DefaultEvictCount      = 100
	DefaultMaintenance     = "@every 15m"
	DefaultInstallRetry    = "@every 5m"
	DefaultLogLevel        = "info"

	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

var (
	DefaultFontOrigins  = []string{"fonts.googleapis.com", "fonts.gstatic.com"}
	DefaultListingPaths = []string{"/api/games"}
)

type Config struct {
	Agent       AgentConfig       `json:"agent"`
	Gateway     GatewayConfig     `json:"gateway"`
	Storage     StorageConfig     `json:"storage"`
	Eviction    EvictionConfig    `json:"eviction"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Telemetry   TelemetryConfig   `json:"telemetry"`
	Log         LogConfig         `json:"log"`
}

type AgentConfig struct {
	// Version is the tag embedded in partition names: "1" gives game-pv-core-v1.
	Version  string `json:"version" env:"PVEDGE_VERSION"`
	Upstream string `json:"upstream" env:"PVEDGE_UPSTREAM"`
	// Origin is the public origin pages load from. Empty means Upstream.
	Origin          string   `json:"origin,omitempty" env:"PVEDGE_ORIGIN"`
	Prefix          string   `json:"prefix" env:"PVEDGE_PREFIX"`
	FontOrigins     []string `json:"fontOrigins" env:"PVEDGE_FONT_ORIGINS" envSeparator:","`
	BinaryExtension string   `json:"binaryExtension" env:"PVEDGE_BINARY_EXTENSION"`
	BinaryMIME      string   `json:"binaryMime" env:"PVEDGE_BINARY_MIME"`
	APIPrefix       string   `json:"apiPrefix" env:"PVEDGE_API_PREFIX"`
	ListingPaths    []string `json:"listingPaths" env:"PVEDGE_LISTING_PATHS" envSeparator:","`
	OfflineDocument string   `json:"offlineDocument" env:"PVEDGE_OFFLINE_DOCUMENT"`
	// ManifestPath points at a YAML asset manifest. Empty uses the built-in one.
	ManifestPath string `json:"manifestPath,omitempty" env:"PVEDGE_MANIFEST"`
	FetchWorkers int    `json:"fetchWorkers" env:"PVEDGE_FETCH_WORKERS"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"PVEDGE_HOST"`
	Port int    `json:"port" env:"PVEDGE_PORT"`
	// AllowedOrigins restricts which page origins may open the websocket.
	AllowedOrigins []string `json:"allowedOrigins,omitempty" env:"PVEDGE_ALLOWED_ORIGINS" envSeparator:","`
}

type StorageConfig struct {
	Driver string `json:"driver" env:"PVEDGE_STORAGE_DRIVER"`
	DBPath string `json:"dbPath,omitempty" env:"PVEDGE_DB_PATH"`
}

type EvictionConfig struct {
	MaxGameEntries int `json:"maxGameEntries" env:"PVEDGE_MAX_GAME_ENTRIES"`
	EvictCount     int `json:"evictCount" env:"PVEDGE_EVICT_COUNT"`
}

type MaintenanceConfig struct {
	Schedule     string `json:"schedule" env:"PVEDGE_MAINTENANCE_SCHEDULE"`
	InstallRetry string `json:"installRetry" env:"PVEDGE_INSTALL_RETRY"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlpEndpoint,omitempty" env:"PVEDGE_OTLP_ENDPOINT"`
	Metrics      bool   `json:"metrics" env:"PVEDGE_METRICS"`
}

type LogConfig struct {
	Level   string `json:"level" env:"PVEDGE_LOG_LEVEL"`
	NoColor bool   `json:"noColor" env:"PVEDGE_LOG_NO_COLOR"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Version:         DefaultVersion,
			Upstream:        DefaultUpstream,
			Prefix:          DefaultPrefix,
			FontOrigins:     append([]string(nil), DefaultFontOrigins...),
			BinaryExtension: DefaultBinaryExtension,
			BinaryMIME:      DefaultBinaryMIME,
			APIPrefix:       DefaultAPIPrefix,
			ListingPaths:    append([]string(nil), DefaultListingPaths...),
			OfflineDocument: DefaultOfflineDocument,
			FetchWorkers:    DefaultFetchWorkers,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Storage: StorageConfig{
			Driver: DefaultDriver,
			DBPath: filepath.Join(ConfigDir(), "cache.db"),
		},
		Eviction: EvictionConfig{
			MaxGameEntries: DefaultMaxGameEntries,
			EvictCount:     DefaultEvictCount,
		},
		Maintenance: MaintenanceConfig{
			Schedule:     DefaultMaintenance,
			InstallRetry: DefaultInstallRetry,
		},
		Telemetry: TelemetryConfig{Metrics: true},
		Log:       LogConfig{Level: DefaultLogLevel},
	}
}

// ConfigDir is $PVEDGE_HOME, or ~/.pvedge.
func ConfigDir() string {
	if dir := os.Getenv("PVEDGE_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".pvedge")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// JobStatePath is where scheduled job state is kept.
func JobStatePath() string {
	return filepath.Join(ConfigDir(), "jobs.json")
}

// LoadConfig reads the config file over the defaults, then applies
// PVEDGE_* environment overrides.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.fillDefaults()
	return cfg, nil
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Agent.Prefix == "" {
		c.Agent.Prefix = d.Agent.Prefix
	}
	if len(c.Agent.FontOrigins) == 0 {
		c.Agent.FontOrigins = d.Agent.FontOrigins
	}
	if c.Agent.BinaryExtension == "" {
		c.Agent.BinaryExtension = d.Agent.BinaryExtension
	}
	if c.Agent.BinaryMIME == "" {
		c.Agent.BinaryMIME = d.Agent.BinaryMIME
	}
	if c.Agent.APIPrefix == "" {
		c.Agent.APIPrefix = d.Agent.APIPrefix
	}
	if c.Agent.OfflineDocument == "" {
		c.Agent.OfflineDocument = d.Agent.OfflineDocument
	}
	if c.Agent.FetchWorkers <= 0 {
		c.Agent.FetchWorkers = d.Agent.FetchWorkers
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = d.Storage.DBPath
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// OriginURL is the public origin pages load from.
func (c *Config) OriginURL() (*url.URL, error) {
	raw := c.Agent.Origin
	if raw == "" {
		raw = c.Agent.Upstream
	}
	return absoluteURL(raw)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Agent.Version) == "" {
		errs = append(errs, errors.New("agent.version is required"))
	}
	if _, err := absoluteURL(c.Agent.Upstream); err != nil {
		errs = append(errs, fmt.Errorf("agent.upstream: %w", err))
	}
	if c.Agent.Origin != "" {
		if _, err := absoluteURL(c.Agent.Origin); err != nil {
			errs = append(errs, fmt.Errorf("agent.origin: %w", err))
		}
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	switch c.Storage.Driver {
	case DriverSQLite, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be %q or %q", c.Storage.Driver, DriverSQLite, DriverMemory))
	}
	if c.Eviction.EvictCount <= 0 {
		errs = append(errs, fmt.Errorf("eviction.evictCount must be positive, got %d", c.Eviction.EvictCount))
	}
	if c.Eviction.MaxGameEntries <= c.Eviction.EvictCount {
		errs = append(errs, fmt.Errorf("eviction.maxGameEntries (%d) must exceed evictCount (%d)",
			c.Eviction.MaxGameEntries, c.Eviction.EvictCount))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

func absoluteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q must be an absolute URL", raw)
	}
	return u, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
