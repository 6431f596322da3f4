package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/gpsdash/internal/gps"
	"github.com/shaunagostinho/gpsdash/internal/gpsd"
	"github.com/shaunagostinho/gpsdash/internal/relay"
)

const defaultConfigPath = "/etc/gpsdash/config.yaml"

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	GPS     GPSConfig     `yaml:"gps" json:"gps"`
	Display DisplayConfig `yaml:"display" json:"display"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Relay   relay.Config  `yaml:"relay" json:"relay"`

	path string // file path for save/load
}

type GPSConfig struct {
	Type   string         `yaml:"type" json:"type"` // "gpsd", "nmea", "demo" or "disabled"
	Gpsd   gps.GpsdConfig `yaml:"gpsd" json:"gpsd"`
	Serial gps.NMEAConfig `yaml:"serial" json:"serial"`
	PollHz int            `yaml:"poll_hz" json:"pollHz"`
}

type DisplayConfig struct {
	Units  UnitsConfig `yaml:"units" json:"units"`
	Layout string      `yaml:"layout" json:"layout"` // "map", "speed", "minimal"
	// SpeedWarn highlights the speed readout above this many km/h; 0 disables.
	SpeedWarn float64 `yaml:"speed_warn" json:"speedWarn"`
}

type UnitsConfig struct {
	Speed    string `yaml:"speed" json:"speed"`       // "kph" or "mph"
	Altitude string `yaml:"altitude" json:"altitude"` // "m" or "ft"
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // logrus level name
	Format string `yaml:"format" json:"format"` // "text" or "json"

	// CSV track recording
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		GPS: GPSConfig{
			Type: "gpsd",
			Gpsd: gps.GpsdConfig{Session: gpsd.DefaultConfig()},
			Serial: gps.NMEAConfig{
				PortPath: "/dev/ttyGPS",
				BaudRate: 9600,
				Parity:   gpsd.ParityNone,
				StopBits: 1,
			},
			PollHz: 10,
		},
		Display: DisplayConfig{
			Units:  UnitsConfig{Speed: "kph", Altitude: "m"},
			Layout: "map",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Enabled:  false,
			Path:     "/var/log/gpsdash",
			Interval: 100,
		},
		Server:  ServerConfig{ListenAddr: ":8080"},
		Metrics: MetricsConfig{Enabled: true},
		Relay: relay.Config{
			Addr:    "localhost:6379",
			Channel: "gpsd",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		logrus.Infof("no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		logrus.WithError(err).Warnf("error parsing %s, using defaults", path)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		logrus.Infof("config loaded from %s", path)
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}
	cfg.applyEnvOverrides()
	return cfg
}

// Path is the file Save writes to.
func (c *Config) Path() string { return c.path }

// Validate rejects settings the application cannot start with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.GPS.Type {
	case "gpsd", "nmea", "demo", "disabled":
	default:
		return fmt.Errorf("config: unknown gps type %q", c.GPS.Type)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}
	return nil
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already set in the real environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	logrus.Infof("loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GPS_TYPE"); v != "" {
		c.GPS.Type = v
	}
	if v := os.Getenv("GPSD_ADDR"); v != "" {
		c.GPS.Gpsd.Session.Address = v
	}
	if v := os.Getenv("GPSD_DEVICE"); v != "" {
		c.GPS.Gpsd.Device = v
	}
	if v := os.Getenv("GPS_PORT"); v != "" {
		c.GPS.Serial.PortPath = v
	}
	if v := os.Getenv("GPS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("SPEED_UNIT"); v != "" {
		c.Display.Units.Speed = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = envBool(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = envBool(v)
	}
	// Naming a redis server turns the relay on.
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Relay.Addr = v
		c.Relay.Enabled = true
	}
	if v := os.Getenv("REDIS_CHANNEL"); v != "" {
		c.Relay.Channel = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = defaultConfigPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// DisplaySnapshot copies the display settings for a client frame.
func (c *Config) DisplaySnapshot() *DisplayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := c.Display
	return &d
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. Nested maps are merged
// rather than replaced; any other value in src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
