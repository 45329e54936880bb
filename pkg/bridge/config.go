package bridge

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// envPrefix is prepended when mapping a config key to its environment
// variable override, e.g. server_url -> ROCKETCHAT_SERVER_URL.
const envPrefix = "ROCKETCHAT_"

// ReconnectConfig bounds the supervisor's backoff between reconnect attempts.
type ReconnectConfig struct {
	Enabled           bool `yaml:"enabled"`
	MinBackoffSeconds int  `yaml:"min_backoff_seconds"`
	MaxBackoffSeconds int  `yaml:"max_backoff_seconds"`
}

// MinBackoff returns the initial reconnect delay.
func (r ReconnectConfig) MinBackoff() time.Duration {
	return time.Duration(r.MinBackoffSeconds) * time.Second
}

// MaxBackoff returns the backoff ceiling.
func (r ReconnectConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffSeconds) * time.Second
}

// HeartbeatConfig enables a periodic message to a room while the bridge is
// live, useful as a liveness signal for operators watching the channel.
type HeartbeatConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	RoomID          string `yaml:"room_id"`
}

// Interval returns the heartbeat cadence.
func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// OutboundConfig tunes the outbound dispatcher.
type OutboundConfig struct {
	QueueSize      int `yaml:"queue_size"`
	MaxAttempts    int `yaml:"max_attempts"`
	RetryDelayMS   int `yaml:"retry_delay_ms"`
	MaxMessageSize int `yaml:"max_message_size"`
}

// RetryDelay returns the base delay between outbound retries.
func (o OutboundConfig) RetryDelay() time.Duration {
	return time.Duration(o.RetryDelayMS) * time.Millisecond
}

// Config holds the bridge configuration.
type Config struct {
	ServerURL     string `yaml:"server_url"`
	LoginUsername string `yaml:"login_username"`
	LoginPassword string `yaml:"login_password"`
	// BotPrefix is a username prefix for echo prevention. Messages from any
	// username starting with this prefix are treated as bot-generated and
	// never handed to the inbound callback. Leave empty to disable.
	BotPrefix string `yaml:"bot_prefix"`
	// AdminRoomID is the room used for operator-facing notices and as the
	// default heartbeat target.
	AdminRoomID string `yaml:"admin_room_id"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Outbound  OutboundConfig  `yaml:"outbound"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates required fields and fills defaults. A malformed
// server URL is a fatal configuration error.
func (c *Config) PostProcess() error {
	if c.ServerURL == "" {
		return fmt.Errorf("missing config server_url")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server_url %q: want http(s)://host", c.ServerURL)
	}
	if c.LoginUsername == "" {
		return fmt.Errorf("missing config login_username")
	}
	if c.LoginPassword == "" {
		return fmt.Errorf("missing config login_password")
	}

	if c.Reconnect.MinBackoffSeconds <= 0 {
		c.Reconnect.MinBackoffSeconds = 1
	}
	if c.Reconnect.MaxBackoffSeconds <= 0 {
		c.Reconnect.MaxBackoffSeconds = 60
	}
	if c.Reconnect.MaxBackoffSeconds < c.Reconnect.MinBackoffSeconds {
		c.Reconnect.MaxBackoffSeconds = c.Reconnect.MinBackoffSeconds
	}
	if c.Heartbeat.IntervalSeconds <= 0 {
		c.Heartbeat.IntervalSeconds = 10
	}
	if c.Heartbeat.RoomID == "" {
		c.Heartbeat.RoomID = c.AdminRoomID
	}
	if c.Outbound.QueueSize <= 0 {
		c.Outbound.QueueSize = 256
	}
	if c.Outbound.MaxAttempts <= 0 {
		c.Outbound.MaxAttempts = 5
	}
	if c.Outbound.RetryDelayMS <= 0 {
		c.Outbound.RetryDelayMS = 500
	}
	if c.Outbound.MaxMessageSize <= 0 {
		// Rocket.Chat's default Message_MaxAllowedSize.
		c.Outbound.MaxMessageSize = 5000
	}
	if c.Heartbeat.Enabled && c.Heartbeat.RoomID == "" {
		return fmt.Errorf("heartbeat.enabled requires heartbeat.room_id or admin_room_id")
	}
	return nil
}

// ApplyEnvOverrides overlays ROCKETCHAT_* environment variables on top of
// file values. getenv is injectable for tests; pass os.Getenv in production.
func (c *Config) ApplyEnvOverrides(getenv func(string) string) {
	setStr := func(key string, dst *string) {
		if v := getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v := getenv(envPrefix + key); v != "" {
			*dst = parseBoolValue(v)
		}
	}
	setInt := func(key string, dst *int) {
		if v := getenv(envPrefix + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr("SERVER_URL", &c.ServerURL)
	setStr("LOGIN_USERNAME", &c.LoginUsername)
	setStr("LOGIN_PASSWORD", &c.LoginPassword)
	setStr("BOT_PREFIX", &c.BotPrefix)
	setStr("ADMIN_ROOM_ID", &c.AdminRoomID)
	setBool("RECONNECT_ENABLED", &c.Reconnect.Enabled)
	setInt("RECONNECT_MIN_BACKOFF_SECONDS", &c.Reconnect.MinBackoffSeconds)
	setInt("RECONNECT_MAX_BACKOFF_SECONDS", &c.Reconnect.MaxBackoffSeconds)
	setBool("HEARTBEAT_ENABLED", &c.Heartbeat.Enabled)
	setInt("HEARTBEAT_INTERVAL_SECONDS", &c.Heartbeat.IntervalSeconds)
	setStr("HEARTBEAT_ROOM_ID", &c.Heartbeat.RoomID)
	setInt("OUTBOUND_QUEUE_SIZE", &c.Outbound.QueueSize)
	setInt("OUTBOUND_MAX_ATTEMPTS", &c.Outbound.MaxAttempts)
}

// parseBoolValue treats '0', 'false' and 'no' (case-insensitive) as false,
// everything else as true.
func parseBoolValue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no":
		return false
	default:
		return true
	}
}

// LoadConfig reads a YAML config file, upgrades it onto the current example
// layout, applies environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	upgraded, err := upgradeConfigData(data)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(upgraded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyEnvOverrides(os.Getenv)
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// upgradeConfigData overlays the values of a user config onto the current
// example layout. Files written for older versions keep their values and
// pick up keys they predate with the example's defaults.
func upgradeConfigData(data []byte) ([]byte, error) {
	var baseNode yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &baseNode); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	var cfgNode yaml.Node
	if err := yaml.Unmarshal(data, &cfgNode); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	helper := up.NewHelper(&baseNode, &cfgNode)
	upgradeConfig(helper)
	out, err := yaml.Marshal(&baseNode)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize upgraded config: %w", err)
	}
	return out, nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "server_url")
	helper.Copy(up.Str, "login_username")
	helper.Copy(up.Str, "login_password")
	helper.Copy(up.Str, "bot_prefix")
	helper.Copy(up.Str, "admin_room_id")
	helper.Copy(up.Bool, "reconnect", "enabled")
	helper.Copy(up.Int, "reconnect", "min_backoff_seconds")
	helper.Copy(up.Int, "reconnect", "max_backoff_seconds")
	helper.Copy(up.Bool, "heartbeat", "enabled")
	helper.Copy(up.Int, "heartbeat", "interval_seconds")
	helper.Copy(up.Str, "heartbeat", "room_id")
	helper.Copy(up.Int, "outbound", "queue_size")
	helper.Copy(up.Int, "outbound", "max_attempts")
	helper.Copy(up.Int, "outbound", "retry_delay_ms")
	helper.Copy(up.Int, "outbound", "max_message_size")
}
