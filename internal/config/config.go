// Package config loads and validates mmrelay's YAML configuration document
// (§6) and resolves the credentials.json alternative to an inline access
// token.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// MinMessageDelay is the firmware-imposed floor for message_delay and
	// response_delay (§4.4, §8 boundary behaviors).
	MinMessageDelay = 2.1

	// MeshMTU is the firmware's soft text-payload limit in bytes (§6).
	MeshMTU = 200

	defaultMeshnetName     = "default"
	defaultPoolMaxConns    = 10
	defaultPoolMaxIdleTime = 300
	defaultPoolTimeout     = 30
	defaultOpenTimeout     = 60
	defaultHealthInterval  = 60
)

// Config is the top-level decoded configuration document.
type Config struct {
	Matrix      MatrixConfig            `yaml:"matrix"`
	MatrixRooms []MatrixRoom            `yaml:"matrix_rooms"`
	Meshtastic  MeshtasticConfig        `yaml:"meshtastic"`
	Database    DatabaseConfig          `yaml:"database"`
	Plugins     map[string]PluginConfig `yaml:"plugins"`
	Logging     LoggingConfig           `yaml:"logging"`

	// Unknown top-level keys are tolerated (§6: "unknown keys tolerated")
	// rather than rejected by KnownFields, but are still visible here so a
	// caller can warn about likely typos.
	Unknown map[string]yaml.Node `yaml:",inline"`
}

type E2EEConfig struct {
	Enabled   bool   `yaml:"enabled"`
	StorePath string `yaml:"store_path"`
}

type MatrixConfig struct {
	Homeserver  string     `yaml:"homeserver"`
	AccessToken string     `yaml:"access_token"`
	BotUserID   string     `yaml:"bot_user_id"`
	E2EE        E2EEConfig `yaml:"e2ee"`
}

type MatrixRoom struct {
	ID                string `yaml:"id"`
	MeshtasticChannel int    `yaml:"meshtastic_channel"`
}

type MeshtasticConfig struct {
	ConnectionType    string  `yaml:"connection_type"`
	SerialPort        string  `yaml:"serial_port"`
	Host              string  `yaml:"host"`
	BLEAddress        string  `yaml:"ble_address"`
	BroadcastEnabled  *bool   `yaml:"broadcast_enabled"`
	DetectionSensor   bool    `yaml:"detection_sensor"`
	MessageDelay      float64 `yaml:"message_delay"`
	ResponseDelay     float64 `yaml:"response_delay"`
	MeshnetName       string  `yaml:"meshnet_name"`
	Timeout           float64 `yaml:"timeout"`
	HealthInterval    float64 `yaml:"health_interval"`
}

type PoolConfig struct {
	Enabled       *bool `yaml:"enabled"`
	MaxConnection int   `yaml:"max_connections"`
	MaxIdleTime   int   `yaml:"max_idle_time"`
	Timeout       int   `yaml:"timeout"`
}

type MsgMapConfig struct {
	WipeOnRestart bool `yaml:"wipe_on_restart"`
	MsgsToKeep    int  `yaml:"msgs_to_keep"`
}

type DatabaseConfig struct {
	MsgMap MsgMapConfig `yaml:"msg_map"`
	Pool   PoolConfig   `yaml:"pool"`
}

// PluginConfig is intentionally loose: plugins own their own schema within
// the blob they persist, but activation/channels/priority/when are the
// dispatcher-level fields every plugin shares (§4.8).
type PluginConfig struct {
	Active   bool           `yaml:"active"`
	Channels []int          `yaml:"channels"`
	Priority int            `yaml:"priority"`
	When     string         `yaml:"when"`
	Extra    map[string]any `yaml:",inline"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Credentials is the optional credentials.json alternative to an inline
// access_token (§6). Its presence enables E2EE bootstrap.
type Credentials struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// Load reads and validates the config document at path, applying defaults
// and resolving connection_type: network to its tcp alias (§6, with a
// deprecation warning returned alongside the config).
func Load(path string) (Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, nil, fmt.Errorf("parse yaml: %w", err)
	}

	warnings := applyDefaults(&cfg)
	_, credErr := os.Stat(DefaultCredentialsPath(filepath.Dir(path)))
	if err := validate(cfg, credErr == nil); err != nil {
		return Config{}, warnings, err
	}

	return cfg, warnings, nil
}

func applyDefaults(cfg *Config) []string {
	var warnings []string

	if cfg.Meshtastic.ConnectionType == "network" {
		warnings = append(warnings, `meshtastic.connection_type: "network" is a deprecated alias of "tcp"`)
		cfg.Meshtastic.ConnectionType = "tcp"
	}

	if cfg.Meshtastic.MeshnetName == "" {
		cfg.Meshtastic.MeshnetName = defaultMeshnetName
	}

	if cfg.Meshtastic.Timeout <= 0 {
		if cfg.Meshtastic.Timeout < 0 {
			warnings = append(warnings, fmt.Sprintf("meshtastic.timeout must be > 0, falling back to default %ds", defaultOpenTimeout))
		}
		cfg.Meshtastic.Timeout = defaultOpenTimeout
	}

	if cfg.Meshtastic.HealthInterval <= 0 {
		cfg.Meshtastic.HealthInterval = defaultHealthInterval
	}

	if cfg.Meshtastic.BroadcastEnabled == nil {
		enabled := true
		cfg.Meshtastic.BroadcastEnabled = &enabled
	}

	if cfg.Database.Pool.Enabled == nil {
		enabled := true
		cfg.Database.Pool.Enabled = &enabled
	}
	if cfg.Database.Pool.MaxConnection <= 0 {
		cfg.Database.Pool.MaxConnection = defaultPoolMaxConns
	}
	if cfg.Database.Pool.MaxIdleTime <= 0 {
		cfg.Database.Pool.MaxIdleTime = defaultPoolMaxIdleTime
	}
	if cfg.Database.Pool.Timeout <= 0 {
		cfg.Database.Pool.Timeout = defaultPoolTimeout
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return warnings
}

func validate(cfg Config, haveCredentialsFile bool) error {
	var errs []string

	if strings.TrimSpace(cfg.Matrix.Homeserver) == "" {
		errs = append(errs, "matrix.homeserver is required")
	}
	if strings.TrimSpace(cfg.Matrix.BotUserID) == "" {
		errs = append(errs, "matrix.bot_user_id is required")
	}
	if strings.TrimSpace(cfg.Matrix.AccessToken) == "" && !haveCredentialsFile {
		errs = append(errs, "matrix.access_token or a credentials.json file must be present")
	}

	if len(cfg.MatrixRooms) == 0 {
		errs = append(errs, "matrix_rooms must contain at least one room")
	}
	seenChannels := map[int]struct{}{}
	for _, room := range cfg.MatrixRooms {
		if strings.TrimSpace(room.ID) == "" {
			errs = append(errs, "matrix_rooms entries require an id")
			continue
		}
		if !strings.HasPrefix(room.ID, "!") && !strings.HasPrefix(room.ID, "#") {
			errs = append(errs, fmt.Sprintf("matrix_rooms: %q is not a valid room id or alias", room.ID))
		}
		if room.MeshtasticChannel < 0 || room.MeshtasticChannel > 7 {
			errs = append(errs, fmt.Sprintf("matrix_rooms: %q has out-of-range meshtastic_channel %d (must be 0-7)", room.ID, room.MeshtasticChannel))
		}
		seenChannels[room.MeshtasticChannel] = struct{}{}
	}

	switch cfg.Meshtastic.ConnectionType {
	case "serial":
		if strings.TrimSpace(cfg.Meshtastic.SerialPort) == "" {
			errs = append(errs, "meshtastic.serial_port is required for connection_type: serial")
		}
	case "tcp":
		if strings.TrimSpace(cfg.Meshtastic.Host) == "" {
			errs = append(errs, "meshtastic.host is required for connection_type: tcp")
		}
	case "ble":
		if strings.TrimSpace(cfg.Meshtastic.BLEAddress) == "" {
			errs = append(errs, "meshtastic.ble_address is required for connection_type: ble")
		}
	case "":
		errs = append(errs, "meshtastic.connection_type is required (serial, tcp, or ble)")
	default:
		errs = append(errs, fmt.Sprintf("meshtastic.connection_type %q is invalid (must be serial, tcp, or ble)", cfg.Meshtastic.ConnectionType))
	}

	if strings.Contains(cfg.Meshtastic.MeshnetName, "/") {
		errs = append(errs, "meshtastic.meshnet_name must not contain '/' (ambiguous cross-mesh attribution)")
	}

	seenPlugins := map[string]struct{}{}
	for name := range cfg.Plugins {
		if _, dup := seenPlugins[name]; dup {
			errs = append(errs, fmt.Sprintf("duplicate plugin config: %s", name))
		}
		seenPlugins[name] = struct{}{}
	}

	switch cfg.Logging.Level {
	case "error", "warning", "info", "debug":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is invalid (must be error, warning, info, or debug)", cfg.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ChannelToRooms builds the mesh-channel → Matrix-room routing table C6
// step 4 looks up (§4.6).
func (c Config) ChannelToRooms() map[int][]string {
	out := make(map[int][]string)
	for _, room := range c.MatrixRooms {
		out[room.MeshtasticChannel] = append(out[room.MeshtasticChannel], room.ID)
	}
	return out
}

// RoomToChannel builds the reverse lookup C7 step 7 uses to pick an
// outbound mesh channel for a given Matrix room (§4.7).
func (c Config) RoomToChannel() map[string]int {
	out := make(map[string]int, len(c.MatrixRooms))
	for _, room := range c.MatrixRooms {
		out[room.ID] = room.MeshtasticChannel
	}
	return out
}

// AllRoomIDs returns every configured room ID, used for C6 step 4's default
// DM-delivery behavior ("deliverable to every mapped room").
func (c Config) AllRoomIDs() []string {
	out := make([]string, len(c.MatrixRooms))
	for i, room := range c.MatrixRooms {
		out[i] = room.ID
	}
	return out
}

// ClampMessageDelay enforces the §4.4/§8 floor of 2.1s, returning the
// clamped value and whether clamping occurred (so the caller can apply the
// one-shot-per-distinct-value warning policy).
func ClampMessageDelay(configured float64) (clamped float64, wasClamped bool) {
	if configured < MinMessageDelay {
		return MinMessageDelay, true
	}
	return configured, false
}

// ClampResponseDelay enforces the same §4.4/§8 floor on response_delay, the
// delay applied before a plugin's outbound response (§4.8, §8) rather than
// between ordinary consecutive radio sends.
func ClampResponseDelay(configured float64) (clamped float64, wasClamped bool) {
	return ClampMessageDelay(configured)
}

var errEmptyCredential = errors.New("credential value cannot be empty")

// ResolveCredential supports literal values and $ENVVAR / ${ENVVAR}
// indirection, matching the access_token and credentials.json fields.
func ResolveCredential(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", errEmptyCredential
	}

	if strings.HasPrefix(trimmed, "$") {
		envName := strings.TrimPrefix(trimmed, "$")
		envName = strings.TrimPrefix(envName, "{")
		envName = strings.TrimSuffix(envName, "}")
		envName = strings.TrimSpace(envName)
		if envName == "" {
			return "", errors.New("credential env reference is invalid")
		}

		resolved := strings.TrimSpace(os.Getenv(envName))
		if resolved == "" {
			return "", fmt.Errorf("environment variable %q is not set", envName)
		}
		return resolved, nil
	}

	return trimmed, nil
}
