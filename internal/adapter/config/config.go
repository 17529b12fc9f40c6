// Package config loads the receiver list and the service settings.
//
// The device file keeps the wb-mqtt-urri layout so the web config editor can
// manage it; the optional mqtt, http, log and upstream sections are layered
// with defaults, URRI_* environment variables and command line flags.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nexus-edge/urri-gateway/internal/domain"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the device file lives on the controller.
const DefaultPath = "/etc/wb-mqtt-urri.conf"

const (
	envPrefix          = "URRI"
	legacyDeviceID     = "urri"
	legacyDeviceTitle  = "Network Receiver URRI"
	legacyDeviceFields = "device_id,device_title,urri_ip,urri_port"
)

//go:embed schema.json
var defaultSchema []byte

// Config represents the complete service configuration
type Config struct {
	Debug    bool            `mapstructure:"-"`
	Devices  []domain.Device `mapstructure:"-"`
	MQTT     MQTTConfig      `mapstructure:"mqtt"`
	HTTP     HTTPConfig      `mapstructure:"http"`
	Logging  LoggingConfig   `mapstructure:"log"`
	Upstream UpstreamConfig  `mapstructure:"upstream"`
}

// MQTTConfig contains MQTT connection settings
type MQTTConfig struct {
	BrokerURL        string        `mapstructure:"broker_url"`
	ClientID         string        `mapstructure:"client_id"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	QoS              byte          `mapstructure:"qos"`
	KeepAlive        time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
	ClearStaleTopics bool          `mapstructure:"clear_stale_topics"`
}

// HTTPConfig contains HTTP server settings. Port 0 disables the server.
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// UpstreamConfig contains receiver connection settings
type UpstreamConfig struct {
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	BreakerFailures  uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
}

// Options controls where Load reads from.
type Options struct {
	// Path is the device file, JSON or YAML by extension
	Path string

	// SchemaPath overrides the embedded JSON schema
	SchemaPath string

	// Flags are bound on top of file and environment values
	Flags *pflag.FlagSet
}

type deviceFile struct {
	Debug   bool            `json:"debug"`
	Devices []domain.Device `json:"devices"`
}

// RegisterFlags adds the setting overrides Load understands.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("broker", "", "MQTT broker URL")
	fs.Int("http-port", 0, "health and metrics port, 0 disables")
	fs.String("log-level", "", "log level (trace, debug, info, warn, error)")
	fs.String("log-format", "", "log format (json, console)")
	fs.Bool("debug", false, "enable debug logging")
}

var flagKeys = map[string]string{
	"broker":     "mqtt.broker_url",
	"http-port":  "http.port",
	"log-level":  "log.level",
	"log-format": "log.format",
	"debug":      "debug",
}

// Load reads, normalizes and validates the configuration. Every returned
// error wraps domain.ErrInvalidConfig.
func Load(opts Options, logger zerolog.Logger) (*Config, error) {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}

	raw, err := readFile(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}

	if isLegacy(raw) {
		logger.Error().Str("path", opts.Path).Msg("Old version of config file! Please update it")
		convertLegacy(raw)
	}

	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}

	if err := validateSchema(doc, opts.SchemaPath); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}

	var devices deviceFile
	if err := json.Unmarshal(doc, &devices); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	if err := validateDevices(devices.Devices); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}

	v := viper.New()
	applyDefaults(v)
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}

	// Override with environment variables
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	cfg.Devices = devices.Devices
	cfg.Debug = v.GetBool("debug")
	if cfg.Debug {
		cfg.Logging.Level = "debug"
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}

	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "wb-mqtt-urri")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.clear_stale_topics", false)

	v.SetDefault("http.port", 8080)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("upstream.request_timeout", 3*time.Second)
	v.SetDefault("upstream.reconnect_delay", 5*time.Second)
	v.SetDefault("upstream.handshake_timeout", 5*time.Second)
	v.SetDefault("upstream.breaker_failures", 5)
	v.SetDefault("upstream.breaker_timeout", 5*time.Second)
}

func validate(cfg *Config) error {
	if cfg.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt broker_url is required")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http port out of range: %d", cfg.HTTP.Port)
	}
	if cfg.Upstream.RequestTimeout <= 0 || cfg.Upstream.ReconnectDelay <= 0 {
		return fmt.Errorf("upstream timeouts must be positive")
	}
	return nil
}

func validateDevices(devices []domain.Device) error {
	seen := make(map[string]bool, len(devices))
	for i := range devices {
		if devices[i].Port == 0 {
			devices[i].Port = domain.DefaultReceiverPort
		}
		if err := devices[i].Validate(); err != nil {
			return err
		}
		if seen[devices[i].ID] {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateDeviceID, devices[i].ID)
		}
		seen[devices[i].ID] = true
	}
	return nil
}

func validateSchema(doc []byte, schemaPath string) error {
	schemaLoader := gojsonschema.NewBytesLoader(defaultSchema)
	if schemaPath != "" {
		abs, err := filepath.Abs(schemaPath)
		if err != nil {
			return fmt.Errorf("schema path: %w", err)
		}
		schemaLoader = gojsonschema.NewReferenceLoader("file://" + abs)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return fmt.Errorf("config file validation failed: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func readFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	raw := make(map[string]interface{})
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return raw, nil
}

// isLegacy detects the single-device layout with top-level device fields.
func isLegacy(raw map[string]interface{}) bool {
	_, hasID := raw["device_id"]
	_, hasIP := raw["urri_ip"]
	return hasID || hasIP
}

// convertLegacy moves top-level device fields into a one-element devices list.
func convertLegacy(raw map[string]interface{}) {
	device := map[string]interface{}{
		"device_id":    legacyDeviceID,
		"device_title": legacyDeviceTitle,
		"urri_ip":      "",
		"urri_port":    domain.DefaultReceiverPort,
	}
	for _, field := range strings.Split(legacyDeviceFields, ",") {
		if v, ok := raw[field]; ok {
			device[field] = v
			delete(raw, field)
		}
	}
	raw["devices"] = []interface{}{device}
	if _, ok := raw["debug"]; !ok {
		raw["debug"] = false
	}
}

// Dump returns the device file normalized for the web config editor: legacy
// files converted, keys sorted. Format is "json" or "yaml".
func Dump(path, format string) ([]byte, error) {
	raw, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if isLegacy(raw) {
		convertLegacy(raw)
	}

	switch format {
	case "yaml":
		return yaml.Marshal(raw)
	default:
		out, err := json.MarshalIndent(raw, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(out, '\n'), nil
	}
}
