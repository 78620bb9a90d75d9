package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by ReadingsBackend and RegistryBackend.
const (
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
	BackendRedis  = "redis"
)

// Config lists the tunable parameters for the telemetry server.
type Config struct {
	HTTPPort          int           `yaml:"http_port"`
	MetricsPort       int           `yaml:"metrics_port"`
	DatabasePath      string        `yaml:"database_path"`
	LogLevel          string        `yaml:"log_level"`
	MQTTEmbedded      bool          `yaml:"mqtt_embedded"`
	MQTTBindAddress   string        `yaml:"mqtt_bind"`
	MQTTBrokerURL     string        `yaml:"mqtt_broker_url"`
	MQTTClientID      string        `yaml:"mqtt_client_id"`
	ReadingsBackend   string        `yaml:"readings_backend"`
	MongoURI          string        `yaml:"mongo_uri"`
	MongoDatabase     string        `yaml:"mongo_database"`
	RegistryBackend   string        `yaml:"registry_backend"`
	RedisAddr         string        `yaml:"redis_addr"`
	OTLPEndpoint      string        `yaml:"otlp_endpoint"`
	MDNSEnabled       bool          `yaml:"mdns_enabled"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	OfflineThreshold  time.Duration `yaml:"offline_threshold"`
}

const (
	defaultHTTPPort          = 8080
	defaultMetricsPort       = 9090
	defaultDatabasePath      = "data/skyrelay.db"
	defaultLogLevel          = "info"
	defaultMQTTBindAddress   = ":1883"
	defaultMQTTClientID      = "skyrelay-server"
	defaultMongoURI          = "mongodb://localhost:27017"
	defaultMongoDatabase     = "skyrelay"
	defaultRedisAddr         = "localhost:6379"
	defaultHeartbeatInterval = 30 * time.Second
	defaultOfflineThreshold  = 2 * time.Minute
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPPort:          defaultHTTPPort,
		MetricsPort:       defaultMetricsPort,
		DatabasePath:      defaultDatabasePath,
		LogLevel:          defaultLogLevel,
		MQTTEmbedded:      true,
		MQTTBindAddress:   defaultMQTTBindAddress,
		MQTTClientID:      defaultMQTTClientID,
		ReadingsBackend:   BackendSQLite,
		MongoURI:          defaultMongoURI,
		MongoDatabase:     defaultMongoDatabase,
		RegistryBackend:   BackendSQLite,
		RedisAddr:         defaultRedisAddr,
		HeartbeatInterval: defaultHeartbeatInterval,
		OfflineThreshold:  defaultOfflineThreshold,
	}
}

// Load starts from the defaults, applies the YAML file named by
// SKYRELAY_CONFIG_FILE when set, then environment overrides.
func Load() (Config, error) {
	return LoadFile(os.Getenv("SKYRELAY_CONFIG_FILE"))
}

// LoadFile is Load with an explicit YAML file; an empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Annotate(err, "read config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Annotatef(err, "parse config file %s", path)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	ints := map[string]*int{
		"SKYRELAY_HTTP_PORT":    &cfg.HTTPPort,
		"SKYRELAY_METRICS_PORT": &cfg.MetricsPort,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"SKYRELAY_MQTT_EMBEDDED": &cfg.MQTTEmbedded,
		"SKYRELAY_MDNS_ENABLED":  &cfg.MDNSEnabled,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = b
		}
	}

	durations := map[string]*time.Duration{
		"SKYRELAY_HEARTBEAT_INTERVAL": &cfg.HeartbeatInterval,
		"SKYRELAY_OFFLINE_THRESHOLD":  &cfg.OfflineThreshold,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	strs := map[string]*string{
		"SKYRELAY_DATABASE_PATH":    &cfg.DatabasePath,
		"SKYRELAY_LOG_LEVEL":        &cfg.LogLevel,
		"SKYRELAY_MQTT_BIND":        &cfg.MQTTBindAddress,
		"SKYRELAY_MQTT_BROKER_URL":  &cfg.MQTTBrokerURL,
		"SKYRELAY_MQTT_CLIENT_ID":   &cfg.MQTTClientID,
		"SKYRELAY_READINGS_BACKEND": &cfg.ReadingsBackend,
		"SKYRELAY_MONGO_URI":        &cfg.MongoURI,
		"SKYRELAY_MONGO_DATABASE":   &cfg.MongoDatabase,
		"SKYRELAY_REGISTRY_BACKEND": &cfg.RegistryBackend,
		"SKYRELAY_REDIS_ADDR":       &cfg.RedisAddr,
		"SKYRELAY_OTLP_ENDPOINT":    &cfg.OTLPEndpoint,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	return nil
}

// Validate rejects combinations the server cannot run with.
func (c Config) Validate() error {
	switch c.ReadingsBackend {
	case BackendSQLite, BackendMongo:
	default:
		return errors.NotValidf("readings backend %q", c.ReadingsBackend)
	}
	switch c.RegistryBackend {
	case BackendSQLite, BackendRedis:
	default:
		return errors.NotValidf("registry backend %q", c.RegistryBackend)
	}
	if !c.MQTTEmbedded && c.MQTTBrokerURL == "" {
		return errors.NotValidf("external broker mode without mqtt_broker_url")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.NotValidf("heartbeat interval %v", c.HeartbeatInterval)
	}
	if c.OfflineThreshold <= 0 {
		return errors.NotValidf("offline threshold %v", c.OfflineThreshold)
	}
	return nil
}

// ParseLogLevel maps debug, warn and error to their slog levels; anything
// else is info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
