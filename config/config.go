package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Firmware   FirmwareConfig   `mapstructure:"firmware"`
	OTA        OTAConfig        `mapstructure:"ota"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ServiceBus ServiceBusConfig `mapstructure:"service_bus"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logger     *logrus.Logger   `mapstructure:"-"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ServerConfig holds the HTTP server settings. PublicURL is the base URL
// devices use to fetch staged firmware; when empty it is inferred from the
// host's outbound address.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PublicURL    string        `mapstructure:"public_url"`
	APIToken     string        `mapstructure:"api_token"`
	RateLimit    int           `mapstructure:"rate_limit"`
}

// MQTTConfig holds MQTT broker settings for the device bus.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	CommandQoS        byte          `mapstructure:"command_qos"`
	CleanSession      bool          `mapstructure:"clean_session"`
	AnnounceTopic     string        `mapstructure:"announce_topic"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// RegistryConfig points at the GitHub repository publishing firmware releases.
type RegistryConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Owner             string        `mapstructure:"owner"`
	Repo              string        `mapstructure:"repo"`
	PollIntervalHours float64       `mapstructure:"poll_interval_hours"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	DownloadTimeout   time.Duration `mapstructure:"download_timeout"`
	ErrorBackoff      time.Duration `mapstructure:"error_backoff"`
	VersionCacheSize  int           `mapstructure:"version_cache_size"`
	VersionCacheTTL   time.Duration `mapstructure:"version_cache_ttl"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// PollInterval converts the configured hours into a duration.
func (r RegistryConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalHours * float64(time.Hour))
}

// FirmwareConfig holds settings for the local firmware server.
type FirmwareConfig struct {
	StoragePath string        `mapstructure:"storage_path"`
	MaxFileSize int64         `mapstructure:"max_file_size"`
	PathPrefix  string        `mapstructure:"path_prefix"`
	ServeTTL    time.Duration `mapstructure:"serve_ttl"`
}

// OTAConfig holds settings for update sessions.
type OTAConfig struct {
	AckTimeout       time.Duration `mapstructure:"ack_timeout"`
	ExpectedDuration time.Duration `mapstructure:"expected_duration"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	AutoInstall      bool          `mapstructure:"auto_install"`
}

// DatabaseConfig holds the PostgreSQL connection settings. An empty DSN
// keeps all state in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds the Redis connection settings. An empty Addr disables
// the shared release cache.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// ServiceBusConfig holds the Azure Service Bus settings for session events.
type ServiceBusConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	QueueName        string `mapstructure:"queue_name"`
}

// StorageConfig holds settings for local persistent storage
type StorageConfig struct {
	JournalPath     string `mapstructure:"journal_path"`
	JournalKeepLast int    `mapstructure:"journal_keep_last"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("OTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "2m")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.rate_limit", 120)

	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.command_qos", 0)
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.announce_topic", "+/build")
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.max_reconnect_delay", "2m")

	v.SetDefault("registry.base_url", "https://api.github.com")
	v.SetDefault("registry.owner", "openshwprojects")
	v.SetDefault("registry.repo", "OpenBK7231T_App")
	v.SetDefault("registry.poll_interval_hours", 1)
	v.SetDefault("registry.request_timeout", "30s")
	v.SetDefault("registry.download_timeout", "5m")
	v.SetDefault("registry.error_backoff", "5m")
	v.SetDefault("registry.version_cache_size", 32)
	v.SetDefault("registry.version_cache_ttl", "10m")
	v.SetDefault("registry.user_agent", "openbk-ota")

	v.SetDefault("firmware.storage_path", "./openbk_firmware")
	v.SetDefault("firmware.max_file_size", 4194304) // 4MB
	v.SetDefault("firmware.path_prefix", "/api/openbk_firmware")
	v.SetDefault("firmware.serve_ttl", "2h")

	v.SetDefault("ota.ack_timeout", "20m")
	v.SetDefault("ota.expected_duration", "3m")
	v.SetDefault("ota.stale_after", "24h")
	v.SetDefault("ota.auto_install", false)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("service_bus.connection_string", "")
	v.SetDefault("service_bus.queue_name", "openbk-ota-events")

	v.SetDefault("storage.journal_path", "")
	v.SetDefault("storage.journal_keep_last", 20)
}

// Validate checks settings the service cannot run without.
func (c *Config) Validate() error {
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required")
	}
	if c.MQTT.QoS > 2 || c.MQTT.CommandQoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if c.Registry.Owner == "" || c.Registry.Repo == "" {
		return fmt.Errorf("registry.owner and registry.repo are required")
	}
	if c.Registry.PollIntervalHours <= 0 {
		return fmt.Errorf("registry.poll_interval_hours must be positive, got %v", c.Registry.PollIntervalHours)
	}
	if c.OTA.AckTimeout <= 0 {
		return fmt.Errorf("ota.ack_timeout must be positive")
	}
	if c.Firmware.MaxFileSize <= 0 {
		return fmt.Errorf("firmware.max_file_size must be positive")
	}
	if !strings.HasPrefix(c.Firmware.PathPrefix, "/") {
		return fmt.Errorf("firmware.path_prefix must start with '/', got %q", c.Firmware.PathPrefix)
	}
	if c.Server.PublicURL != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("server.public_url is not a valid URL: %q", c.Server.PublicURL)
		}
	}
	return nil
}

// ParseLevel maps the configured level onto logrus, falling back to info.
func (c *Config) ParseLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
