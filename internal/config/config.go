package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

type StoreConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	MetaDBPath string `mapstructure:"meta_db_path"`
}

type MQTTConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Broker         string   `mapstructure:"broker"`
	Port           int      `mapstructure:"port"`
	Topics         []string `mapstructure:"topics"`
	Username       string   `mapstructure:"username"`
	Password       string   `mapstructure:"password"`
	ClientID       string   `mapstructure:"client_id"`
	RetryBase      float64  `mapstructure:"retry_base_seconds"`
	RetryMax       float64  `mapstructure:"retry_max_seconds"`
	ConnectTimeout float64  `mapstructure:"connect_timeout_seconds"`
}

type IngestConfig struct {
	PolicyCacheTTL float64 `mapstructure:"policy_cache_ttl_seconds"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("mqttvault")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("store.meta_db_path", "mqtt_meta.db")
	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.topics", []string{"#"})
	v.SetDefault("mqtt.retry_base_seconds", 2.0)
	v.SetDefault("mqtt.retry_max_seconds", 60.0)
	v.SetDefault("mqtt.connect_timeout_seconds", 5.0)
	v.SetDefault("ingest.policy_cache_ttl_seconds", 2.0)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("log.level", "info")
}

func (c Config) Validate() error {
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	if c.Store.MetaDBPath == "" {
		return fmt.Errorf("store.meta_db_path is required")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port out of range: %d", c.MQTT.Port)
		}
		if len(c.MQTT.Topics) == 0 {
			return fmt.Errorf("mqtt.topics is required")
		}
		if c.MQTT.RetryBase <= 0 {
			return fmt.Errorf("mqtt.retry_base_seconds must be > 0")
		}
		if c.MQTT.RetryMax < c.MQTT.RetryBase {
			return fmt.Errorf("mqtt.retry_max_seconds must be >= retry_base_seconds")
		}
	}
	if c.Ingest.PolicyCacheTTL < 0 {
		return fmt.Errorf("ingest.policy_cache_ttl_seconds must be >= 0")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}

// RetryBaseDelay returns the reconnect backoff base as a duration.
func (c MQTTConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBase * float64(time.Second))
}

// RetryMaxDelay returns the reconnect backoff ceiling as a duration.
func (c MQTTConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMax * float64(time.Second))
}

// ConnectTimeoutDelay returns the per-attempt connect timeout as a duration.
func (c MQTTConfig) ConnectTimeoutDelay() time.Duration {
	return time.Duration(c.ConnectTimeout * float64(time.Second))
}

// CacheTTL returns the policy cache TTL as a duration.
func (c IngestConfig) CacheTTL() time.Duration {
	return time.Duration(c.PolicyCacheTTL * float64(time.Second))
}
