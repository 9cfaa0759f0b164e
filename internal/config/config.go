// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package config loads the gateway's configuration from a YAML file and
// environment variables (spec §6), with a subset of fields hot-reloadable
// via fsnotify.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full gateway configuration (spec §6 plus the ambient
// additions in SPEC_FULL.md §6).
type Config struct {
	TCP       TCPConfig       `mapstructure:"tcp"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Log       LogConfig       `mapstructure:"log"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// TCPConfig is the TCP frontend bind address (spec §4.4).
type TCPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// SerialConfig is the RS-485 port configuration (spec §6).
type SerialConfig struct {
	Port         string        `mapstructure:"port"`
	Baud         int           `mapstructure:"baud"`
	ByteSize     int           `mapstructure:"bytesize"`
	Parity       string        `mapstructure:"parity"` // N, E, O
	StopBits     int           `mapstructure:"stopbits"`
	Timeout      time.Duration `mapstructure:"timeout_ms"`
	Turnaround   time.Duration `mapstructure:"turnaround_ms"`
	RS485GPIOPin int           `mapstructure:"rs485_gpio_pin"` // 0 = no GPIO direction toggle

	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay_ms"`
}

// DedupConfig is the write-dedup cache policy (spec §4.3).
type DedupConfig struct {
	TTL   time.Duration `mapstructure:"ttl_ms"`
	Redis RedisConfig   `mapstructure:"redis"`
}

// RedisConfig configures the optional cross-process dedup mirror
// (SPEC_FULL.md §4.13).
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EngineConfig is the serialization engine policy (spec §4.2, §4.5).
type EngineConfig struct {
	QueueBound     int           `mapstructure:"queue_bound"`
	GatewayTimeout time.Duration `mapstructure:"gateway_timeout_ms"`
}

// LogConfig configures structured logging (SPEC_FULL.md §4.7).
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// AdminConfig configures the read-only admin HTTP/WebSocket surface
// (SPEC_FULL.md §4.16).
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// TelemetryConfig configures the MQTT/InfluxDB publishers (SPEC_FULL.md
// §4.17).
type TelemetryConfig struct {
	MQTT   MQTTConfig   `mapstructure:"mqtt"`
	Influx InfluxConfig `mapstructure:"influx"`
}

type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type InfluxConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

// AuditConfig configures the SQLite transaction audit log (SPEC_FULL.md
// §4.18).
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from configFile (or the default search path)
// and environment variables under the MBGW_ prefix. A config file that does
// not exist is not an error: defaults and environment variables apply.
func Load(configFile string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbusgw/")
		v.AddConfigPath("$HOME/.modbusgw")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MBGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("config: failed to read config file: %w", err)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}
	cfg.Serial.Parity = strings.ToUpper(cfg.Serial.Parity)
	if cfg.Serial.Timeout == 0 {
		cfg.Serial.Timeout = 500 * time.Millisecond
	}
	if cfg.Serial.Turnaround == 0 {
		cfg.Serial.Turnaround = 10 * time.Millisecond
	}
	if cfg.Serial.ReconnectMaxAttempts == 0 {
		cfg.Serial.ReconnectMaxAttempts = 3
	}
	if cfg.Serial.ReconnectDelay == 0 {
		cfg.Serial.ReconnectDelay = 500 * time.Millisecond
	}
	if cfg.Dedup.TTL == 0 {
		cfg.Dedup.TTL = 200 * time.Millisecond
	}
	if cfg.Engine.QueueBound == 0 {
		cfg.Engine.QueueBound = 1024
	}
	if cfg.Engine.GatewayTimeout == 0 {
		cfg.Engine.GatewayTimeout = 2 * time.Second
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tcp.host", "0.0.0.0")
	v.SetDefault("tcp.port", 502)

	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud", 9600)
	v.SetDefault("serial.bytesize", 8)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.stopbits", 1)
	v.SetDefault("serial.timeout_ms", 500*time.Millisecond)
	v.SetDefault("serial.turnaround_ms", 10*time.Millisecond)
	v.SetDefault("serial.reconnect_max_attempts", 3)
	v.SetDefault("serial.reconnect_delay_ms", 500*time.Millisecond)

	v.SetDefault("dedup.ttl_ms", 200*time.Millisecond)

	v.SetDefault("engine.queue_bound", 1024)
	v.SetDefault("engine.gateway_timeout_ms", 2*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", true)

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.address", "127.0.0.1:8081")
}

// WatchReloadable installs an fsnotify watch that re-unmarshals only the
// fields that are safe to change without restarting serial/TCP listeners,
// invoking onChange with the refreshed Config. Fields that require a
// restart (serial.*, tcp.*) are held at their original values; a change to
// either on disk is reported through warn so it isn't silently ignored.
func WatchReloadable(v *viper.Viper, original *Config, warn func(string), onChange func(*Config)) {
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			return
		}
		if cfg.Serial != original.Serial || cfg.TCP != original.TCP {
			warn("serial/tcp configuration changed on disk but requires a restart to take effect; ignoring")
			cfg.Serial = original.Serial
			cfg.TCP = original.TCP
		}
		onChange(cfg)
	})
	v.WatchConfig()
}
