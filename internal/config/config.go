// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/Wxveshack/ibkr/pkg/backoff"
	"github.com/Wxveshack/ibkr/pkg/telemetry"
)

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Config — все настройки сервиса.
type Config struct {
	ServiceName    string           `mapstructure:"service_name"`
	ServiceVersion string           `mapstructure:"service_version"`
	TWS            TWSConfig        `mapstructure:"tws"`
	Bars           BarsConfig       `mapstructure:"bars"`
	Kafka          KafkaConfig      `mapstructure:"kafka"`
	Telemetry      telemetry.Config `mapstructure:"telemetry"`
	Logging        Logging          `mapstructure:"logging"`
	HTTP           HTTPConfig       `mapstructure:"http"`
}

// TWSConfig хранит настройки подключения к TWS/IB Gateway.
type TWSConfig struct {
	Addr           string         `mapstructure:"addr"`
	ClientID       int            `mapstructure:"client_id"`
	MinVersion     int            `mapstructure:"min_version"` // 0 = диапазон клиента по умолчанию
	MaxVersion     int            `mapstructure:"max_version"`
	ConnectTimeout time.Duration  `mapstructure:"connect_timeout"`
	WriteTimeout   time.Duration  `mapstructure:"write_timeout"`
	StreamBuffer   int            `mapstructure:"stream_buffer"`
	MaxFrameSize   int            `mapstructure:"max_frame_size"`
	Backoff        backoff.Config `mapstructure:"backoff"`
}

// BarsConfig описывает, какие инструменты стримить и с какими барами.
type BarsConfig struct {
	Symbols    []string `mapstructure:"symbols"`
	Exchange   string   `mapstructure:"exchange"`
	Currency   string   `mapstructure:"currency"`
	BarSize    string   `mapstructure:"bar_size"`
	WhatToShow string   `mapstructure:"what_to_show"`
	UseRTH     bool     `mapstructure:"use_rth"`
	Duration   string   `mapstructure:"duration"`
}

// KafkaConfig хранит настройки Kafka.
type KafkaConfig struct {
	Brokers        []string       `mapstructure:"brokers"`
	BarsTopic      string         `mapstructure:"bars_topic"`
	AccountTopic   string         `mapstructure:"account_topic"`
	Timeout        time.Duration  `mapstructure:"timeout"`
	Acks           string         `mapstructure:"acks"`
	Compression    string         `mapstructure:"compression"`
	FlushFrequency time.Duration  `mapstructure:"flush_frequency"`
	FlushMessages  int            `mapstructure:"flush_messages"`
	Backoff        backoff.Config `mapstructure:"backoff"`
}

// Logging хранит настройки логгера.
type Logging struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// HTTPConfig хранит конфигурацию HTTP-/metrics-сервера.
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	HealthzPath     string        `mapstructure:"healthz_path"`
	ReadyzPath      string        `mapstructure:"readyz_path"`
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// Load загружает и валидирует конфиг. Если path пустой — читаются только ENV и defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	// ---------- 1) Defaults ----------
	v.SetDefault("service_name", "ibkr-connector")
	v.SetDefault("service_version", "v1.0.0")

	// TWS
	v.SetDefault("tws.addr", "127.0.0.1:7496")
	v.SetDefault("tws.client_id", 1)
	v.SetDefault("tws.connect_timeout", "10s")
	v.SetDefault("tws.write_timeout", "10s")
	v.SetDefault("tws.stream_buffer", 100)
	v.SetDefault("tws.max_frame_size", 1<<20)

	// Bars
	v.SetDefault("bars.symbols", []string{"AAPL"})
	v.SetDefault("bars.exchange", "SMART")
	v.SetDefault("bars.currency", "USD")
	v.SetDefault("bars.bar_size", "5 secs")
	v.SetDefault("bars.what_to_show", "TRADES")
	v.SetDefault("bars.use_rth", false)
	v.SetDefault("bars.duration", "1 D")

	// Kafka
	v.SetDefault("kafka.acks", "all")
	v.SetDefault("kafka.timeout", "15s")
	v.SetDefault("kafka.compression", "none")
	v.SetDefault("kafka.flush_frequency", "0s")
	v.SetDefault("kafka.flush_messages", 0)

	// Telemetry
	v.SetDefault("telemetry.otel_endpoint", "otel-collector:4317")
	v.SetDefault("telemetry.insecure", false)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	// ---------- 2) ENV ----------
	v.SetEnvPrefix("IBKR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ---------- 3) Optional file ----------
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	// ---------- 4) Decode ----------
	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "mapstructure",
		Result:     &cfg,
		DecodeHook: decodeHook,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// ---------- 5) Validation ----------
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// stringToBoolHook разбирает true/false, иначе отдает исходные данные.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

func (c *Config) Validate() error {
	// Service
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	// TWS
	if c.TWS.Addr == "" {
		return fmt.Errorf("tws.addr is required")
	}
	if c.TWS.ClientID < 0 {
		return fmt.Errorf("tws.client_id must be >= 0")
	}
	if c.TWS.ConnectTimeout <= 0 {
		return fmt.Errorf("tws.connect_timeout must be > 0")
	}
	if c.TWS.WriteTimeout <= 0 {
		return fmt.Errorf("tws.write_timeout must be > 0")
	}

	// Bars
	if len(c.Bars.Symbols) == 0 {
		return fmt.Errorf("bars.symbols must contain at least one entry")
	}
	if c.Bars.Exchange == "" || c.Bars.Currency == "" {
		return fmt.Errorf("bars.exchange and bars.currency are required")
	}
	if c.Bars.BarSize == "" {
		return fmt.Errorf("bars.bar_size is required")
	}

	// Kafka
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.Kafka.BarsTopic == "" || c.Kafka.AccountTopic == "" {
		return fmt.Errorf("kafka.bars_topic and kafka.account_topic are required")
	}
	switch strings.ToLower(c.Kafka.Acks) {
	case "all", "leader", "none":
	default:
		return fmt.Errorf("kafka.acks must be one of [all, leader, none]")
	}
	switch strings.ToLower(c.Kafka.Compression) {
	case "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("kafka.compression must be one of [none, gzip, snappy, lz4, zstd]")
	}

	// Telemetry
	if c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.otel_endpoint is required")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	// HTTP
	if err := validateHTTP(&c.HTTP); err != nil {
		return err
	}

	return nil
}

func validateHTTP(h *HTTPConfig) error {
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	durations := map[string]time.Duration{
		"http.read_timeout":     h.ReadTimeout,
		"http.write_timeout":    h.WriteTimeout,
		"http.idle_timeout":     h.IdleTimeout,
		"http.shutdown_timeout": h.ShutdownTimeout,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", k)
		}
	}
	paths := map[string]string{
		"http.metrics_path": h.MetricsPath,
		"http.healthz_path": h.HealthzPath,
		"http.readyz_path":  h.ReadyzPath,
	}
	for k, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}
	return nil
}

/*
   --------------------------------------------------------------------------
   DEBUG PRINT
   --------------------------------------------------------------------------
*/

// Print выводит текущий конфиг в JSON (удобно в DevMode).
func (c *Config) Print() {
	b, _ := json.MarshalIndent(c, "", "  ")
	fmt.Println("Loaded configuration:\n", string(b))
}
