// pkg/tws/config.go
package tws

import (
	"fmt"
	"time"
)

// Config задаёт параметры подключения к TWS/IB Gateway.
type Config struct {
	Addr           string        `mapstructure:"addr"`            // host:port, напр. "127.0.0.1:7496"
	ClientID       int           `mapstructure:"client_id"`       // уникальный идентификатор клиента
	MinVersion     int           `mapstructure:"min_version"`     // нижняя граница диапазона версий
	MaxVersion     int           `mapstructure:"max_version"`     // верхняя граница диапазона версий
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"` // таймаут dial + handshake
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`   // дедлайн на запись кадра
	StreamBuffer   int           `mapstructure:"stream_buffer"`   // буфер streaming-каналов
	MaxFrameSize   int           `mapstructure:"max_frame_size"`  // потолок длины кадра
}

// ApplyDefaults applies fallback defaults if values are unset.
func (c *Config) ApplyDefaults() {
	if c.MinVersion <= 0 {
		c.MinVersion = MinClientVersion
	}
	if c.MaxVersion <= 0 {
		c.MaxVersion = MaxClientVersion
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = 100
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 1 << 20 // 1MB
	}
}

// Validate checks config for required fields.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("tws: addr is required")
	case c.ClientID < 0:
		return fmt.Errorf("tws: client_id must be >= 0")
	case c.MinVersion > c.MaxVersion:
		return fmt.Errorf("tws: min_version %d exceeds max_version %d", c.MinVersion, c.MaxVersion)
	default:
		return nil
	}
}
