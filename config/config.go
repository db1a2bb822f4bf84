package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-valsync/metrics"
)

const (
	// defaults for when not provided in Config
	Address              string        = "localhost"
	Port                 uint16        = 12345
	ClientSendFrequency  uint16        = 1
	ServerSendFrequency  uint16        = 50
	MaxSendFrequency     uint16        = 1000
	PingInterval         time.Duration = time.Millisecond * 1000
	PingWindowSize       uint16        = 10
	EventChannelLength   uint16        = 64
	TcpKeepAliveInterval time.Duration = time.Second * 17
	TcpKeepAliveCount    uint16        = 2
	TcpDialTimeout       time.Duration = time.Millisecond * 3000
	TcpAcceptTimeout     time.Duration = time.Millisecond * 5000
	TcpReconnectInterval time.Duration = time.Millisecond * 1000
	TcpWriteTimeout      time.Duration = time.Millisecond * 3000
)

type Config struct {
	// client: remote host and port, server: Port is the listen port, 0 picks an ephemeral one
	Address string `toml:"address"`
	Port    uint16 `toml:"port"`

	// transmissions per second, 0 selects the role default
	SendFrequency uint16 `toml:"send_frequency"`

	PingInterval   uint16 `toml:"ping_interval"` // milliseconds
	PingWindowSize uint16 `toml:"ping_window_size"`

	// staging buffer of each arbiter's event channel
	EventChannelLength uint16 `toml:"event_channel_length"`

	TcpKeepAliveInterval uint16 `toml:"tcp_keep_alive_interval"` // seconds
	TcpKeepAliveCount    uint16 `toml:"tcp_keep_alive_count"`
	TcpDialTimeout       uint16 `toml:"tcp_dial_timeout"`       // milliseconds
	TcpAcceptTimeout     uint16 `toml:"tcp_accept_timeout"`     // milliseconds
	TcpReconnectInterval uint16 `toml:"tcp_reconnect_interval"` // milliseconds
	TcpWriteTimeout      uint16 `toml:"tcp_write_timeout"`      // milliseconds

	// host:port for the prometheus handler, empty disables it
	MetricsAddress string `toml:"metrics_address"`

	LogPrefix string `toml:"log_prefix"`
	LogDebug  bool   `toml:"log_debug"`

	Metrics metrics.Collector `toml:"-"`
}

// Default returns a Config with every tuning field populated. Port and
// Address are the client defaults; a server reads only Port.
func Default() *Config {
	return &Config{
		Address:        Address,
		Port:           Port,
		SendFrequency:  0,
		PingInterval:   uint16(PingInterval.Milliseconds()),
		PingWindowSize: PingWindowSize,

		EventChannelLength: EventChannelLength,

		TcpKeepAliveInterval: uint16(TcpKeepAliveInterval / time.Second),
		TcpKeepAliveCount:    TcpKeepAliveCount,
		TcpDialTimeout:       uint16(TcpDialTimeout.Milliseconds()),
		TcpAcceptTimeout:     uint16(TcpAcceptTimeout.Milliseconds()),
		TcpReconnectInterval: uint16(TcpReconnectInterval.Milliseconds()),
		TcpWriteTimeout:      uint16(TcpWriteTimeout.Milliseconds()),

		MetricsAddress: "",

		LogPrefix: "",
		LogDebug:  false,
	}
}

// Load decodes a TOML file over Default and validates the result.
func Load(path string) (*Config, error) {
	c := Default()

	md, err := toml.DecodeFile(path, c)
	if err != nil {
		err = fmt.Errorf("failed to decode %s, err=%w", path, err)
		log.Error().Msgf("%s", err.Error())
		return nil, err
	}

	undecoded := md.Undecoded()
	if len(undecoded) > 0 {
		err = fmt.Errorf("unknown keys in %s: %v", path, undecoded)
		log.Error().Msgf("%s", err.Error())
		return nil, err
	}

	err = c.Validate()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Error().Msgf("%s", err.Error())
		return err
	}

	if c.SendFrequency > MaxSendFrequency {
		err := fmt.Errorf("invalid SendFrequency=%d, max=%d", c.SendFrequency, MaxSendFrequency)
		log.Error().Msgf("%s", err.Error())
		return err
	}

	if c.PingInterval != 0 && c.PingInterval < 10 {
		err := fmt.Errorf("invalid PingInterval=%d, min=10", c.PingInterval)
		log.Error().Msgf("%s", err.Error())
		return err
	}

	if c.TcpKeepAliveInterval != 0 && c.TcpKeepAliveCount == 0 {
		err := fmt.Errorf("invalid TcpKeepAliveCount=%d with TcpKeepAliveInterval=%d", c.TcpKeepAliveCount, c.TcpKeepAliveInterval)
		log.Error().Msgf("%s", err.Error())
		return err
	}

	return nil
}

// ValidateClient additionally requires a dialable target.
func (c *Config) ValidateClient() error {
	err := c.Validate()
	if err != nil {
		return err
	}

	if c.Address == "" {
		err := fmt.Errorf("invalid Address=%s", c.Address)
		log.Error().Msgf("%s", err.Error())
		return err
	}

	if c.Port == 0 {
		err := fmt.Errorf("invalid Port=%d", c.Port)
		log.Error().Msgf("%s", err.Error())
		return err
	}

	return nil
}

// Duration helpers apply the package defaults to zero fields.

func (c *Config) PingIntervalDuration() time.Duration {
	return millisOr(c.PingInterval, PingInterval)
}

func (c *Config) PingWindowSizeOrDefault() int {
	if c.PingWindowSize == 0 {
		return int(PingWindowSize)
	}
	return int(c.PingWindowSize)
}

func (c *Config) EventChannelLengthOrDefault() uint16 {
	if c.EventChannelLength == 0 {
		return EventChannelLength
	}
	return c.EventChannelLength
}

func (c *Config) TcpKeepAliveIntervalDuration() time.Duration {
	if c.TcpKeepAliveInterval == 0 {
		return TcpKeepAliveInterval
	}
	return time.Second * time.Duration(c.TcpKeepAliveInterval)
}

func (c *Config) TcpKeepAliveCountOrDefault() int {
	if c.TcpKeepAliveCount == 0 {
		return int(TcpKeepAliveCount)
	}
	return int(c.TcpKeepAliveCount)
}

func (c *Config) TcpDialTimeoutDuration() time.Duration {
	return millisOr(c.TcpDialTimeout, TcpDialTimeout)
}

func (c *Config) TcpAcceptTimeoutDuration() time.Duration {
	return millisOr(c.TcpAcceptTimeout, TcpAcceptTimeout)
}

func (c *Config) TcpReconnectIntervalDuration() time.Duration {
	return millisOr(c.TcpReconnectInterval, TcpReconnectInterval)
}

func (c *Config) TcpWriteTimeoutDuration() time.Duration {
	return millisOr(c.TcpWriteTimeout, TcpWriteTimeout)
}

func millisOr(v uint16, d time.Duration) time.Duration {
	if v == 0 {
		return d
	}
	return time.Millisecond * time.Duration(v)
}
