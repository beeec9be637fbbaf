// Package config loads binary configuration from an optional YAML
// file with defaults for everything, so both binaries run with no
// file at all.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Rendezvous configures rendezvousd.
type Rendezvous struct {
	SignalAddr  string        `mapstructure:"signal_addr"`
	APIAddr     string        `mapstructure:"api_addr"`
	MaxRoomSize int           `mapstructure:"max_room_size"`
	PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	LogLevel    string        `mapstructure:"log_level"`
}

// Client configures the presence engine.
type Client struct {
	Endpoint           string        `mapstructure:"endpoint"`
	RoomID             string        `mapstructure:"room_id"`
	BroadcastRate      int           `mapstructure:"broadcast_rate"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	LivenessTimeout    time.Duration `mapstructure:"liveness_timeout"`
	ReconnectBase      time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax       time.Duration `mapstructure:"reconnect_max"`
	MaxRestarts        int           `mapstructure:"max_restarts"`
	ICEServers         []string      `mapstructure:"ice_servers"`
	LogLevel           string        `mapstructure:"log_level"`
}

// LoadRendezvous reads rendezvousd settings; a missing file means
// defaults only.
func LoadRendezvous(path string) (*Rendezvous, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("signal_addr", ":8888")
	v.SetDefault("api_addr", ":8080")
	v.SetDefault("max_room_size", 8)
	v.SetDefault("presence_ttl", "30s")
	v.SetDefault("log_level", "info")

	if err := readIn(v, path); err != nil {
		return nil, err
	}

	var cfg Rendezvous
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// LoadClient reads presence engine settings; a missing file means
// defaults only.
func LoadClient(path string) (*Client, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("endpoint", "ws://localhost:8888")
	v.SetDefault("room_id", "lobby")
	v.SetDefault("broadcast_rate", 60)
	v.SetDefault("negotiation_timeout", "30s")
	v.SetDefault("liveness_timeout", "45s")
	v.SetDefault("reconnect_base", "1s")
	v.SetDefault("reconnect_max", "30s")
	v.SetDefault("max_restarts", 2)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("log_level", "info")

	if err := readIn(v, path); err != nil {
		return nil, err
	}

	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func readIn(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}
