package mcp

import (
	"time"

	"github.com/coedit/mcpd/internal/mcp/frame"
)

// ProtocolVersion is advertised during the handshake exchange.
const ProtocolVersion = "1.0.0"

// DefaultCapabilities advertised by this client.
var DefaultCapabilities = []string{"undo", "redo", "sync", "reconciliation"}

// Config defines client transport and reliability defaults.
type Config struct {
	Host         string
	Port         int
	InstanceID   string
	Version      string
	Capabilities []string

	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration
	RequestTimeout    time.Duration

	Limits frame.Limits
}

func DefaultConfig() Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              15000,
		Version:           ProtocolVersion,
		Capabilities:      DefaultCapabilities,
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      15 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		LivenessWindow:    90 * time.Second,
		RequestTimeout:    30 * time.Second,
		Limits:            frame.DefaultLimits(),
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.Version == "" {
		c.Version = def.Version
	}
	if len(c.Capabilities) == 0 {
		c.Capabilities = def.Capabilities
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = def.LivenessWindow
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	return c
}
