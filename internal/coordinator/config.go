package coordinator

import (
	"time"

	"github.com/coedit/mcpd/internal/engine"
	"github.com/coedit/mcpd/internal/mcp"
)

// Config wires the bridge: one protocol client, one engine, reconnect
// policy, and the optional admin HTTP surface.
type Config struct {
	InstanceID     string
	Client         mcp.Config
	Engine         engine.Config
	ReconnectDelay time.Duration
	ForwardBuffer  int
	AdminAddr      string
	CORSOrigins    []string
}

func DefaultConfig() Config {
	return Config{
		Client:         mcp.DefaultConfig(),
		ReconnectDelay: 5 * time.Second,
		ForwardBuffer:  256,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.ForwardBuffer <= 0 {
		c.ForwardBuffer = def.ForwardBuffer
	}
	if c.InstanceID == "" {
		c.InstanceID = c.Client.InstanceID
	}
	return c
}
