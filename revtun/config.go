package revtun

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint is a "host:port" forwarding destination a relay tunnels a proxy
// connection to, e.g. a service reachable only from the relay client's
// network.
type Endpoint string

// ServerConfig holds everything the server side needs to start listening.
// Field names mirror the original Settings module's server-facing knobs
// (spec §6 "Configuration options").
type ServerConfig struct {
	// ManagerHost/ManagerPort is where the manager client dials in.
	ManagerHost string `yaml:"manager_host"`
	ManagerPort int    `yaml:"manager_port"`

	// RelayHost/RelayPort is where relay clients dial in.
	RelayHost string `yaml:"relay_host"`
	RelayPort int    `yaml:"relay_port"`

	// AuthToken must match on every manager and relay connection.
	AuthToken string `yaml:"auth_token"`

	// AuthTimeout bounds how long a freshly accepted connection may sit in
	// WaitAuth before it is force-closed.
	AuthTimeout time.Duration `yaml:"auth_timeout"`

	// IdleReplierNum is how many relay sockets to request from a manager
	// the moment it becomes the active manager, so the pool is pre-warmed
	// rather than built lazily per incoming proxy connection.
	IdleReplierNum int `yaml:"idle_replier_num"`

	// InternalEndpoints are proxy ports created at startup rather than on
	// demand through the admin API.
	InternalEndpoints []InternalEndpointConfig `yaml:"internal_endpoints"`

	// Logger is used for all server-side components; defaults to a
	// reasonable BasicLogger if nil. Never populated from YAML.
	Logger Logger `yaml:"-"`
}

// InternalEndpointConfig describes one proxy port to pre-create at server
// startup: BindPort is the local port to listen on (0 picks an ephemeral
// port), and Endpoint is the remote "host:port" the relay client should
// dial once a tunnel is requested against it.
type InternalEndpointConfig struct {
	BindPort int      `yaml:"bind_port"`
	Endpoint Endpoint `yaml:"endpoint"`
}

// LoadServerConfigFile reads a YAML server config file, rejecting unknown
// fields so a typo'd key fails fast rather than silently no-op'ing.
func LoadServerConfigFile(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("revtun: read server config %s: %w", path, err)
	}
	var cfg ServerConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("revtun: parse server config %s: %w", path, err)
	}
	return &cfg, nil
}

// ClientConfig holds everything the client runtime needs: where the
// manager and relay servers live, the shared auth token, and the redial
// bounds. It carries no local address: each NewTunnel names the endpoint
// to dial.
type ClientConfig struct {
	ManagerHost string
	ManagerPort int

	RelayHost string
	RelayPort int

	AuthToken string

	// RedialMin/RedialMax bound the manager reconnect loop. Zero values
	// fall back to a flat 1s redial delay (spec: "sleep 1s and redial"),
	// not backoff.Backoff's own exponential defaults.
	RedialMin time.Duration
	RedialMax time.Duration

	Logger Logger
}

func (c *ServerConfig) logger() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return NewLogger("server: ", LogLevelInfo)
}

func (c *ClientConfig) logger() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return NewLogger("client: ", LogLevelInfo)
}
