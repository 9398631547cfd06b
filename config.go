package pclient

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Properties are the client settings which can be read from a YAML
// file. Zero or negative durations fall back to their default.
type Properties struct {
	InvocationTimeoutSeconds int      `yaml:"invocation_timeout_seconds,omitempty"`
	HeartbeatIntervalSeconds int      `yaml:"heartbeat_interval_seconds,omitempty"`
	HeartbeatTimeoutSeconds  int      `yaml:"heartbeat_timeout_seconds,omitempty"`
	DialTimeoutSeconds       int      `yaml:"dial_timeout_seconds,omitempty"`
	RedoOperation            bool     `yaml:"redo_operation,omitempty"`
	MaxConcurrentInvocations int64    `yaml:"max_concurrent_invocations,omitempty"`
	NodeName                 string   `yaml:"node_name,omitempty"`
	BindAddr                 string   `yaml:"bind_addr,omitempty"`
	BindPort                 int      `yaml:"bind_port,omitempty"`
	Neighbours               []string `yaml:"neighbours,omitempty"`
}

// LoadProperties reads a properties file.
func LoadProperties(path string) (*Properties, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open properties: %w", err)
	}
	defer f.Close()

	return ParseProperties(f)
}

// ParseProperties decodes a YAML document. Unknown keys are rejected so
// that typos do not silently fall back to defaults.
func ParseProperties(r io.Reader) (*Properties, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	props := &Properties{}
	err := decoder.Decode(props)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode yaml: %w", ErrInvalidCfg, err)
	}

	if props.MaxConcurrentInvocations < 0 {
		return nil, fmt.Errorf("%w: max_concurrent_invocations must not be negative", ErrInvalidCfg)
	}
	return props, nil
}

func (p *Properties) InvocationTimeout() time.Duration {
	return secondsOr(p.InvocationTimeoutSeconds, DefaultInvocationTimeout)
}

func (p *Properties) HeartbeatInterval() time.Duration {
	return secondsOr(p.HeartbeatIntervalSeconds, DefaultHeartbeatInterval)
}

func (p *Properties) HeartbeatTimeout() time.Duration {
	return secondsOr(p.HeartbeatTimeoutSeconds, DefaultHeartbeatTimeout)
}

func (p *Properties) DialTimeout() time.Duration {
	return secondsOr(p.DialTimeoutSeconds, DefaultDialTimeout)
}

func secondsOr(seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}
