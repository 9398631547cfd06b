package pclient

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

type config struct {
	mlCfg        *memberlist.Config
	trCfg        TransportConfig
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string

	invocationTimeout time.Duration
	heartbeatInterval time.Duration
	redo              bool
	maxConcurrent     int64
}

// Option to pass to `Create`
type Option func(*config) error

// WithListenOn specifies which interface the gossip protocol listens on.
// Member connections are always dialed from an ephemeral port.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.trCfg.BindAddr = addr
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithNodeName specifies the name of the client in the gossip pool. It
// MUST be unique, defaults to `client-<uuid>`.
func WithNodeName(name string) Option {
	return func(c *config) error {
		if name != "" {
			c.mlCfg.Name = name
		}
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// client.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels

		// memberlist still emits through the armon module.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used to connect to members. Use
// mTLS in production.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// by the client.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// member to accept a connection.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			timeout = DefaultDialTimeout
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithNeighbours controls which members are tried initially to join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithInvocationTimeout bounds the time an invocation keeps being
// retried.
func WithInvocationTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			timeout = DefaultInvocationTimeout
		}
		c.invocationTimeout = timeout
		return nil
	}
}

// WithHeartbeatInterval sets how often members are pinged.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			interval = DefaultHeartbeatInterval
		}
		c.heartbeatInterval = interval
		c.trCfg.HeartbeatInterval = interval
		return nil
	}
}

// WithHeartbeatTimeout sets after how long a silent member is
// considered dead.
func WithHeartbeatTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			timeout = DefaultHeartbeatTimeout
		}
		c.trCfg.HeartbeatTimeout = timeout
		return nil
	}
}

// WithRedoOperation allows retrying requests which are not idempotent.
func WithRedoOperation(redo bool) Option {
	return func(c *config) error {
		c.redo = redo
		return nil
	}
}

// WithMaxConcurrentInvocations rejects invocations with `ErrOverload`
// once max of them are in flight. Zero means unbounded.
func WithMaxConcurrentInvocations(max int64) Option {
	return func(c *config) error {
		if max < 0 {
			return fmt.Errorf("max concurrent invocations must not be negative, got %d", max)
		}
		c.maxConcurrent = max
		return nil
	}
}

// WithProperties applies the settings of a properties file. Options
// given after it take precedence.
func WithProperties(props *Properties) Option {
	return func(c *config) error {
		if props == nil {
			return nil
		}

		opts := []Option{
			WithInvocationTimeout(props.InvocationTimeout()),
			WithHeartbeatInterval(props.HeartbeatInterval()),
			WithHeartbeatTimeout(props.HeartbeatTimeout()),
			WithDialTimeout(props.DialTimeout()),
			WithRedoOperation(props.RedoOperation),
			WithMaxConcurrentInvocations(props.MaxConcurrentInvocations),
			WithNodeName(props.NodeName),
		}
		if props.BindAddr != "" || props.BindPort != 0 {
			opts = append(opts, WithListenOn(props.BindAddr, props.BindPort))
		}
		if len(props.Neighbours) > 0 {
			opts = append(opts, WithNeighbours(props.Neighbours))
		}

		for _, opt := range opts {
			if err := opt(c); err != nil {
				return err
			}
		}
		return nil
	}
}
