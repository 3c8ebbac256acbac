// Package broker carries remote process launches between runners.
//
// A launch is only a process id: the receiving runner restores the process
// from its checkpoint.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/muhrin/aiida-core/internal/config"
	"github.com/muhrin/aiida-core/internal/core"
)

// ErrClosed is returned by a connector after Close.
var ErrClosed = errors.New("broker connector closed")

// Connector publishes and consumes process launches.
type Connector interface {
	// Launch asks some runner to continue pid.
	Launch(ctx context.Context, pid int64) error

	// Next pops the oldest pending launch. ok is false when none is pending.
	Next(ctx context.Context) (pid int64, ok bool, err error)

	Close() error
}

// Factory opens a connector. Each runner dials its own.
type Factory func(ctx context.Context) (Connector, error)

// QueueName returns the launch queue key for prefix.
func QueueName(prefix string) string {
	return prefix + ".process.queue"
}

// launchMessage is the wire form of a launch.
type launchMessage struct {
	PID int64 `json:"pid"`
}

func encodeLaunch(pid int64) (string, error) {
	data, err := json.Marshal(launchMessage{PID: pid})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeLaunch(raw string) (int64, error) {
	var msg launchMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return 0, fmt.Errorf("decoding launch %q: %w", raw, err)
	}
	if msg.PID <= 0 {
		return 0, fmt.Errorf("launch %q has no pid", raw)
	}
	return msg.PID, nil
}

// Dial opens a single connector for cfg.
func Dial(ctx context.Context, cfg config.BrokerConfig) (Connector, error) {
	f, err := NewFactory(cfg)
	if err != nil {
		return nil, err
	}
	return f(ctx)
}

// NewFactory returns a factory for cfg. Connectors from one memory factory
// share a queue, so parent and child runners see each other's launches.
func NewFactory(cfg config.BrokerConfig) (Factory, error) {
	if !cfg.Enabled {
		return nil, core.ErrConfiguration(core.CodeInvalidConfig, "broker is disabled")
	}
	switch strings.ToLower(cfg.Backend) {
	case "redis":
		return func(ctx context.Context) (Connector, error) {
			return DialRedis(ctx, cfg)
		}, nil
	case "memory":
		q := NewMemoryQueue()
		return func(context.Context) (Connector, error) {
			return q.Connector(), nil
		}, nil
	default:
		return nil, core.ErrConfiguration(core.CodeInvalidConfig,
			fmt.Sprintf("unsupported broker backend %q", cfg.Backend))
	}
}

// closeFlag is embedded by connectors to reject use after Close.
type closeFlag struct {
	mu     sync.Mutex
	closed bool
}

func (c *closeFlag) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// markClosed reports whether this call closed it.
func (c *closeFlag) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}
