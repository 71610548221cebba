package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL string `yaml:"url" env:"URL"`
	// SubjectPrefix is prepended to "<subscription id>.<event type>".
	SubjectPrefix string        `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
	ConnectWait   time.Duration `yaml:"connect_wait" env:"CONNECT_WAIT"`
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "subscriptions",
		ConnectWait:   2 * time.Second,
	}
}

// Conn is the subset of *nats.Conn used by NATSPublisher.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes transitions as JSON on
// "<prefix>.<subscription id>.<event type>".
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// DialNATS connects to NATS and returns a publisher on the connection.
func DialNATS(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("subscriptions"),
		nats.Timeout(cfg.ConnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("NATS publisher connected", "url", cfg.URL)
	return NewNATSPublisher(conn, cfg.SubjectPrefix, logger), nil
}

// NewNATSPublisher publishes on an existing connection.
func NewNATSPublisher(conn Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject a transition is published on.
func (p *NATSPublisher) Subject(t Transition) string {
	parts := []string{token(t.SubscriptionID), string(t.Event)}
	if p.prefix != "" {
		parts = append([]string{p.prefix}, parts...)
	}
	return strings.Join(parts, ".")
}

func (p *NATSPublisher) Publish(_ context.Context, t Transition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	subject := p.Subject(t)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to subject %q: %w", subject, err)
	}
	p.logger.Debug("Transition published to NATS", "subject", subject, "seq", t.Sequence)
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// token makes an id safe for use as a single subject token.
func token(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}
