package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alem-hub/research-pipeline/internal/domain/shared"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// NATS PUBLISHER
// ══════════════════════════════════════════════════════════════════════════════

// NATSConfig contains configuration for NATSPublisher.
type NATSConfig struct {
	URL string
	// SubjectPrefix is prepended to the event type: "research.contribution.validated".
	SubjectPrefix string
	Source        string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
	Logger        *logger.Logger
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "research",
		Source:        "research-pipeline",
		Name:          "research-pipeline",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: 60,
	}
}

// NATSPublisher publishes event envelopes to NATS. The event id travels in
// the Nats-Msg-Id header so a JetStream stream dedupes redeliveries.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	source string
	log    *logger.Logger
}

// NewNATSPublisher connects to NATS.
func NewNATSPublisher(config NATSConfig) (*NATSPublisher, error) {
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	log := config.Logger.With(logger.Component("nats_publisher"))

	conn, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logger.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logger.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect nats: %w", err)
	}
	return &NATSPublisher{
		conn:   conn,
		prefix: config.SubjectPrefix,
		source: config.Source,
		log:    log,
	}, nil
}

// Subject returns the subject an event type is published on.
func Subject(prefix string, eventType shared.EventType) string {
	if prefix == "" {
		return string(eventType)
	}
	return strings.TrimSuffix(prefix, ".") + "." + string(eventType)
}

// Publish sends the event. The connection buffers while reconnecting, so a
// nil error means the message was accepted locally.
func (p *NATSPublisher) Publish(ctx context.Context, event shared.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEnvelope(event, p.source)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(Subject(p.prefix, event.EventType()))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.EventID())

	if err := p.conn.PublishMsg(msg); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("messaging: nats closed: %w", err)
		}
		return fmt.Errorf("messaging: nats publish %s: %w", event.EventType(), err)
	}
	return nil
}

// Ping flushes the connection as a health check.
func (p *NATSPublisher) Ping(ctx context.Context) error {
	return p.conn.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

var _ shared.EventPublisher = (*NATSPublisher)(nil)
