package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/atmx/updown-engine/internal/metrics"
)

// NATSPublisher publishes events on core NATS subjects "<prefix>.<type>".
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// ConnectNATS dials url with reconnect handling wired to log.
func ConnectNATS(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// NewNATSPublisher creates a publisher on an established connection.
func NewNATSPublisher(nc *nats.Conn, prefix string, log zerolog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "updown"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, log: log}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.log.Error().Err(err).Str("event", string(e.Type)).Msg("encode event")
		metrics.EventsPublished.WithLabelValues("nats", "error").Inc()
		return
	}
	if err := p.nc.Publish(p.Subject(e.Type), data); err != nil {
		p.log.Warn().Err(err).Str("event", string(e.Type)).Msg("publish event")
		metrics.EventsPublished.WithLabelValues("nats", "error").Inc()
		return
	}
	metrics.EventsPublished.WithLabelValues("nats", "ok").Inc()
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
