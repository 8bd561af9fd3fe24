// Package natsbroker adapts the broker contract to NATS. Topics use /
// separators at the engine boundary and map onto dotted NATS subjects;
// message headers ride NATS headers with their exact key casing, since
// broker peers match keys like campaignId literally. Persistent
// publishes go through JetStream when a stream is configured and
// degrade to plain publishes otherwise.
package natsbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/sciops/campaignd/pkg/broker"
)

// contentTypeHeader carries the body content type across the wire; it is
// split back out of the header map on delivery.
const contentTypeHeader = "content-type"

// Config selects the NATS endpoint and the optional JetStream stream for
// persistent publishes.
type Config struct {
	URL      string
	Username string
	Password string
	// Name labels the connection in broker monitoring.
	Name string
	// StreamName, when set, provisions a JetStream stream capturing
	// StreamSubjects at connect time and routes persistent publishes
	// through it. StreamSubjects must be non-empty when StreamName is set.
	StreamName     string
	StreamSubjects []string
}

// Broker is a NATS-backed publisher with a single inbound subscription
// feeding a MessageSink.
type Broker struct {
	conn *nats.Conn
	js   jetstream.JetStream
	sub  *nats.Subscription
}

// Connect dials the broker and provisions the JetStream stream when
// configured. A failed dial is fatal and reports broker.ErrUnavailable;
// once connected, the client reconnects indefinitely on its own.
func Connect(ctx context.Context, cfg Config) (*Broker, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("Broker connection lost", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("Broker connection restored", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", broker.ErrUnavailable, cfg.URL, err)
	}

	b := &Broker{conn: conn}
	if cfg.StreamName != "" {
		if len(cfg.StreamSubjects) == 0 {
			conn.Close()
			return nil, errors.New("stream subjects are required when a stream name is set")
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("creating JetStream context: %w", err)
		}
		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     cfg.StreamName,
			Subjects: cfg.StreamSubjects,
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("provisioning stream %s: %w", cfg.StreamName, err)
		}
		b.js = js
	}
	return b, nil
}

// Publish sends one message to the subject mapped from topic. With
// persist set and a stream configured, the publish waits for the
// JetStream acknowledgement.
func (b *Broker) Publish(ctx context.Context, topic string, body []byte, contentType string, headers map[string]string, persist bool) error {
	msg := &nats.Msg{
		Subject: ToSubject(topic),
		Data:    body,
		Header:  make(nats.Header, len(headers)+1),
	}
	for k, v := range headers {
		msg.Header[k] = []string{v}
	}
	if contentType != "" {
		msg.Header[contentTypeHeader] = []string{contentType}
	}

	if persist && b.js != nil {
		if _, err := b.js.PublishMsg(ctx, msg); err != nil {
			return fmt.Errorf("publishing %s to stream: %w", topic, err)
		}
		return nil
	}
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens the inbound subscription. subject uses NATS syntax
// (tokens and wildcards); every delivered message reaches sink on a
// broker goroutine. The broker holds a single subscription; calling
// Subscribe again replaces it.
func (b *Broker) Subscribe(subject string, sink broker.MessageSink) error {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			slog.Warn("Replacing broker subscription", "error", err)
		}
	}
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		contentType, headers := splitHeader(msg.Header)
		sink.HandleBrokerMessage(msg.Data, contentType, headers)
	})
	if err != nil {
		return fmt.Errorf("%w: subscribing to %s: %v", broker.ErrUnavailable, subject, err)
	}
	b.sub = sub
	return nil
}

// IsConnected reports whether the underlying connection is currently up.
func (b *Broker) IsConnected() bool {
	return b != nil && b.conn != nil && b.conn.IsConnected()
}

// Close drains in-flight messages and closes the connection.
func (b *Broker) Close() {
	if b == nil || b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		slog.Warn("Draining broker connection", "error", err)
	}
	b.conn.Close()
}

// ToSubject maps a /-separated broker topic onto a NATS subject.
func ToSubject(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// ToTopic is the inverse mapping for inbound subjects.
func ToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// splitHeader flattens NATS headers to the sink's map form, extracting
// the content type. First values win; keys keep their wire casing.
func splitHeader(h nats.Header) (string, map[string]string) {
	contentType := ""
	headers := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if strings.EqualFold(key, contentTypeHeader) {
			contentType = values[0]
			continue
		}
		headers[key] = values[0]
	}
	return contentType, headers
}
