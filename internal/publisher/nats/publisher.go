// Package nats implements a NATS publisher. With a JetStream stream bound to
// the subjects, publishes are acknowledged and return the stream sequence.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config selects the server and publish mode.
type Config struct {
	URL           string
	SubjectPrefix string
	JetStream     bool
}

type coreConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher publishes JSON payloads to NATS subjects.
type Publisher struct {
	conn   coreConn
	js     streamPublisher
	prefix string
}

// Connect dials the server in cfg.URL.
func Connect(cfg Config) (*Publisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("posse-discovery"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := &Publisher{conn: nc, prefix: cfg.SubjectPrefix}
	if cfg.JetStream {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("get jetstream: %w", err)
		}
		p.js = js
	}
	return p, nil
}

// Subject maps a topic onto the configured subject namespace.
func (p *Publisher) Subject(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

// Publish marshals payload to JSON and publishes it. Core NATS publishes
// return an empty ID; JetStream publishes return "stream:sequence".
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.conn == nil && p.js == nil {
		return "", fmt.Errorf("nats publisher is not configured")
	}
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	subject := p.Subject(topic)

	if p.js != nil {
		ack, err := p.js.Publish(ctx, subject, data)
		if err != nil {
			return "", fmt.Errorf("publish to stream %s: %w", subject, err)
		}
		return ack.Stream + ":" + strconv.FormatUint(ack.Sequence, 10), nil
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return "", fmt.Errorf("publish %s: %w", subject, err)
	}
	return "", nil
}

// Close drains the connection so buffered messages are flushed.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
