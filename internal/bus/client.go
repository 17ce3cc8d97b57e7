// Package bus publishes room lifecycle events on NATS so other services
// can follow room activity without polling the HTTP API.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/comet/internal/config"
	"github.com/loqalabs/comet/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection and JetStream context.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	prefix string
	log    *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("comet"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn:   conn,
		js:     js,
		prefix: cfg.SubjectPrefix,
		log:    log,
	}, nil
}

// EnsureStream creates or updates the stream that retains room events.
func (c *Client) EnsureStream(name string, maxAge time.Duration) error {
	sc := &nats.StreamConfig{
		Name:     name,
		Subjects: []string{protocol.RoomSubjectFilter(c.prefix, "")},
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
	}
	if _, err := c.js.StreamInfo(name); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("lookup stream %s: %w", name, err)
		}
		if _, err := c.js.AddStream(sc); err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
		c.log.Info("created event stream", slog.String("stream", name))
		return nil
	}
	if _, err := c.js.UpdateStream(sc); err != nil {
		return fmt.Errorf("update stream %s: %w", name, err)
	}
	return nil
}

// Publish sends ev on its room subject.
func (c *Client) Publish(ev protocol.RoomEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.conn.Publish(protocol.RoomSubject(c.prefix, ev.RoomID, ev.Type), data)
}

// Subscribe delivers every room event matching roomID ("" for all rooms)
// to fn until the returned subscription is drained.
func (c *Client) Subscribe(roomID string, fn func(protocol.RoomEvent)) (*nats.Subscription, error) {
	return c.conn.Subscribe(protocol.RoomSubjectFilter(c.prefix, roomID), func(msg *nats.Msg) {
		var ev protocol.RoomEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.Debug("ignoring malformed room event", slog.String("subject", msg.Subject))
			return
		}
		fn(ev)
	})
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}
