package events

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

// Domain event names, appended to the subject prefix.
const (
	MatchStarted   = "match_started"
	MatchCancelled = "match_cancelled"
	MatchExpired   = "match_expired"
	GameSettled    = "game_settled"
	SegmentChanged = "segment_changed"
	SeasonReset    = "season_reset"
)

// Event is the envelope every published message carries.
type Event struct {
	Name       string      `json:"name"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// Publisher emits domain events. Publishing is best effort: callers log failures.
type Publisher interface {
	Publish(ctx context.Context, name string, payload interface{}) error
	Close()
}

// NatsPublisher publishes JSON envelopes to {prefix}.{event}.
type NatsPublisher struct {
	conn   *nats.Conn
	prefix string
}

// ConnectNats dials the server with reconnect handling logged through logrus.
func ConnectNats(url, prefix string) (*NatsPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("tournament-engine"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logrus.WithError(err).Warn("[Events] nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logrus.WithField("url", c.ConnectedUrl()).Info("[Events] nats reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logrus.Info("[Events] nats connection closed")
		}),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to connect to nats at %s", url)
	}
	return NewNatsPublisher(conn, prefix), nil
}

func NewNatsPublisher(conn *nats.Conn, prefix string) *NatsPublisher {
	return &NatsPublisher{conn: conn, prefix: prefix}
}

func (p *NatsPublisher) Subject(name string) string {
	if p.prefix == "" {
		return name
	}
	return p.prefix + "." + name
}

func (p *NatsPublisher) Publish(ctx context.Context, name string, payload interface{}) error {
	data, err := json.Marshal(Event{Name: name, OccurredAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		return eris.Wrapf(err, "failed to encode %s event", name)
	}
	if err := p.conn.Publish(p.Subject(name), data); err != nil {
		return eris.Wrapf(err, "failed to publish %s event", name)
	}
	return nil
}

func (p *NatsPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		logrus.WithError(err).Warn("[Events] nats drain failed")
		p.conn.Close()
	}
}

// LogPublisher writes events to the log when no broker is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, name string, payload interface{}) error {
	logrus.WithFields(logrus.Fields{"event": name, "payload": payload}).Debug("[Events] domain event")
	return nil
}

func (LogPublisher) Close() {}
