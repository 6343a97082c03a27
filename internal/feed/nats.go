package feed

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// #region nats
// NATSSource delivers feedback published on a subject. Each message body
// is one JSON envelope.
type NATSSource struct {
	conn *nats.Conn
	sub  *nats.Subscription
}

// SubscribeNATS connects to url and delivers every decodable message on
// subject to deliver. Messages are handled on the connection's dispatch
// goroutine, one at a time.
func SubscribeNATS(url, subject string, logger *slog.Logger, deliver func(Envelope)) (*NATSSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "feed"), slog.String("subject", subject))

	conn, err := nats.Connect(url,
		nats.Name("quality-controller"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	sub, err := conn.Subscribe(subject, Handler(logger, deliver))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	logger.Info("Subscribed to feedback", slog.String("url", url))
	return &NATSSource{conn: conn, sub: sub}, nil
}

// Handler decodes message bodies and passes envelopes to deliver.
// Undecodable messages are logged and dropped.
func Handler(logger *slog.Logger, deliver func(Envelope)) nats.MsgHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(msg *nats.Msg) {
		env, err := Decode(msg.Data)
		if err != nil {
			logger.Warn("Dropping feedback message", slog.String("error", err.Error()))
			return
		}
		deliver(env)
	}
}

// Close drains the subscription and closes the connection.
func (s *NATSSource) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("drain NATS: %w", err)
	}
	return nil
}

// #endregion nats
