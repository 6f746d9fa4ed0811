package event

import (
	"context"
	"log/slog"

	nats "github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject events are mirrored to.
const DefaultSubject = "garden.events"

// NATSSink publishes events to a NATS subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink returns a sink publishing on subject through conn.
func NewNATSSink(conn *nats.Conn, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{conn: conn, subject: subject}
}

// Emit implements Sink.Emit.
func (s *NATSSink) Emit(ctx context.Context, e Event) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	return s.conn.Publish(s.subject, data)
}

// SubscribeNATS streams events published on subject until ctx is done.
// Messages that do not decode are logged and skipped.
func SubscribeNATS(ctx context.Context, conn *nats.Conn, subject string) (<-chan Event, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	msgs := make(chan *nats.Msg, 64)
	sub, err := conn.ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-msgs:
				e, err := Decode(m.Data)
				if err != nil {
					slog.Warn("garden: undecodable event", "subject", subject, "error", err)
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
