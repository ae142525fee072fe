package eventlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"appforge/pkg/proto"
)

// DefaultSubject prefixes published event subjects.
const DefaultSubject = "appforge.events"

// publisher is the part of *nats.Conn the Publisher needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// Publisher publishes each event on "<subject>.<project>".
type Publisher struct {
	conn    publisher
	subject string
	closer  func()
}

// NewPublisher connects to the NATS server at url.
func NewPublisher(url, subject string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("appforge"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	p := newPublisher(conn, subject)
	p.closer = conn.Close
	return p, nil
}

func newPublisher(conn publisher, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: conn, subject: subject}
}

// Subject returns the subject events of projectID are published on.
func (p *Publisher) Subject(projectID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, projectID)
	if token == "" {
		token = "_"
	}
	return p.subject + "." + token
}

func (p *Publisher) Send(e proto.Event) error {
	data, err := e.ToJSON()
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.Subject(e.ProjectID), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

// Close drops the connection.
func (p *Publisher) Close() {
	if p.closer != nil {
		p.closer()
	}
}
