// Package events publishes dashboard and alert events to NATS.
package events

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
)

const (
	SubjectMetrics = "tourist.metrics"
	SubjectAlerts  = "tourist.alerts"
)

// Publisher writes JSON events to NATS subjects.
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn}
}

// Publish encodes payload and sends it on subject. A nil publisher drops the
// event so callers can run without a broker.
func (p *Publisher) Publish(ctx context.Context, subject, eventType string, payload any) error {
	if p == nil || p.conn == nil {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	return p.conn.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: nats.Header{
		"x-trace-id":   {traceIDFromContext(ctx)},
		"x-event-type": {eventType},
	}})
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
