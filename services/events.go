package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"tramites_app_go/config"
	"tramites_app_go/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Lifecycle event types
const (
	EventTramiteCreated      = "tramite.created"
	EventTramiteStateChanged = "tramite.state_changed"
	EventTramiteFinalized    = "tramite.finalized"
	EventTramiteCanceled     = "tramite.canceled"
	EventTramiteReopened     = "tramite.reopened"
	EventTramiteReassigned   = "tramite.reassigned"
)

// TramiteEventsQueue is the durable queue lifecycle events are published to
const TramiteEventsQueue = "tramite.events"

// TramiteEvent is published after a trámite mutation commits
type TramiteEvent struct {
	Type        string               `json:"type"`
	TramiteID   string               `json:"tramite_id"`
	DisplayID   string               `json:"display_id"`
	AgencyCode  string               `json:"agency_code"`
	Year        int                  `json:"year"`
	Consecutivo int                  `json:"consecutivo"`
	FromEstado  *models.TramiteState `json:"from_estado,omitempty"`
	ToEstado    models.TramiteState  `json:"to_estado"`
	ActorID     string               `json:"actor_id"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

func newTramiteEvent(eventType string, t *models.Tramite, from *models.TramiteState, actor string) TramiteEvent {
	return TramiteEvent{
		Type:        eventType,
		TramiteID:   t.ID,
		DisplayID:   t.DisplayID(),
		AgencyCode:  t.AgencyCodeSnapshot,
		Year:        t.Year,
		Consecutivo: t.Consecutivo,
		FromEstado:  from,
		ToEstado:    t.EstadoActual,
		ActorID:     actor,
		OccurredAt:  time.Now().UTC(),
	}
}

// EventPublisher delivers lifecycle events. Publishing is best effort: a
// failure never rolls back the mutation that produced the event.
type EventPublisher interface {
	Publish(ctx context.Context, event TramiteEvent) error
}

// NoopPublisher drops every event
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, event TramiteEvent) error {
	return nil
}

// NewEventPublisher returns an AMQP publisher when events are enabled
func NewEventPublisher(cfg *config.Config) EventPublisher {
	if !cfg.EventsEnabled || cfg.RabbitMQURL == "" {
		return NoopPublisher{}
	}
	log.Printf("Event publishing enabled (queue: %s)", TramiteEventsQueue)
	return &AMQPPublisher{url: cfg.RabbitMQURL, queue: TramiteEventsQueue}
}

// AMQPPublisher publishes persistent JSON messages to a durable RabbitMQ queue
type AMQPPublisher struct {
	url   string
	queue string
}

// defaultDialTimeout applies when the caller's context has no deadline
const defaultDialTimeout = 5 * time.Second

// dialTimeout bounds the TCP connect and AMQP handshake by ctx's deadline
func dialTimeout(ctx context.Context) (time.Duration, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return defaultDialTimeout, nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, context.DeadlineExceeded
	}
	return remaining, nil
}

// Publish dials the broker, declares the queue and publishes one message.
// The event type travels in the Type property so consumers can route on it.
func (p *AMQPPublisher) Publish(ctx context.Context, event TramiteEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq dial failed: %w", err)
	}
	timeout, err := dialTimeout(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq dial failed: %w", err)
	}

	conn, err := amqp.DialConfig(p.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return fmt.Errorf("rabbitmq dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq queue declare failed: %w", err)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         event.Type,
		MessageId:    event.TramiteID + ":" + event.OccurredAt.Format(time.RFC3339Nano),
		Body:         body,
	}

	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, pub); err != nil {
		return fmt.Errorf("rabbitmq publish failed: %w", err)
	}
	return nil
}
