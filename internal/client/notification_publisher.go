package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Lead event types.
const (
	EventLeadsDistributed = "leads_distributed"
	EventLeadReassigned   = "lead_reassigned"
	EventLeadsRecaptured  = "leads_recaptured"
	EventCampaignReset    = "campaign_reset"
	EventBatchImported    = "batch_imported"
)

// NotificationPublisher publishes lead allocation events to NATS for the
// notifications service.
//
// Subject convention: <prefix>.<event_type>, prefix defaults to
// notifications.crm.
//
// Publishing is non-fatal: errors are logged and never returned, so a broker
// outage never interrupts allocation.
type NotificationPublisher struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	CampaignID   string         `json:"campaign_id"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher on conn. A nil conn yields a
// publisher that drops every event.
func NewNotificationPublisher(conn *nats.Conn, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.crm"
	}
	return &NotificationPublisher{conn: conn, prefix: prefix, log: log}
}

// Connect dials NATS with the reconnect behaviour the service expects.
func Connect(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
}

// PublishLeadEvent publishes a lead event.
// Subject: <prefix>.<eventType>
func (p *NotificationPublisher) PublishLeadEvent(ctx context.Context, eventType, campaignID, actorID string, recipients []string, payload map[string]any) {
	if p == nil || p.conn == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}
	if ctx.Err() != nil {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		CampaignID:   campaignID,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "campaign",
		ResourceID:   campaignID,
		Severity:     "info",
		Category:     "crm_leads",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("campaign_id", campaignID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("campaign_id", campaignID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
