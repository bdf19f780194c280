package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-bvas-bills/internal/platform/logger"
	"github.com/pesio-ai/be-bvas-bills/internal/repository"
)

// Publisher is the subset of *nats.Conn the notification publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NotificationPublisher publishes bill lifecycle events to NATS for the
// notifications service.
//
// Subject convention: <prefix>.<event_type>, prefix defaulting to
// notifications.bvas.
//
// Publishing is non-fatal: errors are logged and counted but never returned,
// so a broker outage never interrupts a committed transition.
type NotificationPublisher struct {
	conn      Publisher
	prefix    string
	log       *logger.Logger
	onFailure func()
}

// NewNotificationPublisher creates a publisher. A nil conn disables
// publishing. onFailure, if set, is called for every failed publish.
func NewNotificationPublisher(conn Publisher, prefix string, log *logger.Logger, onFailure func()) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.bvas"
	}
	return &NotificationPublisher{conn: conn, prefix: prefix, log: log, onFailure: onFailure}
}

// PublishBillEvent publishes one bill event.
func (p *NotificationPublisher) PublishBillEvent(ctx context.Context, eventType string, bill *repository.Bill, actorID string, remarks *string) {
	if p == nil || p.conn == nil || bill == nil {
		return
	}

	payload := map[string]any{
		"vendor_id":       bill.VendorID,
		"month":           bill.Month,
		"year":            bill.Year,
		"status":          string(bill.Status),
		"rejection_count": bill.RejectionCount,
		"is_locked":       bill.IsLocked,
	}
	if remarks != nil && *remarks != "" {
		payload["remarks"] = *remarks
	}

	severity := "info"
	if eventType == EventBillRejected || eventType == EventBillLocked {
		severity = "warning"
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      actorID,
		ResourceType: "bill",
		ResourceID:   bill.ID,
		DistrictCode: bill.DistrictCode,
		Severity:     severity,
		Category:     "bill_verification",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.fail()
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.fail()
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("bill_id", bill.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("bill_id", bill.ID).
		Msg("notification: event published")
}

func (p *NotificationPublisher) fail() {
	if p.onFailure != nil {
		p.onFailure()
	}
}
