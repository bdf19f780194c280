package client

// ReferenceQuery identifies the reference figure for one commodity line.
type ReferenceQuery struct {
	DistrictCode string
	Commodity    string
	Unit         string
	Month        int
	Year         int
}

// ReferenceQuantityResponse is the reference feed payload. Quantity is a
// decimal string so no precision is lost in transit.
type ReferenceQuantityResponse struct {
	Quantity string `json:"quantity"`
}

// Bill event types published on notifications.bvas.<event_type>.
const (
	EventBillSubmitted   = "bill_submitted"
	EventBillResubmitted = "bill_resubmitted"
	EventBillApproved    = "bill_approved"
	EventBillRejected    = "bill_rejected"
	EventBillLocked      = "bill_locked"
	EventBillUnlocked    = "bill_unlocked"
)

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	DistrictCode string         `json:"district_code"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}
