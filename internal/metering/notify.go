package metering

import "context"

// Event types delivered out of band to a tenant's connected clients.
const (
	EventInteractionStatus = "interaction_status"
	EventEnrichmentStatus  = "enrichment_status"
	EventRefundIssued      = "refund_issued"
	EventBalanceChanged    = "balance_changed"
	EventLeadsDiscovered   = "leads_discovered"
)

// Event is a tenant-scoped status change.
type Event struct {
	Type     string         `json:"type"`
	TenantID string         `json:"tenantId"`
	Data     map[string]any `json:"data,omitempty"`
}

// Notifier delivers events. Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Event) {}

// Notify forwards ev to the configured notifier.
func (s *Service) Notify(ctx context.Context, ev Event) {
	s.notifier.Publish(ctx, ev)
}

// NotifyBalance publishes the balance after a committed change.
func (s *Service) NotifyBalance(ctx context.Context, tenantID string, balance int64) {
	s.Notify(ctx, Event{
		Type:     EventBalanceChanged,
		TenantID: tenantID,
		Data:     map[string]any{"balance": balance},
	})
}
