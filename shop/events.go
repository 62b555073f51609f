package shop

import "context"

// Domain event types written to the outbox.
const (
	EventJobCreated       = "job.created"
	EventJobStatusChanged = "job.status_changed"
	EventLedgerApplied    = "ledger.transaction_applied"
	EventJobRolledBack    = "job.rolled_back"
)

// EventSink records a domain event through st so it commits or rolls back
// together with the change that produced it.
type EventSink interface {
	Record(ctx context.Context, st OutboxStore, eventType, key string, payload any) error
}
