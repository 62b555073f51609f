/*
Package events publishes job and ledger events through a transactional outbox.

PURPOSE:
  Services record events with Emitter.Record inside the same store
  transaction as the change they describe, so an event exists exactly when
  its change committed. A Drainer later publishes pending rows to Kafka
  and acknowledges them. Delivery is at-least-once; consumers key on
  the event id.

EVENT TYPES:
  job.created                 a submission created a job
  job.status_changed          start, complete, cancel, assign, release
  ledger.transaction_applied  a party ledger row was appended
  job.rolled_back             a submission was compensated after the fact

SEE ALSO:
  - kafka.go: Kafka publisher
  - drainer.go: Outbox polling loop
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/jobsheet-engine/shop"
)

// Envelope is the wire format of every event.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type JobEvent struct {
	JobID     int64           `json:"job_id"`
	PartyID   *int64          `json:"party_id,omitempty"`
	MachineID *int64          `json:"machine_id,omitempty"`
	Status    shop.JobStatus  `json:"status"`
	TotalCost decimal.Decimal `json:"total_cost"`
}

type StatusChangedEvent struct {
	JobID     int64          `json:"job_id"`
	From      shop.JobStatus `json:"from"`
	To        shop.JobStatus `json:"to"`
	MachineID *int64         `json:"machine_id,omitempty"`
}

type LedgerEvent struct {
	TransactionID int64                `json:"transaction_id"`
	PartyID       int64                `json:"party_id"`
	Type          shop.TransactionType `json:"type"`
	Amount        decimal.Decimal      `json:"amount"`
	BalanceAfter  decimal.Decimal      `json:"balance_after"`
	JobID         *int64               `json:"job_id,omitempty"`
}

type RolledBackEvent struct {
	JobID     int64    `json:"job_id"`
	AttemptID string   `json:"attempt_id"`
	Failures  []string `json:"failures,omitempty"`
}

// Emitter implements shop.EventSink.
type Emitter struct {
	Topic string
	Now   func() time.Time
}

func NewEmitter(topic string) *Emitter {
	return &Emitter{Topic: topic, Now: time.Now}
}

func (e *Emitter) Record(ctx context.Context, st shop.OutboxStore, eventType, key string, payload any) error {
	data, err := json.Marshal(wire(payload))
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	now := e.Now().UTC()
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		Key:        key,
		OccurredAt: now,
		Data:       data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", eventType, err)
	}
	return st.EnqueueOutbox(ctx, &shop.OutboxMessage{
		Topic:     e.Topic,
		Key:       key,
		Type:      eventType,
		Payload:   body,
		CreatedAt: now,
	})
}

// wire maps domain records to their event payloads.
func wire(payload any) any {
	switch p := payload.(type) {
	case *shop.JobRecord:
		return JobEvent{
			JobID:     p.ID,
			PartyID:   p.PartyID,
			MachineID: p.MachineID,
			Status:    p.Status,
			TotalCost: p.TotalCost(),
		}
	case *shop.PartyTransaction:
		return LedgerEvent{
			TransactionID: p.ID,
			PartyID:       p.PartyID,
			Type:          p.Type,
			Amount:        p.Amount,
			BalanceAfter:  p.BalanceAfter,
			JobID:         p.JobID,
		}
	}
	return payload
}

// Decode parses an outbox payload back into its envelope.
func Decode(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
