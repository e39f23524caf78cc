// Package events publishes settlement and escrow domain events.
//
// Events are notifications for dashboards and downstream consumers. They are
// emitted after the state change they describe is durable and a failed
// publish never rolls that change back.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/splitpay/internal/idgen"
	"github.com/mbd888/splitpay/internal/logging"
)

// Type names an event.
type Type string

const (
	SettlementRecorded Type = "settlement.recorded"
	SettlementSettled  Type = "settlement.settled"
	SettlementFailed   Type = "settlement.failed"
	SettlementRefunded Type = "settlement.refunded"
	SettlementDisputed Type = "settlement.disputed"
	BatchCompleted     Type = "batch.completed"
	EscrowFunded       Type = "escrow.funded"
	EscrowReleased     Type = "escrow.released"
	EscrowDisputed     Type = "escrow.disputed"
	EscrowRefunded     Type = "escrow.refunded"
)

// Event is one published notification. Subject is the id of the escrow,
// ledger row, or batch it concerns and doubles as the partition key.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Subject    string    `json:"subject"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every sink and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emitter builds and publishes events on a best-effort basis. A nil
// *Emitter is valid and drops everything.
type Emitter struct {
	pub     Publisher
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewEmitter wraps a publisher.
func NewEmitter(pub Publisher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		pub:     pub,
		logger:  logging.Component(logger, "events"),
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// Emit publishes an event, logging failures.
func (em *Emitter) Emit(ctx context.Context, typ Type, subject string, data any) {
	if em == nil || em.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), em.timeout)
	defer cancel()

	e := Event{
		ID:         idgen.New(),
		Type:       typ,
		Subject:    subject,
		OccurredAt: em.now().UTC(),
		Data:       data,
	}
	if err := em.pub.Publish(ctx, e); err != nil {
		em.logger.Warn("event publish failed", "type", typ, "subject", subject, "error", err)
	}
}
