// Package offline holds dispense reports that could not be delivered and replays
// them later.
package offline

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"medication-dispenser/internal/dose"
)

// Record is a queued report. It serialises as the report fields plus queued_at.
type Record struct {
	dose.Report
	QueuedAt time.Time `json:"queued_at"`
}

// Store persists records in arrival order.
type Store interface {
	Append(ctx context.Context, rec Record) error
	// Pending returns every queued record, oldest first.
	Pending(ctx context.Context) ([]Record, error)
	// Remove deletes the record with the given transaction id.
	Remove(ctx context.Context, clientTxID string) error
}

// Sender delivers a report to the backend.
type Sender interface {
	ReportDispense(ctx context.Context, r dose.Report) error
}

// NewTxID returns a fresh idempotency key for a report built at t.
func NewTxID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// Queue is the offline report queue over a Store.
type Queue struct {
	store Store
	now   func() time.Time
}

// NewQueue wraps store.
func NewQueue(store Store) *Queue {
	return &Queue{store: store, now: time.Now}
}

// Append queues r, assigning a transaction id if it has none.
func (q *Queue) Append(ctx context.Context, r dose.Report) error {
	now := q.now()
	if r.ClientTxID == "" {
		r.ClientTxID = NewTxID(now)
	}
	if err := q.store.Append(ctx, Record{Report: r, QueuedAt: now.UTC()}); err != nil {
		return err
	}
	log.Info().Str("time", string(r.Time)).Int("items", len(r.Items)).Str("client_tx_id", r.ClientTxID).Msg("report queued offline")
	return nil
}

// Pending lists queued records, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]Record, error) {
	return q.store.Pending(ctx)
}

// Flush redelivers every queued record in order. Each delivered record is removed
// as soon as the backend acknowledges it; records that fail again stay queued in
// their original order. It returns the number delivered.
func (q *Queue) Flush(ctx context.Context, sender Sender) (int, error) {
	pending, err := q.store.Pending(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := sender.ReportDispense(ctx, rec.Report); err != nil {
			log.Warn().Err(err).Str("client_tx_id", rec.ClientTxID).Msg("offline report redelivery failed; keeping it queued")
			continue
		}
		if err := q.store.Remove(ctx, rec.ClientTxID); err != nil {
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		log.Info().Int("sent", sent).Int("remaining", len(pending)-sent).Msg("offline reports flushed")
	}
	return sent, nil
}
