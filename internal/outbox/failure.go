package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const insertDLQ = `INSERT INTO outbox_dlq (owner_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
     VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW())`

// DLQWriter parks events that could not be published so the DLQ manager can retry them.
type DLQWriter struct {
	pool *pgxpool.Pool
}

// NewDLQWriter initialises a writer backed by the provided connection pool.
func NewDLQWriter(pool *pgxpool.Pool) *DLQWriter {
	return &DLQWriter{pool: pool}
}

// Write records msgs in the DLQ with reason, one transaction per owner. Entries are eligible
// for their first retry immediately.
func (w *DLQWriter) Write(ctx context.Context, reason string, msgs ...Message) error {
	byOwner := make(map[string][]Message)
	for _, msg := range msgs {
		byOwner[msg.OwnerID] = append(byOwner[msg.OwnerID], msg)
	}

	for ownerID, owned := range byOwner {
		err := withOwnerTx(ctx, w.pool, ownerID, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, msg := range owned {
				batch.Queue(insertDLQ,
					msg.OwnerID, msg.EventID, msg.EventType, msg.Topic, []byte(msg.Payload),
					fmt.Sprintf("%s (topic=%s)", reason, msg.Topic),
					msg.AggregateType, msg.AggregateID, msg.SchemaSubject, msg.PartitionKey,
				)
			}
			return tx.SendBatch(ctx, batch).Close()
		})
		if err != nil {
			return fmt.Errorf("write dlq entries for owner %s: %w", ownerID, err)
		}
	}
	return nil
}

// withOwnerTx runs fn in a transaction whose row-level security scope is ownerID.
func withOwnerTx(ctx context.Context, pool *pgxpool.Pool, ownerID string, fn func(pgx.Tx) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.owner_id', $1, true)", ownerID); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
