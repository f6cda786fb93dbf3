// Package outbox delivers the device and ledger events recorded by the Postgres store to Kafka
// and manages the dead-letter queue for deliveries that fail.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Dispatcher polls the outbox for unpublished device and activity events and publishes them to
// Kafka, framed with the schema ID registered for their subject.
type Dispatcher struct {
	pool             *pgxpool.Pool
	producer         messageWriter
	registry         schemaRegistrar
	dlq              *DLQWriter
	pollInterval     time.Duration
	batchSize        int
	logger           logrus.FieldLogger
	schemaIDCache    sync.Map
	shutdownComplete chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher returns a Dispatcher that claims up to batchSize rows every pollInterval.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, pollInterval time.Duration, batchSize int, opts ...Option) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 25
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	d := &Dispatcher{
		pool:             pool,
		producer:         producer,
		registry:         registry,
		dlq:              NewDLQWriter(pool),
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		logger:           logrus.StandardLogger(),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start polls until ctx is cancelled. Run it in its own goroutine and call Wait after cancelling.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.WithError(err).Error("outbox dispatcher error")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start has returned.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	messages, err := d.fetchAndClaim(ctx)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	claimedBatchSize.Observe(float64(len(messages)))
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	var (
		done []Message
		errs error
	)
	for _, batch := range d.deliver(ctx, messages) {
		if batch.err == nil {
			for _, msg := range batch.messages {
				deliveredCounter.WithLabelValues(msg.EventType).Inc()
			}
			done = append(done, batch.messages...)
			continue
		}
		d.logger.WithError(batch.err).WithFields(logrus.Fields{
			"topic":      batch.topic,
			"batch_size": len(batch.messages),
		}).Warn("outbox delivery failed; routing to DLQ")
		failedCounter.WithLabelValues(batch.topic).Add(float64(len(batch.messages)))
		if err := d.moveToDLQ(ctx, batch.messages, batch.err.Error()); err != nil {
			// Left unpublished; the next poll claims these rows again.
			errs = errors.Join(errs, err)
			continue
		}
		done = append(done, batch.messages...)
	}
	return errors.Join(errs, d.markPublished(ctx, done))
}

func (d *Dispatcher) fetchAndClaim(ctx context.Context) ([]Message, error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	const query = `SELECT event_id, owner_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload
        FROM outbox
        WHERE published_at IS NULL
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, d.batchSize)
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0)
	ids := make([]int64, 0)
	for rows.Next() {
		var (
			msg     Message
			payload []byte
		)
		if err := rows.Scan(&msg.EventID, &msg.OwnerID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Topic, &msg.SchemaSubject, &msg.PartitionKey, &payload); err != nil {
			rows.Close()
			return nil, err
		}
		msg.Payload = payload
		messages = append(messages, msg)
		ids = append(ids, msg.EventID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = ANY($1)`, ids); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return messages, nil
}

// topicBatch is the part of a claimed batch bound for one topic, with the delivery error if the
// write failed.
type topicBatch struct {
	topic    string
	messages []Message
	err      error
}

// deliver writes each topic's messages with one producer call, in first-seen topic order. A
// failure on one topic does not stop delivery to the others.
func (d *Dispatcher) deliver(ctx context.Context, messages []Message) []topicBatch {
	var batches []topicBatch
	index := make(map[string]int)
	for _, msg := range messages {
		i, ok := index[msg.Topic]
		if !ok {
			i = len(batches)
			index[msg.Topic] = i
			batches = append(batches, topicBatch{topic: msg.Topic})
		}
		batches[i].messages = append(batches[i].messages, msg)
	}

	for i := range batches {
		batches[i].err = d.writeTopic(ctx, batches[i].topic, batches[i].messages)
	}
	return batches
}

func (d *Dispatcher) writeTopic(ctx context.Context, topic string, messages []Message) error {
	records := make([]kafka.Message, 0, len(messages))
	now := time.Now().UTC()
	for _, msg := range messages {
		schemaID, err := d.schemaID(ctx, msg)
		if err != nil {
			return err
		}
		records = append(records, kafka.Message{
			Key:   []byte(msg.PartitionKey),
			Value: encodeWireFormat(schemaID, msg.Payload),
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(msg.EventType)},
				{Key: "owner_id", Value: []byte(msg.OwnerID)},
				{Key: "schema_subject", Value: []byte(msg.SchemaSubject)},
			},
			Time: now,
		})
	}

	if err := d.producer.WriteMessages(ctx, topic, records...); err != nil {
		return fmt.Errorf("write %d messages to %s: %w", len(records), topic, err)
	}
	return nil
}

func (d *Dispatcher) schemaID(ctx context.Context, msg Message) (int, error) {
	meta, ok := schemaCatalog[msg.EventType]
	if !ok {
		return 0, fmt.Errorf("no schema metadata for event_type=%s", msg.EventType)
	}

	cacheKey := msg.SchemaSubject + "::" + meta.Schema
	if cached, found := d.schemaIDCache.Load(cacheKey); found {
		return cached.(int), nil
	}
	id, err := d.registry.EnsureSchema(ctx, msg.SchemaSubject, meta.Schema)
	if err != nil {
		return 0, fmt.Errorf("ensure schema %s: %w", msg.SchemaSubject, err)
	}
	d.schemaIDCache.Store(cacheKey, id)
	return id, nil
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	groups := make(map[string][]int64)
	for _, msg := range messages {
		groups[msg.OwnerID] = append(groups[msg.OwnerID], msg.EventID)
	}

	for ownerID, ids := range groups {
		if err := d.markOwnerPublished(ctx, ownerID, ids); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) markOwnerPublished(ctx context.Context, ownerID string, ids []int64) error {
	return withOwnerTx(ctx, d.pool, ownerID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids)
		return err
	})
}

func (d *Dispatcher) moveToDLQ(ctx context.Context, messages []Message, reason string) error {
	if err := d.dlq.Write(ctx, reason, messages...); err != nil {
		return err
	}
	for _, msg := range messages {
		dlqCounter.WithLabelValues(msg.Topic).Inc()
	}
	return nil
}

// Message is a claimed outbox row.
type Message struct {
	EventID       int64
	OwnerID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
}

// encodeWireFormat applies Confluent framing: a zero magic byte and the big-endian schema ID
// ahead of the JSON payload.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	frame[0] = 0
	binary.BigEndian.PutUint32(frame[1:5], uint32(schemaID))
	copy(frame[5:], payload)
	return frame
}

// DecodeWireFormat splits a Confluent-framed value into its schema ID and payload.
func DecodeWireFormat(value []byte) (int, []byte, error) {
	if len(value) < 5 || value[0] != 0 {
		return 0, nil, errors.New("value is not confluent framed")
	}
	return int(binary.BigEndian.Uint32(value[1:5])), value[5:], nil
}
