// Package consumer reads Kafka topics and dispatches decoded events to handlers. The sync
// service uses it to ingest the intake events published by the nutrition side.
package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// ErrMalformedEvent marks events that can never be handled. The processor commits them so they
// do not block the partition.
var ErrMalformedEvent = errors.New("malformed event")

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages from Kafka.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is the decoded representation of a Kafka record.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventType     string
	OwnerID       string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

const (
	defaultHandlerAttempts = 3
	defaultHandlerBackoff  = 200 * time.Millisecond
)

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithHandlerRetry sets how many times a transient handler failure is retried in place before
// the message is left uncommitted, and the delay before the first retry. The delay doubles on
// each attempt.
func WithHandlerRetry(attempts int, backoff time.Duration) Option {
	return func(p *Processor) {
		if attempts > 0 {
			p.attempts = attempts
		}
		if backoff > 0 {
			p.backoff = backoff
		}
	}
}

// Processor pulls messages from a single topic reader and hands each decoded event to a Handler.
type Processor struct {
	reader   Reader
	handler  Handler
	logger   logrus.FieldLogger
	attempts int
	backoff  time.Duration
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:   reader,
		handler:  handler,
		logger:   logrus.StandardLogger().WithField("component", "consumer"),
		attempts: defaultHandlerAttempts,
		backoff:  defaultHandlerBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks, fetching and processing messages until ctx is cancelled or the reader reports
// cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		msg, err := p.reader.FetchMessage(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return err
		case err != nil:
			p.logger.WithError(err).Warn("fetch error")
			continue
		}
		p.process(ctx, msg)
	}
	return ctx.Err()
}

// process commits msg when it was handled or can never be handled. Messages whose handler keeps
// failing stay uncommitted so the group redelivers them after a rebalance or restart.
func (p *Processor) process(ctx context.Context, msg kafka.Message) {
	logger := p.logger.WithFields(logrus.Fields{"topic": msg.Topic, "partition": msg.Partition, "offset": msg.Offset})

	event, err := decodeMessage(msg)
	if err == nil {
		err = p.handle(ctx, event)
	}

	result := resultProcessed
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformedEvent):
		result = resultMalformed
		logger.WithError(err).Warn("dropping malformed message")
	default:
		recordResult(msg.Topic, event.EventType, resultRetry)
		logger.WithError(err).WithFields(logrus.Fields{"event_type": event.EventType, "owner_id": event.OwnerID}).Error("handler error")
		return
	}

	if err := p.reader.CommitMessages(ctx, msg); err != nil {
		logger.WithError(err).Warn("commit error")
		return
	}
	if result == resultProcessed {
		recordProcessed(event)
		return
	}
	recordResult(msg.Topic, event.EventType, result)
}

func (p *Processor) handle(ctx context.Context, event Message) error {
	delay := p.backoff
	var err error
	for attempt := 1; ; attempt++ {
		err = p.handler.Handle(ctx, event)
		if err == nil || errors.Is(err, ErrMalformedEvent) || attempt >= p.attempts {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
}

// decodeMessage accepts Confluent-framed values as written by the outbox dispatcher as well as
// bare JSON; the latter carries schema ID 0.
func decodeMessage(msg kafka.Message) (Message, error) {
	eventType, ok := headerValue(msg, "event_type")
	if !ok {
		return Message{}, fmt.Errorf("%w: missing event_type header", ErrMalformedEvent)
	}
	ownerID, _ := headerValue(msg, "owner_id")
	schemaSubject, _ := headerValue(msg, "schema_subject")

	var (
		schemaID int
		body     []byte
	)
	switch {
	case len(msg.Value) >= 5 && msg.Value[0] == 0:
		schemaID = int(binary.BigEndian.Uint32(msg.Value[1:5]))
		body = msg.Value[5:]
	case json.Valid(msg.Value):
		body = msg.Value
	default:
		return Message{}, fmt.Errorf("%w: invalid payload of %d bytes", ErrMalformedEvent, len(msg.Value))
	}

	return Message{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Timestamp:     msg.Time,
		EventType:     string(eventType),
		OwnerID:       string(ownerID),
		SchemaSubject: string(schemaSubject),
		SchemaID:      schemaID,
		Payload:       json.RawMessage(append([]byte(nil), body...)),
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
