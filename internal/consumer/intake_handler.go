package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"example.com/devicesync/internal/domain"
	"example.com/devicesync/internal/events"
)

// IntakeHandler records intake.recorded events in the intake repository. Redelivered events are
// absorbed by the repository's insert-if-absent semantics.
type IntakeHandler struct {
	repo   domain.IntakeRepository
	logger logrus.FieldLogger
}

// NewIntakeHandler constructs an IntakeHandler.
func NewIntakeHandler(repo domain.IntakeRepository, logger logrus.FieldLogger) *IntakeHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &IntakeHandler{repo: repo, logger: logger}
}

// Handle implements Handler. Event types other than intake.recorded are ignored.
func (h *IntakeHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.TypeIntakeRecorded {
		return nil
	}

	var event events.IntakeRecorded
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(event.OwnerID) == "" {
		event.OwnerID = msg.OwnerID
	}
	switch {
	case strings.TrimSpace(event.IntakeID) == "":
		return fmt.Errorf("%w: intake_id is required", ErrMalformedEvent)
	case strings.TrimSpace(event.OwnerID) == "":
		return fmt.Errorf("%w: owner_id is required", ErrMalformedEvent)
	case event.Calories < 0:
		return fmt.Errorf("%w: calories must be >= 0", ErrMalformedEvent)
	case event.ConsumedAt.IsZero():
		return fmt.Errorf("%w: consumed_at is required", ErrMalformedEvent)
	}

	inserted, err := h.repo.InsertIntakeRecord(ctx, domain.IntakeRecord{
		ID:         event.IntakeID,
		OwnerID:    event.OwnerID,
		Calories:   event.Calories,
		ConsumedAt: event.ConsumedAt.UTC(),
		Source:     event.Source,
	})
	if err != nil {
		return fmt.Errorf("insert intake %s: %w", event.IntakeID, err)
	}
	recordIntake(inserted)
	if !inserted {
		h.logger.WithField("intake_id", event.IntakeID).Debug("duplicate intake event ignored")
	}
	return nil
}
