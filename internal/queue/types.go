package queue

import (
	"context"
	"errors"

	"github.com/ternarybob/menulens/internal/models"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// Message is the unit envelope stored in the queue
type Message = models.UnitMessage

// UnitQueue is the submission side of the work queue
type UnitQueue interface {
	// EnqueueBatch submits every message or none of them
	EnqueueBatch(ctx context.Context, msgs []Message) error

	// Cancel removes messages that have not been picked up yet. Unknown ids are ignored.
	Cancel(ctx context.Context, ids []string) error
}
