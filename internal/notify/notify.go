// Package notify publishes job status changes.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// JobStatusEvent is the message published on the job status subject.
type JobStatusEvent struct {
	Header events.EventHeader `json:"header"`
	core.JobEvent
}

// NewJobStatusEvent wraps a job event in a fresh header. The workflow id is
// the job id so every event of one job shares it.
func NewJobStatusEvent(event core.JobEvent) JobStatusEvent {
	return JobStatusEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now().UTC(),
			WorkflowID: strconv.FormatInt(event.JobID, 10),
			EventID:    uuid.NewString(),
		},
		JobEvent: event,
	}
}

// NATSPublisher publishes job events as JSON on a subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

var _ core.JobEventPublisher = (*NATSPublisher)(nil)

// NewNATSPublisher creates a publisher on subject.
func NewNATSPublisher(conn *nats.Conn, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject}
}

// PublishJobEvent implements core.JobEventPublisher.
func (p *NATSPublisher) PublishJobEvent(_ context.Context, event core.JobEvent) error {
	data, err := json.Marshal(NewJobStatusEvent(event))
	if err != nil {
		return fmt.Errorf("failed to marshal status of job %d: %w", event.JobID, err)
	}

	err = p.conn.Publish(p.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish status of job %d to %s: %w", event.JobID, p.subject, err)
	}

	return nil
}

// Fanout delivers each event to every publisher and joins their errors.
type Fanout []core.JobEventPublisher

var _ core.JobEventPublisher = Fanout(nil)

// PublishJobEvent implements core.JobEventPublisher.
func (f Fanout) PublishJobEvent(ctx context.Context, event core.JobEvent) error {
	var errs []error

	for _, publisher := range f {
		if publisher == nil {
			continue
		}

		err := publisher.PublishJobEvent(ctx, event)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Logging records every event in the service log.
type Logging struct {
	Log *logger.Logger
}

var _ core.JobEventPublisher = Logging{}

// PublishJobEvent implements core.JobEventPublisher.
func (l Logging) PublishJobEvent(_ context.Context, event core.JobEvent) error {
	l.Log.Info("Job %d is %s (%d%%): %s", event.JobID, event.Status, event.Progress, event.Message)

	return nil
}
