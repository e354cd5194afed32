// Package worker provides a NATS worker that accepts synthesis job commands.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/fileserver"
	"github.com/book-expert/avatar-service/internal/job"
	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const handleMessageTimeout = 30 * time.Second

var (
	// ErrNoJobReference indicates a command with neither a job id nor a draft.
	ErrNoJobReference = errors.New("command needs a job_id or a draft")
	// ErrAmbiguousCommand indicates a command with both a job id and a draft.
	ErrAmbiguousCommand = errors.New("command cannot carry both job_id and draft")
)

// JobSubmitter is the part of the job service the worker drives.
type JobSubmitter interface {
	Save(ctx context.Context, draft job.Draft) (*core.SynthesisJob, error)
	Submit(ctx context.Context, id int64) (*core.SynthesisJob, error)
}

// SubmitCommand enqueues an existing job, or creates one from Draft and
// enqueues it.
type SubmitCommand struct {
	Header events.EventHeader `json:"header"`
	JobID  int64              `json:"job_id,omitempty"`
	Draft  *job.Draft         `json:"draft,omitempty"`
}

// SubmitReply answers a SubmitCommand. Error is set when the command failed.
type SubmitReply struct {
	Header events.EventHeader `json:"header"`
	JobID  int64              `json:"job_id,omitempty"`
	Status core.JobStatus     `json:"status,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// NatsWorker listens for job commands on a NATS subject.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	jobs           JobSubmitter
	importDir      string
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. Draft audio
// overrides are resolved below importDir.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	jobs JobSubmitter,
	importDir string,
	log *logger.Logger,
) *NatsWorker {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		jobs:           jobs,
		importDir:      importDir,
		log:            log,
	}
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Listening for job commands on %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	reply := SubmitReply{}

	command, err := w.parseAndValidateCommand(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate job command: %v", err)

		reply.Error = err.Error()
	} else {
		reply.Header = command.Header

		queued, submitErr := w.process(ctx, command)
		if submitErr != nil {
			w.log.Error("Failed to process job command %s: %v", command.Header.EventID, submitErr)

			reply.Error = submitErr.Error()
		} else {
			reply.JobID = queued.ID
			reply.Status = queued.Status
		}
	}

	reply.Header.EventID = uuid.NewString()
	reply.Header.Timestamp = time.Now().UTC()

	err = w.publishReply(msg, reply)
	if err != nil {
		w.log.Error("Failed to publish reply for workflow %s: %v", reply.Header.WorkflowID, err)
	}
}

func (w *NatsWorker) process(ctx context.Context, command *SubmitCommand) (*core.SynthesisJob, error) {
	id := command.JobID

	if command.Draft != nil {
		draft := *command.Draft

		if draft.AudioPath != "" {
			resolved, err := fileserver.Confine(w.importDir, draft.AudioPath)
			if err != nil {
				return nil, err
			}

			draft.AudioPath = resolved
		}

		saved, err := w.jobs.Save(ctx, draft)
		if err != nil {
			return nil, fmt.Errorf("failed to create job: %w", err)
		}

		id = saved.ID
	}

	queued, err := w.jobs.Submit(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to submit job %d: %w", id, err)
	}

	return queued, nil
}

// publishReply marshals and responds with the reply. Fire-and-forget
// publishes without a reply subject are skipped.
func (w *NatsWorker) publishReply(msg *nats.Msg, reply SubmitReply) error {
	if msg.Reply == "" {
		return nil
	}

	replyData, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseAndValidateCommand(msg *nats.Msg) (*SubmitCommand, error) {
	var command SubmitCommand

	err := json.Unmarshal(msg.Data, &command)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}

	if command.JobID == 0 && command.Draft == nil {
		return nil, ErrNoJobReference
	}

	if command.JobID != 0 && command.Draft != nil {
		return nil, ErrAmbiguousCommand
	}

	return &command, nil
}
