// Package natskv implements the registry on a NATS JetStream key-value bucket.
// Records are JSON values under "<kind>.<id>"; ids come from a per-kind
// counter key updated with optimistic concurrency.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/registry"
	"github.com/nats-io/nats.go"
)

const (
	sequencePrefix     = "seq."
	maxSequenceRetries = 16
)

var (
	// ErrSequenceContention is returned when an id could not be allocated.
	ErrSequenceContention = errors.New("could not allocate record id")
	// ErrUpdateContention is returned when a conditional update kept losing races.
	ErrUpdateContention = errors.New("could not apply conditional update")
)

// Store implements core.Registry on a KeyValue bucket.
type Store struct {
	bucket string
	kv     nats.KeyValue
}

var _ core.Registry = (*Store)(nil)

// New binds to the bucket, creating it when it does not exist.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*Store, error) {
	kv, err := jetstreamContext.KeyValue(bucketName)
	if err != nil {
		if !errors.Is(err, nats.ErrBucketNotFound) {
			return nil, fmt.Errorf("failed to bind to key-value bucket '%s': %w", bucketName, err)
		}

		kv, err = jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucketName,
			Description: "Avatar service voice, model and job records.",
			History:     1,
			Storage:     nats.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create key-value bucket '%s': %w", bucketName, err)
		}
	}

	return &Store{bucket: bucketName, kv: kv}, nil
}

func recordKey(kind string, id int64) string {
	return kind + "." + strconv.FormatInt(id, 10)
}

// nextID increments the kind's counter with compare-and-set semantics.
func (s *Store) nextID(kind string) (int64, error) {
	key := sequencePrefix + kind

	for range maxSequenceRetries {
		entry, err := s.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			_, createErr := s.kv.Create(key, []byte("1"))
			if createErr == nil {
				return 1, nil
			}

			continue
		}

		if err != nil {
			return 0, fmt.Errorf("failed to read sequence '%s': %w", key, err)
		}

		current, parseErr := strconv.ParseInt(string(entry.Value()), 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("corrupt sequence '%s': %w", key, parseErr)
		}

		next := current + 1

		_, updateErr := s.kv.Update(key, []byte(strconv.FormatInt(next, 10)), entry.Revision())
		if updateErr == nil {
			return next, nil
		}
	}

	return 0, fmt.Errorf("%w: %s", ErrSequenceContention, kind)
}

func (s *Store) put(kind string, id int64, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %d: %w", kind, id, err)
	}

	_, err = s.kv.Put(recordKey(kind, id), data)
	if err != nil {
		return fmt.Errorf("failed to put %s %d into bucket '%s': %w", kind, id, s.bucket, err)
	}

	return nil
}

func (s *Store) get(kind string, id int64, record any) error {
	entry, err := s.kv.Get(recordKey(kind, id))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("%s %d: %w", kind, id, core.ErrNotFound)
		}

		return fmt.Errorf("failed to get %s %d from bucket '%s': %w", kind, id, s.bucket, err)
	}

	err = json.Unmarshal(entry.Value(), record)
	if err != nil {
		return fmt.Errorf("failed to unmarshal %s %d: %w", kind, id, err)
	}

	return nil
}

func (s *Store) remove(kind string, id int64) error {
	_, err := s.kv.Get(recordKey(kind, id))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("%s %d: %w", kind, id, core.ErrNotFound)
		}

		return fmt.Errorf("failed to get %s %d from bucket '%s': %w", kind, id, s.bucket, err)
	}

	err = s.kv.Delete(recordKey(kind, id))
	if err != nil {
		return fmt.Errorf("failed to delete %s %d: %w", kind, id, err)
	}

	return nil
}

// scan decodes every live record of one kind.
func scan[T any](s *Store, kind string) ([]T, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return []T{}, nil
		}

		return nil, fmt.Errorf("failed to list keys of bucket '%s': %w", s.bucket, err)
	}

	prefix := kind + "."
	records := make([]T, 0, len(keys))

	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		entry, getErr := s.kv.Get(key)
		if getErr != nil {
			// deleted between Keys and Get
			if errors.Is(getErr, nats.ErrKeyNotFound) {
				continue
			}

			return nil, fmt.Errorf("failed to get '%s': %w", key, getErr)
		}

		var record T

		unmarshalErr := json.Unmarshal(entry.Value(), &record)
		if unmarshalErr != nil {
			return nil, fmt.Errorf("failed to unmarshal '%s': %w", key, unmarshalErr)
		}

		records = append(records, record)
	}

	return records, nil
}

func (s *Store) InsertVoice(_ context.Context, voice *core.VoiceProfile) (int64, error) {
	id, err := s.nextID(registry.KindVoice)
	if err != nil {
		return 0, err
	}

	registry.StampVoiceForInsert(voice, time.Now().UTC())
	voice.ID = id

	return id, s.put(registry.KindVoice, id, voice)
}

func (s *Store) GetVoice(_ context.Context, id int64) (*core.VoiceProfile, error) {
	var voice core.VoiceProfile

	err := s.get(registry.KindVoice, id, &voice)
	if err != nil {
		return nil, err
	}

	return &voice, nil
}

func (s *Store) ListVoices(_ context.Context) ([]core.VoiceProfile, error) {
	voices, err := scan[core.VoiceProfile](s, registry.KindVoice)
	if err != nil {
		return nil, err
	}

	registry.SortVoicesByID(voices)

	return voices, nil
}

func (s *Store) InsertModel(_ context.Context, model *core.SourceModel) (int64, error) {
	id, err := s.nextID(registry.KindModel)
	if err != nil {
		return 0, err
	}

	registry.StampModelForInsert(model, time.Now().UTC())
	model.ID = id

	return id, s.put(registry.KindModel, id, model)
}

func (s *Store) GetModel(_ context.Context, id int64) (*core.SourceModel, error) {
	var model core.SourceModel

	err := s.get(registry.KindModel, id, &model)
	if err != nil {
		return nil, err
	}

	return &model, nil
}

func (s *Store) ListModels(_ context.Context, query core.ListQuery) ([]core.SourceModel, error) {
	models, err := s.modelsNamed(query.Name)
	if err != nil {
		return nil, err
	}

	registry.SortModelsNewestFirst(models)

	return registry.Page(models, query), nil
}

func (s *Store) CountModels(_ context.Context, name string) (int, error) {
	models, err := s.modelsNamed(name)
	if err != nil {
		return 0, err
	}

	return len(models), nil
}

func (s *Store) modelsNamed(name string) ([]core.SourceModel, error) {
	all, err := scan[core.SourceModel](s, registry.KindModel)
	if err != nil {
		return nil, err
	}

	models := all[:0]

	for _, model := range all {
		if registry.NameMatches(model.Name, name) {
			models = append(models, model)
		}
	}

	return models, nil
}

func (s *Store) DeleteModel(_ context.Context, id int64) error {
	return s.remove(registry.KindModel, id)
}

func (s *Store) InsertJob(_ context.Context, job *core.SynthesisJob) (int64, error) {
	err := registry.StampJobForInsert(job, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	id, err := s.nextID(registry.KindJob)
	if err != nil {
		return 0, err
	}

	job.ID = id

	return id, s.put(registry.KindJob, id, job)
}

func (s *Store) GetJob(_ context.Context, id int64) (*core.SynthesisJob, error) {
	var job core.SynthesisJob

	err := s.get(registry.KindJob, id, &job)
	if err != nil {
		return nil, err
	}

	return &job, nil
}

func (s *Store) UpdateJob(_ context.Context, job *core.SynthesisJob) error {
	var existing core.SynthesisJob

	err := s.get(registry.KindJob, job.ID, &existing)
	if err != nil {
		return err
	}

	job.CreatedAt = existing.CreatedAt
	job.UpdatedAt = time.Now().UTC()

	return s.put(registry.KindJob, job.ID, job)
}

// UpdateDraft writes job with compare-and-set on the entry revision, so a
// concurrent status change by the scheduler is never overwritten.
func (s *Store) UpdateDraft(_ context.Context, job *core.SynthesisJob) error {
	key := recordKey(registry.KindJob, job.ID)

	for range maxSequenceRetries {
		entry, err := s.kv.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				return fmt.Errorf("job %d: %w", job.ID, core.ErrNotFound)
			}

			return fmt.Errorf("failed to get job %d from bucket '%s': %w", job.ID, s.bucket, err)
		}

		var existing core.SynthesisJob

		err = json.Unmarshal(entry.Value(), &existing)
		if err != nil {
			return fmt.Errorf("failed to unmarshal job %d: %w", job.ID, err)
		}

		if !existing.Status.Editable() {
			return fmt.Errorf("job %d is %s: %w", job.ID, existing.Status, core.ErrNotEditable)
		}

		job.CreatedAt = existing.CreatedAt
		job.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job %d: %w", job.ID, err)
		}

		_, err = s.kv.Update(key, data, entry.Revision())
		if err == nil {
			return nil
		}
	}

	return fmt.Errorf("%w: job %d", ErrUpdateContention, job.ID)
}

func (s *Store) ListJobs(_ context.Context, query core.ListQuery) ([]core.SynthesisJob, error) {
	jobs, err := s.jobsWhere(func(job core.SynthesisJob) bool { return registry.NameMatches(job.Name, query.Name) })
	if err != nil {
		return nil, err
	}

	registry.SortJobsNewestFirst(jobs)

	return registry.Page(jobs, query), nil
}

func (s *Store) CountJobs(_ context.Context, name string) (int, error) {
	jobs, err := s.jobsWhere(func(job core.SynthesisJob) bool { return registry.NameMatches(job.Name, name) })
	if err != nil {
		return 0, err
	}

	return len(jobs), nil
}

func (s *Store) JobsByStatus(_ context.Context, status core.JobStatus) ([]core.SynthesisJob, error) {
	jobs, err := s.jobsWhere(func(job core.SynthesisJob) bool { return job.Status == status })
	if err != nil {
		return nil, err
	}

	registry.SortJobsInsertionOrder(jobs)

	return jobs, nil
}

func (s *Store) jobsWhere(keep func(core.SynthesisJob) bool) ([]core.SynthesisJob, error) {
	all, err := scan[core.SynthesisJob](s, registry.KindJob)
	if err != nil {
		return nil, err
	}

	jobs := all[:0]

	for _, job := range all {
		if keep(job) {
			jobs = append(jobs, job)
		}
	}

	return jobs, nil
}

func (s *Store) DeleteJob(_ context.Context, id int64) error {
	return s.remove(registry.KindJob, id)
}
