// Package core defines the entities and collaborator interfaces of the avatar service.
package core

import "context"

// ArtifactStore is the uniform contract over local and remote artifact storage.
// Upload and Download create missing destination directories.
type ArtifactStore interface {
	Upload(ctx context.Context, key, localPath string) (string, error)
	Download(ctx context.Context, key, localPath string) error
	Delete(ctx context.Context, key string) error
	URLFor(key string) string
}

// VoiceStore persists voice profiles.
type VoiceStore interface {
	InsertVoice(ctx context.Context, voice *VoiceProfile) (int64, error)
	GetVoice(ctx context.Context, id int64) (*VoiceProfile, error)
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// ModelStore persists source models.
type ModelStore interface {
	InsertModel(ctx context.Context, model *SourceModel) (int64, error)
	GetModel(ctx context.Context, id int64) (*SourceModel, error)
	ListModels(ctx context.Context, query ListQuery) ([]SourceModel, error)
	CountModels(ctx context.Context, name string) (int, error)
	DeleteModel(ctx context.Context, id int64) error
}

// JobStore persists synthesis jobs. JobsByStatus returns rows in insertion order.
// UpdateDraft is a conditional UpdateJob: it fails with ErrNotEditable unless
// the stored job is still draft or waiting at the moment of the write.
type JobStore interface {
	InsertJob(ctx context.Context, job *SynthesisJob) (int64, error)
	GetJob(ctx context.Context, id int64) (*SynthesisJob, error)
	UpdateJob(ctx context.Context, job *SynthesisJob) error
	UpdateDraft(ctx context.Context, job *SynthesisJob) error
	ListJobs(ctx context.Context, query ListQuery) ([]SynthesisJob, error)
	CountJobs(ctx context.Context, name string) (int, error)
	JobsByStatus(ctx context.Context, status JobStatus) ([]SynthesisJob, error)
	DeleteJob(ctx context.Context, id int64) error
}

// Registry is the persistent record store for all three entity kinds.
type Registry interface {
	VoiceStore
	ModelStore
	JobStore
}

// MediaProcessor wraps the transcoding and probing tool.
type MediaProcessor interface {
	ExtractAudio(ctx context.Context, videoPath, audioPath string) error
	TranscodeToCompatible(ctx context.Context, videoPath, outPath string) error
	ProbeDuration(ctx context.Context, videoPath string) (float64, error)
}

// JobEventPublisher receives job status changes.
type JobEventPublisher interface {
	PublishJobEvent(ctx context.Context, event JobEvent) error
}
