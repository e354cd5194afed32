package core

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by registries when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNotEditable is returned by UpdateDraft when the stored job has left
	// draft and waiting.
	ErrNotEditable = errors.New("job is no longer editable")
)

// StorageMode records which artifact backend holds a record's files.
// It is captured once when the record is created and never re-derived.
type StorageMode string

const (
	StorageLocal  StorageMode = "local"
	StorageRemote StorageMode = "remote"
)

// JobStatus is the lifecycle state of a synthesis job.
type JobStatus string

const (
	JobDraft   JobStatus = "draft"
	JobWaiting JobStatus = "waiting"
	JobPending JobStatus = "pending"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Terminal reports whether no transition leaves the status.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

// Editable reports whether draft fields of a job in this status may change.
func (s JobStatus) Editable() bool {
	return s == JobDraft || s == JobWaiting
}

// VoiceProfile is a trained reference voice. Immutable after creation.
type VoiceProfile struct {
	ID                 int64     `json:"id"`
	OriginAudioPath    string    `json:"origin_audio_path"`
	Lang               string    `json:"lang"`
	ASRFormatAudioURL  string    `json:"asr_format_audio_url"`
	ReferenceAudioText string    `json:"reference_audio_text"`
	CreatedAt          time.Time `json:"created_at"`
}

// SourceModel pairs a source video with the voice trained from its audio track.
type SourceModel struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	VideoPath string      `json:"video_path"`
	AudioPath string      `json:"audio_path"`
	VoiceID   int64       `json:"voice_id"`
	Storage   StorageMode `json:"storage"`
	CreatedAt time.Time   `json:"created_at"`
}

// Remote reports whether the model's artifacts live in the remote backend.
func (m SourceModel) Remote() bool {
	return m.Storage == StorageRemote
}

// SynthesisJob is one request to render a talking-head video.
type SynthesisJob struct {
	ID          int64       `json:"id"`
	ModelID     int64       `json:"model_id"`
	Name        string      `json:"name"`
	AudioPath   string      `json:"audio_path,omitempty"`
	TextContent string      `json:"text_content,omitempty"`
	VoiceID     int64       `json:"voice_id,omitempty"`
	Status      JobStatus   `json:"status"`
	Message     string      `json:"message"`
	Progress    int         `json:"progress"`
	Code        string      `json:"code,omitempty"`
	Param       string      `json:"param,omitempty"`
	FilePath    string      `json:"file_path,omitempty"`
	Duration    float64     `json:"duration"`
	Storage     StorageMode `json:"storage"`
	SubmittedAt *time.Time  `json:"submitted_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Remote reports whether the job's artifacts live in the remote backend.
func (j SynthesisJob) Remote() bool {
	return j.Storage == StorageRemote
}

// ListQuery selects one page of records, optionally filtered by name.
type ListQuery struct {
	Page     int
	PageSize int
	Name     string
}

// Offset returns the zero-based offset of the first row of the page.
func (q ListQuery) Offset() int {
	if q.Page <= 1 {
		return 0
	}

	return (q.Page - 1) * q.Limit()
}

// Limit returns the page size, defaulting to 20.
func (q ListQuery) Limit() int {
	if q.PageSize <= 0 {
		return 20
	}

	return q.PageSize
}

// JobEvent is published after every persisted job mutation.
type JobEvent struct {
	JobID    int64     `json:"job_id"`
	Status   JobStatus `json:"status"`
	Message  string    `json:"message"`
	Progress int       `json:"progress"`
	FilePath string    `json:"file_path,omitempty"`
	Duration float64   `json:"duration,omitempty"`
}

// EventFromJob snapshots the externally visible fields of a job.
func EventFromJob(job *SynthesisJob) JobEvent {
	return JobEvent{
		JobID:    job.ID,
		Status:   job.Status,
		Message:  job.Message,
		Progress: job.Progress,
		FilePath: job.FilePath,
		Duration: job.Duration,
	}
}
