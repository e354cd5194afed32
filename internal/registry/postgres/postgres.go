// Package postgres implements the registry on PostgreSQL through pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/registry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS voice (
	id                   BIGSERIAL PRIMARY KEY,
	origin_audio_path    TEXT NOT NULL DEFAULT '',
	lang                 TEXT NOT NULL DEFAULT '',
	asr_format_audio_url TEXT NOT NULL DEFAULT '',
	reference_audio_text TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS f2f_model (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	video_path TEXT NOT NULL DEFAULT '',
	audio_path TEXT NOT NULL DEFAULT '',
	voice_id   BIGINT NOT NULL DEFAULT 0,
	storage    TEXT NOT NULL DEFAULT 'local',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS video (
	id           BIGSERIAL PRIMARY KEY,
	model_id     BIGINT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	audio_path   TEXT NOT NULL DEFAULT '',
	text_content TEXT NOT NULL DEFAULT '',
	voice_id     BIGINT NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	message      TEXT NOT NULL DEFAULT '',
	progress     INTEGER NOT NULL DEFAULT 0,
	code         TEXT NOT NULL DEFAULT '',
	param        TEXT NOT NULL DEFAULT '',
	file_path    TEXT NOT NULL DEFAULT '',
	duration     DOUBLE PRECISION NOT NULL DEFAULT 0,
	storage      TEXT NOT NULL DEFAULT 'local',
	submitted_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS video_status_idx ON video (status, id);
`

const jobColumns = `id, model_id, name, audio_path, text_content, voice_id, status, message,
	progress, code, param, file_path, duration, storage, submitted_at, created_at, updated_at`

const modelColumns = `id, name, video_path, audio_path, voice_id, storage, created_at`

const voiceColumns = `id, origin_audio_path, lang, asr_format_audio_url, reference_audio_text, created_at`

// Store implements core.Registry on a connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ core.Registry = (*Store)(nil)

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	return nil
}

// Truncate removes every record and resets the id sequences.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE voice, f2f_model, video RESTART IDENTITY`)
	if err != nil {
		return fmt.Errorf("failed to truncate tables: %w", err)
	}

	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func notFound(err error, kind string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", kind, id, core.ErrNotFound)
	}

	return fmt.Errorf("failed to get %s %d: %w", kind, id, err)
}

func (s *Store) InsertVoice(ctx context.Context, voice *core.VoiceProfile) (int64, error) {
	registry.StampVoiceForInsert(voice, time.Now().UTC())

	err := s.pool.QueryRow(ctx,
		`INSERT INTO voice (origin_audio_path, lang, asr_format_audio_url, reference_audio_text, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		voice.OriginAudioPath, voice.Lang, voice.ASRFormatAudioURL, voice.ReferenceAudioText, voice.CreatedAt,
	).Scan(&voice.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert voice: %w", err)
	}

	return voice.ID, nil
}

func scanVoice(row pgx.Row) (*core.VoiceProfile, error) {
	var voice core.VoiceProfile

	err := row.Scan(&voice.ID, &voice.OriginAudioPath, &voice.Lang, &voice.ASRFormatAudioURL,
		&voice.ReferenceAudioText, &voice.CreatedAt)
	if err != nil {
		return nil, err
	}

	return &voice, nil
}

func (s *Store) GetVoice(ctx context.Context, id int64) (*core.VoiceProfile, error) {
	voice, err := scanVoice(s.pool.QueryRow(ctx, `SELECT `+voiceColumns+` FROM voice WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, registry.KindVoice, id)
	}

	return voice, nil
}

func (s *Store) ListVoices(ctx context.Context) ([]core.VoiceProfile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+voiceColumns+` FROM voice ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list voices: %w", err)
	}

	return collect(rows, scanVoice)
}

func (s *Store) InsertModel(ctx context.Context, model *core.SourceModel) (int64, error) {
	registry.StampModelForInsert(model, time.Now().UTC())

	err := s.pool.QueryRow(ctx,
		`INSERT INTO f2f_model (name, video_path, audio_path, voice_id, storage, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		model.Name, model.VideoPath, model.AudioPath, model.VoiceID, string(model.Storage), model.CreatedAt,
	).Scan(&model.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert model: %w", err)
	}

	return model.ID, nil
}

func scanModel(row pgx.Row) (*core.SourceModel, error) {
	var (
		model   core.SourceModel
		storage string
	)

	err := row.Scan(&model.ID, &model.Name, &model.VideoPath, &model.AudioPath, &model.VoiceID,
		&storage, &model.CreatedAt)
	if err != nil {
		return nil, err
	}

	model.Storage = core.StorageMode(storage)

	return &model, nil
}

func (s *Store) GetModel(ctx context.Context, id int64) (*core.SourceModel, error) {
	model, err := scanModel(s.pool.QueryRow(ctx, `SELECT `+modelColumns+` FROM f2f_model WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, registry.KindModel, id)
	}

	return model, nil
}

func (s *Store) ListModels(ctx context.Context, query core.ListQuery) ([]core.SourceModel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+modelColumns+` FROM f2f_model WHERE strpos(name, $1) > 0 ORDER BY id DESC LIMIT $2 OFFSET $3`,
		query.Name, query.Limit(), query.Offset())
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	return collect(rows, scanModel)
}

func (s *Store) CountModels(ctx context.Context, name string) (int, error) {
	var total int

	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM f2f_model WHERE strpos(name, $1) > 0`, name).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count models: %w", err)
	}

	return total, nil
}

func (s *Store) DeleteModel(ctx context.Context, id int64) error {
	return s.deleteRow(ctx, "f2f_model", registry.KindModel, id)
}

func (s *Store) InsertJob(ctx context.Context, job *core.SynthesisJob) (int64, error) {
	err := registry.StampJobForInsert(job, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO video (model_id, name, audio_path, text_content, voice_id, status, message, progress,
		 code, param, file_path, duration, storage, submitted_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16) RETURNING id`,
		job.ModelID, job.Name, job.AudioPath, job.TextContent, job.VoiceID, string(job.Status), job.Message,
		job.Progress, job.Code, job.Param, job.FilePath, job.Duration, string(job.Storage), job.SubmittedAt,
		job.CreatedAt, job.UpdatedAt,
	).Scan(&job.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}

	return job.ID, nil
}

func scanJob(row pgx.Row) (*core.SynthesisJob, error) {
	var (
		job     core.SynthesisJob
		status  string
		storage string
	)

	err := row.Scan(&job.ID, &job.ModelID, &job.Name, &job.AudioPath, &job.TextContent, &job.VoiceID,
		&status, &job.Message, &job.Progress, &job.Code, &job.Param, &job.FilePath, &job.Duration,
		&storage, &job.SubmittedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	job.Status = core.JobStatus(status)
	job.Storage = core.StorageMode(storage)

	return &job, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*core.SynthesisJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM video WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, registry.KindJob, id)
	}

	return job, nil
}

const updateJobSQL = `UPDATE video SET model_id = $2, name = $3, audio_path = $4, text_content = $5, voice_id = $6,
	 status = $7, message = $8, progress = $9, code = $10, param = $11, file_path = $12,
	 duration = $13, storage = $14, submitted_at = $15, updated_at = $16
	 WHERE id = $1`

func (s *Store) UpdateJob(ctx context.Context, job *core.SynthesisJob) error {
	affected, err := s.updateJob(ctx, updateJobSQL, job)
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("job %d: %w", job.ID, core.ErrNotFound)
	}

	return nil
}

// UpdateDraft writes job only while the stored row is still draft or waiting.
func (s *Store) UpdateDraft(ctx context.Context, job *core.SynthesisJob) error {
	affected, err := s.updateJob(ctx, updateJobSQL+` AND status IN ('draft', 'waiting')`, job)
	if err != nil {
		return err
	}

	if affected > 0 {
		return nil
	}

	var status string

	err = s.pool.QueryRow(ctx, `SELECT status FROM video WHERE id = $1`, job.ID).Scan(&status)
	if err != nil {
		return notFound(err, registry.KindJob, job.ID)
	}

	return fmt.Errorf("job %d is %s: %w", job.ID, status, core.ErrNotEditable)
}

func (s *Store) updateJob(ctx context.Context, sql string, job *core.SynthesisJob) (int64, error) {
	job.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, sql,
		job.ID, job.ModelID, job.Name, job.AudioPath, job.TextContent, job.VoiceID, string(job.Status),
		job.Message, job.Progress, job.Code, job.Param, job.FilePath, job.Duration, string(job.Storage),
		job.SubmittedAt, job.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to update job %d: %w", job.ID, err)
	}

	return tag.RowsAffected(), nil
}

func (s *Store) ListJobs(ctx context.Context, query core.ListQuery) ([]core.SynthesisJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM video WHERE strpos(name, $1) > 0 ORDER BY id DESC LIMIT $2 OFFSET $3`,
		query.Name, query.Limit(), query.Offset())
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return collect(rows, scanJob)
}

func (s *Store) CountJobs(ctx context.Context, name string) (int, error) {
	var total int

	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM video WHERE strpos(name, $1) > 0`, name).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	return total, nil
}

func (s *Store) JobsByStatus(ctx context.Context, status core.JobStatus) ([]core.SynthesisJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM video WHERE status = $1 ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to select jobs with status '%s': %w", status, err)
	}

	return collect(rows, scanJob)
}

func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	return s.deleteRow(ctx, "video", registry.KindJob, id)
}

func (s *Store) deleteRow(ctx context.Context, table, kind string, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %d: %w", kind, id, err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, core.ErrNotFound)
	}

	return nil
}

// collect scans all rows and closes them.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	items := []T{}

	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		items = append(items, *item)
	}

	err := rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return items, nil
}
