// Package store tracks job state in process and, optionally, appends job
// lifecycle events to a Postgres audit trail.
package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scene-render-service/internal/models"
	"scene-render-service/internal/pkg/errors"
)

// AuditSink receives job lifecycle events. Failures are never fatal to a job.
type AuditSink interface {
	AppendAudit(ctx context.Context, ev models.AuditEvent) error
}

type entry struct {
	mu  sync.Mutex
	seq uint64
	job models.Job
}

// JobStore holds every job of the process. Each job has its own lock so
// readers of one job never wait on writers of another.
type JobStore struct {
	jobs  sync.Map // id -> *entry
	seq   atomic.Uint64
	audit AuditSink
	now   func() time.Time
}

func NewJobStore(audit AuditSink) *JobStore {
	return &JobStore{audit: audit, now: func() time.Time { return time.Now().UTC() }}
}

// Create registers a queued job and returns a copy of it.
func (s *JobStore) Create(ctx context.Context, kind models.JobKind, title string, payload any) (models.Job, error) {
	if !kind.Valid() {
		return models.Job{}, errors.Validationf("unknown job kind %q", kind)
	}
	now := s.now()
	e := &entry{
		seq: s.seq.Add(1),
		job: models.Job{
			ID:        uuid.New().String(),
			Kind:      kind,
			Title:     title,
			Status:    models.StatusQueued,
			Message:   "queued",
			CreatedAt: now,
			UpdatedAt: now,
			Payload:   payload,
		},
	}
	s.jobs.Store(e.job.ID, e)
	s.record(ctx, e.job.ID, "queued", string(kind))
	return copyJob(e.job), nil
}

// Get returns a copy of the job.
func (s *JobStore) Get(id string) (models.Job, error) {
	e, err := s.entry(id)
	if err != nil {
		return models.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyJob(e.job), nil
}

// Snapshot returns copies of all jobs, oldest first.
func (s *JobStore) Snapshot() []models.Job {
	type row struct {
		seq uint64
		job models.Job
	}
	var rows []row
	s.jobs.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		rows = append(rows, row{seq: e.seq, job: copyJob(e.job)})
		e.mu.Unlock()
		return true
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]models.Job, len(rows))
	for i, r := range rows {
		out[i] = r.job
	}
	return out
}

// Claim moves a queued job to processing. Only one caller can win.
func (s *JobStore) Claim(ctx context.Context, id string) (models.Job, error) {
	job, err := s.transition(id, func(j *models.Job, now time.Time) error {
		if j.Status != models.StatusQueued {
			return errors.Conflict("job " + id + " is " + j.Status + ", not queued")
		}
		j.Status = models.StatusProcessing
		j.Message = "processing"
		j.StartedAt = &now
		return nil
	})
	if err == nil {
		s.record(ctx, id, "processing", "")
	}
	return job, err
}

// SetProgress updates the human-readable message of a processing job.
func (s *JobStore) SetProgress(id, message string) error {
	_, err := s.transition(id, func(j *models.Job, _ time.Time) error {
		if j.Status != models.StatusProcessing {
			return errors.Conflict("job " + id + " is not processing")
		}
		j.Message = message
		return nil
	})
	return err
}

// Complete marks a processing job as completed.
func (s *JobStore) Complete(ctx context.Context, id, message string, artifactIDs []string, downloadRef string, outcomes []models.Outcome) (models.Job, error) {
	job, err := s.transition(id, func(j *models.Job, now time.Time) error {
		if j.Status != models.StatusProcessing {
			return errors.Conflict("job " + id + " is " + j.Status + ", cannot complete")
		}
		j.Status = models.StatusCompleted
		j.Message = message
		j.ArtifactIDs = append([]string(nil), artifactIDs...)
		j.DownloadRef = downloadRef
		j.Outcomes = append([]models.Outcome(nil), outcomes...)
		j.FinishedAt = &now
		return nil
	})
	if err == nil {
		s.record(ctx, id, "completed", message)
	}
	return job, err
}

// Fail marks a queued or processing job as failed with a reason.
func (s *JobStore) Fail(ctx context.Context, id string, code errors.Code, message string, outcomes []models.Outcome) (models.Job, error) {
	if message == "" {
		message = "job failed"
	}
	job, err := s.transition(id, func(j *models.Job, now time.Time) error {
		if models.IsTerminal(j.Status) {
			return errors.Conflict("job " + id + " already " + j.Status)
		}
		j.Status = models.StatusError
		j.ErrorCode = string(code)
		j.Message = message
		j.Outcomes = append([]models.Outcome(nil), outcomes...)
		j.FinishedAt = &now
		return nil
	})
	if err == nil {
		s.record(ctx, id, "error", message)
	}
	return job, err
}

func (s *JobStore) transition(id string, fn func(j *models.Job, now time.Time) error) (models.Job, error) {
	e, err := s.entry(id)
	if err != nil {
		return models.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := s.now()
	if err := fn(&e.job, now); err != nil {
		return models.Job{}, err
	}
	e.job.UpdatedAt = now
	return copyJob(e.job), nil
}

func (s *JobStore) entry(id string) (*entry, error) {
	v, ok := s.jobs.Load(id)
	if !ok {
		return nil, errors.NotFound("job", id)
	}
	return v.(*entry), nil
}

func (s *JobStore) record(ctx context.Context, id, event, detail string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.AppendAudit(ctx, models.AuditEvent{JobID: id, Event: event, Detail: detail, Recorded: s.now()})
}

func copyJob(j models.Job) models.Job {
	j.ArtifactIDs = append([]string(nil), j.ArtifactIDs...)
	j.Outcomes = append([]models.Outcome(nil), j.Outcomes...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		j.FinishedAt = &t
	}
	return j
}
