// Package artifacts records finished output files and mirrors them to object
// storage.
package artifacts

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"scene-render-service/internal/models"
	"scene-render-service/internal/pkg/errors"
)

// Registry is an append-only index of artifacts by id and by job.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]models.Artifact
	byJob map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{
		byID:  make(map[string]models.Artifact),
		byJob: make(map[string][]string),
	}
}

// RegisterAll records every artifact of a job or none of them. Artifacts
// without an id get a fresh one. A job can register only once.
func (r *Registry) RegisterAll(jobID string, items []models.Artifact) ([]models.Artifact, error) {
	if jobID == "" {
		return nil, errors.Validation("job id is required")
	}
	now := time.Now().UTC()
	out := make([]models.Artifact, len(items))
	seen := make(map[string]bool, len(items))
	for i, a := range items {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if seen[a.ID] {
			return nil, errors.Conflict("duplicate artifact id " + a.ID)
		}
		seen[a.ID] = true
		a.JobID = jobID
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		out[i] = a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byJob[jobID]; ok {
		return nil, errors.Conflict("artifacts already registered for job " + jobID)
	}
	for _, a := range out {
		if _, ok := r.byID[a.ID]; ok {
			return nil, errors.Conflict("artifact " + a.ID + " already registered")
		}
	}
	ids := make([]string, len(out))
	for i, a := range out {
		r.byID[a.ID] = a
		ids[i] = a.ID
	}
	r.byJob[jobID] = ids
	return append([]models.Artifact(nil), out...), nil
}

func (r *Registry) Get(id string) (models.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return models.Artifact{}, errors.NotFound("artifact", id)
	}
	return a, nil
}

// ForJob returns the artifacts of a job in registration order.
func (r *Registry) ForJob(jobID string) ([]models.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids, ok := r.byJob[jobID]
	if !ok {
		return nil, errors.NotFound("artifacts for job", jobID)
	}
	out := make([]models.Artifact, len(ids))
	for i, id := range ids {
		out[i] = r.byID[id]
	}
	return out, nil
}
