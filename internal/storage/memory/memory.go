// Package memory is an in-process DescriptorRepository.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vilaca/mlsync/internal/domain"
	"github.com/vilaca/mlsync/internal/storage"
)

type key struct {
	projectID string
	slug      string
}

// Repository keeps descriptors in a map guarded by a mutex.
type Repository struct {
	mu          sync.RWMutex
	descriptors map[key]domain.PipelineDescriptor
}

var _ storage.DescriptorRepository = (*Repository)(nil)

// New creates an empty repository.
func New() *Repository {
	return &Repository{descriptors: make(map[key]domain.PipelineDescriptor)}
}

func (r *Repository) NextSequence(_ context.Context, projectID, slugBase string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	next := 1
	for k := range r.descriptors {
		if k.projectID != projectID {
			continue
		}
		if seq, ok := domain.SlugSequence(k.slug, slugBase); ok && seq >= next {
			next = seq + 1
		}
	}
	return next, nil
}

func (r *Repository) Insert(_ context.Context, d domain.PipelineDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{d.ProjectID, d.Slug}
	if _, exists := r.descriptors[k]; exists {
		return storage.ErrSlugTaken
	}
	r.descriptors[k] = d
	return nil
}

func (r *Repository) Get(_ context.Context, projectID, slug string) (domain.PipelineDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[key{projectID, slug}]
	if !ok {
		return domain.PipelineDescriptor{}, storage.ErrDescriptorNotFound
	}
	return d, nil
}

func (r *Repository) ListByProject(_ context.Context, projectID string) ([]domain.PipelineDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.PipelineDescriptor
	for k, d := range r.descriptors {
		if k.projectID == projectID {
			out = append(out, d)
		}
	}
	sortDescriptors(out)
	return out, nil
}

func (r *Repository) MarkTriggered(_ context.Context, projectID, slug, runID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{projectID, slug}
	d, ok := r.descriptors[k]
	if !ok {
		return storage.ErrDescriptorNotFound
	}
	if d.State == domain.DescriptorTriggered {
		if d.RunID == runID {
			return nil
		}
		return storage.ErrAlreadyTriggered
	}
	d.State = domain.DescriptorTriggered
	d.RunID = runID
	d.TriggeredAt = &at
	r.descriptors[k] = d
	return nil
}

// Len returns the number of stored descriptors.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descriptors)
}

func sortDescriptors(ds []domain.PipelineDescriptor) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].Slug < ds[j].Slug
		}
		return ds[i].CreatedAt.Before(ds[j].CreatedAt)
	})
}
