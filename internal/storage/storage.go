// Package storage defines persistence of pipeline descriptors.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vilaca/mlsync/internal/domain"
)

var (
	ErrSlugTaken          = errors.New("descriptor slug already exists in project")
	ErrDescriptorNotFound = errors.New("descriptor not found")
	ErrAlreadyTriggered   = errors.New("descriptor already triggered")
)

// DescriptorRepository stores pipeline descriptors. Implementations enforce
// slug uniqueness per project atomically in Insert.
type DescriptorRepository interface {
	// NextSequence returns 1 + the highest sequence among the project's slugs
	// derived from slugBase (see domain.SlugSequence).
	NextSequence(ctx context.Context, projectID, slugBase string) (int, error)
	// Insert stores a new descriptor or fails with ErrSlugTaken.
	Insert(ctx context.Context, d domain.PipelineDescriptor) error
	Get(ctx context.Context, projectID, slug string) (domain.PipelineDescriptor, error)
	// ListByProject returns descriptors ordered by creation time.
	ListByProject(ctx context.Context, projectID string) ([]domain.PipelineDescriptor, error)
	// MarkTriggered records the provider run of a descriptor. Recording the
	// same run twice is a no-op; a different run fails with ErrAlreadyTriggered.
	MarkTriggered(ctx context.Context, projectID, slug, runID string, at time.Time) error
}
