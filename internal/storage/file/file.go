// Package file is a DescriptorRepository backed by a JSON file, safe for use
// by several processes (CLI invocations) at once.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/vilaca/mlsync/internal/domain"
	"github.com/vilaca/mlsync/internal/storage"
)

// snapshot represents the structure of the descriptor file.
type snapshot struct {
	Timestamp   time.Time          `json:"timestamp"`
	Descriptors []descriptorRecord `json:"descriptors"`
}

type descriptorRecord struct {
	ID           string             `json:"id"`
	ProjectID    string             `json:"project_id"`
	Name         string             `json:"name"`
	Slug         string             `json:"slug"`
	Sequence     int                `json:"sequence"`
	SourceBranch string             `json:"source_branch"`
	Type         string             `json:"pipeline_type"`
	InputFiles   []domain.InputFile `json:"input_files"`
	Operations   []domain.Operation `json:"data_operations"`
	CreatedAt    time.Time          `json:"created_at"`
	State        string             `json:"state"`
	RunID        string             `json:"run_id,omitempty"`
	TriggeredAt  *time.Time         `json:"triggered_at,omitempty"`
}

// Repository persists descriptors in a single JSON file.
// Every operation holds an exclusive advisory lock on "<path>.lock", so
// read-modify-write cycles from separate processes serialize.
type Repository struct {
	filePath string
	lock     *flock.Flock
	mu       sync.Mutex
	logger   *zap.Logger
}

var _ storage.DescriptorRepository = (*Repository)(nil)

// New creates a file repository. The file is created on first write.
func New(filePath string, logger *zap.Logger) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &Repository{
		filePath: filePath,
		lock:     flock.New(filePath + ".lock"),
		logger:   logger,
	}, nil
}

func (r *Repository) NextSequence(ctx context.Context, projectID, slugBase string) (int, error) {
	next := 1
	err := r.withLock(ctx, func(s *snapshot) (bool, error) {
		for _, d := range s.Descriptors {
			if d.ProjectID != projectID {
				continue
			}
			if seq, ok := domain.SlugSequence(d.Slug, slugBase); ok && seq >= next {
				next = seq + 1
			}
		}
		return false, nil
	})
	return next, err
}

func (r *Repository) Insert(ctx context.Context, d domain.PipelineDescriptor) error {
	return r.withLock(ctx, func(s *snapshot) (bool, error) {
		for _, existing := range s.Descriptors {
			if existing.ProjectID == d.ProjectID && existing.Slug == d.Slug {
				return false, storage.ErrSlugTaken
			}
		}
		s.Descriptors = append(s.Descriptors, toRecord(d))
		return true, nil
	})
}

func (r *Repository) Get(ctx context.Context, projectID, slug string) (domain.PipelineDescriptor, error) {
	var found *domain.PipelineDescriptor
	err := r.withLock(ctx, func(s *snapshot) (bool, error) {
		for _, rec := range s.Descriptors {
			if rec.ProjectID == projectID && rec.Slug == slug {
				d := fromRecord(rec)
				found = &d
				return false, nil
			}
		}
		return false, storage.ErrDescriptorNotFound
	})
	if err != nil {
		return domain.PipelineDescriptor{}, err
	}
	return *found, nil
}

func (r *Repository) ListByProject(ctx context.Context, projectID string) ([]domain.PipelineDescriptor, error) {
	var out []domain.PipelineDescriptor
	err := r.withLock(ctx, func(s *snapshot) (bool, error) {
		for _, rec := range s.Descriptors {
			if rec.ProjectID == projectID {
				out = append(out, fromRecord(rec))
			}
		}
		return false, nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r *Repository) MarkTriggered(ctx context.Context, projectID, slug, runID string, at time.Time) error {
	return r.withLock(ctx, func(s *snapshot) (bool, error) {
		for i, rec := range s.Descriptors {
			if rec.ProjectID != projectID || rec.Slug != slug {
				continue
			}
			if rec.State == string(domain.DescriptorTriggered) {
				if rec.RunID == runID {
					return false, nil
				}
				return false, storage.ErrAlreadyTriggered
			}
			s.Descriptors[i].State = string(domain.DescriptorTriggered)
			s.Descriptors[i].RunID = runID
			s.Descriptors[i].TriggeredAt = &at
			return true, nil
		}
		return false, storage.ErrDescriptorNotFound
	})
}

// withLock loads the snapshot under the file lock, runs fn, and saves when fn
// reports a change.
func (r *Repository) withLock(ctx context.Context, fn func(s *snapshot) (bool, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	locked, err := r.lock.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire store lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire store lock: %s is busy", r.lock.Path())
	}
	defer func() {
		if err := r.lock.Unlock(); err != nil {
			r.logger.Warn("release store lock", zap.Error(err))
		}
	}()

	s, err := r.load()
	if err != nil {
		return err
	}

	changed, err := fn(s)
	if err != nil || !changed {
		return err
	}
	return r.save(s)
}

// load reads the snapshot. A missing file is an empty store.
func (r *Repository) load() (*snapshot, error) {
	data, err := os.ReadFile(r.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return &snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}

	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse store file %s: %w", r.filePath, err)
	}
	return &s, nil
}

// save writes the snapshot through a temporary file and an atomic rename.
func (r *Repository) save(s *snapshot) error {
	s.Timestamp = time.Now()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}

	tempFile := r.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}

	if err := os.Rename(tempFile, r.filePath); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("replace store file: %w", err)
	}

	r.logger.Debug("descriptor store saved", zap.String("path", r.filePath), zap.Int("descriptors", len(s.Descriptors)))
	return nil
}

func toRecord(d domain.PipelineDescriptor) descriptorRecord {
	return descriptorRecord{
		ID:           d.ID,
		ProjectID:    d.ProjectID,
		Name:         d.Name,
		Slug:         d.Slug,
		Sequence:     d.Sequence,
		SourceBranch: d.SourceBranch,
		Type:         string(d.Type),
		InputFiles:   d.InputFiles,
		Operations:   d.Operations,
		CreatedAt:    d.CreatedAt,
		State:        string(d.State),
		RunID:        d.RunID,
		TriggeredAt:  d.TriggeredAt,
	}
}

func fromRecord(rec descriptorRecord) domain.PipelineDescriptor {
	return domain.PipelineDescriptor{
		ID:           rec.ID,
		ProjectID:    rec.ProjectID,
		Name:         rec.Name,
		Slug:         rec.Slug,
		Sequence:     rec.Sequence,
		SourceBranch: rec.SourceBranch,
		Type:         domain.PipelineType(rec.Type),
		InputFiles:   rec.InputFiles,
		Operations:   rec.Operations,
		CreatedAt:    rec.CreatedAt,
		State:        domain.DescriptorState(rec.State),
		RunID:        rec.RunID,
		TriggeredAt:  rec.TriggeredAt,
	}
}
