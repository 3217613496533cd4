// Package storagetest holds behaviour tests shared by every DescriptorRepository.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vilaca/mlsync/internal/domain"
	"github.com/vilaca/mlsync/internal/storage"
)

// Descriptor builds a descriptor for name and sequence in project.
func Descriptor(project, name string, seq int) domain.PipelineDescriptor {
	return domain.PipelineDescriptor{
		ID:           uuid.NewString(),
		ProjectID:    project,
		Name:         name,
		Slug:         domain.DescriptorSlug(name, seq),
		Sequence:     seq,
		SourceBranch: "master",
		Type:         domain.PipelineTypeData,
		InputFiles:   []domain.InputFile{{Location: "data/raw.csv"}},
		Operations: []domain.Operation{{
			Slug:       "commons-data-operations-noise",
			Parameters: []domain.Parameter{{Name: "mean", Value: "0.1"}},
		}},
		CreatedAt: time.Date(2024, 1, 1, 0, 0, seq, 0, time.UTC),
		State:     domain.DescriptorCreated,
	}
}

// Run exercises repo implementations created by newRepo. Each subtest gets a fresh repository.
func Run(t *testing.T, newRepo func(t *testing.T) storage.DescriptorRepository) {
	ctx := context.Background()
	name := "data-pipeline/test-pipeline"
	base := domain.Slugify(name)

	t.Run("sequence starts at one and follows inserts", func(t *testing.T) {
		repo := newRepo(t)

		seq, err := repo.NextSequence(ctx, "42", base)
		require.NoError(t, err)
		assert.Equal(t, 1, seq)

		require.NoError(t, repo.Insert(ctx, Descriptor("42", name, 1)))

		seq, err = repo.NextSequence(ctx, "42", base)
		require.NoError(t, err)
		assert.Equal(t, 2, seq)

		seq, err = repo.NextSequence(ctx, "7", base)
		require.NoError(t, err)
		assert.Equal(t, 1, seq, "sequences are per project")
	})

	t.Run("sequence is shared by names with the same slug", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Insert(ctx, Descriptor("42", "data-pipeline/Test_Pipeline", 1)))
		require.NoError(t, repo.Insert(ctx, Descriptor("42", "data-pipeline/test-pipeline-extra", 4)))

		seq, err := repo.NextSequence(ctx, "42", base)
		require.NoError(t, err)
		assert.Equal(t, 2, seq, "a longer base with its own suffix does not count")
	})

	t.Run("duplicate slug is rejected", func(t *testing.T) {
		repo := newRepo(t)

		require.NoError(t, repo.Insert(ctx, Descriptor("42", name, 1)))
		err := repo.Insert(ctx, Descriptor("42", name, 1))
		assert.ErrorIs(t, err, storage.ErrSlugTaken)

		assert.NoError(t, repo.Insert(ctx, Descriptor("7", name, 1)), "same slug in another project")
	})

	t.Run("get round trips the descriptor", func(t *testing.T) {
		repo := newRepo(t)
		want := Descriptor("42", name, 1)
		require.NoError(t, repo.Insert(ctx, want))

		got, err := repo.Get(ctx, "42", want.Slug)
		require.NoError(t, err)
		assert.Equal(t, want.Slug, got.Slug)
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.Operations, got.Operations)
		assert.Equal(t, want.InputFiles, got.InputFiles)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, domain.DescriptorCreated, got.State)

		_, err = repo.Get(ctx, "42", "missing-1")
		assert.ErrorIs(t, err, storage.ErrDescriptorNotFound)
	})

	t.Run("list is ordered by creation", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Insert(ctx, Descriptor("42", name, 2)))
		require.NoError(t, repo.Insert(ctx, Descriptor("42", name, 1)))
		require.NoError(t, repo.Insert(ctx, Descriptor("7", name, 1)))

		got, err := repo.ListByProject(ctx, "42")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "data-pipeline-test-pipeline-1", got[0].Slug)
		assert.Equal(t, "data-pipeline-test-pipeline-2", got[1].Slug)
	})

	t.Run("mark triggered is idempotent per run", func(t *testing.T) {
		repo := newRepo(t)
		d := Descriptor("42", name, 1)
		require.NoError(t, repo.Insert(ctx, d))
		at := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

		require.NoError(t, repo.MarkTriggered(ctx, "42", d.Slug, "1001", at))
		require.NoError(t, repo.MarkTriggered(ctx, "42", d.Slug, "1001", at))
		assert.ErrorIs(t, repo.MarkTriggered(ctx, "42", d.Slug, "1002", at), storage.ErrAlreadyTriggered)
		assert.ErrorIs(t, repo.MarkTriggered(ctx, "42", "missing-1", "1", at), storage.ErrDescriptorNotFound)

		got, err := repo.Get(ctx, "42", d.Slug)
		require.NoError(t, err)
		assert.Equal(t, domain.DescriptorTriggered, got.State)
		assert.Equal(t, "1001", got.RunID)
		require.NotNil(t, got.TriggeredAt)
		assert.True(t, at.Equal(*got.TriggeredAt))
	})

	t.Run("concurrent inserts of one slug admit exactly one", func(t *testing.T) {
		repo := newRepo(t)
		const writers = 8

		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = repo.Insert(ctx, Descriptor("42", name, 1))
			}(i)
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			assert.ErrorIs(t, err, storage.ErrSlugTaken)
		}
		assert.Equal(t, 1, ok)
	})
}
