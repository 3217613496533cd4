package memory

import (
	"testing"

	"github.com/vilaca/mlsync/internal/storage"
	"github.com/vilaca/mlsync/internal/storage/storagetest"
)

func TestRepository(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.DescriptorRepository {
		return New()
	})
}
