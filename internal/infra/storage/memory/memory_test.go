package memory

import (
	"testing"

	"github.com/vietddude/bridge-oracle/internal/infra/storage"
	"github.com/vietddude/bridge-oracle/internal/infra/storage/storagetest"
)

func TestProofRepo(t *testing.T) {
	storagetest.RunProofRepository(t, func(t *testing.T) storage.ProofRepository {
		return NewProofRepo(NewMemoryStorage())
	})
}

func TestCursorRepo(t *testing.T) {
	storagetest.RunCursorRepository(t, func(t *testing.T) storage.CursorRepository {
		return NewCursorRepo(NewMemoryStorage())
	})
}

func TestInboxRepo(t *testing.T) {
	storagetest.RunInboxRepository(t, func(t *testing.T) storage.InboxRepository {
		return NewInboxRepo(NewMemoryStorage())
	})
}
