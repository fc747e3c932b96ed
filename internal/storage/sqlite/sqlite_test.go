package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"Aegis-Evaluator/internal/storage"
)

func record(id string, index uint64) storage.EvaluationRecord {
	return storage.EvaluationRecord{
		ID:            id,
		LeafIndex:     index,
		QuestID:       7,
		AgentID:       9,
		Confidence:    90,
		Success:       true,
		FeaturesHash:  "f0",
		LeafHash:      "l0",
		MerkleRoot:    "r0",
		TreeSize:      index + 1,
		HashAlgorithm: "sha256",
		AnchorStatus:  "pending",
		CreatedAt:     int64(100 + index),
	}
}

func TestSQLiteRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger", "aegis.db")

	repo, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := uint64(0); i < 3; i++ {
		if err := repo.Append(ctx, record(string(rune('a'+i)), i)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := repo.Append(ctx, record("a", 5)); !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := repo.RecordAnchor(ctx, "b", "anchored", "0xfeed", ""); err != nil {
		t.Fatalf("record anchor: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	leaves, err := reopened.ListLeaves(ctx)
	if err != nil {
		t.Fatalf("list leaves: %v", err)
	}
	if len(leaves) != 3 || leaves[0].ID != "a" || leaves[2].ID != "c" {
		t.Fatalf("unexpected leaves: %+v", leaves)
	}
	if !leaves[0].Success || leaves[0].Confidence != 90 {
		t.Fatalf("fields not persisted: %+v", leaves[0])
	}

	got, err := reopened.Get(ctx, "b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AnchorStatus != "anchored" || got.AnchorTxID != "0xfeed" {
		t.Fatalf("anchor update lost: %+v", got)
	}

	latest, err := reopened.ListLatest(ctx, 1)
	if err != nil {
		t.Fatalf("list latest: %v", err)
	}
	if len(latest) != 1 || latest[0].ID != "c" {
		t.Fatalf("unexpected latest: %+v", latest)
	}
	if _, err := reopened.Get(ctx, "zzz"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLiteInMemory(t *testing.T) {
	repo, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer repo.Close()
	if err := repo.Append(context.Background(), record("only", 0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	leaves, err := repo.ListLeaves(context.Background())
	if err != nil || len(leaves) != 1 {
		t.Fatalf("list leaves: %v %+v", err, leaves)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
