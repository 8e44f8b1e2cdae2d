package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smplatform/mu-auth/internal/core/domain"
)

func TestBackupCodeConsumeSingleUse(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewBackupCodeRepository(client, "bc")

	ctx := context.Background()
	batch := domain.BackupCodeBatch{
		ID:          "batch-1",
		UserID:      "user-1",
		CodeHashes:  []string{"h1", "h2", "h3"},
		GeneratedAt: time.Now(),
	}
	if err := repo.Replace(ctx, batch); err != nil {
		t.Fatalf("Replace returned error: %v", err)
	}

	consumed, remaining, err := repo.Consume(ctx, "user-1", "h1")
	if err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}
	if !consumed {
		t.Fatalf("expected code to be accepted")
	}
	if remaining != 2 {
		t.Fatalf("expected 2 remaining, got %d", remaining)
	}

	consumed, remaining, err = repo.Consume(ctx, "user-1", "h1")
	if err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}
	if consumed {
		t.Fatalf("expected reuse to be refused")
	}
	if remaining != 2 {
		t.Fatalf("refused reuse must not change remaining, got %d", remaining)
	}
}

func TestBackupCodeConsumeConcurrent(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewBackupCodeRepository(client, "bc")

	ctx := context.Background()
	batch := domain.BackupCodeBatch{
		ID:          "batch-2",
		UserID:      "user-2",
		CodeHashes:  []string{"h1"},
		GeneratedAt: time.Now(),
	}
	if err := repo.Replace(ctx, batch); err != nil {
		t.Fatalf("Replace returned error: %v", err)
	}

	var successes atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumed, _, err := repo.Consume(ctx, "user-2", "h1")
			if err != nil {
				t.Errorf("Consume returned error: %v", err)
				return
			}
			if consumed {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("expected the code to be accepted exactly once, got %d", got)
	}
}

func TestBackupCodeReplaceInvalidatesOldBatch(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewBackupCodeRepository(client, "bc")

	ctx := context.Background()
	first := domain.BackupCodeBatch{
		ID:          "batch-old",
		UserID:      "user-3",
		CodeHashes:  []string{"old-1", "old-2"},
		GeneratedAt: time.Now(),
	}
	if err := repo.Replace(ctx, first); err != nil {
		t.Fatalf("Replace returned error: %v", err)
	}
	if _, _, err := repo.Consume(ctx, "user-3", "old-1"); err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}

	second := domain.BackupCodeBatch{
		ID:          "batch-new",
		UserID:      "user-3",
		CodeHashes:  []string{"new-1", "new-2"},
		GeneratedAt: time.Now(),
	}
	if err := repo.Replace(ctx, second); err != nil {
		t.Fatalf("Replace returned error: %v", err)
	}

	consumed, _, err := repo.Consume(ctx, "user-3", "old-2")
	if err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}
	if consumed {
		t.Fatalf("old batch codes must stop working after replace")
	}

	batch, err := repo.Get(ctx, "user-3")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if batch.ID != "batch-new" {
		t.Fatalf("expected new batch id, got %s", batch.ID)
	}
	if batch.Remaining() != 2 {
		t.Fatalf("expected fresh batch with 2 codes, got %d", batch.Remaining())
	}
}
