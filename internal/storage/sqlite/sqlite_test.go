package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podex-dev/agentcore/internal/storage/sqlite"
	"github.com/podex-dev/agentcore/internal/storage/storetest"
	"github.com/podex-dev/agentcore/internal/tasks"
)

func newRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRepository(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend { return newRepo(t) })
}

func TestRepositoryReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "podex.db")

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: path})
	require.NoError(t, err)
	task := tasks.NewFromPayload(tasks.Payload{TaskID: "task_1", SessionID: "s1", Goal: "g"})
	require.NoError(t, repo.Create(ctx, task))
	require.NoError(t, repo.Close())

	repo, err = sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: path})
	require.NoError(t, err)
	defer repo.Close()

	got, err := repo.Get(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusQueued, got.Status)
}

func TestAppendProgressConcurrent(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.AppendProgress(ctx, tasks.ProgressRecord{TaskID: "t1", State: "awaiting_model"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	recs, err := repo.ListProgress(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, recs, n)
	for i, rec := range recs {
		assert.Equal(t, i+1, rec.Seq)
	}
}
