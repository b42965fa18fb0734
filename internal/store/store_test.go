package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eniac111/faultops/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openMemory(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := Open(Config{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	rec := TaskRecord{ID: "t1", Category: types.CategoryApp, Subtype: "MEMORY", Target: "ep-1"}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.CategoryApp, got.Category)
	assert.Equal(t, "ep-1", got.Target)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, s.Delete(ctx, "t1", "never-stored"))
	_, err = s.Get(ctx, "t1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListOldestFirst(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Put(ctx, TaskRecord{ID: "b", Category: types.CategoryInfra, CreatedAt: now}))
	require.NoError(t, s.Put(ctx, TaskRecord{ID: "a", Category: types.CategoryInfra, CreatedAt: now.Add(time.Second)}))
	require.NoError(t, s.Put(ctx, TaskRecord{ID: "c", Category: types.CategoryInfra, ParentID: "p", CreatedAt: now.Add(-time.Second)}))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{recs[0].ID, recs[1].ID, recs[2].ID})
	assert.Equal(t, "p", recs[0].ParentID)
}

func TestPutRequiresID(t *testing.T) {
	s := openMemory(t)
	assert.Error(t, s.Put(context.Background(), TaskRecord{}))
}

func TestOpenOnDiskSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, TaskRecord{ID: "t1", Category: types.CategoryInfra}))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.CategoryInfra, got.Category)
}

func TestOpenNeedsLocation(t *testing.T) {
	_, err := Open(Config{}, nil)
	assert.Error(t, err)
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{InMemory: true}.Enabled())
}
