package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"sagemaker-adapter/pkg/utils"
)

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "jobs.json")
	fs, err := NewFileStore(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	older := &Record{Name: "xgb-1", Kind: KindTraining, Status: "InProgress", CreatedAt: time.Now().Add(-time.Hour)}
	newer := &Record{Name: "hpo-1", Kind: KindTuning, Status: "InProgress", CreatedAt: time.Now()}
	require.NoError(t, fs.Save(ctx, older))
	require.NoError(t, fs.Save(ctx, newer))

	got, err := fs.Get(ctx, "xgb-1")
	require.NoError(t, err)
	assert.Equal(t, "InProgress", got.Status)

	older.Status = "Completed"
	require.NoError(t, fs.Save(ctx, older))
	got, err = fs.Get(ctx, "xgb-1")
	require.NoError(t, err)
	assert.Equal(t, "Completed", got.Status)

	all, err := fs.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "hpo-1", all[0].Name)

	training, err := fs.List(ctx, KindTraining)
	require.NoError(t, err)
	require.Len(t, training, 1)

	require.NoError(t, fs.Delete(ctx, "xgb-1"))
	assert.ErrorIs(t, fs.Delete(ctx, "xgb-1"), ErrNotFound)
	_, err = fs.Get(ctx, "xgb-1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, fs.Save(ctx, &Record{}))

	// 重新打开已有文件不应清空
	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	all, err = reopened.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFileStoreConcurrentSave(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "jobs.json"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, fs.Save(ctx, &Record{Name: "job-" + string(rune('a'+i)), Kind: KindTraining}))
		}(i)
	}
	wg.Wait()
	all, err := fs.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "jobs.json"))
	require.NoError(t, err)

	require.NoError(t, Touch(ctx, fs, "xgb-2", KindTraining, "InProgress", "Starting", ""))
	r, err := fs.Get(ctx, "xgb-2")
	require.NoError(t, err)
	assert.Equal(t, KindTraining, r.Kind)
	assert.False(t, r.CreatedAt.IsZero())
	created := r.CreatedAt

	require.NoError(t, Touch(ctx, fs, "xgb-2", KindTraining, "Failed", "Failed", "AlgorithmError"))
	r, err = fs.Get(ctx, "xgb-2")
	require.NoError(t, err)
	assert.Equal(t, "AlgorithmError", r.FailureReason)
	assert.True(t, r.CreatedAt.Equal(created))
}

func TestNewFileDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j.json")
	s, err := New(context.Background(), utils.StoreConfig{Type: utils.StoreTypeFile, Path: path})
	require.NoError(t, err)
	assert.Equal(t, path, s.(*FileStore).Path())

	_, err = New(context.Background(), utils.StoreConfig{Type: "etcd"})
	assert.Error(t, err)
}

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("save", func(mt *mtest.T) {
		s := NewMongoStore(mt.Client, "adapter", "jobs")
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))
		assert.NoError(mt, s.Save(ctx, &Record{Name: "xgb-1", Kind: KindTraining}))
	})

	mt.Run("get", func(mt *mtest.T) {
		s := NewMongoStore(mt.Client, "adapter", "jobs")
		first := mtest.CreateCursorResponse(1, "adapter.jobs", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "xgb-1"},
			{Key: "kind", Value: KindTraining},
			{Key: "status", Value: "Completed"},
		})
		end := mtest.CreateCursorResponse(0, "adapter.jobs", mtest.NextBatch)
		mt.AddMockResponses(first, end)
		r, err := s.Get(ctx, "xgb-1")
		require.NoError(mt, err)
		assert.Equal(mt, "Completed", r.Status)
	})

	mt.Run("get missing", func(mt *mtest.T) {
		s := NewMongoStore(mt.Client, "adapter", "jobs")
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "adapter.jobs", mtest.FirstBatch))
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(mt, err, ErrNotFound)
	})

	mt.Run("delete missing", func(mt *mtest.T) {
		s := NewMongoStore(mt.Client, "adapter", "jobs")
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}))
		assert.ErrorIs(mt, s.Delete(ctx, "nope"), ErrNotFound)
	})

	mt.Run("list", func(mt *mtest.T) {
		s := NewMongoStore(mt.Client, "adapter", "jobs")
		first := mtest.CreateCursorResponse(1, "adapter.jobs", mtest.FirstBatch,
			bson.D{{Key: "_id", Value: "hpo-1"}, {Key: "kind", Value: KindTuning}},
		)
		end := mtest.CreateCursorResponse(0, "adapter.jobs", mtest.NextBatch)
		mt.AddMockResponses(first, end)
		records, err := s.List(ctx, KindTuning)
		require.NoError(mt, err)
		require.Len(mt, records, 1)
		assert.Equal(mt, "hpo-1", records[0].Name)
	})
}
