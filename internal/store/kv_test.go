package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/phasegate/internal/model"
	yamlutil "github.com/msageha/phasegate/internal/yaml"
)

func backends(t *testing.T) map[string]func(t *testing.T) KV {
	t.Helper()
	return map[string]func(t *testing.T) KV{
		"memory": func(t *testing.T) KV { return NewMemory() },
		"file": func(t *testing.T) KV {
			f, err := NewFile(t.TempDir(), nil)
			require.NoError(t, err)
			return f
		},
		"sqlite": func(t *testing.T) KV {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestKV_CompareAndSwap(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			kv := open(t)

			_, err := kv.Get(ctx, "b", "k")
			assert.True(t, errors.Is(err, model.ErrNotFound), "got %v", err)

			v1, err := kv.Put(ctx, "b", "k", []byte("one"), 0)
			require.NoError(t, err)
			assert.Equal(t, int64(1), v1)

			_, err = kv.Put(ctx, "b", "k", []byte("again"), 0)
			assert.True(t, errors.Is(err, model.ErrVersionConflict), "create over existing: %v", err)

			v2, err := kv.Put(ctx, "b", "k", []byte("two"), v1)
			require.NoError(t, err)
			assert.Equal(t, int64(2), v2)

			_, err = kv.Put(ctx, "b", "k", []byte("stale"), v1)
			assert.True(t, errors.Is(err, model.ErrVersionConflict), "stale version: %v", err)

			rec, err := kv.Get(ctx, "b", "k")
			require.NoError(t, err)
			assert.Equal(t, "two", string(rec.Value))
			assert.Equal(t, int64(2), rec.Version)
		})
	}
}

func TestKV_ListPrefixSorted(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			kv := open(t)
			for _, k := range []string{"run_b/0000000002", "run_a/0000000001", "run_b/0000000001", "other"} {
				_, err := kv.Put(ctx, "cp", k, []byte(k), 0)
				require.NoError(t, err)
			}

			recs, err := kv.List(ctx, "cp", "run_b/")
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "run_b/0000000001", recs[0].Key)
			assert.Equal(t, "run_b/0000000002", recs[1].Key)

			all, err := kv.List(ctx, "cp", "")
			require.NoError(t, err)
			assert.Len(t, all, 4)

			none, err := kv.List(ctx, "empty", "")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestKV_ConcurrentCreateSingleWinner(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			kv := open(t)

			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if _, err := kv.Put(ctx, "decisions", "dec_1", []byte(fmt.Sprint(i)), 0); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestFile_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	f1, err := NewFile(dir, nil)
	require.NoError(t, err)
	_, err = f1.Put(ctx, BucketDecisions, "dec_1", []byte(`{"id":"dec_1"}`), 0)
	require.NoError(t, err)

	f2, err := NewFile(dir, nil)
	require.NoError(t, err)
	rec, err := f2.Get(ctx, BucketDecisions, "dec_1")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"dec_1"}`, string(rec.Value))
	assert.Equal(t, int64(1), rec.Version)
}

func TestFile_BucketDocumentCarriesHeader(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, err := NewFile(dir, nil)
	require.NoError(t, err)
	_, err = f.Put(ctx, BucketRuns, "run_1", []byte(`{}`), 0)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, BucketRuns+".yaml"))
	require.NoError(t, err)
	require.NoError(t, yamlutil.ValidateSchemaHeaderFromBytes(content, yamlutil.FileTypeStoreBucket))
	assert.Contains(t, string(content), "bucket: "+BucketRuns)
}

func TestSQLite_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s1, err := NewSQLite(path)
	require.NoError(t, err)
	_, err = s1.Put(ctx, BucketEvents, "evt_1", []byte("x"), 0)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewSQLite(path)
	require.NoError(t, err)
	defer s2.Close()
	rec, err := s2.Get(ctx, BucketEvents, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "x", string(rec.Value))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"}, nil)
	var cfgErr *model.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}
