package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/lock"
	"github.com/msageha/phasegate/internal/logging"
	yamlutil "github.com/msageha/phasegate/internal/yaml"
)

// bucketFile is the body of one bucket document; the schema header is
// stamped by yamlutil.WriteDoc.
type bucketFile struct {
	Bucket  string                `yaml:"bucket"`
	Records map[string]fileRecord `yaml:"records"`
}

type fileRecord struct {
	Version int64  `yaml:"version"`
	Value   string `yaml:"value"`
}

// File keeps one YAML document per bucket under dir. Every Put rewrites the
// bucket with an atomic write, so state survives a restart.
type File struct {
	dir   string
	log   *logging.Logger
	locks *lock.MutexMap

	mu      sync.RWMutex
	buckets map[string]map[string]Record
}

func NewFile(dir string, log *logging.Logger) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store: path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: create dir: %w", err)
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &File{
		dir:     dir,
		log:     log.Named("store.file"),
		locks:   lock.NewMutexMap(),
		buckets: make(map[string]map[string]Record),
	}, nil
}

func (f *File) path(bucket string) string {
	return filepath.Join(f.dir, bucket+".yaml")
}

// loaded returns the cached bucket, reading it from disk on first use.
// Callers hold the bucket lock.
func (f *File) loaded(bucket string) (map[string]Record, error) {
	f.mu.RLock()
	b, ok := f.buckets[bucket]
	f.mu.RUnlock()
	if ok {
		return b, nil
	}

	b, err := f.readBucket(bucket)
	if err != nil {
		quarantined, restored, rerr := yamlutil.RecoverCorruptedFile(f.dir, f.path(bucket))
		if rerr != nil {
			return nil, fmt.Errorf("load bucket %s: %w (recovery failed: %v)", bucket, err, rerr)
		}
		f.log.Warn(context.Background(), "quarantined corrupted bucket",
			zap.String("bucket", bucket), zap.String("quarantined", quarantined),
			zap.Bool("restored_from_backup", restored), zap.Error(err))
		if b, err = f.readBucket(bucket); err != nil {
			return nil, fmt.Errorf("load bucket %s after recovery: %w", bucket, err)
		}
	}

	f.mu.Lock()
	f.buckets[bucket] = b
	f.mu.Unlock()
	return b, nil
}

func (f *File) readBucket(bucket string) (map[string]Record, error) {
	var doc bucketFile
	found, err := yamlutil.ReadDoc(f.path(bucket), yamlutil.FileTypeStoreBucket, &doc)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record, len(doc.Records))
	if !found {
		return out, nil
	}
	if doc.Bucket != "" && doc.Bucket != bucket {
		return nil, fmt.Errorf("bucket file %s holds bucket %q", f.path(bucket), doc.Bucket)
	}
	for k, r := range doc.Records {
		out[k] = Record{Key: k, Value: []byte(r.Value), Version: r.Version}
	}
	return out, nil
}

func (f *File) Get(_ context.Context, bucket, key string) (Record, error) {
	f.locks.Lock(bucket)
	defer f.locks.Unlock(bucket)
	b, err := f.loaded(bucket)
	if err != nil {
		return Record{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := b[key]
	if !ok {
		return Record{}, notFound(bucket, key)
	}
	return Record{Key: key, Value: append([]byte(nil), r.Value...), Version: r.Version}, nil
}

func (f *File) Put(_ context.Context, bucket, key string, value []byte, expectedVersion int64) (int64, error) {
	f.locks.Lock(bucket)
	defer f.locks.Unlock(bucket)
	b, err := f.loaded(bucket)
	if err != nil {
		return 0, err
	}
	if err := checkPut(bucket, key, b[key].Version, expectedVersion); err != nil {
		return 0, err
	}

	next := expectedVersion + 1
	doc := bucketFile{
		Bucket:  bucket,
		Records: make(map[string]fileRecord, len(b)+1),
	}
	for k, r := range b {
		doc.Records[k] = fileRecord{Version: r.Version, Value: string(r.Value)}
	}
	doc.Records[key] = fileRecord{Version: next, Value: string(value)}
	if err := yamlutil.WriteDoc(f.path(bucket), yamlutil.FileTypeStoreBucket, doc); err != nil {
		return 0, fmt.Errorf("write bucket %s: %w", bucket, err)
	}

	f.mu.Lock()
	b[key] = Record{Key: key, Value: append([]byte(nil), value...), Version: next}
	f.mu.Unlock()
	return next, nil
}

func (f *File) List(_ context.Context, bucket, prefix string) ([]Record, error) {
	f.locks.Lock(bucket)
	defer f.locks.Unlock(bucket)
	b, err := f.loaded(bucket)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return filterSorted(b, prefix), nil
}

func (f *File) Close() error { return nil }
