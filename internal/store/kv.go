// Package store is the durable state store: a versioned key-value
// interface with compare-and-swap writes, three backends, and a typed
// repository for checkpoints, decisions, events, side effects and runs.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/model"
)

const (
	BucketCheckpoints = "checkpoints"
	BucketDecisions   = "decisions"
	BucketEvents      = "events"
	BucketSideEffects = "side_effects"
	BucketRuns        = "runs"
	BucketMeta        = "meta"
)

type Record struct {
	Key     string
	Value   []byte
	Version int64
}

// KV is a versioned key-value store. Put with expectedVersion 0 creates the
// key and fails if it exists; any other value must match the stored
// version. Both failures are model.ErrVersionConflict.
type KV interface {
	Get(ctx context.Context, bucket, key string) (Record, error)
	Put(ctx context.Context, bucket, key string, value []byte, expectedVersion int64) (int64, error)
	List(ctx context.Context, bucket, prefix string) ([]Record, error)
	Close() error
}

type Config struct {
	Driver string `koanf:"driver" yaml:"driver"`
	Path   string `koanf:"path" yaml:"path"`
}

const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// Open selects the backend named by cfg.Driver.
func Open(cfg Config, log *logging.Logger) (KV, error) {
	if log == nil {
		log = logging.NewNop()
	}
	switch cfg.Driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverFile:
		return NewFile(cfg.Path, log)
	case DriverSQLite:
		return NewSQLite(cfg.Path)
	default:
		return nil, &model.ConfigurationError{Reason: fmt.Sprintf("unknown store driver %q", cfg.Driver)}
	}
}

func conflict(bucket, key string, expected, actual int64) error {
	return fmt.Errorf("%w: %s/%s expected version %d, found %d", model.ErrVersionConflict, bucket, key, expected, actual)
}

func notFound(bucket, key string) error {
	return fmt.Errorf("%w: %s/%s", model.ErrNotFound, bucket, key)
}

// checkPut applies the CAS rule against the current version (0 = absent).
func checkPut(bucket, key string, current, expected int64) error {
	if current != expected {
		return conflict(bucket, key, expected, current)
	}
	return nil
}

func filterSorted(records map[string]Record, prefix string) []Record {
	out := make([]Record, 0, len(records))
	for k, r := range records {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Record{Key: k, Value: append([]byte(nil), r.Value...), Version: r.Version})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
