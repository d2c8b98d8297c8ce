package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/lock"
	"github.com/msageha/phasegate/internal/logging"
)

const (
	processedDir = "processed"
	rejectedDir  = "rejected"
)

// Inbox watches a directory for event files. Each file is decoded, handed
// to the handler and moved to processed/, or to rejected/ when it cannot be
// decoded. Producers should write to a dotfile or *.tmp and rename into
// place.
type Inbox struct {
	dir     string
	handler Handler
	logger  *logging.Logger
	locks   *lock.MutexMap
	now     func() time.Time
}

func NewInbox(dir string, h Handler) *Inbox {
	return &Inbox{
		dir:     dir,
		handler: h,
		logger:  logging.NewNop(),
		locks:   lock.NewMutexMap(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (i *Inbox) SetLogger(l *logging.Logger) { i.logger = l }

func (i *Inbox) Dir() string { return i.dir }

func (i *Inbox) ensureDirs() error {
	for _, d := range []string{i.dir, filepath.Join(i.dir, processedDir), filepath.Join(i.dir, rejectedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("ensure inbox dir %s: %w", d, err)
		}
	}
	return nil
}

// Scan processes every event file currently in the inbox, oldest name
// first, and returns how many were handled.
func (i *Inbox) Scan(ctx context.Context) (int, error) {
	if err := i.ensureDirs(); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return 0, fmt.Errorf("read inbox: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isEventFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	handled := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		ok, err := i.processFile(ctx, filepath.Join(i.dir, name))
		if err != nil {
			i.logger.Warn(ctx, "inbox file left for retry", zap.String("file", name), zap.Error(err))
			continue
		}
		if ok {
			handled++
		}
	}
	return handled, nil
}

// Run scans once and then processes files as they appear until ctx ends.
func (i *Inbox) Run(ctx context.Context) error {
	if err := i.ensureDirs(); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(i.dir); err != nil {
		return fmt.Errorf("watch %s: %w", i.dir, err)
	}
	if _, err := i.Scan(ctx); err != nil && !errors.Is(err, context.Canceled) {
		i.logger.Warn(ctx, "initial inbox scan failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !(event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename)) {
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(i.dir) || !isEventFile(event.Name) {
				continue
			}
			i.logger.Debug(ctx, "inbox fsnotify event", zap.String("op", event.Op.String()), zap.String("file", event.Name))
			if _, err := i.processFile(ctx, event.Name); err != nil {
				i.logger.Warn(ctx, "inbox file left for retry", zap.String("file", event.Name), zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			i.logger.Error(ctx, "fsnotify error", zap.Error(err))
		}
	}
}

// processFile reports false when the file vanished, which happens when a
// scan and a watcher event race for the same file.
func (i *Inbox) processFile(ctx context.Context, path string) (bool, error) {
	var handled bool
	err := i.locks.With(path, func() error {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		ev, err := Decode(data, filepath.Ext(path))
		if err != nil {
			i.logger.Warn(ctx, "rejecting inbox file", zap.String("file", path), zap.Error(err))
			return i.move(path, rejectedDir)
		}
		if err := Normalize(&ev, "inbox", i.now()); err != nil {
			return err
		}
		if err := i.handler(ctx, ev); err != nil {
			return err
		}
		handled = true
		return i.move(path, processedDir)
	})
	return handled, err
}

func (i *Inbox) move(path, sub string) error {
	dst := filepath.Join(i.dir, sub, filepath.Base(path))
	if _, err := os.Stat(dst); err == nil {
		dst = filepath.Join(i.dir, sub, fmt.Sprintf("%d-%s", i.now().UnixNano(), filepath.Base(path)))
	}
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("move %s to %s: %w", path, sub, err)
	}
	return nil
}
