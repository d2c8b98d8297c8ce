package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestMutexMap_DifferentKeys(t *testing.T) {
	m := NewMutexMap()
	done := make(chan struct{})

	m.Lock("decisions")
	go func() {
		m.Lock("events")
		m.Unlock("events")
		close(done)
	}()
	<-done
	m.Unlock("decisions")
}

func TestMutexMap_With(t *testing.T) {
	m := NewMutexMap()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.With("checkpoints", func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}

	sentinel := errors.New("boom")
	if err := m.With("checkpoints", func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Errorf("With should return fn error, got %v", err)
	}
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if pid := HolderPID(lockPath); pid != os.Getpid() {
		t.Errorf("HolderPID = %d, want %d", pid, os.Getpid())
	}

	fl2 := NewFileLock(lockPath)
	err := fl2.TryLock()
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second TryLock: expected ErrLocked, got %v", err)
	}

	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	_ = fl2.Unlock()
}

func TestFileLock_UnlockWithoutLock(t *testing.T) {
	fl := NewFileLock(filepath.Join(t.TempDir(), "x.lock"))
	if err := fl.Unlock(); err != nil {
		t.Errorf("Unlock on unlocked lock: %v", err)
	}
	if HolderPID(fl.Path()) != 0 {
		t.Error("HolderPID should be 0 for missing file")
	}
}
