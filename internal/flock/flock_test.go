package flock

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestSharedLocksDoNotBlockEachOther(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.lock")
	a := New(path)
	b := New(path)

	if err := a.RLock(); err != nil {
		t.Fatal(err)
	}
	defer a.Unlock()

	done := make(chan error, 1)
	go func() { done <- b.RLock() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
		b.Unlock()
	case <-time.After(time.Second):
		t.Fatal("second RLock did not acquire while first reader held the lock")
	}
}

func TestExclusiveLockBlocksReaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.lock")
	w := New(path)
	r := New(path)

	if err := w.Lock(); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.RLock()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("RLock acquired while an exclusive holder still held the lock")
	case <-time.After(100 * time.Millisecond):
	}

	if err := w.Unlock(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("RLock never acquired after exclusive holder released")
	}
	r.Unlock()
	wg.Wait()
}
