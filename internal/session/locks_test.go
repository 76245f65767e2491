package session

import (
	"sync"
	"testing"
	"time"
)

func TestCallLocksSerializeSameCall(t *testing.T) {
	locks := newCallLocks()

	// Without mutual exclusion this counter would race.
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("call-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
}

func TestCallLocksIndependentCalls(t *testing.T) {
	locks := newCallLocks()

	unlockA := locks.Lock("call-a")
	defer unlockA()

	// A different call must not block behind call-a's holder.
	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock("call-b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock for a different call blocked")
	}
}

func TestCallLocksMapShrinksToZero(t *testing.T) {
	locks := newCallLocks()

	unlock := locks.Lock("call-1")
	locks.mu.Lock()
	n := len(locks.locks)
	locks.mu.Unlock()
	if n != 1 {
		t.Fatalf("held entries = %d, want 1", n)
	}
	unlock()

	locks.mu.Lock()
	n = len(locks.locks)
	locks.mu.Unlock()
	if n != 0 {
		t.Fatalf("entries after release = %d, want 0", n)
	}
}

func TestCallLocksReuseAfterRelease(t *testing.T) {
	locks := newCallLocks()

	unlock := locks.Lock("call-1")
	unlock()

	// Re-acquiring after the entry was dropped must not deadlock.
	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("call-1")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-acquire after release blocked")
	}
}
