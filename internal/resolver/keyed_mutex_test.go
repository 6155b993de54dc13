package resolver

import (
	"sync"
	"testing"
	"time"
)

func TestLockAllDeduplicatesSharedStripes(t *testing.T) {
	m := newKeyedMutex(4)

	// Four keys over four stripes guarantees at least one collision; a
	// duplicated stripe would self-deadlock here.
	done := make(chan struct{})
	go func() {
		unlock := m.lockAll([]string{"a", "b", "c", "d", "a"})
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lockAll deadlocked on duplicate stripes")
	}
}

func TestLockAllOverlappingSetsSerialize(t *testing.T) {
	m := newKeyedMutex(8)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counter int
	)

	// Every goroutine's set overlaps on "shared", so the critical sections
	// must run one at a time even though the other keys differ.
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := m.lockAll([]string{"shared", string(rune('a' + i))})
			defer unlock()
			mu.Lock()
			counter++
			if counter > 1 {
				t.Error("overlapping lock sets ran concurrently")
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			counter--
			mu.Unlock()
		}(i)
	}
	wg.Wait()
}
