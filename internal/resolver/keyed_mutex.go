package resolver

import (
	"hash/fnv"
	"sort"
	"sync"
)

// keyedMutex serializes work per key using a fixed set of stripes. Two keys
// may share a stripe; that costs contention, never correctness.
type keyedMutex struct {
	stripes []sync.Mutex
}

func newKeyedMutex(stripes int) *keyedMutex {
	if stripes <= 0 {
		stripes = 64
	}
	return &keyedMutex{stripes: make([]sync.Mutex, stripes)}
}

func (m *keyedMutex) stripeFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.stripes)))
}

// lockAll acquires the stripes covering every key and returns one unlock
// function for all of them. Stripes are deduplicated and taken in ascending
// index order so two callers with overlapping key sets cannot deadlock.
func (m *keyedMutex) lockAll(keys []string) func() {
	seen := make(map[int]struct{}, len(keys))
	idx := make([]int, 0, len(keys))
	for _, key := range keys {
		i := m.stripeFor(key)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)

	for _, i := range idx {
		m.stripes[i].Lock()
	}
	return func() {
		for i := len(idx) - 1; i >= 0; i-- {
			m.stripes[idx[i]].Unlock()
		}
	}
}
