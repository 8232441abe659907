// Package portalloc deterministically maps a camera id to a UDP port, so a
// restart reuses the same port without any coordination service.
package portalloc

import (
	"errors"
	"hash/fnv"
	"sync"
)

var errPortPoolExhausted = errors.New("portalloc: no free port in range")

// Allocator assigns ports from [rangeStart, rangeEnd] via a stable hash of
// the camera id, matching the original `40000 + (abs(hash(id)) % 10000)`
// scheme. FNV-1a stands in for Python's salted built-in hash: both only need
// to be stable within one process lifetime, which FNV guarantees exactly.
type Allocator struct {
	rangeStart int
	rangeEnd   int

	mu       sync.Mutex
	inUse    map[int]string // port -> camera id holding it
	probeCap int            // linear-probe search bound, derived from range size
}

// New constructs an Allocator over the inclusive [rangeStart, rangeEnd] pool.
func New(rangeStart, rangeEnd int) *Allocator {
	size := rangeEnd - rangeStart + 1
	return &Allocator{
		rangeStart: rangeStart,
		rangeEnd:   rangeEnd,
		inUse:      make(map[int]string),
		probeCap:   size,
	}
}

func stableHash(cameraID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cameraID))
	return h.Sum32()
}

// PortFor returns the deterministic port for cameraID, ignoring any
// in-process reservation bookkeeping. Two different camera ids may
// collide on the same port; Reserve detects this against its in-process
// reservations and falls back to a linear probe.
func (a *Allocator) PortFor(cameraID string) int {
	size := uint32(a.rangeEnd - a.rangeStart + 1)
	return a.rangeStart + int(stableHash(cameraID)%size)
}

// Reserve returns the camera's deterministic port if it is free (or already
// held by the same camera id), or the first free port found by linear probe
// within the pool if a collision with a different camera id is detected.
// Reservation is released by Release.
func (a *Allocator) Reserve(cameraID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	preferred := a.PortFor(cameraID)
	if holder, ok := a.inUse[preferred]; !ok || holder == cameraID {
		a.inUse[preferred] = cameraID
		return preferred, nil
	}

	size := a.rangeEnd - a.rangeStart + 1
	for i := 1; i < size; i++ {
		candidate := a.rangeStart + (preferred-a.rangeStart+i)%size
		if _, ok := a.inUse[candidate]; !ok {
			a.inUse[candidate] = cameraID
			return candidate, nil
		}
	}

	return 0, errPortPoolExhausted
}

// Release frees the port reserved for cameraID, if any.
func (a *Allocator) Release(cameraID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port, holder := range a.inUse {
		if holder == cameraID {
			delete(a.inUse, port)
		}
	}
}
