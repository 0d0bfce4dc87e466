// Package ports leases host ports for application containers.
package ports

import (
	"errors"
	"math/rand/v2"
	"sync"
)

// ErrExhausted is returned when every port in the range is leased.
var ErrExhausted = errors.New("ports: range exhausted")

// Allocator hands out host ports from [base, base+size). Picks are random
// within the range and skip ports this process already leased; collisions
// with foreign listeners surface later as bind errors.
type Allocator struct {
	base int
	size int

	mu     sync.Mutex
	leased map[int]string
	intn   func(int) int
}

// New returns an allocator over [base, base+size).
func New(base, size int) *Allocator {
	if size <= 0 {
		size = 1
	}
	return &Allocator{base: base, size: size, leased: make(map[int]string), intn: rand.IntN}
}

// Lease reserves a port for owner.
func (a *Allocator) Lease(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.leased) >= a.size {
		return 0, ErrExhausted
	}
	start := a.intn(a.size)
	for i := 0; i < a.size; i++ {
		port := a.base + (start+i)%a.size
		if _, taken := a.leased[port]; !taken {
			a.leased[port] = owner
			return port, nil
		}
	}
	return 0, ErrExhausted
}

// Claim records an externally chosen port, e.g. one restored from a
// persisted deployment. It reports false when another owner holds it.
func (a *Allocator) Claim(owner string, port int) bool {
	if !a.Contains(port) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if current, taken := a.leased[port]; taken && current != owner {
		return false
	}
	a.leased[port] = owner
	return true
}

// Release frees a single port.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.leased, port)
	a.mu.Unlock()
}

// ReleaseOwner frees every port leased by owner.
func (a *Allocator) ReleaseOwner(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port, o := range a.leased {
		if o == owner {
			delete(a.leased, port)
		}
	}
}

// Contains reports whether port falls inside the managed range.
func (a *Allocator) Contains(port int) bool {
	return port >= a.base && port < a.base+a.size
}

// InUse returns the number of leased ports.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}
