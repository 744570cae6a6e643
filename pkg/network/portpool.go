// Package network provides the Executor's port allocator and the
// iptables-based host-port publishing it uses to bind a container's
// internal port to a reserved host port.
package network

import (
	"errors"
	"fmt"
)

// ErrOutOfPorts is returned by Reserve when every port in the range is
// already reserved.
var ErrOutOfPorts = errors.New("network: out of ports")

// ErrNotReserved is returned by Release when the given port was not
// currently reserved.
var ErrNotReserved = errors.New("network: port not reserved")

// PortAllocator is a dense bitmap over [start, end], owned exclusively
// by the Executor task. It is not safe for concurrent use by design:
// callers must serialize access the same way the Executor serializes
// every other runtime call.
type PortAllocator struct {
	start     int
	end       int
	reserved  []bool // index 0 corresponds to port `start`
	nextHint  int    // every index below it is reserved; an optimization, not a correctness requirement
}

// NewPortAllocator creates an allocator over the inclusive range
// [start, end].
func NewPortAllocator(start, end int) (*PortAllocator, error) {
	if start <= 0 || end <= 0 || start > end {
		return nil, fmt.Errorf("network: invalid port range [%d, %d]", start, end)
	}
	return &PortAllocator{
		start:    start,
		end:      end,
		reserved: make([]bool, end-start+1),
	}, nil
}

// Reserve returns the smallest unreserved port in range, or
// ErrOutOfPorts if none remain.
func (p *PortAllocator) Reserve() (int, error) {
	for i := p.nextHint; i < len(p.reserved); i++ {
		if !p.reserved[i] {
			p.reserved[i] = true
			p.nextHint = i + 1
			return p.start + i, nil
		}
	}
	// Release keeps the hint at or below every freed index, so this scan
	// is only a fallback.
	for i := 0; i < p.nextHint; i++ {
		if !p.reserved[i] {
			p.reserved[i] = true
			p.nextHint = i + 1
			return p.start + i, nil
		}
	}
	return 0, ErrOutOfPorts
}

// Release removes a port's reservation, or returns ErrNotReserved if the
// port was not currently reserved (including ports outside the range).
func (p *PortAllocator) Release(port int) error {
	i := port - p.start
	if i < 0 || i >= len(p.reserved) || !p.reserved[i] {
		return ErrNotReserved
	}
	p.reserved[i] = false
	if i < p.nextHint {
		p.nextHint = i
	}
	return nil
}
