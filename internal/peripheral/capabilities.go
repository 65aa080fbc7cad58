package peripheral

import (
	"fmt"
	"strings"
	"sync"
)

// Operation is a category of peripheral work gated by a host capability
type Operation string

const (
	OpAdvertise Operation = "advertise"
	OpConnect   Operation = "connect"
	OpNotify    Operation = "notify"
)

// Operations lists every known operation category
var Operations = []Operation{OpAdvertise, OpConnect, OpNotify}

// ParseOperation converts a name to an Operation
func ParseOperation(name string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Operations {
		if op == known {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q (must be advertise, connect, or notify)", name)
}

// Capabilities answers whether the host currently grants an operation.
// It is consulted once per operation; the core never inspects platform
// permissions directly.
type Capabilities interface {
	Allowed(op Operation) bool
}

// AllowAll grants every operation
type AllowAll struct{}

func (AllowAll) Allowed(Operation) bool { return true }

// CapabilitySet is a mutable deny-list. The zero value grants everything.
type CapabilitySet struct {
	mu     sync.RWMutex
	denied map[Operation]bool
}

// NewCapabilitySet returns a set with the given operations denied
func NewCapabilitySet(denied ...Operation) *CapabilitySet {
	c := &CapabilitySet{}
	for _, op := range denied {
		c.Set(op, false)
	}
	return c
}

// Allowed implements Capabilities
func (c *CapabilitySet) Allowed(op Operation) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.denied[op]
}

// Set grants or revokes op
func (c *CapabilitySet) Set(op Operation, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.denied == nil {
		c.denied = make(map[Operation]bool)
	}
	if allowed {
		delete(c.denied, op)
	} else {
		c.denied[op] = true
	}
}
