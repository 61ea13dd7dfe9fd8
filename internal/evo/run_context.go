package evo

import "sync"

// RunContext issues individual ids for one run. Ids start at 0 and are
// contiguous; a fresh context (or Reset) starts the sequence over.
type RunContext struct {
	mu   sync.Mutex
	next uint64
}

func NewRunContext() *RunContext {
	return &RunContext{}
}

func (c *RunContext) NextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	return id
}

// Issued is the number of ids handed out so far.
func (c *RunContext) Issued() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func (c *RunContext) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = 0
}
