// ABOUTME: Per-conversation mutexes scoping the pipeline's critical sections
// ABOUTME: Unrelated conversations proceed fully in parallel

package delivery

import "sync"

// convLocks hands out one mutex per conversation id. Entries are retained
// for the process lifetime; the set is bounded by the conversations this
// node has touched.
type convLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the conversation's mutex and returns its release func.
func (c *convLocks) lock(conversationID string) func() {
	c.mu.Lock()
	if c.locks == nil {
		c.locks = make(map[string]*sync.Mutex)
	}
	m, ok := c.locks[conversationID]
	if !ok {
		m = &sync.Mutex{}
		c.locks[conversationID] = m
	}
	c.mu.Unlock()

	m.Lock()
	return m.Unlock
}
