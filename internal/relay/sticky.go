package relay

import "github.com/danmuck/relayctl/internal/protocol"

// targetKey identifies one targeted-setter binding: the operation plus
// the target it binds (the first argument value).
type targetKey struct {
	Op     string
	Target protocol.Value
}

// stickyCache remembers the most recent mode-setter request and the most
// recent targeted-setter request per (operation, target). Seeding a new
// buffering window with these re-establishes owner-resource state that
// another requester's relay may have overwritten since the last window.
type stickyCache struct {
	mode     *protocol.Request
	targeted map[targetKey]protocol.Request
	order    []targetKey
}

func newStickyCache() *stickyCache {
	return &stickyCache{targeted: make(map[targetKey]protocol.Request)}
}

// RecordMode replaces the cached mode-setter request.
func (c *stickyCache) RecordMode(req protocol.Request) {
	clone := req
	c.mode = &clone
}

// RecordTargeted replaces the cached request for (op, first argument).
// Requests without a target argument are not cacheable.
func (c *stickyCache) RecordTargeted(req protocol.Request) {
	if len(req.Args) == 0 {
		return
	}
	key := targetKey{Op: req.Op, Target: req.Args[0]}
	if _, seen := c.targeted[key]; !seen {
		c.order = append(c.order, key)
	}
	c.targeted[key] = req
}

// Seed returns the replay prefix for a new buffering window: the mode
// setter first, then every targeted binding in first-recorded order.
// Copies have WantsResponse cleared; their replies were already delivered
// when the originals executed.
func (c *stickyCache) Seed() []protocol.Request {
	out := make([]protocol.Request, 0, 1+len(c.order))
	if c.mode != nil {
		req := *c.mode
		req.WantsResponse = false
		out = append(out, req)
	}
	for _, key := range c.order {
		req := c.targeted[key]
		req.WantsResponse = false
		out = append(out, req)
	}
	return out
}
