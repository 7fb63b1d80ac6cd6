// Package stub owns the requester side of the boundary: callable stubs
// generated from the bootstrap enumeration, the pending-completion
// table, and frame-signal plumbing.
package stub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/channel"
	"github.com/danmuck/relayctl/internal/protocol"
)

var (
	ErrNotBootstrapped  = errors.New("stub: expected bootstrap envelope")
	ErrUnknownOperation = errors.New("stub: operation not in bootstrap enumeration")
)

// CallFunc is one generated call stub. It serializes its arguments,
// sends the request, and returns a completion handle that resolves with
// the eventual reply.
type CallFunc func(args ...any) (*Future, error)

// FrameHandler is invoked from the receive loop when the owner opens a
// buffering window. The handler queues its frame commands and finishes
// with Client.FrameEnd.
type FrameHandler func(timeMS uint64)

// Client is a requester's connection to its owner-side relay.
type Client struct {
	requesterID string
	ch          channel.Channel
	nextID      atomic.Uint64
	pending     *pendingTable

	ops    map[string]struct{}
	consts map[string]float64

	handlerMu sync.Mutex
	onFrame   FrameHandler

	closeOnce sync.Once
	done      chan struct{}
}

// Dial consumes the bootstrap envelope from the owner, builds the stub
// surface, and starts the receive loop. When the bootstrap carries an
// owner-assigned requester id it takes precedence over the argument.
func Dial(requesterID string, ch channel.Channel) (*Client, error) {
	env, err := ch.Recv()
	if err != nil {
		return nil, fmt.Errorf("stub: bootstrap recv: %w", err)
	}
	if env.Kind != protocol.KindBootstrap {
		return nil, fmt.Errorf("%w, got %q", ErrNotBootstrapped, env.Kind)
	}
	if env.RequesterID != "" {
		requesterID = env.RequesterID
	}

	c := &Client{
		requesterID: requesterID,
		ch:          ch,
		pending:     newPendingTable(),
		ops:         make(map[string]struct{}, len(env.Operations)),
		consts:      env.Constants,
		done:        make(chan struct{}),
	}
	for _, name := range env.Operations {
		c.ops[name] = struct{}{}
	}
	if c.consts == nil {
		c.consts = make(map[string]float64)
	}
	go c.recvLoop()
	return c, nil
}

func (c *Client) RequesterID() string { return c.requesterID }

// Operations returns the bootstrap-enumerated callable surface.
func (c *Client) Operations() []string {
	out := make([]string, 0, len(c.ops))
	for name := range c.ops {
		out = append(out, name)
	}
	return out
}

// Constant resolves one named numeric constant from the bootstrap table.
func (c *Client) Constant(name string) (float64, bool) {
	v, ok := c.consts[name]
	return v, ok
}

// Op generates the call stub for one operation name. Unknown names fail
// here, at stub-generation time, rather than silently on the owner.
func (c *Client) Op(name string) (CallFunc, error) {
	if _, ok := c.ops[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
	return func(args ...any) (*Future, error) {
		return c.Call(name, args...)
	}, nil
}

// Call sends one request and registers a completion handle for its
// reply.
func (c *Client) Call(op string, args ...any) (*Future, error) {
	values, err := encodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("stub: %s: %w", op, err)
	}
	id := c.nextID.Add(1)
	fut := newFuture(op, func() { c.pending.remove(id) })
	c.pending.add(id, fut)

	env := protocol.RequestEnvelope(protocol.Request{
		RequesterID:   c.requesterID,
		RequestID:     id,
		Op:            op,
		Args:          values,
		WantsResponse: true,
	})
	if err := c.ch.Send(env); err != nil {
		c.pending.remove(id)
		return nil, fmt.Errorf("stub: %s: %w", op, err)
	}
	return fut, nil
}

// Post sends one request without registering a completion handle. The
// owner never replies to it.
func (c *Client) Post(op string, args ...any) error {
	values, err := encodeArgs(args)
	if err != nil {
		return fmt.Errorf("stub: %s: %w", op, err)
	}
	env := protocol.RequestEnvelope(protocol.Request{
		RequesterID: c.requesterID,
		RequestID:   c.nextID.Add(1),
		Op:          op,
		Args:        values,
	})
	return c.ch.Send(env)
}

// PostBatch delivers several fire-and-forget requests as one transport
// message, preserving order.
func (c *Client) PostBatch(calls []BatchCall) error {
	if len(calls) == 0 {
		return nil
	}
	reqs := make([]protocol.Request, 0, len(calls))
	for _, call := range calls {
		values, err := encodeArgs(call.Args)
		if err != nil {
			return fmt.Errorf("stub: %s: %w", call.Op, err)
		}
		reqs = append(reqs, protocol.Request{
			RequesterID: c.requesterID,
			RequestID:   c.nextID.Add(1),
			Op:          call.Op,
			Args:        values,
		})
	}
	return c.ch.Send(protocol.BatchEnvelope(reqs))
}

// BatchCall is one element of a batched fire-and-forget delivery.
type BatchCall struct {
	Op   string
	Args []any
}

// FrameEnd signals that this requester finished queueing commands for
// the current window.
func (c *Client) FrameEnd() error {
	return c.ch.Send(protocol.FrameEndEnvelope(c.requesterID))
}

// SetFrameHandler installs the callback invoked on each frame signal.
func (c *Client) SetFrameHandler(h FrameHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onFrame = h
}

// PendingLen returns the number of requests awaiting replies.
func (c *Client) PendingLen() int {
	return c.pending.len()
}

// Close stops the receive loop and fails every pending completion.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ch.Close()
		c.pending.failAll()
	})
	return nil
}

func (c *Client) recvLoop() {
	for {
		env, err := c.ch.Recv()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Debug().Err(err).Str("requester", c.requesterID).Msg("receive loop ended")
			}
			c.pending.failAll()
			return
		}
		switch env.Kind {
		case protocol.KindReply:
			if fut, ok := c.pending.take(env.Reply.RequestID); ok {
				fut.resolve(*env.Reply)
			}
		case protocol.KindFrame:
			c.handlerMu.Lock()
			h := c.onFrame
			c.handlerMu.Unlock()
			if h != nil {
				h(env.TimeMS)
			}
		default:
			// Requester-bound traffic only; anything else is dropped.
		}
	}
}

func encodeArgs(args []any) ([]protocol.Value, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]protocol.Value, len(args))
	for i, arg := range args {
		v, err := protocol.FromNative(arg)
		if err != nil {
			return nil, fmt.Errorf("arg[%d]: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
