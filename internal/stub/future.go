package stub

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/relayctl/internal/protocol"
)

var (
	ErrCanceled    = errors.New("stub: call canceled")
	ErrChannelGone = errors.New("stub: channel closed before reply")
)

// RemoteError is an individual request failure reported by the owner.
type RemoteError struct {
	Op     string
	Reason string
}

func (e *RemoteError) Error() string {
	return "stub: remote " + e.Op + ": " + e.Reason
}

// Future is the completion handle for one in-flight request. It resolves
// when the matching reply arrives, or fails on cancellation or channel
// loss. There is no implicit timeout; bound Wait with a context.
type Future struct {
	op       string
	resultCh chan protocol.Reply
	cancelCh chan struct{}
	failCh   chan struct{}
	once     sync.Once
	failOnce sync.Once
	detach   func()
}

func newFuture(op string, detach func()) *Future {
	return &Future{
		op:       op,
		resultCh: make(chan protocol.Reply, 1),
		cancelCh: make(chan struct{}),
		failCh:   make(chan struct{}),
		detach:   detach,
	}
}

// Wait blocks until the reply arrives, the context expires, or the
// future is canceled.
func (f *Future) Wait(ctx context.Context) (protocol.Value, error) {
	select {
	case rep := <-f.resultCh:
		if rep.Error != "" {
			return protocol.Nil(), &RemoteError{Op: f.op, Reason: rep.Error}
		}
		return rep.Result, nil
	case <-f.cancelCh:
		return protocol.Nil(), ErrCanceled
	case <-f.failCh:
		return protocol.Nil(), ErrChannelGone
	case <-ctx.Done():
		return protocol.Nil(), ctx.Err()
	}
}

// Cancel abandons the pending completion. The request itself may still
// execute on the owner; only the local wait is released.
func (f *Future) Cancel() {
	f.once.Do(func() {
		f.detach()
		close(f.cancelCh)
	})
}

func (f *Future) resolve(rep protocol.Reply) {
	select {
	case f.resultCh <- rep:
	default:
	}
}

func (f *Future) fail() {
	f.failOnce.Do(func() { close(f.failCh) })
}

// pendingTable tracks completion handles keyed by request id.
type pendingTable struct {
	mu sync.Mutex
	m  map[uint64]*Future
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[uint64]*Future)}
}

func (p *pendingTable) add(id uint64, f *Future) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[id] = f
}

func (p *pendingTable) take(id uint64) (*Future, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.m[id]
	if ok {
		delete(p.m, id)
	}
	return f, ok
}

func (p *pendingTable) remove(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, id)
}

func (p *pendingTable) failAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, f := range p.m {
		f.fail()
		delete(p.m, id)
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
