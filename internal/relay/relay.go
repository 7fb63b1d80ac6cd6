package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/channel"
	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol"
	"github.com/danmuck/relayctl/internal/resource"
)

var (
	ErrFrameInProgress = errors.New("relay: frame collection already in progress")
	ErrDanglingHandle  = errors.New("relay: dangling handle reference")
)

// Policy fixes which operations are suppressed and which ones are sticky
// state setters. This is configuration, never derived at runtime.
type Policy struct {
	// ModeSetterOp selects the single most-recent-wins mode setter.
	ModeSetterOp string
	// TargetedOps are setters cached per (operation, first argument).
	TargetedOps []string
	// SuppressedOps are performed by the owner once per frame on its
	// own; per-requester invocations are skipped entirely.
	SuppressedOps []string
}

type policySet struct {
	mode       string
	targeted   map[string]struct{}
	suppressed map[string]struct{}
}

func compilePolicy(p Policy) policySet {
	out := policySet{
		mode:       p.ModeSetterOp,
		targeted:   make(map[string]struct{}, len(p.TargetedOps)),
		suppressed: make(map[string]struct{}, len(p.SuppressedOps)),
	}
	for _, op := range p.TargetedOps {
		out.targeted[op] = struct{}{}
	}
	for _, op := range p.SuppressedOps {
		out.suppressed[op] = struct{}{}
	}
	return out
}

// Owner bundles the single shared resource all relays execute against:
// its operation registry, the handle arena, and the execution lock that
// serializes every operation onto one owner timeline.
type Owner struct {
	registry *resource.Registry
	handles  *Arena
	execMu   sync.Mutex
}

func NewOwner(registry *resource.Registry) *Owner {
	return &Owner{registry: registry, handles: NewArena()}
}

func (o *Owner) Registry() *resource.Registry { return o.registry }
func (o *Owner) Handles() *Arena              { return o.handles }

// Relay is the owner-side command proxy for one requester.
type Relay struct {
	requesterID string
	ch          channel.Channel
	owner       *Owner
	policy      policySet

	mu        sync.Mutex
	buffering bool
	pending   []protocol.Request
	sticky    *stickyCache
	trace     *Trace
	frameEnd  chan struct{}
}

func New(requesterID string, ch channel.Channel, owner *Owner, policy Policy) *Relay {
	return &Relay{
		requesterID: requesterID,
		ch:          ch,
		owner:       owner,
		policy:      compilePolicy(policy),
		sticky:      newStickyCache(),
		trace:       NewTrace(),
	}
}

func (r *Relay) RequesterID() string { return r.requesterID }

// Trace exposes the diagnostic result trace for the admin surface.
func (r *Relay) Trace() *Trace { return r.trace }

// Buffering reports whether a collection window is open.
func (r *Relay) Buffering() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffering
}

// PendingLen returns the queued request count for the open window.
func (r *Relay) PendingLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Bootstrap advertises the owner resource's callable surface and
// constant table to the requester, along with its assigned requester id.
func (r *Relay) Bootstrap() error {
	reg := r.owner.registry
	env := protocol.BootstrapEnvelope(reg.Names(), reg.Constants())
	env.RequesterID = r.requesterID
	return r.ch.Send(env)
}

// Dispatch routes one inbound envelope. Messages addressed to another
// requester are dropped silently; malformed messages are counted and
// dropped without partial application. Frame-end resolves the pending
// window waiter and never buffers.
func (r *Relay) Dispatch(env protocol.Envelope) error {
	if err := env.Validate(); err != nil {
		observability.RecordProtocolError(r.requesterID)
		log.Warn().Err(err).Str("relay", r.requesterID).Msg("dropping malformed message")
		return err
	}
	if env.Kind == protocol.KindFrameEnd {
		if env.RequesterID != r.requesterID {
			return nil
		}
		r.mu.Lock()
		waiter := r.frameEnd
		r.frameEnd = nil
		r.mu.Unlock()
		if waiter != nil {
			close(waiter)
		}
		return nil
	}

	// Routing is per request, not per envelope: a batch may carry a
	// stray foreign element and only that element is dropped.
	var reqs []protocol.Request
	switch env.Kind {
	case protocol.KindRequest:
		if env.Request.RequesterID != r.requesterID {
			return nil
		}
		reqs = []protocol.Request{*env.Request}
	case protocol.KindBatch:
		reqs = make([]protocol.Request, 0, len(env.Batch))
		for _, req := range env.Batch {
			if req.RequesterID != r.requesterID {
				continue
			}
			reqs = append(reqs, req)
		}
		if len(reqs) == 0 {
			return nil
		}
	default:
		// Owner-originated kinds have no business here.
		return nil
	}

	r.mu.Lock()
	if r.buffering {
		r.pending = append(r.pending, reqs...)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.executeBatch(reqs)
	return nil
}

// Serve pumps the channel into Dispatch until the channel closes.
// Malformed messages are dropped and the loop keeps going.
func (r *Relay) Serve() {
	for {
		env, err := r.ch.Recv()
		if err != nil {
			log.Debug().Err(err).Str("relay", r.requesterID).Msg("serve loop ended")
			return
		}
		_ = r.Dispatch(env)
	}
}

// BeginFrameCollection opens a buffering window: the queue is pre-seeded
// with the sticky mode/binding requests so the flush re-establishes
// owner-resource state another relay may have overwritten, then a frame
// signal is sent to the requester. The returned channel closes when the
// matching frame-end arrives.
func (r *Relay) BeginFrameCollection(timeMS uint64) (<-chan struct{}, error) {
	r.mu.Lock()
	if r.frameEnd != nil {
		r.mu.Unlock()
		return nil, ErrFrameInProgress
	}
	r.buffering = true
	r.pending = r.sticky.Seed()
	waiter := make(chan struct{})
	r.frameEnd = waiter
	r.mu.Unlock()

	if err := r.ch.Send(protocol.FrameEnvelope(timeMS)); err != nil {
		r.mu.Lock()
		r.buffering = false
		r.pending = nil
		r.frameEnd = nil
		r.mu.Unlock()
		return nil, fmt.Errorf("relay: frame signal to %s: %w", r.requesterID, err)
	}
	return waiter, nil
}

// Flush closes the window and executes the whole queue in enqueued
// order.
func (r *Relay) Flush() {
	r.mu.Lock()
	r.buffering = false
	queue := r.pending
	r.pending = nil
	r.mu.Unlock()

	start := time.Now()
	r.executeBatch(queue)
	observability.RecordFlush(r.requesterID, time.Since(start))
	log.Debug().Str("relay", r.requesterID).Int("requests", len(queue)).Msg("window flushed")
}

// Discard closes the window and drops the queue without executing it.
// Any outstanding frame-end waiter is abandoned.
func (r *Relay) Discard() {
	r.mu.Lock()
	dropped := len(r.pending)
	r.buffering = false
	r.pending = nil
	r.frameEnd = nil
	r.mu.Unlock()
	log.Debug().Str("relay", r.requesterID).Int("requests", dropped).Msg("window discarded")
}

// executeBatch applies requests in order under the owner execution lock,
// so batches from different relays never interleave.
func (r *Relay) executeBatch(reqs []protocol.Request) {
	if len(reqs) == 0 {
		return
	}
	r.owner.execMu.Lock()
	defer r.owner.execMu.Unlock()
	for i := range reqs {
		r.executeOne(reqs[i])
	}
}

// executeOne applies a single request to the owner resource. Callers
// hold the owner execution lock.
func (r *Relay) executeOne(req protocol.Request) {
	if _, skip := r.policy.suppressed[req.Op]; skip {
		observability.RecordRelayRequest(r.requesterID, req.Op, observability.OutcomeSuppressed)
		return
	}

	fn, ok := r.owner.registry.Lookup(req.Op)
	if !ok {
		// Tolerates version skew between requester and owner.
		observability.RecordRelayRequest(r.requesterID, req.Op, observability.OutcomeUnknown)
		log.Debug().Str("relay", r.requesterID).Str("op", req.Op).Msg("unknown operation ignored")
		return
	}

	args, err := r.resolveArgs(req.Args)
	if err != nil {
		observability.RecordRelayRequest(r.requesterID, req.Op, observability.OutcomeDangling)
		r.replyError(req, err)
		return
	}

	result, err := fn(args)
	if err != nil {
		observability.RecordRelayRequest(r.requesterID, req.Op, observability.OutcomeError)
		r.replyError(req, err)
		return
	}

	// Sticky entries hold the most recently executed request for their
	// key, so a request that failed to apply never becomes the replay.
	if req.Op == r.policy.mode && r.policy.mode != "" {
		r.sticky.RecordMode(req)
	} else if _, targeted := r.policy.targeted[req.Op]; targeted {
		r.sticky.RecordTargeted(req)
	}

	var out protocol.Value
	if v, perr := protocol.FromNative(result); perr == nil {
		r.trace.Append(req.Op, req.Args, v)
		out = v
	} else {
		id := r.owner.handles.Put(result)
		observability.SetLiveHandles(r.owner.handles.Len())
		out = protocol.HandleRef(id)
	}
	observability.RecordRelayRequest(r.requesterID, req.Op, observability.OutcomeApplied)

	if req.WantsResponse {
		r.reply(protocol.Reply{RequestID: req.RequestID, Result: out})
	}
}

// resolveArgs substitutes handle references with the arena objects they
// stand for.
func (r *Relay) resolveArgs(args []protocol.Value) ([]any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		if arg.IsHandleRef() {
			obj, ok := r.owner.handles.Resolve(arg.Handle)
			if !ok {
				return nil, fmt.Errorf("%w: %d", ErrDanglingHandle, arg.Handle)
			}
			out[i] = obj
			continue
		}
		out[i] = arg.Native()
	}
	return out, nil
}

func (r *Relay) replyError(req protocol.Request, cause error) {
	log.Warn().Err(cause).Str("relay", r.requesterID).Str("op", req.Op).Msg("request failed")
	if !req.WantsResponse {
		return
	}
	r.reply(protocol.Reply{RequestID: req.RequestID, Error: cause.Error()})
}

func (r *Relay) reply(rep protocol.Reply) {
	if err := r.ch.Send(protocol.ReplyEnvelope(rep)); err != nil {
		log.Warn().Err(err).Str("relay", r.requesterID).Msg("reply send failed")
	}
}

// ReleaseHandle drops one arena entry on behalf of a requester that is
// done with a non-transferable result.
func (r *Relay) ReleaseHandle(id uint64) bool {
	released := r.owner.handles.Release(id)
	if released {
		observability.SetLiveHandles(r.owner.handles.Len())
	}
	return released
}
