package relay

import (
	"strings"
	"testing"
	"time"

	"github.com/danmuck/relayctl/internal/channel"
	"github.com/danmuck/relayctl/internal/protocol"
	"github.com/danmuck/relayctl/internal/resource"
	"github.com/danmuck/relayctl/internal/testutil/testlog"
)

// fakeResource is a minimal stateful owner resource: a mode, named
// bindings, an applied-operation log, and one op returning a
// non-transferable object.
type fakeResource struct {
	mode     string
	bindings map[string]int64
	applied  []string
}

type opaqueResult struct {
	label string
}

func newFakeResource() *fakeResource {
	return &fakeResource{bindings: make(map[string]int64)}
}

func (f *fakeResource) registry(t *testing.T) *resource.Registry {
	t.Helper()
	reg := resource.NewRegistry()
	register := func(name string, fn resource.OpFunc) {
		if err := reg.Register(name, fn); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	register("setMode", func(args []any) (any, error) {
		f.mode = args[0].(string)
		f.applied = append(f.applied, "setMode:"+f.mode)
		return nil, nil
	})
	register("bindTarget", func(args []any) (any, error) {
		target := args[0].(string)
		f.bindings[target] = args[1].(int64)
		f.applied = append(f.applied, "bindTarget:"+target)
		return nil, nil
	})
	register("draw", func(args []any) (any, error) {
		f.applied = append(f.applied, "draw")
		return nil, nil
	})
	register("clearAll", func(args []any) (any, error) {
		f.applied = append(f.applied, "clearAll")
		return nil, nil
	})
	register("makeShader", func(args []any) (any, error) {
		f.applied = append(f.applied, "makeShader")
		return &opaqueResult{label: args[0].(string)}, nil
	})
	register("shaderLabel", func(args []any) (any, error) {
		return args[0].(*opaqueResult).label, nil
	})
	register("queryMode", func(args []any) (any, error) {
		return f.mode, nil
	})
	reg.RegisterConstant("MODE_X", 1)
	return reg
}

func testPolicy() Policy {
	return Policy{
		ModeSetterOp:  "setMode",
		TargetedOps:   []string{"bindTarget"},
		SuppressedOps: []string{"clearAll"},
	}
}

type rig struct {
	relay     *Relay
	requester channel.Channel
	res       *fakeResource
	owner     *Owner
}

func newRig(t *testing.T, requesterID string) *rig {
	t.Helper()
	res := newFakeResource()
	owner := NewOwner(res.registry(t))
	requesterEnd, ownerEnd := channel.Pair()
	t.Cleanup(func() {
		requesterEnd.Close()
		ownerEnd.Close()
	})
	return &rig{
		relay:     New(requesterID, ownerEnd, owner, testPolicy()),
		requester: requesterEnd,
		res:       res,
		owner:     owner,
	}
}

func (g *rig) request(t *testing.T, id uint64, op string, wants bool, args ...protocol.Value) {
	t.Helper()
	env := protocol.RequestEnvelope(protocol.Request{
		RequesterID:   g.relay.RequesterID(),
		RequestID:     id,
		Op:            op,
		Args:          args,
		WantsResponse: wants,
	})
	if err := g.relay.Dispatch(env); err != nil {
		t.Fatalf("dispatch %s: %v", op, err)
	}
}

func (g *rig) recvReply(t *testing.T) protocol.Reply {
	t.Helper()
	deadline := time.After(2 * time.Second)
	recv := make(chan protocol.Envelope, 1)
	errCh := make(chan error, 1)
	go func() {
		env, err := g.requester.Recv()
		if err != nil {
			errCh <- err
			return
		}
		recv <- env
	}()
	select {
	case env := <-recv:
		if env.Kind != protocol.KindReply || env.Reply == nil {
			t.Fatalf("expected reply, got %+v", env)
		}
		return *env.Reply
	case err := <-errCh:
		t.Fatalf("recv: %v", err)
	case <-deadline:
		t.Fatalf("timed out waiting for reply")
	}
	return protocol.Reply{}
}

func (g *rig) drainFrameSignal(t *testing.T) {
	t.Helper()
	env, err := g.requester.Recv()
	if err != nil {
		t.Fatalf("recv frame signal: %v", err)
	}
	if env.Kind != protocol.KindFrame {
		t.Fatalf("expected frame signal, got %+v", env)
	}
}

func TestImmediateExecutionAndReply(t *testing.T) {
	testlog.Start(t)

	g := newRig(t, "req.alpha")
	g.request(t, 1, "setMode", false, protocol.Str("X"))
	g.request(t, 2, "queryMode", true)

	rep := g.recvReply(t)
	if rep.RequestID != 2 {
		t.Fatalf("unexpected reply id: %d", rep.RequestID)
	}
	if rep.Result != protocol.Str("X") {
		t.Fatalf("unexpected result: %s", rep.Result)
	}
	if g.res.mode != "X" {
		t.Fatalf("owner resource mode = %q", g.res.mode)
	}
}

func TestBufferingPreservesOrder(t *testing.T) {
	testlog.Start(t)

	g := newRig(t, "req.alpha")
	waiter, err := g.relay.BeginFrameCollection(uint64(time.Now().UnixMilli()))
	if err != nil {
		t.Fatalf("begin frame collection: %v", err)
	}
	g.drainFrameSignal(t)

	g.request(t, 1, "setMode", false, protocol.Str("X"))
	g.request(t, 2, "bindTarget", false, protocol.Str("T"), protocol.Int(7))
	g.request(t, 3, "draw", false)

	if len(g.res.applied) != 0 {
		t.Fatalf("buffered requests must not execute: %v", g.res.applied)
	}

	if err := g.relay.Dispatch(protocol.FrameEndEnvelope("req.alpha")); err != nil {
		t.Fatalf("frame end: %v", err)
	}
	select {
	case <-waiter:
	case <-time.After(2 * time.Second):
		t.Fatalf("frame-end waiter never resolved")
	}

	g.relay.Flush()
	want := []string{"setMode:X", "bindTarget:T", "draw"}
	if len(g.res.applied) != len(want) {
		t.Fatalf("applied = %v, want %v", g.res.applied, want)
	}
	for i := range want {
		if g.res.applied[i] != want[i] {
			t.Fatalf("applied[%d] = %q, want %q", i, g.res.applied[i], want[i])
		}
	}
}

func TestStickyStateReassertedOnNextWindow(t *testing.T) {
	testlog.Start(t)

	g := newRig(t, "req.alpha")
	g.request(t, 1, "setMode", false, protocol.Str("X"))
	g.request(t, 2, "bindTarget", false, protocol.Str("T"), protocol.Int(7))

	// Another relay's interference: the shared resource loses our state
	// between windows.
	g.res.mode = "stolen"
	g.res.bindings["T"] = -1
	g.res.applied = nil

	waiter, err := g.relay.BeginFrameCollection(1)
	if err != nil {
		t.Fatalf("begin frame collection: %v", err)
	}
	g.drainFrameSignal(t)
	g.request(t, 3, "draw", false)
	if err := g.relay.Dispatch(protocol.FrameEndEnvelope("req.alpha")); err != nil {
		t.Fatalf("frame end: %v", err)
	}
	<-waiter
	g.relay.Flush()

	want := []string{"setMode:X", "bindTarget:T", "draw"}
	for i := range want {
		if g.res.applied[i] != want[i] {
			t.Fatalf("applied = %v, want %v", g.res.applied, want)
		}
	}
	if g.res.mode != "X" || g.res.bindings["T"] != 7 {
		t.Fatalf("sticky state not re-established: mode=%q bindings=%v", g.res.mode, g.res.bindings)
	}
}

func TestStickyKeepsMostRecentPerKey(t *testing.T) {
	testlog.Start(t)

	g := newRig(t, "req.alpha")
	g.request(t, 1, "bindTarget", false, protocol.Str("T"), protocol.Int(1))
	g.request(t, 2, "bindTarget", false, protocol.Str("T"), protocol.Int(2))
	g.request(t, 3, "bindTarget", false, protocol.Str("U"), protocol.Int(3))
	g.request(t, 4, "setMode", false, protocol.Str("A"))
	g.request(t, 5, "setMode", false, protocol.Str("B"))

	g.res.applied = nil
	waiter, err := g.relay.BeginFrameCollection(1)
	if err != nil {
		t.Fatalf("begin frame collection: %v", err)
	}
	g.drainFrameSignal(t)
	if err := g.relay.Dispatch(protocol.FrameEndEnvelope("req.alpha")); err != nil {
		t.Fatalf("frame end: %v", err)
	}
	<-waiter
	g.relay.Flush()

	want := []string{"setMode:B", "bindTarget:T", "bindTarget:U"}
	if len(g.res.applied) != len(want) {
		t.Fatalf("applied = %v, want %v", g.res.applied, want)
	}
	for i := range want {
		if g.res.applied[i] != want[i] {
			t.Fatalf("applied[%d] = %q, want %q", i, g.res.applied[i], want[i])
		}
	}
	if g.res.bindings["T"] != 2 {
		t.Fatalf("most recent binding lost: %v", g.res.bindings)
	}
}

func TestStickyIgnoresRequestsThatFailedToExecute(t *testing.T) {
	testlog.Start(t)

	g := newRig(t, "req.alpha")
	g.request(t, 1, "bindTarget", false, protocol.Str("T"), protocol.Int(7))

	// A later binding for the same key fails on a dangling handle and
	// never reaches the resource; the cached entry must stay the last
	// binding that actually executed.
	g.request(t, 2, "bindTarget", true, protocol.Str("T"), protocol.HandleRef(999))
	rep := g.recvReply(t)
	if rep.Error == "" || !strings.Contains(rep.Error, "dangling") {
		t.Fatalf("expected dangling-handle error reply, got %+v", rep)
	}

	g.res.bindings["T"] = -1
	g.res.applied = nil

	waiter, err := g.relay.BeginFrameCollection(1)
	if err != nil {
		t.Fatalf("begin frame collection: %v", err)
	}
	g.drainFrameSignal(t)
	if err := g.relay.Dispatch(protocol.FrameEndEnvelope("req.alpha")); err != nil {
		t.Fatalf("frame end: %v", err)
	}
	<-waiter
	g.relay.Flush()

	if g.res.bindings["T"] != 7 {
		t.Fatalf("seed replayed a failed request: bindings=%v applied=%v", g.res.bindings, g.res.applied)
	}
}

func TestHandleReferenceRoundTrip(t *testing.T) {
	testlog.Start(t)

	g := newRig(t, "req.alpha")
	g.request(t, 1, "makeShader", true, protocol.Str("phong"))
	rep := g.recvReply(t)
	if !rep.Result.IsHandleRef() {
		t.Fatalf("non-primitive result must arrive as handle ref, got %s", rep.Result)
	}

	stored, ok := g.owner.Handles().Resolve(rep.Result.Handle)
	if !ok {
		t.Fatalf("handle %d missing from arena", rep.Result.Handle)
	}
	obj, ok := stored.(*opaqueResult)
	if !ok || obj.label != "phong" {
		t.Fatalf("arena stored %+v", stored)
	}

	// Passing the handle back resolves to the identical instance.
	g.request(t, 2, "shaderLabel", true, rep.Result)
	rep2 := g.recvReply(t)
	if rep2.Result != protocol.Str("phong") {
		t.Fatalf("handle did not resolve to original object: %s", rep2.Result)
	}
}

func TestDanglingHandleFailsRequestOnly(t *testing.T) {
	testlog.Start(t)

	g := newRig(t, "req.alpha")
	g.request(t, 1, "shaderLabel", true, protocol.HandleRef(4242))
	rep := g.recvReply(t)
	if rep.Error == "" || !strings.Contains(rep.Error, "dangling") {
		t.Fatalf("expected dangling-handle error reply, got %+v", rep)
	}
	if len(g.res.applied) != 0 {
		t.Fatalf("failed request must not mutate the resource: %v", g.res.applied)
	}
}

func TestSuppressedOperationIsSkippedEntirely(t *testing.T) {
	testlog.Start(t)

	g := newRig(t, "req.alpha")
	g.request(t, 1, "clearAll", true, protocol.Int(1), protocol.Str("whatever"))
	g.request(t, 2, "queryMode", true)

	// The first reply observed belongs to queryMode: suppressed ops
	// produce no reply at all.
	rep := g.recvReply(t)
	if rep.RequestID != 2 {
		t.Fatalf("suppressed op produced a reply: %+v", rep)
	}
	for _, applied := range g.res.applied {
		if applied == "clearAll" {
			t.Fatalf("suppressed op mutated the resource: %v", g.res.applied)
		}
	}
}

func TestUnknownOperationSilentlyIgnored(t *testing.T) {
	testlog.Start(t)

	g := newRig(t, "req.alpha")
	g.request(t, 1, "futureOp", true, protocol.Int(1))
	g.request(t, 2, "queryMode", true)
	rep := g.recvReply(t)
	if rep.RequestID != 2 {
		t.Fatalf("unknown op produced a reply: %+v", rep)
	}
	if g.relay.Trace().Len() == 0 {
		// queryMode returned a primitive, so exactly its entry exists.
		t.Fatalf("expected one trace entry for queryMode")
	}
	if entries := g.relay.Trace().Snapshot()["futureOp"]; len(entries) != 0 {
		t.Fatalf("unknown op must not leave a trace entry")
	}
}

func TestRoutingIsolation(t *testing.T) {
	testlog.Start(t)

	g := newRig(t, "req.alpha")
	env := protocol.RequestEnvelope(protocol.Request{
		RequesterID: "req.beta",
		RequestID:   1,
		Op:          "setMode",
		Args:        []protocol.Value{protocol.Str("Z")},
	})
	if err := g.relay.Dispatch(env); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if g.res.mode != "" || len(g.res.applied) != 0 {
		t.Fatalf("foreign requester affected relay state: %+v", g.res)
	}
	if err := g.relay.Dispatch(protocol.FrameEndEnvelope("req.beta")); err != nil {
		t.Fatalf("dispatch foreign frame end: %v", err)
	}
}

func TestBatchRoutingFiltersForeignElements(t *testing.T) {
	testlog.Start(t)

	g := newRig(t, "req.alpha")
	env := protocol.BatchEnvelope([]protocol.Request{
		{RequesterID: "req.alpha", RequestID: 1, Op: "setMode", Args: []protocol.Value{protocol.Str("mine")}},
		{RequesterID: "req.beta", RequestID: 1, Op: "setMode", Args: []protocol.Value{protocol.Str("foreign")}},
	})
	if err := g.relay.Dispatch(env); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if g.res.mode != "mine" {
		t.Fatalf("own batched request lost: mode=%q applied=%v", g.res.mode, g.res.applied)
	}
	if len(g.res.applied) != 1 {
		t.Fatalf("foreign batched request applied: %v", g.res.applied)
	}

	// Foreign element first must not shadow the own element behind it.
	env = protocol.BatchEnvelope([]protocol.Request{
		{RequesterID: "req.beta", RequestID: 2, Op: "setMode", Args: []protocol.Value{protocol.Str("foreign")}},
		{RequesterID: "req.alpha", RequestID: 2, Op: "bindTarget", Args: []protocol.Value{protocol.Str("T"), protocol.Int(5)}},
	})
	if err := g.relay.Dispatch(env); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if g.res.mode != "mine" || g.res.bindings["T"] != 5 {
		t.Fatalf("per-element routing broken: mode=%q bindings=%v", g.res.mode, g.res.bindings)
	}
}

func TestMalformedMessageDropped(t *testing.T) {
	testlog.Start(t)

	g := newRig(t, "req.alpha")
	err := g.relay.Dispatch(protocol.Envelope{Kind: protocol.KindRequest})
	if err == nil {
		t.Fatalf("expected protocol error for malformed envelope")
	}
	if len(g.res.applied) != 0 {
		t.Fatalf("malformed message partially applied: %v", g.res.applied)
	}
}

func TestDiscardDropsQueueWithoutExecuting(t *testing.T) {
	testlog.Start(t)

	g := newRig(t, "req.alpha")
	if _, err := g.relay.BeginFrameCollection(1); err != nil {
		t.Fatalf("begin frame collection: %v", err)
	}
	g.drainFrameSignal(t)
	g.request(t, 1, "draw", false)
	g.relay.Discard()
	if len(g.res.applied) != 0 {
		t.Fatalf("discard executed requests: %v", g.res.applied)
	}
	if g.relay.Buffering() {
		t.Fatalf("discard left buffering on")
	}
	// A new window opens cleanly after an abandoned one.
	if _, err := g.relay.BeginFrameCollection(2); err != nil {
		t.Fatalf("begin after discard: %v", err)
	}
}

func TestSecondBeginWhileOutstandingFails(t *testing.T) {
	testlog.Start(t)

	g := newRig(t, "req.alpha")
	if _, err := g.relay.BeginFrameCollection(1); err != nil {
		t.Fatalf("begin frame collection: %v", err)
	}
	if _, err := g.relay.BeginFrameCollection(2); err == nil {
		t.Fatalf("expected ErrFrameInProgress")
	}
}

func TestArenaRelease(t *testing.T) {
	testlog.Start(t)

	g := newRig(t, "req.alpha")
	g.request(t, 1, "makeShader", true, protocol.Str("flat"))
	rep := g.recvReply(t)
	if !g.relay.ReleaseHandle(rep.Result.Handle) {
		t.Fatalf("release failed for live handle")
	}
	if g.relay.ReleaseHandle(rep.Result.Handle) {
		t.Fatalf("double release succeeded")
	}
	if g.owner.Handles().Len() != 0 {
		t.Fatalf("arena not empty after release")
	}
}
