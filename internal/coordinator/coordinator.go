// Package coordinator owns frame pacing across relays.
//
// Ownership boundary:
// - two-phase frame barrier (collect-all, then execute-all)
// - single present/reset per frame
// - per-requester fault isolation on unresponsive peers
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/relay"
)

var ErrPeerUnresponsive = errors.New("coordinator: peer unresponsive")

// Presenter resets/presents the owner resource. It runs exactly once per
// frame, after every requester signaled frame end and before any flush.
type Presenter func()

// Config tunes frame pacing.
type Config struct {
	// WarmupFrames run before steady state. The handshake length is
	// configurable rather than fixed.
	WarmupFrames int
	// FrameEndWait bounds how long one frame waits for each
	// requester's frame-end signal. Zero waits forever.
	FrameEndWait time.Duration
	// FrameInterval paces steady-state frames. Zero runs back to back.
	FrameInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		WarmupFrames: 3,
		FrameEndWait: 5 * time.Second,
	}
}

// Fault reports one requester that missed a frame.
type Fault struct {
	RequesterID string
	Err         error
}

// Coordinator drives the repeating collect/present/flush cycle across
// every registered relay.
type Coordinator struct {
	cfg     Config
	present Presenter

	mu     sync.Mutex
	relays []*relay.Relay
}

func New(cfg Config, present Presenter) *Coordinator {
	return &Coordinator{cfg: cfg, present: present}
}

// Register appends one relay. Registration order is flush order, fixed
// for the life of the coordinator.
func (c *Coordinator) Register(r *relay.Relay) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relays = append(c.relays, r)
}

// Deregister removes one relay, typically on requester disconnect.
// Flush order of the remaining relays is unchanged.
func (c *Coordinator) Deregister(r *relay.Relay) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.relays {
		if existing == r {
			c.relays = append(c.relays[:i], c.relays[i+1:]...)
			return
		}
	}
}

// Relays returns a snapshot of the registered relays in flush order.
func (c *Coordinator) Relays() []*relay.Relay {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*relay.Relay, len(c.relays))
	copy(out, c.relays)
	return out
}

// RunFrame executes one complete frame cycle. Unresponsive requesters
// are reported as faults and their windows discarded; the frame proceeds
// for everyone else.
func (c *Coordinator) RunFrame(ctx context.Context) []Fault {
	c.mu.Lock()
	relays := make([]*relay.Relay, len(c.relays))
	copy(relays, c.relays)
	c.mu.Unlock()

	if len(relays) == 0 {
		return nil
	}

	timeMS := uint64(time.Now().UnixMilli())
	faulted := make([]bool, len(relays))
	var faults []Fault

	// Phase 1: open every window, then await every frame end
	// concurrently.
	waiters := make([]<-chan struct{}, len(relays))
	for i, r := range relays {
		waiter, err := r.BeginFrameCollection(timeMS)
		if err != nil {
			faulted[i] = true
			faults = append(faults, Fault{RequesterID: r.RequesterID(), Err: err})
			continue
		}
		waiters[i] = waiter
	}

	var wg sync.WaitGroup
	faultCh := make(chan Fault, len(relays))
	for i, r := range relays {
		if faulted[i] || waiters[i] == nil {
			continue
		}
		wg.Add(1)
		go func(idx int, r *relay.Relay, waiter <-chan struct{}) {
			defer wg.Done()
			if err := c.awaitFrameEnd(ctx, waiter); err != nil {
				faulted[idx] = true
				faultCh <- Fault{RequesterID: r.RequesterID(), Err: err}
				r.Discard()
				observability.RecordFrameFault(r.RequesterID())
			}
		}(i, r, waiters[i])
	}
	wg.Wait()
	close(faultCh)
	for fault := range faultCh {
		faults = append(faults, fault)
	}

	// Phase 2: exactly one present/reset per frame.
	if c.present != nil {
		c.present()
	}

	// Phase 3: flush in registration order. Faulted relays were
	// discarded and have nothing to replay.
	for i, r := range relays {
		if faulted[i] {
			continue
		}
		r.Flush()
	}

	observability.RecordFrameCompleted()
	for _, fault := range faults {
		log.Warn().Err(fault.Err).Str("requester", fault.RequesterID).Msg("frame fault")
	}
	return faults
}

// Run drives warm-up frames and then the steady-state loop until the
// context ends.
func (c *Coordinator) Run(ctx context.Context) error {
	for i := 0; i < c.cfg.WarmupFrames; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.RunFrame(ctx)
	}
	if c.cfg.WarmupFrames > 0 {
		log.Info().Int("frames", c.cfg.WarmupFrames).Msg("warmup complete")
	}

	var tick <-chan time.Time
	if c.cfg.FrameInterval > 0 {
		ticker := time.NewTicker(c.cfg.FrameInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.RunFrame(ctx)
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		}
	}
}

func (c *Coordinator) awaitFrameEnd(ctx context.Context, waiter <-chan struct{}) error {
	var deadline <-chan time.Time
	if c.cfg.FrameEndWait > 0 {
		timer := time.NewTimer(c.cfg.FrameEndWait)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-waiter:
		return nil
	case <-deadline:
		return ErrPeerUnresponsive
	case <-ctx.Done():
		return ctx.Err()
	}
}
