// Package channel owns message transport between a requester context and
// the owner context. Delivery is FIFO per sender; every payload crosses
// the boundary in encoded form, even in-process, so nothing
// non-transferable can leak through by reference.
package channel

import (
	"errors"
	"sync"

	"github.com/danmuck/relayctl/internal/protocol"
)

var ErrClosed = errors.New("channel: closed")

// Channel is one endpoint of a bidirectional message channel.
type Channel interface {
	// Send encodes and delivers one envelope to the peer endpoint.
	Send(env protocol.Envelope) error
	// Recv blocks until a message arrives or the channel closes.
	Recv() (protocol.Envelope, error)
	Close() error
}

// endpoint is one side of an in-process channel pair.
type endpoint struct {
	peer *endpoint

	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Pair returns two connected in-process endpoints. Messages sent on one
// side arrive on the other in send order.
func Pair() (Channel, Channel) {
	a := &endpoint{inbox: make(chan []byte, 64), done: make(chan struct{})}
	b := &endpoint{inbox: make(chan []byte, 64), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (e *endpoint) Send(env protocol.Envelope) error {
	data, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return e.peer.deliver(data)
}

func (e *endpoint) deliver(data []byte) error {
	select {
	case e.inbox <- data:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

func (e *endpoint) Recv() (protocol.Envelope, error) {
	select {
	case data := <-e.inbox:
		return protocol.DecodeEnvelope(data)
	case <-e.done:
		return protocol.Envelope{}, ErrClosed
	}
}

func (e *endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}
