package channel

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/danmuck/relayctl/internal/protocol"
	"github.com/danmuck/relayctl/internal/protocol/frame"
)

// streamChannel adapts a byte stream (socket, pipe) into a Channel by
// wrapping each envelope in one wire frame.
type streamChannel struct {
	rw     io.ReadWriteCloser
	limits frame.Limits

	writeMu sync.Mutex
	readMu  sync.Mutex
	seq     atomic.Uint64
}

// NewStream returns a Channel running over rw with the given frame
// limits. Closing the channel closes rw.
func NewStream(rw io.ReadWriteCloser, limits frame.Limits) Channel {
	return &streamChannel{rw: rw, limits: limits}
}

func (s *streamChannel) Send(env protocol.Envelope) error {
	payload, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	f := frame.Frame{
		Header:  frame.Header{MessageID: s.seq.Add(1)},
		Payload: payload,
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return frame.WriteFrame(s.rw, f, s.limits)
}

func (s *streamChannel) Recv() (protocol.Envelope, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	f, err := frame.ReadFrame(s.rw, s.limits)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.DecodeEnvelope(f.Payload)
}

func (s *streamChannel) Close() error {
	return s.rw.Close()
}
