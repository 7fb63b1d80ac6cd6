package protocol

import (
	"fmt"
	"strings"
)

// Envelope kinds.
const (
	KindBootstrap = "bootstrap"
	KindRequest   = "request"
	KindBatch     = "batch"
	KindReply     = "reply"
	KindFrame     = "frame"
	KindFrameEnd  = "frameEnd"
)

// Request asks the owner context to apply one operation to the owner
// resource. (RequesterID, RequestID) uniquely identifies a request that
// is awaiting a reply.
type Request struct {
	RequesterID   string  `cbor:"requesterId"`
	RequestID     uint64  `cbor:"requestId"`
	Op            string  `cbor:"op"`
	Args          []Value `cbor:"args,omitempty"`
	WantsResponse bool    `cbor:"wantsResponse,omitempty"`
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.RequesterID) == "" {
		return wrapMalformed("request missing requesterId")
	}
	if r.RequestID == 0 {
		return wrapMalformed("request missing requestId")
	}
	if strings.TrimSpace(r.Op) == "" {
		return wrapMalformed("request missing op")
	}
	return nil
}

// Reply carries one request's result back to the requester. Error is set
// instead of Result when the request failed individually (for example a
// dangling handle reference).
type Reply struct {
	RequestID uint64 `cbor:"requestId"`
	Result    Value  `cbor:"result,omitempty"`
	Error     string `cbor:"error,omitempty"`
}

func (r Reply) Validate() error {
	if r.RequestID == 0 {
		return wrapMalformed("reply missing requestId")
	}
	return nil
}

// Envelope is the single tagged payload shape carried by the message
// channel in either direction. Kind selects which fields are meaningful.
type Envelope struct {
	Kind string `cbor:"kind"`

	// Bootstrap: callable surface and named constants of the owner
	// resource, sent owner->requester once per connection.
	Operations []string           `cbor:"operations,omitempty"`
	Constants  map[string]float64 `cbor:"constants,omitempty"`

	// Request delivery, single or batched. Batch elements are applied
	// in order as one transport message.
	Request *Request  `cbor:"request,omitempty"`
	Batch   []Request `cbor:"batch,omitempty"`

	Reply *Reply `cbor:"reply,omitempty"`

	// Frame begin (owner->requester) carries the frame timestamp.
	TimeMS uint64 `cbor:"timeMs,omitempty"`

	// Frame end (requester->owner) identifies the signaling requester.
	RequesterID string `cbor:"requesterId,omitempty"`
}

// Validate enforces the per-kind required fields. A failing envelope is a
// protocol error: it must be dropped whole, never partially applied.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindBootstrap:
		if len(e.Operations) == 0 {
			return wrapMalformed("bootstrap missing operations")
		}
	case KindRequest:
		if e.Request == nil {
			return wrapMalformed("request envelope missing request")
		}
		return e.Request.Validate()
	case KindBatch:
		if len(e.Batch) == 0 {
			return wrapMalformed("batch envelope missing messages")
		}
		for i := range e.Batch {
			if err := e.Batch[i].Validate(); err != nil {
				return fmt.Errorf("%w: batch[%d]: %v", ErrMalformedMessage, i, err)
			}
		}
	case KindReply:
		if e.Reply == nil {
			return wrapMalformed("reply envelope missing reply")
		}
		return e.Reply.Validate()
	case KindFrame:
		if e.TimeMS == 0 {
			return wrapMalformed("frame missing timeMs")
		}
	case KindFrameEnd:
		if strings.TrimSpace(e.RequesterID) == "" {
			return wrapMalformed("frameEnd missing requesterId")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	return nil
}

// Requester returns the requester the envelope claims to originate
// from, or "" for owner-originated kinds. Batch elements carry their
// own requester ids and are routed individually, so a batch envelope
// has no single requester.
func (e Envelope) Requester() string {
	switch e.Kind {
	case KindRequest:
		if e.Request != nil {
			return e.Request.RequesterID
		}
	case KindFrameEnd:
		return e.RequesterID
	}
	return ""
}

func wrapMalformed(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, reason)
}

// RequestEnvelope wraps one request for transport.
func RequestEnvelope(req Request) Envelope {
	return Envelope{Kind: KindRequest, Request: &req}
}

// BatchEnvelope wraps several buffered requests into one transport
// message, preserving order.
func BatchEnvelope(reqs []Request) Envelope {
	return Envelope{Kind: KindBatch, Batch: reqs}
}

// ReplyEnvelope wraps one reply for transport.
func ReplyEnvelope(rep Reply) Envelope {
	return Envelope{Kind: KindReply, Reply: &rep}
}

// FrameEnvelope announces the start of a buffering window to a requester.
func FrameEnvelope(timeMS uint64) Envelope {
	return Envelope{Kind: KindFrame, TimeMS: timeMS}
}

// FrameEndEnvelope signals that a requester finished queueing commands
// for the current window.
func FrameEndEnvelope(requesterID string) Envelope {
	return Envelope{Kind: KindFrameEnd, RequesterID: requesterID}
}

// BootstrapEnvelope enumerates the owner resource's callable surface.
func BootstrapEnvelope(operations []string, constants map[string]float64) Envelope {
	return Envelope{Kind: KindBootstrap, Operations: operations, Constants: constants}
}
