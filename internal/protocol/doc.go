// Package protocol owns the wire contract between requester and owner
// contexts.
//
// Ownership boundary:
// - envelope shapes and validation
// - value union (primitive | handle reference)
// - CBOR payload codec
//
// Framing for stream transports lives in the frame subpackage.
package protocol
