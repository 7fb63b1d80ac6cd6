// Package relay owns owner-side execution concerns.
//
// Ownership boundary:
// - message routing by requester id
// - immediate vs. window-buffered execution
// - handle arena for non-transferable results
// - sticky mode/binding re-assertion between windows
//
// One Relay exists per connected requester. All relays execute against
// the single shared Owner; execution is serialized so no two operations
// ever run concurrently on the owner resource.
//
// Relay does not own frame pacing; that belongs to the coordinator.
package relay
