// Package pipeline runs the per-tick fusion cycle.
//
// Each tick reads one configuration snapshot, drains inbound control
// messages, fetches a frame, registers and keys it when keying is enabled,
// encodes the bodies and publishes them. The cycle owns no domain logic; it
// sequences the l1-l4 layers and the OSC transport, and reports each tick to
// optional sinks (recording store, gRPC visualiser).
package pipeline
