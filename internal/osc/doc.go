// Package osc implements the Open Sound Control 1.0 transport used to
// publish body data and receive control messages.
//
// Encoding and decoding go through github.com/hypebeast/go-osc. Message is
// a value wrapper over the go-osc message so frames can be built and
// compared without pointers; Packet converts it for the wire. Bundles are
// accepted on the receive side and flattened; the sender only emits plain
// messages so that send order over the single UDP connection is the
// delivery order.
//
// The sockets stay here rather than in go-osc's Client and Server: the
// client dials a new socket for every Send and the server dispatches each
// packet on its own goroutine, which would reorder control messages.
//
// Sender is fire-and-forget: a full queue or a failed write is counted and
// the message is dropped. Receiver never blocks its caller; Poll returns
// immediately.
package osc
