// Package kinect holds the shared data model of the depth-camera fusion
// pipeline: frames (depth, color, body-index), tracked bodies and their
// joints, and the registration table entries produced by the camera's
// coordinate mapper.
//
// Sub-packages are layered the same way the pipeline runs:
//
//	l1frames       frame sources (device driver boundary, synthetic, replay)
//	l2registration depth-space to color-space mapping
//	l3keying       masked foreground compositing
//	l4bodies       body serialisation for OSC (flat and nested document)
//	pipeline       per-tick orchestration
//
// Values in this package are immutable per-tick snapshots. Nothing in the
// pipeline keeps a reference to a Frame or Body beyond the tick it was
// fetched in.
package kinect
