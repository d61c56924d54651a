// Package sqlite records fusion sessions to a SQLite database and replays
// them as a frame source.
//
// A session is one run of the fusion loop. Each recorded tick stores its
// outcome and the body snapshots of the frame; image streams are not kept.
package sqlite
