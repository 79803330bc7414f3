// Package relay republishes decoded feed frames to Redis so that processes
// without their own feed connection can follow the same data.
//
// Each feed goes to channel "<prefix>:<feed key>", e.g. "dashboard:tick".
// Frames are published as received, from a bounded queue drained by the
// relay's own goroutine; a full queue drops frames.
package relay
