// Package feed defines the decoded form of inbound feed frames.
//
// Frames are UTF-8 JSON. The transport only validates and decodes the
// envelope; field semantics belong to the subscribers that read them
// through Message.Get or the typed views in this package (Tick, Indicators).
package feed
