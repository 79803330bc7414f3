// Package fanout multiplexes one feed connection across many subscribers.
//
// A Registry owns the Transport for a single feed and keeps, per event kind,
// an insertion-ordered list of subscriber callbacks keyed by an id that is
// never reused. Every transport event is delivered to the callbacks of its
// kind in bind order. A callback that fails is logged and unbound; the rest
// of the pass continues.
//
// Registries are handed out by a Hub, which builds at most one per feed key
// and reference-counts its users:
//
//	reg, err := fanout.GetOrCreate(feed.KeyTick, "ws://localhost:8080/ws/tick")
//	id, err := reg.OnMessage(func(m feed.Message) error { ... })
//	...
//	reg.Unbind(id)
//	fanout.Release(feed.KeyTick)
package fanout
