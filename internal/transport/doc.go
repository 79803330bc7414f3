// Package transport owns a single WebSocket connection to a feed endpoint.
//
// The Transport:
//   - Dials the endpoint without blocking the caller
//   - Decodes every inbound text frame and hands it to OnMessage
//   - Reports opens, closures and errors through injected handlers
//   - Schedules exactly one reconnect after every closure, with a fixed delay
//   - Drops outbound messages silently while not open
package transport
