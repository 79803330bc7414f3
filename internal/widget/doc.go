// Package widget holds the dashboard's feed subscribers.
//
// A widget keeps the state one dashboard panel renders from: the rolling
// tick table, the traded-volume histogram, candles built from ticks and the
// latest technical-analysis values. Rendering is the browser's job; widgets
// only expose JSON-friendly snapshots.
//
// Every widget is built from Options and runs in one of two modes. In shared
// mode it binds to a fan-out Registry and shares that feed's connection with
// every other widget. In private mode it opens its own Transport to
// Options.Endpoint. A widget never does both.
package widget
