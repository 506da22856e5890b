// Package usage records one telemetry event per gateway request made with a
// resolved API key.
//
// Recording is fire-and-forget. The gateway hands events to a Recorder, which
// must never block the request path. The Dispatcher implementation queues
// events on a bounded channel and writes them in batches to one or more Sinks
// from background workers, each write bounded by its own timeout rather than
// the request context.
//
// # Usage
//
//	sink := usage.NewLogSink(logger)
//	d := usage.NewDispatcher(sink, usage.DispatcherConfig{QueueSize: 4096, Workers: 2})
//	defer d.Close(ctx)
//
//	d.Record(usage.Event{APIKeyID: "k1", Endpoint: "/v1/orders", StatusCode: 200})
package usage
