// Package xplanewebapi is a Go client for the X-Plane Web API, the HTTP and
// WebSocket interface exposed by X-Plane 12.1.1 and later.
//
// # Architecture
//
// The module is organized around one connection runtime and the protocol
// layers underneath it:
//
//	┌─────────────────────────────────────┐
//	│            client                   │  Connection runtime, Dataref
//	│  (connect, monitor, dispatch)       │  and Command handles
//	└─────────────────────────────────────┘
//	           ↓ uses
//	┌──────────────┬──────────────────────┐
//	│    rest      │       beacon         │  REST polling and version
//	│ (HTTP API)   │  (UDP discovery)     │  selection, UDP multicast
//	└──────────────┴──────────────────────┘  simulator discovery
//	           ↓ encode/decode
//	┌─────────────────────────────────────┐
//	│     wire, meta, config, errors      │  Frame codecs, metadata
//	└─────────────────────────────────────┘  tables, settings
//
// The client package is the entry point for applications:
//
//	cfg := config.Default()
//	c, err := client.New(cfg, client.WithDiscovery())
//	if err != nil { ... }
//	c.OnDatarefUpdate(func(path string, index int, value any) { ... })
//	_ = c.Start(ctx)
//
//	lat := c.Dataref("sim/flightmodel/position/latitude", false)
//	_ = c.Monitor(lat)
//
// Values pushed by the simulator arrive on registered callbacks; values can
// also be read and written on demand through the same handles, over the
// WebSocket when connected or the REST API otherwise.
//
// The simulator invalidates all numeric dataref and command identifiers
// whenever the aircraft changes. The client hides this: applications deal in
// paths only, identifiers are an internal concern remapped on every
// reconnect and metadata reload.
package xplanewebapi
