// Package mqtt mirrors run lifecycle events to an MQTT broker and
// accepts run cancellation commands from it.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic and re-subscribes to the command topic. A will
// message ensures the availability topic transitions to "offline" on
// unexpected disconnects.
//
// Topics, relative to the configured prefix:
//
//	{prefix}/availability           online | offline (retained)
//	{prefix}/status                 periodic JSON status (retained)
//	{prefix}/runs/{run_id}/{kind}   one JSON message per lifecycle event
//	{prefix}/backends/{name}        one JSON message per backend transition
//	{prefix}/runs/{run_id}/cancel   inbound: cancel the run
//
// Streaming deltas are never published.
package mqtt
