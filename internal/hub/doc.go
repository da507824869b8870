// Package hub implements the real-time connection lifecycle and broadcast manager.
//
// The hub:
//   - Admits connections against global and per-conversation capacity limits,
//     with bounded-retry lock acquisition and limited headroom for
//     latency-sensitive (priority class) connections
//   - Fans messages out to all connections of a conversation, priority class
//     first, with per-send timeouts and asynchronous failure cleanup
//   - Evicts idle regular-class connections in bounded batches from a
//     background reaper
//   - Tracks connection counters and categorized timeout metrics
//
// Nothing in this package is fatal to the host: admission failures surface as
// errors, send failures are isolated to the affected connection, and the
// reaper loop survives panics in individual cycles.
package hub
