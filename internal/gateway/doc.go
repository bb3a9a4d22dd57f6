// Package gateway orchestrates the relay-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the relay-gateway
// server. It owns and manages all major components: the SQLite message
// store, the Redis-backed change feed and usage limiter, the NATS engine
// bus, the dispatcher, and the HTTP server.
//
// # Message Flow
//
// Inbound (client to workflow engine):
//
//  1. The HTTP handler authenticates the caller and checks the tenant.
//  2. Service.Send/Converse charges the usage window; a rejection happens
//     before any side effect.
//  3. The message is persisted, appended to the change feed, and a signal
//     is published on the engine bus.
//  4. For converse, a waiter is registered under the caller-supplied
//     request_id (or a fresh one) before the signal goes out; the handler
//     blocks until the correlated reply arrives or the timeout passes.
//     Reusing a request_id while its waiter is pending is a 409.
//
// Outbound (workflow engine to clients):
//
//  1. The reply ingester persists engine replies and appends them to the
//     change feed.
//  2. The dispatcher consumes the feed in insert order, resolves pending
//     request waiters, and pushes events to every subscribed connection.
//
// # HTTP API
//
//   - POST /api/send - Accept a message, signal the engine, ack (202)
//   - POST /api/converse - Accept a message and wait for the reply
//   - GET /api/history - Paged thread history
//   - GET /api/subscribe - SSE stream of events for one thread
//   - GET /api/ws - WebSocket; subscribe to threads and send messages
//   - GET /api/usage - The caller's current usage window
//   - GET/PUT /api/limits - Usage limit administration
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness (feed store and engine bus reachable)
//   - GET /metrics - Prometheus metrics (when enabled)
//
// # SSE Streaming
//
// Subscription events are streamed as Server-Sent Events:
//
//	event: connected
//	data: {"event":"connected","thread_key":"acme/intake/alice","subscribers":1}
//
//	event: chat
//	data: {"event":"chat","thread_key":"acme/intake/alice","message":{...}}
//
// Event types: connected, chat, data, handoff, heartbeat.
//
// # Error Codes
//
// Error responses carry a stable machine-readable code: invalid_request,
// auth_failed, tenant_mismatch, rate_limit_exceeded, limiter_unavailable,
// duplicate_request_id, engine_unavailable, too_many_subscriptions,
// not_found, internal_error.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//
// Run drains the HTTP server, stops the reply ingester and dispatcher,
// and closes the bus, feed store, and message store in order.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - service.go: transport-independent message flow
//   - api.go: HTTP handlers and error mapping
//   - events.go: SSE and WebSocket event delivery
package gateway
