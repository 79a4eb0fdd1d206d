// Package gateway orchestrates the support-gateway server components.
//
// # Overview
//
// The Gateway owns the SQLite store, the conversation service and its
// snapshot broadcaster, the typing coordinator, presence tracker, dashboard
// aggregator, notification dispatcher and attachment blob store, and exposes
// them over a single HTTP server.
//
// # HTTP API
//
// Handlers live in api.go:
//
//   - POST /api/conversations - create (idempotent per user)
//   - GET  /api/conversations/me - the caller's conversation
//   - POST /api/conversations/{id}/messages - append a message
//   - POST /api/conversations/{id}/escalate - request human assistance
//   - POST /api/conversations/{id}/read - move the read marker
//   - POST /api/conversations/{id}/typing - typing indicator
//   - GET  /api/conversations/{id}/events - SSE snapshot stream
//   - GET  /api/dashboard - agent thread listing
//   - GET  /api/dashboard/events - SSE stream of human-routed snapshots
//   - POST /api/presence/heartbeat - activity heartbeat
//   - POST /api/attachments - multipart upload
//   - GET  /health, /health/ready - probes
//
// Every mutation responds with the post-commit conversation snapshot, and
// the same snapshots flow over the SSE endpoints, so clients render from one
// source of truth.
//
// # Identity
//
// Requests carry a bearer token verified against the configured JWT secret;
// the extracted identity (user id, display name, email, agent flag) rides the
// request context. Without a secret the gateway falls back to development
// headers.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is cancelled
//
// Shutdown stops the HTTP server, cancels typing timers, closes the snapshot
// stream, waits for in-flight notification sends, then closes the store.
package gateway
