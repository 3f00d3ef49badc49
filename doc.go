// Package respcache caches API responses for entity-oriented REST
// clients (companies, contacts, tickets, projects and the like). It
// wraps a pluggable store behind a typed Cache[V] that knows how to
// key requests, pick TTLs, invalidate related entries when entities
// change, and keep working when the backend does not.
//
// The moving parts:
//
//   - store: the Store interface and Entry envelope, with in-memory,
//     file, Redis, BigCache and Ristretto implementations under
//     store/*.
//   - keygen: deterministic cache keys from request shape (simple,
//     hash, hierarchical, semantic strategies).
//   - ttl: TTL calculation (fixed, adaptive, time-aware, volatility,
//     business-rules strategies).
//   - invalidate: single/batch/pattern/tag/TTL invalidation, rules
//     fired by entity changes and cross-entity dependency cascades.
//   - codec: value encodings (JSON, CBOR, Msgpack, Protobuf, raw
//     bytes/strings) plus a size-limit wrapper.
//   - metrics: in-process counters, thresholds and history, with an
//     optional Prometheus bridge under metrics/prom.
//
// Execute is the main entry point. It runs a fetcher through the
// entity's consistency strategy (write-through, lazy-loading,
// refresh-ahead, write-behind or none), deduplicates concurrent
// fetches of the same key, trips a circuit breaker on repeated store
// failures and falls back to a secondary store when one is configured.
//
//	cache, err := respcache.New(respcache.Options[Ticket]{
//		Store: memory.New(memory.Config{}),
//	})
//	if err != nil {
//		...
//	}
//	res, err := cache.Execute(ctx, keygen.Request{
//		EntityType: "ticket",
//		Method:     "GET",
//		Endpoint:   "/tickets/42",
//	}, fetchTicket)
//
// Writes carry tags (entity type, entity:id, per-entity extras) so a
// later entity change can invalidate every response that embedded the
// entity, including list and search responses that would otherwise go
// stale.
package respcache
