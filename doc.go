// Package edgecache implements an offline-first caching gateway that sits
// between a client application and its origin backend.
//
// # Architecture
//
// Every request entering the gateway flows through a single intercept point
// and is classified into exactly one caching policy:
//
//	┌─────────────────────────────────────┐
//	│            Engine                   │  Intercept, lifecycle gate,
//	│   (explicit context object)         │  maintenance cadence
//	└─────────────────────────────────────┘
//	           ↓ classifies via
//	┌─────────────────────────────────────┐
//	│            Router                   │  Ordered predicate chain:
//	│                                     │  mutation, API, stream,
//	│                                     │  image, static, dynamic
//	└─────────────────────────────────────┘
//	           ↓ dispatches to
//	┌─────────────────────────────────────┐
//	│           Policies                  │  Cache-first, stale-while-
//	│                                     │  revalidate, network-only,
//	│                                     │  API TTL, image size-bound
//	└─────────────────────────────────────┘
//	           ↓ read/write
//	┌─────────────────────────────────────┐
//	│   Store (tiered)    │    Queue      │  Durable key-value tiers and
//	│ static/dynamic/api/image │ replay   │  the FIFO mutation queue
//	└─────────────────────────────────────┘
//
// Mutating requests that fail for lack of connectivity are appended to the
// durable queue and replayed in order by the sync manager when connectivity
// returns. Host applications connect to the WebSocket bridge to issue
// control commands (SKIP_WAITING, CLEAR_CACHE, SYNC) and to receive
// SYNC_SUCCESS and CACHE_CLEARED notifications.
//
// # Offline Behavior
//
// A policy never lets an error escape the intercept point as a hard network
// failure. Each handler catches errors at its boundary and degrades to a
// cached entry or a synthesized offline fallback, so the client application
// stays usable with no network at all.
//
// # Packages
//
//   - engine: wires everything together behind one http.Handler
//   - router: request classification
//   - policy: the five caching strategies
//   - storage: durable tiered cache store (goleveldb)
//   - queue: durable FIFO write-replay queue (goleveldb)
//   - evict: count-bound, byte-bound and age-bound trimming
//   - syncer: queue drain on recovery signals
//   - lifecycle: install/activate versioning and client claiming
//   - bridge: WebSocket control and notification channel
//   - origin: origin fetcher with connectivity tracking
package edgecache
