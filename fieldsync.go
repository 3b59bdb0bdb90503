// Package fieldsync provides the data layer for intermittently connected
// operations clients: a stale-while-revalidate request cache (Cache) and a
// durable offline write queue (Queue), designed to be used independently or
// together by any data-consuming screen.
//
// The cache fronts a caller-supplied fetch function and layers request
// deduplication, background refresh, retry with backoff, per-endpoint circuit
// breaking and size-aware LRU eviction over a pluggable durable store. The
// queue records create/update/delete intents while the backend is
// unreachable and replays them in order once connectivity returns.
//
// Both services take their collaborators (a Store driver from
// fieldsync/drivers/store, a netmon.Monitor, the fetch/write functions) as
// explicit constructor arguments. There are no package-level singletons, so
// tests can substitute fakes and multiple independent caches can coexist.
package fieldsync
