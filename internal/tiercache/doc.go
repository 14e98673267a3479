// Package tiercache stores storage responses on behalf of the outbound client,
// honouring the per-status lifetimes requested by the caller's caching hints.
// It plays the role an edge cache plays in front of object storage: repeated
// probes and fetches for hot tiles are answered without a storage round trip.
//
// Two stores are provided: an in-process expirable LRU and a Redis store for
// sharing entries between proxy instances.
package tiercache
