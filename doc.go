// Package rfcache implements a local on-disk cache of remote read-only
// files. A Controller owns one cached entry — its directory, its
// in-progress download task, and the readers waiting on it. A Registry
// owns the set of live controllers, enforces a byte budget with
// LRU-style eviction, and recovers controllers from disk on start.
//
// The cache is read-only and content-addressed by a caller-supplied
// Descriptor: it never mutates remote data, never fetches partial
// ranges, and never deduplicates across descriptors with different
// remote paths.
package rfcache
