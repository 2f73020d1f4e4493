// Package metacache caches metadata query responses.
//
// Entries are keyed by collection, operation and a canonical encoding of the
// call parameters. A Policy bounds the cache by entry count (least recently
// used entries are evicted first) and by age; the zero Policy keeps entries
// until they are cleared.
//
// GetOrLoad collapses concurrent misses for the same key into a single load.
//
// Two stores are provided: MemoryStore (the default) and SQLStore, which
// persists entries in the metadata_cache table so they survive restarts.
package metacache
