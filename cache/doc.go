// Package cache provides the two in-memory shader caches.
//
// # Cache[K, A]
//
// A single-level cache from structural key to compiled artifact, built
// lazily on miss. Used for stages whose key fully determines the program.
//
// # DedupCache[K, A]
//
// A two-level cache for stages whose key space over-distinguishes:
// distinct keys can generate byte-identical source text, so the second
// level dedups on the literal text and binds multiple keys to one
// artifact.
//
// Neither cache evicts and neither locks; the owning manager is
// single-threaded outside warmup, and the warmup loader holds its own
// coarse lock around mutations.
package cache
