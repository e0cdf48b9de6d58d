package cache

// BuildFunc produces the artifact for a key on first use. It returns the
// artifact together with the generated source text so the caller can
// persist freshly built programs.
type BuildFunc[A any] func() (A, string, error)

// Cache is the single-level shader cache: structural key to compiled
// artifact, built lazily on miss. There is no eviction; artifacts live
// until the cache is torn down through Range.
//
// Cache performs no internal locking. Outside warmup all access happens on
// the rendering goroutine; during warmup the loader serializes mutations
// under its own lock, scoped around the mutation and never across a
// compile call.
type Cache[K comparable, A any] struct {
	entries map[K]A
}

// New creates an empty cache.
func New[K comparable, A any]() *Cache[K, A] {
	return &Cache[K, A]{entries: make(map[K]A)}
}

// Get returns the artifact for key, invoking build on first use. Equal
// keys always yield the same artifact. The source return is non-empty only
// when the artifact was freshly built; fresh reports whether build ran. A
// build error leaves the cache unchanged, so a later Get retries.
func (c *Cache[K, A]) Get(key K, build BuildFunc[A]) (artifact A, source string, fresh bool, err error) {
	if a, ok := c.entries[key]; ok {
		return a, "", false, nil
	}
	a, source, err := build()
	if err != nil {
		var zero A
		return zero, "", false, err
	}
	c.entries[key] = a
	return a, source, true, nil
}

// Inject seeds an entry without invoking the generator, used when
// rehydrating from persisted state. The first entry for a key wins: the
// artifact actually bound is returned, and stored=false tells the caller
// its artifact was redundant and can be released.
func (c *Cache[K, A]) Inject(key K, artifact A) (bound A, stored bool) {
	if a, ok := c.entries[key]; ok {
		return a, false
	}
	c.entries[key] = artifact
	return artifact, true
}

// Len returns the number of cached artifacts.
func (c *Cache[K, A]) Len() int { return len(c.entries) }

// Range calls fn for every cached artifact, in no particular order.
func (c *Cache[K, A]) Range(fn func(A)) {
	for _, a := range c.entries {
		fn(a)
	}
}
