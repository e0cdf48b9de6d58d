package cache

// GenerateFunc produces source text for a key. It reports ok=false when
// the configuration needs no host program; the cache records that outcome
// and never invokes the generator for the key again.
type GenerateFunc func() (source string, ok bool)

// CompileFunc compiles source text into a host artifact.
type CompileFunc[A any] func(source string) (A, error)

// entry is the node both indexes point at. The maps store the same
// pointer, so growth or rehashing of either map can never leave the other
// referring to a stale location.
type entry[A any] struct {
	artifact A
}

// DedupCache is the two-level shader cache for stages whose key space
// over-distinguishes identical programs: leftover microcode folds into the
// structural key, so several distinct keys can legally describe the same
// program. The first level binds key to artifact (or to a cached "no
// program" outcome); the second deduplicates on the literal generated
// source text, bounding compiled-object count by actually-distinct
// programs.
//
// Like Cache, DedupCache does no internal locking; see Cache for the
// threading contract.
type DedupCache[K comparable, A any] struct {
	// byKey holds a nil entry for keys whose generator declined.
	byKey    map[K]*entry[A]
	bySource map[string]*entry[A]
}

// NewDedup creates an empty dedup cache.
func NewDedup[K comparable, A any]() *DedupCache[K, A] {
	return &DedupCache[K, A]{
		byKey:    make(map[K]*entry[A]),
		bySource: make(map[string]*entry[A]),
	}
}

// Get returns the artifact bound to key, generating and compiling at most
// once. A key seen before returns its bound result without regenerating
// source, including the cached "no program" outcome (ok=false). Otherwise
// the generator runs; if it declines, that is recorded and ok=false is
// returned. If another key already produced byte-identical source, the key
// is bound to the existing artifact without recompiling. Only a genuinely
// new source text is compiled; then fresh=true and the source is returned
// for persistence.
//
// A compile error binds nothing, so a later Get retries.
func (c *DedupCache[K, A]) Get(key K, generate GenerateFunc, compile CompileFunc[A]) (artifact A, source string, fresh, ok bool, err error) {
	if e, seen := c.byKey[key]; seen {
		if e == nil {
			return artifact, "", false, false, nil
		}
		return e.artifact, "", false, true, nil
	}

	src, ok := generate()
	if !ok {
		c.byKey[key] = nil
		return artifact, "", false, false, nil
	}
	if e, dup := c.bySource[src]; dup {
		c.byKey[key] = e
		return e.artifact, "", false, true, nil
	}

	a, err := compile(src)
	if err != nil {
		var zero A
		return zero, "", false, false, err
	}
	e := &entry[A]{artifact: a}
	c.bySource[src] = e
	c.byKey[key] = e
	return a, src, true, true, nil
}

// Inject performs the dual bind from persisted data. When the source text
// is already bound, the existing artifact wins and is returned with
// stored=false so the caller can release the redundant host object.
func (c *DedupCache[K, A]) Inject(key K, source string, artifact A) (bound A, stored bool) {
	if e, dup := c.bySource[source]; dup {
		c.byKey[key] = e
		return e.artifact, false
	}
	e := &entry[A]{artifact: artifact}
	c.bySource[source] = e
	c.byKey[key] = e
	return artifact, true
}

// InjectAbsent records the "no program" outcome for a key without
// invoking the generator. An existing binding wins.
func (c *DedupCache[K, A]) InjectAbsent(key K) {
	if _, seen := c.byKey[key]; !seen {
		c.byKey[key] = nil
	}
}

// Len returns the number of bound keys, including keys bound to the
// "no program" outcome.
func (c *DedupCache[K, A]) Len() int { return len(c.byKey) }

// SourceLen returns the number of distinct compiled artifacts.
func (c *DedupCache[K, A]) SourceLen() int { return len(c.bySource) }

// Range calls fn once per distinct artifact, in no particular order.
func (c *DedupCache[K, A]) Range(fn func(A)) {
	for _, e := range c.bySource {
		fn(e.artifact)
	}
}
