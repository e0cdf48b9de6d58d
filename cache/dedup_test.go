package cache

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func generate(src string) GenerateFunc {
	return func() (string, bool) { return src, true }
}

func decline() (string, bool) { return "", false }

func TestDedupSharesIdenticalSource(t *testing.T) {
	c := NewDedup[int, string]()

	compiles := 0
	compile := func(src string) (string, error) {
		compiles++
		return "obj:" + src, nil
	}

	a1, src, fresh, ok, err := c.Get(1, generate("void main() {}"), compile)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, fresh)
	assert.Equal(t, "void main() {}", src)

	// A different key producing the same source binds without compiling.
	a2, src, fresh, ok, err := c.Get(2, generate("void main() {}"), compile)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, fresh, "identical source must not report fresh")
	assert.Empty(t, src)
	assert.Equal(t, a1, a2)

	assert.Equal(t, 1, compiles)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 1, c.SourceLen())
}

func TestDedupCachesDeclinedOutcome(t *testing.T) {
	c := NewDedup[int, string]()

	generates := 0
	_, _, fresh, ok, err := c.Get(5, func() (string, bool) {
		generates++
		return decline()
	}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, fresh)

	// The declined outcome is itself cached: no regeneration.
	_, _, _, ok, err = c.Get(5, func() (string, bool) {
		generates++
		return "late", true
	}, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, generates)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 0, c.SourceLen())
}

func TestDedupCompileErrorRetries(t *testing.T) {
	c := NewDedup[int, string]()

	boom := errors.New("link failed")
	_, _, _, _, err := c.Get(1, generate("src"), func(string) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.SourceLen())

	a, _, fresh, ok, err := c.Get(1, generate("src"), func(s string) (string, error) {
		return "obj:" + s, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, fresh)
	assert.Equal(t, "obj:src", a)
}

func TestDedupInject(t *testing.T) {
	c := NewDedup[int, string]()

	bound, stored := c.Inject(1, "shared src", "first")
	assert.True(t, stored)
	assert.Equal(t, "first", bound)

	// Same source under another key: existing artifact wins.
	bound, stored = c.Inject(2, "shared src", "second")
	assert.False(t, stored)
	assert.Equal(t, "first", bound)

	a, _, _, ok, err := c.Get(2, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "first", a)
	assert.Equal(t, 1, c.SourceLen())
}

func TestDedupInjectAbsent(t *testing.T) {
	c := NewDedup[int, string]()

	c.InjectAbsent(1)
	_, _, _, ok, err := c.Get(1, func() (string, bool) {
		t.Fatal("generator must not run for an injected-absent key")
		return "", false
	}, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	// An existing real binding is not demoted.
	c.Inject(2, "src", "obj")
	c.InjectAbsent(2)
	a, _, _, ok, err := c.Get(2, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "obj", a)
}

// Compiled-object count must equal the number of distinct source texts,
// regardless of how keys map onto sources.
func TestDedupCompileCountProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := NewDedup[int, int]()
		compiles := 0
		compile := func(string) (int, error) {
			compiles++
			return compiles, nil
		}

		distinct := map[string]struct{}{}
		keys := rapid.SliceOfN(rapid.IntRange(0, 30), 1, 100).Draw(t, "keys")
		for _, k := range keys {
			// Several keys fold onto the same source text.
			src := fmt.Sprintf("source-%d", k%7)
			distinct[src] = struct{}{}
			_, _, _, ok, err := c.Get(k, generate(src), compile)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !ok {
				t.Fatalf("generator never declines in this model")
			}
		}

		if compiles != len(distinct) {
			t.Fatalf("compiled %d objects for %d distinct sources", compiles, len(distinct))
		}
		if c.SourceLen() != len(distinct) {
			t.Fatalf("SourceLen %d, want %d", c.SourceLen(), len(distinct))
		}
	})
}
