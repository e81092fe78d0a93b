package jid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNextFormat(t *testing.T) {
	g := NewGenerator()
	id := g.Next()

	assert.Len(t, id, 20)
	assert.True(t, IsValid(id))
}

func TestNextUnique(t *testing.T) {
	g := NewGenerator()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.Next()
		require.False(t, seen[id], "duplicate jid %s", id)
		seen[id] = true
	}
}

func TestNextMonotonic(t *testing.T) {
	g := NewGenerator()

	prev := g.Next()
	for i := 0; i < 100; i++ {
		next := g.Next()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestTimeRoundTrip(t *testing.T) {
	g := NewGenerator()
	before := time.Now().UTC().Truncate(time.Microsecond)

	id := g.Next()
	ts, err := Time(id)
	require.NoError(t, err)

	assert.False(t, ts.Before(before))
	assert.WithinDuration(t, time.Now().UTC(), ts, 2*time.Second)
}

func TestIsValidRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"20260101",
		"2026010112000000000x",
		"99999999999999999999", // month 99
		"supercalifragilistic",
	}
	for _, c := range cases {
		assert.False(t, IsValid(c), "should reject %q", c)
	}
}

func TestProperty_GeneratedIDsAlwaysValidAndSorted(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := NewGenerator()
		n := rapid.IntRange(2, 50).Draw(t, "n")

		ids := make([]string, n)
		for i := range ids {
			ids[i] = g.Next()
		}

		// Property: every generated id is valid and lexicographic order
		// equals generation order.
		for i, id := range ids {
			if !IsValid(id) {
				t.Fatalf("invalid id at %d: %q", i, id)
			}
			if i > 0 && ids[i-1] >= id {
				t.Fatalf("ids not strictly increasing: %q then %q", ids[i-1], id)
			}
		}
	})
}
