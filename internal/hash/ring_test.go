package hash

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRing(t *testing.T) {
	tests := []struct {
		name         string
		virtual      int
		replicas     int
		wantVirtual  int
		wantReplicas int
	}{
		{name: "defaults", wantVirtual: DefaultVirtualNodes, wantReplicas: 1},
		{name: "custom", virtual: 20, replicas: 3, wantVirtual: 20, wantReplicas: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRing(tt.virtual, tt.replicas)
			assert.Equal(t, tt.wantVirtual, r.virtual)
			assert.Equal(t, tt.wantReplicas, r.replicas)
		})
	}
}

func TestRingMembership(t *testing.T) {
	r := NewRing(10, 2)

	t.Run("add", func(t *testing.T) {
		r.Add("node-1")
		r.Add("node-2")
		r.Add("node-3")
		assert.Len(t, r.points, 30)
		assert.True(t, isSorted(r.points))
		assert.Equal(t, []string{"node-1", "node-2", "node-3"}, r.Members())
	})

	t.Run("add twice", func(t *testing.T) {
		r.Add("node-1")
		assert.Len(t, r.points, 30)
	})
}

func TestRingLocate(t *testing.T) {
	t.Run("empty ring", func(t *testing.T) {
		r := NewRing(10, 2)
		assert.Nil(t, r.Locate("key"))
		assert.Empty(t, r.Members())
	})

	r := NewRing(50, 2)
	for i := 1; i <= 3; i++ {
		r.Add(fmt.Sprintf("node-%d", i))
	}

	t.Run("distinct replicas", func(t *testing.T) {
		members := r.Locate("blob")
		require.Len(t, members, 2)
		assert.NotEqual(t, members[0], members[1])
		assert.Equal(t, members[0], primary(r, "blob"))
	})

	t.Run("stable placement", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			key := fmt.Sprintf("key-%d", i)
			assert.Equal(t, r.Locate(key), r.Locate(key))
		}
	})

	t.Run("replicas capped by members", func(t *testing.T) {
		small := NewRing(10, 5)
		small.Add("only")
		assert.Equal(t, []string{"only"}, small.Locate("x"))
	})

	t.Run("adding a member only moves keys to it", func(t *testing.T) {
		before := map[string]string{}
		for i := 0; i < 200; i++ {
			key := fmt.Sprintf("key-%d", i)
			before[key] = primary(r, key)
		}

		r.Add("node-4")
		var moved int
		for key, owner := range before {
			if now := primary(r, key); now != owner {
				assert.Equal(t, "node-4", now, key)
				moved++
			}
		}
		assert.Greater(t, moved, 0)
	})

	t.Run("spread", func(t *testing.T) {
		spread := NewRing(DefaultVirtualNodes, 1)
		for i := 1; i <= 3; i++ {
			spread.Add(fmt.Sprintf("node-%d", i))
		}
		counts := map[string]int{}
		for i := 0; i < 3000; i++ {
			counts[primary(spread, fmt.Sprintf("key-%d", i))]++
		}
		for member, n := range counts {
			assert.Greater(t, n, 500, member)
		}
	})
}

func primary(r *Ring, key string) string {
	if members := r.Locate(key); len(members) > 0 {
		return members[0]
	}
	return ""
}

func isSorted(points []uint64) bool {
	for i := 1; i < len(points); i++ {
		if points[i-1] >= points[i] {
			return false
		}
	}
	return true
}
