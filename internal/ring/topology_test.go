package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdentity(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		id, err := NewIdentity(2, 4)
		require.NoError(t, err)
		assert.Equal(t, 2, id.ID())
		assert.Equal(t, 4, id.Size())
		assert.Equal(t, "node 2/4", id.String())
	})

	t.Run("id out of range", func(t *testing.T) {
		_, err := NewIdentity(4, 4)
		assert.Error(t, err)

		_, err = NewIdentity(-1, 4)
		assert.Error(t, err)
	})

	t.Run("empty ring", func(t *testing.T) {
		_, err := NewIdentity(0, 0)
		assert.Error(t, err)
	})
}

func TestSuccessorPort(t *testing.T) {
	const base = 8000

	for size := 2; size <= 12; size++ {
		for id := 0; id < size; id++ {
			identity, err := NewIdentity(id, size)
			require.NoError(t, err)

			assert.Equal(t, base+id, identity.ListenPort(base))
			assert.Equal(t, base+(id+1)%size, identity.SuccessorPort(base))
		}
	}

	last, err := NewIdentity(3, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, last.SuccessorID(), "last node wraps to node 0")
}

func TestSingleNodeRingIsItsOwnSuccessor(t *testing.T) {
	identity, err := NewIdentity(0, 1)
	require.NoError(t, err)
	assert.Equal(t, identity.ListenPort(8000), identity.SuccessorPort(8000))
}

func TestExactlyOneInitialHolder(t *testing.T) {
	for size := 1; size <= 8; size++ {
		holders := 0
		for id := 0; id < size; id++ {
			identity, err := NewIdentity(id, size)
			require.NoError(t, err)
			if identity.StartsWithToken() {
				holders++
				assert.Equal(t, 0, id)
			}
		}
		assert.Equal(t, 1, holders, "ring of %d", size)
	}
}
