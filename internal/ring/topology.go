package ring

import "fmt"

// Identity is a node's fixed position in the ring. The zero value is not
// valid; use NewIdentity.
type Identity struct {
	id   int
	size int
}

// NewIdentity validates 0 <= id < size.
func NewIdentity(id, size int) (Identity, error) {
	if size < 1 {
		return Identity{}, fmt.Errorf("ring size must be at least 1, got %d", size)
	}
	if id < 0 || id >= size {
		return Identity{}, fmt.Errorf("node id must be between 0 and %d, got %d", size-1, id)
	}
	return Identity{id: id, size: size}, nil
}

// ID returns the node's position.
func (i Identity) ID() int { return i.id }

// Size returns the number of nodes in the ring.
func (i Identity) Size() int { return i.size }

// SuccessorID returns the id of the next node clockwise.
func (i Identity) SuccessorID() int {
	return (i.id + 1) % i.size
}

// ListenPort returns base + id.
func (i Identity) ListenPort(base int) int {
	return base + i.id
}

// SuccessorPort returns base + ((id+1) mod size).
func (i Identity) SuccessorPort(base int) int {
	return base + i.SuccessorID()
}

// StartsWithToken reports whether this node owns the token at startup.
// Exactly one node, id 0, does.
func (i Identity) StartsWithToken() bool {
	return i.id == 0
}

func (i Identity) String() string {
	return fmt.Sprintf("node %d/%d", i.id, i.size)
}
