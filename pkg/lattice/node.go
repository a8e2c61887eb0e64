package lattice

import (
	"fmt"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/roadmap"
)

// Node is a vertex of a lattice. The payload carries per-node state of the
// lattice flavour (nothing for the plain waypoint lattice, an occupant for
// the traffic lattice).
type Node[P any] struct {
	waypoint *roadmap.Waypoint
	distance float64

	front, back, left, right *Node[P]

	Payload P
}

func (n *Node[P]) ID() int64 {
	return n.waypoint.ID()
}

func (n *Node[P]) Waypoint() *roadmap.Waypoint {
	return n.waypoint
}

// Distance is the arc length from the lattice root along the traversed
// route. Rewritten when the lattice is shortened.
func (n *Node[P]) Distance() float64 {
	return n.distance
}

func (n *Node[P]) Front() *Node[P] { return n.front }
func (n *Node[P]) Back() *Node[P] { return n.back }
func (n *Node[P]) Left() *Node[P] { return n.left }
func (n *Node[P]) Right() *Node[P] { return n.right }

func (n *Node[P]) String() string {
	return fmt.Sprintf("node %d distance:%.2f %s", n.ID(), n.distance, n.waypoint)
}
