package lattice

import (
	"errors"
	"fmt"
	"math"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/roadmap"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/router"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/util"
)

var (
	ErrInvalidRange    = errors.New("lattice range must exceed the longitudinal resolution")
	ErrInvalidDistance = errors.New("query distance must be positive")
)

type roadLane struct {
	road int64
	lane int32
}

// Lattice is a lazily extendable directed graph of waypoint nodes ahead of a
// root, discretized longitudinally and linked across lanes. Nodes live in an
// id-keyed arena owned by the lattice; neighbour links are resolved inside
// it, never shared out as owning references.
type Lattice[P any] struct {
	rt         router.Router
	resolution float64
	rng        float64

	nodes    map[int64]*Node[P]
	roadlane map[roadLane]map[int64]*Node[P]
	exits    []*Node[P]
	root     *Node[P]
}

// New builds a lattice rooted at start covering at least rng metres ahead.
func New[P any](start *roadmap.Waypoint, rng, resolution float64, rt router.Router) (*Lattice[P], error) {
	if rng <= resolution {
		return nil, fmt.Errorf("%w: range:%f resolution:%f", ErrInvalidRange, rng, resolution)
	}

	l := &Lattice[P]{
		rt:         rt,
		resolution: resolution,
		nodes:      make(map[int64]*Node[P]),
		roadlane:   make(map[roadLane]map[int64]*Node[P]),
	}

	root := l.materialize(start, 0)
	l.root = root
	l.exits = []*Node[P]{root}
	l.extend(rng)
	return l, nil
}

func (l *Lattice[P]) Range() float64 { return l.rng }
func (l *Lattice[P]) LongitudinalResolution() float64 { return l.resolution }
func (l *Lattice[P]) Root() *Node[P] { return l.root }

func (l *Lattice[P]) NodeByID(id int64) *Node[P] {
	return l.nodes[id]
}

// Nodes returns every node in ascending id order.
func (l *Lattice[P]) Nodes() []*Node[P] {
	out := make([]*Node[P], 0, len(l.nodes))
	for _, id := range util.SortedKeys(l.nodes) {
		out = append(out, l.nodes[id])
	}
	return out
}

func (l *Lattice[P]) NumNodes() int { return len(l.nodes) }

// Exits returns the current frontier nodes in ascending id order.
func (l *Lattice[P]) Exits() []*Node[P] {
	byID := make(map[int64]*Node[P], len(l.exits))
	for _, exit := range l.exits {
		byID[exit.ID()] = exit
	}
	out := make([]*Node[P], 0, len(byID))
	for _, id := range util.SortedKeys(byID) {
		out = append(out, byID[id])
	}
	return out
}

func (l *Lattice[P]) materialize(w *roadmap.Waypoint, distance float64) *Node[P] {
	if existing := l.nodes[w.ID()]; existing != nil {
		return existing
	}
	n := &Node[P]{waypoint: w, distance: distance}
	l.nodes[w.ID()] = n
	key := roadLane{w.RoadID, w.LaneID}
	if l.roadlane[key] == nil {
		l.roadlane[key] = make(map[int64]*Node[P])
	}
	l.roadlane[key][w.ID()] = n
	return n
}

func (l *Lattice[P]) unlink(n *Node[P]) {
	if n.front != nil && n.front.back == n {
		n.front.back = nil
	}
	if n.back != nil && n.back.front == n {
		n.back.front = nil
	}
	if n.left != nil && n.left.right == n {
		n.left.right = nil
	}
	if n.right != nil && n.right.left == n {
		n.right.left = nil
	}
	delete(l.nodes, n.ID())
	key := roadLane{n.waypoint.RoadID, n.waypoint.LaneID}
	if byLane := l.roadlane[key]; byLane != nil {
		delete(byLane, n.ID())
		if len(byLane) == 0 {
			delete(l.roadlane, key)
		}
	}
}

// Extend grows the lattice forward so that every exit lies at least rng
// beyond the root.
func (l *Lattice[P]) Extend(rng float64) {
	if rng <= l.rng {
		return
	}
	l.extend(rng)
}

func (l *Lattice[P]) extend(rng float64) {
	queue := make([]*Node[P], 0, len(l.exits))
	visited := make(map[int64]struct{}, len(l.exits))
	for _, exit := range l.exits {
		if _, ok := visited[exit.ID()]; ok {
			continue
		}
		visited[exit.ID()] = struct{}{}
		queue = append(queue, exit)
	}
	l.exits = l.exits[:0]
	exitSeen := make(map[int64]struct{})
	addExit := func(n *Node[P]) {
		if _, ok := exitSeen[n.ID()]; ok {
			return
		}
		exitSeen[n.ID()] = struct{}{}
		l.exits = append(l.exits, n)
	}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		// Nodes at the range still get their lane links, so lateral queries
		// work up to the far end of the lattice; only front growth stops.
		l.growLaneLinks(n)
		if n.distance >= rng-1e-6 {
			addExit(n)
		} else {
			l.growFront(n)
			if n.front == nil {
				// The route ends here; this branch stays an exit so a later
				// extend can resume if the router learns a continuation.
				addExit(n)
			}
		}

		for _, nb := range []*Node[P]{n.front, n.left, n.right} {
			if nb == nil {
				continue
			}
			if _, ok := visited[nb.ID()]; ok {
				continue
			}
			visited[nb.ID()] = struct{}{}
			queue = append(queue, nb)
		}
	}

	if rng > l.rng {
		l.rng = rng
	}
}

func (l *Lattice[P]) growFront(n *Node[P]) {
	if n.front != nil {
		return
	}
	fw, err := l.rt.FrontWaypoint(n.waypoint, l.resolution)
	if err != nil || fw == nil {
		return
	}
	child := l.materialize(fw, n.distance+l.resolution)
	if child.back != nil && child.back != n {
		// Another lane already claimed this node as its front; leaving the
		// link out keeps front/back symmetric.
		return
	}
	n.front = child
	child.back = n
}

func (l *Lattice[P]) growLaneLinks(n *Node[P]) {
	if n.left == nil {
		if lw := n.waypoint.LeftLane(); lw != nil && l.rt.HasRoad(lw.RoadID) {
			ln := l.materialize(lw, n.distance)
			if ln.right == nil || ln.right == n {
				n.left = ln
				ln.right = n
			}
		}
	}
	if n.right == nil {
		if rw := n.waypoint.RightLane(); rw != nil && l.rt.HasRoad(rw.RoadID) {
			rn := l.materialize(rw, n.distance)
			if rn.left == nil || rn.left == n {
				n.right = rn
				rn.left = n
			}
		}
	}
}

// Shorten drops nodes at the rear so the root advances by d. Surviving node
// distances are rebased onto the new root.
func (l *Lattice[P]) Shorten(d float64) error {
	if d <= 0 {
		return nil
	}
	steps := int(math.Round(d / l.resolution))
	if steps <= 0 {
		return nil
	}

	newRoot := l.root
	for i := 0; i < steps; i++ {
		if newRoot.front == nil {
			return fmt.Errorf("%w: cannot advance the root by %f, lattice ends after %d steps",
				ErrInvalidRange, d, i)
		}
		newRoot = newRoot.front
	}
	cut := newRoot.distance

	var removed []*Node[P]
	for _, n := range l.nodes {
		if n.distance < cut-1e-6 {
			removed = append(removed, n)
		}
	}
	for _, n := range removed {
		l.unlink(n)
	}
	for _, n := range l.nodes {
		n.distance -= cut
	}

	surviving := l.exits[:0]
	for _, exit := range l.exits {
		if _, ok := l.nodes[exit.ID()]; ok {
			surviving = append(surviving, exit)
		}
	}
	l.exits = surviving

	newRoot.back = nil
	l.root = newRoot
	l.rng -= cut
	return nil
}

// Shift advances the lattice window by d keeping its range.
func (l *Lattice[P]) Shift(d float64) error {
	prev := l.rng
	if err := l.Shorten(d); err != nil {
		return err
	}
	l.extend(prev)
	return nil
}

// ClosestNode returns the node matching the waypoint id, or the node on the
// same (road, lane) within tolerance arc length of the query.
func (l *Lattice[P]) ClosestNode(w *roadmap.Waypoint, tolerance float64) *Node[P] {
	if w == nil {
		return nil
	}
	if n := l.nodes[w.ID()]; n != nil {
		return n
	}

	var best *Node[P]
	bestDiff := math.Inf(1)
	for _, n := range l.roadlane[roadLane{w.RoadID, w.LaneID}] {
		diff := math.Abs(n.waypoint.S - w.S)
		if diff < bestDiff || (diff == bestDiff && best != nil && n.ID() < best.ID()) {
			best, bestDiff = n, diff
		}
	}
	if best == nil || bestDiff > tolerance {
		return nil
	}
	return best
}

// Front walks at least d metres forward from the node closest to w.
func (l *Lattice[P]) Front(w *roadmap.Waypoint, d float64) (*Node[P], error) {
	start, err := l.queryStart(w, d)
	if start == nil || err != nil {
		return nil, err
	}
	return walkFront(start, d), nil
}

// Back walks at least d metres backward from the node closest to w.
func (l *Lattice[P]) Back(w *roadmap.Waypoint, d float64) (*Node[P], error) {
	start, err := l.queryStart(w, d)
	if start == nil || err != nil {
		return nil, err
	}
	return walkBack(start, d), nil
}

// FrontLeft walks at least d metres forward on the lane left of w.
func (l *Lattice[P]) FrontLeft(w *roadmap.Waypoint, d float64) (*Node[P], error) {
	start, err := l.queryStart(w, d)
	if start == nil || err != nil || start.left == nil {
		return nil, err
	}
	return walkFront(start.left, d), nil
}

// FrontRight walks at least d metres forward on the lane right of w.
func (l *Lattice[P]) FrontRight(w *roadmap.Waypoint, d float64) (*Node[P], error) {
	start, err := l.queryStart(w, d)
	if start == nil || err != nil || start.right == nil {
		return nil, err
	}
	return walkFront(start.right, d), nil
}

// BackLeft walks at least d metres backward on the lane left of w.
func (l *Lattice[P]) BackLeft(w *roadmap.Waypoint, d float64) (*Node[P], error) {
	start, err := l.queryStart(w, d)
	if start == nil || err != nil || start.left == nil {
		return nil, err
	}
	return walkBack(start.left, d), nil
}

// BackRight walks at least d metres backward on the lane right of w.
func (l *Lattice[P]) BackRight(w *roadmap.Waypoint, d float64) (*Node[P], error) {
	start, err := l.queryStart(w, d)
	if start == nil || err != nil || start.right == nil {
		return nil, err
	}
	return walkBack(start.right, d), nil
}

func (l *Lattice[P]) queryStart(w *roadmap.Waypoint, d float64) (*Node[P], error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: %f", ErrInvalidDistance, d)
	}
	return l.ClosestNode(w, l.resolution), nil
}

func walkFront[P any](start *Node[P], d float64) *Node[P] {
	target := start.distance + d
	for n := start.front; n != nil; n = n.front {
		if n.distance >= target-1e-6 {
			return n
		}
	}
	return nil
}

func walkBack[P any](start *Node[P], d float64) *Node[P] {
	target := start.distance - d
	for n := start.back; n != nil; n = n.back {
		if n.distance <= target+1e-6 {
			return n
		}
	}
	return nil
}

func (l *Lattice[P]) String() string {
	out := fmt.Sprintf("lattice range:%.2f resolution:%.2f nodes:%d\n",
		l.rng, l.resolution, len(l.nodes))
	for _, n := range l.Nodes() {
		out += n.String() + "\n"
	}
	return out
}

// WaypointLattice is the payload-free lattice used by the planners.
type WaypointLattice = Lattice[struct{}]

func NewWaypointLattice(start *roadmap.Waypoint, rng, resolution float64, rt router.Router) (*WaypointLattice, error) {
	return New[struct{}](start, rng, resolution, rt)
}
