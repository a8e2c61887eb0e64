package stplanner

import (
	"errors"
	"fmt"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/lattice"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/path"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/roadmap"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/traffic"
)

var ErrInvalidSpeed = errors.New("ego speed is outside the vertex speed intervals")

// NumSpeedIntervals is the number of per-station ego speed intervals.
const NumSpeedIntervals = 3

// speedIntervals are left-closed right-open, in m/s (0-30, 30-60, 60-90 mph).
var speedIntervals = [NumSpeedIntervals][2]float64{
	{0.0, 13.4112},
	{13.4112, 26.8224},
	{26.8224, 40.2336},
}

// SpeedIntervalIndex maps a speed onto its interval, false when the speed is
// negative or beyond the last interval. A boundary speed belongs to the
// upper interval.
func SpeedIntervalIndex(speed float64) (int, bool) {
	if speed < 0 {
		return 0, false
	}
	for i := range speedIntervals {
		if speed < speedIntervals[i][1] {
			return i, true
		}
	}
	return 0, false
}

// ParentLink records one way of arriving at a vertex.
type ParentLink struct {
	Snapshot   *traffic.Snapshot
	CostToCome float64
	Vertex     *Vertex
}

// ChildLink records one way of leaving a vertex: the path, the constant ego
// acceleration held over it, the stage cost, and the child.
type ChildLink struct {
	Path         *path.ContinuousPath
	Acceleration float64
	StageCost    float64
	Vertex       *Vertex
}

// Vertex is a search-graph node pinned to a waypoint-lattice node and an ego
// speed interval. Each direction carries one parent and one child slot per
// speed interval.
type Vertex struct {
	node     *lattice.Node[struct{}]
	snapshot *traffic.Snapshot

	backParents  [NumSpeedIntervals]*ParentLink
	leftParents  [NumSpeedIntervals]*ParentLink
	rightParents [NumSpeedIntervals]*ParentLink

	optimalParent *ParentLink

	frontChildren [NumSpeedIntervals]*ChildLink
	leftChildren  [NumSpeedIntervals]*ChildLink
	rightChildren [NumSpeedIntervals]*ChildLink
}

// NewVertex anchors a vertex at the waypoint-lattice node closest to the
// snapshot's ego pose. The ego speed must fall into a valid interval.
func NewVertex(snapshot *traffic.Snapshot, wl *lattice.WaypointLattice, fm *roadmap.FastWaypointMap) (*Vertex, error) {
	if _, ok := SpeedIntervalIndex(snapshot.Ego().Speed); !ok {
		return nil, fmt.Errorf("%w: speed %f", ErrInvalidSpeed, snapshot.Ego().Speed)
	}
	node := wl.ClosestNode(
		fm.Waypoint(snapshot.Ego().Transform.Location),
		wl.LongitudinalResolution())
	if node == nil {
		return nil, fmt.Errorf(
			"vertex: no waypoint-lattice node corresponds to the ego location\n%s", snapshot)
	}
	return &Vertex{node: node, snapshot: snapshot}, nil
}

func (v *Vertex) ID() int64 { return v.node.ID() }
func (v *Vertex) Node() *lattice.Node[struct{}] { return v.node }
func (v *Vertex) Snapshot() *traffic.Snapshot { return v.snapshot }
func (v *Vertex) Speed() float64 { return v.snapshot.Ego().Speed }

// SpeedInterval is the interval index of this vertex's ego speed.
func (v *Vertex) SpeedInterval() int {
	idx, _ := SpeedIntervalIndex(v.snapshot.Ego().Speed)
	return idx
}

func (v *Vertex) CostToCome() float64 {
	if v.optimalParent == nil {
		return 0
	}
	return v.optimalParent.CostToCome
}

func (v *Vertex) OptimalParent() *ParentLink { return v.optimalParent }

func (v *Vertex) BackParents() [NumSpeedIntervals]*ParentLink { return v.backParents }
func (v *Vertex) LeftParents() [NumSpeedIntervals]*ParentLink { return v.leftParents }
func (v *Vertex) RightParents() [NumSpeedIntervals]*ParentLink { return v.rightParents }

func (v *Vertex) FrontChildren() [NumSpeedIntervals]*ChildLink { return v.frontChildren }
func (v *Vertex) LeftChildren() [NumSpeedIntervals]*ChildLink { return v.leftChildren }
func (v *Vertex) RightChildren() [NumSpeedIntervals]*ChildLink { return v.rightChildren }

func (v *Vertex) HasParent() bool {
	for i := 0; i < NumSpeedIntervals; i++ {
		if v.backParents[i] != nil || v.leftParents[i] != nil || v.rightParents[i] != nil {
			return true
		}
	}
	return false
}

func (v *Vertex) HasChild() bool {
	for i := 0; i < NumSpeedIntervals; i++ {
		if v.frontChildren[i] != nil || v.leftChildren[i] != nil || v.rightChildren[i] != nil {
			return true
		}
	}
	return false
}

// Children walks the child links in the deterministic front, left, right,
// ascending-interval order.
func (v *Vertex) Children() []*ChildLink {
	var children []*ChildLink
	for _, slots := range [][NumSpeedIntervals]*ChildLink{v.frontChildren, v.leftChildren, v.rightChildren} {
		for i := 0; i < NumSpeedIntervals; i++ {
			if slots[i] != nil {
				children = append(children, slots[i])
			}
		}
	}
	return children
}

// updateOptimalParent promotes the minimum-cost parent. A tie prefers back
// over left over right; within a direction the lower interval wins.
func (v *Vertex) updateOptimalParent() {
	var best *ParentLink
	consider := func(p *ParentLink) {
		if p == nil {
			return
		}
		if best == nil || p.CostToCome <= best.CostToCome {
			best = p
		}
	}
	for i := NumSpeedIntervals - 1; i >= 0; i-- {
		consider(v.rightParents[i])
	}
	for i := NumSpeedIntervals - 1; i >= 0; i-- {
		consider(v.leftParents[i])
	}
	for i := NumSpeedIntervals - 1; i >= 0; i-- {
		consider(v.backParents[i])
	}
	if best == nil {
		return
	}
	v.optimalParent = best
	v.snapshot = best.Snapshot
}

// parentSlot picks the interval slot of the parent's own ego speed; a parent
// outside the valid range cannot be linked.
func parentSlot(parent *Vertex) (int, bool) {
	return SpeedIntervalIndex(parent.Snapshot().Ego().Speed)
}

func (v *Vertex) UpdateBackParent(snapshot *traffic.Snapshot, costToCome float64, parent *Vertex) {
	idx, ok := parentSlot(parent)
	if !ok {
		return
	}
	v.backParents[idx] = &ParentLink{Snapshot: snapshot, CostToCome: costToCome, Vertex: parent}
	v.updateOptimalParent()
}

func (v *Vertex) UpdateLeftParent(snapshot *traffic.Snapshot, costToCome float64, parent *Vertex) {
	idx, ok := parentSlot(parent)
	if !ok {
		return
	}
	v.leftParents[idx] = &ParentLink{Snapshot: snapshot, CostToCome: costToCome, Vertex: parent}
	v.updateOptimalParent()
}

func (v *Vertex) UpdateRightParent(snapshot *traffic.Snapshot, costToCome float64, parent *Vertex) {
	idx, ok := parentSlot(parent)
	if !ok {
		return
	}
	v.rightParents[idx] = &ParentLink{Snapshot: snapshot, CostToCome: costToCome, Vertex: parent}
	v.updateOptimalParent()
}

func (v *Vertex) UpdateFrontChild(p *path.ContinuousPath, accel, stageCost float64, child *Vertex) {
	v.frontChildren[child.SpeedInterval()] = &ChildLink{
		Path: p, Acceleration: accel, StageCost: stageCost, Vertex: child}
}

func (v *Vertex) UpdateLeftChild(p *path.ContinuousPath, accel, stageCost float64, child *Vertex) {
	v.leftChildren[child.SpeedInterval()] = &ChildLink{
		Path: p, Acceleration: accel, StageCost: stageCost, Vertex: child}
}

func (v *Vertex) UpdateRightChild(p *path.ContinuousPath, accel, stageCost float64, child *Vertex) {
	v.rightChildren[child.SpeedInterval()] = &ChildLink{
		Path: p, Acceleration: accel, StageCost: stageCost, Vertex: child}
}

func (v *Vertex) String() string {
	out := fmt.Sprintf("vertex %d speed interval:%d\n", v.ID(), v.SpeedInterval())
	if v.optimalParent != nil {
		out += fmt.Sprintf("optimal parent: id:%d cost to come:%.3f\n",
			v.optimalParent.Vertex.ID(), v.optimalParent.CostToCome)
	}
	for _, child := range v.Children() {
		out += fmt.Sprintf("child: id:%d accel:%.1f stage cost:%.3f\n",
			child.Vertex.ID(), child.Acceleration, child.StageCost)
	}
	return out
}
