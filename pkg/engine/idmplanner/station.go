package idmplanner

import (
	"errors"
	"fmt"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/lattice"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/path"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/roadmap"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/traffic"
)

var errNoParent = errors.New("station has no parent to promote")

// ParentLink records one way of arriving at a station: the snapshot on
// arrival, the cost-to-come through this parent, and the parent itself.
type ParentLink struct {
	Snapshot   *traffic.Snapshot
	CostToCome float64
	Station    *Station
}

// ChildLink records one way of leaving a station: the continuous path to the
// child, the stage cost of traversing it, and the child itself.
type ChildLink struct {
	Path      *path.ContinuousPath
	StageCost float64
	Station   *Station
}

// Station is a search-graph node pinned to a waypoint-lattice node. It owns
// the snapshot captured at the moment the ego reaches it; parent and child
// references are non-owning.
type Station struct {
	node     *lattice.Node[struct{}]
	snapshot *traffic.Snapshot

	backParent  *ParentLink
	leftParent  *ParentLink
	rightParent *ParentLink

	// optimalParent caches the minimum-cost parent.
	optimalParent *ParentLink

	frontChild *ChildLink
	leftChild  *ChildLink
	rightChild *ChildLink
}

// NewStation anchors a station at the waypoint-lattice node closest to the
// snapshot's ego pose.
func NewStation(snapshot *traffic.Snapshot, wl *lattice.WaypointLattice, fm *roadmap.FastWaypointMap) (*Station, error) {
	node := wl.ClosestNode(
		fm.Waypoint(snapshot.Ego().Transform.Location),
		wl.LongitudinalResolution())
	if node == nil {
		return nil, fmt.Errorf(
			"station: no waypoint-lattice node corresponds to the ego location\n%s", snapshot)
	}
	return &Station{node: node, snapshot: snapshot}, nil
}

func (s *Station) ID() int64 {
	return s.node.ID()
}

func (s *Station) Node() *lattice.Node[struct{}] {
	return s.node
}

func (s *Station) Snapshot() *traffic.Snapshot {
	return s.snapshot
}

// CostToCome is the cost of the optimal-parent chain from the root, zero at
// the root itself.
func (s *Station) CostToCome() float64 {
	if s.optimalParent == nil {
		return 0
	}
	return s.optimalParent.CostToCome
}

func (s *Station) BackParent() *ParentLink { return s.backParent }
func (s *Station) LeftParent() *ParentLink { return s.leftParent }
func (s *Station) RightParent() *ParentLink { return s.rightParent }
func (s *Station) OptimalParent() *ParentLink { return s.optimalParent }

func (s *Station) FrontChild() *ChildLink { return s.frontChild }
func (s *Station) LeftChild() *ChildLink { return s.leftChild }
func (s *Station) RightChild() *ChildLink { return s.rightChild }

func (s *Station) HasParent() bool {
	return s.backParent != nil || s.leftParent != nil || s.rightParent != nil
}

func (s *Station) HasChild() bool {
	return s.frontChild != nil || s.leftChild != nil || s.rightChild != nil
}

// updateOptimalParent promotes the minimum-cost parent. A tie prefers the
// back parent, a further tie the left over the right.
func (s *Station) updateOptimalParent() error {
	var best *ParentLink
	consider := func(p *ParentLink) {
		if p == nil {
			return
		}
		if best == nil || p.CostToCome <= best.CostToCome {
			best = p
		}
	}
	consider(s.rightParent)
	consider(s.leftParent)
	consider(s.backParent)
	if best == nil {
		return errNoParent
	}

	s.optimalParent = best
	s.snapshot = best.Snapshot
	return nil
}

func (s *Station) UpdateBackParent(snapshot *traffic.Snapshot, costToCome float64, parent *Station) {
	s.backParent = &ParentLink{Snapshot: snapshot, CostToCome: costToCome, Station: parent}
	s.updateOptimalParent()
}

func (s *Station) UpdateLeftParent(snapshot *traffic.Snapshot, costToCome float64, parent *Station) {
	s.leftParent = &ParentLink{Snapshot: snapshot, CostToCome: costToCome, Station: parent}
	s.updateOptimalParent()
}

func (s *Station) UpdateRightParent(snapshot *traffic.Snapshot, costToCome float64, parent *Station) {
	s.rightParent = &ParentLink{Snapshot: snapshot, CostToCome: costToCome, Station: parent}
	s.updateOptimalParent()
}

func (s *Station) UpdateFrontChild(p *path.ContinuousPath, stageCost float64, child *Station) {
	s.frontChild = &ChildLink{Path: p, StageCost: stageCost, Station: child}
}

func (s *Station) UpdateLeftChild(p *path.ContinuousPath, stageCost float64, child *Station) {
	s.leftChild = &ChildLink{Path: p, StageCost: stageCost, Station: child}
}

func (s *Station) UpdateRightChild(p *path.ContinuousPath, stageCost float64, child *Station) {
	s.rightChild = &ChildLink{Path: p, StageCost: stageCost, Station: child}
}

func (s *Station) String() string {
	out := fmt.Sprintf("station %d\n", s.ID())
	appendParent := func(name string, p *ParentLink) {
		if p == nil {
			out += name + ":\n"
			return
		}
		out += fmt.Sprintf("%s: id:%d cost to come:%.3f\n", name, p.Station.ID(), p.CostToCome)
	}
	appendParent("back parent", s.backParent)
	appendParent("left parent", s.leftParent)
	appendParent("right parent", s.rightParent)
	appendParent("optimal parent", s.optimalParent)

	appendChild := func(name string, c *ChildLink) {
		if c == nil {
			out += name + ":\n"
			return
		}
		out += fmt.Sprintf("%s: id:%d path length:%.2f stage cost:%.3f\n",
			name, c.Station.ID(), c.Path.Range(), c.StageCost)
	}
	appendChild("front child", s.frontChild)
	appendChild("left child", s.leftChild)
	appendChild("right child", s.rightChild)
	return out
}
