package stplanner

import (
	"errors"
	"fmt"
	"math"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/follow"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/geo"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/lattice"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/path"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/roadmap"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/router"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/sim"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/traffic"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/util"
)

var (
	ErrWrongEgo              = errors.New("planner can only plan for the snapshot ego")
	ErrNoReachableNextVertex = errors.New("the ego cannot reach any immediate next vertex")
	ErrNoTerminal            = errors.New("no terminal vertex in the graph")
)

// accelerationOptions are the constant ego accelerations tried per edge, in
// the declared order.
var accelerationOptions = [6]float64{-8, -4, -2, -1, 0, 1}

const (
	latticeResolution = 1.0
	latticeExtraRange = 30.0
	historyBehind     = 5.0

	expansionReach        = 50.0
	simulationHorizon     = 5.0
	laneChangeMinDistance = 20.0
	lateralGate           = 0.5
	reachedThreshold      = 0.5
)

var speedCostTable = map[int]float64{
	0: 4, 1: 4, 2: 4, 3: 3, 4: 3,
	5: 2, 6: 2, 7: 1, 8: 1, 9: 0,
}

var distanceCostTable = map[int]float64{
	0: 20, 1: 20, 2: 20, 3: 20, 4: 20,
	5: 20, 6: 20, 7: 20, 8: 10, 9: 5,
}

// TrajectorySegment is one edge of the planned trajectory: the continuous
// path plus the constant acceleration held over it.
type TrajectorySegment struct {
	Path         *path.ContinuousPath
	Acceleration float64
}

// Config carries the planner tuning knobs.
type Config struct {
	SimTimeStep    float64
	SpatialHorizon float64
}

// Planner is the spatiotemporal lattice search: vertices discretize the ego
// speed per station, and every edge holds one constant acceleration out of a
// fixed option set.
type Planner struct {
	cfg Config

	m   *roadmap.Map
	fm  *roadmap.FastWaypointMap
	rt  router.Router
	idm follow.Model

	wl         *lattice.WaypointLattice
	vertices   map[int64]*[NumSpeedIntervals]*Vertex
	root       *Vertex
	cachedNext *Vertex
}

func New(cfg Config, rt router.Router, m *roadmap.Map, fm *roadmap.FastWaypointMap, idm follow.Model) (*Planner, error) {
	if cfg.SimTimeStep <= 0 {
		return nil, fmt.Errorf("planner: non-positive sim time step %f", cfg.SimTimeStep)
	}
	if cfg.SpatialHorizon <= expansionReach {
		return nil, fmt.Errorf("planner: spatial horizon %f must exceed the expansion reach %f",
			cfg.SpatialHorizon, expansionReach)
	}
	return &Planner{
		cfg:      cfg,
		m:        m,
		fm:       fm,
		rt:       rt,
		idm:      idm,
		vertices: make(map[int64]*[NumSpeedIntervals]*Vertex),
	}, nil
}

// Reset drops all planner state; the next plan starts fresh.
func (p *Planner) Reset() {
	p.wl = nil
	p.vertices = make(map[int64]*[NumSpeedIntervals]*Vertex)
	p.root = nil
	p.cachedNext = nil
}

func (p *Planner) WaypointLattice() *lattice.WaypointLattice { return p.wl }
func (p *Planner) RootVertex() *Vertex { return p.root }

func (p *Planner) findVertex(nodeID int64, interval int) *Vertex {
	slots := p.vertices[nodeID]
	if slots == nil {
		return nil
	}
	return slots[interval]
}

func (p *Planner) addVertex(v *Vertex) {
	slots := p.vertices[v.ID()]
	if slots == nil {
		slots = &[NumSpeedIntervals]*Vertex{}
		p.vertices[v.ID()] = slots
	}
	slots[v.SpeedInterval()] = v
}

// allVertices walks the table in (node id, interval) order.
func (p *Planner) allVertices() []*Vertex {
	var out []*Vertex
	for _, id := range util.SortedKeys(p.vertices) {
		for i := 0; i < NumSpeedIntervals; i++ {
			if v := p.vertices[id][i]; v != nil {
				out = append(out, v)
			}
		}
	}
	return out
}

// Nodes returns the waypoint nodes of the constructed vertices in id order.
func (p *Planner) Nodes() []*lattice.Node[struct{}] {
	var nodes []*lattice.Node[struct{}]
	seen := make(map[int64]struct{})
	for _, v := range p.allVertices() {
		if _, ok := seen[v.ID()]; ok {
			continue
		}
		seen[v.ID()] = struct{}{}
		nodes = append(nodes, v.Node())
	}
	return nodes
}

// Edges returns the continuous paths between the constructed vertices.
func (p *Planner) Edges() []*path.ContinuousPath {
	var paths []*path.ContinuousPath
	for _, v := range p.allVertices() {
		for _, child := range v.Children() {
			paths = append(paths, child.Path)
		}
	}
	return paths
}

// PlanPath runs one tick and concatenates the optimal trajectory's path
// segments into a single discrete path.
func (p *Planner) PlanPath(ego int64, snapshot *traffic.Snapshot) (*path.DiscretePath, error) {
	traj, err := p.PlanTraj(ego, snapshot)
	if err != nil {
		return nil, err
	}
	merged := path.NewDiscretePath(traj[0].Path, path.DefaultSampleInterval)
	for _, segment := range traj[1:] {
		if err := merged.Append(segment.Path); err != nil {
			p.Reset()
			return nil, err
		}
	}
	return merged, nil
}

// PlanTraj runs one planning tick and returns the optimal trajectory as
// (path, acceleration) segments. On a fatal error the planner resets itself.
func (p *Planner) PlanTraj(ego int64, snapshot *traffic.Snapshot) ([]TrajectorySegment, error) {
	if ego != snapshot.Ego().ID {
		return nil, fmt.Errorf("%w: target vehicle:%d ego vehicle:%d",
			ErrWrongEgo, ego, snapshot.Ego().ID)
	}

	// The reached predicate is pinned before the lattice shifts: the shift
	// rebases node distances and would invalidate a second evaluation.
	reached := p.immediateNextVertexReached(snapshot)

	if err := p.updateWaypointLattice(snapshot, reached); err != nil {
		p.Reset()
		return nil, err
	}

	queue, err := p.pruneVertexGraph(snapshot, reached)
	if err != nil {
		p.Reset()
		return nil, err
	}
	if len(queue) == 0 {
		p.Reset()
		return nil, fmt.Errorf("%w\ninput snapshot:\n%s", ErrNoReachableNextVertex, snapshot)
	}

	p.constructVertexGraph(queue)

	traj, vertices, err := p.selectOptimalTraj()
	if err != nil {
		p.Reset()
		return nil, err
	}

	p.cachedNext = vertices[1]
	return traj, nil
}

func (p *Planner) immediateNextVertexReached(snapshot *traffic.Snapshot) bool {
	if p.cachedNext == nil {
		return false
	}
	egoNode := p.wl.ClosestNode(
		p.fm.Waypoint(snapshot.Ego().Transform.Location),
		p.wl.LongitudinalResolution())
	if egoNode == nil {
		return false
	}
	return p.cachedNext.Node().Distance()-egoNode.Distance() < reachedThreshold
}

func (p *Planner) updateWaypointLattice(snapshot *traffic.Snapshot, reached bool) error {
	if p.wl == nil {
		egoWaypoint := p.fm.Waypoint(snapshot.Ego().Transform.Location)
		if egoWaypoint == nil {
			return fmt.Errorf("planner: ego location is off the mapped network: %s", snapshot.Ego())
		}
		wl, err := lattice.NewWaypointLattice(
			egoWaypoint, p.cfg.SpatialHorizon+latticeExtraRange, latticeResolution, p.rt)
		if err != nil {
			return err
		}
		p.wl = wl
		return nil
	}

	if reached {
		egoNode := p.wl.ClosestNode(
			p.fm.Waypoint(snapshot.Ego().Transform.Location),
			p.wl.LongitudinalResolution())
		if egoNode == nil {
			return fmt.Errorf("planner: ego left the waypoint lattice: %s", snapshot.Ego())
		}
		if shift := egoNode.Distance() - historyBehind; shift > 0 {
			if err := p.wl.Shift(shift); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Planner) pruneVertexGraph(snapshot *traffic.Snapshot, reached bool) ([]*Vertex, error) {
	if p.root == nil || reached {
		p.vertices = make(map[int64]*[NumSpeedIntervals]*Vertex)
		root, err := NewVertex(snapshot, p.wl, p.fm)
		if err != nil {
			return nil, err
		}
		p.addVertex(root)
		p.root = root
		return []*Vertex{root}, nil
	}

	newRoot, err := NewVertex(snapshot, p.wl, p.fm)
	if err != nil {
		return nil, err
	}

	distance := p.cachedNext.Node().Distance() - newRoot.Node().Distance()
	rootWaypoint := newRoot.Node().Waypoint()
	frontNode, _ := p.wl.Front(rootWaypoint, distance)
	leftFrontNode, _ := p.wl.FrontLeft(rootWaypoint, distance)
	rightFrontNode, _ := p.wl.FrontRight(rootWaypoint, distance)

	p.vertices = make(map[int64]*[NumSpeedIntervals]*Vertex)
	p.root = newRoot
	p.addVertex(newRoot)

	var queue []*Vertex
	keep := func(fresh []*Vertex, target *lattice.Node[struct{}]) {
		if target == nil {
			return
		}
		for _, v := range fresh {
			if v.ID() == target.ID() {
				queue = append(queue, v)
			}
		}
	}
	keep(p.connectVertexToFrontNode(newRoot, frontNode), frontNode)
	keep(p.connectVertexToLeftFrontNode(newRoot, leftFrontNode), leftFrontNode)
	keep(p.connectVertexToRightFrontNode(newRoot, rightFrontNode), rightFrontNode)
	return queue, nil
}

// constructVertexGraph expands the frontier breadth first: front before left
// front before right front, accelerations in declared order.
func (p *Planner) constructVertexGraph(queue []*Vertex) {
	enqueue := func(fresh []*Vertex, target *lattice.Node[struct{}]) {
		if target == nil {
			return
		}
		for _, v := range fresh {
			if v.ID() == target.ID() {
				queue = append(queue, v)
			}
		}
	}

	for len(queue) > 0 {
		vertex := queue[0]
		queue = queue[1:]
		waypoint := vertex.Node().Waypoint()

		frontNode, _ := p.wl.Front(waypoint, expansionReach)
		enqueue(p.connectVertexToFrontNode(vertex, frontNode), frontNode)

		leftFrontNode, _ := p.wl.FrontLeft(waypoint, expansionReach)
		enqueue(p.connectVertexToLeftFrontNode(vertex, leftFrontNode), leftFrontNode)

		rightFrontNode, _ := p.wl.FrontRight(waypoint, expansionReach)
		enqueue(p.connectVertexToRightFrontNode(vertex, rightFrontNode), rightFrontNode)
	}
}

type direction int

const (
	dirFront direction = iota
	dirLeft
	dirRight
)

// connectVertex tries every acceleration option over the synthesized path
// toward the target node. Returns the vertices newly added to the table.
func (p *Planner) connectVertex(vertex *Vertex, target *lattice.Node[struct{}], laneChange path.LaneChangeType, dir direction) []*Vertex {
	ego := vertex.Snapshot().Ego()
	cp, err := path.NewContinuousPath(
		path.BoundaryPose{Transform: ego.Transform, Curvature: ego.Curvature},
		path.BoundaryPose{Transform: target.Waypoint().Transform, Curvature: target.Waypoint().Curvature},
		laneChange)
	if err != nil {
		return nil
	}

	var fresh []*Vertex
	for _, accel := range accelerationOptions {
		snapshot, err := vertex.Snapshot().WithEgoAcceleration(accel)
		if err != nil {
			continue
		}
		simulator, err := sim.New(snapshot, sim.NewConstantAccel(p.idm))
		if err != nil {
			continue
		}
		_, stageCost, noCollision, err := simulator.Simulate(cp, p.cfg.SimTimeStep, simulationHorizon)
		if err != nil || !noCollision {
			continue
		}

		next, err := NewVertex(simulator.Snapshot(), p.wl, p.fm)
		if err != nil {
			// Rejects vertices whose resulting ego speed left the valid
			// intervals, among other anchoring failures.
			continue
		}
		if existing := p.findVertex(next.ID(), next.SpeedInterval()); existing != nil {
			next = existing
		} else {
			p.addVertex(next)
			fresh = append(fresh, next)
		}

		arrival := simulator.Snapshot()
		costToCome := vertex.CostToCome() + stageCost
		switch dir {
		case dirFront:
			vertex.UpdateFrontChild(cp, accel, stageCost, next)
			next.UpdateBackParent(arrival, costToCome, vertex)
		case dirLeft:
			vertex.UpdateLeftChild(cp, accel, stageCost, next)
			next.UpdateRightParent(arrival, costToCome, vertex)
		case dirRight:
			vertex.UpdateRightChild(cp, accel, stageCost, next)
			next.UpdateLeftParent(arrival, costToCome, vertex)
		}
	}
	return fresh
}

func (p *Planner) connectVertexToFrontNode(vertex *Vertex, target *lattice.Node[struct{}]) []*Vertex {
	if target == nil {
		return nil
	}
	return p.connectVertex(vertex, target, path.KeepLane, dirFront)
}

func (p *Planner) connectVertexToLeftFrontNode(vertex *Vertex, target *lattice.Node[struct{}]) []*Vertex {
	if target == nil {
		return nil
	}
	if target.Distance()-vertex.Node().Distance() < laneChangeMinDistance {
		return nil
	}
	if geo.LateralOffset(
		vertex.Snapshot().Ego().Transform.Location,
		vertex.Node().Waypoint().Transform) > lateralGate {
		return nil
	}

	egoID := vertex.Snapshot().Ego().ID
	leftFront, err := vertex.Snapshot().TrafficLattice().LeftFront(egoID)
	if err != nil {
		return nil
	}
	leftBack, err := vertex.Snapshot().TrafficLattice().LeftBack(egoID)
	if err != nil {
		return nil
	}
	if leftFront != nil && leftFront.Distance <= 0 {
		return nil
	}
	if leftBack != nil && leftBack.Distance <= 0 {
		return nil
	}
	return p.connectVertex(vertex, target, path.LeftLaneChange, dirLeft)
}

func (p *Planner) connectVertexToRightFrontNode(vertex *Vertex, target *lattice.Node[struct{}]) []*Vertex {
	if target == nil {
		return nil
	}
	if target.Distance()-vertex.Node().Distance() < laneChangeMinDistance {
		return nil
	}
	if geo.LateralOffset(
		vertex.Snapshot().Ego().Transform.Location,
		vertex.Node().Waypoint().Transform) < -lateralGate {
		return nil
	}

	egoID := vertex.Snapshot().Ego().ID
	rightFront, err := vertex.Snapshot().TrafficLattice().RightFront(egoID)
	if err != nil {
		return nil
	}
	rightBack, err := vertex.Snapshot().TrafficLattice().RightBack(egoID)
	if err != nil {
		return nil
	}
	if rightFront != nil && rightFront.Distance <= 0 {
		return nil
	}
	if rightBack != nil && rightBack.Distance <= 0 {
		return nil
	}
	return p.connectVertex(vertex, target, path.RightLaneChange, dirRight)
}

func (p *Planner) terminalSpeedCost(vertex *Vertex) (float64, error) {
	if vertex.HasChild() {
		return 0, fmt.Errorf("terminalSpeedCost: vertex %d is not a terminal", vertex.ID())
	}
	speed := vertex.Snapshot().Ego().Speed
	policy := vertex.Snapshot().Ego().PolicySpeed
	if speed < 0 || policy < 0 {
		return 0, fmt.Errorf("terminalSpeedCost: negative speed %f or policy speed %f", speed, policy)
	}
	if policy == 0 {
		return speedCostTable[0], nil
	}
	ratio := speed / policy
	if ratio >= 1 {
		return 0, nil
	}
	return speedCostTable[int(ratio*10)], nil
}

func (p *Planner) terminalDistanceCost(vertex *Vertex) (float64, error) {
	if vertex.HasChild() {
		return 0, fmt.Errorf("terminalDistanceCost: vertex %d is not a terminal", vertex.ID())
	}

	horizon := p.cfg.SpatialHorizon - expansionReach
	if children := p.root.Children(); len(children) > 0 {
		horizon += children[0].Vertex.Node().Distance() - p.root.Node().Distance()
	}
	if horizon <= 0 {
		return 0, nil
	}

	distance := vertex.Node().Distance() - p.root.Node().Distance()
	ratio := distance / horizon
	if ratio >= 1 {
		return 0, nil
	}
	if ratio < 0 {
		ratio = 0
	}
	return distanceCostTable[int(ratio*10)], nil
}

func (p *Planner) costFromRootToTerminal(terminal *Vertex) (float64, error) {
	speedCost, err := p.terminalSpeedCost(terminal)
	if err != nil {
		return 0, err
	}
	distanceCost, err := p.terminalDistanceCost(terminal)
	if err != nil {
		return 0, err
	}
	return terminal.CostToCome() + speedCost + distanceCost, nil
}

// selectOptimalTraj picks the minimum-cost terminal vertex and traces its
// optimal-parent chain back to the root.
func (p *Planner) selectOptimalTraj() ([]TrajectorySegment, []*Vertex, error) {
	var optimal *Vertex
	optimalCost := math.Inf(1)
	for _, vertex := range p.allVertices() {
		if vertex.HasChild() {
			continue
		}
		cost, err := p.costFromRootToTerminal(vertex)
		if err != nil {
			return nil, nil, err
		}
		if cost < optimalCost {
			optimal = vertex
			optimalCost = cost
		}
	}

	if optimal == nil {
		return nil, nil, fmt.Errorf("%w", ErrNoTerminal)
	}
	if !optimal.HasParent() {
		return nil, nil, fmt.Errorf("%w: the graph only has the root vertex", ErrNoTerminal)
	}

	var traj []TrajectorySegment
	vertices := []*Vertex{optimal}

	vertex := optimal
	for vertex.HasParent() {
		parent := vertex.OptimalParent().Vertex
		if parent == nil {
			return nil, nil, fmt.Errorf("selectOptimalTraj: missing parent tracing back from vertex %d", vertex.ID())
		}
		segment, err := findTrajFromParentToChild(parent, vertex)
		if err != nil {
			return nil, nil, err
		}
		traj = append([]TrajectorySegment{segment}, traj...)
		vertices = append([]*Vertex{parent}, vertices...)
		vertex = parent
	}

	return traj, vertices, nil
}

// findTrajFromParentToChild resolves the edge annotation between two linked
// vertices.
func findTrajFromParentToChild(parent, child *Vertex) (TrajectorySegment, error) {
	for _, link := range parent.Children() {
		if link.Vertex == child {
			return TrajectorySegment{Path: link.Path, Acceleration: link.Acceleration}, nil
		}
	}
	return TrajectorySegment{}, fmt.Errorf(
		"findTrajFromParentToChild: vertex %d is not a child of vertex %d", child.ID(), parent.ID())
}
