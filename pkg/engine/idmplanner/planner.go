package idmplanner

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
	ErrWrongEgo               = errors.New("planner can only plan for the snapshot ego")
	ErrNoReachableNextStation = errors.New("the ego cannot reach any immediate next station")
	ErrNoTerminal             = errors.New("no terminal station in the graph")
)

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

// Config carries the planner tuning knobs.
type Config struct {
	SimTimeStep    float64
	SpatialHorizon float64
}

// Planner searches a station graph over the waypoint lattice: every
// expansion forward-simulates the traffic with the ego under car-following
// along a synthesized path, and the minimum-cost terminal is traced back
// into the returned path.
type Planner struct {
	cfg Config

	m   *roadmap.Map
	fm  *roadmap.FastWaypointMap
	rt  router.Router
	idm follow.Model

	wl         *lattice.WaypointLattice
	stations   map[int64]*Station
	root       *Station
	cachedNext *Station
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
		stations: make(map[int64]*Station),
	}, nil
}

// Reset drops all planner state; the next PlanPath starts fresh.
func (p *Planner) Reset() {
	p.wl = nil
	p.stations = make(map[int64]*Station)
	p.root = nil
	p.cachedNext = nil
}

func (p *Planner) WaypointLattice() *lattice.WaypointLattice { return p.wl }
func (p *Planner) RootStation() *Station { return p.root }

// Nodes returns the waypoint nodes of all constructed stations in id order.
func (p *Planner) Nodes() []*lattice.Node[struct{}] {
	nodes := make([]*lattice.Node[struct{}], 0, len(p.stations))
	for _, id := range util.SortedKeys(p.stations) {
		nodes = append(nodes, p.stations[id].Node())
	}
	return nodes
}

// Edges returns the continuous paths between the constructed stations.
func (p *Planner) Edges() []*path.ContinuousPath {
	var paths []*path.ContinuousPath
	for _, id := range util.SortedKeys(p.stations) {
		st := p.stations[id]
		for _, child := range []*ChildLink{st.FrontChild(), st.LeftChild(), st.RightChild()} {
			if child != nil {
				paths = append(paths, child.Path)
			}
		}
	}
	return paths
}

// PlanPath runs one planning tick and returns the discrete path to the
// minimum-cost terminal. On a fatal error the planner resets itself; the
// caller retries on the next tick.
func (p *Planner) PlanPath(ego int64, snapshot *traffic.Snapshot) (*path.DiscretePath, error) {
	if ego != snapshot.Ego().ID {
		return nil, fmt.Errorf("%w: target vehicle:%d ego vehicle:%d",
			ErrWrongEgo, ego, snapshot.Ego().ID)
	}

	// The reached predicate is pinned before the lattice shifts: the shift
	// rebases node distances and would invalidate a second evaluation.
	reached := p.immediateNextStationReached(snapshot)

	if err := p.updateWaypointLattice(snapshot, reached); err != nil {
		p.Reset()
		return nil, err
	}

	queue, err := p.pruneStationGraph(snapshot, reached)
	if err != nil {
		p.Reset()
		return nil, err
	}
	if len(queue) == 0 {
		p.Reset()
		return nil, fmt.Errorf("%w\ninput snapshot:\n%s", ErrNoReachableNextStation, snapshot)
	}

	p.constructStationGraph(queue)

	paths, stations, err := p.selectOptimalPath()
	if err != nil {
		p.Reset()
		return nil, err
	}

	p.cachedNext = stations[1]

	merged, err := mergePaths(paths)
	if err != nil {
		p.Reset()
		return nil, err
	}
	return merged, nil
}

// immediateNextStationReached holds when the ego has closed to within the
// reached threshold of the committed next station. A non-positive gap also
// counts: the ego travelling beyond the target must never stall the lattice
// shift.
func (p *Planner) immediateNextStationReached(snapshot *traffic.Snapshot) bool {
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

// pruneStationGraph rebuilds the station table for this tick. A fresh root
// is created either on the first call or once the committed next station has
// been reached; otherwise the root's three immediate children are
// re-synthesized toward the same target nodes as last tick.
func (p *Planner) pruneStationGraph(snapshot *traffic.Snapshot, reached bool) ([]*Station, error) {
	if p.root == nil || reached {
		p.stations = make(map[int64]*Station)
		root, err := NewStation(snapshot, p.wl, p.fm)
		if err != nil {
			return nil, err
		}
		p.stations[root.ID()] = root
		p.root = root
		return []*Station{root}, nil
	}

	newRoot, err := NewStation(snapshot, p.wl, p.fm)
	if err != nil {
		return nil, err
	}

	distance := p.cachedNext.Node().Distance() - newRoot.Node().Distance()
	rootWaypoint := newRoot.Node().Waypoint()
	frontNode, _ := p.wl.Front(rootWaypoint, distance)
	leftFrontNode, _ := p.wl.FrontLeft(rootWaypoint, distance)
	rightFrontNode, _ := p.wl.FrontRight(rootWaypoint, distance)

	p.stations = make(map[int64]*Station)

	frontStation := p.connectStationToFrontNode(newRoot, frontNode)
	leftFrontStation := p.connectStationToLeftFrontNode(newRoot, leftFrontNode)
	rightFrontStation := p.connectStationToRightFrontNode(newRoot, rightFrontNode)

	p.root = newRoot
	p.stations[newRoot.ID()] = newRoot

	var queue []*Station
	keep := func(station *Station, target *lattice.Node[struct{}]) {
		if station == nil {
			return
		}
		p.stations[station.ID()] = station
		if target != nil && station.ID() == target.ID() {
			queue = append(queue, station)
		}
	}
	keep(frontStation, frontNode)
	keep(leftFrontStation, leftFrontNode)
	keep(rightFrontStation, rightFrontNode)
	return queue, nil
}

// constructStationGraph expands the frontier breadth first: front before
// left front before right front.
func (p *Planner) constructStationGraph(queue []*Station) {
	addToTableAndQueue := func(station *Station, target *lattice.Node[struct{}]) {
		if station == nil || target == nil {
			return
		}
		if _, ok := p.stations[station.ID()]; ok {
			return
		}
		p.stations[station.ID()] = station
		if station.ID() == target.ID() {
			queue = append(queue, station)
		}
	}

	for len(queue) > 0 {
		station := queue[0]
		queue = queue[1:]
		waypoint := station.Node().Waypoint()

		frontNode, _ := p.wl.Front(waypoint, expansionReach)
		addToTableAndQueue(p.connectStationToFrontNode(station, frontNode), frontNode)

		leftFrontNode, _ := p.wl.FrontLeft(waypoint, expansionReach)
		addToTableAndQueue(p.connectStationToLeftFrontNode(station, leftFrontNode), leftFrontNode)

		rightFrontNode, _ := p.wl.FrontRight(waypoint, expansionReach)
		addToTableAndQueue(p.connectStationToRightFrontNode(station, rightFrontNode), rightFrontNode)
	}
}

// synthesizeAndSimulate is the shared tail of every connection attempt: plan
// the continuous path, roll the traffic forward along it, and produce (or
// look up) the child station. Any expected local failure drops the option.
func (p *Planner) synthesizeAndSimulate(
	station *Station,
	target *lattice.Node[struct{}],
	laneChange path.LaneChangeType,
) (*Station, *traffic.Snapshot, *path.ContinuousPath, float64) {

	ego := station.Snapshot().Ego()
	cp, err := path.NewContinuousPath(
		path.BoundaryPose{Transform: ego.Transform, Curvature: ego.Curvature},
		path.BoundaryPose{Transform: target.Waypoint().Transform, Curvature: target.Waypoint().Curvature},
		laneChange)
	if err != nil {
		return nil, nil, nil, 0
	}

	simulator, err := sim.New(station.Snapshot(), sim.NewCarFollowing(p.idm))
	if err != nil {
		return nil, nil, nil, 0
	}
	_, stageCost, noCollision, err := simulator.Simulate(cp, p.cfg.SimTimeStep, simulationHorizon)
	if err != nil || !noCollision {
		return nil, nil, nil, 0
	}

	next, err := NewStation(simulator.Snapshot(), p.wl, p.fm)
	if err != nil {
		return nil, nil, nil, 0
	}
	if existing := p.stations[next.ID()]; existing != nil {
		next = existing
	}
	return next, simulator.Snapshot(), cp, stageCost
}

func (p *Planner) connectStationToFrontNode(station *Station, target *lattice.Node[struct{}]) *Station {
	if target == nil {
		return nil
	}

	next, arrival, cp, stageCost := p.synthesizeAndSimulate(station, target, path.KeepLane)
	if next == nil {
		return nil
	}

	station.UpdateFrontChild(cp, stageCost, next)
	next.UpdateBackParent(arrival, station.CostToCome()+stageCost, station)
	return next
}

func (p *Planner) connectStationToLeftFrontNode(station *Station, target *lattice.Node[struct{}]) *Station {
	if target == nil {
		return nil
	}
	if target.Distance()-station.Node().Distance() < laneChangeMinDistance {
		return nil
	}
	// An ego already drifting right of the lane centre must not cut left.
	if geo.LateralOffset(
		station.Snapshot().Ego().Transform.Location,
		station.Node().Waypoint().Transform) > lateralGate {
		return nil
	}

	egoID := station.Snapshot().Ego().ID
	leftFront, err := station.Snapshot().TrafficLattice().LeftFront(egoID)
	if err != nil {
		return nil
	}
	leftBack, err := station.Snapshot().TrafficLattice().LeftBack(egoID)
	if err != nil {
		return nil
	}
	if leftFront != nil && leftFront.Distance <= 0 {
		return nil
	}
	if leftBack != nil && leftBack.Distance <= 0 {
		return nil
	}

	next, arrival, cp, stageCost := p.synthesizeAndSimulate(station, target, path.LeftLaneChange)
	if next == nil {
		return nil
	}

	station.UpdateLeftChild(cp, stageCost, next)
	next.UpdateRightParent(arrival, station.CostToCome()+stageCost, station)
	return next
}

func (p *Planner) connectStationToRightFrontNode(station *Station, target *lattice.Node[struct{}]) *Station {
	if target == nil {
		return nil
	}
	if target.Distance()-station.Node().Distance() < laneChangeMinDistance {
		return nil
	}
	// An ego already drifting left of the lane centre must not cut right.
	if geo.LateralOffset(
		station.Snapshot().Ego().Transform.Location,
		station.Node().Waypoint().Transform) < -lateralGate {
		return nil
	}

	egoID := station.Snapshot().Ego().ID
	rightFront, err := station.Snapshot().TrafficLattice().RightFront(egoID)
	if err != nil {
		return nil
	}
	rightBack, err := station.Snapshot().TrafficLattice().RightBack(egoID)
	if err != nil {
		return nil
	}
	if rightFront != nil && rightFront.Distance <= 0 {
		return nil
	}
	if rightBack != nil && rightBack.Distance <= 0 {
		return nil
	}

	next, arrival, cp, stageCost := p.synthesizeAndSimulate(station, target, path.RightLaneChange)
	if next == nil {
		return nil
	}

	station.UpdateRightChild(cp, stageCost, next)
	next.UpdateLeftParent(arrival, station.CostToCome()+stageCost, station)
	return next
}

// terminalSpeedCost penalizes terminals whose ego speed falls short of the
// policy speed, bucketed by tenths of the speed ratio.
func (p *Planner) terminalSpeedCost(station *Station) (float64, error) {
	if station.HasChild() {
		return 0, fmt.Errorf("terminalSpeedCost: station %d is not a terminal", station.ID())
	}
	speed := station.Snapshot().Ego().Speed
	policy := station.Snapshot().Ego().PolicySpeed
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

// terminalDistanceCost penalizes terminals far short of the spatial horizon,
// bucketed by tenths of the reach ratio.
func (p *Planner) terminalDistanceCost(station *Station) (float64, error) {
	if station.HasChild() {
		return 0, fmt.Errorf("terminalDistanceCost: station %d is not a terminal", station.ID())
	}

	horizon := p.cfg.SpatialHorizon - expansionReach
	for _, child := range []*ChildLink{p.root.FrontChild(), p.root.LeftChild(), p.root.RightChild()} {
		if child != nil {
			horizon += child.Station.Node().Distance() - p.root.Node().Distance()
			break
		}
	}
	if horizon <= 0 {
		return 0, nil
	}

	distance := station.Node().Distance() - p.root.Node().Distance()
	ratio := distance / horizon
	if ratio >= 1 {
		return 0, nil
	}
	if ratio < 0 {
		ratio = 0
	}
	return distanceCostTable[int(ratio*10)], nil
}

func (p *Planner) costFromRootToTerminal(terminal *Station) (float64, error) {
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

// selectOptimalPath picks the minimum-cost terminal and traces its
// optimal-parent chain back to the root.
func (p *Planner) selectOptimalPath() ([]*path.ContinuousPath, []*Station, error) {
	var optimal *Station
	optimalCost := math.Inf(1)
	for _, id := range util.SortedKeys(p.stations) {
		station := p.stations[id]
		if station.HasChild() {
			continue
		}
		cost, err := p.costFromRootToTerminal(station)
		if err != nil {
			return nil, nil, err
		}
		if cost < optimalCost {
			optimal = station
			optimalCost = cost
		}
	}

	if optimal == nil {
		return nil, nil, fmt.Errorf("%w", ErrNoTerminal)
	}
	if !optimal.HasParent() {
		return nil, nil, fmt.Errorf("%w: the graph only has the root station", ErrNoTerminal)
	}

	var paths []*path.ContinuousPath
	stations := []*Station{optimal}

	station := optimal
	for station.HasParent() {
		parent := station.OptimalParent().Station
		if parent == nil {
			return nil, nil, fmt.Errorf("selectOptimalPath: missing parent tracing back from station %d", station.ID())
		}

		var edge *ChildLink
		for _, child := range []*ChildLink{parent.FrontChild(), parent.LeftChild(), parent.RightChild()} {
			if child != nil && child.Station.ID() == station.ID() {
				edge = child
				break
			}
		}
		if edge == nil {
			return nil, nil, fmt.Errorf(
				"selectOptimalPath: parent %d has no edge to station %d", parent.ID(), station.ID())
		}

		paths = append([]*path.ContinuousPath{edge.Path}, paths...)
		stations = append([]*Station{parent}, stations...)
		station = parent
	}

	return paths, stations, nil
}

func mergePaths(paths []*path.ContinuousPath) (*path.DiscretePath, error) {
	merged := path.NewDiscretePath(paths[0], path.DefaultSampleInterval)
	for _, cp := range paths[1:] {
		if err := merged.Append(cp); err != nil {
			return nil, err
		}
	}
	return merged, nil
}
