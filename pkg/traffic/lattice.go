package traffic

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/lattice"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/roadmap"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/router"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/util"
)

var (
	ErrCollision            = errors.New("collision detected within the given vehicles")
	ErrSetMismatch          = errors.New("update vehicles do not match existing vehicles")
	ErrRoadsNotOnLocalChain = errors.New("some roads cannot be sorted onto the local road chain")
	ErrTopologyMismatch     = errors.New("cannot match the front node to the head node")
	ErrVehicleNotOnLattice  = errors.New("vehicle is not on lattice")
)

const (
	trafficResolution = 1.0
	offRoadPadding    = 5.0
	maxChainExpand    = 8
)

// Occupant marks a lattice node as claimed by a vehicle body.
type Occupant struct {
	Vehicle  int64
	Occupied bool
}

// Node is a waypoint-lattice node that can carry a vehicle occupant.
type Node = lattice.Node[Occupant]

// Neighbor is the result of a relational query: a vehicle id and the signed
// longitudinal gap to it. Negative distances (overlapping bodies across
// lanes) are legal.
type Neighbor struct {
	Vehicle  int64
	Distance float64
}

// bodyWaypoints holds the rear, mid, and head waypoints of one vehicle, in
// that order. Entries are nil when the map lookup failed.
type bodyWaypoints [3]*roadmap.Waypoint

// Lattice overlays vehicle occupancy on a waypoint lattice and answers
// spatial relational queries between the registered vehicles.
type Lattice struct {
	lat *lattice.Lattice[Occupant]

	m  *roadmap.Map
	fm *roadmap.FastWaypointMap
	rt router.Router

	vehicleNodes map[int64][]*Node
}

// NewLattice builds a traffic lattice covering the span of the given
// vehicles and registers each of them. Vehicles whose body cannot be snapped
// onto the lattice are dropped and returned as disappeared. A collision
// between the input vehicles fails construction.
func NewLattice(placements []Placement, m *roadmap.Map, fm *roadmap.FastWaypointMap, rt router.Router) (*Lattice, []int64, error) {
	waypoints := vehicleWaypoints(placements, fm)

	start, rng, err := latticeStartAndRange(placements, waypoints, m, rt)
	if err != nil {
		return nil, nil, err
	}

	lat, err := lattice.New[Occupant](start, rng, trafficResolution, rt)
	if err != nil {
		return nil, nil, err
	}

	l := &Lattice{
		lat:          lat,
		m:            m,
		fm:           fm,
		rt:           rt,
		vehicleNodes: make(map[int64][]*Node),
	}

	disappeared, ok := l.registerVehicles(placements, waypoints)
	if !ok {
		return nil, nil, collisionError(placements)
	}
	return l, disappeared, nil
}

func collisionError(placements []Placement) error {
	msg := ""
	for _, p := range placements {
		msg += "\n" + p.String()
	}
	return fmt.Errorf("%w:%s", ErrCollision, msg)
}

func (l *Lattice) Resolution() float64 { return l.lat.LongitudinalResolution() }
func (l *Lattice) Range() float64 { return l.lat.Range() }

// Base exposes the underlying waypoint lattice for read-only queries.
func (l *Lattice) Base() *lattice.Lattice[Occupant] { return l.lat }

// Vehicles returns the registered vehicle ids in ascending order.
func (l *Lattice) Vehicles() []int64 {
	return util.SortedKeys(l.vehicleNodes)
}

func (l *Lattice) HasVehicle(id int64) bool {
	_, ok := l.vehicleNodes[id]
	return ok
}

// VehicleNodes returns the occupied node run of a registered vehicle,
// ordered rear to head.
func (l *Lattice) VehicleNodes(id int64) []*Node {
	return l.vehicleNodes[id]
}

func (l *Lattice) rearNode(id int64) *Node {
	nodes := l.vehicleNodes[id]
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

func (l *Lattice) headNode(id int64) *Node {
	nodes := l.vehicleNodes[id]
	if len(nodes) == 0 {
		return nil
	}
	return nodes[len(nodes)-1]
}

// vehicleWaypoints projects the rear, centre, and head of every placement
// through its yaw and snaps each point onto the map.
func vehicleWaypoints(placements []Placement, fm *roadmap.FastWaypointMap) map[int64]bodyWaypoints {
	waypoints := make(map[int64]bodyWaypoints, len(placements))
	for _, p := range placements {
		waypoints[p.ID] = bodyWaypoints{
			fm.Waypoint(p.RearLocation()),
			fm.Waypoint(p.Transform.Location),
			fm.Waypoint(p.HeadLocation()),
		}
	}
	return waypoints
}

// latticeStartAndRange sorts the vehicles' waypoints along the router's road
// chain and derives the lattice root (earliest rear) and range (span of the
// covered roads trimmed to the extremal waypoints).
func latticeStartAndRange(
	placements []Placement,
	waypoints map[int64]bodyWaypoints,
	m *roadmap.Map,
	rt router.Router,
) (*roadmap.Waypoint, float64, error) {

	roadWaypoints := make(map[int64][]*roadmap.Waypoint)
	for _, p := range placements {
		for _, w := range waypoints[p.ID] {
			if w == nil || !rt.HasRoad(w.RoadID) {
				continue
			}
			roadWaypoints[w.RoadID] = append(roadWaypoints[w.RoadID], w)
		}
	}
	if len(roadWaypoints) == 0 {
		return nil, 0, fmt.Errorf("%w: no vehicle waypoint lies on the route", ErrRoadsNotOnLocalChain)
	}

	// Waypoints with a smaller road offset come first.
	for _, list := range roadWaypoints {
		sort.Slice(list, func(i, j int) bool {
			if list[i].S != list[j].S {
				return list[i].S < list[j].S
			}
			return list[i].ID() < list[j].ID()
		})
	}

	sorted, err := sortRoads(util.SortedKeys(roadWaypoints), rt)
	if err != nil {
		return nil, 0, err
	}

	firstRoad, lastRoad := sorted[0], sorted[len(sorted)-1]
	first := roadWaypoints[firstRoad][0]
	lastList := roadWaypoints[lastRoad]
	last := lastList[len(lastList)-1]

	rng := 0.0
	for _, id := range sorted {
		rng += m.Road(id).Length()
	}
	if first.RoadID == firstRoad {
		rng -= first.S
	} else {
		rng += offRoadPadding
	}
	if last.RoadID == lastRoad {
		rng -= m.Road(lastRoad).Length() - last.S
	} else {
		rng += offRoadPadding
	}

	return first, rng, nil
}

// sortRoads connects the input road ids into a chain along the route,
// expanding at most maxChainExpand times in both directions. The chain is
// seeded from the smallest input id so the result is replayable.
func sortRoads(roads []int64, rt router.Router) ([]int64, error) {
	remaining := make(map[int64]struct{}, len(roads))
	input := make(map[int64]struct{}, len(roads))
	for _, id := range roads {
		remaining[id] = struct{}{}
		input[id] = struct{}{}
	}

	seed := util.MinOf(roads)
	sorted := []int64{seed}
	delete(remaining, seed)

	for i := 0; i < maxChainExpand && len(remaining) > 0; i++ {
		if prev, ok := rt.PrevRoad(sorted[0]); ok {
			sorted = append([]int64{prev}, sorted...)
			delete(remaining, prev)
		}
		if next, ok := rt.NextRoad(sorted[len(sorted)-1]); ok {
			sorted = append(sorted, next)
			delete(remaining, next)
		}
	}

	if len(remaining) > 0 {
		msg := ""
		for _, id := range util.SortedKeys(remaining) {
			msg += fmt.Sprintf(" %d", id)
		}
		return nil, fmt.Errorf("%w: unsorted roads:%s", ErrRoadsNotOnLocalChain, msg)
	}

	for len(sorted) > 0 {
		if _, ok := input[sorted[0]]; ok {
			break
		}
		sorted = sorted[1:]
	}
	for len(sorted) > 0 {
		if _, ok := input[sorted[len(sorted)-1]]; ok {
			break
		}
		sorted = sorted[:len(sorted)-1]
	}
	return sorted, nil
}

// registerVehicles adds every placement onto the lattice in input order.
// Returns the ids that could not be snapped and false on collision.
func (l *Lattice) registerVehicles(placements []Placement, waypoints map[int64]bodyWaypoints) ([]int64, bool) {
	l.vehicleNodes = make(map[int64][]*Node)

	var disappeared []int64
	for _, p := range placements {
		switch l.addVehicleAt(p, waypoints[p.ID]) {
		case 0:
			disappeared = append(disappeared, p.ID)
		case -1:
			return nil, false
		}
	}
	return disappeared, true
}

// AddVehicle registers a single vehicle body. Returns 1 when added, 0 when
// the body cannot be snapped onto the lattice (or the id is already
// registered), and -1 on collision with an already registered body.
func (l *Lattice) AddVehicle(p Placement) int {
	return l.addVehicleAt(p, bodyWaypoints{
		l.fm.Waypoint(p.RearLocation()),
		l.fm.Waypoint(p.Transform.Location),
		l.fm.Waypoint(p.HeadLocation()),
	})
}

func (l *Lattice) addVehicleAt(p Placement, waypoints bodyWaypoints) int {
	if _, exists := l.vehicleNodes[p.ID]; exists {
		return 0
	}

	rearW, midW, headW := waypoints[0], waypoints[1], waypoints[2]
	if rearW == nil || midW == nil || headW == nil {
		return 0
	}

	tolerance := l.lat.LongitudinalResolution()
	rear := l.lat.ClosestNode(rearW, tolerance)
	mid := l.lat.ClosestNode(midW, tolerance)
	head := l.lat.ClosestNode(headW, tolerance)
	if rear == nil || mid == nil || head == nil {
		return 0
	}

	// Collect the occupied run: walk forward from the rear until the mid
	// node (or its lane neighbours, for a body straddling a lane change),
	// walk backward from the head the same way, then splice around the mid.
	atMid := func(n *Node) bool {
		if n.ID() == mid.ID() {
			return true
		}
		if mid.Left() != nil && n.ID() == mid.Left().ID() {
			return true
		}
		if mid.Right() != nil && n.ID() == mid.Right().ID() {
			return true
		}
		return false
	}

	var rearForward []*Node
	for n := rear; !atMid(n); n = n.Front() {
		rearForward = append(rearForward, n)
		if n.Front() == nil {
			break
		}
	}

	var headBackward []*Node
	for n := head; !atMid(n); n = n.Back() {
		headBackward = append(headBackward, n)
		if n.Back() == nil {
			break
		}
	}

	nodes := make([]*Node, 0, len(rearForward)+1+len(headBackward))
	nodes = append(nodes, rearForward...)
	nodes = append(nodes, mid)
	nodes = append(nodes, util.ReverseG(headBackward)...)

	collision := false
	for _, n := range nodes {
		if n.Payload.Occupied {
			collision = true
			break
		}
		n.Payload = Occupant{Vehicle: p.ID, Occupied: true}
	}

	if collision {
		for _, n := range nodes {
			if n.Payload.Occupied && n.Payload.Vehicle == p.ID {
				n.Payload = Occupant{}
			}
		}
		return -1
	}

	l.vehicleNodes[p.ID] = nodes
	return 1
}

// DeleteVehicle unregisters a vehicle. Returns 1 when removed, 0 when the id
// was not being tracked.
func (l *Lattice) DeleteVehicle(id int64) int {
	nodes, ok := l.vehicleNodes[id]
	if !ok {
		return 0
	}
	for _, n := range nodes {
		if n.Payload.Occupied && n.Payload.Vehicle == id {
			n.Payload = Occupant{}
		}
	}
	delete(l.vehicleNodes, id)
	return 1
}

// MoveTrafficForward re-anchors the lattice around the updated vehicle poses
// and re-registers every vehicle. The update set must equal the registered
// set. Returns the vehicles that no longer fit the lattice and false when a
// collision was detected.
func (l *Lattice) MoveTrafficForward(placements []Placement) ([]int64, bool, error) {
	if err := l.checkUpdateSet(placements); err != nil {
		return nil, false, err
	}

	for _, nodes := range l.vehicleNodes {
		for _, n := range nodes {
			n.Payload = Occupant{}
		}
	}
	l.vehicleNodes = make(map[int64][]*Node)

	waypoints := vehicleWaypoints(placements, l.fm)
	start, rng, err := latticeStartAndRange(placements, waypoints, l.m, l.rt)
	if err != nil {
		return nil, false, err
	}

	startNode := l.lat.ClosestNode(start, l.lat.LongitudinalResolution())
	if startNode == nil {
		return nil, false, fmt.Errorf(
			"moveTrafficForward: cannot find the new start waypoint on the existing lattice: %s", start)
	}

	if err := l.lat.Shorten(startNode.Distance()); err != nil {
		return nil, false, err
	}
	l.lat.Extend(rng)

	disappeared, ok := l.registerVehicles(placements, waypoints)
	return disappeared, ok, nil
}

func (l *Lattice) checkUpdateSet(placements []Placement) error {
	if len(placements) == len(l.vehicleNodes) {
		match := true
		for _, p := range placements {
			if _, ok := l.vehicleNodes[p.ID]; !ok {
				match = false
				break
			}
		}
		if match {
			return nil
		}
	}

	existing := ""
	for _, id := range util.SortedKeys(l.vehicleNodes) {
		existing += fmt.Sprintf(" %d", id)
	}
	update := ""
	for _, p := range placements {
		update += fmt.Sprintf(" %d", p.ID)
	}
	return fmt.Errorf("%w: existing:%s update:%s", ErrSetMismatch, existing, update)
}

// Front returns the closest vehicle ahead of the given vehicle on its own
// lane, nil when the lattice is clear up to its end.
func (l *Lattice) Front(vehicle int64) (*Neighbor, error) {
	head := l.headNode(vehicle)
	if head == nil {
		return nil, fmt.Errorf("%w: vehicle %d", ErrVehicleNotOnLattice, vehicle)
	}
	return frontVehicle(head), nil
}

// Back returns the closest vehicle behind the given vehicle on its own lane.
func (l *Lattice) Back(vehicle int64) (*Neighbor, error) {
	rear := l.rearNode(vehicle)
	if rear == nil {
		return nil, fmt.Errorf("%w: vehicle %d", ErrVehicleNotOnLattice, vehicle)
	}
	return backVehicle(rear), nil
}

// LeftFront returns the closest vehicle ahead on the lane left of the given
// vehicle's head. A vehicle occupying the node directly left of the head is
// itself the left front, possibly at a negative distance.
func (l *Lattice) LeftFront(vehicle int64) (*Neighbor, error) {
	head := l.headNode(vehicle)
	if head == nil {
		return nil, fmt.Errorf("%w: vehicle %d", ErrVehicleNotOnLattice, vehicle)
	}
	left := head.Left()
	if left == nil {
		return nil, nil
	}
	if !left.Payload.Occupied {
		return frontVehicle(left), nil
	}
	u := left.Payload.Vehicle
	return &Neighbor{Vehicle: u, Distance: l.rearNode(u).Distance() - head.Distance()}, nil
}

// LeftBack returns the closest vehicle behind on the lane left of the given
// vehicle's rear.
func (l *Lattice) LeftBack(vehicle int64) (*Neighbor, error) {
	rear := l.rearNode(vehicle)
	if rear == nil {
		return nil, fmt.Errorf("%w: vehicle %d", ErrVehicleNotOnLattice, vehicle)
	}
	left := rear.Left()
	if left == nil {
		return nil, nil
	}
	if !left.Payload.Occupied {
		return backVehicle(left), nil
	}
	u := left.Payload.Vehicle
	return &Neighbor{Vehicle: u, Distance: rear.Distance() - l.headNode(u).Distance()}, nil
}

// RightFront returns the closest vehicle ahead on the lane right of the
// given vehicle's head.
func (l *Lattice) RightFront(vehicle int64) (*Neighbor, error) {
	head := l.headNode(vehicle)
	if head == nil {
		return nil, fmt.Errorf("%w: vehicle %d", ErrVehicleNotOnLattice, vehicle)
	}
	right := head.Right()
	if right == nil {
		return nil, nil
	}
	if !right.Payload.Occupied {
		return frontVehicle(right), nil
	}
	u := right.Payload.Vehicle
	return &Neighbor{Vehicle: u, Distance: l.rearNode(u).Distance() - head.Distance()}, nil
}

// RightBack returns the closest vehicle behind on the lane right of the
// given vehicle's rear.
func (l *Lattice) RightBack(vehicle int64) (*Neighbor, error) {
	rear := l.rearNode(vehicle)
	if rear == nil {
		return nil, fmt.Errorf("%w: vehicle %d", ErrVehicleNotOnLattice, vehicle)
	}
	right := rear.Right()
	if right == nil {
		return nil, nil
	}
	if !right.Payload.Occupied {
		return backVehicle(right), nil
	}
	u := right.Payload.Vehicle
	return &Neighbor{Vehicle: u, Distance: rear.Distance() - l.headNode(u).Distance()}, nil
}

func frontVehicle(start *Node) *Neighbor {
	for n := start.Front(); n != nil; n = n.Front() {
		if n.Payload.Occupied {
			return &Neighbor{Vehicle: n.Payload.Vehicle, Distance: n.Distance() - start.Distance()}
		}
	}
	return nil
}

func backVehicle(start *Node) *Neighbor {
	for n := start.Back(); n != nil; n = n.Back() {
		if n.Payload.Occupied {
			return &Neighbor{Vehicle: n.Payload.Vehicle, Distance: start.Distance() - n.Distance()}
		}
	}
	return nil
}

// IsChangingLane reports whether a vehicle straddles a lane boundary:
// 0 in-lane, -1 changing toward the left lane, +1 toward the right lane.
func (l *Lattice) IsChangingLane(vehicle int64) (int, error) {
	nodes, ok := l.vehicleNodes[vehicle]
	if !ok {
		return 0, fmt.Errorf("%w: vehicle %d", ErrVehicleNotOnLattice, vehicle)
	}

	rear := nodes[0]
	head := nodes[len(nodes)-1]

	// Walk the span of the occupied run on the rear's own lane; the node
	// reached must be the head or one of its lane neighbours.
	front := rear
	for i := 0; i < len(nodes)-1; i++ {
		front = front.Front()
		if front == nil {
			return 0, fmt.Errorf(
				"%w: no front node %d steps ahead of the rear of vehicle %d\nrear: %s\nhead: %s",
				ErrTopologyMismatch, i+1, vehicle, rear, head)
		}
	}

	if front.ID() == head.ID() {
		return 0, nil
	}
	if front.Left() != nil && front.Left().ID() == head.ID() {
		return -1, nil
	}
	if front.Right() != nil && front.Right().ID() == head.ID() {
		return 1, nil
	}
	return 0, fmt.Errorf("%w: vehicle %d\nfront: %s\nhead: %s\nrear: %s",
		ErrTopologyMismatch, vehicle, front, head, rear)
}

func (l *Lattice) String() string {
	out := l.lat.String()
	for _, id := range util.SortedKeys(l.vehicleNodes) {
		out += fmt.Sprintf("vehicle %d:\n", id)
		for _, n := range l.vehicleNodes[id] {
			out += n.String() + "\n"
		}
	}
	return out
}
