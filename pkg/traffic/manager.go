package traffic

import (
	"fmt"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/lattice"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/roadmap"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/router"
)

// Manager maintains local traffic on a fixed-range lattice window: it slides
// the window forward as the traffic moves and suggests where to spawn new
// vehicles at the window fringe.
type Manager struct {
	*Lattice
}

// NewManager creates an empty traffic window of the given range starting at
// start.
func NewManager(start *roadmap.Waypoint, rng float64, rt router.Router, m *roadmap.Map, fm *roadmap.FastWaypointMap) (*Manager, error) {
	lat, err := lattice.New[Occupant](start, rng, trafficResolution, rt)
	if err != nil {
		return nil, err
	}
	return &Manager{Lattice: &Lattice{
		lat:          lat,
		m:            m,
		fm:           fm,
		rt:           rt,
		vehicleNodes: make(map[int64][]*Node),
	}}, nil
}

// MoveTrafficSliding updates the vehicle poses while sliding the window
// forward by shiftDistance, keeping the range constant. The update set must
// equal the registered set. Returns the vehicles that fell off the window
// and false when a collision was detected.
func (mg *Manager) MoveTrafficSliding(placements []Placement, shiftDistance float64) ([]int64, bool, error) {
	if err := mg.checkUpdateSet(placements); err != nil {
		return nil, false, err
	}

	for _, nodes := range mg.vehicleNodes {
		for _, n := range nodes {
			n.Payload = Occupant{}
		}
	}
	mg.vehicleNodes = make(map[int64][]*Node)

	if shiftDistance > 0 {
		if err := mg.lat.Shift(shiftDistance); err != nil {
			return nil, false, fmt.Errorf("moveTrafficSliding: %w", err)
		}
	}

	disappeared, ok := mg.registerVehicles(placements, vehicleWaypoints(placements, mg.fm))
	return disappeared, ok, nil
}

// SpawnSuggestion is a candidate spawn pose plus the clearance to the
// nearest vehicle toward the interior of the window.
type SpawnSuggestion struct {
	Waypoint  *roadmap.Waypoint
	Clearance float64
}

// FrontSpawnWaypoint suggests a waypoint at the front fringe of the window
// with at least minRange of clear road behind it. Of all qualifying exits
// the one with the farthest back vehicle wins.
func (mg *Manager) FrontSpawnWaypoint(minRange float64) *SpawnSuggestion {
	var best *SpawnSuggestion
	for _, exit := range mg.lat.Exits() {
		if exit.Payload.Occupied {
			continue
		}
		clearance := mg.lat.Range()
		if back := backVehicle(exit); back != nil {
			clearance = back.Distance
		}
		if clearance < minRange {
			continue
		}
		if best == nil || clearance > best.Clearance {
			best = &SpawnSuggestion{Waypoint: exit.Waypoint(), Clearance: clearance}
		}
	}
	return best
}

// BackSpawnWaypoint suggests a waypoint at the rear fringe of the window
// with at least minRange of clear road ahead of it.
func (mg *Manager) BackSpawnWaypoint(minRange float64) *SpawnSuggestion {
	var best *SpawnSuggestion
	for _, entry := range mg.rearFringe() {
		if entry.Payload.Occupied {
			continue
		}
		clearance := mg.lat.Range()
		if front := frontVehicle(entry); front != nil {
			clearance = front.Distance
		}
		if clearance < minRange {
			continue
		}
		if best == nil || clearance > best.Clearance {
			best = &SpawnSuggestion{Waypoint: entry.Waypoint(), Clearance: clearance}
		}
	}
	return best
}

// rearFringe is the root node plus its lane mates.
func (mg *Manager) rearFringe() []*Node {
	root := mg.lat.Root()
	fringe := []*Node{root}
	for n := root.Left(); n != nil; n = n.Left() {
		fringe = append(fringe, n)
	}
	for n := root.Right(); n != nil; n = n.Right() {
		fringe = append(fringe, n)
	}
	return fringe
}
