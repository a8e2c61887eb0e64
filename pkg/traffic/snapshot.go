package traffic

import (
	"fmt"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/roadmap"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/router"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/util"
)

// Snapshot is the world at one simulated instant: the ego, the agents, and
// the traffic lattice occupied by all of them. A snapshot owns its lattice;
// cloning rebuilds the lattice from the vehicle poses.
type Snapshot struct {
	ego    Vehicle
	agents map[int64]Vehicle
	lat    *Lattice

	m  *roadmap.Map
	fm *roadmap.FastWaypointMap
	rt router.Router
}

// NewSnapshot builds the traffic lattice for the ego plus agents. Agents
// whose body cannot be snapped onto the lattice are silently dropped; an ego
// that cannot be registered, or any collision, fails construction.
func NewSnapshot(ego Vehicle, agents []Vehicle, m *roadmap.Map, fm *roadmap.FastWaypointMap, rt router.Router) (*Snapshot, error) {
	agentTable := make(map[int64]Vehicle, len(agents))
	for _, a := range agents {
		if a.ID == ego.ID {
			return nil, fmt.Errorf("snapshot: agent id %d duplicates the ego", a.ID)
		}
		agentTable[a.ID] = a
	}

	lat, disappeared, err := NewLattice(snapshotPlacements(ego, agentTable), m, fm, rt)
	if err != nil {
		return nil, err
	}
	for _, id := range disappeared {
		if id == ego.ID {
			return nil, fmt.Errorf("snapshot: ego cannot be registered on the traffic lattice: %s", ego)
		}
		delete(agentTable, id)
	}

	return &Snapshot{ego: ego, agents: agentTable, lat: lat, m: m, fm: fm, rt: rt}, nil
}

// snapshotPlacements orders the ego first and the agents by ascending id so
// registration is replayable.
func snapshotPlacements(ego Vehicle, agents map[int64]Vehicle) []Placement {
	placements := make([]Placement, 0, len(agents)+1)
	placements = append(placements, ego.Placement())
	for _, id := range util.SortedKeys(agents) {
		placements = append(placements, agents[id].Placement())
	}
	return placements
}

func (s *Snapshot) Ego() Vehicle { return s.ego }

// AgentIDs returns the agent ids in ascending order.
func (s *Snapshot) AgentIDs() []int64 {
	return util.SortedKeys(s.agents)
}

func (s *Snapshot) Agent(id int64) (Vehicle, bool) {
	v, ok := s.agents[id]
	return v, ok
}

// Vehicle resolves an id against the ego and the agents.
func (s *Snapshot) Vehicle(id int64) (Vehicle, bool) {
	if id == s.ego.ID {
		return s.ego, true
	}
	return s.Agent(id)
}

func (s *Snapshot) TrafficLattice() *Lattice { return s.lat }

func (s *Snapshot) Map() *roadmap.Map { return s.m }
func (s *Snapshot) FastMap() *roadmap.FastWaypointMap { return s.fm }
func (s *Snapshot) Router() router.Router { return s.rt }

// Clone rebuilds an independent snapshot from the current vehicle states.
func (s *Snapshot) Clone() (*Snapshot, error) {
	agents := make([]Vehicle, 0, len(s.agents))
	for _, id := range util.SortedKeys(s.agents) {
		agents = append(agents, s.agents[id])
	}
	return NewSnapshot(s.ego, agents, s.m, s.fm, s.rt)
}

// WithEgoAcceleration clones the snapshot with the ego held at the given
// constant acceleration.
func (s *Snapshot) WithEgoAcceleration(accel float64) (*Snapshot, error) {
	clone, err := s.Clone()
	if err != nil {
		return nil, err
	}
	clone.ego.Acceleration = accel
	return clone, nil
}

// Apply replaces every vehicle state with its update and moves the traffic
// lattice forward. The update set must cover the ego and every agent.
// Returns false when the updated poses collide.
func (s *Snapshot) Apply(updated []Vehicle) (bool, error) {
	placements := make([]Placement, 0, len(updated))
	for _, v := range updated {
		if v.ID == s.ego.ID {
			s.ego = v
		} else if _, ok := s.agents[v.ID]; ok {
			s.agents[v.ID] = v
		} else {
			return false, fmt.Errorf("%w: unknown vehicle %d in update", ErrSetMismatch, v.ID)
		}
		placements = append(placements, v.Placement())
	}

	disappeared, ok, err := s.lat.MoveTrafficForward(placements)
	if err != nil {
		return false, err
	}
	for _, id := range disappeared {
		if id == s.ego.ID {
			return false, fmt.Errorf("snapshot: ego left the traffic lattice: %s", s.ego)
		}
		delete(s.agents, id)
	}
	return ok, nil
}

func (s *Snapshot) String() string {
	out := "ego: " + s.ego.String() + "\n"
	for _, id := range s.AgentIDs() {
		out += "agent: " + s.agents[id].String() + "\n"
	}
	return out
}
