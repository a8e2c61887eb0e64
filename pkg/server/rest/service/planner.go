package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/lattice"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/path"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/roadmap"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/router"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/traffic"
)

// PathPlanner is the planning core behind the service; both lattice planner
// variants satisfy it. Nodes and Edges expose the station graph of the last
// planned tick for the debug surface.
type PathPlanner interface {
	PlanPath(ego int64, snapshot *traffic.Snapshot) (*path.DiscretePath, error)
	Reset()
	Nodes() []*lattice.Node[struct{}]
	Edges() []*path.ContinuousPath
}

// VehicleInput is one tracked vehicle in a planning request.
type VehicleInput struct {
	ID          int64
	X           float64
	Y           float64
	Yaw         float64
	HalfLength  float64
	HalfWidth   float64
	Speed       float64
	PolicySpeed float64
}

// PlanResult is a planned tick: the discrete path.
type PlanResult struct {
	Path *path.DiscretePath
}

// PlannerService runs planning ticks against a shared planner instance. The
// planner core is single threaded; concurrent requests serialize on the
// mutex.
type PlannerService struct {
	mu sync.Mutex

	planner PathPlanner
	m       *roadmap.Map
	fm      *roadmap.FastWaypointMap
	rt      router.Router
}

func NewPlannerService(planner PathPlanner, m *roadmap.Map, fm *roadmap.FastWaypointMap, rt router.Router) *PlannerService {
	return &PlannerService{planner: planner, m: m, fm: fm, rt: rt}
}

// Plan builds a snapshot from the vehicle inputs and runs one planning tick
// for the given ego.
func (s *PlannerService) Plan(ctx context.Context, egoID int64, vehicles []VehicleInput) (*PlanResult, error) {
	var ego *traffic.Vehicle
	var agents []traffic.Vehicle
	for _, in := range vehicles {
		v := vehicleFromInput(in)
		if in.ID == egoID {
			ego = &v
			continue
		}
		agents = append(agents, v)
	}
	if ego == nil {
		return nil, fmt.Errorf("ego %d is not among the input vehicles", egoID)
	}

	snapshot, err := traffic.NewSnapshot(*ego, agents, s.m, s.fm, s.rt)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	planned, err := s.planner.PlanPath(egoID, snapshot)
	if err != nil {
		return nil, err
	}
	return &PlanResult{Path: planned}, nil
}

// GraphNode is one station of the search graph of the last planned tick.
type GraphNode struct {
	ID       int64
	X, Y     float64
	Distance float64
}

// GraphEdge is one synthesized connection between two stations.
type GraphEdge struct {
	FromX, FromY float64
	ToX, ToY     float64
	Length       float64
	LaneChange   string
}

// GraphResult is the planner introspection snapshot.
type GraphResult struct {
	Nodes []GraphNode
	Edges []GraphEdge
}

// Graph reports the station graph built by the last planning tick.
func (s *PlannerService) Graph(ctx context.Context) (*GraphResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	result := &GraphResult{}
	for _, n := range s.planner.Nodes() {
		loc := n.Waypoint().Transform.Location
		result.Nodes = append(result.Nodes, GraphNode{
			ID:       n.ID(),
			X:        loc.X,
			Y:        loc.Y,
			Distance: n.Distance(),
		})
	}
	for _, e := range s.planner.Edges() {
		from := e.Start().Transform.Location
		to := e.End().Transform.Location
		result.Edges = append(result.Edges, GraphEdge{
			FromX:      from.X,
			FromY:      from.Y,
			ToX:        to.X,
			ToY:        to.Y,
			Length:     e.Range(),
			LaneChange: e.LaneChange().String(),
		})
	}
	return result, nil
}

func vehicleFromInput(in VehicleInput) traffic.Vehicle {
	halfLength := in.HalfLength
	if halfLength == 0 {
		halfLength = 2.3
	}
	halfWidth := in.HalfWidth
	if halfWidth == 0 {
		halfWidth = 1.0
	}
	return traffic.Vehicle{
		ID:          in.ID,
		BoundingBox: traffic.BoundingBox{Extent: boxExtent(halfLength, halfWidth)},
		Transform:   transformFromInput(in),
		Speed:       in.Speed,
		PolicySpeed: in.PolicySpeed,
	}
}
