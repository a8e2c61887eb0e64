package router

import (
	"errors"
	"fmt"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/roadmap"
)

var ErrInvalidDistance = errors.New("front waypoint distance must be positive")

// Router defines the ego route as an ordered road-id sequence and resolves
// waypoints along it.
type Router interface {
	HasRoad(roadID int64) bool
	// NextRoad returns the successor of the given road along the route.
	NextRoad(roadID int64) (int64, bool)
	// PrevRoad returns the predecessor of the given road along the route.
	PrevRoad(roadID int64) (int64, bool)
	// FrontWaypoint returns the nearest on-route waypoint distance metres
	// ahead, preferring the same road over the next road on the route.
	FrontWaypoint(w *roadmap.Waypoint, distance float64) (*roadmap.Waypoint, error)
	// WaypointOnRoute snaps a possibly off-route waypoint back onto the
	// route, nil when no on-route candidate exists.
	WaypointOnRoute(w *roadmap.Waypoint) *roadmap.Waypoint
}

// LoopRouter follows a fixed road sequence that wraps around at the end.
type LoopRouter struct {
	roadSequence []int64
}

func NewLoopRouter(roadSequence []int64) *LoopRouter {
	return &LoopRouter{roadSequence: roadSequence}
}

func (rt *LoopRouter) RoadSequence() []int64 {
	return rt.roadSequence
}

func (rt *LoopRouter) indexOf(roadID int64) int {
	for i, id := range rt.roadSequence {
		if id == roadID {
			return i
		}
	}
	return -1
}

func (rt *LoopRouter) HasRoad(roadID int64) bool {
	return rt.indexOf(roadID) >= 0
}

func (rt *LoopRouter) NextRoad(roadID int64) (int64, bool) {
	i := rt.indexOf(roadID)
	if i < 0 {
		return 0, false
	}
	if i == len(rt.roadSequence)-1 {
		return rt.roadSequence[0], true
	}
	return rt.roadSequence[i+1], true
}

func (rt *LoopRouter) PrevRoad(roadID int64) (int64, bool) {
	i := rt.indexOf(roadID)
	if i < 0 {
		return 0, false
	}
	if i == 0 {
		return rt.roadSequence[len(rt.roadSequence)-1], true
	}
	return rt.roadSequence[i-1], true
}

func (rt *LoopRouter) FrontWaypoint(w *roadmap.Waypoint, distance float64) (*roadmap.Waypoint, error) {
	if distance <= 0 {
		return nil, fmt.Errorf("%w: %s distance:%f", ErrInvalidDistance, w, distance)
	}

	candidates := w.Next(distance)
	nextRoad, hasNext := rt.NextRoad(w.RoadID)

	var nextWaypoint *roadmap.Waypoint
	for _, candidate := range candidates {
		// A candidate on the same road always wins.
		if candidate.RoadID == w.RoadID {
			return candidate, nil
		}
		if hasNext && candidate.RoadID == nextRoad {
			nextWaypoint = candidate
		}
	}
	return nextWaypoint, nil
}

func (rt *LoopRouter) WaypointOnRoute(w *roadmap.Waypoint) *roadmap.Waypoint {
	if rt.HasRoad(w.RoadID) {
		return w
	}
	for _, candidate := range w.Next(0.01) {
		if rt.HasRoad(candidate.RoadID) {
			return candidate
		}
	}
	return nil
}
