package roadmap

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/geo"
)

// Waypoint ids quantize the arc-length offset so that repeated lookups of the
// same pose produce the same id. 1/32 m is far below the lattice resolution.
const idQuantum = 0.03125

const (
	roadIDShift = 40
	laneIDShift = 32
)

// WaypointID packs (road, lane, quantized arc offset) into a stable id.
func WaypointID(roadID int64, laneID int32, s float64) int64 {
	step := int64(math.Round(s/idQuantum)) & 0xFFFFFFFF
	return roadID<<roadIDShift | int64(laneID)<<laneIDShift | step
}

// Waypoint is an immutable handle identifying a pose on a specific (road,
// lane) at a specific longitudinal offset.
type Waypoint struct {
	RoadID    int64
	LaneID    int32
	S         float64
	Transform geo.Transform
	Curvature float64

	m *Map
}

func (w *Waypoint) ID() int64 {
	return WaypointID(w.RoadID, w.LaneID, w.S)
}

// Next returns the candidate waypoints approximately d metres ahead of w,
// one per successor road when d runs off the end of w's road.
func (w *Waypoint) Next(d float64) []*Waypoint {
	if d < 0 {
		return nil
	}
	road := w.m.Road(w.RoadID)
	if road == nil {
		return nil
	}
	s := w.S + d
	if s <= road.length {
		return []*Waypoint{w.m.Waypoint(w.RoadID, w.LaneID, s)}
	}

	overflow := s - road.length
	var candidates []*Waypoint
	for _, nextID := range road.nexts {
		next := w.m.Road(nextID)
		if next == nil || overflow > next.length {
			continue
		}
		lane := w.LaneID
		if int(lane) >= len(next.laneOffsets) {
			lane = int32(len(next.laneOffsets) - 1)
		}
		candidates = append(candidates, w.m.Waypoint(nextID, lane, overflow))
	}
	return candidates
}

// LeftLane returns the waypoint on the lane to the left at the same offset,
// or nil at the leftmost lane.
func (w *Waypoint) LeftLane() *Waypoint {
	if w.LaneID == 0 {
		return nil
	}
	return w.m.Waypoint(w.RoadID, w.LaneID-1, w.S)
}

// RightLane returns the waypoint on the lane to the right at the same offset,
// or nil at the rightmost lane.
func (w *Waypoint) RightLane() *Waypoint {
	road := w.m.Road(w.RoadID)
	if road == nil || int(w.LaneID)+1 >= len(road.laneOffsets) {
		return nil
	}
	return w.m.Waypoint(w.RoadID, w.LaneID+1, w.S)
}

func (w *Waypoint) String() string {
	return fmt.Sprintf("waypoint %d road:%d lane:%d s:%.2f x:%.2f y:%.2f yaw:%.3f",
		w.ID(), w.RoadID, w.LaneID, w.S,
		w.Transform.Location.X, w.Transform.Location.Y, w.Transform.Yaw)
}

// Road is a one-way stretch of drivable surface with parallel lanes. The
// reference line starts at origin and follows a constant curvature (zero for
// a straight road); lane centrelines are offset to the right of it.
type Road struct {
	id          int64
	length      float64
	origin      geo.Transform
	curvature   float64
	laneOffsets []float64
	nexts       []int64
	prevs       []int64
}

func (r *Road) ID() int64 { return r.id }
func (r *Road) Length() float64 { return r.length }
func (r *Road) Curvature() float64 { return r.curvature }
func (r *Road) NumLanes() int { return len(r.laneOffsets) }

// pose returns the reference-line pose s metres along the road.
func (r *Road) pose(s float64) geo.Transform {
	if r.curvature == 0 {
		return geo.Transform{Location: r.origin.Project(s), Yaw: r.origin.Yaw}
	}
	radius := 1 / r.curvature
	center := r.origin.Location.Add(r.origin.Right().Mul(radius))
	yaw := r.origin.Yaw + r.curvature*s
	heading := geo.Transform{Yaw: yaw}
	return geo.Transform{Location: center.Sub(heading.Right().Mul(radius)), Yaw: yaw}
}

// Map is the road network: a set of roads plus waypoint fabrication. It plays
// the role of the external map service.
type Map struct {
	roads map[int64]*Road
}

func (m *Map) Road(id int64) *Road {
	return m.roads[id]
}

func (m *Map) RoadIDs() []int64 {
	ids := make([]int64, 0, len(m.roads))
	for id := range m.roads {
		ids = append(ids, id)
	}
	return ids
}

// Waypoint fabricates the waypoint handle at (road, lane, s), nil when the
// triple is not on the map.
func (m *Map) Waypoint(roadID int64, laneID int32, s float64) *Waypoint {
	road := m.roads[roadID]
	if road == nil || laneID < 0 || int(laneID) >= len(road.laneOffsets) {
		return nil
	}
	if s < 0 || s > road.length+1e-6 {
		return nil
	}
	ref := road.pose(s)
	offset := road.laneOffsets[laneID]
	curvature := road.curvature
	if curvature != 0 {
		// Lanes on the inside of the turn run on a tighter radius.
		curvature = curvature / (1 - curvature*offset)
	}
	return &Waypoint{
		RoadID:    roadID,
		LaneID:    laneID,
		S:         s,
		Transform: geo.Transform{Location: ref.Location.Add(ref.Right().Mul(offset)), Yaw: ref.Yaw},
		Curvature: curvature,
		m:         m,
	}
}

// WaypointFromID reverses WaypointID. Used to resolve node handles back into
// waypoints without keeping pointers alive.
func (m *Map) WaypointFromID(id int64) *Waypoint {
	roadID := id >> roadIDShift
	laneID := int32((id >> laneIDShift) & 0xFF)
	s := float64(id&0xFFFFFFFF) * idQuantum
	return m.Waypoint(roadID, laneID, s)
}

// ProjectToLane snaps a world location onto the given road's lane, returning
// the waypoint at the closest arc offset.
func (m *Map) ProjectToLane(loc r2.Point, roadID int64, laneID int32) *Waypoint {
	road := m.roads[roadID]
	if road == nil {
		return nil
	}
	var s float64
	if road.curvature == 0 {
		s = geo.LongitudinalOffset(loc, road.origin)
	} else {
		radius := 1 / road.curvature
		center := road.origin.Location.Add(road.origin.Right().Mul(radius))
		v := loc.Sub(center)
		yaw := math.Atan2(v.X/radius, -v.Y/radius)
		s = geo.NormalizeAngle(yaw-road.origin.Yaw) / road.curvature
	}
	if s < 0 {
		s = 0
	}
	if s > road.length {
		s = road.length
	}
	return m.Waypoint(roadID, laneID, s)
}
