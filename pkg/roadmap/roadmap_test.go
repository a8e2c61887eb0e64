package roadmap

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
)

func TestWaypointFabrication(t *testing.T) {
	m := BuildStraightMap([]int64{47, 48}, 100, 3, DefaultLaneWidth)

	w := m.Waypoint(47, 0, 10)
	assert.NotNil(t, w)
	assert.InDelta(t, 10.0, w.Transform.Location.X, 1e-9)
	assert.InDelta(t, 0.0, w.Transform.Location.Y, 1e-9)

	// Lane 2 sits two lane widths to the right.
	w2 := m.Waypoint(47, 2, 10)
	assert.InDelta(t, 7.0, w2.Transform.Location.Y, 1e-9)

	// The second road starts where the first ends.
	w48 := m.Waypoint(48, 0, 0)
	assert.InDelta(t, 100.0, w48.Transform.Location.X, 1e-9)

	assert.Nil(t, m.Waypoint(47, 3, 10))
	assert.Nil(t, m.Waypoint(47, 0, 101))
	assert.Nil(t, m.Waypoint(99, 0, 10))
}

func TestWaypointIDStability(t *testing.T) {
	m := BuildStraightMap([]int64{47}, 100, 2, DefaultLaneWidth)

	a := m.Waypoint(47, 1, 25)
	b := m.Waypoint(47, 1, 25)
	assert.Equal(t, a.ID(), b.ID())
	assert.NotEqual(t, a.ID(), m.Waypoint(47, 0, 25).ID())

	resolved := m.WaypointFromID(a.ID())
	assert.Equal(t, a.RoadID, resolved.RoadID)
	assert.Equal(t, a.LaneID, resolved.LaneID)
	assert.InDelta(t, a.S, resolved.S, 0.05)
}

func TestNextWithinAndAcrossRoads(t *testing.T) {
	m := BuildStraightMap([]int64{47, 48}, 100, 2, DefaultLaneWidth)

	w := m.Waypoint(47, 0, 10)
	next := w.Next(5)
	assert.Len(t, next, 1)
	assert.Equal(t, int64(47), next[0].RoadID)
	assert.InDelta(t, 15.0, next[0].S, 1e-9)

	// Crossing the road boundary yields the successor road candidate.
	w = m.Waypoint(47, 0, 99)
	next = w.Next(3)
	assert.Len(t, next, 1)
	assert.Equal(t, int64(48), next[0].RoadID)
	assert.InDelta(t, 2.0, next[0].S, 1e-9)

	// The last road has no successor.
	w = m.Waypoint(48, 0, 99)
	assert.Empty(t, w.Next(3))
}

func TestLaneNeighbours(t *testing.T) {
	m := BuildStraightMap([]int64{47}, 100, 3, DefaultLaneWidth)

	mid := m.Waypoint(47, 1, 50)
	left := mid.LeftLane()
	right := mid.RightLane()
	assert.Equal(t, int32(0), left.LaneID)
	assert.Equal(t, int32(2), right.LaneID)
	assert.InDelta(t, mid.S, left.S, 1e-9)

	assert.Nil(t, left.LeftLane())
	assert.Nil(t, right.RightLane())
}

func TestFastWaypointMapSnapsNearestLane(t *testing.T) {
	m := BuildStraightMap([]int64{47}, 100, 3, DefaultLaneWidth)
	fm := NewFastWaypointMap(m)

	w := fm.Waypoint(r2.Point{X: 42.3, Y: 0.4})
	assert.NotNil(t, w)
	assert.Equal(t, int64(47), w.RoadID)
	assert.Equal(t, int32(0), w.LaneID)
	assert.InDelta(t, 42.3, w.S, 1e-6)

	// Closer to the middle lane centreline.
	w = fm.Waypoint(r2.Point{X: 10, Y: 3.0})
	assert.Equal(t, int32(1), w.LaneID)
}

func TestCurvedRoadGeometry(t *testing.T) {
	// A right-hand arc of radius 100m spanning a quarter turn.
	quarter := math.Pi / 2 * 100
	m := NewBuilder().AddCurvedRoad(60, quarter, 2, DefaultLaneWidth, 0.01).Build()

	start := m.Waypoint(60, 0, 0)
	assert.InDelta(t, 0.0, start.Transform.Yaw, 1e-9)
	assert.InDelta(t, 0.01, start.Curvature, 1e-9)

	end := m.Waypoint(60, 0, quarter)
	assert.InDelta(t, math.Pi/2, end.Transform.Yaw, 1e-9)
	assert.InDelta(t, 100.0, end.Transform.Location.X, 1e-6)
	assert.InDelta(t, 100.0, end.Transform.Location.Y, 1e-6)

	// The right lane runs on the inside of the turn with a tighter radius.
	inner := m.Waypoint(60, 1, 50)
	assert.InDelta(t, 0.01/(1-0.01*DefaultLaneWidth), inner.Curvature, 1e-9)

	// Projection round-trips through the arc math.
	mid := m.Waypoint(60, 0, 70)
	back := m.ProjectToLane(mid.Transform.Location, 60, 0)
	assert.InDelta(t, 70.0, back.S, 1e-6)
}

func TestCurvedRoadChaining(t *testing.T) {
	// The successor road starts at the arc's end pose.
	quarter := math.Pi / 2 * 100
	m := NewBuilder().
		AddCurvedRoad(60, quarter, 1, DefaultLaneWidth, 0.01).
		AddRoad(61, 50, 1, DefaultLaneWidth).
		Chain(60, 61).
		Build()

	w := m.Waypoint(61, 0, 0)
	assert.InDelta(t, 100.0, w.Transform.Location.X, 1e-6)
	assert.InDelta(t, 100.0, w.Transform.Location.Y, 1e-6)
	assert.InDelta(t, math.Pi/2, w.Transform.Yaw, 1e-9)
}

func TestLoopMapWrapsTopologically(t *testing.T) {
	m := BuildLoopMap([]int64{47, 48, 49}, 50, 2, DefaultLaneWidth)

	w := m.Waypoint(49, 0, 49)
	next := w.Next(2)
	assert.Len(t, next, 1)
	assert.Equal(t, int64(47), next[0].RoadID)
	assert.InDelta(t, 1.0, next[0].S, 1e-9)
}
