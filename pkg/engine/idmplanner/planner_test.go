package idmplanner

import (
	"errors"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/follow"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/geo"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/lattice"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/roadmap"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/router"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/traffic"
)

type world struct {
	m  *roadmap.Map
	fm *roadmap.FastWaypointMap
	rt router.Router
}

func buildWorld(t *testing.T, lanes int) world {
	t.Helper()
	ids := []int64{47, 48, 49}
	m := roadmap.BuildStraightMap(ids, 100, lanes, roadmap.DefaultLaneWidth)
	return world{m: m, fm: roadmap.NewFastWaypointMap(m), rt: router.NewLoopRouter(ids)}
}

func (w world) planner(t *testing.T) *Planner {
	t.Helper()
	p, err := New(Config{SimTimeStep: 0.2, SpatialHorizon: 100}, w.rt, w.m, w.fm, follow.Default())
	assert.NoError(t, err)
	return p
}

func (w world) snapshot(t *testing.T, ego traffic.Vehicle, agents ...traffic.Vehicle) *traffic.Snapshot {
	t.Helper()
	s, err := traffic.NewSnapshot(ego, agents, w.m, w.fm, w.rt)
	assert.NoError(t, err)
	return s
}

func car(id int64, x, y, speed, policy float64) traffic.Vehicle {
	return traffic.Vehicle{
		ID:          id,
		BoundingBox: traffic.BoundingBox{Extent: r2.Point{X: 2.3, Y: 1.0}},
		Transform:   geo.NewTransform(x, y, 0),
		Speed:       speed,
		PolicySpeed: policy,
	}
}

func TestConfigValidation(t *testing.T) {
	w := buildWorld(t, 1)
	_, err := New(Config{SimTimeStep: 0, SpatialHorizon: 100}, w.rt, w.m, w.fm, follow.Default())
	assert.Error(t, err)
	_, err = New(Config{SimTimeStep: 0.2, SpatialHorizon: 40}, w.rt, w.m, w.fm, follow.Default())
	assert.Error(t, err)
}

func TestWrongEgo(t *testing.T) {
	w := buildWorld(t, 1)
	p := w.planner(t)
	s := w.snapshot(t, car(1, 10, 0, 10, 20))

	_, err := p.PlanPath(2, s)
	assert.True(t, errors.Is(err, ErrWrongEgo))
}

func TestFreeFlowPlansToHorizon(t *testing.T) {
	w := buildWorld(t, 1)
	p := w.planner(t)
	s := w.snapshot(t, car(1, 10, 0, 10, 20))

	planned, err := p.PlanPath(1, s)
	assert.NoError(t, err)
	assert.InDelta(t, 100.0, planned.Range(), 2.0)

	// Two chained keep-lane edges built the station graph.
	root := p.RootStation()
	assert.NotNil(t, root.FrontChild())
	assert.Nil(t, root.LeftChild())
	assert.Nil(t, root.RightChild())
	assert.Len(t, p.Nodes(), 3)

	for _, sample := range planned.Samples() {
		assert.InDelta(t, 0.0, sample.Transform.Location.Y, 0.1)
	}
}

func TestPlanPathDeterministic(t *testing.T) {
	w := buildWorld(t, 2)
	p := w.planner(t)
	s := w.snapshot(t, car(1, 10, 0, 10, 20))

	first, err := p.PlanPath(1, s)
	assert.NoError(t, err)
	second, err := p.PlanPath(1, s)
	assert.NoError(t, err)

	assert.Equal(t, len(first.Samples()), len(second.Samples()))
	for i := range first.Samples() {
		assert.Equal(t, first.Samples()[i], second.Samples()[i])
	}
}

func TestNextStationReachedShiftsLattice(t *testing.T) {
	w := buildWorld(t, 1)
	p := w.planner(t)

	_, err := p.PlanPath(1, w.snapshot(t, car(1, 10, 0, 10, 20)))
	assert.NoError(t, err)

	// The ego has crossed the committed next station 50m ahead; the lattice
	// must shift forward keeping 5m of history behind the ego.
	_, err = p.PlanPath(1, w.snapshot(t, car(1, 61, 0, 15, 20)))
	assert.NoError(t, err)
	assert.InDelta(t, 56.0, p.WaypointLattice().Root().Waypoint().S, 1e-6)
	assert.InDelta(t, 61.0, p.RootStation().Node().Waypoint().S, 1e-6)
}

func TestLeadVehicleKeepsLane(t *testing.T) {
	w := buildWorld(t, 1)
	p := w.planner(t)
	s := w.snapshot(t,
		car(1, 10, 0, 20, 20),
		car(2, 50, 0, 10, 10))

	planned, err := p.PlanPath(1, s)
	assert.NoError(t, err)
	assert.Greater(t, planned.Range(), 40.0)

	for _, sample := range planned.Samples() {
		assert.InDelta(t, 0.0, sample.Transform.Location.Y, 0.2)
	}

	dir, err := s.TrafficLattice().IsChangingLane(1)
	assert.NoError(t, err)
	assert.Equal(t, 0, dir)
}

func TestLaneChangeOpportunityTaken(t *testing.T) {
	w := buildWorld(t, 2)
	p := w.planner(t)

	// Ego on the right lane behind a slow lead; the left lane is free for
	// over 100m, so the speed incentive pays for the manoeuvre.
	s := w.snapshot(t,
		car(1, 10, roadmap.DefaultLaneWidth, 20, 30),
		car(2, 35, roadmap.DefaultLaneWidth, 10, 10))

	planned, err := p.PlanPath(1, s)
	assert.NoError(t, err)

	assert.NotNil(t, p.RootStation().LeftChild())
	assert.Less(t, planned.Last().Transform.Location.Y, 1.0)
}

func TestLaneChangeBlockedByLeftBack(t *testing.T) {
	w := buildWorld(t, 2)
	p := w.planner(t)

	// Same situation, but a vehicle rides beside the ego in the left lane:
	// the left option dies before any simulation.
	s := w.snapshot(t,
		car(1, 10, roadmap.DefaultLaneWidth, 20, 30),
		car(2, 35, roadmap.DefaultLaneWidth, 10, 10),
		car(3, 10, 0, 10, 10))

	planned, err := p.PlanPath(1, s)
	assert.NoError(t, err)

	assert.Nil(t, p.RootStation().LeftChild())
	for _, sample := range planned.Samples() {
		assert.Greater(t, sample.Transform.Location.Y, 2.5)
	}
}

func TestFreeFlowOnCurvedRoad(t *testing.T) {
	// A gentle right-hand arc; path synthesis has to honour the nonzero
	// boundary curvatures the map reports.
	m := roadmap.NewBuilder().AddCurvedRoad(61, 400, 1, roadmap.DefaultLaneWidth, 0.004).Build()
	fm := roadmap.NewFastWaypointMap(m)
	rt := router.NewLoopRouter([]int64{61})
	w := world{m: m, fm: fm, rt: rt}

	p := w.planner(t)

	egoWaypoint := m.Waypoint(61, 0, 10)
	ego := car(1, 0, 0, 10, 20)
	ego.Transform = egoWaypoint.Transform
	ego.Curvature = egoWaypoint.Curvature

	planned, err := p.PlanPath(1, w.snapshot(t, ego))
	assert.NoError(t, err)
	assert.Greater(t, planned.Range(), 90.0)

	// The planned path bends with the road: the heading keeps growing and
	// the sampled curvature stays near the road's.
	samples := planned.Samples()
	assert.Greater(t, planned.Last().Transform.Yaw, samples[0].Transform.Yaw+0.3)
	mid := samples[len(samples)/2]
	assert.InDelta(t, 0.004, mid.Curvature, 0.002)
}

func TestTerminalCostTables(t *testing.T) {
	assert.Equal(t, 4.0, speedCostTable[2])
	assert.Equal(t, 2.0, speedCostTable[5])
	assert.Equal(t, 0.0, speedCostTable[9])
	assert.Equal(t, 20.0, distanceCostTable[7])
	assert.Equal(t, 10.0, distanceCostTable[8])
	assert.Equal(t, 5.0, distanceCostTable[9])
}

func TestOptimalParentTieBreak(t *testing.T) {
	w := buildWorld(t, 2)
	snapshot := w.snapshot(t, car(1, 10, 0, 10, 20))

	wl, err := lattice.NewWaypointLattice(w.m.Waypoint(47, 0, 10), 50, 1.0, w.rt)
	assert.NoError(t, err)
	station, err := NewStation(snapshot, wl, w.fm)
	assert.NoError(t, err)
	parentA, err := NewStation(snapshot, wl, w.fm)
	assert.NoError(t, err)
	parentB, err := NewStation(snapshot, wl, w.fm)
	assert.NoError(t, err)

	station.UpdateRightParent(snapshot, 3.0, parentA)
	assert.Equal(t, parentA, station.OptimalParent().Station)

	// A left parent with the same cost wins over the right parent; a back
	// parent wins over both.
	station.UpdateLeftParent(snapshot, 3.0, parentB)
	assert.Equal(t, parentB, station.OptimalParent().Station)

	station.UpdateBackParent(snapshot, 3.0, parentA)
	assert.Equal(t, station.BackParent(), station.OptimalParent())

	// A strictly cheaper parent still wins regardless of direction.
	station.UpdateRightParent(snapshot, 1.0, parentB)
	assert.Equal(t, station.RightParent(), station.OptimalParent())
}
