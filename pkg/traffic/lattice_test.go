package traffic

import (
	"errors"
	"fmt"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/geo"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/roadmap"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/router"
)

func boxExtent(halfLength, halfWidth float64) r2.Point {
	return r2.Point{X: halfLength, Y: halfWidth}
}

func testNetwork(t *testing.T, lanes int, laneWidth float64) (*roadmap.Map, *roadmap.FastWaypointMap, router.Router) {
	t.Helper()
	m := roadmap.BuildStraightMap([]int64{47, 48, 49}, 200, lanes, laneWidth)
	fm := roadmap.NewFastWaypointMap(m)
	rt := router.NewLoopRouter([]int64{47, 48, 49})
	return m, fm, rt
}

func placement(id int64, x, y, yaw float64) Placement {
	return Placement{
		ID:          id,
		Transform:   geo.NewTransform(x, y, yaw),
		BoundingBox: BoundingBox{Extent: boxExtent(2.3, 1.0)},
	}
}

func TestRegistrationOccupiesContiguousRun(t *testing.T) {
	m, fm, rt := testNetwork(t, 2, roadmap.DefaultLaneWidth)

	l, disappeared, err := NewLattice([]Placement{
		placement(1, 50, 0, 0),
		placement(2, 80, 0, 0),
	}, m, fm, rt)
	assert.NoError(t, err)
	assert.Empty(t, disappeared)
	assert.Equal(t, []int64{1, 2}, l.Vehicles())

	nodes := l.VehicleNodes(1)
	assert.GreaterOrEqual(t, len(nodes), 4)
	for i, n := range nodes {
		assert.True(t, n.Payload.Occupied)
		assert.Equal(t, int64(1), n.Payload.Vehicle)
		if i > 0 {
			assert.InDelta(t, nodes[i-1].Distance()+1.0, n.Distance(), 1e-6)
		}
	}

	// The head and rear bracket the body span of ~4.6m.
	span := nodes[len(nodes)-1].Distance() - nodes[0].Distance()
	assert.InDelta(t, 4.0, span, 1.1)

	// No other node references vehicle 1.
	count := 0
	for _, n := range l.Base().Nodes() {
		if n.Payload.Occupied && n.Payload.Vehicle == 1 {
			count++
		}
	}
	assert.Equal(t, len(nodes), count)
}

func TestFrontBackQueries(t *testing.T) {
	m, fm, rt := testNetwork(t, 2, roadmap.DefaultLaneWidth)

	l, _, err := NewLattice([]Placement{
		placement(1, 50, 0, 0),
		placement(2, 90, 0, 0),
	}, m, fm, rt)
	assert.NoError(t, err)

	front, err := l.Front(1)
	assert.NoError(t, err)
	assert.NotNil(t, front)
	assert.Equal(t, int64(2), front.Vehicle)
	// Head of 1 at ~52.3, rear of 2 at ~87.7.
	assert.InDelta(t, 35.4, front.Distance, 1.2)

	back, err := l.Back(2)
	assert.NoError(t, err)
	assert.NotNil(t, back)
	assert.Equal(t, int64(1), back.Vehicle)

	// Nothing ahead of the lead.
	front2, err := l.Front(2)
	assert.NoError(t, err)
	assert.Nil(t, front2)

	_, err = l.Front(3)
	assert.True(t, errors.Is(err, ErrVehicleNotOnLattice))
}

func TestLateralQueriesAndNegativeDistance(t *testing.T) {
	m, fm, rt := testNetwork(t, 2, roadmap.DefaultLaneWidth)

	// Vehicle 2 rides on the right lane beside vehicle 1: overlapping
	// longitudinally, which must surface as a non-positive distance.
	l, _, err := NewLattice([]Placement{
		placement(1, 50, 0, 0),
		placement(2, 50, roadmap.DefaultLaneWidth, 0),
	}, m, fm, rt)
	assert.NoError(t, err)

	rightFront, err := l.RightFront(1)
	assert.NoError(t, err)
	assert.NotNil(t, rightFront)
	assert.Equal(t, int64(2), rightFront.Vehicle)
	assert.LessOrEqual(t, rightFront.Distance, 0.0)

	rightBack, err := l.RightBack(1)
	assert.NoError(t, err)
	assert.NotNil(t, rightBack)
	assert.Equal(t, int64(2), rightBack.Vehicle)
	assert.LessOrEqual(t, rightBack.Distance, 0.0)

	leftFront, err := l.LeftFront(2)
	assert.NoError(t, err)
	assert.NotNil(t, leftFront)
	assert.Equal(t, int64(1), leftFront.Vehicle)

	// Vehicle 1 rides the left lane; nothing lies further left.
	none, err := l.LeftFront(1)
	assert.NoError(t, err)
	assert.Nil(t, none)
}

func TestLeftFrontAcrossEmptyLane(t *testing.T) {
	m, fm, rt := testNetwork(t, 2, roadmap.DefaultLaneWidth)

	l, _, err := NewLattice([]Placement{
		placement(1, 50, roadmap.DefaultLaneWidth, 0),
		placement(2, 120, 0, 0),
	}, m, fm, rt)
	assert.NoError(t, err)

	// The left lane beside vehicle 1 is free; the left front is found by
	// walking forward on it.
	leftFront, err := l.LeftFront(1)
	assert.NoError(t, err)
	assert.NotNil(t, leftFront)
	assert.Equal(t, int64(2), leftFront.Vehicle)
	assert.InDelta(t, 65.4, leftFront.Distance, 1.2)
}

func TestCollisionAtConstructionNamesVehicles(t *testing.T) {
	m, fm, rt := testNetwork(t, 2, roadmap.DefaultLaneWidth)

	_, _, err := NewLattice([]Placement{
		placement(7, 50, 0, 0),
		placement(8, 50, 0, 0),
	}, m, fm, rt)
	assert.True(t, errors.Is(err, ErrCollision))
	assert.Contains(t, err.Error(), "vehicle 7")
	assert.Contains(t, err.Error(), "vehicle 8")
}

func TestTouchingBodiesRegister(t *testing.T) {
	m, fm, rt := testNetwork(t, 2, roadmap.DefaultLaneWidth)

	// Bumper to bumper with a gap under half the lattice resolution.
	l, disappeared, err := NewLattice([]Placement{
		placement(1, 50, 0, 0),
		placement(2, 55.0, 0, 0),
	}, m, fm, rt)
	assert.NoError(t, err)
	assert.Empty(t, disappeared)
	assert.Equal(t, []int64{1, 2}, l.Vehicles())
}

func TestAddDeleteRoundTrip(t *testing.T) {
	m, fm, rt := testNetwork(t, 2, roadmap.DefaultLaneWidth)

	l, _, err := NewLattice([]Placement{placement(1, 50, 0, 0)}, m, fm, rt)
	assert.NoError(t, err)

	occupiedBefore := occupiedNodeIDs(l)

	assert.Equal(t, 1, l.AddVehicle(placement(2, 50, roadmap.DefaultLaneWidth, 0)))
	assert.Equal(t, 0, l.AddVehicle(placement(2, 50, roadmap.DefaultLaneWidth, 0)))
	assert.Equal(t, 1, l.DeleteVehicle(2))
	assert.Equal(t, 0, l.DeleteVehicle(2))

	assert.Equal(t, occupiedBefore, occupiedNodeIDs(l))
	assert.Equal(t, []int64{1}, l.Vehicles())
}

func TestAddVehicleCollisionRollsBack(t *testing.T) {
	m, fm, rt := testNetwork(t, 2, roadmap.DefaultLaneWidth)

	l, _, err := NewLattice([]Placement{placement(1, 50, 0, 0)}, m, fm, rt)
	assert.NoError(t, err)
	occupiedBefore := occupiedNodeIDs(l)

	assert.Equal(t, -1, l.AddVehicle(placement(2, 51, 0, 0)))
	assert.Equal(t, occupiedBefore, occupiedNodeIDs(l))
	assert.False(t, l.HasVehicle(2))
}

func occupiedNodeIDs(l *Lattice) string {
	out := ""
	for _, n := range l.Base().Nodes() {
		if n.Payload.Occupied {
			out += fmt.Sprintf("%d:%d ", n.ID(), n.Payload.Vehicle)
		}
	}
	return out
}

func TestMoveTrafficForward(t *testing.T) {
	m, fm, rt := testNetwork(t, 2, roadmap.DefaultLaneWidth)

	l, _, err := NewLattice([]Placement{
		placement(1, 50, 0, 0),
		placement(2, 90, 0, 0),
	}, m, fm, rt)
	assert.NoError(t, err)

	disappeared, ok, err := l.MoveTrafficForward([]Placement{
		placement(1, 60, 0, 0),
		placement(2, 100, 0, 0),
	})
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, disappeared)
	assert.Equal(t, []int64{1, 2}, l.Vehicles())

	// Head and rear distances bracket the mid node on the rebased lattice.
	for _, id := range l.Vehicles() {
		nodes := l.VehicleNodes(id)
		mid := nodes[len(nodes)/2]
		assert.LessOrEqual(t, nodes[0].Distance(), mid.Distance())
		assert.LessOrEqual(t, mid.Distance(), nodes[len(nodes)-1].Distance())
	}

	front, err := l.Front(1)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), front.Vehicle)
}

func TestMoveTrafficForwardSetMismatch(t *testing.T) {
	m, fm, rt := testNetwork(t, 2, roadmap.DefaultLaneWidth)

	l, _, err := NewLattice([]Placement{
		placement(1, 50, 0, 0),
		placement(2, 90, 0, 0),
	}, m, fm, rt)
	assert.NoError(t, err)

	_, _, err = l.MoveTrafficForward([]Placement{placement(1, 60, 0, 0)})
	assert.True(t, errors.Is(err, ErrSetMismatch))

	_, _, err = l.MoveTrafficForward([]Placement{
		placement(1, 60, 0, 0),
		placement(3, 100, 0, 0),
	})
	assert.True(t, errors.Is(err, ErrSetMismatch))
}

func TestMoveTrafficForwardCollision(t *testing.T) {
	m, fm, rt := testNetwork(t, 2, roadmap.DefaultLaneWidth)

	l, _, err := NewLattice([]Placement{
		placement(1, 50, 0, 0),
		placement(2, 90, 0, 0),
	}, m, fm, rt)
	assert.NoError(t, err)

	_, ok, err := l.MoveTrafficForward([]Placement{
		placement(1, 88, 0, 0),
		placement(2, 90, 0, 0),
	})
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestIsChangingLaneInLane(t *testing.T) {
	m, fm, rt := testNetwork(t, 2, roadmap.DefaultLaneWidth)

	l, _, err := NewLattice([]Placement{placement(1, 50, 0, 0)}, m, fm, rt)
	assert.NoError(t, err)

	dir, err := l.IsChangingLane(1)
	assert.NoError(t, err)
	assert.Equal(t, 0, dir)

	_, err = l.IsChangingLane(9)
	assert.True(t, errors.Is(err, ErrVehicleNotOnLattice))
}

func TestIsChangingLaneStraddling(t *testing.T) {
	// Narrow lanes: lane boundaries half a metre apart, the body of one
	// vehicle straddles them mid lane change.
	m := roadmap.BuildStraightMap([]int64{47}, 100, 2, 0.5)
	fm := roadmap.NewFastWaypointMap(m)
	rt := router.NewLoopRouter([]int64{47})

	// Yaw tilts the body so the rear projects onto lane 0 and the head
	// onto lane 1 (the right lane).
	p := Placement{
		ID:          1,
		Transform:   geo.NewTransform(10, 0.22, 0.08),
		BoundingBox: BoundingBox{Extent: boxExtent(2.5, 1.0)},
	}
	l, disappeared, err := NewLattice([]Placement{p}, m, fm, rt)
	assert.NoError(t, err)
	assert.Empty(t, disappeared)

	dir, err := l.IsChangingLane(1)
	assert.NoError(t, err)
	assert.Equal(t, 1, dir)
}

func TestSortRoadsNotOnChain(t *testing.T) {
	m := roadmap.BuildStraightMap([]int64{47, 48}, 200, 2, roadmap.DefaultLaneWidth)
	fm := roadmap.NewFastWaypointMap(m)
	// The router only routes road 47; a vehicle on road 48 has no on-route
	// waypoint at all.
	rt := router.NewLoopRouter([]int64{47})

	_, _, err := NewLattice([]Placement{placement(1, 250, 0, 0)}, m, fm, rt)
	assert.True(t, errors.Is(err, ErrRoadsNotOnLocalChain))
}
