package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/engine/idmplanner"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/follow"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/roadmap"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/router"
)

func testService(t *testing.T) *PlannerService {
	t.Helper()
	ids := []int64{47, 48, 49}
	m := roadmap.BuildStraightMap(ids, 100, 2, roadmap.DefaultLaneWidth)
	fm := roadmap.NewFastWaypointMap(m)
	rt := router.NewLoopRouter(ids)

	planner, err := idmplanner.New(
		idmplanner.Config{SimTimeStep: 0.2, SpatialHorizon: 100},
		rt, m, fm, follow.Default())
	assert.NoError(t, err)
	return NewPlannerService(planner, m, fm, rt)
}

func TestPlanTick(t *testing.T) {
	svc := testService(t)

	result, err := svc.Plan(context.Background(), 1, []VehicleInput{
		{ID: 1, X: 10, Y: 0, Speed: 10, PolicySpeed: 20},
		{ID: 2, X: 60, Y: 0, Speed: 10, PolicySpeed: 10},
	})
	assert.NoError(t, err)
	assert.NotNil(t, result.Path)
	assert.Greater(t, result.Path.Range(), 40.0)
}

func TestGraphIntrospection(t *testing.T) {
	svc := testService(t)

	// Before any tick the graph is empty.
	graph, err := svc.Graph(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, graph.Nodes)
	assert.Empty(t, graph.Edges)

	_, err = svc.Plan(context.Background(), 1, []VehicleInput{
		{ID: 1, X: 10, Y: 0, Speed: 10, PolicySpeed: 20},
	})
	assert.NoError(t, err)

	graph, err = svc.Graph(context.Background())
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, len(graph.Nodes), 2)
	assert.GreaterOrEqual(t, len(graph.Edges), 1)

	edge := graph.Edges[0]
	assert.Greater(t, edge.Length, 40.0)
	assert.NotEmpty(t, edge.LaneChange)
	assert.Greater(t, edge.ToX, edge.FromX)
}

func TestPlanUnknownEgo(t *testing.T) {
	svc := testService(t)

	_, err := svc.Plan(context.Background(), 9, []VehicleInput{
		{ID: 1, X: 10, Y: 0, Speed: 10, PolicySpeed: 20},
	})
	assert.Error(t, err)
}
