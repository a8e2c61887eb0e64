package path

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/geo"
)

func pose(x, y, yaw, curvature float64) BoundaryPose {
	return BoundaryPose{Transform: geo.NewTransform(x, y, yaw), Curvature: curvature}
}

func TestStraightPath(t *testing.T) {
	p, err := NewContinuousPath(pose(0, 0, 0, 0), pose(50, 0, 0, 0), KeepLane)
	assert.NoError(t, err)
	assert.InDelta(t, 50.0, p.Range(), 0.1)

	mid := p.TransformAt(25)
	assert.InDelta(t, 25.0, mid.Location.X, 0.1)
	assert.InDelta(t, 0.0, mid.Location.Y, 1e-6)
	assert.InDelta(t, 0.0, mid.Yaw, 1e-6)
	assert.InDelta(t, 0.0, p.CurvatureAt(25), 1e-6)
}

func TestPathEndpointsMatch(t *testing.T) {
	start := pose(10, 0, 0, 0)
	end := pose(60, 3.5, 0, 0)
	p, err := NewContinuousPath(start, end, RightLaneChange)
	assert.NoError(t, err)
	assert.Equal(t, RightLaneChange, p.LaneChange())

	first := p.TransformAt(0)
	assert.InDelta(t, 10.0, first.Location.X, 1e-6)
	assert.InDelta(t, 0.0, first.Location.Y, 1e-6)
	assert.InDelta(t, 0.0, first.Yaw, 1e-6)

	last := p.TransformAt(p.Range())
	assert.InDelta(t, 60.0, last.Location.X, 1e-6)
	assert.InDelta(t, 3.5, last.Location.Y, 1e-6)
	assert.InDelta(t, 0.0, last.Yaw, 1e-6)
}

func TestArcLengthMonotone(t *testing.T) {
	p, err := NewContinuousPath(pose(0, 0, 0, 0), pose(50, -3.5, 0, 0), LeftLaneChange)
	assert.NoError(t, err)
	assert.Greater(t, p.Range(), 50.0)

	prev := p.TransformAt(0).Location
	travelled := 0.0
	for s := 1.0; s <= p.Range(); s += 1.0 {
		cur := p.TransformAt(s).Location
		travelled += geo.Distance(prev, cur)
		prev = cur
	}
	// Chord sums track the arc-length parameterization.
	assert.InDelta(t, p.Range(), travelled, 1.0)
}

func TestCurvedBoundaryConditions(t *testing.T) {
	// Both endpoints sit on a right-hand arc of radius 200; the synthesized
	// path must carry the boundary curvature through.
	curvature := 0.005
	start := pose(0, 0, 0, curvature)
	endYaw := curvature * 50
	end := BoundaryPose{
		Transform: geo.NewTransform(
			math.Sin(endYaw)/curvature,
			(1-math.Cos(endYaw))/curvature,
			endYaw),
		Curvature: curvature,
	}

	p, err := NewContinuousPath(start, end, KeepLane)
	assert.NoError(t, err)
	assert.InDelta(t, 50.0, p.Range(), 0.5)

	assert.InDelta(t, curvature, p.CurvatureAt(0), 5e-4)
	assert.InDelta(t, curvature, p.CurvatureAt(p.Range()), 5e-4)
	assert.InDelta(t, curvature, p.CurvatureAt(p.Range()/2), 2e-3)

	// Heading turns toward the right-hand side along the arc.
	assert.InDelta(t, endYaw, p.TransformAt(p.Range()).Yaw, 1e-6)
}

func TestDegenerateAndBackwardTargets(t *testing.T) {
	_, err := NewContinuousPath(pose(0, 0, 0, 0), pose(0.2, 0, 0, 0), KeepLane)
	assert.True(t, errors.Is(err, ErrDegeneratePath))

	_, err = NewContinuousPath(pose(0, 0, 0, 0), pose(-20, 0, 0, 0), KeepLane)
	assert.True(t, errors.Is(err, ErrTargetBehind))

	_, err = NewContinuousPath(pose(0, 0, 0, 0), pose(-20, 1, math.Pi, 0), KeepLane)
	assert.True(t, errors.Is(err, ErrTargetBehind))
}

func TestDiscretePathSampling(t *testing.T) {
	p, err := NewContinuousPath(pose(0, 0, 0, 0), pose(50, 0, 0, 0), KeepLane)
	assert.NoError(t, err)

	d := NewDiscretePath(p, 0.5)
	samples := d.Samples()
	assert.GreaterOrEqual(t, len(samples), 100)
	assert.InDelta(t, 50.0, d.Range(), 0.1)
	assert.InDelta(t, 0.0, samples[0].Transform.Location.X, 1e-6)
	assert.InDelta(t, 50.0, d.Last().Transform.Location.X, 0.1)

	for _, s := range samples {
		assert.InDelta(t, 0.0, s.Lateral, 1e-6)
	}
}

func TestDiscretePathAppend(t *testing.T) {
	first, err := NewContinuousPath(pose(0, 0, 0, 0), pose(50, 0, 0, 0), KeepLane)
	assert.NoError(t, err)
	second, err := NewContinuousPath(pose(50, 0, 0, 0), pose(100, 3.5, 0, 0), RightLaneChange)
	assert.NoError(t, err)

	d := NewDiscretePath(first, 0.5)
	assert.NoError(t, d.Append(second))
	assert.Greater(t, d.Range(), 100.0)
	assert.InDelta(t, 3.5, d.Last().Transform.Location.Y, 1e-6)

	disjoint, err := NewContinuousPath(pose(200, 0, 0, 0), pose(250, 0, 0, 0), KeepLane)
	assert.NoError(t, err)
	assert.Error(t, d.Append(disjoint))
}

func TestLaneChangeLateralProfile(t *testing.T) {
	p, err := NewContinuousPath(pose(0, 3.5, 0, 0), pose(50, 0, 0, 0), LeftLaneChange)
	assert.NoError(t, err)

	d := NewDiscretePath(p, 0.5)
	// Lateral offsets run from the start lane line toward the left lane.
	assert.InDelta(t, 0.0, d.Samples()[0].Lateral, 1e-6)
	assert.InDelta(t, -3.5, d.Last().Lateral, 1e-6)
}
