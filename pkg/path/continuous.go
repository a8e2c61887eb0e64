package path

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/geo"
	"gonum.org/v1/gonum/interp"
)

var (
	ErrDegeneratePath = errors.New("path endpoints are too close to connect")
	ErrTargetBehind   = errors.New("path target lies behind the start pose")
)

// LaneChangeType selects the class of the synthesized path.
type LaneChangeType int

const (
	KeepLane LaneChangeType = iota
	LeftLaneChange
	RightLaneChange
)

func (t LaneChangeType) String() string {
	switch t {
	case LeftLaneChange:
		return "left-lane-change"
	case RightLaneChange:
		return "right-lane-change"
	default:
		return "keep-lane"
	}
}

// BoundaryPose is a path endpoint: an oriented pose plus the path curvature
// at that pose.
type BoundaryPose struct {
	Transform geo.Transform
	Curvature float64
}

const (
	minChord        = 0.5
	samplesPerMetre = 4
	minSamples      = 16
)

// ContinuousPath is a smooth parametric path between two oriented poses with
// boundary curvatures, queryable by arc length. Internally a quintic Hermite
// curve; the arc-length map is tabulated numerically.
type ContinuousPath struct {
	start, end BoundaryPose
	laneChange LaneChangeType

	p0, m0, a0 r2.Point
	p1, m1, a1 r2.Point

	length float64
	sToT   interp.PiecewiseLinear
}

// NewContinuousPath synthesizes a path from start to end matching position,
// heading, and curvature at both ends.
func NewContinuousPath(start, end BoundaryPose, laneChange LaneChangeType) (*ContinuousPath, error) {
	chord := geo.Distance(start.Transform.Location, end.Transform.Location)
	if chord < minChord {
		return nil, fmt.Errorf("%w: chord %.3f", ErrDegeneratePath, chord)
	}
	if geo.LongitudinalOffset(end.Transform.Location, start.Transform) <= 0 {
		return nil, fmt.Errorf("%w: start %s end %s", ErrTargetBehind,
			fmtPose(start.Transform), fmtPose(end.Transform))
	}

	p := &ContinuousPath{
		start:      start,
		end:        end,
		laneChange: laneChange,
		p0:         start.Transform.Location,
		m0:         start.Transform.Forward().Mul(chord),
		a0:         start.Transform.Right().Mul(start.Curvature * chord * chord),
		p1:         end.Transform.Location,
		m1:         end.Transform.Forward().Mul(chord),
		a1:         end.Transform.Right().Mul(end.Curvature * chord * chord),
	}

	if err := p.tabulate(chord); err != nil {
		return nil, err
	}
	return p, nil
}

func fmtPose(t geo.Transform) string {
	return fmt.Sprintf("(x:%.2f y:%.2f yaw:%.3f)", t.Location.X, t.Location.Y, t.Yaw)
}

// tabulate builds the arc-length-to-parameter map by integrating the
// parametric speed.
func (p *ContinuousPath) tabulate(chord float64) error {
	n := int(chord * samplesPerMetre)
	if n < minSamples {
		n = minSamples
	}

	ts := make([]float64, n+1)
	cum := make([]float64, n+1)
	prevSpeed := p.velocityAt(0).Norm()
	for i := 1; i <= n; i++ {
		t := float64(i) / float64(n)
		ts[i] = t
		speed := p.velocityAt(t).Norm()
		cum[i] = cum[i-1] + 0.5*(prevSpeed+speed)/float64(n)
		prevSpeed = speed
	}

	p.length = cum[n]
	if p.length < minChord {
		return fmt.Errorf("%w: arc length %.3f", ErrDegeneratePath, p.length)
	}
	for i := 1; i <= n; i++ {
		if cum[i] <= cum[i-1] {
			cum[i] = cum[i-1] + 1e-9
		}
	}
	return p.sToT.Fit(cum, ts)
}

// Range is the total arc length of the path.
func (p *ContinuousPath) Range() float64 {
	return p.length
}

func (p *ContinuousPath) LaneChange() LaneChangeType {
	return p.laneChange
}

func (p *ContinuousPath) Start() BoundaryPose { return p.start }
func (p *ContinuousPath) End() BoundaryPose { return p.end }

// TransformAt returns the pose at arc length s, clamped to the path range.
func (p *ContinuousPath) TransformAt(s float64) geo.Transform {
	t := p.param(s)
	loc := p.positionAt(t)
	vel := p.velocityAt(t)
	return geo.Transform{Location: loc, Yaw: math.Atan2(vel.Y, vel.X)}
}

// CurvatureAt returns the signed curvature at arc length s.
func (p *ContinuousPath) CurvatureAt(s float64) float64 {
	t := p.param(s)
	v := p.velocityAt(t)
	a := p.accelerationAt(t)
	speed := v.Norm()
	if speed < 1e-9 {
		return 0
	}
	return (v.X*a.Y - v.Y*a.X) / (speed * speed * speed)
}

func (p *ContinuousPath) param(s float64) float64 {
	if s <= 0 {
		return 0
	}
	if s >= p.length {
		return 1
	}
	return p.sToT.Predict(s)
}

func (p *ContinuousPath) positionAt(t float64) r2.Point {
	t2, t3 := t*t, t*t*t
	t4, t5 := t*t*t*t, t*t*t*t*t
	h0 := 1 - 10*t3 + 15*t4 - 6*t5
	h1 := t - 6*t3 + 8*t4 - 3*t5
	h2 := 0.5*t2 - 1.5*t3 + 1.5*t4 - 0.5*t5
	h3 := 10*t3 - 15*t4 + 6*t5
	h4 := -4*t3 + 7*t4 - 3*t5
	h5 := 0.5*t3 - t4 + 0.5*t5
	return p.p0.Mul(h0).
		Add(p.m0.Mul(h1)).
		Add(p.a0.Mul(h2)).
		Add(p.p1.Mul(h3)).
		Add(p.m1.Mul(h4)).
		Add(p.a1.Mul(h5))
}

func (p *ContinuousPath) velocityAt(t float64) r2.Point {
	t2, t3, t4 := t*t, t*t*t, t*t*t*t
	h0 := -30*t2 + 60*t3 - 30*t4
	h1 := 1 - 18*t2 + 32*t3 - 15*t4
	h2 := t - 4.5*t2 + 6*t3 - 2.5*t4
	h3 := 30*t2 - 60*t3 + 30*t4
	h4 := -12*t2 + 28*t3 - 15*t4
	h5 := 1.5*t2 - 4*t3 + 2.5*t4
	return p.p0.Mul(h0).
		Add(p.m0.Mul(h1)).
		Add(p.a0.Mul(h2)).
		Add(p.p1.Mul(h3)).
		Add(p.m1.Mul(h4)).
		Add(p.a1.Mul(h5))
}

func (p *ContinuousPath) accelerationAt(t float64) r2.Point {
	t2, t3 := t*t, t*t*t
	h0 := -60*t + 180*t2 - 120*t3
	h1 := -36*t + 96*t2 - 60*t3
	h2 := 1 - 9*t + 18*t2 - 10*t3
	h3 := 60*t - 180*t2 + 120*t3
	h4 := -24*t + 84*t2 - 60*t3
	h5 := 3*t - 12*t2 + 10*t3
	return p.p0.Mul(h0).
		Add(p.m0.Mul(h1)).
		Add(p.a0.Mul(h2)).
		Add(p.p1.Mul(h3)).
		Add(p.m1.Mul(h4)).
		Add(p.a1.Mul(h5))
}
