package geo

import (
	"math"

	"github.com/golang/geo/r2"
)

// The map frame is a local metric frame matching the upstream driving
// simulator convention: x forward at yaw 0, yaw increasing toward +y, so the
// right-hand side of a vehicle heading along +x lies at +y.

// Transform is a pose on the drivable surface: a location and a heading.
type Transform struct {
	Location r2.Point
	Yaw      float64 // radians
}

func NewTransform(x, y, yaw float64) Transform {
	return Transform{Location: r2.Point{X: x, Y: y}, Yaw: yaw}
}

// Forward returns the unit heading vector of the transform.
func (t Transform) Forward() r2.Point {
	return r2.Point{X: math.Cos(t.Yaw), Y: math.Sin(t.Yaw)}
}

// Right returns the unit vector pointing to the right-hand side of the pose.
func (t Transform) Right() r2.Point {
	return r2.Point{X: -math.Sin(t.Yaw), Y: math.Cos(t.Yaw)}
}

// Project returns the location d metres ahead of the pose along its heading.
func (t Transform) Project(d float64) r2.Point {
	return t.Location.Add(t.Forward().Mul(d))
}

func Distance(a, b r2.Point) float64 {
	return a.Sub(b).Norm()
}

// LateralOffset is the signed distance of loc from the line through ref along
// its heading. Positive on the right-hand side of ref.
func LateralOffset(loc r2.Point, ref Transform) float64 {
	return loc.Sub(ref.Location).Dot(ref.Right())
}

// LongitudinalOffset is the signed arc distance of loc ahead of ref.
func LongitudinalOffset(loc r2.Point, ref Transform) float64 {
	return loc.Sub(ref.Location).Dot(ref.Forward())
}

// NormalizeAngle wraps an angle into (-pi, pi].
func NormalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
