package geo

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
)

func TestForwardAndRight(t *testing.T) {
	tf := NewTransform(0, 0, 0)
	assert.InDelta(t, 1.0, tf.Forward().X, 1e-9)
	assert.InDelta(t, 0.0, tf.Forward().Y, 1e-9)
	assert.InDelta(t, 0.0, tf.Right().X, 1e-9)
	assert.InDelta(t, 1.0, tf.Right().Y, 1e-9)

	tf = NewTransform(0, 0, math.Pi/2)
	assert.InDelta(t, 0.0, tf.Forward().X, 1e-9)
	assert.InDelta(t, 1.0, tf.Forward().Y, 1e-9)
	assert.InDelta(t, -1.0, tf.Right().X, 1e-9)
	assert.InDelta(t, 0.0, tf.Right().Y, 1e-9)
}

func TestProject(t *testing.T) {
	tf := NewTransform(3, 4, 0)
	loc := tf.Project(2.5)
	assert.InDelta(t, 5.5, loc.X, 1e-9)
	assert.InDelta(t, 4.0, loc.Y, 1e-9)

	loc = tf.Project(-2.5)
	assert.InDelta(t, 0.5, loc.X, 1e-9)
}

func TestLateralOffsetSign(t *testing.T) {
	ref := NewTransform(0, 0, 0)

	// +y is the right-hand side of a pose heading along +x.
	assert.InDelta(t, 1.5, LateralOffset(r2.Point{X: 10, Y: 1.5}, ref), 1e-9)
	assert.InDelta(t, -2.0, LateralOffset(r2.Point{X: 10, Y: -2.0}, ref), 1e-9)
}

func TestLongitudinalOffset(t *testing.T) {
	ref := NewTransform(5, 0, 0)
	assert.InDelta(t, 7.0, LongitudinalOffset(r2.Point{X: 12, Y: 3}, ref), 1e-9)
	assert.InDelta(t, -5.0, LongitudinalOffset(r2.Point{X: 0, Y: 0}, ref), 1e-9)
}

func TestNormalizeAngle(t *testing.T) {
	assert.InDelta(t, 0.0, NormalizeAngle(2*math.Pi), 1e-9)
	assert.InDelta(t, -math.Pi/2, NormalizeAngle(3*math.Pi/2), 1e-9)
}
