package follow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFreeAccel(t *testing.T) {
	m := Default()

	// Below the policy speed the model accelerates.
	assert.Greater(t, m.FreeAccel(10, 20), 0.0)
	// At the policy speed the acceleration vanishes.
	assert.InDelta(t, 0.0, m.FreeAccel(20, 20), 1e-9)
	// Above the policy speed the model brakes.
	assert.Less(t, m.FreeAccel(25, 20), 0.0)
	// A zero policy speed brakes instead of dividing by zero.
	assert.InDelta(t, -2.5, m.FreeAccel(10, 0), 1e-9)
}

func TestAccelWithLead(t *testing.T) {
	m := Default()

	// Closing fast on a slow lead forces a hard brake.
	assert.Less(t, m.Accel(20, 20, 10, 20), -2.0)

	// A distant lead barely matters.
	free := m.FreeAccel(10, 20)
	assert.InDelta(t, free, m.Accel(10, 20, 10, 500), 0.1)

	// Braking grows as the gap shrinks.
	far := m.Accel(15, 20, 10, 50)
	near := m.Accel(15, 20, 10, 15)
	assert.Greater(t, far, near)
}
