package follow

import "math"

// Params are the intelligent driver model parameters.
type Params struct {
	TimeHeadway  float64 // desired time gap to the lead, s
	MaxAccel     float64 // maximum acceleration, m/s^2
	ComfortBrake float64 // comfortable braking deceleration, m/s^2
	MaxDecel     float64 // physical braking limit, m/s^2
	MinGap       float64 // standstill gap, m
	Exponent     float64
}

func DefaultParams() Params {
	return Params{
		TimeHeadway:  1.0,
		MaxAccel:     1.5,
		ComfortBrake: 2.5,
		MaxDecel:     8.0,
		MinGap:       2.0,
		Exponent:     4.0,
	}
}

// Model computes longitudinal accelerations under the intelligent driver
// model.
type Model struct {
	params Params
}

func NewModel(params Params) Model {
	return Model{params: params}
}

func Default() Model {
	return NewModel(DefaultParams())
}

// FreeAccel is the acceleration on an open road toward the policy speed.
func (m Model) FreeAccel(speed, policySpeed float64) float64 {
	if policySpeed <= 0 {
		return -m.params.ComfortBrake
	}
	return m.clamp(m.params.MaxAccel * (1 - math.Pow(speed/policySpeed, m.params.Exponent)))
}

// clamp bounds the commanded deceleration at the physical braking limit.
func (m Model) clamp(accel float64) float64 {
	if accel < -m.params.MaxDecel {
		return -m.params.MaxDecel
	}
	return accel
}

// Accel is the acceleration when following a lead vehicle at the given
// speed and gap.
func (m Model) Accel(speed, policySpeed, leadSpeed, gap float64) float64 {
	if policySpeed <= 0 {
		return -m.params.ComfortBrake
	}
	if gap < 0.1 {
		gap = 0.1
	}

	desired := m.params.MinGap + speed*m.params.TimeHeadway +
		speed*(speed-leadSpeed)/(2*math.Sqrt(m.params.MaxAccel*m.params.ComfortBrake))
	if desired < m.params.MinGap {
		desired = m.params.MinGap
	}

	return m.clamp(m.params.MaxAccel * (1 -
		math.Pow(speed/policySpeed, m.params.Exponent) -
		(desired/gap)*(desired/gap)))
}
