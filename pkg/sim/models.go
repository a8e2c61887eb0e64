package sim

import (
	"fmt"
	"math"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/follow"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/traffic"
)

// CarFollowing drives the ego and every agent with the intelligent driver
// model against their own lead vehicle.
type CarFollowing struct {
	idm follow.Model
}

func NewCarFollowing(idm follow.Model) CarFollowing {
	return CarFollowing{idm: idm}
}

func (m CarFollowing) EgoAcceleration(s *traffic.Snapshot) (float64, error) {
	// Only the front vehicle on the lane of the ego head is considered,
	// even mid lane change.
	return m.followAccel(s, s.Ego())
}

func (m CarFollowing) AgentAcceleration(s *traffic.Snapshot, agent int64) (float64, error) {
	v, ok := s.Agent(agent)
	if !ok {
		return 0, fmt.Errorf("agent %d is not in the snapshot", agent)
	}
	return m.followAccel(s, v)
}

func (m CarFollowing) followAccel(s *traffic.Snapshot, v traffic.Vehicle) (float64, error) {
	lead, err := s.TrafficLattice().Front(v.ID)
	if err != nil {
		return 0, err
	}
	if lead == nil {
		return m.idm.FreeAccel(v.Speed, v.PolicySpeed), nil
	}
	leadVehicle, ok := s.Vehicle(lead.Vehicle)
	if !ok {
		return 0, fmt.Errorf("lead vehicle %d of %d is not in the snapshot", lead.Vehicle, v.ID)
	}
	return m.idm.Accel(v.Speed, v.PolicySpeed, leadVehicle.Speed, lead.Distance), nil
}

// AccelCost is zero for the car-following rollout; terminal costs carry the
// speed incentives instead.
func (m CarFollowing) AccelCost(accel, speed, policySpeed float64) float64 {
	return 0
}

// ConstantAccel holds the ego at the acceleration recorded in the snapshot
// while the agents keep reacting under car-following.
type ConstantAccel struct {
	idm        follow.Model
	costWeight float64
}

const defaultAccelCostWeight = 0.1

func NewConstantAccel(idm follow.Model) ConstantAccel {
	return ConstantAccel{idm: idm, costWeight: defaultAccelCostWeight}
}

// WithCostWeight overrides the comfort cost weight, for calibration.
func (m ConstantAccel) WithCostWeight(w float64) ConstantAccel {
	m.costWeight = w
	return m
}

func (m ConstantAccel) EgoAcceleration(s *traffic.Snapshot) (float64, error) {
	return s.Ego().Acceleration, nil
}

func (m ConstantAccel) AgentAcceleration(s *traffic.Snapshot, agent int64) (float64, error) {
	return CarFollowing{idm: m.idm}.AgentAcceleration(s, agent)
}

// AccelCost is zero at zero acceleration below the policy speed and grows
// with the acceleration magnitude; exceeding the policy speed scales it up.
func (m ConstantAccel) AccelCost(accel, speed, policySpeed float64) float64 {
	excess := 0.0
	if policySpeed > 0 && speed > policySpeed {
		excess = speed/policySpeed - 1
	}
	return m.costWeight * math.Abs(accel) * (1 + excess)
}
