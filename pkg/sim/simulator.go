package sim

import (
	"fmt"
	"math"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/path"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/traffic"
)

// AccelerationModel supplies the longitudinal accelerations driving a
// simulation step plus the comfort cost charged for the ego acceleration.
type AccelerationModel interface {
	EgoAcceleration(s *traffic.Snapshot) (float64, error)
	AgentAcceleration(s *traffic.Snapshot, agent int64) (float64, error)
	AccelCost(accel, speed, policySpeed float64) float64
}

// Simulator forward-rolls a snapshot along a candidate ego path. It owns a
// clone of the input snapshot; the caller's snapshot is never mutated.
type Simulator struct {
	snap  *traffic.Snapshot
	model AccelerationModel
}

func New(snapshot *traffic.Snapshot, model AccelerationModel) (*Simulator, error) {
	clone, err := snapshot.Clone()
	if err != nil {
		return nil, fmt.Errorf("simulator: %w", err)
	}
	return &Simulator{snap: clone, model: model}, nil
}

// Snapshot is the simulated world state, valid after Simulate returns.
func (sim *Simulator) Snapshot() *traffic.Snapshot {
	return sim.snap
}

// Simulate advances the snapshot in fixed steps until the ego reaches the
// end of the path or the horizon expires. Returns the simulated time, the
// accumulated stage cost, and false when a collision ended the rollout.
func (sim *Simulator) Simulate(p *path.ContinuousPath, timeStep, horizon float64) (float64, float64, bool, error) {
	if timeStep <= 0 || horizon <= 0 {
		return 0, 0, false, fmt.Errorf("simulate: non-positive time step %f or horizon %f", timeStep, horizon)
	}

	simTime := 0.0
	stageCost := 0.0
	egoS := 0.0

	for simTime < horizon-1e-9 && egoS < p.Range()-1e-6 {
		ego := sim.snap.Ego()

		egoAccel, err := sim.model.EgoAcceleration(sim.snap)
		if err != nil {
			return simTime, stageCost, false, err
		}
		agentIDs := sim.snap.AgentIDs()
		agentAccels := make(map[int64]float64, len(agentIDs))
		for _, id := range agentIDs {
			accel, err := sim.model.AgentAcceleration(sim.snap, id)
			if err != nil {
				return simTime, stageCost, false, err
			}
			agentAccels[id] = accel
		}

		dt := timeStep
		if horizon-simTime < dt {
			dt = horizon - simTime
		}
		ds := ego.Speed*dt + 0.5*egoAccel*dt*dt
		if ds < 0 {
			ds = 0
		}
		if egoS+ds >= p.Range() {
			remaining := p.Range() - egoS
			dt = stepTime(ego.Speed, egoAccel, remaining, dt)
			ds = remaining
		}
		egoS += ds

		updated := make([]traffic.Vehicle, 0, len(agentIDs)+1)

		newEgo := ego
		newEgo.Transform = p.TransformAt(egoS)
		newEgo.Curvature = p.CurvatureAt(egoS)
		newEgo.Speed = math.Max(0, ego.Speed+egoAccel*dt)
		newEgo.Acceleration = egoAccel
		updated = append(updated, newEgo)

		for _, id := range agentIDs {
			agent, _ := sim.snap.Agent(id)
			accel := agentAccels[id]
			dsAgent := agent.Speed*dt + 0.5*accel*dt*dt
			if dsAgent > 1e-6 {
				if wp := sim.snap.FastMap().Waypoint(agent.Transform.Location); wp != nil {
					next, err := sim.snap.Router().FrontWaypoint(wp, dsAgent)
					if err == nil && next != nil {
						agent.Transform = next.Transform
						agent.Curvature = next.Curvature
					}
				}
			}
			agent.Speed = math.Max(0, agent.Speed+accel*dt)
			agent.Acceleration = accel
			updated = append(updated, agent)
		}

		stageCost += sim.model.AccelCost(egoAccel, ego.Speed, ego.PolicySpeed) * dt
		simTime += dt

		ok, err := sim.snap.Apply(updated)
		if err != nil {
			return simTime, stageCost, false, err
		}
		if !ok {
			return simTime, stageCost, false, nil
		}
	}

	return simTime, stageCost, true, nil
}

// stepTime solves v*t + a*t^2/2 = remaining for the duration of the final
// partial step.
func stepTime(speed, accel, remaining, dtMax float64) float64 {
	var t float64
	if math.Abs(accel) < 1e-9 {
		if speed < 1e-9 {
			return dtMax
		}
		t = remaining / speed
	} else {
		disc := speed*speed + 2*accel*remaining
		if disc < 0 {
			return dtMax
		}
		t = (-speed + math.Sqrt(disc)) / accel
	}
	if t <= 0 || t > dtMax {
		return dtMax
	}
	return t
}
