package service

import (
	"github.com/golang/geo/r2"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/geo"
)

func boxExtent(halfLength, halfWidth float64) r2.Point {
	return r2.Point{X: halfLength, Y: halfWidth}
}

func transformFromInput(in VehicleInput) geo.Transform {
	return geo.NewTransform(in.X, in.Y, in.Yaw)
}
