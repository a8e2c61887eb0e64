package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/twpayne/go-polyline"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/path"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/server/rest/service"
)

type PlannerService interface {
	Plan(ctx context.Context, egoID int64, vehicles []service.VehicleInput) (*service.PlanResult, error)
	Graph(ctx context.Context) (*service.GraphResult, error)
}

type PlannerHandler struct {
	svc PlannerService
}

func PlannerRouter(r *chi.Mux, svc PlannerService) {
	handler := &PlannerHandler{svc}

	r.Group(func(r chi.Router) {
		r.Route("/api", func(r chi.Router) {
			r.Post("/plan", handler.Plan)
			r.Get("/graph", handler.Graph)
		})
	})
}

// PlanRequest is one planning tick: the ego id plus the tracked vehicles,
// ego included.
type PlanRequest struct {
	EgoID    int64          `json:"ego_id" validate:"required"`
	Vehicles []VehicleInput `json:"vehicles" validate:"required,dive"`
}

type VehicleInput struct {
	ID          int64   `json:"id" validate:"required"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Yaw         float64 `json:"yaw"`
	HalfLength  float64 `json:"half_length"`
	HalfWidth   float64 `json:"half_width"`
	Speed       float64 `json:"speed" validate:"gte=0"`
	PolicySpeed float64 `json:"policy_speed" validate:"gte=0"`
}

func (p *PlanRequest) Bind(r *http.Request) error {
	if len(p.Vehicles) == 0 {
		return errors.New("invalid request")
	}
	return nil
}

// PlanResponse carries the planned path both as an encoded polyline of the
// sample locations and as explicit samples.
type PlanResponse struct {
	Polyline string       `json:"polyline"`
	Length   float64      `json:"length"`
	Samples  []PathSample `json:"samples"`
}

type PathSample struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Yaw       float64 `json:"yaw"`
	Curvature float64 `json:"curvature"`
	Lateral   float64 `json:"lateral"`
}

func RenderPlanResponse(planned *path.DiscretePath) *PlanResponse {
	samples := planned.Samples()
	coords := make([][]float64, 0, len(samples))
	out := make([]PathSample, 0, len(samples))
	for _, s := range samples {
		coords = append(coords, []float64{s.Transform.Location.X, s.Transform.Location.Y})
		out = append(out, PathSample{
			X:         s.Transform.Location.X,
			Y:         s.Transform.Location.Y,
			Yaw:       s.Transform.Yaw,
			Curvature: s.Curvature,
			Lateral:   s.Lateral,
		})
	}
	return &PlanResponse{
		Polyline: string(polyline.EncodeCoords(coords)),
		Length:   planned.Range(),
		Samples:  out,
	}
}

func (h *PlannerHandler) Plan(w http.ResponseWriter, r *http.Request) {
	data := &PlanRequest{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	validate := validator.New()
	if err := validate.Struct(*data); err != nil {
		english := en.New()
		uni := ut.New(english, english)
		trans, _ := uni.GetTranslator("en")
		_ = enTranslations.RegisterDefaultTranslations(validate, trans)
		vv := translateError(err, trans)
		render.Render(w, r, ErrValidation(err, vv))
		return
	}

	vehicles := make([]service.VehicleInput, 0, len(data.Vehicles))
	for _, v := range data.Vehicles {
		vehicles = append(vehicles, service.VehicleInput{
			ID:          v.ID,
			X:           v.X,
			Y:           v.Y,
			Yaw:         v.Yaw,
			HalfLength:  v.HalfLength,
			HalfWidth:   v.HalfWidth,
			Speed:       v.Speed,
			PolicySpeed: v.PolicySpeed,
		})
	}

	result, err := h.svc.Plan(r.Context(), data.EgoID, vehicles)
	if err != nil {
		render.Render(w, r, ErrUnprocessable(err))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, RenderPlanResponse(result.Path))
}

// GraphResponse is the station graph of the last planned tick, for
// debugging and visualization clients.
type GraphResponse struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

type GraphNode struct {
	ID       int64   `json:"id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Distance float64 `json:"distance"`
}

type GraphEdge struct {
	FromX      float64 `json:"from_x"`
	FromY      float64 `json:"from_y"`
	ToX        float64 `json:"to_x"`
	ToY        float64 `json:"to_y"`
	Length     float64 `json:"length"`
	LaneChange string  `json:"lane_change"`
}

func RenderGraphResponse(graph *service.GraphResult) *GraphResponse {
	out := &GraphResponse{Nodes: []GraphNode{}, Edges: []GraphEdge{}}
	for _, n := range graph.Nodes {
		out.Nodes = append(out.Nodes, GraphNode{ID: n.ID, X: n.X, Y: n.Y, Distance: n.Distance})
	}
	for _, e := range graph.Edges {
		out.Edges = append(out.Edges, GraphEdge{
			FromX:      e.FromX,
			FromY:      e.FromY,
			ToX:        e.ToX,
			ToY:        e.ToY,
			Length:     e.Length,
			LaneChange: e.LaneChange,
		})
	}
	return out
}

func (h *PlannerHandler) Graph(w http.ResponseWriter, r *http.Request) {
	graph, err := h.svc.Graph(r.Context())
	if err != nil {
		render.Render(w, r, ErrInternalServerErrorRend(errors.New("internal server error")))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, RenderGraphResponse(graph))
}

func ErrInvalidRequest(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: 400,
		StatusText:     "Invalid request.",
		ErrorText:      err.Error(),
	}
}

func ErrInternalServerErrorRend(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: 500,
		StatusText:     "Internal server error.",
		ErrorText:      err.Error(),
	}
}

func ErrUnprocessable(err error) render.Renderer {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: 422,
		StatusText:     "Planning failed.",
		ErrorText:      err.Error(),
	}
}

// ErrResponse is the common error envelope of the API.
type ErrResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText    string   `json:"status"`
	ErrorText     string   `json:"error,omitempty"`
	ErrValidation []string `json:"validation,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func translateError(err error, trans ut.Translator) (errs []error) {
	if err == nil {
		return nil
	}
	validatorErrs := err.(validator.ValidationErrors)
	for _, e := range validatorErrs {
		translatedErr := fmt.Errorf("%s", e.Translate(trans))
		errs = append(errs, translatedErr)
	}
	return errs
}

func ErrValidation(err error, errV []error) render.Renderer {
	vv := []string{}
	for _, v := range errV {
		vv = append(vv, v.Error())
	}
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: 400,
		StatusText:     "Invalid request.",
		ErrorText:      err.Error(),
		ErrValidation:  vv,
	}
}
