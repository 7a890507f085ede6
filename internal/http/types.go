package http

import (
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
	"github.com/fyrsmithlabs/rankpipe/internal/runs"
)

// RunRequest is the request body for POST /api/v1/runs. Pipeline keys are
// integer positions.
type RunRequest struct {
	Query     string                       `json:"query" validate:"required,max=2000"`
	Arguments map[string]any               `json:"arguments"`
	Pipeline  map[string]pipeline.StepSpec `json:"pipeline" validate:"required,min=1,max=64"`
}

// Spec converts the request into a pipeline definition.
func (r RunRequest) Spec() pipeline.Spec {
	return pipeline.Spec{Query: r.Query, Arguments: r.Arguments, Steps: r.Pipeline}
}

// RunCreatedResponse is the response body for POST /api/v1/runs.
type RunCreatedResponse struct {
	ID string `json:"id"`
}

// RunListResponse is the response body for GET /api/v1/runs.
type RunListResponse struct {
	Runs []runs.Summary `json:"runs"`
}

// StepsResponse is the response body for GET /api/v1/steps.
type StepsResponse struct {
	Total      int                        `json:"total"`
	Categories map[string][]pipeline.Info `json:"categories"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string                    `json:"status"`
	Version string                    `json:"version,omitempty"`
	Runs    map[pipeline.RunState]int `json:"runs"`
}
