package preview

import "github.com/starford/nbfolio/internal/pipeline"

// OutputsResponse is the body of GET /api/outputs.
type OutputsResponse struct {
	Outputs []pipeline.Entry `json:"outputs"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Notebooks []pipeline.StatusEntry `json:"notebooks"`
}
