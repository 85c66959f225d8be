package api

import "github.com/mpataki/stepchain/internal/models"

type CreateRunRequest struct {
	Problem string `json:"problem"`
}

type CreateRunResponse struct {
	RunID string `json:"run_id"`
}

// RunResponse is a run record together with its projected state.
type RunResponse struct {
	Run   *models.Run     `json:"run"`
	State models.RunState `json:"state"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
