package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mgleason/proctor-stream/internal/model"
)

// SubmitResponse from POST /api/v1/predictions.
type SubmitResponse struct {
	ID string `json:"id"`
}

// ServiceStatusResponse from GET /api/v1/status.
type ServiceStatusResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version,omitempty"`
	Message string `json:"message,omitempty"`
}

// SubmitPrediction submits a classification job and returns its assigned id.
// Submission is not retried; a duplicate submit would create a second job.
func (c *Client) SubmitPrediction(ctx context.Context, payload any) (string, error) {
	respBody, err := c.doRequest(ctx, http.MethodPost, "/api/v1/predictions", nil, payload)
	if err != nil {
		return "", fmt.Errorf("submit prediction: %w", err)
	}

	var resp SubmitResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshal submit response: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("submit prediction: response missing id")
	}

	return resp.ID, nil
}

// GetPrediction fetches the current state of a single prediction. It performs
// exactly one request: callers polling for completion own the retry cadence,
// and a 404 is meaningful to them. Use IsNotFound to detect it.
func (c *Client) GetPrediction(ctx context.Context, id string) (*model.Prediction, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/api/v1/predictions/"+id, nil, nil)
	if err != nil {
		return nil, err
	}

	var p model.Prediction
	if err := json.Unmarshal(respBody, &p); err != nil {
		return nil, fmt.Errorf("unmarshal prediction: %w", err)
	}
	if p.ID == "" {
		p.ID = id
	}

	return &p, nil
}

// GetServiceStatus fetches the service health endpoint with retries.
func (c *Client) GetServiceStatus(ctx context.Context) (*ServiceStatusResponse, error) {
	var resp ServiceStatusResponse
	if err := c.get(ctx, "/api/v1/status", nil, &resp); err != nil {
		return nil, fmt.Errorf("get service status: %w", err)
	}
	return &resp, nil
}
