// Package ai wraps the generative text/vision service the pipelines call.
// The engine treats it as an opaque collaborator: structured JSON in,
// structured JSON out, or an error.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/DannyLioue/nutricoach-pro-sub001/internal/models"
)

// Client is the generative-model collaborator used by pipelines.
type Client interface {
	AnalyzePhoto(ctx context.Context, photo models.PhotoRef) (*models.PhotoAnalysis, error)
	GenerateSummary(ctx context.Context, prompt string) (string, error)
}

// Config configures the HTTP client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// HTTPClient calls the model provider's vision and text endpoints.
type HTTPClient struct {
	cfg  Config
	http *http.Client
}

// NewHTTPClient ...
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

type visionRequest struct {
	Model    string `json:"model"`
	ImageURL string `json:"image_url"`
	Prompt   string `json:"prompt"`
}

type visionResponse struct {
	Description string           `json:"description"`
	Nutrients   models.Nutrients `json:"nutrients"`
}

type textRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type textResponse struct {
	Text string `json:"text"`
}

// AnalyzePhoto asks the vision model for a nutrient estimate of one photo.
func (c *HTTPClient) AnalyzePhoto(ctx context.Context, photo models.PhotoRef) (*models.PhotoAnalysis, error) {
	prompt := "Estimate the calories, protein, carbs and fat of the meal in this photo and describe it briefly."
	if photo.Notes != "" {
		prompt += " Client notes: " + photo.Notes
	}

	var resp visionResponse
	err := c.post(ctx, "/v1/vision/analyze", visionRequest{
		Model:    c.cfg.Model,
		ImageURL: photo.URL,
		Prompt:   prompt,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("vision analysis of photo %s: %w", photo.ID, err)
	}

	return &models.PhotoAnalysis{
		PhotoID:     photo.ID,
		Day:         photo.TakenAt.Format("2006-01-02"),
		MealType:    photo.MealType,
		Description: resp.Description,
		Nutrients:   resp.Nutrients,
	}, nil
}

// GenerateSummary asks the text model for the weekly coaching summary.
func (c *HTTPClient) GenerateSummary(ctx context.Context, prompt string) (string, error) {
	var resp textResponse
	err := c.post(ctx, "/v1/text/generate", textRequest{Model: c.cfg.Model, Prompt: prompt}, &resp)
	if err != nil {
		return "", fmt.Errorf("summary generation: %w", err)
	}
	return resp.Text, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("model returned status %d: %s", resp.StatusCode, raw)
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode model response: %w", err)
	}
	return nil
}
