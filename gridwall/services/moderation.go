package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"
)

// ModerationGate decides whether an uploaded image is allowed on the wall.
type ModerationGate interface {
	// Check returns nil when the image passes, a RejectedError when the
	// image fails moderation, and a transport error otherwise.
	Check(ctx context.Context, data []byte, contentType string) error
}

// RejectedError means the moderation service examined the image and said
// no. It is distinct from the service being unreachable.
type RejectedError struct {
	Score float64
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("image rejected by moderation (safe score %.2f)", e.Score)
}

// SightengineClient checks images against the Sightengine nudity model.
type SightengineClient struct {
	endpoint  string
	apiUser   string
	apiSecret string
	threshold float64
	http      *http.Client
}

type ModerationConfig struct {
	Endpoint  string
	APIUser   string
	APISecret string
	Threshold float64
}

func NewSightengineClient(cfg ModerationConfig) *SightengineClient {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.sightengine.com/1.0/check.json"
	}
	return &SightengineClient{
		endpoint:  endpoint,
		apiUser:   cfg.APIUser,
		apiSecret: cfg.APISecret,
		threshold: cfg.Threshold,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

type sightengineResponse struct {
	Status string `json:"status"`
	Nudity struct {
		None float64 `json:"none"`
	} `json:"nudity"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *SightengineClient) Check(ctx context.Context, data []byte, contentType string) error {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("media", "upload")
	if err != nil {
		return fmt.Errorf("failed to build moderation request: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to build moderation request: %w", err)
	}
	_ = writer.WriteField("models", "nudity-2.1")
	_ = writer.WriteField("api_user", c.apiUser)
	_ = writer.WriteField("api_secret", c.apiSecret)
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to build moderation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build moderation request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("moderation request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("moderation response unreadable: %w", err)
	}

	var parsed sightengineResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("moderation response malformed: %w", err)
	}

	if resp.StatusCode != http.StatusOK || parsed.Status != "success" {
		return fmt.Errorf("moderation check failed: %s", parsed.Error.Message)
	}

	slog.Debug("Moderation check done",
		slog.String("type", "sys"),
		slog.Float64("safe_score", parsed.Nudity.None),
		slog.Duration("took", time.Since(start)))

	if parsed.Nudity.None < c.threshold {
		return &RejectedError{Score: parsed.Nudity.None}
	}
	return nil
}
