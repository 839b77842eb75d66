package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPConfig configures a hosted detection API backend.
type HTTPConfig struct {
	BaseURL string // e.g. https://detect.example.com or http://localhost:9001
	Model   string // model identifier path segment
	Version string // model version path segment
	APIKey  string
	Timeout time.Duration
}

// DefaultHTTPTimeout bounds a single remote detection call.
const DefaultHTTPTimeout = 10 * time.Second

// HTTPBackend calls a hosted detection API: the frame is uploaded as a
// multipart file to {base}/{model}/{version} with api_key, confidence
// and overlap as query parameters.
type HTTPBackend struct {
	cfg    HTTPConfig
	client *http.Client
}

// httpResponse mirrors the hosted API's JSON response.
type httpResponse struct {
	Predictions []Prediction `json:"predictions"`
	Image       *struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"image"`
}

// NewHTTPBackend returns a backend for the hosted detection API.
func NewHTTPBackend(cfg HTTPConfig) *HTTPBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	return &HTTPBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name identifies this backend in logs and prediction origins.
func (b *HTTPBackend) Name() string { return "remote" }

// Detect uploads the frame and normalizes the response.
func (b *HTTPBackend) Detect(ctx context.Context, frame []byte, opts Options) (Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return Result{}, fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(frame); err != nil {
		return Result{}, fmt.Errorf("build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Result{}, fmt.Errorf("build upload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/%s", b.cfg.BaseURL, b.cfg.Model, b.cfg.Version)
	params := url.Values{}
	if b.cfg.APIKey != "" {
		params.Set("api_key", b.cfg.APIKey)
	}
	params.Set("confidence", strconv.FormatFloat(opts.Confidence, 'f', -1, 64))
	params.Set("overlap", strconv.FormatFloat(opts.Overlap, 'f', -1, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+params.Encode(), &body)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("detection request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read a little of the body for the log line, then discard.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Result{}, fmt.Errorf("detection API status %d: %s", resp.StatusCode, snippet)
	}

	var decoded httpResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("decode detection response: %w", err)
	}

	result := Result{Predictions: sanitize(decoded.Predictions, b.Name())}
	if decoded.Image != nil {
		result.ImageWidth = decoded.Image.Width
		result.ImageHeight = decoded.Image.Height
	}
	return result, nil
}
