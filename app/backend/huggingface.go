package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
)

// DefaultHuggingFaceURL is the base url of hosted inference api, model name appended to it
const DefaultHuggingFaceURL = "https://router.huggingface.co/hf-inference/models"

// DefaultModel used when model is not set
const DefaultModel = "black-forest-labs/FLUX.1-dev"

// maxImageSize limits the size of response body read from the backend
const maxImageSize = 64 << 20

// HuggingFace makes images with hosted text-to-image inference api
type HuggingFace struct {
	client  *http.Client
	baseURL string
	model   string
	token   string
}

// HuggingFaceParams defines parameters for HuggingFace backend
type HuggingFaceParams struct {
	BaseURL string
	Model   string
	Token   string
	Timeout time.Duration
}

// NewHuggingFace makes backend. Backend without token is not available and refuses to generate.
func NewHuggingFace(params HuggingFaceParams) *HuggingFace {
	res := &HuggingFace{
		client:  &http.Client{Timeout: params.Timeout},
		baseURL: strings.TrimSuffix(params.BaseURL, "/"),
		model:   strings.Trim(params.Model, "/"),
		token:   params.Token,
	}
	if res.baseURL == "" {
		res.baseURL = DefaultHuggingFaceURL
	}
	if res.model == "" {
		res.model = DefaultModel
	}
	return res
}

// Available reports if backend has credentials
func (h *HuggingFace) Available() bool {
	return h != nil && h.token != ""
}

// Generate sends prompt to inference api and returns raw image bytes
func (h *HuggingFace) Generate(ctx context.Context, prompt string) ([]byte, error) {
	if !h.Available() {
		return nil, ErrUnavailable
	}

	body, err := json.Marshal(struct {
		Inputs string `json:"inputs"`
	}{Inputs: prompt})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := h.baseURL + "/" + h.model
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")

	st := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCallFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrCallFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := apiError(data)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests &&
			resp.StatusCode != http.StatusRequestTimeout {
			return nil, fmt.Errorf("%w: status %d, %s", ErrRejected, resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("%w: status %d, %s", ErrCallFailed, resp.StatusCode, msg)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return nil, fmt.Errorf("%w: unexpected json response, %s", ErrCallFailed, apiError(data))
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrCallFailed)
	}

	log.Printf("[DEBUG] generated %d bytes with %s in %v", len(data), h.model, time.Since(st).Truncate(time.Millisecond))
	return data, nil
}

// apiError extracts error message from api response, falls back to truncated body
func apiError(data []byte) string {
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &resp); err == nil && resp.Error != "" {
		return resp.Error
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	if s == "" {
		return "no details"
	}
	return s
}
