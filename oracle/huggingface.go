package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/horde/errors"
)

// ErrModelNotFound indicates the oracle has no size information for a model
var ErrModelNotFound = errors.New("model not found")

// HuggingFace resolves model sizes through the Hugging Face Hub API.
// Lookups are rate limited; the engine caches results, so each model is
// normally resolved once per process lifetime.
type HuggingFace struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHuggingFace creates a Hub-backed Sizer.
// requestsPerMinute of 0 disables rate limiting.
func NewHuggingFace(baseURL string, requestsPerMinute int, timeout time.Duration) *HuggingFace {
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Limit(float64(requestsPerMinute) / 60.0)
	}
	return &HuggingFace{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// modelInfo is the subset of the Hub model response we consume
type modelInfo struct {
	Safetensors struct {
		Total int64 `json:"total"`
	} `json:"safetensors"`
}

// ParametersB looks up the parameter count for a model id on the Hub
func (hf *HuggingFace) ParametersB(ctx context.Context, model string) (float64, error) {
	if err := hf.limiter.Wait(ctx); err != nil {
		return 0, errors.Wrap(err, "oracle rate limiter interrupted")
	}

	url := fmt.Sprintf("%s/api/models/%s", hf.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to build oracle request for %s", model)
	}

	resp, err := hf.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "oracle lookup failed for %s", model)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, errors.Wrapf(ErrModelNotFound, "%s", model)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Newf("oracle lookup for %s returned status %d", model, resp.StatusCode)
	}

	var info modelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return 0, errors.Wrapf(err, "failed to decode oracle response for %s", model)
	}
	if info.Safetensors.Total <= 0 {
		return 0, errors.Wrapf(ErrModelNotFound, "%s reports no parameter count", model)
	}

	return float64(info.Safetensors.Total) / 1e9, nil
}
