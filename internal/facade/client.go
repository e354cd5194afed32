// Package facade maps the face-to-face video generation service onto typed
// submit and query calls.
package facade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

const (
	apiSubmit = "/submit"
	apiQuery  = "/query"
)

// Response codes of the service.
const (
	CodeAccepted = 10000
)

// FatalCodes end a job regardless of the data block.
var FatalCodes = []int{9999, 10002, 10003}

// Task states reported in a status response.
const (
	TaskInProgress = 1
	TaskSucceeded  = 2
	TaskFailed     = 3
)

// Fixed rendering flags.
const (
	flagChaofen         = 0
	flagWatermarkSwitch = 0
	flagPN              = 1
)

// SubmitRequest is the generation request.
type SubmitRequest struct {
	AudioURL        string `json:"audio_url"`
	VideoURL        string `json:"video_url"`
	Code            string `json:"code"`
	Chaofen         int    `json:"chaofen"`
	WatermarkSwitch int    `json:"watermark_switch"`
	PN              int    `json:"pn"`
}

// NewSubmitRequest fills the fixed rendering flags.
func NewSubmitRequest(audioURL, videoURL, token string) SubmitRequest {
	return SubmitRequest{
		AudioURL:        audioURL,
		VideoURL:        videoURL,
		Code:            token,
		Chaofen:         flagChaofen,
		WatermarkSwitch: flagWatermarkSwitch,
		PN:              flagPN,
	}
}

// SubmitResponse is the service's answer to a submission.
type SubmitResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Accepted reports whether the service took the job.
func (r SubmitResponse) Accepted() bool {
	return r.Code == CodeAccepted
}

// TaskData is the data block of a status response.
type TaskData struct {
	Status   int     `json:"status"`
	Progress float64 `json:"progress"`
	Msg      string  `json:"msg"`
	Result   string  `json:"result"`
}

// StatusResponse is the service's answer to a status query.
type StatusResponse struct {
	Code int      `json:"code"`
	Msg  string   `json:"msg"`
	Data TaskData `json:"data"`
}

// Fatal reports whether the top-level code ends the job.
func (r StatusResponse) Fatal() bool {
	return slices.Contains(FatalCodes, r.Code)
}

// Service is the contract the scheduler depends on.
type Service interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error)
	Query(ctx context.Context, token string) (StatusResponse, error)
}

// HTTPClient talks to the service over HTTP.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

var _ Service = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the service rooted at baseURL,
// for example "http://127.0.0.1:8383/easy".
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Submit posts a generation request.
func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("failed to marshal submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiSubmit, bytes.NewReader(payload))
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("failed to create submit request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	var response SubmitResponse

	err = c.do(httpReq, &response)
	if err != nil {
		return SubmitResponse{}, err
	}

	return response, nil
}

// Query asks for the state of the job identified by token.
func (c *HTTPClient) Query(ctx context.Context, token string) (StatusResponse, error) {
	endpoint := c.baseURL + apiQuery + "?" + url.Values{"code": {token}}.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("failed to create query request: %w", err)
	}

	var response StatusResponse

	err = c.do(httpReq, &response)
	if err != nil {
		return StatusResponse{}, err
	}

	return response, nil
}

func (c *HTTPClient) do(req *http.Request, target any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach video service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read video service response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("video service returned non-OK status: %s, body: %s", resp.Status, string(body))
	}

	err = json.Unmarshal(body, target)
	if err != nil {
		return fmt.Errorf("failed to decode video service response: %w", err)
	}

	return nil
}
