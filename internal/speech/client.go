// Package speech is the client of the voice cloning service: voice training
// from a reference clip and speech rendering with a trained voice.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

// API endpoints and paths.
const (
	apiTrain  = "/v1/preprocess_and_tran"
	apiInvoke = "/v1/invoke"
	apiHealth = "/v1/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
)

// Fixed decoding parameters of every render request.
const (
	renderFormat            = "wav"
	renderTopP              = 0.7
	renderMaxNewTokens      = 1024
	renderChunkLength       = 100
	renderRepetitionPenalty = 1.2
	renderTemperature       = 0.7
	renderFixedSeed         = 0
	renderNormalize         = 1
)

// CodeOK is the training response code of an accepted clip.
const CodeOK = 0

// Error messages.
const (
	errTextCannotBeEmpty     = "text cannot be empty"
	errReferenceRequired     = "reference audio cannot be empty"
	errReceivedEmptyAudio    = "received empty audio data"
	errFmtServiceNonOKStatus = "speech service returned non-OK status: %s, body: %s"
	errFmtServiceError       = "speech service error (%s): %s"
)

var (
	// ErrEmptyText is returned when a render request has no text.
	ErrEmptyText = errors.New(errTextCannotBeEmpty)
	// ErrEmptyReference is returned when a training request has no reference clip.
	ErrEmptyReference = errors.New(errReferenceRequired)
	// ErrEmptyAudio is returned when the service answers with no audio bytes.
	ErrEmptyAudio = errors.New(errReceivedEmptyAudio)
)

// TrainRequest is the payload of the training endpoint.
type TrainRequest struct {
	Format         string `json:"format"`
	ReferenceAudio string `json:"reference_audio"`
	Lang           string `json:"lang"`
}

// TrainResponse is the body returned by the training endpoint.
type TrainResponse struct {
	Code               int    `json:"code"`
	Msg                string `json:"msg,omitempty"`
	ASRFormatAudioURL  string `json:"asr_format_audio_url"`
	ReferenceAudioText string `json:"reference_audio_text"`
}

// TrainResult separates a domain rejection from a transport fault: a
// rejected clip yields Accepted == false and a nil error.
type TrainResult struct {
	Accepted           bool
	Code               int
	Message            string
	ASRFormatAudioURL  string
	ReferenceAudioText string
}

// RenderRequest is the payload of the rendering endpoint.
type RenderRequest struct {
	Speaker           string  `json:"speaker"`
	Text              string  `json:"text"`
	Format            string  `json:"format"`
	TopP              float64 `json:"topP"`
	MaxNewTokens      int     `json:"max_new_tokens"`
	ChunkLength       int     `json:"chunk_length"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	Temperature       float64 `json:"temperature"`
	NeedASR           bool    `json:"need_asr"`
	Streaming         bool    `json:"streaming"`
	IsFixedSeed       int     `json:"is_fixed_seed"`
	IsNorm            int     `json:"is_norm"`
	ReferenceAudio    string  `json:"reference_audio"`
	ReferenceText     string  `json:"reference_text"`
}

// NewRenderRequest fills the fixed decoding parameters around the caller's
// speaker token, text and reference voice.
func NewRenderRequest(speaker, text, referenceAudio, referenceText string) RenderRequest {
	return RenderRequest{
		Speaker:           speaker,
		Text:              text,
		Format:            renderFormat,
		TopP:              renderTopP,
		MaxNewTokens:      renderMaxNewTokens,
		ChunkLength:       renderChunkLength,
		RepetitionPenalty: renderRepetitionPenalty,
		Temperature:       renderTemperature,
		NeedASR:           false,
		Streaming:         false,
		IsFixedSeed:       renderFixedSeed,
		IsNorm:            renderNormalize,
		ReferenceAudio:    referenceAudio,
		ReferenceText:     referenceText,
	}
}

// ErrorResponse is a structured error body from the service.
type ErrorResponse struct {
	Detail string `json:"detail"`
	Msg    string `json:"msg"`
}

// Client is the contract the voice service depends on.
type Client interface {
	Train(ctx context.Context, referenceAudio, lang string) (TrainResult, error)
	Render(ctx context.Context, req RenderRequest) ([]byte, error)
}

// HTTPClient talks to the speech service over HTTP.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Train submits a reference clip for preprocessing and transcription. The
// format is taken from the clip's extension.
func (c *HTTPClient) Train(ctx context.Context, referenceAudio, lang string) (TrainResult, error) {
	if referenceAudio == "" {
		return TrainResult{}, ErrEmptyReference
	}

	reference := strings.ReplaceAll(referenceAudio, "\\", "/")
	request := TrainRequest{
		Format:         strings.TrimPrefix(path.Ext(reference), "."),
		ReferenceAudio: reference,
		Lang:           lang,
	}

	resp, err := c.postJSON(ctx, apiTrain, request, contentTypeJSON)
	if err != nil {
		return TrainResult{}, err
	}
	defer resp.Body.Close()

	var body TrainResponse

	err = json.NewDecoder(resp.Body).Decode(&body)
	if err != nil {
		return TrainResult{}, fmt.Errorf("failed to decode training response: %w", err)
	}

	return TrainResult{
		Accepted:           body.Code == CodeOK,
		Code:               body.Code,
		Message:            body.Msg,
		ASRFormatAudioURL:  body.ASRFormatAudioURL,
		ReferenceAudioText: body.ReferenceAudioText,
	}, nil
}

// Render synthesizes speech and returns the raw WAV bytes.
func (c *HTTPClient) Render(ctx context.Context, req RenderRequest) ([]byte, error) {
	req.Text = NormalizeText(req.Text)
	if req.Text == "" {
		return nil, ErrEmptyText
	}

	resp, err := c.postJSON(ctx, apiInvoke, req, contentTypeWAV)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// HealthCheck verifies that the speech service is reachable.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// postJSON sends payload and returns the response when the status is 200.
func (c *HTTPClient) postJSON(ctx context.Context, endpoint string, payload any, accept string) (*http.Response, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, accept)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to speech service at %s: %w", c.baseURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		return nil, parseErrorResponse(resp)
	}

	return resp, nil
}

// parseErrorResponse prefers a structured JSON error and falls back to the raw body.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && (errorResp.Detail != "" || errorResp.Msg != "") {
		return fmt.Errorf(errFmtServiceError, resp.Status, errorResp.Detail+errorResp.Msg)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, string(body))
}
