package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type openaiSynth struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

type speechRequest struct {
	Model          string `json:"model"`
	Voice          string `json:"voice"`
	Input          string `json:"input"`
	ResponseFormat string `json:"response_format"`
}

// NewOpenAISynth returns a synthesizer backed by an OpenAI-compatible
// /audio/speech endpoint.
func NewOpenAISynth(endpoint, apiKey, model string) Synthesizer {
	return &openaiSynth{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{},
	}
}

func (s *openaiSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	payload := speechRequest{
		Model:          s.model,
		Voice:          req.Voice,
		Input:          req.Text,
		ResponseFormat: "mp3",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Audio{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return Audio{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Audio{}, err
		}
		// Connection resets and deadline expiries are worth another attempt.
		return Audio{}, &ProviderError{Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		perr := &ProviderError{
			Status:    resp.StatusCode,
			Transient: transientStatus(resp.StatusCode),
			Err:       fmt.Errorf("%s", strings.TrimSpace(string(detail))),
		}
		return Audio{}, perr
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, &ProviderError{Transient: true, Err: err}
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return Audio{Bytes: audio, ContentType: contentType}, nil
}

// transientStatus marks timeout and server-side statuses as retryable.
// Authentication (401/403) and quota (402/429) failures are permanent from
// the session's point of view.
func transientStatus(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden, http.StatusTooManyRequests:
		return false
	case http.StatusRequestTimeout:
		return true
	}
	return status >= 500
}
