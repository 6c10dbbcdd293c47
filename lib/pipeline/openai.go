// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIChatClient calls an OpenAI-compatible Chat Completions
// endpoint. Compatible with any server implementing that wire format
// (OpenAI, Azure OpenAI, OpenRouter, vLLM, Ollama, llama.cpp).
type OpenAIChatClient struct {
	httpClient *http.Client
	endpoint   string
	model      string
	apiKey     string
	maxTokens  int
}

// NewOpenAIChatClient builds a client for the given chat-completions
// URL. The API key is optional for local servers.
func NewOpenAIChatClient(endpoint, model, apiKey string, timeout time.Duration) *OpenAIChatClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIChatClient{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		model:      model,
		apiKey:     apiKey,
		maxTokens:  512,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends a non-streaming request and returns the first
// choice's content.
func (c *OpenAIChatClient) Complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("pipeline: encoding chat request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("pipeline: building chat request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("pipeline: chat request: %w", err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("pipeline: reading chat response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pipeline: chat endpoint returned %d: %s",
			response.StatusCode, truncate(string(payload), 200))
	}

	var decoded chatResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("pipeline: decoding chat response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("pipeline: chat response has no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
