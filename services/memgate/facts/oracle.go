// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package facts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const extractionSystemPrompt = `You extract durable atomic facts from conversation text.
Return ONLY a JSON array. Each element: {"text": string, "category": string, "confidence": number}.
Rules:
- One assertion per fact, phrased in third person or neutral form (never "I ...").
- Only durable facts (preferences, biography, relationships, skills). Skip moods and transient states.
- confidence is your certainty in [0,1] that the fact is stated or directly implied.
- Empty array if nothing qualifies.`

// OpenAIOracleConfig configures the chat-completion oracle.
type OpenAIOracleConfig struct {
	// APIKey authenticates against the endpoint.
	APIKey string

	// BaseURL overrides the endpoint for OpenAI-compatible local
	// servers. Empty means the public API.
	BaseURL string

	// Model is the completion model. Default gpt-4o-mini.
	Model string

	// Temperature for extraction. Default 0 for determinism.
	Temperature float32

	// MaxCandidates caps how many facts one extraction may return.
	// Default 10.
	MaxCandidates int
}

// OpenAIOracle extracts candidate facts through a chat-completion model.
//
// # Thread Safety
//
// Safe for concurrent use.
type OpenAIOracle struct {
	client *openai.Client
	config OpenAIOracleConfig
}

// NewOpenAIOracle creates the oracle.
func NewOpenAIOracle(config OpenAIOracleConfig) *OpenAIOracle {
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.MaxCandidates <= 0 {
		config.MaxCandidates = 10
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &OpenAIOracle{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}
}

// ExtractFacts asks the model for candidate facts in the given text.
//
// # Outputs
//
//   - []CandidateFact: Parsed candidates, capped at MaxCandidates.
//   - error: Wraps ErrOracleUnavailable on transport failure; a
//     malformed model response is also reported through it so the
//     curator degrades identically.
func (o *OpenAIOracle) ExtractFacts(ctx context.Context, text string) ([]CandidateFact, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.config.Model,
		Temperature: o.config.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractionSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", ErrOracleUnavailable)
	}

	candidates, err := parseCandidates(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	if len(candidates) > o.config.MaxCandidates {
		candidates = candidates[:o.config.MaxCandidates]
	}
	return candidates, nil
}

// parseCandidates tolerates markdown code fences around the JSON array,
// which smaller models emit despite instructions.
func parseCandidates(content string) ([]CandidateFact, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}

	var candidates []CandidateFact
	if err := json.Unmarshal([]byte(content), &candidates); err != nil {
		return nil, fmt.Errorf("parsing extraction response: %w", err)
	}
	return candidates, nil
}

// RateLimitedOracle wraps another oracle with a token-bucket limiter so
// bursts of inbound messages cannot exhaust the upstream quota.
type RateLimitedOracle struct {
	inner   Oracle
	limiter *rate.Limiter
}

// NewRateLimitedOracle wraps inner at the given sustained requests per
// second with the given burst.
func NewRateLimitedOracle(inner Oracle, rps float64, burst int) *RateLimitedOracle {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedOracle{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// ExtractFacts blocks until the limiter admits the call, then delegates.
// Context cancellation while waiting surfaces as ErrOracleUnavailable.
func (o *RateLimitedOracle) ExtractFacts(ctx context.Context, text string) ([]CandidateFact, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	return o.inner.ExtractFacts(ctx, text)
}
