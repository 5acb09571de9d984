// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query turns one noisy natural-language request into several
// weighted, typed sub-queries plus a fallback query.
//
// # Description
//
// Decomposition is deterministic and does no I/O: the same request always
// produces the same sub-queries. Keyword classification (intent, tone,
// topics, stop words) is delegated to the shared classify tables so the
// lists cannot drift from the ones retrieval boosting uses.
//
// # Thread Safety
//
// Decomposer is safe for concurrent use.
package query

import (
	"strings"

	"github.com/AleutianAI/memgate/services/memgate/classify"
)

// SubQueryType labels how a sub-query was derived.
type SubQueryType string

const (
	TypeEntity      SubQueryType = "entity"
	TypeTopic       SubQueryType = "topic"
	TypeIntent      SubQueryType = "intent"
	TypeEmotion     SubQueryType = "emotion"
	TypeCombination SubQueryType = "combination"
	TypeFallback    SubQueryType = "fallback"
)

// Sub-query emission weights. Tunable policy, not invariants; retrieval
// ranking properties are asserted independently of these values.
const (
	weightEntity      = 1.0
	weightTopic       = 0.8
	weightIntent      = 0.7
	weightEmotion     = 0.6
	weightCombination = 0.5
	weightFallback    = 0.3
)

// maxEntities caps extracted entities per request.
const maxEntities = 8

// maxSubQueries caps emitted sub-queries (fallback excluded).
const maxSubQueries = 5

// maxFallbackTokens caps the fallback query length.
const maxFallbackTokens = 8

// SubQuery is one weighted, typed search string derived from a request.
// Ephemeral; never persisted.
type SubQuery struct {
	// Text is the search string sent to the store.
	Text string `json:"text"`

	// Weight in (0, 1] scales the sub-query's contribution to scores.
	Weight float64 `json:"weight"`

	// Type records how the sub-query was derived.
	Type SubQueryType `json:"type"`

	// Confidence in [0, 1] is the decomposer's own certainty in the
	// derivation.
	Confidence float64 `json:"confidence"`
}

// Decomposition is the full result of decomposing one request.
type Decomposition struct {
	// Raw is the original request text.
	Raw string `json:"raw"`

	// Normalized is the lowercased, punctuation-stripped request.
	Normalized string `json:"normalized"`

	// Entities are the extracted candidate entity phrases, best first.
	Entities []string `json:"entities"`

	// Intent is the classified intent label.
	Intent classify.Intent `json:"intent"`

	// Tone is the classified emotional tone; empty when none matched.
	Tone classify.Tone `json:"tone"`

	// SubQueries are the emitted sub-queries, highest weight first.
	SubQueries []SubQuery `json:"sub_queries"`

	// Fallback is always present, even for degenerate input.
	Fallback SubQuery `json:"fallback"`
}

// Decomposer derives sub-queries from raw requests.
type Decomposer struct {
	classifier *classify.Classifier
}

// NewDecomposer creates a decomposer over the given classifier tables.
func NewDecomposer(classifier *classify.Classifier) *Decomposer {
	if classifier == nil {
		classifier = classify.Default()
	}
	return &Decomposer{classifier: classifier}
}

// Decompose turns one raw request into weighted sub-queries.
//
// # Description
//
// Never fails: degenerate input (empty, all stop words) still yields a
// Decomposition whose Fallback carries whatever tokens survived
// normalization.
//
// # Inputs
//
//   - raw: The request text as received from the caller.
//
// # Outputs
//
//   - Decomposition: Entities, intent, tone, sub-queries, fallback.
func (d *Decomposer) Decompose(raw string) Decomposition {
	normalized := Normalize(raw)
	tokens := strings.Fields(normalized)

	entities := d.extractEntities(tokens)
	intent := d.classifier.Intent(normalized)
	tone := d.classifier.Tone(normalized)

	dec := Decomposition{
		Raw:        raw,
		Normalized: normalized,
		Entities:   entities,
		Intent:     intent,
		Tone:       tone,
	}
	dec.SubQueries = d.emit(dec)
	dec.Fallback = d.fallback(tokens, intent)
	return dec
}

// Normalize lowercases, strips punctuation except internal apostrophes,
// and collapses whitespace.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	lastSpace := true
	runes := []rune(strings.ToLower(raw))
	for i, r := range runes {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		case r == '\'':
			// Keep apostrophes only between word characters.
			if i > 0 && i < len(runes)-1 && isWordRune(runes[i-1]) && isWordRune(runes[i+1]) {
				b.WriteRune(r)
				lastSpace = false
			}
		default:
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}

	return strings.TrimSpace(b.String())
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

// extractEntities keeps runs of adjacent non-stop tokens longer than two
// characters, merging each run into a phrase. Capped at maxEntities.
func (d *Decomposer) extractEntities(tokens []string) []string {
	var entities []string
	var run []string

	flush := func() {
		if len(run) > 0 {
			entities = append(entities, strings.Join(run, " "))
			run = nil
		}
	}

	for _, tok := range tokens {
		if len(tok) <= 2 || d.classifier.IsStopWord(tok) {
			flush()
			continue
		}
		run = append(run, tok)
	}
	flush()

	if len(entities) > maxEntities {
		entities = entities[:maxEntities]
	}
	return entities
}

// emit builds the weighted sub-query list, highest weight first, capped
// at maxSubQueries.
func (d *Decomposer) emit(dec Decomposition) []SubQuery {
	var out []SubQuery

	if len(dec.Entities) > 0 {
		top := dec.Entities
		if len(top) > 4 {
			top = top[:4]
		}
		out = append(out, SubQuery{
			Text:       strings.Join(top, " "),
			Weight:     weightEntity,
			Type:       TypeEntity,
			Confidence: entityConfidence(len(dec.Entities)),
		})
	}

	if topics := d.classifier.Topics(dec.Normalized); len(topics) > 0 {
		first := topics[0]
		out = append(out, SubQuery{
			Text:       first.Category + " " + strings.Join(first.Keywords, " "),
			Weight:     weightTopic,
			Type:       TypeTopic,
			Confidence: 0.8,
		})
	}

	if dec.Intent != classify.IntentGeneral {
		out = append(out, SubQuery{
			Text:       string(dec.Intent) + " " + joinTop(dec.Entities, 2),
			Weight:     weightIntent,
			Type:       TypeIntent,
			Confidence: 0.7,
		})
	}

	if dec.Tone != classify.ToneNone {
		out = append(out, SubQuery{
			Text:       string(dec.Tone) + " " + joinTop(dec.Entities, 2),
			Weight:     weightEmotion,
			Type:       TypeEmotion,
			Confidence: 0.6,
		})
	}

	for i := 0; i+1 < len(dec.Entities) && i < 2; i++ {
		out = append(out, SubQuery{
			Text:       dec.Entities[i] + " " + dec.Entities[i+1],
			Weight:     weightCombination,
			Type:       TypeCombination,
			Confidence: 0.5,
		})
	}

	if len(out) > maxSubQueries {
		out = out[:maxSubQueries]
	}
	return out
}

// fallback strips stop words and the matched intent's own keywords from
// the token stream, capped at maxFallbackTokens.
func (d *Decomposer) fallback(tokens []string, intent classify.Intent) SubQuery {
	intentWords := toLowerSet(d.classifier.IntentKeywords(intent))

	var kept []string
	for _, tok := range tokens {
		if d.classifier.IsStopWord(tok) || intentWords[tok] {
			continue
		}
		kept = append(kept, tok)
		if len(kept) == maxFallbackTokens {
			break
		}
	}

	return SubQuery{
		Text:       strings.Join(kept, " "),
		Weight:     weightFallback,
		Type:       TypeFallback,
		Confidence: 0.3,
	}
}

// entityConfidence grows with the number of extracted entities, maxing
// out at four.
func entityConfidence(n int) float64 {
	if n >= 4 {
		return 1.0
	}
	return float64(n) / 4.0
}

func joinTop(entities []string, n int) string {
	if len(entities) > n {
		entities = entities[:n]
	}
	return strings.Join(entities, " ")
}

func toLowerSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[strings.ToLower(w)] = true
	}
	return set
}
