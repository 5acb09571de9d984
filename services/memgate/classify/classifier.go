// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classify

import (
	"strings"
	"sync"
)

// Classifier answers keyword-membership questions against one table set.
//
// Thread Safety: Safe for concurrent use. Replace swaps the tables
// atomically relative to all lookups.
type Classifier struct {
	mu sync.RWMutex
	t  compiled
}

// compiled is a Tables with token lookups precomputed.
type compiled struct {
	tables        Tables
	stopWords     map[string]bool
	functionWords map[string]bool
	firstPerson   map[string]bool
}

func compile(t Tables) compiled {
	return compiled{
		tables:        t,
		stopWords:     toSet(t.StopWords),
		functionWords: toSet(t.FunctionWords),
		firstPerson:   toSet(t.FirstPersonPronouns),
	}
}

func toSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[strings.ToLower(w)] = true
	}
	return set
}

// NewClassifier creates a classifier over the given tables.
func NewClassifier(tables Tables) *Classifier {
	tables.fillDefaults()
	return &Classifier{t: compile(tables)}
}

// Default returns a classifier over the built-in tables.
func Default() *Classifier {
	return NewClassifier(DefaultTables())
}

// Replace swaps in a new table set. Used by the file watcher.
func (c *Classifier) Replace(tables Tables) {
	tables.fillDefaults()
	compiled := compile(tables)
	c.mu.Lock()
	c.t = compiled
	c.mu.Unlock()
}

// IsStopWord reports whether token is in the stop-word list.
func (c *Classifier) IsStopWord(token string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t.stopWords[token]
}

// IsFunctionWord reports whether token is in the function-word list.
func (c *Classifier) IsFunctionWord(token string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t.functionWords[token]
}

// IsFirstPerson reports whether token is a first-person pronoun.
func (c *Classifier) IsFirstPerson(token string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t.firstPerson[strings.ToLower(token)]
}

// HasTransientMarker reports whether the normalized text contains any
// transient-state marker.
func (c *Classifier) HasTransientMarker(normalized string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, marker := range c.t.tables.TransientMarkers {
		if containsKeyword(normalized, marker) {
			return true
		}
	}
	return false
}

// Intent classifies normalized text by first-match against the ordered
// intent rules. Returns IntentGeneral when nothing matches.
func (c *Classifier) Intent(normalized string) Intent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rule := range c.t.tables.Intents {
		for _, kw := range rule.Keywords {
			if containsKeyword(normalized, kw) {
				return Intent(rule.Name)
			}
		}
	}
	return IntentGeneral
}

// Tone classifies normalized text by first-match against the tone rules.
// Returns ToneNone when nothing matches.
func (c *Classifier) Tone(normalized string) Tone {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rule := range c.t.tables.Tones {
		for _, kw := range rule.Keywords {
			if containsKeyword(normalized, kw) {
				return Tone(rule.Name)
			}
		}
	}
	return ToneNone
}

// Topics returns the topic categories whose keywords appear in the
// normalized text, with the keywords that matched.
func (c *Classifier) Topics(normalized string) []TopicMatch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var matches []TopicMatch
	for _, rule := range c.t.tables.Topics {
		var hit []string
		for _, kw := range rule.Keywords {
			if containsKeyword(normalized, kw) {
				hit = append(hit, kw)
			}
		}
		if len(hit) > 0 {
			matches = append(matches, TopicMatch{Category: rule.Name, Keywords: hit})
		}
	}
	return matches
}

// TopicMatch is a topic category hit in a piece of text.
type TopicMatch struct {
	Category string
	Keywords []string
}

// IntentKeywords returns the keyword set for an intent label, or nil for
// IntentGeneral and unknown labels.
func (c *Classifier) IntentKeywords(intent Intent) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rule := range c.t.tables.Intents {
		if rule.Name == string(intent) {
			return rule.Keywords
		}
	}
	return nil
}

// ToneKeywords returns the keyword set for a tone label, or nil.
func (c *Classifier) ToneKeywords(tone Tone) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rule := range c.t.tables.Tones {
		if rule.Name == string(tone) {
			return rule.Keywords
		}
	}
	return nil
}

// containsKeyword matches kw against normalized text on word boundaries.
// Multi-word keywords match as phrases.
func containsKeyword(normalized, kw string) bool {
	kw = strings.ToLower(kw)
	idx := 0
	for {
		i := strings.Index(normalized[idx:], kw)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(kw)
		beforeOK := start == 0 || normalized[start-1] == ' '
		afterOK := end == len(normalized) || normalized[end] == ' '
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
		if idx >= len(normalized) {
			return false
		}
	}
}
