// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classify holds the one keyword-classifier table shared by query
// decomposition, retrieval boosting, and fact curation.
//
// # Description
//
// The intent, tone, topic, and fact-filter word lists used across memgate
// live here and nowhere else; consumers look words up through a Classifier
// instead of keeping their own copies, so the lists cannot drift apart.
// Tables ship with built-in defaults and can be overridden from a YAML
// file, optionally hot-reloaded when that file changes.
//
// # Thread Safety
//
// Classifier is safe for concurrent use; table swaps are atomic.
package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Intent labels produced by the classifier. Order of the rule table is a
// policy decision: the first matching rule wins.
type Intent string

const (
	IntentQuestion    Intent = "question"
	IntentHelpRequest Intent = "help_request"
	IntentSharing     Intent = "sharing"
	IntentProblem     Intent = "problem"
	IntentPreference  Intent = "preference"
	IntentGeneral     Intent = "general"
)

// Tone labels. ToneNone means no tone keyword matched.
type Tone string

const (
	TonePositive Tone = "positive"
	ToneNegative Tone = "negative"
	ToneNeutral  Tone = "neutral"
	ToneNone     Tone = ""
)

// Rule is one named keyword set. Single-word keywords match tokens;
// multi-word keywords match as phrases in the normalized text.
type Rule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// Tables is the full classifier configuration.
type Tables struct {
	// StopWords are removed before entity extraction and from fallback
	// queries.
	StopWords []string `yaml:"stop_words"`

	// Intents is the ordered rule list; first match wins.
	Intents []Rule `yaml:"intents"`

	// Tones is the ordered tone rule list.
	Tones []Rule `yaml:"tones"`

	// Topics maps topic categories to their keyword sets.
	Topics []Rule `yaml:"topics"`

	// FunctionWords are excluded from "significant word" counts in the
	// fact support filter.
	FunctionWords []string `yaml:"function_words"`

	// TransientMarkers flag mood-of-the-moment phrasing in candidate
	// facts (temporal words, present-tense emotional-state verbs).
	TransientMarkers []string `yaml:"transient_markers"`

	// FirstPersonPronouns lead tokens that disqualify a candidate fact.
	FirstPersonPronouns []string `yaml:"first_person_pronouns"`
}

// DefaultTables returns the built-in keyword tables.
func DefaultTables() Tables {
	return Tables{
		StopWords: []string{
			"a", "an", "the", "and", "or", "but", "so", "if", "then",
			"i", "im", "i'm", "ive", "i've", "id", "i'd", "ill", "i'll",
			"me", "my", "mine", "we", "our", "you", "your", "it", "its",
			"is", "am", "are", "was", "were", "be", "been", "being",
			"to", "of", "in", "on", "at", "by", "for", "from", "with",
			"as", "that", "this", "these", "those", "there", "here",
			"do", "does", "did", "have", "has", "had", "will", "would",
			"can", "could", "should", "may", "might", "just", "really",
			"very", "about", "some", "any", "not", "no",
		},
		Intents: []Rule{
			{Name: string(IntentQuestion), Keywords: []string{
				"what", "when", "where", "who", "why", "how", "which",
				"wonder", "wondering", "curious",
			}},
			{Name: string(IntentHelpRequest), Keywords: []string{
				"help", "assist", "advice", "suggest", "suggestion",
				"recommend", "recommendation", "guide", "guidance",
				"show me", "teach",
			}},
			{Name: string(IntentSharing), Keywords: []string{
				"guess what", "happened", "news", "learned", "found out",
				"met", "went", "saw", "finished", "started", "got",
			}},
			{Name: string(IntentProblem), Keywords: []string{
				"struggle", "struggling", "problem", "issue", "trouble",
				"stuck", "fail", "failing", "failed", "broken", "error",
				"cant", "can't", "difficult", "hard time", "wrong",
			}},
			{Name: string(IntentPreference), Keywords: []string{
				"love", "like", "prefer", "favorite", "favourite",
				"enjoy", "hate", "dislike", "want", "wish",
			}},
		},
		Tones: []Rule{
			{Name: string(TonePositive), Keywords: []string{
				"love", "great", "happy", "wonderful", "awesome",
				"excited", "amazing", "good", "fantastic", "glad",
				"enjoy", "proud", "thrilled",
			}},
			{Name: string(ToneNegative), Keywords: []string{
				"sad", "angry", "frustrated", "frustrating", "upset",
				"terrible", "awful", "hate", "annoyed", "annoying",
				"worried", "stressed", "anxious", "struggle",
				"struggling", "disappointed",
			}},
			{Name: string(ToneNeutral), Keywords: []string{
				"okay", "fine", "alright", "normal", "usual",
			}},
		},
		Topics: []Rule{
			{Name: "music", Keywords: []string{
				"music", "guitar", "piano", "drums", "song", "songs",
				"band", "album", "concert", "chords", "singing",
			}},
			{Name: "work", Keywords: []string{
				"work", "job", "career", "boss", "meeting", "project",
				"deadline", "office", "colleague", "interview",
			}},
			{Name: "family", Keywords: []string{
				"family", "mother", "father", "mom", "dad", "sister",
				"brother", "kids", "children", "wife", "husband",
				"partner",
			}},
			{Name: "health", Keywords: []string{
				"health", "doctor", "sleep", "exercise", "gym",
				"running", "diet", "sick", "injury", "therapy",
			}},
			{Name: "technology", Keywords: []string{
				"computer", "software", "code", "coding", "programming",
				"phone", "laptop", "app", "internet", "game", "gaming",
			}},
			{Name: "food", Keywords: []string{
				"food", "cooking", "recipe", "dinner", "lunch",
				"breakfast", "restaurant", "baking", "coffee",
			}},
			{Name: "travel", Keywords: []string{
				"travel", "trip", "vacation", "flight", "hotel",
				"visit", "country", "city", "beach", "hiking",
			}},
			{Name: "learning", Keywords: []string{
				"school", "college", "university", "class", "course",
				"study", "studying", "exam", "book", "reading",
				"learning",
			}},
		},
		FunctionWords: []string{
			"the", "and", "for", "with", "that", "this", "from",
			"into", "about", "than", "then", "them", "they", "their",
			"his", "her", "was", "were", "are", "has", "have", "had",
			"but", "not", "you", "your",
		},
		TransientMarkers: []string{
			"right now", "at the moment", "currently", "today",
			"tonight", "tomorrow", "yesterday", "this morning",
			"this afternoon", "this evening", "this week",
			"feeling", "feels", "seems", "momentarily", "temporarily",
			"for now",
		},
		FirstPersonPronouns: []string{
			"i", "i'm", "im", "i've", "ive", "i'll", "ill", "i'd", "id",
			"me", "my", "mine", "myself", "we", "we're", "our", "ours",
		},
	}
}

// LoadTables reads tables from a YAML file. Empty sections fall back to
// the built-in defaults, so a file may override only the lists it cares
// about.
func LoadTables(path string) (Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("reading classifier tables %s: %w", path, err)
	}

	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tables{}, fmt.Errorf("parsing classifier tables %s: %w", path, err)
	}

	t.fillDefaults()
	return t, nil
}

// fillDefaults replaces empty sections with the built-in lists.
func (t *Tables) fillDefaults() {
	defaults := DefaultTables()
	if len(t.StopWords) == 0 {
		t.StopWords = defaults.StopWords
	}
	if len(t.Intents) == 0 {
		t.Intents = defaults.Intents
	}
	if len(t.Tones) == 0 {
		t.Tones = defaults.Tones
	}
	if len(t.Topics) == 0 {
		t.Topics = defaults.Topics
	}
	if len(t.FunctionWords) == 0 {
		t.FunctionWords = defaults.FunctionWords
	}
	if len(t.TransientMarkers) == 0 {
		t.TransientMarkers = defaults.TransientMarkers
	}
	if len(t.FirstPersonPronouns) == 0 {
		t.FirstPersonPronouns = defaults.FirstPersonPronouns
	}
}
