// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// embeddedVocabulary is compiled into the binary so the gate is identical on
// every host.
//
//go:embed vocabulary.yaml
var embeddedVocabulary []byte

// Category is one named group of hint terms.
type Category struct {
	Name  string   `yaml:"name"`
	Terms []string `yaml:"terms"`
}

type vocabularyFile struct {
	RetrievalTerms []string   `yaml:"retrieval_terms"`
	Categories     []Category `yaml:"categories"`
}

// Vocabulary decides retrieval eligibility and category hints.
//
// # Description
//
// All terms are lowercased at load time. Both lookups are pure substring
// tests against the lowercased message; no tokenization is attempted, so
// CJK terms match inside unsegmented text.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Vocabulary struct {
	terms      []string
	categories []Category
}

// DefaultVocabulary parses the embedded vocabulary.
func DefaultVocabulary() (*Vocabulary, error) {
	return ParseVocabulary(embeddedVocabulary)
}

// ParseVocabulary builds a Vocabulary from YAML.
//
// # Outputs
//
//   - *Vocabulary: Ready to use.
//   - error: Malformed YAML, no retrieval terms, or a category without a name.
func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var file vocabularyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vocabulary: %w", err)
	}
	if len(file.RetrievalTerms) == 0 {
		return nil, fmt.Errorf("vocabulary has no retrieval_terms")
	}

	v := &Vocabulary{terms: lowerAll(file.RetrievalTerms)}
	for i, c := range file.Categories {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("category %d has no name", i)
		}
		v.categories = append(v.categories, Category{Name: c.Name, Terms: lowerAll(c.Terms)})
	}
	return v, nil
}

// ShouldRetrieve reports whether text mentions any retrieval term.
//
// # Examples
//
//	v.ShouldRetrieve("What does the Fireball SPELL do?") // true
//	v.ShouldRetrieve("法术位怎么恢复")                      // true
//	v.ShouldRetrieve("hello there")                      // false
func (v *Vocabulary) ShouldRetrieve(text string) bool {
	lowered := strings.ToLower(text)
	for _, term := range v.terms {
		if strings.Contains(lowered, term) {
			return true
		}
	}
	return false
}

// CategoryHint returns the first category, in declaration order, with a term
// contained in text, or "" when none matches.
func (v *Vocabulary) CategoryHint(text string) string {
	lowered := strings.ToLower(text)
	for _, c := range v.categories {
		for _, term := range c.Terms {
			if strings.Contains(lowered, term) {
				return c.Name
			}
		}
	}
	return ""
}

// Categories returns the category names in declaration order.
func (v *Vocabulary) Categories() []string {
	names := make([]string, len(v.categories))
	for i, c := range v.categories {
		names[i] = c.Name
	}
	return names
}

func lowerAll(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}
