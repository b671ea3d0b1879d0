// ABOUTME: Pluggable answer extraction strategies selected per tool
// ABOUTME: ModelExtractor trusts the classifier's distillation; PatternExtractor uses regexes

package validator

import (
	"regexp"
	"strings"

	"github.com/2389/intake-gateway/internal/llm"
	"github.com/2389/intake-gateway/internal/schema"
)

// Extractor pulls the collectable fact out of a raw utterance. verdict may be
// nil when the classifier was unavailable (the fail-open path).
type Extractor interface {
	Extract(slot schema.Slot, rawAnswer string, verdict *llm.Verdict) string
}

// ModelExtractor uses the classifier's extracted answer when present,
// falling back to the raw utterance.
type ModelExtractor struct{}

// Extract returns the classifier's distilled answer, or the raw text.
func (ModelExtractor) Extract(_ schema.Slot, rawAnswer string, verdict *llm.Verdict) string {
	if verdict != nil && strings.TrimSpace(verdict.ExtractedAnswer) != "" {
		return strings.TrimSpace(verdict.ExtractedAnswer)
	}
	return strings.TrimSpace(rawAnswer)
}

// PatternExtractor extracts answers with per-slot regular expressions. Slots
// without a pattern fall back to the trimmed raw answer. The first capture
// group is used when the pattern defines one, otherwise the whole match.
type PatternExtractor struct {
	patterns map[string]*regexp.Regexp
}

// NewPatternExtractor compiles the given slot-key -> pattern map.
func NewPatternExtractor(patterns map[string]string) (*PatternExtractor, error) {
	compiled := make(map[string]*regexp.Regexp, len(patterns))
	for key, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		compiled[key] = re
	}
	return &PatternExtractor{patterns: compiled}, nil
}

// NewPatternExtractorForTool builds a PatternExtractor from the patterns
// declared on the tool's slots.
func NewPatternExtractorForTool(tool *schema.Tool) (*PatternExtractor, error) {
	patterns := make(map[string]string)
	for _, slot := range tool.Schema.Slots() {
		if slot.Pattern != "" {
			patterns[slot.Key] = slot.Pattern
		}
	}
	return NewPatternExtractor(patterns)
}

// Extract applies the slot's pattern to the raw answer.
func (p *PatternExtractor) Extract(slot schema.Slot, rawAnswer string, _ *llm.Verdict) string {
	trimmed := strings.TrimSpace(rawAnswer)
	re, ok := p.patterns[slot.Key]
	if !ok {
		return trimmed
	}

	match := re.FindStringSubmatch(trimmed)
	if match == nil {
		return trimmed
	}
	if len(match) > 1 && match[1] != "" {
		return strings.TrimSpace(match[1])
	}
	return strings.TrimSpace(match[0])
}
