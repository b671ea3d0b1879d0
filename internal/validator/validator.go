// ABOUTME: AnswerValidator classifies whether free text answers the slot currently asked
// ABOUTME: Cheap length short-circuit, rubric-seeded classifier call, fail-open on backend errors

package validator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/intake-gateway/internal/llm"
	"github.com/2389/intake-gateway/internal/schema"
)

// DefaultMinAnswerLength is the trimmed length below which an answer is
// rejected without consulting the classifier.
const DefaultMinAnswerLength = 3

// Result is the per-turn validation outcome. It is ephemeral; nothing here
// is persisted.
type Result struct {
	IsValid         bool
	Reason          string
	Topic           string
	ExtractedAnswer string
}

// Validator checks answers against the asked slot's topic.
type Validator struct {
	backend   llm.Backend
	minLength int
	extractor Extractor
	logger    *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithMinLength overrides the short-circuit threshold.
func WithMinLength(n int) Option {
	return func(v *Validator) { v.minLength = n }
}

// WithExtractor selects the answer extraction strategy.
func WithExtractor(e Extractor) Option {
	return func(v *Validator) { v.extractor = e }
}

// New creates a Validator. Pass nil logger for default.
func New(backend llm.Backend, logger *slog.Logger, opts ...Option) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{
		backend:   backend,
		minLength: DefaultMinAnswerLength,
		extractor: ModelExtractor{},
		logger:    logger.With("component", "validator"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate classifies rawAnswer against the slot's rubric.
//
// Answers shorter than the minimum are rejected before any classifier call.
// Classifier transport or parse failures fail open: the answer is accepted
// with no reason, and the failure is logged. Availability over strictness.
func (v *Validator) Validate(ctx context.Context, slot schema.Slot, rawAnswer string) Result {
	trimmed := strings.TrimSpace(rawAnswer)
	if len(trimmed) < v.minLength {
		return Result{
			IsValid: false,
			Reason:  "answer is too short to evaluate",
		}
	}

	verdict, err := v.backend.Classify(ctx, classifyPrompt(slot, trimmed))
	if err != nil {
		v.logger.Warn("classifier unavailable, failing open",
			"slot", slot.Key,
			"error", err)
		return Result{
			IsValid:         true,
			ExtractedAnswer: v.extractor.Extract(slot, trimmed, nil),
		}
	}

	if !verdict.IsValid {
		return Result{
			IsValid: false,
			Reason:  verdict.Reason,
			Topic:   verdict.Topic,
		}
	}

	return Result{
		IsValid:         true,
		ExtractedAnswer: v.extractor.Extract(slot, trimmed, verdict),
	}
}

// classifyPrompt seeds the classifier with the slot rubric. The rubric is
// expected to name adjacent-but-wrong topics so the model can label them.
func classifyPrompt(slot schema.Slot, answer string) string {
	return fmt.Sprintf(`You are validating one answer in a guided intake dialogue.

Slot being asked: %s
What this slot is about: %s
Rubric: %s

User's answer:
%s

Decide whether the answer is on-topic for this slot. Reply with a single JSON
object and nothing else:
{"is_valid": bool, "reason": "why, if invalid", "topic": "the detected topic", "extracted_answer": "the answer distilled to the fact being collected"}`,
		slot.Key, slot.Description, slot.Rubric, answer)
}
