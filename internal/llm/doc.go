// Package llm talks to the OpenAI-compatible generative backend. Generate
// returns free text; Classify returns a structured Verdict and guards
// against the model wrapping its JSON in prose or code fences.
package llm
