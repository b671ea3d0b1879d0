// ABOUTME: Slot and SlotSchema types describing the ordered facts a guided tool collects
// ABOUTME: Provides the pure current-slot and completion recomputation helpers

package schema

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownSlot is returned when a slot key does not belong to the schema.
var ErrUnknownSlot = errors.New("unknown slot key")

// Slot is a single named fact the dialogue must collect.
type Slot struct {
	Key         string `yaml:"key"`
	Prompt      string `yaml:"prompt"`
	Description string `yaml:"description"`
	// Rubric tells the classifier what this slot IS about and names
	// adjacent-but-wrong topics explicitly (e.g. "pricing is not solution").
	Rubric string `yaml:"rubric"`
	// Pattern is an optional regular expression used by pattern-based
	// extraction. Ignored by tools using the model extractor.
	Pattern string `yaml:"pattern"`
	Order   int    `yaml:"order"`
}

// SlotSchema is the fixed, ordered list of slots required for one guided tool.
// The zero value is unusable; build one with New.
type SlotSchema struct {
	slots []Slot
	byKey map[string]Slot
}

// New builds a SlotSchema from the given slots, ordered by their Order field
// (declaration order breaks ties). Returns an error on empty input, duplicate
// keys, or slots missing a key or prompt.
func New(slots []Slot) (*SlotSchema, error) {
	if len(slots) == 0 {
		return nil, errors.New("schema requires at least one slot")
	}

	ordered := make([]Slot, len(slots))
	copy(ordered, slots)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Order < ordered[j].Order
	})

	byKey := make(map[string]Slot, len(ordered))
	for _, s := range ordered {
		if s.Key == "" {
			return nil, errors.New("slot key is required")
		}
		if s.Prompt == "" {
			return nil, fmt.Errorf("slot %q: prompt is required", s.Key)
		}
		if _, dup := byKey[s.Key]; dup {
			return nil, fmt.Errorf("duplicate slot key %q", s.Key)
		}
		byKey[s.Key] = s
	}

	return &SlotSchema{slots: ordered, byKey: byKey}, nil
}

// Slots returns the slots in schema order.
func (s *SlotSchema) Slots() []Slot {
	out := make([]Slot, len(s.slots))
	copy(out, s.slots)
	return out
}

// Keys returns the slot keys in schema order.
func (s *SlotSchema) Keys() []string {
	keys := make([]string, len(s.slots))
	for i, slot := range s.slots {
		keys[i] = slot.Key
	}
	return keys
}

// Len returns the number of slots in the schema.
func (s *SlotSchema) Len() int {
	return len(s.slots)
}

// Slot looks up a slot by key.
func (s *SlotSchema) Slot(key string) (Slot, error) {
	slot, ok := s.byKey[key]
	if !ok {
		return Slot{}, fmt.Errorf("%w: %q", ErrUnknownSlot, key)
	}
	return slot, nil
}

// Contains reports whether the key belongs to the schema.
func (s *SlotSchema) Contains(key string) bool {
	_, ok := s.byKey[key]
	return ok
}

// FirstUnanswered returns the first schema slot whose key is absent from
// answers, in schema order. The second return is false when every slot is
// answered.
func (s *SlotSchema) FirstUnanswered(answers map[string]string) (Slot, bool) {
	for _, slot := range s.slots {
		if _, ok := answers[slot.Key]; !ok {
			return slot, true
		}
	}
	return Slot{}, false
}

// Complete reports whether answers covers every slot in the schema. It is a
// pure function of the collected data; callers must never trust a stored
// completed flag over this recomputation.
func (s *SlotSchema) Complete(answers map[string]string) bool {
	_, remaining := s.FirstUnanswered(answers)
	return !remaining
}
