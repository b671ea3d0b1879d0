// Package schema defines the slot schemas guided tools collect against.
//
// A SlotSchema is a fixed ordered list of slot definitions loaded from YAML
// at startup. Registry holds every loaded tool keyed by ID. CurrentSlot and
// IsComplete are the only functions that decide collection progress; callers
// recompute rather than trusting stored markers.
package schema
